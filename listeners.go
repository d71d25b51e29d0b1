package comlink

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// Handler receives the events of a remote listener method.
// Its identity is its address: subscribing the same `*Handler` twice to
// one event is a `DuplicateRegistrationError`.
type Handler struct {
	fn     func(args ...any)
	closed atomic.Bool
}

func NewHandler(fn func(args ...any)) *Handler {
	return &Handler{fn: fn}
}

// Emit calls the handler. It does nothing once the handler is closed,
// which happens to the handlers given to local listener methods when the
// subscribed environment goes away.
//
// Handlers subscribed to remote events are called on the goroutine
// delivering the event, they MUST NOT block waiting for another message.
func (h *Handler) Emit(args ...any) {
	if h.closed.Load() {
		return
	}
	h.fn(args...)
}

// Closed reports whether emissions are dropped.
func (h *Handler) Closed() bool {
	return h.closed.Load()
}

func (h *Handler) close() {
	h.closed.Store(true)
}

// handlerBucket holds the local handlers of one remote event.
type handlerBucket struct {
	handlers []*Handler
	// subscribed is set once the remote accepted the wire `listen`.
	// Registrations made before that wait for its outcome.
	subscribed bool
	waiting    []*Call
}

// dispatcherKey identifies the subscription of a remote environment to
// one of our events.
type dispatcherKey struct {
	handlerID string
	origin    string
}

// handlerID builds `self/env#api@method`. Environment ids never contain
// `#`, so every bucket of env shares the `self/env#` prefix.
func (c *Communication) handlerID(env, api, method string) string {
	return fmt.Sprintf("%s#%s@%s", c.handlerPrefix(env), api, method)
}

func (c *Communication) handlerPrefix(env string) string {
	return fmt.Sprintf("%s/%s", c.id, env)
}

func (c *Communication) bucketLocked(handlerID string) (*handlerBucket, bool) {
	raw, ok := c.buckets.Get([]byte(handlerID))
	if !ok {
		return nil, false
	}
	return raw.(*handlerBucket), true
}

func (c *Communication) deleteBucketLocked(handlerID string) {
	c.buckets, _, _ = c.buckets.Delete([]byte(handlerID))
}

func handlerArg(api, method string, args []any) (*Handler, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %s.%s expects a handler", ErrInvalidArgs, api, method)
	}
	h, ok := args[0].(*Handler)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s.%s expects a handler, got %T", ErrInvalidArgs, api, method, args[0])
	}
	return h, nil
}

// listenLocked subscribes a local handler to a remote event. Only the
// first handler of a bucket goes on the wire.
func (c *Communication) listenLocked(call *Call, to, api, method string, args []any) error {
	h, err := handlerArg(api, method, args)
	if err != nil {
		return err
	}

	handlerID := c.handlerID(to, api, method)
	if bucket, ok := c.bucketLocked(handlerID); ok {
		if slices.Contains(bucket.handlers, h) {
			return &DuplicateRegistrationError{Kind: "listener", Name: handlerID}
		}
		bucket.handlers = append(bucket.handlers, h)
		if bucket.subscribed {
			call.settle(nil, nil)
		} else {
			bucket.waiting = append(bucket.waiting, call)
		}
		return nil
	}

	bucket := &handlerBucket{handlers: []*Handler{h}}
	c.buckets, _, _ = c.buckets.Insert([]byte(handlerID), bucket)

	msg := &Message{
		Type:       TypeListen,
		From:       c.id,
		To:         to,
		Origin:     c.id,
		HandlerID:  handlerID,
		CallbackID: c.nextCallbackID(),
		Data:       &ListenData{API: api, Method: method},
	}
	rec := c.registerCallbackLocked(msg, call)
	rec.onSettle = func(err error) {
		waiting := bucket.waiting
		bucket.waiting = nil
		if err == nil {
			bucket.subscribed = true
		} else if current, ok := c.bucketLocked(handlerID); ok && current == bucket {
			// A bucket whose subscription failed would never get events.
			c.deleteBucketLocked(handlerID)
		}
		for _, other := range waiting {
			other.settle(nil, err)
		}
	}
	c.sendLocked(to, msg, c.rejectOnPostFailure(msg.CallbackID))
	return nil
}

// unlistenLocked unsubscribes local handlers from the remote event of
// `listenMethod`. `unlisten` only goes on the wire once the bucket is
// empty.
func (c *Communication) unlistenLocked(
	call *Call,
	to, api, method, listenMethod string,
	args []any,
	all bool,
) error {
	handlerID := c.handlerID(to, api, listenMethod)
	bucket, ok := c.bucketLocked(handlerID)
	if !ok {
		call.settle(nil, nil)
		return nil
	}

	if !all {
		h, err := handlerArg(api, method, args)
		if err != nil {
			return err
		}
		bucket.handlers = slices.DeleteFunc(bucket.handlers, func(registered *Handler) bool {
			return registered == h
		})
		if len(bucket.handlers) > 0 {
			call.settle(nil, nil)
			return nil
		}
	}
	c.deleteBucketLocked(handlerID)

	msg := &Message{
		Type:       TypeUnlisten,
		From:       c.id,
		To:         to,
		Origin:     c.id,
		HandlerID:  handlerID,
		CallbackID: c.nextCallbackID(),
		Data:       &ListenData{API: api, Method: method},
	}
	c.registerCallbackLocked(msg, call)
	c.sendLocked(to, msg, c.rejectOnPostFailure(msg.CallbackID))
	return nil
}

// handleEventLocked returns the deliveries of an event, to be run once
// lk is released.
func (c *Communication) handleEventLocked(msg *Message) []func() {
	bucket, ok := c.bucketLocked(msg.HandlerID)
	if !ok {
		c.logger.Debug("dropping event without handlers", LabelHandlerID.L(msg.HandlerID))
		c.config.msink.IncrCounterWithLabels(
			MetricMessageDroppedCount, 1,
			c.labels(LabelMessageType.M(string(TypeEvent))),
		)
		return nil
	}

	var args []any
	if data, ok := msg.Data.([]any); ok {
		args = decodeArgs(data)
	}
	c.config.msink.IncrCounterWithLabels(MetricEventCount, 1, c.labels(LabelEnvID.M(msg.From)))

	deliveries := make([]func(), 0, len(bucket.handlers))
	for _, h := range bucket.handlers {
		deliveries = append(deliveries, func() { h.Emit(args...) })
	}
	return deliveries
}

// dispatcherLocked returns the handler turning local emissions into
// `event` messages to the subscriber of msg.
func (c *Communication) dispatcherLocked(msg *Message) *Handler {
	key := dispatcherKey{handlerID: msg.HandlerID, origin: msg.Origin}
	if d, ok := c.dispatchers[key]; ok {
		return d
	}

	to, handlerID := msg.From, msg.HandlerID
	d := NewHandler(func(args ...any) {
		c.emitEvent(to, handlerID, args)
	})
	c.dispatchers[key] = d
	return d
}

func (c *Communication) emitEvent(to, handlerID string, args []any) {
	c.lk.Lock()
	defer c.unlock()
	if c.disposed {
		return
	}
	c.sendLocked(to, &Message{
		Type:      TypeEvent,
		From:      c.id,
		To:        to,
		Origin:    c.id,
		HandlerID: handlerID,
		Data:      encodeArgs(args),
	}, nil)
}

// dropEnvironmentHandlers forgets the subscriptions made to and by a
// cleared environment.
func (c *Communication) dropEnvironmentHandlers(envID string) {
	c.lk.Lock()
	defer c.lk.Unlock()

	c.buckets, _ = c.buckets.DeletePrefix([]byte(c.handlerPrefix(envID) + "#"))
	for key, d := range c.dispatchers {
		if key.origin == envID {
			d.close()
			delete(c.dispatchers, key)
		}
	}
}

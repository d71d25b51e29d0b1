package comlink

import (
	"errors"
	"fmt"
	"slices"
)

// receive is the inbox of every transport we listen to.
func (c *Communication) receive(msg *Message, source Target) {
	err := c.HandleMessage(msg, source)
	switch {
	case err == nil:
	case errors.Is(err, ErrDisposed):
		c.logger.Debug("message received after dispose", LabelMessageType.L(msg.Type))
	default:
		c.logger.Warn(
			"failed to handle message",
			"source", targetName(source),
			LabelError.L(err),
		)
	}
}

// HandleMessage routes a message received from source.
//
// It returns an error when msg is malformed or is a reply to a call we
// are not waiting for. Failures of local executions are never returned,
// they are sent back to the caller.
func (c *Communication) HandleMessage(msg *Message, source Target) error {
	if err := msg.Validate(); err != nil {
		c.config.msink.IncrCounterWithLabels(MetricMessageDroppedCount, 1, c.labels())
		return err
	}
	c.config.msink.IncrCounterWithLabels(
		MetricMessageInCount, 1,
		c.labels(LabelMessageType.M(string(msg.Type))),
	)

	c.lk.Lock()
	if c.disposed {
		c.lk.Unlock()
		return ErrDisposed
	}

	if msg.Type == TypeDispose && msg.To == Broadcast {
		listeners := c.clearEnvironmentLocked(msg.Origin, msg.From, true)
		c.unlock()
		for _, fn := range listeners {
			fn(msg.Origin)
		}
		return nil
	}

	// Messages looping back through our own root host come from us.
	if source != nil && source != c.host {
		c.autoRegisterLocked(msg.From, source)
		c.autoRegisterLocked(msg.Origin, source)
	}

	rec, ok := c.resolveLocked(msg.To)
	if !ok {
		c.logger.Warn(
			"dropping message to unknown environment",
			LabelEnvID.L(msg.To),
			LabelMessageType.L(msg.Type),
			"from", msg.From,
		)
		c.config.msink.IncrCounterWithLabels(
			MetricMessageDroppedCount, 1,
			c.labels(LabelMessageType.M(string(msg.Type))),
		)
		c.unlock()
		return nil
	}

	if rec.id != c.id {
		c.forwardLocked(msg, rec)
		c.unlock()
		return nil
	}

	var (
		err        error
		deliveries []func()
		listeners  []func(string)
	)
	switch msg.Type {
	case TypeCall:
		c.handleCallLocked(msg)
	case TypeCallback:
		err = c.handleCallbackLocked(msg)
	case TypeEvent:
		deliveries = c.handleEventLocked(msg)
	case TypeListen:
		c.handleListenLocked(msg)
	case TypeUnlisten:
		c.handleUnlistenLocked(msg)
	case TypeReady:
		c.handleReadyLocked(msg.From)
	case TypeDispose:
		listeners = c.clearEnvironmentLocked(msg.Origin, msg.From, true)
	case TypeStatus:
		c.replyLocked(msg, c.statusLocked(), nil)
	}
	c.unlock()

	for _, deliver := range deliveries {
		deliver()
	}
	for _, fn := range listeners {
		fn(msg.Origin)
	}
	return err
}

// forwardLocked relays msg toward rec. A message which already went
// through us is answered with a `CircularForwardingError` instead.
func (c *Communication) forwardLocked(msg *Message, rec *envRecord) {
	if slices.Contains(msg.ForwardingChain, c.id) {
		chain := append(slices.Clone(msg.ForwardingChain), c.id)
		c.config.msink.IncrCounterWithLabels(MetricForwardCycleCount, 1, c.labels(
			LabelEnvID.M(msg.To),
		))
		c.logger.Warn(
			"forwarding cycle detected",
			LabelEnvID.L(msg.To),
			LabelMessageType.L(msg.Type),
			LabelChain.L(chain),
		)
		if msg.CallbackID != "" {
			c.sendLocked(msg.From, &Message{
				Type:       TypeCallback,
				From:       c.id,
				To:         msg.From,
				Origin:     c.id,
				CallbackID: msg.CallbackID,
				Error: serializeError(&CircularForwardingError{
					EnvID: c.id,
					Chain: chain,
				}),
			}, nil)
		}
		return
	}

	fwd := msg.Clone()
	fwd.ForwardingChain = append(fwd.ForwardingChain, c.id)
	c.config.msink.IncrCounterWithLabels(MetricForwardCount, 1, c.labels(
		LabelEnvID.M(rec.id),
		LabelMessageType.M(string(msg.Type)),
	))
	c.sendLocked(rec.id, fwd, nil)
}

func (c *Communication) lookupMethodLocked(api, method string) (Method, error) {
	local, ok := c.apis[api]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPI, api)
	}
	return local.method(method)
}

func (c *Communication) handleCallLocked(msg *Message) {
	data := msg.Data.(*CallData)
	fn, err := c.lookupMethodLocked(data.API, data.Method)
	if err != nil {
		c.replyLocked(msg, nil, err)
		return
	}
	c.executeLocked(msg, fn, decodeArgs(data.Args), nil)
}

// handleListenLocked subscribes the sender to one of our events by
// giving its dispatcher to the listener method.
func (c *Communication) handleListenLocked(msg *Message) {
	data := msg.Data.(*ListenData)
	fn, err := c.lookupMethodLocked(data.API, data.Method)
	if err != nil {
		c.replyLocked(msg, nil, err)
		return
	}
	d := c.dispatcherLocked(msg)
	c.executeLocked(msg, fn, []any{d}, nil)
}

func (c *Communication) handleUnlistenLocked(msg *Message) {
	data := msg.Data.(*ListenData)
	key := dispatcherKey{handlerID: msg.HandlerID, origin: msg.Origin}
	d, ok := c.dispatchers[key]
	if !ok {
		c.replyLocked(msg, nil, nil)
		return
	}

	fn, err := c.lookupMethodLocked(data.API, data.Method)
	if err != nil {
		c.replyLocked(msg, nil, err)
		return
	}
	delete(c.dispatchers, key)
	c.executeLocked(msg, fn, []any{d}, d.close)
}

// executeLocked runs a local method on its own goroutine and replies
// with its outcome.
func (c *Communication) executeLocked(msg *Message, fn Method, args []any, after func()) {
	ctx := withCaller(c.ctx, msg.Origin)
	go func() {
		result, err := invoke(ctx, fn, args)
		if after != nil {
			after()
		}

		c.lk.Lock()
		defer c.unlock()
		if c.disposed {
			return
		}
		c.replyLocked(msg, result, err)
	}()
}

// replyLocked answers msg. Without a callback id, failures are only
// logged.
func (c *Communication) replyLocked(msg *Message, result any, err error) {
	if msg.CallbackID == "" {
		if err != nil {
			c.logger.Warn(
				"local execution failed",
				LabelMessageType.L(msg.Type),
				"from", msg.From,
				LabelError.L(err),
			)
		}
		return
	}

	reply := &Message{
		Type:       TypeCallback,
		From:       c.id,
		To:         msg.From,
		Origin:     c.id,
		CallbackID: msg.CallbackID,
	}
	if err != nil {
		reply.Error = serializeError(err)
	} else {
		reply.Data = result
	}
	c.sendLocked(msg.From, reply, nil)
}

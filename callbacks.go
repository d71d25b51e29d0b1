package comlink

import (
	"context"
	"fmt"
	"time"
)

// Call is an invocation issued to another environment.
type Call struct {
	// ID is the callback id correlating the reply, empty when no reply is
	// expected.
	ID string

	done  chan struct{}
	value any
	err   error
}

func newCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Done is closed once the call is settled.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Result returns the outcome of a settled call. It MUST only be used
// after `Done` is closed.
func (call *Call) Result() (any, error) {
	return call.value, call.err
}

// Wait blocks until the call is settled or ctx is done. Cancelling ctx
// only stops waiting: the remote execution, if any, goes on.
func (call *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-call.done:
		return call.value, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (call *Call) settle(value any, err error) {
	call.value = value
	call.err = err
	close(call.done)
}

type callbackRecord struct {
	id    string
	msg   *Message
	call  *Call
	start time.Time

	slowTimer    *time.Timer
	timeoutTimer *time.Timer

	// onSettle runs under lk, before the call is settled.
	onSettle func(err error)
}

func (c *Communication) nextCallbackID() string {
	return fmt.Sprintf("%s:c%d", c.prefix, c.counter.Add(1))
}

// registerCallbackLocked tracks the reply to msg. Timers are armed now
// unless the destination is pending, in which case `handleReadyLocked`
// arms them.
func (c *Communication) registerCallbackLocked(msg *Message, call *Call) *callbackRecord {
	rec := &callbackRecord{
		id:    msg.CallbackID,
		msg:   msg,
		call:  call,
		start: time.Now(),
	}
	call.ID = msg.CallbackID
	c.callbacks[rec.id] = rec

	if _, pending := c.pendingEnvs[msg.To]; !pending {
		c.armLocked(rec)
	}
	return rec
}

func (c *Communication) armLocked(rec *callbackRecord) {
	if c.disposing {
		return
	}
	id := rec.id
	if c.config.warnOnSlow {
		rec.slowTimer = time.AfterFunc(c.config.slowThreshold, func() {
			c.warnSlow(id)
		})
	}
	rec.timeoutTimer = time.AfterFunc(c.config.callbackTimeout, func() {
		c.timeoutCallback(id)
	})
}

func (c *Communication) warnSlow(id string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	rec, ok := c.callbacks[id]
	if !ok {
		return
	}
	c.config.msink.IncrCounterWithLabels(MetricCallbackSlowCount, 1, c.labels(
		LabelEnvID.M(rec.msg.To),
		LabelMessageType.M(string(rec.msg.Type)),
	))
	c.logger.Warn(
		"slow call, still waiting for a reply",
		LabelCallbackID.L(id),
		LabelEnvID.L(rec.msg.To),
		LabelMessageType.L(rec.msg.Type),
		LabelDuration.L(time.Since(rec.start)),
	)
}

func (c *Communication) timeoutCallback(id string) {
	c.lk.Lock()
	defer c.unlock()
	rec, ok := c.callbacks[id]
	if !ok {
		return
	}
	c.config.msink.IncrCounterWithLabels(MetricCallbackTimeoutCount, 1, c.labels(
		LabelEnvID.M(rec.msg.To),
	))
	c.logger.Warn(
		"call timed out",
		LabelCallbackID.L(id),
		LabelEnvID.L(rec.msg.To),
		LabelDuration.L(c.config.callbackTimeout),
	)
	c.settleLocked(id, nil, &CallbackTimeoutError{
		CallbackID: id,
		EnvID:      rec.msg.To,
		Timeout:    c.config.callbackTimeout,
	})
}

// settleLocked resolves or rejects a tracked call exactly once and stops
// its timers.
func (c *Communication) settleLocked(id string, value any, err error) bool {
	rec, ok := c.callbacks[id]
	if !ok {
		return false
	}
	delete(c.callbacks, id)

	if rec.slowTimer != nil {
		rec.slowTimer.Stop()
	}
	if rec.timeoutTimer != nil {
		rec.timeoutTimer.Stop()
	}
	if rec.onSettle != nil {
		rec.onSettle(err)
	}

	labels := c.labels(
		LabelEnvID.M(rec.msg.To),
		LabelMessageType.M(string(rec.msg.Type)),
	)
	if err != nil {
		c.config.msink.IncrCounterWithLabels(MetricCallbackRejectedCount, 1, labels)
	} else {
		c.config.msink.IncrCounterWithLabels(MetricCallbackResolvedCount, 1, labels)
	}
	c.config.msink.AddSampleWithLabels(
		MetricCallLatencyMs,
		float32(time.Since(rec.start).Milliseconds()),
		labels,
	)

	rec.call.settle(value, err)
	return true
}

// handleCallbackLocked settles the call msg replies to. An unknown id is
// a protocol fault reported to the caller of `HandleMessage`.
func (c *Communication) handleCallbackLocked(msg *Message) error {
	var err error
	if msg.Error != nil {
		err = reconstructError(msg.Error, msg.From)
	}
	if !c.settleLocked(msg.CallbackID, msg.Data, err) {
		return &UnknownCallbackIDError{CallbackID: msg.CallbackID, From: msg.From}
	}
	return nil
}

// rejectCallback rejects a tracked call whose message could not be
// posted.
func (c *Communication) rejectCallback(id string, err error) {
	c.lk.Lock()
	defer c.unlock()
	c.settleLocked(id, nil, err)
}

func (c *Communication) rejectCallbacksToLocked(envID string, err error) {
	for _, id := range sortedKeys(c.callbacks) {
		if rec, ok := c.callbacks[id]; ok && rec.msg.To == envID {
			c.settleLocked(id, nil, err)
		}
	}
}

func (c *Communication) rejectAllCallbacksLocked(err error) {
	for _, id := range sortedKeys(c.callbacks) {
		c.settleLocked(id, nil, err)
	}
}

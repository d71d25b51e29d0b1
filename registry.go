package comlink

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
)

const MaxEnvironmentIDLength = 128

var validEnvironmentID = regexp.MustCompile(`^[A-Za-z0-9\-._/:@]+$`)

// ValidateEnvironmentID reports whether id can name an environment.
// `#` is not allowed since it separates the environment from the API in
// handler ids, and `*` is reserved for `Broadcast`.
func ValidateEnvironmentID(id string) bool {
	return len(id) <= MaxEnvironmentIDLength && validEnvironmentID.MatchString(id)
}

// envRecord binds an environment to the transport reaching it.
type envRecord struct {
	id   string
	host Target
}

// RegisterEnv records that environment `id` is reachable through `host`.
// Registering the same pair twice is a no-op, but binding an id to
// another host fails with a `DuplicateRegistrationError`.
func (c *Communication) RegisterEnv(id string, host Target) error {
	if !ValidateEnvironmentID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironmentID, id)
	}
	if host == nil {
		return fmt.Errorf("%w: nil host for %q", ErrInvalidArgs, id)
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	return c.registerEnvLocked(id, host)
}

func (c *Communication) registerEnvLocked(id string, host Target) error {
	if rec, ok := c.envs[id]; ok {
		if rec.host == host {
			return nil
		}
		return &DuplicateRegistrationError{Kind: "environment", Name: id}
	}

	c.envs[id] = &envRecord{id: id, host: host}
	c.config.msink.SetGaugeWithLabels(MetricEnvironmentsRegistered, float32(len(c.envs)), c.labels())
	c.logger.Debug("environment registered", LabelEnvID.L(id), "host", targetName(host))
	return nil
}

// autoRegisterLocked binds a yet unknown environment to the transport we
// just received one of its messages from.
func (c *Communication) autoRegisterLocked(id string, source Target) {
	if id == "" || !ValidateEnvironmentID(id) {
		return
	}
	if _, ok := c.envs[id]; ok {
		return
	}
	c.envs[id] = &envRecord{id: id, host: source}
	c.config.msink.SetGaugeWithLabels(MetricEnvironmentsRegistered, float32(len(c.envs)), c.labels())
	c.logger.Debug("environment auto-registered", LabelEnvID.L(id), "host", targetName(source))
}

// resolveLocked finds the record serving `to`, looking at resolved
// contexts when `to` is not directly registered.
func (c *Communication) resolveLocked(to string) (*envRecord, bool) {
	if to == Broadcast {
		return c.envs[c.id], true
	}
	if rec, ok := c.envs[to]; ok {
		return rec, true
	}
	if alias, ok := c.config.resolvedContexts[to]; ok {
		rec, ok := c.envs[alias]
		return rec, ok
	}
	return nil, false
}

// canonicalLocked returns the environment id messages to `env` should be
// addressed to.
func (c *Communication) canonicalLocked(env string) string {
	if _, ok := c.envs[env]; ok {
		return env
	}
	if alias, ok := c.config.resolvedContexts[env]; ok {
		return alias
	}
	return env
}

// GetEnvironmentHost returns the host environment `id` is reachable
// through.
func (c *Communication) GetEnvironmentHost(id string) (Target, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	rec, ok := c.resolveLocked(id)
	if !ok {
		return nil, false
	}
	return rec.host, true
}

// GetRegisteredEnvironmentInstances returns the sorted ids of every known
// environment, ourselves included.
func (c *Communication) GetRegisteredEnvironmentInstances() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	ids := sortedKeys(c.envs)
	return slices.DeleteFunc(ids, func(id string) bool {
		return id == Broadcast
	})
}

// RegisterMessageHandler routes every message `target` receives through
// this `Communication`.
func (c *Communication) RegisterMessageHandler(target Target) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.disposed {
		return
	}
	c.attachLocked(target)
}

// RemoveMessageHandler stops listening to `target`.
func (c *Communication) RemoveMessageHandler(target Target) {
	c.lk.Lock()
	defer c.lk.Unlock()
	inbox, ok := c.inboxes[target]
	if !ok {
		return
	}
	delete(c.inboxes, target)
	target.Detach(inbox)
}

func (c *Communication) attachLocked(target Target) {
	if _, ok := c.inboxes[target]; ok {
		return
	}
	inbox := NewInbox(func(msg *Message) {
		c.receive(msg, target)
	})
	c.inboxes[target] = inbox
	target.Attach(inbox)
}

// envWaiter is somebody waiting for an environment to be ready.
type envWaiter struct {
	ready chan struct{}
	// gone is closed, after err is set, when the wait is abandoned.
	gone chan struct{}
	err  error
}

func newEnvWaiter() *envWaiter {
	return &envWaiter{
		ready: make(chan struct{}),
		gone:  make(chan struct{}),
	}
}

func (w *envWaiter) abandon(err error) {
	w.err = err
	close(w.gone)
}

// waitLocked registers a waiter for environment `id`, which becomes
// pending unless it is already ready.
func (c *Communication) waitLocked(id string) *envWaiter {
	w := newEnvWaiter()
	switch {
	case c.readyEnvs[id]:
		close(w.ready)
	case c.disposed:
		w.abandon(ErrDisposed)
	default:
		c.pendingEnvs[id] = append(c.pendingEnvs[id], w)
	}
	return w
}

// EnvReady returns a channel closed once environment `id` announced it
// is ready.
//
// Until then, `id` is pending: messages addressed to it are held back
// and flushed in order when its `ready` arrives. Clearing `id` ends the
// wait without closing the channel.
func (c *Communication) EnvReady(id string) <-chan struct{} {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.waitLocked(id).ready
}

// WaitEnvReady blocks until environment `id` is ready, ctx is done or the
// `Communication` is disposed. It fails with an
// `EnvironmentDisconnectedError` when `id` is cleared in the meantime.
func (c *Communication) WaitEnvReady(ctx context.Context, id string) error {
	c.lk.Lock()
	w := c.waitLocked(id)
	c.lk.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-w.gone:
		return w.err
	case <-ctx.Done():
		c.lk.Lock()
		c.dropWaiterLocked(id, w)
		c.unlock()
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrDisposed
	}
}

// dropWaiterLocked removes w. The last waiter leaving makes `id` a
// regular environment again: what was held back for it is sent.
func (c *Communication) dropWaiterLocked(id string, w *envWaiter) {
	waiters, ok := c.pendingEnvs[id]
	if !ok {
		return
	}
	waiters = slices.DeleteFunc(waiters, func(other *envWaiter) bool {
		return other == w
	})
	if len(waiters) > 0 {
		c.pendingEnvs[id] = waiters
		return
	}
	delete(c.pendingEnvs, id)
	c.releaseLocked(id)
}

// HandleReady marks `from` as ready, as if it announced it.
func (c *Communication) HandleReady(from string) {
	c.lk.Lock()
	defer c.unlock()
	c.handleReadyLocked(from)
}

func (c *Communication) handleReadyLocked(from string) {
	if c.disposed {
		return
	}
	c.readyEnvs[from] = true

	waiters := c.pendingEnvs[from]
	delete(c.pendingEnvs, from)
	for _, w := range waiters {
		close(w.ready)
	}
	flushed := c.releaseLocked(from)
	c.logger.Debug("environment ready", LabelEnvID.L(from), "flushed", flushed)
}

// releaseLocked sends the messages held back for `id` and arms the
// timers of the calls to it.
func (c *Communication) releaseLocked(id string) int {
	queued := c.pendingMessages[id]
	delete(c.pendingMessages, id)
	for _, ob := range queued {
		c.dispatchLocked(ob.to, ob.msg, ob.onSent)
	}

	// Timers of calls to `id` were not armed while it was pending.
	for _, rec := range c.callbacks {
		if rec.msg.To == id && rec.timeoutTimer == nil {
			c.armLocked(rec)
		}
	}
	return len(queued)
}

// AnnounceReady posts our `ready` announcement on target. Use it when a
// transport is connected after `New`.
func (c *Communication) AnnounceReady(target Target) error {
	errCh := make(chan error, 1)

	c.lk.Lock()
	if c.disposed {
		c.lk.Unlock()
		return ErrDisposed
	}
	c.outbox = append(c.outbox, &outbound{
		to:     Broadcast,
		target: target,
		msg:    c.readyMessage(),
		onSent: func(err error) { errCh <- err },
	})
	c.unlock()

	return <-errCh
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package comlink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/google/uuid"
)

// Communication is the routing and RPC runtime of one environment.
//
// It owns a registry of the environments it can reach, tracks the calls
// it issued until a reply arrives, executes the APIs registered locally
// and relays messages which are addressed to someone else.
type Communication struct {
	id     string
	host   Target
	config config
	logger *slog.Logger

	prefix  string
	counter atomic.Uint64

	// ctx is given to local executions, it is cancelled on `Dispose`.
	ctx    context.Context
	cancel context.CancelFunc

	// self receives what we post to ourselves.
	self *loopback

	// lk guards everything below.
	lk     sync.Mutex
	outbox []*outbound
	queues map[Target]*postQueue

	envs          map[string]*envRecord
	inboxes       map[Target]*Inbox
	readyEnvs     map[string]bool
	connectedEnvs map[string]bool

	// pendingEnvs holds the waiters of environments which are not ready
	// yet. An environment is pending as long as it has an entry.
	pendingEnvs     map[string][]*envWaiter
	pendingMessages map[string][]*outbound

	callbacks   map[string]*callbackRecord
	apis        map[string]*localAPI
	buckets     *iradix.Tree
	dispatchers map[dispatcherKey]*Handler

	disposeListeners map[uint64]func(envID string)
	nextListenerID   uint64

	// 2-phase dispose:
	// phase 1: no new timers, peers are notified.
	// phase 2: every resource is dropped.
	disposing bool
	disposed  bool
}

// New creates the `Communication` of environment `id`, bound to `host`.
//
// It registers itself under its own id and under `Broadcast`, seeds the
// connected environments and announces `ready` to the post endpoint of
// `host`.
func New(host Target, id string, opts ...Option) (*Communication, error) {
	if host == nil {
		return nil, fmt.Errorf("%w: nil host", ErrInvalidCfg)
	}
	if !ValidateEnvironmentID(id) {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidCfg, ErrInvalidEnvironmentID, id)
	}

	c := &Communication{
		id:               id,
		host:             host,
		config:           defaultConfig(),
		envs:             make(map[string]*envRecord),
		inboxes:          make(map[Target]*Inbox),
		readyEnvs:        make(map[string]bool),
		connectedEnvs:    make(map[string]bool),
		queues:           make(map[Target]*postQueue),
		pendingEnvs:      make(map[string][]*envWaiter),
		pendingMessages:  make(map[string][]*outbound),
		callbacks:        make(map[string]*callbackRecord),
		apis:             make(map[string]*localAPI),
		buckets:          iradix.New(),
		dispatchers:      make(map[dispatcherKey]*Handler),
		disposeListeners: make(map[uint64]func(string)),
	}

	for _, opt := range opts {
		err := opt(&c.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if c.config.logHandler != nil {
		c.logger = slog.New(c.config.logHandler)
	} else {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(LabelSelfID.L(id))

	// Metrics implementations.
	if c.config.msink == nil {
		c.config.msink = metrics.Default()
	}

	c.prefix = c.config.instancePrefix
	if c.prefix == "" {
		c.prefix = uuid.NewString()
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.self = newLoopback(func(msg *Message) {
		c.receive(msg, c.host)
	})

	c.lk.Lock()
	rec := &envRecord{id: id, host: host}
	c.envs[id] = rec
	c.envs[Broadcast] = rec
	c.attachLocked(host)

	for _, env := range c.config.connected {
		if err := c.registerEnvLocked(env.ID, env.Host); err != nil {
			c.lk.Unlock()
			c.cancel()
			c.self.Close()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		c.connectedEnvs[env.ID] = true
		if env.RegisterMessageHandler {
			c.attachLocked(env.Host)
		}
	}

	c.outbox = append(c.outbox, &outbound{
		to:     Broadcast,
		target: postEndpoint(host),
		msg:    c.readyMessage(),
	})
	c.unlock()

	c.SubscribeToEnvironmentDispose(c.dropEnvironmentHandlers)

	c.logger.Debug(
		"communication created",
		"host", targetName(host),
		"connected", len(c.config.connected),
	)
	return c, nil
}

func (c *Communication) ID() string {
	return c.id
}

// Host returns the root host given to `New`.
func (c *Communication) Host() Target {
	return c.host
}

// Topology returns a copy of the environment locations given with
// `WithTopology`.
func (c *Communication) Topology() map[string]string {
	out := make(map[string]string, len(c.config.topology))
	for k, v := range c.config.topology {
		out[k] = v
	}
	return out
}

func (c *Communication) IsServer() bool {
	return c.config.isServer
}

func (c *Communication) PublicPath() string {
	return c.config.publicPath
}

func (c *Communication) readyMessage() *Message {
	return &Message{
		Type:   TypeReady,
		From:   c.id,
		To:     Broadcast,
		Origin: c.id,
	}
}

// unlock releases lk and hands what was queued while holding it to the
// post queues of the targets. Queues are filled under lk so two
// goroutines unlocking one after the other post in the same order.
func (c *Communication) unlock() {
	out := c.outbox
	c.outbox = nil

	var failed []*outbound
	for _, ob := range out {
		if ob.target == nil {
			if ob.onSent != nil {
				failed = append(failed, ob)
			}
			continue
		}
		c.queueLocked(ob.target).push(ob)
	}
	c.lk.Unlock()

	for _, ob := range failed {
		ob.onSent(ob.err)
	}
}

// sendLocked posts msg to environment `to`, or defers it until `to` is
// ready if someone is waiting for it.
func (c *Communication) sendLocked(to string, msg *Message, onSent func(error)) {
	if _, pending := c.pendingEnvs[to]; pending {
		c.pendingMessages[to] = append(c.pendingMessages[to], &outbound{
			to:     to,
			msg:    msg,
			onSent: onSent,
		})
		c.config.msink.IncrCounterWithLabels(
			MetricMessageDeferredCount, 1,
			c.labels(LabelMessageType.M(string(msg.Type))),
		)
		return
	}
	c.dispatchLocked(to, msg, onSent)
}

// dispatchLocked resolves `to` and queues msg in the outbox.
// Unknown destinations are dropped, the sender's timeout reports them.
func (c *Communication) dispatchLocked(to string, msg *Message, onSent func(error)) {
	ob := &outbound{to: to, msg: msg, onSent: onSent}

	rec, ok := c.resolveLocked(to)
	switch {
	case !ok:
		c.logger.Warn(
			"dropping message to unknown environment",
			LabelEnvID.L(to),
			LabelMessageType.L(msg.Type),
		)
		c.config.msink.IncrCounterWithLabels(
			MetricMessageDroppedCount, 1,
			c.labels(LabelMessageType.M(string(msg.Type))),
		)
	case rec.id == c.id:
		ob.target = c.self
	default:
		ob.target = rec.host
	}
	c.outbox = append(c.outbox, ob)
}

// SubscribeToEnvironmentDispose calls fn with the id of every environment
// cleared from now on. fn runs without any lock held.
func (c *Communication) SubscribeToEnvironmentDispose(fn func(envID string)) (unsubscribe func()) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.disposed {
		return func() {}
	}
	id := c.nextListenerID
	c.nextListenerID++
	c.disposeListeners[id] = fn
	return func() {
		c.lk.Lock()
		defer c.lk.Unlock()
		delete(c.disposeListeners, id)
	}
}

// ClearEnvironment forgets everything about environment `id` and rejects
// the calls still waiting for it with an `EnvironmentDisconnectedError`.
//
// When `emitRemote` is set and `id` was ready or connected, the other
// environments we know are told about the departure, except `from`,
// which told us.
func (c *Communication) ClearEnvironment(id, from string, emitRemote bool) {
	c.lk.Lock()
	listeners := c.clearEnvironmentLocked(id, from, emitRemote)
	c.unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

func (c *Communication) clearEnvironmentLocked(id, from string, emitRemote bool) []func(string) {
	if c.disposed || id == "" || id == c.id || id == Broadcast {
		return nil
	}

	if emitRemote && (c.readyEnvs[id] || c.connectedEnvs[id]) {
		notice := &Message{
			Type:   TypeDispose,
			From:   c.id,
			To:     Broadcast,
			Origin: id,
		}
		excluded := map[string]bool{id: true, from: true, c.id: true, Broadcast: true}
		for _, envID := range c.peersLocked(excluded) {
			c.sendLocked(envID, notice.Clone(), nil)
		}
	}

	c.rejectCallbacksToLocked(id, &EnvironmentDisconnectedError{EnvID: id})

	for _, ob := range c.pendingMessages[id] {
		c.outbox = append(c.outbox, &outbound{
			to:     id,
			msg:    ob.msg,
			err:    &EnvironmentDisconnectedError{EnvID: id},
			onSent: ob.onSent,
		})
	}
	delete(c.pendingMessages, id)
	for _, w := range c.pendingEnvs[id] {
		w.abandon(&EnvironmentDisconnectedError{EnvID: id})
	}
	delete(c.pendingEnvs, id)
	delete(c.readyEnvs, id)
	delete(c.connectedEnvs, id)

	rec, known := c.envs[id]
	delete(c.envs, id)
	if known {
		c.pruneQueueLocked(rec.host)
	}

	c.config.msink.IncrCounterWithLabels(MetricEnvironmentsCleared, 1, c.labels())
	c.config.msink.SetGaugeWithLabels(MetricEnvironmentsRegistered, float32(len(c.envs)), c.labels())
	c.logger.Debug(
		"environment cleared",
		LabelEnvID.L(id),
		"from", from,
		"known", known,
	)

	listeners := make([]func(string), 0, len(c.disposeListeners))
	for _, fn := range c.disposeListeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

// peersLocked returns one environment per distinct host, skipping
// excluded ids, so a notice is posted once on each transport.
func (c *Communication) peersLocked(excluded map[string]bool) []string {
	seen := make(map[Target]bool)
	var peers []string
	for _, envID := range sortedKeys(c.envs) {
		rec := c.envs[envID]
		if excluded[envID] || rec.id == c.id || seen[rec.host] {
			continue
		}
		seen[rec.host] = true
		peers = append(peers, envID)
	}
	return peers
}

// Dispose tears the `Communication` down. Peers are told we are going
// away, pending calls are rejected with `ErrDisposed` and every host
// implementing `io.Closer` is closed.
//
// The `Communication` is inert afterwards.
func (c *Communication) Dispose() error {
	// Phase 1: notify.
	c.lk.Lock()
	if c.disposing {
		c.lk.Unlock()
		return nil
	}
	c.disposing = true
	c.logger.Info("disposing...")

	notice := &Message{
		Type:   TypeDispose,
		From:   c.id,
		To:     Broadcast,
		Origin: c.id,
	}
	for _, envID := range c.peersLocked(map[string]bool{Broadcast: true}) {
		c.dispatchLocked(envID, notice.Clone(), nil)
	}
	c.unlock()

	// Notices MUST reach the hosts before they are closed.
	c.lk.Lock()
	queues := make([]*postQueue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.lk.Unlock()
	c.awaitQueues(queues)

	// Phase 2: drop.
	c.lk.Lock()
	c.disposed = true

	for target, inbox := range c.inboxes {
		target.Detach(inbox)
	}
	clear(c.inboxes)

	c.rejectAllCallbacksLocked(ErrDisposed)
	for envID, queued := range c.pendingMessages {
		for _, ob := range queued {
			c.outbox = append(c.outbox, &outbound{
				to:     envID,
				msg:    ob.msg,
				err:    ErrDisposed,
				onSent: ob.onSent,
			})
		}
	}
	clear(c.pendingMessages)
	for _, waiters := range c.pendingEnvs {
		for _, w := range waiters {
			w.abandon(ErrDisposed)
		}
	}
	clear(c.pendingEnvs)

	closers := make(map[io.Closer]string)
	for envID, rec := range c.envs {
		if closer, ok := rec.host.(io.Closer); ok && envID != Broadcast {
			closers[closer] = rec.id
		}
	}
	clear(c.envs)
	clear(c.readyEnvs)
	clear(c.connectedEnvs)
	clear(c.disposeListeners)
	clear(c.dispatchers)
	c.buckets = iradix.New()
	clear(c.queues)
	c.unlock()

	c.cancel()
	c.self.Close()

	var result *multierror.Error
	for closer, envID := range closers {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing host of %q: %w", envID, err))
		}
	}

	c.logger.Info("disposed")
	return result.ErrorOrNil()
}

// loopback delivers what we post to ourselves on its own goroutine.
type loopback struct {
	mb *mailbox
}

func newLoopback(deliver func(*Message)) *loopback {
	return &loopback{mb: newMailbox(nil, deliver)}
}

func (lb *loopback) PostMessage(msg *Message) error {
	return lb.mb.push(msg.Clone())
}

func (lb *loopback) Attach(*Inbox) {}
func (lb *loopback) Detach(*Inbox) {}

func (lb *loopback) Close() error {
	lb.mb.close()
	return nil
}

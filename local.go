package comlink

import (
	"slices"
	"sync"
)

// mailbox is an unbounded FIFO drained by a single goroutine.
// Delivery is paused while `ready` returns false.
// Closing it does not wait for an ongoing delivery, so it is safe to
// close a mailbox from one of its own deliveries.
type mailbox struct {
	lk      sync.Mutex
	queue   []*Message
	wakeCh  chan struct{}
	closeCh chan struct{}
	closed  bool

	ready   func() bool
	deliver func(*Message)
}

func newMailbox(ready func() bool, deliver func(*Message)) *mailbox {
	mb := &mailbox{
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		ready:   ready,
		deliver: deliver,
	}
	go mb.run()
	return mb
}

func (mb *mailbox) push(msg *Message) error {
	mb.lk.Lock()
	if mb.closed {
		mb.lk.Unlock()
		return ErrTargetClosed
	}
	mb.queue = append(mb.queue, msg)
	mb.lk.Unlock()
	mb.wake()
	return nil
}

func (mb *mailbox) wake() {
	select {
	case mb.wakeCh <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.closeCh:
			return
		case <-mb.wakeCh:
		}

		for {
			mb.lk.Lock()
			if mb.closed || len(mb.queue) == 0 || (mb.ready != nil && !mb.ready()) {
				mb.lk.Unlock()
				break
			}
			msg := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.lk.Unlock()

			mb.deliver(msg)
		}
	}
}

func (mb *mailbox) close() {
	mb.lk.Lock()
	if mb.closed {
		mb.lk.Unlock()
		return
	}
	mb.closed = true
	mb.queue = nil
	close(mb.closeCh)
	mb.lk.Unlock()
}

var _ Target = (*LocalTarget)(nil)

// LocalTarget is an in-process `Target`.
//
// A standalone LocalTarget, from `NewLocalTarget`, is a loopback: what
// is posted to it is delivered to its own inboxes, like a browser window
// receiving its own `postMessage`. The ends returned by `NewLink` are
// connected to each other, like the two sides of a worker channel.
type LocalTarget struct {
	name   string
	peer   *LocalTarget
	parent Target

	lk      sync.RWMutex
	inboxes []*Inbox
	mb      *mailbox
}

func newLocalTarget(name string) *LocalTarget {
	lt := &LocalTarget{name: name}
	lt.mb = newMailbox(lt.hasInbox, lt.dispatch)
	return lt
}

// NewLocalTarget returns a loopback `Target`.
func NewLocalTarget(name string) *LocalTarget {
	return newLocalTarget(name)
}

// NewLink returns the two connected ends of an in-process channel.
func NewLink(nameA, nameB string) (*LocalTarget, *LocalTarget) {
	a := newLocalTarget(nameA)
	b := newLocalTarget(nameB)
	a.peer = b
	b.peer = a
	return a, b
}

// WithParent sets the `Parented` endpoint of the target and returns it.
func (lt *LocalTarget) WithParent(parent Target) *LocalTarget {
	lt.parent = parent
	return lt
}

func (lt *LocalTarget) Name() string {
	return lt.name
}

func (lt *LocalTarget) Parent() Target {
	return lt.parent
}

func (lt *LocalTarget) PostMessage(msg *Message) error {
	dest := lt
	if lt.peer != nil {
		dest = lt.peer
	}
	// The receiver MUST NOT observe later mutations of the sender.
	return dest.mb.push(msg.Clone())
}

func (lt *LocalTarget) Attach(inbox *Inbox) {
	lt.lk.Lock()
	if !slices.Contains(lt.inboxes, inbox) {
		lt.inboxes = append(lt.inboxes, inbox)
	}
	lt.lk.Unlock()
	lt.mb.wake()
}

func (lt *LocalTarget) Detach(inbox *Inbox) {
	lt.lk.Lock()
	defer lt.lk.Unlock()
	lt.inboxes = slices.DeleteFunc(lt.inboxes, func(in *Inbox) bool {
		return in == inbox
	})
}

// Close stops delivery on this end. Posting to it fails afterwards.
func (lt *LocalTarget) Close() error {
	lt.mb.close()
	return nil
}

func (lt *LocalTarget) hasInbox() bool {
	lt.lk.RLock()
	defer lt.lk.RUnlock()
	return len(lt.inboxes) > 0
}

func (lt *LocalTarget) dispatch(msg *Message) {
	lt.lk.RLock()
	inboxes := slices.Clone(lt.inboxes)
	lt.lk.RUnlock()
	for _, inbox := range inboxes {
		inbox.Deliver(msg)
	}
}

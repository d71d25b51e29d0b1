package comlink

import (
	"sync"
	"time"
)

// outbound is a message waiting to be posted.
type outbound struct {
	to     string
	target Target
	msg    *Message
	// err is reported to onSent instead of posting when target is nil.
	err    error
	onSent func(error)
}

// postQueue posts the messages of one target in order, on a goroutine
// of its own. Pushing never blocks: a transport applying back-pressure
// only stalls its own queue.
type postQueue struct {
	post func(*outbound)

	lk      sync.Mutex
	queue   []*outbound
	running bool
	// idleCh is closed when the running drainer finds the queue empty.
	idleCh chan struct{}
}

func newPostQueue(post func(*outbound)) *postQueue {
	return &postQueue{post: post}
}

func (q *postQueue) push(ob *outbound) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.queue = append(q.queue, ob)
	if q.running {
		return
	}
	q.running = true
	q.idleCh = make(chan struct{})
	go q.drain(q.idleCh)
}

func (q *postQueue) drain(idleCh chan struct{}) {
	defer close(idleCh)
	for {
		q.lk.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.lk.Unlock()
			return
		}
		ob := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.lk.Unlock()

		q.post(ob)
	}
}

// idle returns a channel closed once everything pushed so far is posted.
func (q *postQueue) idle() <-chan struct{} {
	q.lk.Lock()
	defer q.lk.Unlock()
	if !q.running {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.idleCh
}

func (q *postQueue) busy() bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.running
}

// queueLocked returns the post queue of target, creating it on first use.
func (c *Communication) queueLocked(target Target) *postQueue {
	q, ok := c.queues[target]
	if !ok {
		q = newPostQueue(func(ob *outbound) {
			c.post(target, ob)
		})
		c.queues[target] = q
	}
	return q
}

// pruneQueueLocked forgets the idle queue of a host no environment is
// reached through anymore.
func (c *Communication) pruneQueueLocked(host Target) {
	for _, rec := range c.envs {
		if rec.host == host {
			return
		}
	}
	if q, ok := c.queues[host]; ok && !q.busy() {
		delete(c.queues, host)
	}
}

func (c *Communication) post(target Target, ob *outbound) {
	err := target.PostMessage(ob.msg)
	labels := c.labels(LabelMessageType.M(string(ob.msg.Type)))
	if err != nil {
		c.config.msink.IncrCounterWithLabels(MetricMessageOutErrorCount, 1, labels)
		c.logger.Error(
			"failed to post message",
			LabelEnvID.L(ob.to),
			LabelMessageType.L(ob.msg.Type),
			LabelError.L(err),
		)
	} else {
		c.config.msink.IncrCounterWithLabels(MetricMessageOutCount, 1, labels)
	}
	if ob.onSent != nil {
		ob.onSent(err)
	}
}

// awaitQueues waits for queues to be drained, up to the drain timeout.
func (c *Communication) awaitQueues(queues []*postQueue) {
	timer := time.NewTimer(c.config.drainTimeout)
	defer timer.Stop()
	for _, q := range queues {
		select {
		case <-q.idle():
		case <-timer.C:
			c.logger.Warn("messages not posted before the drain timeout, they may be lost")
			return
		}
	}
}

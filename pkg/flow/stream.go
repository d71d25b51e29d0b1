package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/comlink"
)

var _ comlink.Target = (*StreamTarget)(nil)

// closeWriter is implemented by streams which can be half-closed, like
// `*net.TCPConn` or QUIC streams.
type closeWriter interface {
	CloseWrite() error
}

// StreamTarget is a `comlink.Target` over a byte stream.
//
// Posted messages are queued and encoded by a sender goroutine, received
// ones are decoded by a receiver goroutine and delivered, in order, to
// the attached inboxes. While no inbox is attached, received messages
// stay in the stream, up to the buffer size.
type StreamTarget struct {
	name   string
	conn   io.ReadWriteCloser
	config config
	logger *slog.Logger
	labels []metrics.Label

	sender   *Sender[*comlink.Message]
	receiver *Receiver[*comlink.Message]

	lk      sync.Mutex
	cond    *sync.Cond
	inboxes []*comlink.Inbox
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewStreamTarget starts the pumps of a `StreamTarget` named name over
// conn. The target owns conn from now on.
func NewStreamTarget(name string, conn io.ReadWriteCloser, opts ...Option) (*StreamTarget, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newStreamTarget(name, conn, cfg), nil
}

func newStreamTarget(name string, conn io.ReadWriteCloser, cfg config) *StreamTarget {
	st := &StreamTarget{
		name:   name,
		conn:   conn,
		config: cfg,
		logger: cfg.logger().With(comlink.LabelPeerName.L(name)),
		labels: cfg.labels(comlink.LabelPeerName.M(name)),
		doneCh: make(chan struct{}),
	}
	st.cond = sync.NewCond(&st.lk)
	st.ctx, st.cancel = context.WithCancel(context.Background())

	st.sender = NewSender[*comlink.Message](
		&meteredWriter{w: conn, st: st},
		cfg.codec,
		cfg.bufferSize,
	)
	st.receiver = NewReceiver[*comlink.Message](
		&meteredReader{r: conn, st: st},
		cfg.codec,
		cfg.bufferSize,
	)

	go st.run()
	return st
}

func (st *StreamTarget) Name() string {
	return st.name
}

// Done is closed once the stream ended, whether we closed it or the
// remote did.
func (st *StreamTarget) Done() <-chan struct{} {
	return st.doneCh
}

func (st *StreamTarget) PostMessage(msg *comlink.Message) error {
	err := st.sender.Send(st.ctx, msg)
	if err == nil {
		return nil
	}
	st.config.msink.IncrCounterWithLabels(MetricFrameOutErrorCount, 1, st.labels)
	if errors.Is(err, ErrFlowClosed) || errors.Is(err, context.Canceled) {
		return comlink.ErrTargetClosed
	}
	return fmt.Errorf("%w: %w", comlink.ErrTargetClosed, err)
}

func (st *StreamTarget) Attach(inbox *comlink.Inbox) {
	st.lk.Lock()
	defer st.lk.Unlock()
	if !slices.Contains(st.inboxes, inbox) {
		st.inboxes = append(st.inboxes, inbox)
	}
	st.cond.Broadcast()
}

func (st *StreamTarget) Detach(inbox *comlink.Inbox) {
	st.lk.Lock()
	defer st.lk.Unlock()
	st.inboxes = slices.DeleteFunc(st.inboxes, func(in *comlink.Inbox) bool {
		return in == inbox
	})
}

// waitInboxes blocks until an inbox is attached. It returns nil once the
// target is closed.
func (st *StreamTarget) waitInboxes() []*comlink.Inbox {
	st.lk.Lock()
	defer st.lk.Unlock()
	for len(st.inboxes) == 0 && !st.closed {
		st.cond.Wait()
	}
	if st.closed {
		return nil
	}
	return slices.Clone(st.inboxes)
}

func (st *StreamTarget) run() {
	defer close(st.doneCh)
	for {
		msg, err := st.receiver.Recv(st.ctx)
		if err != nil {
			st.lk.Lock()
			closing := st.closed
			st.lk.Unlock()

			switch {
			case closing, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
				st.logger.Debug("stream ended", comlink.LabelError.L(err))
			default:
				st.config.msink.IncrCounterWithLabels(MetricFrameInErrorCount, 1, st.labels)
				st.logger.Error("stream broken", comlink.LabelError.L(err))
			}
			// The remote is gone, stop accepting messages for it.
			go st.Close()
			return
		}

		st.config.msink.IncrCounterWithLabels(MetricFrameInCount, 1, st.labels)
		inboxes := st.waitInboxes()
		if inboxes == nil {
			return
		}
		for _, inbox := range inboxes {
			inbox.Deliver(msg)
		}
	}
}

// Close stops accepting messages, waits for the queued ones to be
// written, up to the drain timeout, then closes the stream.
func (st *StreamTarget) Close() error {
	st.lk.Lock()
	if st.closed {
		st.lk.Unlock()
		return nil
	}
	st.closed = true
	st.cond.Broadcast()
	st.lk.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = st.sender.Close()
		close(drained)
	}()

	timer := time.NewTimer(st.config.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		if cw, ok := st.conn.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				st.logger.Debug("failed to half-close stream", comlink.LabelError.L(err))
			}
			// Give the remote a chance to read what we wrote.
			select {
			case <-st.receiver.Done():
			case <-timer.C:
			}
		}
	case <-timer.C:
		st.logger.Warn("stream not drained before timeout, messages may be lost")
	}

	st.cancel()
	_ = st.receiver.Close()
	err := st.conn.Close()
	st.config.msink.IncrCounterWithLabels(MetricStreamClosedCount, 1, st.labels)
	return err
}

// meteredWriter counts outgoing frames and bytes.
type meteredWriter struct {
	w  io.Writer
	st *StreamTarget
}

func (mw *meteredWriter) Write(p []byte) (int, error) {
	n, err := mw.w.Write(p)
	mw.st.config.msink.IncrCounterWithLabels(MetricBytesOut, float32(n), mw.st.labels)
	if err == nil {
		mw.st.config.msink.IncrCounterWithLabels(MetricFrameOutCount, 1, mw.st.labels)
	}
	return n, err
}

type meteredReader struct {
	r  io.Reader
	st *StreamTarget
}

func (mr *meteredReader) Read(p []byte) (int, error) {
	n, err := mr.r.Read(p)
	if n > 0 {
		mr.st.config.msink.IncrCounterWithLabels(MetricBytesIn, float32(n), mr.st.labels)
	}
	return n, err
}

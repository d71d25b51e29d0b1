package flow

import (
	"context"
	"io"
	"sync"
)

// Sender is a thread-safe and typed stream writer.
//
// Values are queued by `Send` and written in order by a single
// goroutine. The first write error closes the `Sender`.
type Sender[T any] struct {
	w   io.Writer
	enc Encoder[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender[T any](w io.Writer, enc Encoder[T], bufferSize uint) *Sender[T] {
	s := &Sender[T]{
		w:   w,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	s.mainLoopWg.Add(1)
	go s.run()

	return s
}

// Send queues msg. It only blocks while the queue is full.
func (s *Sender[T]) Send(ctx context.Context, msg T) error {
	s.lk.Lock()
	if s.err != nil {
		s.lk.Unlock()
		return s.err
	}
	s.writer.Add(1)
	defer s.writer.Done()
	s.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		// err is set before closeCh is closed.
		return s.err
	case s.writeCh <- msg:
	}

	return nil
}

// Err returns why the `Sender` is closed, or nil.
func (s *Sender[T]) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Close stops accepting values and waits for the queued ones to be
// written. It does not close the underlying writer.
func (s *Sender[T]) Close() error {
	s.closeWith(ErrFlowClosed)
	s.mainLoopWg.Wait()
	return nil
}

func (s *Sender[T]) closeWith(cause error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.err != nil {
		return
	}
	s.err = cause
	close(s.closeCh)
	s.writer.Wait()
	close(s.writeCh)
}

func (s *Sender[T]) run() {
	defer s.mainLoopWg.Done()
	for {
		msg, ok := <-s.writeCh
		if !ok {
			return
		}

		err := s.enc.Encode(s.w, msg)
		if err != nil {
			s.closeWith(err)
			// Values queued before the failure are lost.
			for range s.writeCh {
			}
			return
		}
	}
}

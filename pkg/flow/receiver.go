package flow

import (
	"context"
	"io"
	"sync"
)

// Receiver is a thread-safe and typed stream reader.
//
// A single goroutine decodes values ahead of `Recv`, up to the buffer
// size. The first decoding error ends the `Receiver`, values decoded
// before it can still be received.
type Receiver[T any] struct {
	r   io.Reader
	dec Decoder[T]

	readCh  chan T
	closeCh chan struct{}
	doneCh  chan struct{}

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](r io.Reader, dec Decoder[T], bufferSize uint) *Receiver[T] {
	rcv := &Receiver[T]{
		r:   r,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go rcv.run()

	return rcv
}

func (rcv *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case elem := <-rcv.readCh:
		return elem, nil
	default:
	}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem := <-rcv.readCh:
		return elem, nil
	case <-rcv.doneCh:
		// Everything decoded before the end is already buffered.
		select {
		case elem := <-rcv.readCh:
			return elem, nil
		default:
			return result, rcv.Err()
		}
	}
}

// Done is closed once no more values will be decoded.
func (rcv *Receiver[T]) Done() <-chan struct{} {
	return rcv.doneCh
}

// Err returns why the `Receiver` ended, or nil.
func (rcv *Receiver[T]) Err() error {
	rcv.lk.Lock()
	defer rcv.lk.Unlock()
	return rcv.err
}

// Close stops the `Receiver`. The decoding goroutine only exits once the
// underlying reader is closed or fails.
func (rcv *Receiver[T]) Close() error {
	rcv.closeWith(ErrFlowClosed)
	return nil
}

func (rcv *Receiver[T]) closeWith(cause error) {
	rcv.lk.Lock()
	defer rcv.lk.Unlock()
	if rcv.err != nil {
		return
	}
	rcv.err = cause
	close(rcv.closeCh)
}

func (rcv *Receiver[T]) run() {
	defer close(rcv.doneCh)
	for {
		elem, err := rcv.dec.Decode(rcv.r)
		if err != nil {
			rcv.closeWith(err)
			return
		}

		select {
		case <-rcv.closeCh:
			return
		case rcv.readCh <- elem:
		}
	}
}

package comlink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ticker is an API with a listener method, like an event emitter.
type ticker struct {
	lk         sync.Mutex
	handlers   []*Handler
	listens    atomic.Int32
	unlistened chan *Handler
}

func newTicker() *ticker {
	return &ticker{unlistened: make(chan *Handler, 4)}
}

func (tk *ticker) api() API {
	return API{
		Methods: map[string]Method{
			"onTick": func(_ context.Context, args []any) (any, error) {
				tk.listens.Add(1)
				tk.lk.Lock()
				defer tk.lk.Unlock()
				tk.handlers = append(tk.handlers, args[0].(*Handler))
				return nil, nil
			},
			"offTick": func(_ context.Context, args []any) (any, error) {
				tk.unlistened <- args[0].(*Handler)
				return nil, nil
			},
			"offAll": func(_ context.Context, args []any) (any, error) {
				tk.unlistened <- args[0].(*Handler)
				return nil, nil
			},
		},
	}
}

func (tk *ticker) tick(args ...any) {
	tk.lk.Lock()
	defer tk.lk.Unlock()
	for _, h := range tk.handlers {
		h.Emit(args...)
	}
}

func TestListeners(t *testing.T) {
	main := newTestComm(t, "main")
	worker := newTestComm(t, "worker")
	link(t, main, worker)

	tk := newTicker()
	require.NoError(t, worker.RegisterAPI(APIRef{ID: "clock"}, tk.api()))

	ctx := testContext(t)
	proxy := main.APIProxy(EnvID("worker"), APIRef{ID: "clock"}, ServiceConfig{
		"onTick":  {Listener: true},
		"offTick": {RemoveListener: "onTick"},
		"offAll":  {RemoveAllListeners: "onTick"},
	})

	ticks1 := make(chan any, 8)
	ticks2 := make(chan any, 8)
	h1 := NewHandler(func(args ...any) { ticks1 <- args[0] })
	h2 := NewHandler(func(args ...any) { ticks2 <- args[0] })

	_, err := proxy.Call(ctx, "onTick", h1)
	require.NoError(t, err)
	_, err = proxy.Call(ctx, "onTick", h2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tk.listens.Load(), "a single subscription per bucket")

	t.Run("duplicate handler", func(t *testing.T) {
		_, err := proxy.Call(ctx, "onTick", h1)
		var dup *DuplicateRegistrationError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "listener", dup.Kind)
		assert.Equal(t, "main/worker#clock@onTick", dup.Name)
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := proxy.Call(ctx, "onTick", "not a handler")
		require.ErrorIs(t, err, ErrInvalidArgs)
	})

	tk.tick(7, Undefined)
	for _, ch := range []chan any{ticks1, ticks2} {
		select {
		case v := <-ch:
			assert.Equal(t, 7, v)
		case <-time.After(testTimeout):
			t.Fatal("event not delivered")
		}
	}

	// Removing one of two handlers stays local.
	_, err = proxy.Call(ctx, "offTick", h1)
	require.NoError(t, err)
	assert.Empty(t, tk.unlistened)

	tk.tick(8)
	select {
	case v := <-ticks2:
		assert.Equal(t, 8, v)
	case <-time.After(testTimeout):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, ticks1)

	// The last one unsubscribes remotely, the dispatcher is closed.
	_, err = proxy.Call(ctx, "offTick", h2)
	require.NoError(t, err)
	select {
	case d := <-tk.unlistened:
		require.Eventually(t, d.Closed, testTimeout, 10*time.Millisecond)
	case <-time.After(testTimeout):
		t.Fatal("unlisten not executed")
	}
	assert.Zero(t, main.Status().Handlers)
	assert.Zero(t, worker.Status().Dispatchers)

	t.Run("remove all", func(t *testing.T) {
		_, err := proxy.Call(ctx, "onTick", h1)
		require.NoError(t, err)
		_, err = proxy.Call(ctx, "onTick", h2)
		require.NoError(t, err)

		_, err = proxy.Call(ctx, "offAll")
		require.NoError(t, err)
		<-tk.unlistened
		assert.Zero(t, main.Status().Handlers)

		// Nothing to remove, nothing is sent.
		_, err = proxy.Call(ctx, "offAll")
		require.NoError(t, err)
		assert.Empty(t, tk.unlistened)
	})
}

func TestListenFailureDropsBucket(t *testing.T) {
	main := newTestComm(t, "main")
	worker := newTestComm(t, "worker")
	link(t, main, worker)

	_, err := main.CallMethod(testContext(t), "worker", "clock", "onTick", MethodConfig{Listener: true}, NewHandler(func(...any) {}))
	require.ErrorIs(t, err, ErrUnknownAPI)
	assert.Zero(t, main.Status().Handlers)
}

func TestListenFailureRejectsWaitingHandlers(t *testing.T) {
	main := newTestComm(t, "main")
	worker := newTestComm(t, "worker")
	link(t, main, worker)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, worker.RegisterAPI(APIRef{ID: "clock"}, API{
		Methods: map[string]Method{
			"onTick": func(context.Context, []any) (any, error) {
				close(started)
				<-release
				return nil, errors.New("clock is stopped")
			},
		},
	}))

	listener := MethodConfig{Listener: true}
	first := main.Go("worker", "clock", "onTick", listener, NewHandler(func(...any) {}))
	<-started

	// Joins the bucket while its subscription is in flight.
	second := main.Go("worker", "clock", "onTick", listener, NewHandler(func(...any) {}))
	select {
	case <-second.Done():
		t.Fatal("registration settled before the subscription")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	ctx := testContext(t)
	for _, call := range []*Call{first, second} {
		_, err := call.Wait(ctx)
		require.ErrorContains(t, err, "clock is stopped")
	}
	assert.Zero(t, main.Status().Handlers)
}

func TestDispatchersClosedWithSubscriber(t *testing.T) {
	main := newTestComm(t, "main")
	worker := newTestComm(t, "worker")
	link(t, main, worker)

	tk := newTicker()
	require.NoError(t, worker.RegisterAPI(APIRef{ID: "clock"}, tk.api()))

	_, err := main.CallMethod(testContext(t), "worker", "clock", "onTick", MethodConfig{Listener: true}, NewHandler(func(...any) {}))
	require.NoError(t, err)
	assert.Equal(t, 1, worker.Status().Dispatchers)

	worker.ClearEnvironment("main", "worker", false)
	assert.Zero(t, worker.Status().Dispatchers)

	tk.lk.Lock()
	defer tk.lk.Unlock()
	require.Len(t, tk.handlers, 1)
	assert.True(t, tk.handlers[0].Closed(), "emissions to a gone subscriber are dropped")
}

package flow

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/comlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipe(t *testing.T, opts ...Option) (*StreamTarget, *StreamTarget) {
	t.Helper()
	c1, c2 := net.Pipe()
	st1, err := NewStreamTarget("node2", c1, append(opts, WithLog(testLogHandler("node1")))...)
	require.NoError(t, err)
	st2, err := NewStreamTarget("node1", c2, append(opts, WithLog(testLogHandler("node2")))...)
	require.NoError(t, err)
	return st1, st2
}

func TestStreamTargetCall(t *testing.T) {
	for name, codec := range map[string]Codec{
		"proto": NewProtoCodec(0),
		"json":  NewJSONCodec(0),
	} {
		t.Run(name, func(t *testing.T) {
			st1, st2 := newPipe(t, WithCodec(codec))
			node1 := newNode(t, "node1", "node2", st1)
			node2 := newNode(t, "node2", "node1", st2)
			require.NoError(t, node2.RegisterAPI(comlink.APIRef{ID: "echo"}, echoAPI))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			proxy := node1.APIProxy(comlink.EnvID("node2"), comlink.APIRef{ID: "echo"}, nil)
			result, err := proxy.Call(ctx, "echo", 42)
			require.NoError(t, err)
			got, err := comlink.Decode[int](result)
			require.NoError(t, err)
			assert.Equal(t, 42, got)

			result, err = proxy.Call(ctx, "whoami")
			require.NoError(t, err)
			assert.Equal(t, "node1", result)

			_, err = proxy.Call(ctx, "missing")
			require.ErrorIs(t, err, comlink.ErrUnknownMethod)

			require.NoError(t, node1.Dispose())
			require.NoError(t, node2.Dispose())
			require.NoError(t, st1.Close())
			require.NoError(t, st2.Close())
		})
	}
}

func TestStreamTargetFlood(t *testing.T) {
	st1, st2 := newPipe(t, WithBufferSize(1))
	node1 := newNode(t, "node1", "node2", st1)
	node2 := newNode(t, "node2", "node1", st2)
	t.Cleanup(func() {
		node1.Dispose()
		node2.Dispose()
	})
	for _, node := range []*comlink.Communication{node1, node2} {
		require.NoError(t, node.RegisterAPI(comlink.APIRef{ID: "echo"}, echoAPI))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Both sides saturate their stream at once, replies included.
	const calls = 200
	routes := []struct {
		from *comlink.Communication
		to   string
	}{
		{node1, "node2"},
		{node2, "node1"},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(routes)*calls)
	for _, route := range routes {
		for i := range calls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := route.from.CallMethod(ctx, route.to, "echo", "echo", comlink.MethodConfig{}, i)
				if err == nil {
					var got int
					got, err = comlink.Decode[int](result)
					if err == nil && got != i {
						err = fmt.Errorf("echo of %d returned %d", i, got)
					}
				}
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestStreamTargetHoldsMessagesUntilAttached(t *testing.T) {
	st1, st2 := newPipe(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st1.PostMessage(&comlink.Message{
			Type:       comlink.TypeCallback,
			From:       "node1",
			To:         "node2",
			Origin:     "node1",
			CallbackID: string(rune('a' + i)),
		}))
	}

	received := make(chan *comlink.Message, 3)
	st2.Attach(comlink.NewInbox(func(msg *comlink.Message) {
		received <- msg
	}))

	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, string(rune('a'+i)), msg.CallbackID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	require.NoError(t, st1.Close())
	require.NoError(t, st2.Close())
}

func TestStreamTargetRemoteClose(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	st1, st2 := newPipe(t, WithMetricSink(sink), WithDrainTimeout(time.Second))

	require.NoError(t, st1.Close())

	select {
	case <-st2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("remote end did not notice the stream closure")
	}

	require.Eventually(t, func() bool {
		return st2.PostMessage(&comlink.Message{
			Type: comlink.TypeReady, From: "node1", To: comlink.Broadcast, Origin: "node1",
		}) != nil
	}, 5*time.Second, 50*time.Millisecond)

	require.ErrorIs(t, st1.PostMessage(&comlink.Message{}), comlink.ErrTargetClosed)
}

func TestStreamTargetOptions(t *testing.T) {
	c1, _ := net.Pipe()
	_, err := NewStreamTarget("broken", c1, WithMaxFrameSize(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewStreamTarget("broken", c1, WithCodec(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

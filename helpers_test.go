package comlink

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newTestComm creates a `Communication` over a loopback root host,
// disposed at the end of the test.
func newTestComm(t *testing.T, id string, opts ...Option) *Communication {
	t.Helper()
	comm, err := New(
		NewLocalTarget(id),
		id,
		append([]Option{WithLog(testLogHandler(id))}, opts...)...,
	)
	require.NoError(t, err)
	t.Cleanup(func() { comm.Dispose() })
	return comm
}

// link connects a and b with an in-process channel and registers each
// side as an environment of the other. It returns the end used by a and
// the end used by b.
func link(t *testing.T, a, b *Communication) (*LocalTarget, *LocalTarget) {
	t.Helper()
	ta, tb := NewLink(a.ID()+"->"+b.ID(), b.ID()+"->"+a.ID())
	require.NoError(t, a.RegisterEnv(b.ID(), ta))
	a.RegisterMessageHandler(ta)
	require.NoError(t, b.RegisterEnv(a.ID(), tb))
	b.RegisterMessageHandler(tb)
	return ta, tb
}

// counterSum adds up a counter of sink across every label set.
func counterSum(sink *metrics.InmemSink, name []string) float64 {
	want := strings.Join(name, ".")
	var sum float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, value := range interval.Counters {
			if value.Name == want {
				sum += value.Sum
			}
		}
		interval.RUnlock()
	}
	return sum
}

var testAPI = API{
	Methods: map[string]Method{
		"echo": func(_ context.Context, args []any) (any, error) {
			if len(args) == 1 {
				return args[0], nil
			}
			return map[string]any{"echo": args}, nil
		},
		"whoami": func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
		"fail": func(context.Context, []any) (any, error) {
			panic("boom")
		},
	},
	Directives: map[string]Directive{
		"whoami": MultiTenant,
	},
}

// recordingTarget keeps every message posted to it.
type recordingTarget struct {
	lk   sync.Mutex
	msgs []*Message
}

func (rt *recordingTarget) PostMessage(msg *Message) error {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	rt.msgs = append(rt.msgs, msg)
	return nil
}

func (rt *recordingTarget) Attach(*Inbox) {}
func (rt *recordingTarget) Detach(*Inbox) {}

func (rt *recordingTarget) messages() []*Message {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	return append([]*Message(nil), rt.msgs...)
}

// mockTarget is a disposable transport.
type mockTarget struct {
	m mock.Mock
}

func (mt *mockTarget) PostMessage(msg *Message) error {
	return mt.m.Called(msg).Error(0)
}

func (mt *mockTarget) Attach(inbox *Inbox) {
	mt.m.Called(inbox)
}

func (mt *mockTarget) Detach(inbox *Inbox) {
	mt.m.Called(inbox)
}

func (mt *mockTarget) Close() error {
	return mt.m.Called().Error(0)
}

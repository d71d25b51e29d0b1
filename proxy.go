package comlink

import (
	"context"
	"fmt"
	"sync"
)

// EnvToken designates the environment a `Proxy` talks to. Resolving it
// may take time, for example while the environment is being spawned.
type EnvToken interface {
	Resolve(ctx context.Context) (string, error)
}

// EnvID is an environment known upfront.
type EnvID string

func (id EnvID) Resolve(context.Context) (string, error) {
	return string(id), nil
}

// EnvFunc adapts a function to `EnvToken`.
type EnvFunc func(ctx context.Context) (string, error)

func (fn EnvFunc) Resolve(ctx context.Context) (string, error) {
	return fn(ctx)
}

// MethodConfig tells how a method of a remote API is invoked.
// The zero value is a plain call waiting for its reply.
type MethodConfig struct {
	// Listener methods take a `*Handler` as first argument and subscribe
	// it to the remote event.
	Listener bool
	// RemoveListener names the listener method a `*Handler` is
	// unsubscribed from.
	RemoveListener string
	// RemoveAllListeners names the listener method every local handler
	// is unsubscribed from.
	RemoveAllListeners string
	// EmitOnly calls do not wait for a reply, they are settled once
	// handed to the transport.
	EmitOnly bool
}

// ServiceConfig configures the methods of a remote API by name.
type ServiceConfig map[string]MethodConfig

// MethodFunc invokes a remote method.
type MethodFunc func(ctx context.Context, args ...any) (any, error)

// Proxy is the client of an API served by another environment.
type Proxy struct {
	comm *Communication
	env  EnvToken
	api  APIRef
	cfg  ServiceConfig

	lk      sync.Mutex
	methods map[string]MethodFunc
}

// APIProxy returns a `Proxy` calling api on env.
func (c *Communication) APIProxy(env EnvToken, api APIRef, cfg ServiceConfig) *Proxy {
	return &Proxy{
		comm:    c,
		env:     env,
		api:     api,
		cfg:     cfg,
		methods: make(map[string]MethodFunc),
	}
}

// Method returns the function invoking method `name`. It is built on
// first use and cached.
func (p *Proxy) Method(name string) MethodFunc {
	p.lk.Lock()
	defer p.lk.Unlock()
	if fn, ok := p.methods[name]; ok {
		return fn
	}

	mcfg := p.cfg[name]
	fn := func(ctx context.Context, args ...any) (any, error) {
		env, err := p.env.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving environment of %s.%s: %w", p.api.ID, name, err)
		}
		return p.comm.CallMethod(ctx, env, p.api.ID, name, mcfg, args...)
	}
	p.methods[name] = fn
	return fn
}

// Call invokes method `name` with args.
func (p *Proxy) Call(ctx context.Context, name string, args ...any) (any, error) {
	return p.Method(name)(ctx, args...)
}

// CallMethod invokes api.method on env and waits for the outcome.
func (c *Communication) CallMethod(
	ctx context.Context,
	env, api, method string,
	mcfg MethodConfig,
	args ...any,
) (any, error) {
	return c.Go(env, api, method, mcfg, args...).Wait(ctx)
}

// Go invokes api.method on env without waiting. Calls issued by one
// goroutine to the same environment are posted in order.
func (c *Communication) Go(env, api, method string, mcfg MethodConfig, args ...any) *Call {
	call := newCall()

	c.lk.Lock()
	if c.disposed {
		c.lk.Unlock()
		call.settle(nil, ErrDisposed)
		return call
	}
	to := c.canonicalLocked(env)

	var err error
	switch {
	case mcfg.Listener:
		err = c.listenLocked(call, to, api, method, args)
	case mcfg.RemoveListener != "":
		err = c.unlistenLocked(call, to, api, method, mcfg.RemoveListener, args, false)
	case mcfg.RemoveAllListeners != "":
		err = c.unlistenLocked(call, to, api, method, mcfg.RemoveAllListeners, args, true)
	default:
		err = c.callLocked(call, to, api, method, mcfg.EmitOnly, args)
	}
	c.unlock()

	if err != nil {
		call.settle(nil, err)
	}
	return call
}

func (c *Communication) callLocked(call *Call, to, api, method string, emitOnly bool, args []any) error {
	for _, arg := range args {
		if _, ok := arg.(*Handler); ok {
			return &UnConfiguredMethodError{API: api, Method: method}
		}
	}

	msg := &Message{
		Type:   TypeCall,
		From:   c.id,
		To:     to,
		Origin: c.id,
		Data: &CallData{
			API:    api,
			Method: method,
			Args:   encodeArgs(args),
		},
	}
	c.config.msink.IncrCounterWithLabels(MetricCallCount, 1, c.labels(
		LabelEnvID.M(to),
		LabelAPI.M(api),
		LabelMethod.M(method),
	))

	if emitOnly {
		c.sendLocked(to, msg, func(err error) {
			call.settle(nil, err)
		})
		return nil
	}

	msg.CallbackID = c.nextCallbackID()
	c.registerCallbackLocked(msg, call)
	c.sendLocked(to, msg, c.rejectOnPostFailure(msg.CallbackID))
	return nil
}

func (c *Communication) rejectOnPostFailure(id string) func(error) {
	return func(err error) {
		if err != nil {
			c.rejectCallback(id, err)
		}
	}
}

package comlink

import (
	"context"
	"fmt"
	"runtime/debug"
)

// APIRef identifies an API across environments.
type APIRef struct {
	ID string
}

// Method is the local implementation of an API method.
//
// Arguments are the ones given by the caller, after they travelled
// through the transport: a listener method receives a `*Handler` as its
// first argument.
type Method func(ctx context.Context, args []any) (any, error)

// Directive changes how a method is invoked.
type Directive int

const (
	// MultiTenant methods receive the id of the calling environment as
	// their first argument, ahead of the caller's arguments.
	MultiTenant Directive = iota + 1
)

func (d Directive) String() string {
	switch d {
	case MultiTenant:
		return "multi-tenant"
	default:
		return fmt.Sprintf("directive(%d)", int(d))
	}
}

// API is a set of methods served by an environment.
type API struct {
	Methods    map[string]Method
	Directives map[string]Directive
}

// localAPI is a registered API with its directive overrides installed.
type localAPI struct {
	ref     APIRef
	methods map[string]Method
}

func (api *localAPI) method(name string) (Method, error) {
	fn, ok := api.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, api.ref.ID, name)
	}
	return fn, nil
}

type callerKey struct{}

// CallerFromContext returns the environment which originated the call
// being executed.
func CallerFromContext(ctx context.Context) (string, bool) {
	origin, ok := ctx.Value(callerKey{}).(string)
	return origin, ok
}

func withCaller(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, callerKey{}, origin)
}

// RegisterAPI serves api under ref. Registering an id twice fails with a
// `DuplicateRegistrationError`.
func (c *Communication) RegisterAPI(ref APIRef, api API) error {
	if ref.ID == "" {
		return fmt.Errorf("%w: empty api id", ErrInvalidArgs)
	}

	methods := make(map[string]Method, len(api.Methods))
	for name, fn := range api.Methods {
		if fn == nil {
			return fmt.Errorf("%w: nil method %s.%s", ErrInvalidArgs, ref.ID, name)
		}
		methods[name] = fn
	}
	for name, directive := range api.Directives {
		fn, ok := methods[name]
		if !ok {
			return fmt.Errorf("%w: directive %s on unknown method %s.%s", ErrInvalidArgs, directive, ref.ID, name)
		}
		switch directive {
		case MultiTenant:
			methods[name] = multiTenant(fn)
		default:
			return fmt.Errorf("%w: unknown %s on %s.%s", ErrInvalidArgs, directive, ref.ID, name)
		}
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if _, ok := c.apis[ref.ID]; ok {
		return &DuplicateRegistrationError{Kind: "api", Name: ref.ID}
	}
	c.apis[ref.ID] = &localAPI{ref: ref, methods: methods}
	c.logger.Debug("api registered", LabelAPI.L(ref.ID), "methods", len(methods))
	return nil
}

func multiTenant(fn Method) Method {
	return func(ctx context.Context, args []any) (any, error) {
		origin, _ := CallerFromContext(ctx)
		return fn(ctx, append([]any{origin}, args...))
	}
}

// invoke runs fn, turning a panic into an error.
func invoke(ctx context.Context, fn Method, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, args)
}

package comlink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCfg           = errors.New("comlink: invalid options")
	ErrInvalidEnvironmentID = errors.New("comlink: environment ids must only contain alphanum, dashes, dots, slashes, colons, underscores and be less than 128 chars")
	ErrInvalidMessage       = errors.New("comlink: message does not match any known shape")
	ErrInvalidArgs          = errors.New("comlink: invalid arguments")
	ErrDisposed             = errors.New("comlink: communication disposed")
	ErrTargetClosed         = errors.New("comlink: target closed")
	ErrUnknownAPI           = errors.New("comlink: api is not registered")
	ErrUnknownMethod        = errors.New("comlink: method does not exist")

	ErrDuplicateRegistration   = errors.New("comlink: duplicate registration")
	ErrUnConfiguredMethod      = errors.New("comlink: method is not configured as a listener")
	ErrUnknownCallbackID       = errors.New("comlink: unknown callback id")
	ErrCallbackTimeout         = errors.New("comlink: callback timed out")
	ErrEnvironmentDisconnected = errors.New("comlink: environment disconnected")
	ErrCircularForwarding      = errors.New("comlink: circular forwarding")
)

// Error names used on the wire, see `SerializedError.Name`.
const (
	NameDuplicateRegistration   = "DuplicateRegistrationError"
	NameUnConfiguredMethod      = "UnConfiguredMethodError"
	NameUnknownCallbackID       = "UnknownCallbackIdError"
	NameCallbackTimeout         = "CallbackTimeoutError"
	NameEnvironmentDisconnected = "EnvironmentDisconnectedError"
	NameCircularForwarding      = "CircularForwardingError"
	NameUnknownAPI              = "UnknownAPIError"
	NameUnknownMethod           = "UnknownMethodError"
	NameDisposed                = "DisposedError"
	NameGeneric                 = "Error"
)

// namedError is implemented by errors which keep their identity when
// they travel between environments.
type namedError interface {
	ErrorName() string
}

type DuplicateRegistrationError struct {
	// Kind is what was registered twice: "environment", "api" or "listener".
	Kind string
	Name string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrDuplicateRegistration, e.Kind, e.Name)
}

func (e *DuplicateRegistrationError) Is(target error) bool { return target == ErrDuplicateRegistration }
func (e *DuplicateRegistrationError) ErrorName() string    { return NameDuplicateRegistration }

type UnConfiguredMethodError struct {
	API    string
	Method string
}

func (e *UnConfiguredMethodError) Error() string {
	return fmt.Sprintf("%s: %s.%s received a handler", ErrUnConfiguredMethod, e.API, e.Method)
}

func (e *UnConfiguredMethodError) Is(target error) bool { return target == ErrUnConfiguredMethod }
func (e *UnConfiguredMethodError) ErrorName() string    { return NameUnConfiguredMethod }

// UnknownCallbackIDError is a protocol integrity fault: a callback was
// received for a call we never made, or already settled.
type UnknownCallbackIDError struct {
	CallbackID string
	From       string
}

func (e *UnknownCallbackIDError) Error() string {
	return fmt.Sprintf("%s: %q from %q", ErrUnknownCallbackID, e.CallbackID, e.From)
}

func (e *UnknownCallbackIDError) Is(target error) bool { return target == ErrUnknownCallbackID }
func (e *UnknownCallbackIDError) ErrorName() string    { return NameUnknownCallbackID }

type CallbackTimeoutError struct {
	CallbackID string
	EnvID      string
	Timeout    time.Duration
}

func (e *CallbackTimeoutError) Error() string {
	return fmt.Sprintf(
		"%s: callback %q to environment %q got no reply after %s",
		ErrCallbackTimeout, e.CallbackID, e.EnvID, e.Timeout,
	)
}

func (e *CallbackTimeoutError) Is(target error) bool { return target == ErrCallbackTimeout }
func (e *CallbackTimeoutError) ErrorName() string    { return NameCallbackTimeout }

type EnvironmentDisconnectedError struct {
	EnvID string
}

func (e *EnvironmentDisconnectedError) Error() string {
	return fmt.Sprintf("%s: %q", ErrEnvironmentDisconnected, e.EnvID)
}

func (e *EnvironmentDisconnectedError) Is(target error) bool {
	return target == ErrEnvironmentDisconnected
}
func (e *EnvironmentDisconnectedError) ErrorName() string { return NameEnvironmentDisconnected }

type CircularForwardingError struct {
	// EnvID is the node which detected the cycle.
	EnvID string
	Chain []string
}

func (e *CircularForwardingError) Error() string {
	return fmt.Sprintf(
		"%s: %q already visited (chain: %s)",
		ErrCircularForwarding, e.EnvID, strings.Join(e.Chain, " -> "),
	)
}

func (e *CircularForwardingError) Is(target error) bool { return target == ErrCircularForwarding }
func (e *CircularForwardingError) ErrorName() string    { return NameCircularForwarding }

// SerializedError is the wire representation of an error.
type SerializedError struct {
	Name    string   `json:"name"`
	Message string   `json:"message"`
	Stack   string   `json:"stack,omitempty"`
	Chain   []string `json:"chain,omitempty"`
}

// RemoteError is what callers receive when the remote execution failed.
// It unwraps to the typed error matching `Name` when there is one.
type RemoteError struct {
	Name    string
	Message string
	// Stack is the remote stack, annotated with the environment the error
	// came from.
	Stack string
	EnvID string

	cause error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (env %q): %s", e.Name, e.EnvID, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.cause
}

func serializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}

	// Errors reconstructed from a remote keep their original identity
	// when they are relayed.
	var remote *RemoteError
	if errors.As(err, &remote) {
		serr := &SerializedError{
			Name:    remote.Name,
			Message: remote.Message,
			Stack:   remote.Stack,
		}
		var circular *CircularForwardingError
		if errors.As(remote.cause, &circular) {
			serr.Chain = circular.Chain
		}
		return serr
	}

	serr := &SerializedError{
		Name:    NameGeneric,
		Message: err.Error(),
		Stack:   fmt.Sprintf("%+v", err),
	}

	var named namedError
	if errors.As(err, &named) {
		serr.Name = named.ErrorName()
	} else if errors.Is(err, ErrUnknownAPI) {
		serr.Name = NameUnknownAPI
	} else if errors.Is(err, ErrUnknownMethod) {
		serr.Name = NameUnknownMethod
	} else if errors.Is(err, ErrDisposed) {
		serr.Name = NameDisposed
	}

	var circular *CircularForwardingError
	if errors.As(err, &circular) {
		serr.Chain = circular.Chain
	}
	return serr
}

func reconstructError(serr *SerializedError, envID string) error {
	remote := &RemoteError{
		Name:    serr.Name,
		Message: serr.Message,
		Stack:   fmt.Sprintf("%s\n    at remote environment %q", serr.Stack, envID),
		EnvID:   envID,
	}

	switch serr.Name {
	case NameCircularForwarding:
		remote.cause = &CircularForwardingError{EnvID: envID, Chain: serr.Chain}
	case NameCallbackTimeout:
		remote.cause = &CallbackTimeoutError{EnvID: envID}
	case NameEnvironmentDisconnected:
		remote.cause = &EnvironmentDisconnectedError{EnvID: envID}
	case NameDuplicateRegistration:
		remote.cause = ErrDuplicateRegistration
	case NameUnConfiguredMethod:
		remote.cause = ErrUnConfiguredMethod
	case NameUnknownAPI:
		remote.cause = ErrUnknownAPI
	case NameUnknownMethod:
		remote.cause = ErrUnknownMethod
	case NameDisposed:
		remote.cause = ErrDisposed
	}
	return remote
}

package comlink

import (
	"encoding/json"
	"fmt"
	"slices"
)

type MessageType string

const (
	TypeCall     MessageType = "call"
	TypeCallback MessageType = "callback"
	TypeListen   MessageType = "listen"
	TypeUnlisten MessageType = "unlisten"
	TypeEvent    MessageType = "event"
	TypeReady    MessageType = "ready"
	TypeDispose  MessageType = "dispose"
	TypeStatus   MessageType = "status"
)

// Broadcast is the reserved destination of `ready` and `dispose`
// announcements. It always resolves to the receiving instance.
const Broadcast = "*"

// UndefinedSentinel replaces `Undefined` arguments on the wire.
const UndefinedSentinel = "__comlink_undefined__"

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Undefined is an argument which has no value at all, as opposed to nil.
// Many encodings can't tell them apart inside an array, so it travels as
// `UndefinedSentinel` and is restored on receipt.
var Undefined = undefined{}

// Message is the tagged union exchanged between environments.
type Message struct {
	Type            MessageType      `json:"type"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	Origin          string           `json:"origin"`
	CallbackID      string           `json:"callbackId,omitempty"`
	HandlerID       string           `json:"handlerId,omitempty"`
	Error           *SerializedError `json:"error,omitempty"`
	ForwardingChain []string         `json:"forwardingChain,omitempty"`

	// Data depends on `Type`:
	//
	// * call: *CallData
	// * listen, unlisten: *ListenData
	// * event: []any
	// * callback: any value or nil.
	// * ready, dispose, status: nil.
	Data any `json:"data,omitempty"`
}

type CallData struct {
	API    string `json:"api"`
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type ListenData struct {
	API    string `json:"api"`
	Method string `json:"method"`
}

// Clone returns a copy of the message header which can be mutated without
// affecting the original. Payloads are shared.
func (m *Message) Clone() *Message {
	cloned := *m
	cloned.ForwardingChain = slices.Clone(m.ForwardingChain)
	return &cloned
}

// Validate checks the message structurally matches one of the known
// shapes.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: %s without from/to", ErrInvalidMessage, m.Type)
	}

	switch m.Type {
	case TypeCall:
		data, ok := m.Data.(*CallData)
		if !ok || data == nil || data.API == "" || data.Method == "" {
			return fmt.Errorf("%w: call without api/method", ErrInvalidMessage)
		}
	case TypeListen, TypeUnlisten:
		data, ok := m.Data.(*ListenData)
		if !ok || data == nil || data.API == "" || data.Method == "" {
			return fmt.Errorf("%w: %s without api/method", ErrInvalidMessage, m.Type)
		}
		if m.HandlerID == "" {
			return fmt.Errorf("%w: %s without handler id", ErrInvalidMessage, m.Type)
		}
	case TypeCallback:
		if m.CallbackID == "" {
			return fmt.Errorf("%w: callback without callback id", ErrInvalidMessage)
		}
	case TypeEvent:
		if m.HandlerID == "" {
			return fmt.Errorf("%w: event without handler id", ErrInvalidMessage)
		}
		if m.Data != nil {
			if _, ok := m.Data.([]any); !ok {
				return fmt.Errorf("%w: event data must be a list", ErrInvalidMessage)
			}
		}
	case TypeReady, TypeDispose, TypeStatus:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func (m *Message) UnmarshalJSON(buf []byte) error {
	type header Message
	var raw struct {
		header
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return err
	}

	*m = Message(raw.header)
	data, err := DecodeData(m.Type, raw.Data)
	if err != nil {
		return err
	}
	m.Data = data
	return nil
}

// DecodeData decodes a JSON payload according to the message type.
func DecodeData(typ MessageType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch typ {
	case TypeCall:
		data := &CallData{}
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return data, nil
	case TypeListen, TypeUnlisten:
		data := &ListenData{}
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return data, nil
	case TypeEvent:
		var args []any
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return args, nil
	default:
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return value, nil
	}
}

func encodeArgs(args []any) []any {
	encoded := make([]any, len(args))
	for i, arg := range args {
		if _, ok := arg.(undefined); ok {
			encoded[i] = UndefinedSentinel
			continue
		}
		encoded[i] = arg
	}
	return encoded
}

func decodeArgs(args []any) []any {
	decoded := make([]any, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok && s == UndefinedSentinel {
			decoded[i] = Undefined
			continue
		}
		decoded[i] = arg
	}
	return decoded
}

// Decode converts a loosely typed value, such as a reply which travelled
// as JSON, into `T`.
func Decode[T any](value any) (result T, err error) {
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	if err := json.Unmarshal(buf, &result); err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return result, nil
}

package flow

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/raskyld/comlink"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the message envelope.
const (
	fieldType            protowire.Number = 1
	fieldFrom            protowire.Number = 2
	fieldTo              protowire.Number = 3
	fieldOrigin          protowire.Number = 4
	fieldCallbackID      protowire.Number = 5
	fieldHandlerID       protowire.Number = 6
	fieldError           protowire.Number = 7
	fieldForwardingChain protowire.Number = 8
	fieldData            protowire.Number = 9
)

// ProtoCodec frames messages as a protobuf envelope. The routing header
// is made of native fields, the payload and the error are embedded as
// JSON documents since they are dynamically typed.
//
// Unknown fields are skipped, so the envelope can grow.
type ProtoCodec struct {
	inner BytesCodec
}

var _ Codec = ProtoCodec{}

func NewProtoCodec(maxFrameSize int) ProtoCodec {
	return ProtoCodec{
		inner: NewBytesCodec(maxFrameSize),
	}
}

func (enc ProtoCodec) Encode(w io.Writer, msg *comlink.Message) error {
	buf, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}
	return enc.inner.Encode(w, buf)
}

func (enc ProtoCodec) Decode(r io.Reader) (*comlink.Message, error) {
	buf, err := enc.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	msg, err := unmarshalEnvelope(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return msg, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalEnvelope(msg *comlink.Message) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldType, string(msg.Type))
	b = appendString(b, fieldFrom, msg.From)
	b = appendString(b, fieldTo, msg.To)
	b = appendString(b, fieldOrigin, msg.Origin)
	b = appendString(b, fieldCallbackID, msg.CallbackID)
	b = appendString(b, fieldHandlerID, msg.HandlerID)

	if msg.Error != nil {
		raw, err := json.Marshal(msg.Error)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}

	for _, hop := range msg.ForwardingChain {
		b = protowire.AppendTag(b, fieldForwardingChain, protowire.BytesType)
		b = protowire.AppendString(b, hop)
	}

	if msg.Data != nil {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func unmarshalEnvelope(b []byte) (*comlink.Message, error) {
	msg := &comlink.Message{}
	var rawData []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if err := protowire.ParseError(n); err != nil {
				return nil, err
			}
			b = b[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(b)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		b = b[n:]

		switch num {
		case fieldType:
			msg.Type = comlink.MessageType(val)
		case fieldFrom:
			msg.From = string(val)
		case fieldTo:
			msg.To = string(val)
		case fieldOrigin:
			msg.Origin = string(val)
		case fieldCallbackID:
			msg.CallbackID = string(val)
		case fieldHandlerID:
			msg.HandlerID = string(val)
		case fieldError:
			serr := &comlink.SerializedError{}
			if err := json.Unmarshal(val, serr); err != nil {
				return nil, err
			}
			msg.Error = serr
		case fieldForwardingChain:
			msg.ForwardingChain = append(msg.ForwardingChain, string(val))
		case fieldData:
			rawData = val
		}
	}

	// The type may come after the payload.
	data, err := comlink.DecodeData(msg.Type, rawData)
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return msg, nil
}

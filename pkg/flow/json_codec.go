package flow

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/raskyld/comlink"
)

// JSONCodec frames messages as JSON documents.
type JSONCodec struct {
	inner BytesCodec
}

var _ Codec = JSONCodec{}

func NewJSONCodec(maxFrameSize int) JSONCodec {
	return JSONCodec{
		inner: NewBytesCodec(maxFrameSize),
	}
}

func (enc JSONCodec) Encode(w io.Writer, msg *comlink.Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return enc.inner.Encode(w, buf)
}

func (enc JSONCodec) Decode(r io.Reader) (*comlink.Message, error) {
	buf, err := enc.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	msg := &comlink.Message{}
	if err := json.Unmarshal(buf, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return msg, nil
}

package flow

import (
	"io"

	"github.com/raskyld/comlink"
)

// Encoder writes values of T on a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder[T any] interface {
	Encode(w io.Writer, msg T) error
}

// Decoder reads values of T from a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Decoder[T any] interface {
	Decode(r io.Reader) (T, error)
}

// Codec is how a `StreamTarget` puts messages on the wire. Both ends of
// a stream MUST use the same codec.
type Codec interface {
	Encoder[*comlink.Message]
	Decoder[*comlink.Message]
}

package flow

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the frames we accept to read or write.
const DefaultMaxFrameSize = 4 << 20

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a stream.
type BytesCodec struct {
	maxFrameSize int
}

func NewBytesCodec(maxFrameSize int) BytesCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return BytesCodec{
		maxFrameSize: maxFrameSize,
	}
}

func (enc BytesCodec) Encode(w io.Writer, buf []byte) error {
	if len(buf) > enc.maxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrTooLargeFrame, len(buf), enc.maxFrameSize)
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

func (enc BytesCodec) Decode(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			return nil, err
		}
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if prefix > uint64(enc.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes announced, limit is %d", ErrTooLargeFrame, prefix, enc.maxFrameSize)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Package flow carries `comlink` messages over byte streams.
//
// A `StreamTarget` turns any `io.ReadWriteCloser` into a `comlink.Target`:
// messages are encoded by a `Codec` into length-prefixed frames, written
// by a sender pump and read back by a receiver pump. `Listen` and `Dial`
// establish such streams over QUIC.
package flow

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrFlowClosed        = errors.New("flow: closed")
	ErrTooLargeFrame     = errors.New("flow: frame is too large")
	ErrProtocolViolation = errors.New("flow: protocol violation")
	ErrInvalidCfg        = errors.New("flow: invalid options")
	ErrNoTLSConfig       = errors.New("flow: tls config is required")
	ErrHostnameResolve   = errors.New("flow: could not resolve hostname from certificate")
	ErrListenerClosed    = errors.New("flow: listener closed")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamClosed            = quic.StreamErrorCode(0xC)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

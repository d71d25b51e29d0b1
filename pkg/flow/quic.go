package flow

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/comlink"
)

// ALPN is the application protocol negotiated by comlink QUIC endpoints.
const ALPN = "comlink"

// preamble is the first frame of every stream. It lets the acceptor
// reject streams which do not speak our protocol before handing them to
// a `Communication`.
var preamble = []byte("comlink/1")

// quicStream closes the connection along with its single stream.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

// CloseWrite closes the send direction of the stream only.
func (s *quicStream) CloseWrite() error {
	return s.Stream.Close()
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(QErrStreamClosed)
	_ = s.Stream.Close()
	return QErrShutdown.Close(s.conn, "stream closed")
}

func quicConfig(cfg *config) *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:        cfg.maxIdleTimeout,
		KeepAlivePeriod:       cfg.maxIdleTimeout / 2,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

func withALPN(tlsConf *tls.Config) (*tls.Config, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf, nil
}

// Listener accepts comlink peers over QUIC.
type Listener struct {
	ln     *quic.Listener
	config config
	logger *slog.Logger

	targetCh chan *StreamTarget
	closeCh  chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// Listen accepts QUIC connections on addr. Every connection carries a
// single stream, handed out by `Listener.Accept` as a `StreamTarget`
// named after the peer certificate.
//
// You SHOULD require client certificates in tlsConf: that is the only
// way to authenticate peers.
func Listen(addr string, tlsConf *tls.Config, opts ...Option) (*Listener, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	tlsConf, err = withALPN(tlsConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(&cfg))
	if err != nil {
		return nil, fmt.Errorf("flow: failed to allocate QUIC listener: %w", err)
	}

	l := &Listener{
		ln:       ln,
		config:   cfg,
		logger:   cfg.logger().With(slog.String("listener", ln.Addr().String())),
		targetCh: make(chan *StreamTarget),
		closeCh:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptCx()
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next peer.
func (l *Listener) Accept(ctx context.Context) (*StreamTarget, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case st := <-l.targetCh:
		return st, nil
	}
}

// Close stops accepting peers. Targets already accepted stay open.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.closeCh)
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptCx() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			if !l.closed.Load() {
				l.logger.Warn("unexpected QUIC listener closure", comlink.LabelError.L(err))
			}
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) handleConn(conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	logger := l.logger.With(comlink.LabelPeerAddr.L(peer))
	mLabels := l.config.labels(comlink.LabelPeerAddr.M(peer))

	fail := func(reason string, err error) {
		logger.Warn("rejecting peer", "reason", reason, comlink.LabelError.L(err))
		l.config.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			append(mLabels, comlink.LabelError.M(reason)),
		)
	}

	name, err, uerr := l.config.hostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		fail("name_resolution", err)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return
	}
	logger = logger.With(comlink.LabelPeerName.L(name))

	ctx, cancel := context.WithCancel(conn.Context())
	defer cancel()
	go func() {
		select {
		case <-l.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		fail("no_stream", err)
		QErrShutdown.Close(conn, "no stream opened")
		return
	}

	codec := NewBytesCodec(len(preamble))
	buf, err := codec.Decode(stream)
	if err != nil || !bytes.Equal(buf, preamble) {
		if err == nil {
			err = ErrProtocolViolation
		}
		fail("protocol_violation", err)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		QErrProtocol.Close(conn, "unexpected preamble")
		return
	}

	st := newStreamTarget(name, &quicStream{Stream: stream, conn: conn}, l.config)
	l.config.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		append(mLabels, comlink.LabelPeerName.M(name)),
	)
	logger.Info("peer accepted")

	select {
	case l.targetCh <- st:
	case <-l.closeCh:
		_ = st.Close()
	}
}

// Dial connects to a comlink `Listener` at addr. The returned target is
// named after the server certificate.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, opts ...Option) (*StreamTarget, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	tlsConf, err = withALPN(tlsConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	mLabels := cfg.labels(comlink.LabelPeerAddr.M(addr))
	fail := func(reason string, err error) error {
		cfg.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, comlink.LabelError.M(reason)),
		)
		return err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(&cfg))
	if err != nil {
		return nil, fail("dial", err)
	}

	name, err, _ := cfg.hostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		QErrHostname.Close(conn, "could not resolve server name")
		return nil, fail("name_resolution", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "cannot open stream")
		return nil, fail("cannot_open_stream", err)
	}

	if err := NewBytesCodec(len(preamble)).Encode(stream, preamble); err != nil {
		QErrInternal.Close(conn, "cannot send preamble")
		return nil, fail("cannot_send_preamble", errors.Join(ErrProtocolViolation, err))
	}

	cfg.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		append(mLabels, comlink.LabelPeerName.M(name)),
	)
	return newStreamTarget(name, &quicStream{Stream: stream, conn: conn}, cfg), nil
}

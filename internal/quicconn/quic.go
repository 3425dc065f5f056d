package quicconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/lightcomp/filetransfer-sub000/internal/streamrpc"
)

var (
	_ streamrpc.Listener   = (*Listener)(nil)
	_ streamrpc.Dialer     = (*Dialer)(nil)
	_ streamrpc.Conn       = (*Conn)(nil)
	_ streamrpc.Stream     = (*Stream)(nil)
	_ streamrpc.StreamIDer = (*Stream)(nil)
)

// Listener accepts QUIC connections.
type Listener struct {
	mu       sync.Mutex
	udpConn  net.PacketConn
	listener *quic.Listener
	logger   *slog.Logger
	closed   bool
}

// Listen opens a UDP socket on addr and listens for QUIC connections. A nil
// quicConf selects DefaultServerQUICConfig.
func Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if quicConf == nil {
		quicConf = DefaultServerQUICConfig()
	}
	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	if err := tuneUDP(udpConn, DefaultUDPBuffer); err != nil {
		logger.Debug("UDP buffer tuning", "error", err)
	}
	listener, err := quic.Listen(udpConn, tlsConf, quicConf)
	if err != nil {
		udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	return &Listener{udpConn: udpConn, listener: listener, logger: logger}, nil
}

// Accept waits for and accepts an incoming connection.
func (l *Listener) Accept(ctx context.Context) (streamrpc.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, net.ErrClosed
	}
	listener := l.listener
	l.mu.Unlock()

	conn, err := listener.Accept(ctx)
	if err != nil {
		if l.isClosed() {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, logger: l.logger}, nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Addr returns the local UDP address.
func (l *Listener) Addr() net.Addr { return l.udpConn.LocalAddr() }

// Close closes the listener and its UDP socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.listener.Close(); err != nil {
		l.udpConn.Close()
		return fmt.Errorf("close QUIC listener: %w", err)
	}
	return l.udpConn.Close()
}

// Dialer connects to a QUIC server.
type Dialer struct {
	Addr   string
	TLS    *tls.Config
	QUIC   *quic.Config
	Logger *slog.Logger
}

// Dial establishes a new connection to d.Addr.
func (d *Dialer) Dial(ctx context.Context) (streamrpc.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	quicConf := d.QUIC
	if quicConf == nil {
		quicConf = DefaultClientQUICConfig()
	}
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = ClientTLSConfig("", true)
	}

	conn, err := quic.DialAddr(ctx, d.Addr, tlsConf, quicConf)
	if err != nil {
		logger.Debug("QUIC dial failed", "error", err, "remote_addr", d.Addr)
		return nil, err
	}
	logger.Debug("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, logger: logger}, nil
}

// Conn wraps a quic.Conn.
type Conn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

// OpenStream opens a new bidirectional stream, waiting for stream credit
// from the peer.
func (c *Conn) OpenStream(ctx context.Context) (streamrpc.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	return &Stream{stream: stream}, nil
}

// AcceptStream waits for and accepts an incoming stream.
func (c *Conn) AcceptStream(ctx context.Context) (streamrpc.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	return &Stream{stream: stream}, nil
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the connection and all its streams.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("close QUIC connection: %w", err)
	}
	return nil
}

// Stream wraps a quic.Stream.
type Stream struct {
	mu     sync.Mutex
	stream *quic.Stream
	closed bool
}

func (s *Stream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// SetDeadline sets the read and write deadlines. It may be called
// concurrently with Read and Write.
func (s *Stream) SetDeadline(t time.Time) error { return s.stream.SetDeadline(t) }

// StreamID returns the QUIC stream ID.
func (s *Stream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

// Close finishes the write side and discards unread input.
// CloseRead stops receiving while the send side stays open.
func (s *Stream) CloseRead() error {
	s.stream.CancelRead(0)
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.CancelRead(0)
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("close QUIC stream: %w", err)
	}
	return nil
}

package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// DefaultMaxIdleConns is the number of idle connections a Client keeps.
const DefaultMaxIdleConns = 4

// ErrClientClosed is returned by calls on a closed Client.
var ErrClientClosed = errors.New("client closed")

// ClientOptions configures a Client.
type ClientOptions struct {
	// Stager copies receive payloads off the connection; nil reads them
	// into memory.
	Stager protocol.Stager
	// Header is sent with every handshake.
	Header http.Header
	// HandshakeTimeout defaults to 5s.
	HandshakeTimeout time.Duration
	// MaxIdleConns defaults to DefaultMaxIdleConns.
	MaxIdleConns int
	Logger       *slog.Logger
}

// Client is a protocol.Caller over WebSocket. A call runs on an idle
// connection or a newly dialed one; a connection that fails is dropped and
// the next call dials again.
type Client struct {
	url    string
	opts   ClientOptions
	dialer websocket.Dialer

	mu     sync.Mutex
	idle   []*websocket.Conn
	closed bool
}

var _ protocol.Caller = (*Client)(nil)

// NewClient creates a client for the ws:// or wss:// url. No connection is
// made until the first call.
func NewClient(url string, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = DefaultMaxIdleConns
	}
	return &Client{
		url:    url,
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
}

// Call sends req and waits for its response, bounded by ctx. Transport
// failures are reported as service.ErrUnavailable.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	conn, err := c.get(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	resp, err := c.exchange(ctx, conn, req)
	if err != nil {
		conn.Close()
		return protocol.Message{}, err
	}
	c.put(conn)
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, conn *websocket.Conn, req protocol.Message) (protocol.Message, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.NetConn().SetDeadline(deadline); err != nil {
		return protocol.Message{}, c.failure(ctx, "set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.NetConn().SetDeadline(time.Now())
	})
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return protocol.Message{}, c.failure(ctx, "write "+req.Env.Type, err)
	}
	for {
		messageType, r, err := conn.NextReader()
		if err != nil {
			return protocol.Message{}, c.failure(ctx, "read "+req.Env.Type+" response", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		resp, err := protocol.ReadMessage(r, c.opts.Stager)
		if err != nil {
			return protocol.Message{}, c.failure(ctx, "read "+req.Env.Type+" response", err)
		}
		// Drain so the next call starts at a message boundary.
		if _, err := io.Copy(io.Discard, r); err != nil {
			resp.Frame.Release()
			return protocol.Message{}, c.failure(ctx, "read "+req.Env.Type+" response", err)
		}
		if !stop() {
			// Canceled after the response arrived; the connection deadline
			// may already be in the past.
			resp.Frame.Release()
			return protocol.Message{}, ctx.Err()
		}
		if err := conn.NetConn().SetDeadline(time.Time{}); err != nil {
			resp.Frame.Release()
			return protocol.Message{}, c.failure(ctx, "clear deadline", err)
		}
		return resp, nil
	}
}

func (c *Client) failure(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", service.ErrUnavailable, what, err)
}

func (c *Client) get(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, service.Fatalf(service.CodeRejected, "websocket upgrade failed (%d): %s", resp.StatusCode, body)
			}
			err = fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, body)
		}
		return nil, c.failure(ctx, "dial", err)
	}
	c.opts.Logger.Debug("websocket connected", "url", c.url)
	return conn, nil
}

func (c *Client) put(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || len(c.idle) >= c.opts.MaxIdleConns {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.idle = append(c.idle, conn)
	c.mu.Unlock()
}

// Close closes idle connections. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	idle := c.idle
	c.idle = nil
	c.mu.Unlock()
	for _, conn := range idle {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}

package streamrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Stager copies receive payloads off the stream; nil reads them into memory.
	Stager protocol.Stager
	Logger *slog.Logger
}

// Client is a protocol.Caller that opens one stream per call on a shared
// connection, redialing after the connection fails.
type Client struct {
	dialer Dialer
	opts   ClientOptions

	mu     sync.Mutex
	conn   Conn
	closed bool
}

var _ protocol.Caller = (*Client)(nil)

// ErrClientClosed is returned by calls on a closed Client.
var ErrClientClosed = errors.New("client closed")

// NewClient creates a client. No connection is made until the first call.
func NewClient(d Dialer, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{dialer: d, opts: opts}
}

// Call sends req on a new stream and reads its response. Transport failures
// are reported as service.ErrUnavailable.
func (c *Client) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	s, err := conn.OpenStream(ctx)
	if err != nil {
		c.drop(conn, err)
		return protocol.Message{}, c.failure(ctx, "open stream", err)
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { interrupt(s) })
	defer stop()

	if err := protocol.WriteMessage(s, req); err != nil {
		// The server may have refused the request and answered early.
		if resp, rerr := protocol.ReadMessage(s, nil); rerr == nil && resp.Env.Type == protocol.TypeError {
			return resp, nil
		}
		return protocol.Message{}, c.failure(ctx, "write "+req.Env.Type, err)
	}
	resp, err := protocol.ReadMessage(s, c.opts.Stager)
	if err != nil {
		return protocol.Message{}, c.failure(ctx, "read "+req.Env.Type+" response", err)
	}
	return resp, nil
}

func (c *Client) failure(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", service.ErrUnavailable, what, err)
}

func (c *Client) connect(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, c.failure(ctx, "dial", err)
	}
	c.opts.Logger.Debug("connected", "remote_addr", conn.RemoteAddr().String())
	c.conn = conn
	return conn, nil
}

func (c *Client) drop(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	c.opts.Logger.Debug("connection dropped", "error", cause)
	conn.Close()
}

// Close closes the current connection. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

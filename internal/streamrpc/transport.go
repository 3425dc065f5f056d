// Package streamrpc carries protocol messages over multiplexed byte
// streams, one stream per call.
package streamrpc

import (
	"context"
	"io"
	"net"
)

// Dialer establishes connections to a server.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener accepts connections from clients.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Conn represents a connection between a client and a server.
// It provides the ability to open and accept bidirectional streams.
// A Conn can handle multiple concurrent streams.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote side.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for and accepts an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// Close closes the connection and all associated streams.
	Close() error
}

// Stream is a bidirectional byte stream.
// Streams are independent and can be used concurrently.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the stream. After Close is called, Read and Write operations
	// will return errors.
	Close() error
}

// StreamIDer exposes a transport-specific stream ID when available.
type StreamIDer interface {
	StreamID() uint64
}

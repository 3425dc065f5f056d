package streamrpc

import (
	"context"
	"io"
	"net"
	"sync"
)

// MockTransport is an in-memory transport implementation for testing.
// The two ends of a pair dial and accept each other.
type MockTransport struct {
	mu             sync.Mutex
	name           string
	acceptChan     chan *mockConn
	peerAcceptChan chan *mockConn
	connections    map[*mockConn]bool
	done           chan struct{}
	closed         bool
}

// NewMockPair creates a client and a server end. The client end dials, the
// server end accepts.
func NewMockPair() (client, server *MockTransport) {
	accept := make(chan *mockConn, 16)
	client = &MockTransport{
		name:           "mock-client",
		acceptChan:     make(chan *mockConn),
		peerAcceptChan: accept,
		connections:    make(map[*mockConn]bool),
		done:           make(chan struct{}),
	}
	server = &MockTransport{
		name:        "mock-server",
		acceptChan:  accept,
		connections: make(map[*mockConn]bool),
		done:        make(chan struct{}),
	}
	return client, server
}

// mockConn represents one end of a connection.
type mockConn struct {
	mu         sync.Mutex
	transport  *MockTransport
	other      *mockConn
	streamChan chan *mockStream
	streams    []*mockStream
	done       chan struct{}
	closed     bool
}

// mockStream represents one end of a bidirectional stream backed by io.Pipe.
type mockStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

var (
	_ Dialer   = (*MockTransport)(nil)
	_ Listener = (*MockTransport)(nil)
	_ Conn     = (*mockConn)(nil)
	_ Stream   = (*mockStream)(nil)
)

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

// Addr returns the transport name.
func (t *MockTransport) Addr() net.Addr { return mockAddr(t.name) }

func (t *MockTransport) newConn() *mockConn {
	return &mockConn{
		transport:  t,
		streamChan: make(chan *mockStream, 16),
		done:       make(chan struct{}),
	}
}

// Dial establishes a connection to the other end of the pair.
func (t *MockTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.closed || t.peerAcceptChan == nil {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	local := t.newConn()
	remote := &mockConn{streamChan: make(chan *mockStream, 16), done: make(chan struct{})}
	local.other = remote
	remote.other = local

	select {
	case t.peerAcceptChan <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	t.connections[local] = true
	t.mu.Unlock()
	return local, nil
}

// Accept waits for and accepts an incoming connection.
func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptChan:
		t.mu.Lock()
		conn.transport = t
		t.connections[conn] = true
		t.mu.Unlock()
		return conn, nil
	case <-t.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the transport and all connections.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conns := make([]*mockConn, 0, len(t.connections))
	for conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = nil
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

// OpenStream opens a new bidirectional stream.
func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	// local writes -> remote reads, remote writes -> local reads
	toRemoteR, toRemoteW := io.Pipe()
	toLocalR, toLocalW := io.Pipe()
	local := &mockStream{reader: toLocalR, writer: toRemoteW}
	remote := &mockStream{reader: toRemoteR, writer: toLocalW}

	select {
	case c.other.streamChan <- remote:
	case <-c.other.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
	c.track(local)
	c.other.track(remote)
	return local, nil
}

func (c *mockConn) track(s *mockStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.Close()
		return
	}
	c.streams = append(c.streams, s)
}

// AcceptStream waits for and accepts an incoming stream.
func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case stream := <-c.streamChan:
		return stream, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) RemoteAddr() net.Addr { return mockAddr("mock-peer") }

// Close closes both ends of the connection and all their streams.
func (c *mockConn) Close() error {
	if !c.close() {
		return nil
	}
	c.other.close()
	return nil
}

func (c *mockConn) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	streams := c.streams
	c.streams = nil
	t := c.transport
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if t != nil {
		t.mu.Lock()
		delete(t.connections, c)
		t.mu.Unlock()
	}
	return true
}

// Read reads data from the stream.
func (s *mockStream) Read(p []byte) (n int, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	reader := s.reader
	s.mu.Unlock()

	return reader.Read(p)
}

// Write writes data to the stream.
func (s *mockStream) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	writer := s.writer
	s.mu.Unlock()

	return writer.Write(p)
}

// Close closes the stream.
func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Close()
	s.writer.Close()
	return nil
}

// CloseRead stops receiving; writes from the remote end fail.
func (s *mockStream) CloseRead() error {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	return reader.Close()
}

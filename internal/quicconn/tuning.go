package quicconn

import (
	"errors"
	"fmt"
	"net"
)

// DefaultUDPBuffer is the socket buffer size requested for listeners.
const DefaultUDPBuffer = 8 * 1024 * 1024

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// tuneUDP enlarges the socket buffers of conn. The kernel may cap or deny
// the request; errors are informational.
func tuneUDP(conn net.PacketConn, size int) error {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("no access to underlying UDPConn (%T)", conn)
	}
	size = clampUDPBuffer(size)
	var errs []error
	if err := udp.SetReadBuffer(size); err != nil {
		errs = append(errs, fmt.Errorf("read buffer: %w", err))
	}
	if err := udp.SetWriteBuffer(size); err != nil {
		errs = append(errs, fmt.Errorf("write buffer: %w", err))
	}
	return errors.Join(errs...)
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}

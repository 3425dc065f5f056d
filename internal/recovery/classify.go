// Package recovery retries remote transfer calls across busy servers and
// lost connections, reconciling with the server's status before resending.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// Kind classifies a failed remote call.
type Kind int

const (
	// Fatal failures abort the operation immediately.
	Fatal Kind = iota
	// Busy failures are explicit transient rejections by the server.
	Busy
	// Communication failures are transport problems: timeouts, refused or
	// reset connections, unresolvable hosts, malformed responses.
	Communication
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case Busy:
		return "busy"
	case Communication:
		return "communication"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether the operation may be retried.
func (k Kind) Retryable() bool { return k == Busy || k == Communication }

// OperationError is a classified failure of one remote call.
type OperationError struct {
	Op     string
	Kind   Kind
	Cause  error
	Params map[string]string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *OperationError) Unwrap() error { return e.Cause }

// Classify wraps err in an OperationError for op. Errors that are already
// classified keep their kind.
func Classify(op string, err error) *OperationError {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe
	}
	e := &OperationError{Op: op, Kind: kindOf(err), Cause: err}
	if fe, ok := service.AsFatal(err); ok {
		e.Params = fe.Params
	}
	return e
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return kindOf(err)
}

func kindOf(err error) Kind {
	if _, ok := service.AsFatal(err); ok {
		return Fatal
	}
	switch {
	case errors.Is(err, service.ErrBusy):
		return Busy
	case errors.Is(err, service.ErrMalformedResponse),
		errors.Is(err, service.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return Communication
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Communication
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Communication
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Communication
	}
	return Fatal
}

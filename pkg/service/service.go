// Package service defines the remote transfer service both endpoints speak,
// independent of the RPC substrate carrying it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
)

// Mode selects the direction of a transfer, seen from the client.
type Mode string

const (
	// ModeUpload sends frames from the client to the server.
	ModeUpload Mode = "upload"
	// ModeDownload receives frames from the server.
	ModeDownload Mode = "download"
)

// BeginRequest opens a transfer.
type BeginRequest struct {
	Mode     Mode              `json:"mode"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Status is what the server reports about a transfer.
type Status struct {
	State        State  `json:"state"`
	LastSeqNum   int    `json:"last_seq_num"`
	Response     []byte `json:"response,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Service is the remote side of a transfer.
//
// Send uploads one frame, Receive downloads the frame with the given
// sequence number. Finish commits a fully transferred transfer and returns
// the application response. All calls may fail with a *FatalError, ErrBusy
// or a transport error.
type Service interface {
	Begin(ctx context.Context, req BeginRequest) (string, error)
	Send(ctx context.Context, transferID string, f *frame.Frame) error
	Receive(ctx context.Context, transferID string, seqNum int) (*frame.Frame, error)
	Status(ctx context.Context, transferID string) (Status, error)
	Finish(ctx context.Context, transferID string) ([]byte, error)
	Abort(ctx context.Context, transferID string) error
}

var (
	// ErrBusy signals transient unavailability; the caller should retry.
	ErrBusy = errors.New("service busy")
	// ErrMalformedResponse indicates a response the client could not decode.
	ErrMalformedResponse = errors.New("malformed service response")
	// ErrUnavailable is returned by transports that lost or could not
	// establish their connection.
	ErrUnavailable = errors.New("service unavailable")
)

// Machine-readable codes carried by FatalError.
const (
	CodeUnknownTransfer   = "unknown_transfer"
	CodeIllegalState      = "illegal_state"
	CodeProtocolViolation = "protocol_violation"
	CodeRejected          = "rejected"
	CodeFailed            = "failed"
	CodeInternal          = "internal"
)

// FatalError is an application-level rejection. It is never retried.
type FatalError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

// Fatalf builds a FatalError with a formatted message.
func Fatalf(code, format string, args ...any) *FatalError {
	return &FatalError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *FatalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Params) > 0 {
		keys := make([]string, 0, len(e.Params))
		for k := range e.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Params[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// Is matches FatalErrors with the same code, so errors.Is(err,
// &FatalError{Code: CodeRejected}) works.
func (e *FatalError) Is(target error) bool {
	t, ok := target.(*FatalError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// AsFatal returns the FatalError wrapped in err, if any.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

package protocol

import (
	"errors"
	"fmt"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// BeginPayload requests a new transfer.
type BeginPayload struct {
	Mode     service.Mode      `json:"mode"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BeginResult carries the id the server assigned.
type BeginResult struct {
	TransferID string `json:"transfer_id"`
}

// ReceivePayload requests one download frame.
type ReceivePayload struct {
	SeqNum int `json:"seq_num"`
}

// FinishResult carries the application response of a finished transfer.
type FinishResult struct {
	Response []byte `json:"response,omitempty"`
}

// ErrorPayload is the body of a TypeError response.
type ErrorPayload struct {
	Kind    string            `json:"kind"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

// ErrorFrom encodes a service error.
func ErrorFrom(err error) ErrorPayload {
	switch {
	case errors.Is(err, service.ErrBusy):
		return ErrorPayload{Kind: KindBusy, Message: err.Error()}
	case errors.Is(err, service.ErrUnavailable):
		return ErrorPayload{Kind: KindUnavailable, Message: err.Error()}
	}
	if fe, ok := service.AsFatal(err); ok {
		return ErrorPayload{Kind: KindFatal, Code: fe.Code, Message: fe.Message, Params: fe.Params}
	}
	return ErrorPayload{Kind: KindFatal, Code: service.CodeInternal, Message: err.Error()}
}

// Err decodes the payload back into the error the service returned.
func (p ErrorPayload) Err() error {
	switch p.Kind {
	case KindBusy:
		return service.ErrBusy
	case KindUnavailable:
		return fmt.Errorf("%w: %s", service.ErrUnavailable, p.Message)
	case KindFatal:
		code := p.Code
		if code == "" {
			code = service.CodeInternal
		}
		return &service.FatalError{Code: code, Message: p.Message, Params: p.Params}
	default:
		return fmt.Errorf("%w: unknown error kind %q", service.ErrMalformedResponse, p.Kind)
	}
}

// Package protocol defines the RPC messages carried by every transport: a
// JSON envelope followed, for send requests and receive responses, by a
// binary frame header and the frame payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

var (
	// ErrVersion indicates an envelope of another protocol version.
	ErrVersion = errors.New("unsupported protocol version")
	// ErrUnknownType indicates a message type outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField indicates an envelope without a required field.
	ErrMissingField = errors.New("missing envelope field")
	// ErrNoPayload indicates a payload was expected but not sent.
	ErrNoPayload = errors.New("no payload")
)

// Envelope heads every message. TransferID names the transfer a request
// operates on; every request except begin carries one.
type Envelope struct {
	V          int             `json:"v"`
	Type       string          `json:"type"`
	MsgID      string          `json:"msg_id"`
	TransferID string          `json:"transfer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// needsTransfer reports the message types addressed to an existing
// transfer.
var needsTransfer = map[string]bool{
	TypeBegin:    false,
	TypeSend:     true,
	TypeReceive:  true,
	TypeStatus:   true,
	TypeFinish:   true,
	TypeAbort:    true,
	TypeResponse: false,
	TypeError:    false,
}

// NewEnvelope builds an envelope of the current version. A nil payload
// leaves Payload empty.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Type: msgType, MsgID: msgID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload decodes the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w in %s", ErrNoPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Validate checks the version, the type and the fields the type requires.
func (e Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("%w: %d, want %d", ErrVersion, e.V, ProtocolVersion)
	}
	required, known := needsTransfer[e.Type]
	if !known {
		return fmt.Errorf("%w %q", ErrUnknownType, e.Type)
	}
	if e.MsgID == "" {
		return fmt.Errorf("%w: msg_id", ErrMissingField)
	}
	if required && e.TransferID == "" {
		return fmt.Errorf("%w: transfer_id in %s", ErrMissingField, e.Type)
	}
	return nil
}

// NewMsgID returns a fresh message id.
func NewMsgID() string {
	return uuid.NewString()
}

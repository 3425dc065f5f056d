package protocol

import (
	"context"
	"fmt"

	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// Caller performs one request/response exchange over a transport.
type Caller interface {
	Call(ctx context.Context, req Message) (Message, error)
}

// Client implements service.Service over a Caller.
type Client struct {
	caller Caller
}

// NewClient creates a client.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, msgType, transferID string, payload any, f *frame.Frame) (Message, error) {
	env, err := NewEnvelope(msgType, NewMsgID(), payload)
	if err != nil {
		return Message{}, err
	}
	env.TransferID = transferID
	resp, err := c.caller.Call(ctx, Message{Env: env, Frame: f})
	if err != nil {
		return Message{}, err
	}
	if err := resp.Env.Validate(); err != nil {
		resp.Frame.Release()
		return Message{}, fmt.Errorf("%w: %v", service.ErrMalformedResponse, err)
	}
	if resp.Env.MsgID != env.MsgID {
		resp.Frame.Release()
		return Message{}, fmt.Errorf("%w: response to %s, expected %s", service.ErrMalformedResponse, resp.Env.MsgID, env.MsgID)
	}
	switch resp.Env.Type {
	case TypeResponse:
		return resp, nil
	case TypeError:
		resp.Frame.Release()
		var ep ErrorPayload
		if err := resp.Env.DecodePayload(&ep); err != nil {
			return Message{}, fmt.Errorf("%w: %v", service.ErrMalformedResponse, err)
		}
		return Message{}, ep.Err()
	default:
		resp.Frame.Release()
		return Message{}, fmt.Errorf("%w: unexpected message type %q", service.ErrMalformedResponse, resp.Env.Type)
	}
}

func decode(resp Message, out any) error {
	if err := resp.Env.DecodePayload(out); err != nil {
		return fmt.Errorf("%w: %v", service.ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) Begin(ctx context.Context, req service.BeginRequest) (string, error) {
	resp, err := c.call(ctx, TypeBegin, "", BeginPayload{Mode: req.Mode, Metadata: req.Metadata}, nil)
	if err != nil {
		return "", err
	}
	var res BeginResult
	if err := decode(resp, &res); err != nil {
		return "", err
	}
	if res.TransferID == "" {
		return "", fmt.Errorf("%w: empty transfer id", service.ErrMalformedResponse)
	}
	return res.TransferID, nil
}

// Send transmits f. The caller keeps ownership of f's payload.
func (c *Client) Send(ctx context.Context, id string, f *frame.Frame) error {
	_, err := c.call(ctx, TypeSend, id, nil, f)
	return err
}

func (c *Client) Receive(ctx context.Context, id string, seq int) (*frame.Frame, error) {
	resp, err := c.call(ctx, TypeReceive, id, ReceivePayload{SeqNum: seq}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Frame == nil {
		return nil, fmt.Errorf("%w: receive response without frame", service.ErrMalformedResponse)
	}
	return resp.Frame, nil
}

func (c *Client) Status(ctx context.Context, id string) (service.Status, error) {
	resp, err := c.call(ctx, TypeStatus, id, nil, nil)
	if err != nil {
		return service.Status{}, err
	}
	var st service.Status
	if err := decode(resp, &st); err != nil {
		return service.Status{}, err
	}
	return st, nil
}

func (c *Client) Finish(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.call(ctx, TypeFinish, id, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Env.Payload) == 0 {
		return nil, nil
	}
	var res FinishResult
	if err := decode(resp, &res); err != nil {
		return nil, err
	}
	return res.Response, nil
}

func (c *Client) Abort(ctx context.Context, id string) error {
	_, err := c.call(ctx, TypeAbort, id, nil, nil)
	return err
}

var _ service.Service = (*Client)(nil)

package protocol

import (
	"context"
	"fmt"

	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// Dispatch executes one decoded request against svc and returns the
// response to write back, along with the service error (already encoded in
// the response) for logging and metrics. The request frame of a send is
// handed to svc; the frame of a receive response stays owned by svc.
func Dispatch(ctx context.Context, svc service.Service, req Message) (Message, error) {
	if err := req.Env.Validate(); err != nil {
		req.Frame.Release()
		fe := service.Fatalf(service.CodeProtocolViolation, "%v", err)
		return errorResponse(req.Env, fe), fe
	}
	if req.Frame != nil && req.Env.Type != TypeSend {
		req.Frame.Release()
		req.Frame = nil
	}

	id := req.Env.TransferID
	var (
		payload any
		f       *frame.Frame
		err     error
	)
	switch req.Env.Type {
	case TypeBegin:
		var p BeginPayload
		if err = req.Env.DecodePayload(&p); err != nil {
			err = service.Fatalf(service.CodeProtocolViolation, "begin: %v", err)
			break
		}
		var tid string
		tid, err = svc.Begin(ctx, service.BeginRequest{Mode: p.Mode, Metadata: p.Metadata})
		payload = BeginResult{TransferID: tid}
	case TypeSend:
		if req.Frame == nil {
			err = service.Fatalf(service.CodeProtocolViolation, "send without frame")
			break
		}
		err = svc.Send(ctx, id, req.Frame)
	case TypeReceive:
		var p ReceivePayload
		if err = req.Env.DecodePayload(&p); err != nil {
			err = service.Fatalf(service.CodeProtocolViolation, "receive: %v", err)
			break
		}
		f, err = svc.Receive(ctx, id, p.SeqNum)
	case TypeStatus:
		payload, err = svc.Status(ctx, id)
	case TypeFinish:
		var resp []byte
		resp, err = svc.Finish(ctx, id)
		payload = FinishResult{Response: resp}
	case TypeAbort:
		err = svc.Abort(ctx, id)
	default:
		err = service.Fatalf(service.CodeProtocolViolation, "unknown message type %q", req.Env.Type)
	}
	if err != nil {
		return errorResponse(req.Env, err), err
	}
	env, mErr := NewEnvelope(TypeResponse, req.Env.MsgID, payload)
	if mErr != nil {
		mErr = fmt.Errorf("encode %s response: %w", req.Env.Type, mErr)
		return errorResponse(req.Env, mErr), mErr
	}
	env.TransferID = id
	return Message{Env: env, Frame: f}, nil
}

// ErrorResponse builds the error reply to req.
func ErrorResponse(req Envelope, err error) Message {
	return errorResponse(req, err)
}

func errorResponse(req Envelope, err error) Message {
	msgID := req.MsgID
	if msgID == "" {
		msgID = NewMsgID()
	}
	env, mErr := NewEnvelope(TypeError, msgID, ErrorFrom(err))
	if mErr != nil {
		env = Envelope{V: ProtocolVersion, Type: TypeError, MsgID: msgID}
	}
	env.TransferID = req.TransferID
	return Message{Env: env}
}

package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// loopback encodes every request and response through the wire codec.
type loopback struct {
	svc     service.Service
	mangle  func(resp *Message)
	lastErr error
}

func (l *loopback) Call(ctx context.Context, req Message) (Message, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, req); err != nil {
		return Message{}, err
	}
	decoded, err := ReadMessage(&buf, nil)
	if err != nil {
		return Message{}, err
	}
	resp, svcErr := Dispatch(ctx, l.svc, decoded)
	l.lastErr = svcErr
	if l.mangle != nil {
		l.mangle(&resp)
	}
	buf.Reset()
	if err := WriteMessage(&buf, resp); err != nil {
		return Message{}, err
	}
	return ReadMessage(&buf, nil)
}

type fakeService struct {
	sent     []*frame.Frame
	sendErr  error
	aborted  string
	finishes int
}

func (f *fakeService) Begin(_ context.Context, req service.BeginRequest) (string, error) {
	if req.Mode != service.ModeUpload {
		return "", service.Fatalf(service.CodeRejected, "mode %s", req.Mode)
	}
	return "t-" + req.Metadata["n"], nil
}

func (f *fakeService) Send(_ context.Context, id string, fr *frame.Frame) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeService) Receive(_ context.Context, id string, seq int) (*frame.Frame, error) {
	if seq > 1 {
		return nil, service.ErrBusy
	}
	return sampleFrame(), nil
}

func (f *fakeService) Status(_ context.Context, id string) (service.Status, error) {
	if id == "gone" {
		return service.Status{}, service.Fatalf(service.CodeUnknownTransfer, "transfer %s", id)
	}
	return service.Status{State: service.StateTransferred, LastSeqNum: 9}, nil
}

func (f *fakeService) Finish(_ context.Context, id string) ([]byte, error) {
	f.finishes++
	return []byte("receipt-" + id), nil
}

func (f *fakeService) Abort(_ context.Context, id string) error {
	f.aborted = id
	return nil
}

func TestClientRoundTrip(t *testing.T) {
	svc := &fakeService{}
	c := NewClient(&loopback{svc: svc})
	ctx := context.Background()

	id, err := c.Begin(ctx, service.BeginRequest{Mode: service.ModeUpload, Metadata: map[string]string{"n": "1"}})
	if err != nil || id != "t-1" {
		t.Fatalf("Begin() = %q, %v", id, err)
	}
	if err := c.Send(ctx, id, sampleFrame()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(svc.sent) != 1 || svc.sent[0].DataSize != 5 {
		t.Fatalf("server received %+v", svc.sent)
	}
	f, err := c.Receive(ctx, id, 1)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f.SeqNum != 3 || f.Data.Size() != 5 {
		t.Fatalf("Receive() = %+v", f)
	}
	st, err := c.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != service.StateTransferred || st.LastSeqNum != 9 {
		t.Fatalf("Status() = %+v", st)
	}
	resp, err := c.Finish(ctx, id)
	if err != nil || string(resp) != "receipt-t-1" {
		t.Fatalf("Finish() = %q, %v", resp, err)
	}
	if err := c.Abort(ctx, id); err != nil || svc.aborted != id {
		t.Fatalf("Abort() = %v, aborted %q", err, svc.aborted)
	}
}

func TestClientErrors(t *testing.T) {
	svc := &fakeService{}
	c := NewClient(&loopback{svc: svc})
	ctx := context.Background()

	_, err := c.Begin(ctx, service.BeginRequest{Mode: service.ModeDownload})
	fe, ok := service.AsFatal(err)
	if !ok || fe.Code != service.CodeRejected {
		t.Fatalf("Begin() error = %v, want rejected", err)
	}
	if _, err := c.Receive(ctx, "t", 2); !errors.Is(err, service.ErrBusy) {
		t.Fatalf("Receive() error = %v, want ErrBusy", err)
	}
	_, err = c.Status(ctx, "gone")
	if fe, ok := service.AsFatal(err); !ok || fe.Code != service.CodeUnknownTransfer {
		t.Fatalf("Status() error = %v, want unknown_transfer", err)
	}

	svc.sendErr = errors.New("disk full")
	err = c.Send(ctx, "t", sampleFrame())
	if fe, ok := service.AsFatal(err); !ok || fe.Code != service.CodeInternal {
		t.Fatalf("Send() error = %v, want internal", err)
	}
	svc.sendErr = &service.FatalError{Code: service.CodeProtocolViolation, Message: "gap", Params: map[string]string{"seq": "4"}}
	err = c.Send(ctx, "t", sampleFrame())
	fe, ok = service.AsFatal(err)
	if !ok || fe.Params["seq"] != "4" {
		t.Fatalf("Send() error = %v, want params carried", err)
	}
	svc.sendErr = service.ErrUnavailable
	if err := c.Send(ctx, "t", sampleFrame()); !errors.Is(err, service.ErrUnavailable) {
		t.Fatalf("Send() error = %v, want ErrUnavailable", err)
	}
}

func TestClientMalformedResponses(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(resp *Message)
	}{
		{name: "wrong msg id", mangle: func(m *Message) { m.Env.MsgID = "other" }},
		{name: "wrong version", mangle: func(m *Message) { m.Env.V = 9 }},
		{name: "unexpected type", mangle: func(m *Message) { m.Env.Type = TypeBegin }},
		{name: "garbage payload", mangle: func(m *Message) { m.Env.Payload = []byte(`"x"`) }},
		{name: "unknown error kind", mangle: func(m *Message) {
			m.Env.Type = TypeError
			m.Env.Payload = []byte(`{"kind":"weird","message":"?"}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(&loopback{svc: &fakeService{}, mangle: tt.mangle})
			_, err := c.Status(context.Background(), "t")
			if !errors.Is(err, service.ErrMalformedResponse) {
				t.Fatalf("Status() error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestDispatchRejectsInvalidEnvelope(t *testing.T) {
	env, _ := NewEnvelope("teleport", "m1", nil)
	resp, err := Dispatch(context.Background(), &fakeService{}, Message{Env: env})
	if err == nil {
		t.Fatal("Dispatch() accepted unknown type")
	}
	if resp.Env.Type != TypeError || resp.Env.MsgID != "m1" {
		t.Fatalf("response = %+v", resp.Env)
	}
	var ep ErrorPayload
	if err := resp.Env.DecodePayload(&ep); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if ep.Kind != KindFatal || ep.Code != service.CodeProtocolViolation {
		t.Fatalf("error payload = %+v", ep)
	}

	env, _ = NewEnvelope(TypeSend, "m2", nil)
	p := &trackedPayload{Bytes: frame.Bytes("hello")}
	f := sampleFrame()
	f.Data = p
	_, err = Dispatch(context.Background(), &fakeService{}, Message{Env: env, Frame: f})
	if fe, ok := service.AsFatal(err); !ok || fe.Code != service.CodeProtocolViolation {
		t.Fatalf("Dispatch() without transfer id error = %v, want protocol_violation", err)
	}
	if !p.released {
		t.Fatal("frame of rejected send not released")
	}
}

type trackedPayload struct {
	frame.Bytes
	released bool
}

func (p *trackedPayload) Release() error { p.released = true; return nil }
func (p *trackedPayload) Open() (io.ReadCloser, error) {
	return p.Bytes.Open()
}

func TestDispatchReleasesStrayFrame(t *testing.T) {
	env, _ := NewEnvelope(TypeStatus, "m1", nil)
	env.TransferID = "t1"
	p := &trackedPayload{Bytes: frame.Bytes("hello")}
	f := sampleFrame()
	f.Data = p
	if _, err := Dispatch(context.Background(), &fakeService{}, Message{Env: env, Frame: f}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !p.released {
		t.Fatal("frame on status request not released")
	}
}

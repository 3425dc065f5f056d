package streamrpc

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightcomp/filetransfer-sub000/internal/spool"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// recorder keeps the payloads it is sent.
type recorder struct {
	service.Service
	mu   sync.Mutex
	sent [][]byte
}

func (r *recorder) Begin(context.Context, service.BeginRequest) (string, error) {
	return "t1", nil
}

func (r *recorder) Send(_ context.Context, id string, f *frame.Frame) error {
	defer f.Release()
	rc, err := f.OpenData()
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, data)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Status(_ context.Context, id string) (service.Status, error) {
	if id != "t1" {
		return service.Status{}, service.Fatalf(service.CodeUnknownTransfer, "transfer %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return service.Status{State: service.StateStarted, LastSeqNum: len(r.sent)}, nil
}

func dataFrame(seq int, data string) *frame.Frame {
	return &frame.Frame{
		SeqNum:   seq,
		Blocks:   []frame.Block{frame.FileData{Offset: 0, Size: int64(len(data))}},
		DataSize: int64(len(data)),
		Data:     frame.Bytes(data),
	}
}

func serve(t *testing.T, svc service.Service, opts ServerOptions) (*MockTransport, *MockTransport) {
	t.Helper()
	cl, srv := NewMockPair()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, svc, opts) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
		srv.Close()
	})
	return cl, srv
}

func TestCallRoundTrip(t *testing.T) {
	rec := &recorder{}
	cl, _ := serve(t, rec, ServerOptions{Stager: &spool.Stager{Dir: t.TempDir(), MemoryLimit: 4}})

	c := NewClient(cl, ClientOptions{})
	defer c.Close()
	svc := protocol.NewClient(c)
	ctx := context.Background()

	id, err := svc.Begin(ctx, service.BeginRequest{Mode: service.ModeUpload})
	require.NoError(t, err)
	require.Equal(t, "t1", id)

	// One payload fits in memory, the other is spooled.
	require.NoError(t, svc.Send(ctx, id, dataFrame(1, "abc")))
	require.NoError(t, svc.Send(ctx, id, dataFrame(2, "a longer payload")))

	st, err := svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, st.LastSeqNum)
	require.Equal(t, [][]byte{[]byte("abc"), []byte("a longer payload")}, rec.sent)

	_, err = svc.Status(ctx, "other")
	fe, ok := service.AsFatal(err)
	require.True(t, ok, "error = %v", err)
	require.Equal(t, service.CodeUnknownTransfer, fe.Code)
}

func TestConcurrentCalls(t *testing.T) {
	rec := &recorder{}
	cl, _ := serve(t, rec, ServerOptions{})
	c := NewClient(cl, ClientOptions{})
	defer c.Close()
	svc := protocol.NewClient(c)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Send(context.Background(), "t1", dataFrame(i, "x")))
		}()
	}
	wg.Wait()
	require.Len(t, rec.sent, 8)
}

func TestCallAfterServerClosed(t *testing.T) {
	cl, srv := serve(t, &recorder{}, ServerOptions{})
	c := NewClient(cl, ClientOptions{})
	defer c.Close()
	svc := protocol.NewClient(c)

	_, err := svc.Status(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	_, err = svc.Status(context.Background(), "t1")
	require.ErrorIs(t, err, service.ErrUnavailable)
}

func TestCallHonorsContext(t *testing.T) {
	cl, srv := NewMockPair()
	defer srv.Close()
	// Nobody serves srv: the stream is opened but never answered.
	go func() {
		conn, err := srv.Accept(context.Background())
		if err == nil {
			conn.AcceptStream(context.Background())
		}
	}()

	c := NewClient(cl, ClientOptions{})
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := protocol.NewClient(c).Status(ctx, "t1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedClient(t *testing.T) {
	cl, _ := serve(t, &recorder{}, ServerOptions{})
	c := NewClient(cl, ClientOptions{})
	require.NoError(t, c.Close())
	_, err := protocol.NewClient(c).Status(context.Background(), "t1")
	require.True(t, errors.Is(err, ErrClientClosed), "error = %v", err)
}

func TestOversizedFrameRejectedBeforeStaging(t *testing.T) {
	rec := &recorder{}
	spoolDir := t.TempDir()
	cl, _ := serve(t, rec, ServerOptions{
		Stager: &spool.Stager{Dir: spoolDir},
		Limits: protocol.Limits{MaxDataSize: 4},
	})

	c := NewClient(cl, ClientOptions{})
	defer c.Close()
	svc := protocol.NewClient(c)

	err := svc.Send(context.Background(), "t1", dataFrame(1, "0123456789"))
	fe, ok := service.AsFatal(err)
	require.True(t, ok, "error = %v", err)
	require.Equal(t, service.CodeProtocolViolation, fe.Code)
	require.Empty(t, rec.sent)
	entries, err := os.ReadDir(spoolDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The connection is still usable.
	require.NoError(t, svc.Send(context.Background(), "t1", dataFrame(1, "ok")))
}

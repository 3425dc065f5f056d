package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/server"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

var mtime = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleTree() *tree.MemDir {
	return tree.NewDir("",
		tree.NewFile("readme.md", []byte("# hello\n"), mtime),
		tree.NewDir("data",
			tree.NewFile("one.bin", bytes.Repeat([]byte{1}, 700), mtime),
			tree.NewDir("nested",
				tree.NewFile("two.bin", bytes.Repeat([]byte{2}, 301), mtime),
			),
		),
		tree.NewFile("zero", nil, mtime),
	)
}

// flaky wraps a service and injects failures into Send.
type flaky struct {
	service.Service

	mu       sync.Mutex
	attempts map[int]int
	// before runs ahead of forwarding; a non-nil error is returned
	// instead.
	before func(seq, attempt int) error
	// after runs once the server accepted the frame; a non-nil error
	// simulates a lost response.
	after    func(seq, attempt int) error
	onFinish func()
	aborts   atomic.Int32
}

func newFlaky(svc service.Service) *flaky {
	return &flaky{Service: svc, attempts: map[int]int{}}
}

func (f *flaky) Send(ctx context.Context, id string, fr *frame.Frame) error {
	f.mu.Lock()
	f.attempts[fr.SeqNum]++
	n := f.attempts[fr.SeqNum]
	f.mu.Unlock()
	if f.before != nil {
		if err := f.before(fr.SeqNum, n); err != nil {
			return err
		}
	}
	if err := f.Service.Send(ctx, id, fr); err != nil {
		return err
	}
	if f.after != nil {
		return f.after(fr.SeqNum, n)
	}
	return nil
}

func (f *flaky) Finish(ctx context.Context, id string) ([]byte, error) {
	if f.onFinish != nil {
		f.onFinish()
	}
	return f.Service.Finish(ctx, id)
}

func (f *flaky) Abort(ctx context.Context, id string) error {
	f.aborts.Add(1)
	return f.Service.Abort(ctx, id)
}

func (f *flaky) attemptsOf(seq int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[seq]
}

func uploadServer(t *testing.T, dir string, commit func() ([]byte, error)) *server.Server {
	t.Helper()
	s := server.New(server.AcceptorFunc(func(_ context.Context, id string, _ service.BeginRequest) (server.Handler, error) {
		return &server.UploadHandler{
			Dir: filepath.Join(dir, id),
			OnSuccess: func(context.Context, string, string) ([]byte, error) {
				if commit != nil {
					return commit()
				}
				return []byte("ok"), nil
			},
		}, nil
	}), server.Options{Algorithm: checksum.SHA256, CheckInterval: time.Hour})
	t.Cleanup(func() { s.Close() })
	return s
}

func testOptions() Options {
	return Options{
		Algorithm:        checksum.SHA256,
		MaxFrameDataSize: 128,
		MaxFrameBlocks:   4,
		RecoveryDelay:    time.Millisecond,
		PoolSize:         4,
	}
}

// outcome records terminal callbacks and progress.
type outcome struct {
	mu       sync.Mutex
	success  int
	canceled int
	failed   int
	resp     []byte
	err      error
	progress []Progress
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p Progress) {
			o.mu.Lock()
			o.progress = append(o.progress, p)
			o.mu.Unlock()
		},
		OnSuccess: func(resp []byte) {
			o.mu.Lock()
			o.success++
			o.resp = resp
			o.mu.Unlock()
		},
		OnCanceled: func() {
			o.mu.Lock()
			o.canceled++
			o.mu.Unlock()
		},
		OnFailed: func(err error) {
			o.mu.Lock()
			o.failed++
			o.err = err
			o.mu.Unlock()
		},
	}
}

func (o *outcome) terminal() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.success, o.canceled, o.failed
}

func wait(t *testing.T, tr *Transfer) transfer.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := tr.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return st
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		out[filepath.ToSlash(rel)] = string(data)
		return err
	})
	require.NoError(t, err)
	return out
}

func wantTree() map[string]string {
	return map[string]string{
		"readme.md":           "# hello\n",
		"data/one.bin":        string(bytes.Repeat([]byte{1}, 700)),
		"data/nested/two.bin": string(bytes.Repeat([]byte{2}, 301)),
		"zero":                "",
	}
}

func TestUploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	srv := uploadServer(t, dir, nil)
	c := New(srv, testOptions())
	defer c.Close()

	out := &outcome{}
	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFinished, st.State)
	require.Equal(t, "ok", string(st.Response))
	require.Equal(t, int64(1009), st.TransferredBytes)

	s, cn, f := out.terminal()
	require.Equal(t, [3]int{1, 0, 0}, [3]int{s, cn, f})
	require.Equal(t, "ok", string(out.resp))
	require.Equal(t, wantTree(), readTree(t, filepath.Join(dir, tr.ID())))

	require.NotEmpty(t, out.progress)
	var last int64
	for _, p := range out.progress {
		require.GreaterOrEqual(t, p.BytesDone, last, "progress went backwards")
		last = p.BytesDone
	}
	final := out.progress[len(out.progress)-1]
	require.Equal(t, int64(1009), final.BytesDone)
	require.Equal(t, 4, final.FilesDone)
}

func TestUploadEmptyTree(t *testing.T) {
	dir := t.TempDir()
	srv := uploadServer(t, dir, nil)
	c := New(srv, testOptions())
	defer c.Close()

	tr := c.Upload(context.Background(), UploadRequest{Root: tree.NewDir("")}, Callbacks{})
	st := wait(t, tr)
	require.Equal(t, service.StateFinished, st.State)
	require.Equal(t, 1, st.FrameCount)
	require.Empty(t, readTree(t, filepath.Join(dir, tr.ID())))
}

func TestCommunicationFailuresAreTransparent(t *testing.T) {
	dir := t.TempDir()
	svc := newFlaky(uploadServer(t, dir, nil))
	svc.before = func(seq, attempt int) error {
		if seq == 3 && attempt <= 3 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}
	svc.after = func(seq, attempt int) error {
		// The response to frame 2 is lost after the server applied it.
		if seq == 2 && attempt == 1 {
			return &netTimeout{}
		}
		return nil
	}
	c := New(svc, testOptions())
	defer c.Close()

	out := &outcome{}
	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFinished, st.State, "err: %v", out.err)
	require.Equal(t, 1, svc.attemptsOf(2), "frame 2 resent despite acknowledgment")
	require.Equal(t, 4, svc.attemptsOf(3))
	require.Equal(t, wantTree(), readTree(t, filepath.Join(dir, tr.ID())))
	require.Zero(t, svc.aborts.Load())
}

type netTimeout struct{}

func (*netTimeout) Error() string   { return "i/o timeout" }
func (*netTimeout) Timeout() bool   { return true }
func (*netTimeout) Temporary() bool { return true }

func TestBusyRecoveryCount(t *testing.T) {
	svc := newFlaky(uploadServer(t, t.TempDir(), nil))
	var tr atomic.Pointer[Transfer]
	ready := make(chan struct{})
	var duringRetry, afterRetry atomic.Int32
	duringRetry.Store(-1)
	afterRetry.Store(-1)
	svc.before = func(seq, attempt int) error {
		<-ready
		switch {
		case seq == 3 && attempt == 1:
			return service.ErrBusy
		case seq == 3 && attempt == 2:
			duringRetry.Store(int32(tr.Load().Status().RecoveryCount))
		case seq == 4 && attempt == 1:
			afterRetry.Store(int32(tr.Load().Status().RecoveryCount))
		}
		return nil
	}
	c := New(svc, testOptions())
	defer c.Close()

	tr.Store(c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, Callbacks{}))
	close(ready)
	st := wait(t, tr.Load())
	require.Equal(t, service.StateFinished, st.State)
	require.EqualValues(t, 1, duringRetry.Load())
	require.EqualValues(t, 0, afterRetry.Load())
}

func TestCancelDuringRetry(t *testing.T) {
	dir := t.TempDir()
	srv := uploadServer(t, dir, nil)
	svc := newFlaky(srv)
	retrying := make(chan struct{})
	var once sync.Once
	svc.before = func(seq, attempt int) error {
		if seq == 2 {
			if attempt == 2 {
				once.Do(func() { close(retrying) })
			}
			return io.EOF
		}
		return nil
	}
	opts := testOptions()
	opts.RecoveryDelay = 10 * time.Millisecond
	c := New(svc, opts)
	defer c.Close()

	out := &outcome{}
	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, out.callbacks())
	select {
	case <-retrying:
	case <-time.After(10 * time.Second):
		t.Fatal("retry loop not reached")
	}
	require.NoError(t, tr.Cancel(context.Background()))
	st := wait(t, tr)
	require.Equal(t, service.StateCanceled, st.State)

	s, cn, f := out.terminal()
	require.Equal(t, [3]int{0, 1, 0}, [3]int{s, cn, f})
	require.EqualValues(t, 1, svc.aborts.Load())

	remote, ok := srv.Snapshot(tr.ID())
	require.True(t, ok)
	require.Equal(t, service.StateAborted, remote.State)
}

func TestFatalErrorFailsOnce(t *testing.T) {
	svc := newFlaky(uploadServer(t, t.TempDir(), nil))
	svc.before = func(seq, attempt int) error {
		if seq == 2 {
			return service.Fatalf(service.CodeRejected, "quota exceeded")
		}
		return nil
	}
	c := New(svc, testOptions())
	defer c.Close()

	out := &outcome{}
	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFailed, st.State)
	require.Equal(t, 1, svc.attemptsOf(2))
	s, cn, f := out.terminal()
	require.Equal(t, [3]int{0, 0, 1}, [3]int{s, cn, f})
	fe, ok := service.AsFatal(out.err)
	require.True(t, ok, "err = %v", out.err)
	require.Equal(t, service.CodeRejected, fe.Code)
	require.EqualValues(t, 1, svc.aborts.Load())
}

func TestMaxAttemptsExhausted(t *testing.T) {
	svc := newFlaky(uploadServer(t, t.TempDir(), nil))
	svc.before = func(seq, attempt int) error { return io.ErrUnexpectedEOF }
	opts := testOptions()
	opts.MaxAttempts = 3
	c := New(svc, opts)
	defer c.Close()

	out := &outcome{}
	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFailed, st.State)
	require.Equal(t, 3, svc.attemptsOf(1))
	require.Error(t, out.err)
}

func TestFinishNotCancelable(t *testing.T) {
	release := make(chan struct{})
	srv := uploadServer(t, t.TempDir(), func() ([]byte, error) {
		<-release
		return []byte("late"), nil
	})
	svc := newFlaky(srv)
	finishing := make(chan struct{})
	var once sync.Once
	svc.onFinish = func() { once.Do(func() { close(finishing) }) }
	c := New(svc, testOptions())
	defer c.Close()

	tr := c.Upload(context.Background(), UploadRequest{Root: sampleTree()}, Callbacks{})
	<-finishing
	err := tr.Cancel(context.Background())
	require.ErrorIs(t, err, transfer.ErrNotCancelable)
	close(release)
	st := wait(t, tr)
	require.Equal(t, service.StateFinished, st.State)
	require.Equal(t, "late", string(st.Response))
	require.Zero(t, svc.aborts.Load())
}

func downloadServer(t *testing.T, root tree.Dir) *server.Server {
	t.Helper()
	s := server.New(server.AcceptorFunc(func(context.Context, string, service.BeginRequest) (server.Handler, error) {
		return &server.DownloadHandler{Root: root}, nil
	}), server.Options{
		Algorithm:        checksum.SHA256,
		CheckInterval:    time.Hour,
		MaxFrameDataSize: 100,
		MaxFrameBlocks:   3,
		LookAhead:        2,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadRoundTrip(t *testing.T) {
	srv := downloadServer(t, sampleTree())
	c := New(srv, testOptions())
	defer c.Close()

	dst := filepath.Join(t.TempDir(), "out")
	out := &outcome{}
	tr := c.Download(context.Background(), DownloadRequest{Dir: dst}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFinished, st.State, "err: %v", out.err)
	require.Equal(t, wantTree(), readTree(t, dst))

	info, err := os.Stat(filepath.Join(dst, "data", "one.bin"))
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(mtime))
	s, cn, f := out.terminal()
	require.Equal(t, [3]int{1, 0, 0}, [3]int{s, cn, f})
}

func TestDownloadCorruptedFileFails(t *testing.T) {
	bad := make([]byte, checksum.SHA256.Size())
	root := tree.NewDir("",
		tree.NewFile("good", []byte("fine"), mtime),
		tree.NewFile("bad", bytes.Repeat([]byte{9}, 250), mtime).WithChecksum(bad),
	)
	srv := downloadServer(t, root)
	c := New(srv, testOptions())
	defer c.Close()

	dst := t.TempDir()
	out := &outcome{}
	tr := c.Download(context.Background(), DownloadRequest{Dir: dst}, out.callbacks())
	st := wait(t, tr)
	require.Equal(t, service.StateFailed, st.State)
	fe, ok := service.AsFatal(out.err)
	require.True(t, ok, "err = %v", out.err)
	require.Equal(t, service.CodeProtocolViolation, fe.Code)

	_, err := os.Stat(filepath.Join(dst, "bad"))
	require.True(t, errors.Is(err, os.ErrNotExist), "corrupted file kept: %v", err)
	_, _, failed := out.terminal()
	require.Equal(t, 1, failed)
}

func TestDownloadExistingFileRejected(t *testing.T) {
	srv := downloadServer(t, sampleTree())
	c := New(srv, testOptions())
	defer c.Close()

	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "readme.md"), []byte("mine"), 0o644))
	tr := c.Download(context.Background(), DownloadRequest{Dir: dst}, Callbacks{})
	st := wait(t, tr)
	require.Equal(t, service.StateFailed, st.State)
	data, err := os.ReadFile(filepath.Join(dst, "readme.md"))
	require.NoError(t, err)
	require.Equal(t, "mine", string(data))
}

func TestContextCancelEndsTransfer(t *testing.T) {
	svc := newFlaky(uploadServer(t, t.TempDir(), nil))
	svc.before = func(seq, attempt int) error { return service.ErrBusy }
	opts := testOptions()
	opts.RecoveryDelay = time.Hour
	c := New(svc, opts)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := &outcome{}
	tr := c.Upload(ctx, UploadRequest{Root: sampleTree()}, out.callbacks())
	require.Eventually(t, func() bool { return svc.attemptsOf(1) == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	st := wait(t, tr)
	require.Equal(t, service.StateCanceled, st.State)
	require.EqualValues(t, 1, svc.aborts.Load())
}

func TestCancelDuringFinishFailureReportsFailed(t *testing.T) {
	c := New(&flaky{}, Options{})
	defer c.Close()

	m := transfer.New(transfer.ClientVariant)
	require.NoError(t, m.Transition(service.StateStarted))
	require.NoError(t, m.Transition(service.StateTransferred))
	require.NoError(t, m.RequestCancel())
	require.NoError(t, m.TransitionFrom(service.StateTransferred, service.StateFinishing))

	var canceled, failed int
	tr := &Transfer{
		c:      c,
		mode:   service.ModeUpload,
		m:      m,
		logger: c.logger,
		cb: Callbacks{
			OnCanceled: func() { canceled++ },
			OnFailed:   func(error) { failed++ },
		},
		done: make(chan struct{}),
	}
	finishErr := service.Fatalf(service.CodeFailed, "commit: disk full")
	tr.end(context.Background(), nil, finishErr)

	require.Equal(t, 0, canceled)
	require.Equal(t, 1, failed)
	require.Equal(t, service.StateFailed, m.State())
	require.ErrorIs(t, tr.err, finishErr)
}

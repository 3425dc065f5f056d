// Package client drives uploads and downloads against a service.Service,
// recovering from busy servers and lost connections.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/progress"
	"github.com/lightcomp/filetransfer-sub000/internal/recovery"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultMaxFrameDataSize = 4 * 1024 * 1024
	DefaultMaxFrameBlocks   = 1024
	DefaultAbortTimeout     = 10 * time.Second
)

// Options configure a Client.
type Options struct {
	// PoolSize bounds the frame workers shared by all transfers. Every
	// running transfer holds one worker for frame preparation or replay.
	PoolSize         int
	LookAhead        int
	MaxFrameDataSize int64
	MaxFrameBlocks   int
	Algorithm        checksum.Algorithm

	RecoveryDelay      time.Duration
	RecoveryMultiplier float64
	RecoveryMaxDelay   time.Duration
	// MaxAttempts bounds attempts per remote call. Zero retries until
	// success or cancellation.
	MaxAttempts int
	// RequestTimeout bounds every single remote call. Zero means none.
	RequestTimeout     time.Duration
	AbortTimeout       time.Duration
	CancelWaitInterval time.Duration
	ProgressInterval   time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.LookAhead < 1 {
		o.LookAhead = pipeline.DefaultLookAhead
	}
	if o.MaxFrameDataSize < 1 {
		o.MaxFrameDataSize = DefaultMaxFrameDataSize
	}
	if o.MaxFrameBlocks < 1 {
		o.MaxFrameBlocks = DefaultMaxFrameBlocks
	}
	if o.Algorithm.IsZero() {
		o.Algorithm = checksum.Default
	}
	if o.RecoveryDelay <= 0 {
		o.RecoveryDelay = recovery.DefaultDelay
	}
	if o.AbortTimeout <= 0 {
		o.AbortTimeout = DefaultAbortTimeout
	}
	if o.CancelWaitInterval <= 0 {
		o.CancelWaitInterval = transfer.DefaultWaitInterval
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = progress.DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Progress is delivered to Callbacks.OnProgress.
type Progress struct {
	ID            string
	State         service.State
	RecoveryCount int
	progress.Stats
}

// Callbacks receive transfer events. Exactly one of OnSuccess, OnCanceled
// and OnFailed runs per transfer, after the last OnProgress.
type Callbacks struct {
	OnProgress func(Progress)
	OnSuccess  func(response []byte)
	OnCanceled func()
	OnFailed   func(err error)
}

// UploadRequest describes a tree to send.
type UploadRequest struct {
	Root     tree.Dir
	Metadata map[string]string
}

// DownloadRequest describes where a received tree is written.
type DownloadRequest struct {
	Dir       string
	MergeDirs bool
	Metadata  map[string]string
}

// Client starts transfers against one service.
type Client struct {
	svc    service.Service
	opts   Options
	exec   *pipeline.Executor
	logger *slog.Logger
}

// New creates a client.
func New(svc service.Service, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		svc:    svc,
		opts:   opts,
		exec:   pipeline.NewExecutor(opts.PoolSize, 0, opts.Logger),
		logger: opts.Logger,
	}
}

// Close waits for the frame workers of running transfers to exit. Cancel
// or wait for transfers first.
func (c *Client) Close() {
	c.exec.Stop()
}

// Upload starts sending req.Root. It returns immediately; the transfer runs
// on its own goroutine until ctx is canceled or it ends.
func (c *Client) Upload(ctx context.Context, req UploadRequest, cb Callbacks) *Transfer {
	t := c.newTransfer(service.ModeUpload, cb)
	u := &uploader{t: t, root: req.Root}
	go t.run(ctx, req.Metadata, u.transfer)
	return t
}

// Download starts receiving into req.Dir.
func (c *Client) Download(ctx context.Context, req DownloadRequest, cb Callbacks) *Transfer {
	t := c.newTransfer(service.ModeDownload, cb)
	d := &downloader{t: t, dir: req.Dir, merge: req.MergeDirs}
	go t.run(ctx, req.Metadata, d.transfer)
	return t
}

func (c *Client) newTransfer(mode service.Mode, cb Callbacks) *Transfer {
	return &Transfer{
		c:        c,
		mode:     mode,
		m:        transfer.New(transfer.ClientVariant),
		cb:       cb,
		logger:   c.logger.With("mode", string(mode)),
		meter:    progress.NewMeter(),
		throttle: progress.NewThrottle(c.opts.ProgressInterval),
		done:     make(chan struct{}),
	}
}

// Transfer is a handle to one running transfer.
type Transfer struct {
	c      *Client
	mode   service.Mode
	m      *transfer.Machine
	cb     Callbacks
	logger *slog.Logger

	meter    *progress.Meter
	throttle *progress.Throttle

	idMu sync.Mutex
	id   string

	abortOnce sync.Once
	done      chan struct{}
	err       error
}

// ID returns the server-assigned id, empty until Begin succeeded.
func (t *Transfer) ID() string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return t.id
}

func (t *Transfer) setID(id string) {
	t.idMu.Lock()
	t.id = id
	t.idMu.Unlock()
	t.logger = t.logger.With("transfer_id", id)
}

// Mode returns whether this is an upload or a download.
func (t *Transfer) Mode() service.Mode { return t.mode }

// Status returns a snapshot of the local state.
func (t *Transfer) Status() transfer.Status { return t.m.Snapshot() }

// Progress returns the current progress.
func (t *Transfer) Progress() Progress {
	snap := t.m.Snapshot()
	return Progress{ID: t.ID(), State: snap.State, RecoveryCount: snap.RecoveryCount, Stats: t.meter.Snapshot()}
}

// Cancel requests cancellation and waits until the transfer is terminal.
// It fails with transfer.ErrNotCancelable once finishing has started.
func (t *Transfer) Cancel(ctx context.Context) error {
	if err := t.m.RequestCancel(); err != nil {
		return err
	}
	snap, err := t.m.WaitTerminal(ctx, t.c.opts.CancelWaitInterval)
	if err != nil {
		return err
	}
	if snap.State == service.StateFinished {
		return transfer.ErrNotCancelable
	}
	return nil
}

// Done is closed after the terminal callback returned.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer ended and returns its final status and
// failure cause.
func (t *Transfer) Wait(ctx context.Context) (transfer.Status, error) {
	select {
	case <-t.done:
		return t.m.Snapshot(), t.err
	case <-ctx.Done():
		return t.m.Snapshot(), ctx.Err()
	}
}

// run drives begin → frames → finish and ends the transfer.
func (t *Transfer) run(parent context.Context, metadata map[string]string, frames func(ctx context.Context) error) {
	defer close(t.done)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-t.m.Canceled():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	t.c.opts.Metrics.TransferStarted(metrics.SideClient, string(t.mode))
	err := t.begin(ctx, metadata)
	if err == nil {
		err = frames(ctx)
	}
	var resp []byte
	if err == nil {
		resp, err = t.finish(parent)
	}
	t.end(parent, resp, err)
	t.c.opts.Metrics.TransferEnded(metrics.SideClient, string(t.mode), t.m.State().String(), time.Since(start))
}

func (t *Transfer) runner() *recovery.Runner {
	o := t.c.opts
	return &recovery.Runner{
		Delay:       o.RecoveryDelay,
		Multiplier:  o.RecoveryMultiplier,
		MaxDelay:    o.RecoveryMaxDelay,
		MaxAttempts: o.MaxAttempts,
		Permit:      t.m.PermitRecovery,
		Interrupt:   t.m.Canceled(),
		OnNew:       func(string) { t.m.ResetRecovery() },
		OnRetry: func(oe *recovery.OperationError) {
			t.m.RecoveryStarted()
			o.Metrics.Recovery(metrics.SideClient, oe.Op, oe.Kind.String())
		},
		Logger: t.logger,
	}
}

// call applies the per-request timeout.
func (t *Transfer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.c.opts.RequestTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, t.c.opts.RequestTimeout)
	defer cancel()
	return fn(ctx)
}

func (t *Transfer) status(ctx context.Context) (service.Status, error) {
	var st service.Status
	err := t.call(ctx, func(ctx context.Context) error {
		var err error
		st, err = t.c.svc.Status(ctx, t.ID())
		return err
	})
	return st, err
}

// begin is retried without reconciliation: a server transfer created by a
// lost response fails on the server's inactivity timeout.
func (t *Transfer) begin(ctx context.Context, metadata map[string]string) error {
	req := service.BeginRequest{Mode: t.mode, Metadata: metadata}
	var id string
	err := t.runner().Run(ctx, recovery.Operation{
		Name: "begin",
		Send: func(ctx context.Context) error {
			return t.call(ctx, func(ctx context.Context) error {
				var err error
				id, err = t.c.svc.Begin(ctx, req)
				return err
			})
		},
	})
	if err != nil {
		return err
	}
	t.setID(id)
	if err := t.m.Transition(service.StateStarted); err != nil {
		return err
	}
	t.logger.Info("transfer started")
	return nil
}

// checkpoint stops frame processing once cancellation was requested.
func (t *Transfer) checkpoint() error {
	if t.m.CancelRequested() {
		return recovery.ErrCanceled
	}
	return nil
}

// acked records a frame the server confirmed.
func (t *Transfer) acked(f *frame.Frame) {
	t.m.Ack(f.SeqNum, f.DataSize)
	files := 0
	for _, b := range f.Blocks {
		if _, ok := b.(frame.FileEnd); ok {
			files++
		}
	}
	t.meter.Frame(f.DataSize, files)
	direction := metrics.DirectionSent
	if t.mode == service.ModeDownload {
		direction = metrics.DirectionReceived
	}
	t.c.opts.Metrics.Frame(metrics.SideClient, direction, f.DataSize)
	if f.Last || t.throttle.Allow() {
		t.report()
	}
}

func (t *Transfer) report() {
	if t.cb.OnProgress != nil {
		t.cb.OnProgress(t.Progress())
	}
}

// finish enters Finishing, which cannot be canceled, and commits the
// transfer on the server.
func (t *Transfer) finish(parent context.Context) ([]byte, error) {
	if err := t.checkpoint(); err != nil {
		return nil, err
	}
	if err := t.m.TransitionFrom(service.StateTransferred, service.StateFinishing); err != nil {
		return nil, err
	}
	ctx := context.WithoutCancel(parent)
	var resp []byte
	r := t.runner()
	r.Permit = nil
	r.Interrupt = nil
	err := r.Run(ctx, recovery.Operation{
		Name: "finish",
		Send: func(ctx context.Context) error {
			return t.call(ctx, func(ctx context.Context) error {
				var err error
				resp, err = t.c.svc.Finish(ctx, t.ID())
				return err
			})
		},
		Reconcile: func(ctx context.Context) (recovery.Decision, error) {
			st, err := t.status(ctx)
			if err != nil {
				return recovery.Resend, err
			}
			if err := recovery.StatusError(st); err != nil {
				return recovery.Resend, err
			}
			if st.State == service.StateFinished {
				resp = st.Response
				return recovery.Done, nil
			}
			return recovery.Resend, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := t.m.Finish(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func canceledBy(err error) bool {
	return errors.Is(err, recovery.ErrCanceled) || errors.Is(err, context.Canceled)
}

// end moves the transfer to its terminal state and runs exactly one
// terminal callback.
func (t *Transfer) end(parent context.Context, resp []byte, err error) {
	if err == nil {
		t.logger.Info("transfer finished", "bytes", t.m.Snapshot().TransferredBytes)
		if t.cb.OnSuccess != nil {
			t.cb.OnSuccess(resp)
		}
		return
	}
	t.abortRemote(parent)
	// A cancel that arrived after Finishing began cannot be honored.
	if canceledBy(err) || t.m.CancelRequested() {
		if t.m.Transition(service.StateCanceled) == nil {
			t.logger.Info("transfer canceled")
			if t.cb.OnCanceled != nil {
				t.cb.OnCanceled()
			}
			return
		}
	}
	t.err = err
	t.m.Fail(err)
	t.logger.Error("transfer failed", "error", err, "state", t.m.State().String())
	if t.cb.OnFailed != nil {
		t.cb.OnFailed(err)
	}
}

// abortRemote ends the server side at most once.
func (t *Transfer) abortRemote(parent context.Context) {
	id := t.ID()
	if id == "" {
		return
	}
	t.abortOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.c.opts.AbortTimeout)
		defer cancel()
		if err := t.c.svc.Abort(ctx, id); err != nil {
			t.logger.Debug("remote abort failed", "error", err)
		}
	})
}

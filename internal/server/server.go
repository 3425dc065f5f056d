// Package server implements the receiving and serving side of transfers
// behind the service.Service interface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightcomp/filetransfer-sub000/internal/assembler"
	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/statusstore"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

var (
	// ErrInactive is the failure cause of transfers that saw no activity
	// for the inactivity timeout.
	ErrInactive = errors.New("transfer inactive")
	// ErrShutdown is the failure cause of transfers still running at Close.
	ErrShutdown = errors.New("server shutting down")
)

// Defaults applied by New for zero Options fields.
const (
	DefaultMaxQueuedFrames  = 8
	DefaultMaxFrameDataSize = 4 * 1024 * 1024
	DefaultMaxFrameBlocks   = 1024
	DefaultInactiveTimeout  = 10 * time.Minute
	DefaultCheckInterval    = 30 * time.Second
	DefaultStatusRetention  = 10 * time.Minute
	DefaultStoreTTL         = 24 * time.Hour
)

// Options configure a Server.
type Options struct {
	PoolSize  int
	QueueLen  int
	LookAhead int
	// MaxQueuedFrames bounds uploaded frames staged ahead of replay; Send
	// reports Busy beyond it.
	MaxQueuedFrames  int
	MaxFrameDataSize int64
	MaxFrameBlocks   int
	// MaxTransfers bounds resident, non-terminal transfers; Begin reports
	// Busy beyond it. Zero means unlimited.
	MaxTransfers int
	Algorithm    checksum.Algorithm

	InactiveTimeout time.Duration
	CheckInterval   time.Duration
	// StatusRetention is how long terminal transfers stay resident before
	// their status moves to Store.
	StatusRetention time.Duration
	// StoreTTL is how long statuses are kept in Store. Negative keeps them.
	StoreTTL           time.Duration
	CancelWaitInterval time.Duration

	Store   statusstore.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Limits are the frame bounds an upload accepts.
func (o Options) Limits() protocol.Limits {
	return protocol.Limits{MaxDataSize: o.MaxFrameDataSize, MaxBlocks: o.MaxFrameBlocks}
}

func (o *Options) setDefaults() {
	if o.LookAhead < 1 {
		o.LookAhead = pipeline.DefaultLookAhead
	}
	if o.MaxQueuedFrames < 1 {
		o.MaxQueuedFrames = DefaultMaxQueuedFrames
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
	if o.InactiveTimeout == 0 {
		o.InactiveTimeout = DefaultInactiveTimeout
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.StatusRetention <= 0 {
		o.StatusRetention = DefaultStatusRetention
	}
	if o.StoreTTL == 0 {
		o.StoreTTL = DefaultStoreTTL
	}
	if o.CancelWaitInterval <= 0 {
		o.CancelWaitInterval = transfer.DefaultWaitInterval
	}
	if o.Store == nil {
		o.Store = statusstore.NewMemory(o.StoreTTL)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// session is one resident transfer.
type session interface {
	base() *base
	send(ctx context.Context, f *frame.Frame) error
	receive(ctx context.Context, seq int) (*frame.Frame, error)
	finish(ctx context.Context) ([]byte, error)
	// stop ends the transfer in state (Canceled or Aborted) once the frame
	// worker observes the request.
	stop(ctx context.Context, state service.State) error
	// cleanup releases local resources after the transfer became terminal.
	cleanup()
}

// Server keeps the resident transfers and runs their frame workers on a
// shared executor.
type Server struct {
	opts     Options
	acceptor Acceptor
	exec     *pipeline.Executor
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]session

	stopCh    chan struct{}
	stopOnce  sync.Once
	sweeperWG sync.WaitGroup
}

// New creates a server and starts its inactivity checker.
func New(acceptor Acceptor, opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		opts:     opts,
		acceptor: acceptor,
		exec:     pipeline.NewExecutor(opts.PoolSize, opts.QueueLen, opts.Logger),
		logger:   opts.Logger,
		sessions: make(map[string]session),
		stopCh:   make(chan struct{}),
	}
	s.sweeperWG.Add(1)
	go s.sweepLoop()
	return s
}

// Begin accepts a new transfer and moves it to Started.
func (s *Server) Begin(ctx context.Context, req service.BeginRequest) (string, error) {
	if s.opts.MaxTransfers > 0 && s.activeCount() >= s.opts.MaxTransfers {
		return "", service.ErrBusy
	}
	id := uuid.NewString()
	h, err := s.acceptor.Accept(ctx, id, req)
	if err != nil {
		if errors.Is(err, service.ErrBusy) {
			return "", err
		}
		if _, ok := service.AsFatal(err); ok {
			return "", err
		}
		return "", service.Fatalf(service.CodeRejected, "%v", err)
	}
	if h == nil || h.Mode() != req.Mode {
		return "", service.Fatalf(service.CodeRejected, "no handler for mode %q", req.Mode)
	}

	logger := s.logger.With("transfer_id", id, "mode", string(req.Mode))
	var sess session
	switch h := h.(type) {
	case *UploadHandler:
		sess, err = s.newUpload(id, h, logger)
	case *DownloadHandler:
		sess, err = s.newDownload(id, h, logger)
	default:
		err = fmt.Errorf("unsupported handler %T", h)
	}
	if err != nil {
		return "", service.Fatalf(service.CodeInternal, "%v", err)
	}

	b := sess.base()
	if err := b.m.Transition(service.StateStarted); err != nil {
		return "", service.Fatalf(service.CodeInternal, "%v", err)
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.opts.Metrics.TransferStarted(metrics.SideServer, string(req.Mode))
	go s.watch(sess)
	logger.Info("transfer started", "metadata", req.Metadata)
	return id, nil
}

func (s *Server) lookup(id string) (session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, service.Fatalf(service.CodeUnknownTransfer, "transfer %s", id)
	}
	return sess, nil
}

// Send stages one uploaded frame. The server owns f's payload from here on.
func (s *Server) Send(ctx context.Context, id string, f *frame.Frame) error {
	sess, err := s.lookup(id)
	if err != nil {
		f.Release()
		return err
	}
	return sess.send(ctx, f)
}

// Receive returns frame seq of a download. The returned payload stays
// owned by the server.
func (s *Server) Receive(ctx context.Context, id string, seq int) (*frame.Frame, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return sess.receive(ctx, seq)
}

// Status reports a resident transfer, or falls back to the status store.
func (s *Server) Status(ctx context.Context, id string) (service.Status, error) {
	sess, err := s.lookup(id)
	if err == nil {
		return sess.base().m.Snapshot().Wire(), nil
	}
	st, storeErr := s.opts.Store.Get(ctx, id)
	if errors.Is(storeErr, statusstore.ErrNotFound) {
		return service.Status{}, err
	}
	if storeErr != nil {
		return service.Status{}, fmt.Errorf("status store: %w: %w", service.ErrUnavailable, storeErr)
	}
	return st, nil
}

// Finish commits a fully transferred transfer.
func (s *Server) Finish(ctx context.Context, id string) ([]byte, error) {
	sess, err := s.lookup(id)
	if err != nil {
		st, storeErr := s.opts.Store.Get(ctx, id)
		if storeErr == nil && st.State == service.StateFinished {
			return st.Response, nil
		}
		return nil, err
	}
	return sess.finish(ctx)
}

// Abort ends a transfer on the client's request and waits until it is
// terminal.
func (s *Server) Abort(ctx context.Context, id string) error {
	return s.terminate(ctx, id, service.StateAborted)
}

// Cancel ends a transfer locally and waits until it is terminal.
func (s *Server) Cancel(ctx context.Context, id string) error {
	return s.terminate(ctx, id, service.StateCanceled)
}

func (s *Server) terminate(ctx context.Context, id string, state service.State) error {
	sess, err := s.lookup(id)
	if err != nil {
		st, storeErr := s.opts.Store.Get(ctx, id)
		if storeErr == nil && (st.State == service.StateAborted || st.State == service.StateCanceled) {
			return nil
		}
		return err
	}
	b := sess.base()
	if st := b.m.State(); st == service.StateAborted || st == service.StateCanceled {
		return nil
	}
	if err := b.m.RequestCancel(); err != nil {
		return service.Fatalf(service.CodeIllegalState, "%v", err)
	}
	if err := sess.stop(ctx, state); err != nil {
		return err
	}
	snap, err := b.m.WaitTerminal(ctx, s.opts.CancelWaitInterval)
	if err != nil {
		return err
	}
	if snap.State == service.StateFailed {
		return service.Fatalf(service.CodeFailed, "transfer failed: %v", snap.Err)
	}
	return nil
}

// Snapshot returns the local status of a resident transfer.
func (s *Server) Snapshot(id string) (transfer.Status, bool) {
	sess, err := s.lookup(id)
	if err != nil {
		return transfer.Status{}, false
	}
	return sess.base().m.Snapshot(), true
}

func (s *Server) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.base().m.State().Terminal() {
			n++
		}
	}
	return n
}

// watch runs the terminal callbacks exactly once per transfer.
func (s *Server) watch(sess session) {
	b := sess.base()
	<-b.m.Done()
	snap := b.m.Snapshot()
	b.setEnded(time.Now())
	sess.cleanup()

	switch snap.State {
	case service.StateCanceled, service.StateAborted:
		b.logger.Info("transfer canceled", "state", snap.State.String())
		if b.cb.OnCanceled != nil {
			b.cb.OnCanceled(b.id)
		}
	case service.StateFailed:
		b.logger.Error("transfer failed", "error", snap.Err)
		if b.cb.OnFailed != nil {
			b.cb.OnFailed(b.id, snap.Err)
		}
	case service.StateFinished:
		b.logger.Info("transfer finished", "frames", snap.FrameCount, "bytes", snap.TransferredBytes)
	}
	s.opts.Metrics.TransferEnded(metrics.SideServer, string(b.mode), snap.State.String(), time.Since(snap.StartedAt))
}

func (s *Server) sweepLoop() {
	defer s.sweeperWG.Done()
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep fails inactive transfers and evicts terminal ones past retention.
func (s *Server) sweep(now time.Time) {
	s.mu.RLock()
	sessions := make([]session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	ctx := context.Background()
	for _, sess := range sessions {
		b := sess.base()
		if b.m.Idle(s.opts.InactiveTimeout) {
			if b.m.Fail(fmt.Errorf("%w for %s", ErrInactive, s.opts.InactiveTimeout)) {
				b.logger.Warn("transfer inactive, failing", "timeout", s.opts.InactiveTimeout)
			}
			continue
		}
		ended, ok := b.endedAt()
		if !ok || now.Sub(ended) < s.opts.StatusRetention {
			continue
		}
		s.evict(ctx, b)
	}
	if s.opts.StoreTTL > 0 {
		if n, err := s.opts.Store.Cleanup(ctx, now.Add(-s.opts.StoreTTL)); err != nil {
			s.logger.Warn("status store cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("status store cleanup", "removed", n)
		}
	}
}

func (s *Server) evict(ctx context.Context, b *base) {
	if err := s.opts.Store.Put(ctx, b.id, b.m.Snapshot().Wire()); err != nil {
		b.logger.Warn("failed to store transfer status", "error", err)
		return
	}
	s.mu.Lock()
	delete(s.sessions, b.id)
	s.mu.Unlock()
	b.logger.Debug("transfer evicted")
}

// Close fails running transfers, waits for frame workers and stores the
// status of every resident transfer.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.sweeperWG.Wait()

		s.mu.RLock()
		sessions := make([]session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.RUnlock()

		for _, sess := range sessions {
			sess.base().m.Fail(ErrShutdown)
		}
		s.exec.Stop()
		ctx := context.Background()
		for _, sess := range sessions {
			b := sess.base()
			<-b.m.Done()
			s.evict(ctx, b)
		}
	})
	return nil
}

// base is the state shared by upload and download sessions.
type base struct {
	id     string
	mode   service.Mode
	m      *transfer.Machine
	cb     Callbacks
	srv    *Server
	logger *slog.Logger

	endMu sync.Mutex
	ended time.Time
}

func (b *base) setEnded(t time.Time) {
	b.endMu.Lock()
	defer b.endMu.Unlock()
	b.ended = t
}

func (b *base) endedAt() (time.Time, bool) {
	b.endMu.Lock()
	defer b.endMu.Unlock()
	return b.ended, !b.ended.IsZero()
}

// checkSeq validates an incoming sequence number, failing the transfer on
// protocol violations.
func (b *base) checkSeq(seq int) (bool, error) {
	redelivery, err := b.m.CheckSeq(seq)
	if err == nil {
		return redelivery, nil
	}
	if errors.Is(err, transfer.ErrOutOfOrder) {
		fe := violation(err)
		b.m.Fail(fe)
		return false, fe
	}
	return false, b.stateError(err)
}

// stateError reports an operation that is illegal in the current state.
func (b *base) stateError(err error) error {
	snap := b.m.Snapshot()
	if snap.State == service.StateFailed && snap.Err != nil {
		if fe, ok := service.AsFatal(snap.Err); ok {
			return fe
		}
		return service.Fatalf(service.CodeFailed, "%v", snap.Err)
	}
	return service.Fatalf(service.CodeIllegalState, "%v", err)
}

// finishWith runs the commit callback in Finishing. It is shared by both
// modes; from is the state a finish is legal in.
func (b *base) finishWith(ctx context.Context, commit func(ctx context.Context) ([]byte, error), from ...service.State) ([]byte, error) {
	snap := b.m.Snapshot()
	switch snap.State {
	case service.StateFinishing:
		return nil, service.ErrBusy
	case service.StateFinished:
		return snap.Response, nil
	}
	legal := false
	for _, st := range from {
		if snap.State == st {
			legal = true
			if err := b.m.TransitionFrom(st, service.StateFinishing); err != nil {
				return nil, b.stateError(err)
			}
			break
		}
	}
	if !legal {
		return nil, b.stateError(fmt.Errorf("finish while %s", snap.State))
	}

	var resp []byte
	if commit != nil {
		var err error
		resp, err = commit(context.WithoutCancel(ctx))
		if err != nil {
			fe := service.Fatalf(service.CodeFailed, "commit: %v", err)
			b.m.Fail(fe)
			return nil, fe
		}
	}
	if err := b.m.Finish(resp); err != nil {
		return nil, b.stateError(err)
	}
	return resp, nil
}

func violation(err error) *service.FatalError {
	return service.Fatalf(service.CodeProtocolViolation, "%v", err)
}

// replayError converts an assembler failure to the error the transfer
// fails with.
func replayError(err error) *service.FatalError {
	if errors.Is(err, assembler.ErrViolation) {
		return violation(err)
	}
	return service.Fatalf(service.CodeFailed, "%v", err)
}

var _ service.Service = (*Server)(nil)

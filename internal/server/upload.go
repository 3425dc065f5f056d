package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lightcomp/filetransfer-sub000/internal/assembler"
	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// upload receives frames from the client. Send stages a frame and returns;
// a replay task on the executor applies staged frames to the assembler.
type upload struct {
	b   base
	h   *UploadHandler
	asm *assembler.Assembler

	sendMu sync.Mutex // serializes Send calls

	mu        sync.Mutex
	queue     *pipeline.Queue[*frame.Frame]
	replaying bool
	gotLast   bool
	cleaned   bool
	stopping  bool
	stopState service.State
}

func (s *Server) newUpload(id string, h *UploadHandler, logger *slog.Logger) (*upload, error) {
	asm, err := assembler.New(h.Dir, assembler.Options{
		Algorithm: s.opts.Algorithm,
		MergeDirs: h.MergeDirs,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &upload{
		b: base{
			id:     id,
			mode:   service.ModeUpload,
			m:      transfer.New(transfer.ServerUploadVariant),
			cb:     h.Callbacks,
			srv:    s,
			logger: logger,
		},
		h:     h,
		asm:   asm,
		queue: pipeline.NewQueue[*frame.Frame](s.opts.MaxQueuedFrames),
	}, nil
}

func (u *upload) base() *base { return &u.b }

func (u *upload) send(ctx context.Context, f *frame.Frame) error {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	err := f.Validate()
	if err == nil {
		err = u.b.srv.opts.Limits().Check(f)
	}
	if err != nil {
		f.Release()
		fe := violation(err)
		u.b.m.Fail(fe)
		return fe
	}
	redelivery, err := u.b.checkSeq(f.SeqNum)
	if err != nil {
		f.Release()
		return err
	}
	if redelivery {
		f.Release()
		u.b.logger.Debug("frame re-delivered", "seq", f.SeqNum)
		return nil
	}

	u.mu.Lock()
	if !u.queue.TryPush(f) {
		u.mu.Unlock()
		f.Release()
		return service.ErrBusy
	}
	if f.Last {
		u.gotLast = true
	}
	u.b.m.Ack(f.SeqNum, f.DataSize)
	startReplay := !u.replaying
	if startReplay {
		u.replaying = true
	}
	u.mu.Unlock()

	u.b.srv.opts.Metrics.Frame(metrics.SideServer, metrics.DirectionReceived, f.DataSize)
	if startReplay {
		if err := u.b.srv.exec.Submit(ctx, u.replay); err != nil {
			u.mu.Lock()
			u.replaying = false
			u.mu.Unlock()
			u.b.m.Fail(err)
			return service.Fatalf(service.CodeInternal, "schedule replay: %v", err)
		}
	}
	return nil
}

// replay applies staged frames until the queue is empty.
func (u *upload) replay() {
	for {
		u.mu.Lock()
		if u.b.m.State().Terminal() {
			u.replaying = false
			u.cleanupLocked()
			u.mu.Unlock()
			return
		}
		if u.stopping {
			u.replaying = false
			u.b.m.Transition(u.stopState)
			u.mu.Unlock()
			return
		}
		f, ok := u.queue.TryPop()
		if !ok {
			u.replaying = false
			u.mu.Unlock()
			return
		}
		u.mu.Unlock()

		if err := u.asm.Process(f); err != nil {
			u.b.m.Fail(replayError(err))
			continue
		}
		u.b.m.Touch()
		if f.Last {
			u.completed()
		}
	}
}

// completed runs after the last frame has been applied.
func (u *upload) completed() {
	if err := u.b.m.TransitionFrom(service.StateStarted, service.StateTransferred); err != nil {
		u.b.logger.Debug("transfer left started before completion", "error", err)
		return
	}
	stats := u.asm.Stats()
	u.b.logger.Info("all frames applied", "files", stats.Files, "dirs", stats.Dirs, "bytes", stats.Bytes)
	if u.h.Prepare == nil {
		return
	}
	if err := u.h.Prepare(context.Background(), u.b.id, u.asm.Root()); err != nil {
		u.b.m.Fail(service.Fatalf(service.CodeRejected, "prepare: %v", err))
		return
	}
	if err := u.b.m.Transition(service.StatePrepared); err != nil {
		u.b.logger.Debug("prepare finished after transfer ended", "error", err)
	}
}

func (u *upload) receive(context.Context, int) (*frame.Frame, error) {
	return nil, service.Fatalf(service.CodeIllegalState, "receive on upload transfer")
}

func (u *upload) finish(ctx context.Context) ([]byte, error) {
	switch u.b.m.State() {
	case service.StateStarted:
		u.mu.Lock()
		gotLast := u.gotLast
		u.mu.Unlock()
		if gotLast {
			// Last frame staged but not yet applied.
			return nil, service.ErrBusy
		}
	case service.StateTransferred:
		if u.h.Prepare != nil {
			// Prepare is still running.
			return nil, service.ErrBusy
		}
	}
	var commit func(ctx context.Context) ([]byte, error)
	if u.h.OnSuccess != nil {
		commit = func(ctx context.Context) ([]byte, error) {
			return u.h.OnSuccess(ctx, u.b.id, u.asm.Root())
		}
	}
	from := []service.State{service.StateTransferred}
	if u.h.Prepare != nil {
		from = []service.State{service.StatePrepared}
	}
	return u.b.finishWith(ctx, commit, from...)
}

func (u *upload) stop(_ context.Context, state service.State) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.replaying {
		u.stopping = true
		u.stopState = state
		return nil
	}
	if err := u.b.m.Transition(state); err != nil && !u.b.m.State().Terminal() {
		return service.Fatalf(service.CodeIllegalState, "%v", err)
	}
	return nil
}

func (u *upload) cleanup() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.replaying {
		u.cleanupLocked()
	}
}

// cleanupLocked releases staged frames and removes a partial file. The
// replay task runs it instead when it is active.
func (u *upload) cleanupLocked() {
	if u.cleaned {
		return
	}
	u.cleaned = true
	for _, f := range u.queue.Drain() {
		f.Release()
	}
	u.queue.Close()
	if u.b.m.State() != service.StateFinished {
		if err := u.asm.Abort(); err != nil {
			u.b.logger.Warn("failed to remove partial file", "error", err)
		}
	}
}

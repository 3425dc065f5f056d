package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightcomp/filetransfer-sub000/internal/chunker"
	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// download serves frames to the client. A producer task on the executor
// builds up to LookAhead frames ahead of the client's requests.
type download struct {
	b base
	h *DownloadHandler
	c *chunker.Chunker

	recvMu sync.Mutex // serializes Receive calls
	last   *frame.Frame

	mu        sync.Mutex
	queue     *pipeline.Queue[*frame.Frame]
	producing bool
	drained   bool
	cleaned   bool
	stopping  bool
	stopState service.State
}

func (s *Server) newDownload(id string, h *DownloadHandler, logger *slog.Logger) (*download, error) {
	if h.Root == nil {
		return nil, fmt.Errorf("download handler without root")
	}
	d := &download{
		b: base{
			id:     id,
			mode:   service.ModeDownload,
			m:      transfer.New(transfer.ServerDownloadVariant),
			cb:     h.Callbacks,
			srv:    s,
			logger: logger,
		},
		h:     h,
		c:     chunker.New(h.Root, s.opts.Algorithm, chunker.WithLogger(logger)),
		queue: pipeline.NewQueue[*frame.Frame](s.opts.LookAhead),
	}
	d.producing = true
	if !s.exec.TrySubmit(d.produce) {
		go func() {
			if err := s.exec.Submit(context.Background(), d.produce); err != nil {
				d.mu.Lock()
				d.producing = false
				d.mu.Unlock()
				d.b.m.Fail(err)
			}
		}()
	}
	return d, nil
}

func (d *download) base() *base { return &d.b }

// produce fills the look-ahead queue and returns once it is full, the
// tree is drained or the transfer stops.
func (d *download) produce() {
	opts := d.b.srv.opts
	for {
		d.mu.Lock()
		if d.b.m.State().Terminal() {
			d.producing = false
			d.cleanupLocked()
			d.mu.Unlock()
			return
		}
		if d.stopping {
			d.producing = false
			d.b.m.Transition(d.stopState)
			d.mu.Unlock()
			return
		}
		if d.drained || d.queue.Len() >= d.queue.Cap() {
			d.producing = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		f, err := d.c.Build(opts.MaxFrameDataSize, opts.MaxFrameBlocks)
		if err != nil {
			d.b.m.Fail(service.Fatalf(service.CodeFailed, "build frame: %v", err))
			continue
		}
		d.mu.Lock()
		d.queue.TryPush(f)
		d.drained = f.Last
		d.mu.Unlock()
	}
}

// ensureProducer restarts the producer after the client consumed a frame.
func (d *download) ensureProducer() {
	d.mu.Lock()
	if d.producing || d.drained || d.stopping {
		d.mu.Unlock()
		return
	}
	d.producing = true
	d.mu.Unlock()
	if !d.b.srv.exec.TrySubmit(d.produce) {
		// Executor saturated; the next Receive retries.
		d.mu.Lock()
		d.producing = false
		d.mu.Unlock()
	}
}

func (d *download) receive(_ context.Context, seq int) (*frame.Frame, error) {
	d.recvMu.Lock()
	defer d.recvMu.Unlock()

	redelivery, err := d.b.checkSeq(seq)
	if err != nil {
		return nil, err
	}
	if redelivery {
		d.b.logger.Debug("frame re-delivered", "seq", seq)
		return d.last, nil
	}

	f, ok := d.queue.TryPop()
	if !ok {
		d.ensureProducer()
		return nil, service.ErrBusy
	}
	if f.SeqNum != seq {
		fe := violation(fmt.Errorf("prepared frame %d, requested %d", f.SeqNum, seq))
		d.b.m.Fail(fe)
		return nil, fe
	}
	if d.last != nil {
		d.last.Release()
	}
	d.last = f
	d.b.m.Ack(seq, f.DataSize)
	d.b.srv.opts.Metrics.Frame(metrics.SideServer, metrics.DirectionSent, f.DataSize)
	if f.Last {
		if err := d.b.m.TransitionFrom(service.StateStarted, service.StateTransferred); err != nil {
			return nil, d.b.stateError(err)
		}
		stats := d.c.Stats()
		d.b.logger.Info("all frames served", "frames", stats.Frames, "files", stats.Files, "bytes", stats.Bytes)
	} else {
		d.ensureProducer()
	}
	return f, nil
}

func (d *download) send(_ context.Context, f *frame.Frame) error {
	f.Release()
	return service.Fatalf(service.CodeIllegalState, "send on download transfer")
}

func (d *download) finish(ctx context.Context) ([]byte, error) {
	var commit func(ctx context.Context) ([]byte, error)
	if d.h.OnSuccess != nil {
		commit = func(ctx context.Context) ([]byte, error) {
			return d.h.OnSuccess(ctx, d.b.id)
		}
	}
	return d.b.finishWith(ctx, commit, service.StateTransferred)
}

func (d *download) stop(_ context.Context, state service.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.producing {
		d.stopping = true
		d.stopState = state
		return nil
	}
	if err := d.b.m.Transition(state); err != nil && !d.b.m.State().Terminal() {
		return service.Fatalf(service.CodeIllegalState, "%v", err)
	}
	return nil
}

func (d *download) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.producing {
		d.cleanupLocked()
	}
}

func (d *download) cleanupLocked() {
	if d.cleaned {
		return
	}
	d.cleaned = true
	for _, f := range d.queue.Drain() {
		f.Release()
	}
	d.queue.Close()
	d.c.Close()
}

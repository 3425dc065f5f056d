package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightcomp/filetransfer-sub000/internal/assembler"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/recovery"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

type downloader struct {
	t     *Transfer
	dir   string
	merge bool
}

func (d *downloader) transfer(ctx context.Context) error {
	t := d.t
	o := t.c.opts
	asm, err := assembler.New(d.dir, assembler.Options{
		Algorithm: o.Algorithm,
		MergeDirs: d.merge,
		Logger:    t.logger,
	})
	if err != nil {
		return service.Fatalf(service.CodeFailed, "%v", err)
	}
	t.meter.Start(0, 0)

	// Received frames are applied by a worker while the next one is
	// requested; the first failure stops the worker.
	queue := pipeline.NewQueue[*frame.Frame](o.LookAhead)
	replayed := make(chan error, 1)
	broken := make(chan struct{})
	replay := func() {
		var failed error
		for {
			f, err := queue.Pop(context.Background())
			if errors.Is(err, pipeline.ErrClosed) {
				replayed <- failed
				return
			}
			if failed != nil {
				f.Release()
				continue
			}
			if err := asm.Process(f); err != nil {
				failed = err
				close(broken)
			}
		}
	}
	if err := t.c.exec.Submit(ctx, replay); err != nil {
		return err
	}
	closed := false
	finish := func() error {
		if !closed {
			closed = true
			queue.Close()
		}
		return <-replayed
	}
	defer func() {
		if !closed {
			finish()
		}
		if !asm.Done() {
			if err := asm.Abort(); err != nil {
				t.logger.Warn("failed to remove partial file", "error", err)
			}
		}
	}()

	for seq := 1; ; seq++ {
		if err := t.checkpoint(); err != nil {
			return err
		}
		select {
		case <-broken:
			return service.Fatalf(service.CodeProtocolViolation, "apply frames: %v", finish())
		default:
		}
		f, err := d.receive(ctx, seq)
		if err != nil {
			return err
		}
		t.acked(f)
		if err := queue.Push(ctx, f); err != nil {
			f.Release()
			return err
		}
		if f.Last {
			break
		}
	}
	if err := finish(); err != nil {
		return service.Fatalf(service.CodeProtocolViolation, "apply frames: %v", err)
	}
	if err := t.m.TransitionFrom(service.StateStarted, service.StateTransferred); err != nil {
		return err
	}
	stats := asm.Stats()
	t.logger.Info("all frames received", "frames", stats.Frames, "files", stats.Files, "bytes", stats.Bytes)
	return nil
}

func (d *downloader) receive(ctx context.Context, seq int) (*frame.Frame, error) {
	t := d.t
	id := t.ID()
	var f *frame.Frame
	err := t.runner().Run(ctx, recovery.Operation{
		Name: "receive",
		Send: func(ctx context.Context) error {
			return t.call(ctx, func(ctx context.Context) error {
				got, err := t.c.svc.Receive(ctx, id, seq)
				if err != nil {
					return err
				}
				if got.SeqNum != seq {
					got.Release()
					return service.Fatalf(service.CodeProtocolViolation, "received frame %d, requested %d", got.SeqNum, seq)
				}
				if err := got.Validate(); err != nil {
					got.Release()
					return service.Fatalf(service.CodeProtocolViolation, "frame %d: %v", seq, err)
				}
				f = got
				return nil
			})
		},
		Reconcile: recovery.RedeliveryReconciler(t.status, seq),
	})
	if err != nil {
		return nil, fmt.Errorf("receive frame %d: %w", seq, err)
	}
	return f, nil
}

package client

import (
	"context"
	"fmt"

	"github.com/lightcomp/filetransfer-sub000/internal/chunker"
	"github.com/lightcomp/filetransfer-sub000/internal/pipeline"
	"github.com/lightcomp/filetransfer-sub000/internal/recovery"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

type uploader struct {
	t    *Transfer
	root tree.Dir
}

// built is one prepared frame or the error that stopped preparation.
type built struct {
	f   *frame.Frame
	err error
}

func (u *uploader) transfer(ctx context.Context) error {
	t := u.t
	o := t.c.opts
	sum, err := tree.Summarize(u.root)
	if err != nil {
		return service.Fatalf(service.CodeFailed, "scan source: %v", err)
	}
	t.meter.Start(sum.TotalBytes, sum.FileCount)
	t.logger.Info("uploading", "files", sum.FileCount, "dirs", sum.FolderCount, "bytes", sum.TotalBytes)

	c := chunker.New(u.root, o.Algorithm, chunker.WithLogger(t.logger))
	queue := pipeline.NewQueue[built](o.LookAhead)
	pctx, stop := context.WithCancel(ctx)
	produced := make(chan struct{})
	prepare := func() {
		defer close(produced)
		for {
			f, err := c.Build(o.MaxFrameDataSize, o.MaxFrameBlocks)
			if err := queue.Push(pctx, built{f, err}); err != nil {
				f.Release()
				return
			}
			if err != nil || f.Last {
				return
			}
		}
	}
	if err := t.c.exec.Submit(ctx, prepare); err != nil {
		stop()
		c.Close()
		return err
	}
	defer func() {
		stop()
		queue.Close()
		<-produced
		for _, b := range queue.Drain() {
			b.f.Release()
		}
		c.Close()
	}()

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}
		b, err := queue.Pop(ctx)
		if err != nil {
			return err
		}
		if b.err != nil {
			return service.Fatalf(service.CodeFailed, "prepare frame: %v", b.err)
		}
		if err := u.send(ctx, b.f); err != nil {
			b.f.Release()
			return err
		}
		t.acked(b.f)
		b.f.Release()
		if b.f.Last {
			break
		}
	}
	if err := t.m.TransitionFrom(service.StateStarted, service.StateTransferred); err != nil {
		return err
	}
	stats := c.Stats()
	t.logger.Info("all frames sent", "frames", stats.Frames, "files", stats.Files, "bytes", stats.Bytes)
	return nil
}

func (u *uploader) send(ctx context.Context, f *frame.Frame) error {
	t := u.t
	id := t.ID()
	err := t.runner().Run(ctx, recovery.Operation{
		Name: "send",
		Send: func(ctx context.Context) error {
			return t.call(ctx, func(ctx context.Context) error {
				return t.c.svc.Send(ctx, id, f)
			})
		},
		Reconcile: recovery.SeqReconciler(t.status, f.SeqNum),
	})
	if err != nil {
		return fmt.Errorf("send frame %d: %w", f.SeqNum, err)
	}
	return nil
}

package streamrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// ServerOptions configures Serve.
type ServerOptions struct {
	// Stager copies send payloads off the stream; nil reads them into memory.
	Stager protocol.Stager
	// IdleTimeout closes a stream whose request has not arrived in time.
	// Zero disables the limit.
	IdleTimeout time.Duration
	// Limits reject oversized frames before their payload is staged.
	Limits  protocol.Limits
	Metrics *metrics.Metrics
	Logger      *slog.Logger
}

// Serve accepts connections from l and answers every stream opened on them
// with one call to svc. It returns when ctx is canceled or l fails.
func Serve(ctx context.Context, l Listener, svc service.Service, opts ServerOptions) error {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		opts.Logger.Debug("connection accepted", "remote_addr", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, svc, opts)
		}()
	}
}

func serveConn(ctx context.Context, conn Conn, svc service.Service, opts ServerOptions) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				opts.Logger.Debug("accept stream failed", "remote_addr", remote, "error", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleStream(ctx, s, svc, opts, remote)
		}()
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// interrupt unblocks pending reads and writes on s.
func interrupt(s Stream) {
	if dl, ok := s.(deadliner); ok {
		_ = dl.SetDeadline(time.Now())
		return
	}
	s.Close()
}

// readCloser is implemented by streams that can stop receiving while
// still sending.
type readCloser interface {
	CloseRead() error
}

// reject answers a request whose frame exceeds the limits without reading
// its payload.
func reject(s Stream, req protocol.Message, cause error, opts ServerOptions, remote string) {
	opts.Logger.Warn("rejected oversized frame",
		"transfer_id", req.Env.TransferID,
		"remote_addr", remote,
		"error", cause)
	if rc, ok := s.(readCloser); ok {
		_ = rc.CloseRead()
	}
	fe := service.Fatalf(service.CodeProtocolViolation, "%v", cause)
	opts.Metrics.RPC(req.Env.Type, fe, 0)
	if err := protocol.WriteMessage(s, protocol.ErrorResponse(req.Env, fe)); err != nil {
		opts.Logger.Debug("write rejection failed", "remote_addr", remote, "error", err)
	}
}

func handleStream(ctx context.Context, s Stream, svc service.Service, opts ServerOptions, remote string) {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { interrupt(s) })
	defer stop()

	dl, _ := s.(deadliner)
	if dl != nil && opts.IdleTimeout > 0 {
		_ = dl.SetDeadline(time.Now().Add(opts.IdleTimeout))
	}
	req, err := protocol.ReadLimited(s, opts.Stager, opts.Limits)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		reject(s, req, err, opts, remote)
		return
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			opts.Logger.Debug("read request failed", "remote_addr", remote, "error", err)
		}
		return
	}
	if dl != nil {
		_ = dl.SetDeadline(time.Time{})
	}

	start := time.Now()
	resp, callErr := protocol.Dispatch(ctx, svc, req)
	opts.Metrics.RPC(req.Env.Type, callErr, time.Since(start))
	if callErr != nil {
		opts.Logger.Debug("call failed",
			"type", req.Env.Type,
			"transfer_id", req.Env.TransferID,
			"error", callErr)
	}

	if err := protocol.WriteMessage(s, resp); err != nil {
		opts.Logger.Debug("write response failed",
			"type", req.Env.Type,
			"transfer_id", req.Env.TransferID,
			"remote_addr", remote,
			"error", err)
	}
}

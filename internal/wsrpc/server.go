// Package wsrpc carries protocol messages over WebSocket connections. Each
// call is one binary message each way; a connection serves its calls in
// order.
package wsrpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

const (
	// DefaultIdleTimeout closes a connection without traffic or pongs.
	DefaultIdleTimeout = 2 * time.Minute

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// HandlerOptions configures Handler.
type HandlerOptions struct {
	// Stager copies send payloads off the connection; nil reads them into
	// memory.
	Stager protocol.Stager
	// MaxMessageSize bounds one request; zero means no limit.
	MaxMessageSize int64
	// Limits reject oversized frames before their payload is staged.
	Limits protocol.Limits
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler returns an http.Handler that upgrades requests to WebSocket and
// answers calls against svc until the connection closes.
func Handler(svc service.Service, opts HandlerOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		serveConn(r.Context(), conn, svc, opts)
	})
}

func serveConn(ctx context.Context, conn *websocket.Conn, svc service.Service, opts HandlerOptions) {
	// Calls outlive the request context only until the connection closes.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	logger := opts.Logger.With("remote_addr", conn.RemoteAddr().String())

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		writeMu.Unlock()
		return err
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
			}
		}
	}()

	logger.Debug("websocket connected")
	for {
		messageType, r, err := conn.NextReader()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			logger.Warn("ignoring non-binary message", "message_type", messageType)
			continue
		}

		req, err := protocol.ReadLimited(r, opts.Stager, opts.Limits)
		var (
			resp    protocol.Message
			callErr error
		)
		switch {
		case errors.Is(err, protocol.ErrFrameTooLarge):
			// The rest of the message is discarded by the next NextReader.
			logger.Warn("rejected oversized frame", "transfer_id", req.Env.TransferID, "error", err)
			callErr = service.Fatalf(service.CodeProtocolViolation, "%v", err)
			resp = protocol.ErrorResponse(req.Env, callErr)
			opts.Metrics.RPC(req.Env.Type, callErr, 0)
		case err != nil:
			logger.Warn("invalid request", "error", err)
			return
		default:
			// No deadline while the call runs; the client bounds it.
			conn.SetReadDeadline(time.Time{})

			start := time.Now()
			resp, callErr = protocol.Dispatch(ctx, svc, req)
			opts.Metrics.RPC(req.Env.Type, callErr, time.Since(start))
			if callErr != nil {
				logger.Debug("call failed", "type", req.Env.Type, "transfer_id", req.Env.TransferID, "error", callErr)
			}
		}

		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = writeMessage(conn, resp)
		writeMu.Unlock()
		if err != nil {
			logger.Debug("write response failed", "type", req.Env.Type, "transfer_id", req.Env.TransferID, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
	}
}

func writeMessage(conn *websocket.Conn, m protocol.Message) error {
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := protocol.WriteMessage(w, m); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/config"
	"github.com/lightcomp/filetransfer-sub000/internal/logging"
	"github.com/lightcomp/filetransfer-sub000/internal/metrics"
	"github.com/lightcomp/filetransfer-sub000/internal/quicconn"
	"github.com/lightcomp/filetransfer-sub000/internal/server"
	"github.com/lightcomp/filetransfer-sub000/internal/spool"
	"github.com/lightcomp/filetransfer-sub000/internal/statusstore"
	"github.com/lightcomp/filetransfer-sub000/internal/streamrpc"
	"github.com/lightcomp/filetransfer-sub000/internal/wsrpc"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

const (
	// rpcPath is where the WebSocket transport is served.
	rpcPath = "/rpc"
	// streamIdleTimeout closes QUIC streams whose request does not arrive.
	streamIdleTimeout = 2 * time.Minute
)

func newRootCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "ftserv",
		Short: "Resumable chunked file transfer server",
		Long: `ftserv receives directory trees uploaded by ft clients into --dir and
serves directories below --dir for download. Transfers survive lost
connections and busy periods; clients resume them where they left off.`,
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadServer(cmd.Flags(), &cfg, os.LookupEnv); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.BindServerFlags(cmd.Flags(), &cfg)
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("ftserv", cfg.LogLevel, cfg.LogFormat)

	alg, err := checksum.Parse(cfg.Checksum)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, incomingDir), 0o755); err != nil {
		return fmt.Errorf("prepare %s: %w", root, err)
	}

	var store statusstore.Store
	if cfg.PostgresDSN != "" {
		pg, err := statusstore.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		store = pg
		logger.Info("status store ready", "backend", "postgres")
	} else {
		store = statusstore.NewMemory(server.DefaultStoreTTL)
	}
	defer store.Close()

	m := metrics.New()
	srv := server.New(&dirAcceptor{root: root, logger: logger}, server.Options{
		PoolSize:           cfg.PoolSize,
		LookAhead:          cfg.LookAhead,
		MaxQueuedFrames:    cfg.MaxQueuedFrames,
		MaxFrameDataSize:   cfg.MaxFrameDataSize,
		MaxFrameBlocks:     cfg.MaxFrameBlocks,
		MaxTransfers:       cfg.MaxTransfers,
		Algorithm:          alg,
		InactiveTimeout:    cfg.InactiveTimeout,
		CheckInterval:      cfg.InactiveCheckInterval,
		StatusRetention:    cfg.StatusRetention,
		CancelWaitInterval: cfg.CancelWaitInterval,
		Store:              store,
		Metrics:            m,
		Logger:             logger,
	})
	defer srv.Close()

	stager := &spool.Stager{Dir: cfg.SpoolDir, MemoryLimit: cfg.SpoolMemoryLimit}
	limits := protocol.Limits{MaxDataSize: cfg.MaxFrameDataSize, MaxBlocks: cfg.MaxFrameBlocks}

	errCh := make(chan error, 2)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() { errCh <- listenHTTP(ms) }()
		defer shutdown(ms, logger)
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	switch cfg.Transport {
	case config.TransportQUIC:
		tlsConf, err := quicconn.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		l, err := quicconn.Listen(cfg.Addr, tlsConf, nil, logger)
		if err != nil {
			return err
		}
		defer l.Close()
		go func() {
			errCh <- streamrpc.Serve(ctx, l, srv, streamrpc.ServerOptions{
				Stager:      stager,
				IdleTimeout: streamIdleTimeout,
				Limits:      limits,
				Metrics:     m,
				Logger:      logger,
			})
		}()
	default:
		mux := http.NewServeMux()
		mux.Handle(rpcPath, wsrpc.Handler(srv, wsrpc.HandlerOptions{
			Stager:  stager,
			Limits:  limits,
			Metrics: m,
			Logger:  logger,
		}))
		hs := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() { errCh <- listenHTTP(hs) }()
		defer shutdown(hs, logger)
	}
	logger.Info("server started", "addr", cfg.Addr, "transport", cfg.Transport, "dir", root)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func listenHTTP(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdown(s *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
		s.Close()
	}
}

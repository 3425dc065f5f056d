package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/client"
	"github.com/lightcomp/filetransfer-sub000/internal/config"
	"github.com/lightcomp/filetransfer-sub000/internal/logging"
	"github.com/lightcomp/filetransfer-sub000/internal/quicconn"
	"github.com/lightcomp/filetransfer-sub000/internal/spool"
	"github.com/lightcomp/filetransfer-sub000/internal/streamrpc"
	"github.com/lightcomp/filetransfer-sub000/internal/wsrpc"
	"github.com/lightcomp/filetransfer-sub000/pkg/protocol"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// app is the state shared by subcommands once flags are resolved.
type app struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.DefaultClientConfig()}
	root := &cobra.Command{
		Use:   "ft",
		Short: "Resumable chunked file transfer client",
		Long: `ft uploads directory trees to an ftserv server and downloads them back.
Transfers are split into frames and survive lost connections and busy
servers: failed calls are retried after checking what the server already
has, so no frame is applied twice.`,
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadClient(cmd.Flags(), &a.cfg, os.LookupEnv); err != nil {
				return err
			}
			a.out, a.errOut = cmd.OutOrStdout(), cmd.ErrOrStderr()
			a.logger = logging.NewWithWriter(a.errOut, "ft", a.cfg.LogLevel, a.cfg.LogFormat)
			return nil
		},
	}
	config.BindClientFlags(root.PersistentFlags(), &a.cfg)
	root.AddCommand(newUploadCmd(a), newDownloadCmd(a), newStatusCmd(a))
	return root
}

// dial returns the remote service for the configured transport.
func (a *app) dial() (service.Service, io.Closer, error) {
	stager := &spool.Stager{Dir: a.cfg.SpoolDir, MemoryLimit: a.cfg.SpoolMemoryLimit}
	switch a.cfg.Transport {
	case config.TransportQUIC:
		host, _, err := net.SplitHostPort(a.cfg.ServerURL)
		if err != nil {
			return nil, nil, err
		}
		c := streamrpc.NewClient(&quicconn.Dialer{
			Addr:   a.cfg.ServerURL,
			TLS:    quicconn.ClientTLSConfig(host, a.cfg.TLSInsecure),
			Logger: a.logger,
		}, streamrpc.ClientOptions{Stager: stager, Logger: a.logger})
		return protocol.NewClient(c), c, nil
	default:
		c := wsrpc.NewClient(a.cfg.ServerURL, wsrpc.ClientOptions{Stager: stager, Logger: a.logger})
		return protocol.NewClient(c), c, nil
	}
}

func (a *app) clientOptions() (client.Options, error) {
	alg, err := checksum.Parse(a.cfg.Checksum)
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		PoolSize:         a.cfg.PoolSize,
		LookAhead:        a.cfg.LookAhead,
		MaxFrameDataSize: a.cfg.MaxFrameDataSize,
		MaxFrameBlocks:   a.cfg.MaxFrameBlocks,
		Algorithm:        alg,
		RecoveryDelay:    a.cfg.RecoveryDelay,
		MaxAttempts:      a.cfg.RecoveryMaxAttempts,
		RequestTimeout:   a.cfg.RequestTimeout,
		Logger:           a.logger,
	}, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightcomp/filetransfer-sub000/internal/client"
	"github.com/lightcomp/filetransfer-sub000/internal/progress"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

func newUploadCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload DIR",
		Short: "Upload a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := tree.Open(args[0])
			if err != nil {
				return err
			}
			meta := map[string]string{}
			if name != "" {
				meta["name"] = name
			}
			return a.transfer(cmd.Context(), "upload", func(c *client.Client, ctx context.Context, cb client.Callbacks) *client.Transfer {
				return c.Upload(ctx, client.UploadRequest{Root: root, Metadata: meta}, cb)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "directory name on the server (default: transfer id)")
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "download PATH DEST",
		Short: "Download a server directory into DEST",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.DownloadRequest{
				Dir:       args[1],
				MergeDirs: merge,
				Metadata:  map[string]string{"path": args[0]},
			}
			return a.transfer(cmd.Context(), "download", func(c *client.Client, ctx context.Context, cb client.Callbacks) *client.Transfer {
				return c.Download(ctx, req, cb)
			})
		},
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "write into directories that already exist in DEST")
	return cmd
}

type startFunc func(c *client.Client, ctx context.Context, cb client.Callbacks) *client.Transfer

// transfer runs one transfer to its end, printing progress. An interrupt
// cancels it.
func (a *app) transfer(ctx context.Context, label string, start startFunc) error {
	svc, closer, err := a.dial()
	if err != nil {
		return err
	}
	defer closer.Close()
	opts, err := a.clientOptions()
	if err != nil {
		return err
	}
	c := client.New(svc, opts)
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := progress.NewPrinter(a.errOut, label)
	var result error
	tr := start(c, ctx, client.Callbacks{
		OnProgress: func(pr client.Progress) {
			p.Update(pr.State.String(), pr.RecoveryCount, pr.Stats)
		},
		OnSuccess: func(resp []byte) {
			p.Done(true, fmt.Sprintf("%s finished", label))
			if len(resp) > 0 {
				fmt.Fprintln(a.out, string(resp))
			}
		},
		OnCanceled: func() {
			p.Done(false, fmt.Sprintf("%s canceled", label))
			result = context.Canceled
		},
		OnFailed: func(err error) {
			p.Done(false, fmt.Sprintf("%s failed: %v", label, err))
			result = err
		},
	})
	<-tr.Done()
	a.logger.Debug("transfer ended", "transfer_id", tr.ID(), "state", tr.Status().State)
	return result
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show the server-side status of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closer, err := a.dial()
			if err != nil {
				return err
			}
			defer closer.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
			defer cancel()
			st, err := svc.Status(ctx, args[0])
			if err != nil {
				return err
			}
			printStatus(a, args[0], st)
			return nil
		},
	}
}

func printStatus(a *app, id string, st service.Status) {
	fmt.Fprintf(a.out, "%-12s %s\n", "TRANSFER", id)
	fmt.Fprintf(a.out, "%-12s %s\n", "STATE", st.State)
	fmt.Fprintf(a.out, "%-12s %d\n", "LAST SEQ", st.LastSeqNum)
	if st.ErrorCode != "" {
		fmt.Fprintf(a.out, "%-12s %s: %s\n", "ERROR", st.ErrorCode, st.ErrorMessage)
	}
	if len(st.Response) > 0 {
		fmt.Fprintf(a.out, "%-12s %s\n", "RESPONSE", st.Response)
	}
}

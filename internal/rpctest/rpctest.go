// Package rpctest drives complete transfers through a transport for tests.
package rpctest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/client"
	"github.com/lightcomp/filetransfer-sub000/internal/server"
	"github.com/lightcomp/filetransfer-sub000/internal/transfer"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

var mtime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Tree returns the tree uploaded and served by the harness.
func Tree() *tree.MemDir {
	return tree.NewDir("",
		tree.NewFile("a.txt", []byte("alpha\n"), mtime),
		tree.NewDir("sub",
			tree.NewFile("big.bin", bytes.Repeat([]byte("0123456789"), 300), mtime),
			tree.NewDir("empty"),
		),
	)
}

// Files is the content of Tree keyed by slash-separated path.
func Files() map[string]string {
	return map[string]string{
		"a.txt":       "alpha\n",
		"sub/big.bin": string(bytes.Repeat([]byte("0123456789"), 300)),
	}
}

// NewServer returns a server storing uploads under dir/<id> and serving
// Tree for downloads.
func NewServer(t testing.TB, dir string) *server.Server {
	t.Helper()
	s := server.New(server.AcceptorFunc(func(_ context.Context, id string, req service.BeginRequest) (server.Handler, error) {
		if req.Mode == service.ModeDownload {
			return &server.DownloadHandler{
				Root: Tree(),
				OnSuccess: func(context.Context, string) ([]byte, error) {
					return []byte("served"), nil
				},
			}, nil
		}
		return &server.UploadHandler{
			Dir: filepath.Join(dir, id),
			OnSuccess: func(context.Context, string, string) ([]byte, error) {
				return []byte("stored"), nil
			},
		}, nil
	}), server.Options{Algorithm: checksum.SHA256, CheckInterval: time.Hour})
	t.Cleanup(func() { s.Close() })
	return s
}

// ClientOptions are small-frame client options so the harness tree spans
// many frames.
func ClientOptions() client.Options {
	return client.Options{
		Algorithm:        checksum.SHA256,
		MaxFrameDataSize: 512,
		MaxFrameBlocks:   4,
		RecoveryDelay:    5 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
		PoolSize:         2,
	}
}

// RoundTrip uploads Tree through svc into the server's dir, then downloads
// it into a fresh directory, checking both copies.
func RoundTrip(t *testing.T, svc service.Service, serverDir string) {
	t.Helper()
	c := client.New(svc, ClientOptions())
	defer c.Close()

	up := c.Upload(context.Background(), client.UploadRequest{Root: Tree()}, client.Callbacks{})
	st := wait(t, up)
	require.Equal(t, service.StateFinished, st.State, "upload: %v", st.Err)
	require.Equal(t, "stored", string(st.Response))
	require.Equal(t, Files(), ReadFiles(t, filepath.Join(serverDir, up.ID())))
	require.DirExists(t, filepath.Join(serverDir, up.ID(), "sub", "empty"))

	dst := t.TempDir()
	down := c.Download(context.Background(), client.DownloadRequest{Dir: dst}, client.Callbacks{})
	st = wait(t, down)
	require.Equal(t, service.StateFinished, st.State, "download: %v", st.Err)
	require.Equal(t, "served", string(st.Response))
	require.Equal(t, Files(), ReadFiles(t, dst))
}

func wait(t *testing.T, tr *client.Transfer) transfer.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	st, err := tr.Wait(ctx)
	require.NoError(t, err)
	return st
}

// ReadFiles returns the regular files under root keyed by slash-separated
// relative path.
func ReadFiles(t testing.TB, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		out[filepath.ToSlash(rel)] = string(data)
		return err
	})
	require.NoError(t, err)
	return out
}

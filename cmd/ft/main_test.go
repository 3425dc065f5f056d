package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightcomp/filetransfer-sub000/internal/rpctest"
	"github.com/lightcomp/filetransfer-sub000/internal/wsrpc"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	t.Logf("stderr: %s", errOut.String())
	return out.String(), err
}

func TestUploadDownloadStatus(t *testing.T) {
	serverDir := t.TempDir()
	ts := httptest.NewServer(wsrpc.Handler(rpctest.NewServer(t, serverDir), wsrpc.HandlerOptions{}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rpc"
	common := []string{"--server-url", url, "--log-level", "error", "--checksum", "sha256", "--max-frame-data-size", "512"}

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello"), 0o644))
	out, err := runCmd(t, append([]string{"upload", src}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "stored")

	dst := filepath.Join(t.TempDir(), "copy")
	out, err = runCmd(t, append([]string{"download", "anything", dst}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, "served")
	require.Equal(t, rpctest.Files(), rpctest.ReadFiles(t, dst))

	_, err = runCmd(t, append([]string{"status", "no-such-transfer"}, common...)...)
	require.ErrorContains(t, err, "unknown_transfer")
}

func TestInvalidConfig(t *testing.T) {
	_, err := runCmd(t, "status", "x", "--transport", "smoke-signals")
	require.ErrorContains(t, err, "transport")
}

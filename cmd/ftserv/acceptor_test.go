package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/chunker"
	"github.com/lightcomp/filetransfer-sub000/internal/server"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
)

func newAcceptor(t *testing.T) *dirAcceptor {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, incomingDir), 0o755))
	return &dirAcceptor{root: root, logger: slog.New(slog.DiscardHandler)}
}

func requireRejected(t *testing.T, err error) {
	t.Helper()
	fe, ok := service.AsFatal(err)
	require.True(t, ok, "error = %v", err)
	require.Equal(t, service.CodeRejected, fe.Code)
}

func TestAcceptUploadCommits(t *testing.T) {
	a := newAcceptor(t)
	h, err := a.Accept(context.Background(), "t1", service.BeginRequest{
		Mode:     service.ModeUpload,
		Metadata: map[string]string{MetaName: "photos"},
	})
	require.NoError(t, err)
	up, ok := h.(*server.UploadHandler)
	require.True(t, ok)
	require.Equal(t, filepath.Join(a.root, incomingDir, "t1"), up.Dir)

	require.NoError(t, os.MkdirAll(filepath.Join(up.Dir, "2024"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(up.Dir, "2024", "a.jpg"), []byte("jpeg"), 0o644))

	resp, err := up.OnSuccess(context.Background(), "t1", up.Dir)
	require.NoError(t, err)
	var res commitResult
	require.NoError(t, json.Unmarshal(resp, &res))
	require.Equal(t, commitResult{Path: "photos", Files: 1, Bytes: 4}, res)
	require.FileExists(t, filepath.Join(a.root, "photos", "2024", "a.jpg"))
	require.NoDirExists(t, up.Dir)
}

func TestAcceptUploadDefaultsNameToID(t *testing.T) {
	a := newAcceptor(t)
	h, err := a.Accept(context.Background(), "t9", service.BeginRequest{Mode: service.ModeUpload})
	require.NoError(t, err)
	up := h.(*server.UploadHandler)
	require.NoError(t, os.MkdirAll(up.Dir, 0o755))
	_, err = up.OnSuccess(context.Background(), "t9", up.Dir)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(a.root, "t9"))
}

func TestAcceptUploadRejections(t *testing.T) {
	a := newAcceptor(t)
	require.NoError(t, os.Mkdir(filepath.Join(a.root, "taken"), 0o755))
	for _, name := range []string{"taken", "..", "a/b", incomingDir} {
		_, err := a.Accept(context.Background(), "t1", service.BeginRequest{
			Mode:     service.ModeUpload,
			Metadata: map[string]string{MetaName: name},
		})
		requireRejected(t, err)
	}
}

func TestAcceptDownload(t *testing.T) {
	a := newAcceptor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(a.root, "pub", "docs"), 0o755))

	h, err := a.Accept(context.Background(), "t1", service.BeginRequest{
		Mode:     service.ModeDownload,
		Metadata: map[string]string{MetaPath: "pub/docs"},
	})
	require.NoError(t, err)
	_, ok := h.(*server.DownloadHandler)
	require.True(t, ok)

	// Paths are confined to the root.
	dir, err := a.resolve("../../etc")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(a.root, "etc"), dir)

	for _, path := range []string{"missing", incomingDir + "/t2"} {
		_, err := a.Accept(context.Background(), "t1", service.BeginRequest{
			Mode:     service.ModeDownload,
			Metadata: map[string]string{MetaPath: path},
		})
		requireRejected(t, err)
	}
}

func TestAcceptDownloadRootHidesIncoming(t *testing.T) {
	a := newAcceptor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(a.root, incomingDir, "t2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.root, incomingDir, "t2", "partial.bin"), []byte("half"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(a.root, "pub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.root, "pub", "a.txt"), []byte("alpha"), 0o644))

	h, err := a.Accept(context.Background(), "t1", service.BeginRequest{Mode: service.ModeDownload})
	require.NoError(t, err)
	down := h.(*server.DownloadHandler)

	var names []string
	c := chunker.New(down.Root, checksum.SHA256)
	defer c.Close()
	for {
		f, err := c.Build(1024, 16)
		require.NoError(t, err)
		for _, b := range f.Blocks {
			switch b := b.(type) {
			case frame.DirBegin:
				names = append(names, b.Name)
			case frame.FileBegin:
				names = append(names, b.Name)
			}
		}
		if f.Last {
			break
		}
	}
	require.Equal(t, []string{"pub", "a.txt"}, names)
}

func TestAcceptUnknownMode(t *testing.T) {
	_, err := newAcceptor(t).Accept(context.Background(), "t1", service.BeginRequest{Mode: "sideways"})
	requireRejected(t, err)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightcomp/filetransfer-sub000/internal/server"
	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

// Metadata keys understood by the server.
const (
	// MetaName names the directory an upload is committed to.
	MetaName = "name"
	// MetaPath selects the directory a download serves, relative to the root.
	MetaPath = "path"
)

const incomingDir = ".incoming"

// dirAcceptor stores uploads under root and serves downloads from it.
// Uploads are received into root/.incoming/<id> and renamed into place
// when they finish.
type dirAcceptor struct {
	root   string
	logger *slog.Logger
}

// commitResult is the Finish response of an upload.
type commitResult struct {
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

func (a *dirAcceptor) Accept(ctx context.Context, id string, req service.BeginRequest) (server.Handler, error) {
	logger := a.logger.With("transfer_id", id)
	callbacks := server.Callbacks{
		OnCanceled: func(id string) { logger.Info("transfer canceled") },
		OnFailed:   func(id string, err error) { logger.Warn("transfer failed", "error", err) },
	}

	switch req.Mode {
	case service.ModeUpload:
		name := req.Metadata[MetaName]
		if name == "" {
			name = id
		}
		if err := checkName(name); err != nil {
			return nil, err
		}
		target := filepath.Join(a.root, name)
		if _, err := os.Lstat(target); err == nil {
			return nil, service.Fatalf(service.CodeRejected, "%s already exists", name)
		}
		return &server.UploadHandler{
			Callbacks: callbacks,
			Dir:       filepath.Join(a.root, incomingDir, id),
			OnSuccess: func(ctx context.Context, id, dir string) ([]byte, error) {
				return a.commit(dir, name, target, logger)
			},
		}, nil

	case service.ModeDownload:
		dir, err := a.resolve(req.Metadata[MetaPath])
		if err != nil {
			return nil, err
		}
		disk, err := tree.Open(dir)
		if err != nil {
			return nil, service.Fatalf(service.CodeRejected, "%v", err)
		}
		var root tree.Dir = disk
		if dir == filepath.Clean(a.root) {
			root = servedRoot{disk}
		}
		return &server.DownloadHandler{
			Callbacks: callbacks,
			Root:      root,
			OnSuccess: func(ctx context.Context, id string) ([]byte, error) {
				logger.Info("download served", "path", dir)
				return nil, nil
			},
		}, nil
	}
	return nil, service.Fatalf(service.CodeRejected, "unsupported mode %q", req.Mode)
}

func (a *dirAcceptor) commit(dir, name, target string, logger *slog.Logger) ([]byte, error) {
	received, err := tree.Open(dir)
	if err != nil {
		return nil, err
	}
	summary, err := tree.Summarize(received)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(dir, target); err != nil {
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}
	logger.Info("upload committed", "path", target, "files", summary.FileCount, "bytes", summary.TotalBytes)
	return json.Marshal(commitResult{Path: name, Files: summary.FileCount, Bytes: summary.TotalBytes})
}

// resolve maps a download path onto a directory inside root.
func (a *dirAcceptor) resolve(rel string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	dir := filepath.Join(a.root, clean)
	check, err := filepath.Rel(a.root, dir)
	if err != nil || strings.HasPrefix(check, "..") {
		return "", service.Fatalf(service.CodeRejected, "path %q escapes the root", rel)
	}
	if first := strings.SplitN(filepath.ToSlash(check), "/", 2)[0]; first == incomingDir {
		return "", service.Fatalf(service.CodeRejected, "path %q is not served", rel)
	}
	return dir, nil
}

// servedRoot hides the staging directory of unfinished uploads.
type servedRoot struct {
	tree.Dir
}

func (r servedRoot) Children() (tree.Iterator, error) {
	it, err := r.Dir.Children()
	if err != nil {
		return nil, err
	}
	return skipIncoming{it}, nil
}

type skipIncoming struct {
	tree.Iterator
}

func (it skipIncoming) Next() (tree.Item, error) {
	for {
		item, err := it.Iterator.Next()
		if err != nil {
			return nil, err
		}
		if _, ok := item.(tree.Dir); ok && item.Name() == incomingDir {
			continue
		}
		return item, nil
	}
}

var errBadName = errors.New("invalid name")

func checkName(name string) error {
	if name == "." || name == ".." || name == incomingDir || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return service.Fatalf(service.CodeRejected, "%v: %q", errBadName, name)
	}
	return nil
}

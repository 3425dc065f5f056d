package server

import (
	"context"

	"github.com/lightcomp/filetransfer-sub000/pkg/service"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

// Acceptor decides whether a transfer may begin and supplies the
// application side of it: an *UploadHandler for ModeUpload or a
// *DownloadHandler for ModeDownload.
type Acceptor interface {
	Accept(ctx context.Context, id string, req service.BeginRequest) (Handler, error)
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(ctx context.Context, id string, req service.BeginRequest) (Handler, error)

func (f AcceptorFunc) Accept(ctx context.Context, id string, req service.BeginRequest) (Handler, error) {
	return f(ctx, id, req)
}

// Handler is implemented by *UploadHandler and *DownloadHandler.
type Handler interface {
	Mode() service.Mode
}

// Callbacks are the terminal notifications shared by both handler kinds.
// Exactly one of OnSuccess (from Finish) or OnCanceled/OnFailed runs per
// transfer.
type Callbacks struct {
	// OnCanceled runs when the transfer is canceled locally or aborted by
	// the client.
	OnCanceled func(id string)
	// OnFailed runs when the transfer fails.
	OnFailed func(id string, err error)
}

// UploadHandler receives a tree into Dir.
type UploadHandler struct {
	Callbacks
	Dir string
	// MergeDirs accepts directories that already exist under Dir.
	MergeDirs bool
	// Prepare, if set, validates the whole received batch before commit;
	// the transfer passes through Prepared when it succeeds.
	Prepare func(ctx context.Context, id, dir string) error
	// OnSuccess commits the transfer and returns the response reported by
	// Finish. It runs while Finishing and cannot be canceled.
	OnSuccess func(ctx context.Context, id, dir string) ([]byte, error)
}

func (*UploadHandler) Mode() service.Mode { return service.ModeUpload }

// DownloadHandler serves Root to the client.
type DownloadHandler struct {
	Callbacks
	Root      tree.Dir
	OnSuccess func(ctx context.Context, id string) ([]byte, error)
}

func (*DownloadHandler) Mode() service.Mode { return service.ModeDownload }

package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ServeFunc runs a tool server over a byte stream: it reads requests
// from r and writes responses to w until r reaches EOF or ctx ends.
type ServeFunc func(ctx context.Context, r io.ReadCloser, w io.WriteCloser) error

// PipeTransport runs a tool server in-process. The server goroutine and
// the client are joined by two [io.Pipe]s carrying the same framing as
// a subprocess, so the full protocol path is exercised without spawning
// anything.
type PipeTransport struct {
	*StreamTransport

	cancel context.CancelFunc
	served chan struct{}
	logger *slog.Logger
}

// NewPipeTransport starts serve in a goroutine. When serve returns, the
// client side sees end of stream and the channel closes.
func NewPipeTransport(serve ServeFunc, opts StreamOptions) *PipeTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})

	go func() {
		defer close(served)
		err := serve(ctx, toServerR, toClientW)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			logger.Debug("in-process MCP server stopped", "error", err)
		}
		toClientW.CloseWithError(io.EOF)
		toServerR.Close()
	}()

	opts.Logger = logger
	return &PipeTransport{
		StreamTransport: NewStreamTransport(NewConn(toClientR, toServerW, logger), opts),
		cancel:          cancel,
		served:          served,
		logger:          logger,
	}
}

// Close closes the channel and stops the server goroutine.
func (t *PipeTransport) Close() error {
	err := t.StreamTransport.Close()
	t.cancel()

	select {
	case <-t.served:
	case <-time.After(stopGrace):
		t.logger.Warn("in-process MCP server did not stop")
	}
	return err
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/module"
)

// Serve is the worker process side of the protocol. It reads one Request
// from r, trains, and writes progress and the result as frames to w. It
// returns an error only when the request itself could not be read or the
// result could not be written; training failures are reported in the result
// frame.
func Serve(ctx context.Context, r io.Reader, w io.Writer, catalog *module.Catalog, cache *module.Cache, logger *slog.Logger) error {
	var writeMu sync.Mutex
	send := func(msg *Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteMessage(w, msg)
	}

	var req Request
	if err := ReadMessage(r, &req); err != nil {
		err = fmt.Errorf("read request: %w", err)
		_ = send(&Message{Type: MsgTypeResult, Response: &Response{Error: err.Error(), FinishedAt: time.Now()}})
		return err
	}

	logger = logger.With("job_id", req.JobID, "kind", req.Kind)
	logger.Info("worker received training request", "save_path", req.SavePath)

	ctx = module.WithLogFunc(ctx, func(line string) {
		if err := send(&Message{Type: MsgTypeLog, Line: line}); err != nil {
			logger.Warn("write log frame", "error", err)
		}
	})

	resp := execute(ctx, &req, catalog, cache, logger)
	if resp.Error != "" {
		logger.Error("training failed", "error", resp.Error)
	}
	if err := send(&Message{Type: MsgTypeResult, Response: &resp}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func execute(ctx context.Context, req *Request, catalog *module.Catalog, cache *module.Cache, logger *slog.Logger) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()), FinishedAt: time.Now()}
		}
	}()

	fail := func(err error) Response {
		return Response{Error: err.Error(), FinishedAt: time.Now()}
	}

	kind, err := catalog.Lookup(req.Kind)
	if err != nil {
		return fail(err)
	}

	var wire module.WireArguments
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &wire); err != nil {
			return fail(fmt.Errorf("decode arguments: %w", err))
		}
	}
	args, err := module.DecodeArguments(catalog, cache, wire)
	if err != nil {
		return fail(err)
	}

	if _, err := module.TrainAndSave(ctx, logger, kind, args, req.SavePath); err != nil {
		return fail(err)
	}
	return Response{FinishedAt: time.Now()}
}

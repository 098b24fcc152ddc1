package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ProcessWorker runs training in a child process started from a Launcher.
// The request is written to the child's stdin as one frame; progress and the
// final result come back as frames on its stdout. Destroy kills the process.
type ProcessWorker struct {
	state
	launcher Launcher
	req      Request
	onLog    func(line string)
	logger   *slog.Logger
	proc     *os.Process
}

var _ Worker = (*ProcessWorker)(nil)

// NewProcess creates an unstarted ProcessWorker. onLog, if set, receives
// each progress line the child reports.
func NewProcess(launcher Launcher, req Request, onLog func(line string), logger *slog.Logger) *ProcessWorker {
	return &ProcessWorker{
		state:    newState(),
		launcher: launcher,
		req:      req,
		onLog:    onLog,
		logger:   logger.With("job_id", req.JobID),
	}
}

// Start launches the child process. If the process cannot be started the
// worker finishes as failed and the error is also returned.
func (w *ProcessWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.finished {
		return ErrAlreadyStarted
	}
	w.started = true

	cmd := exec.Command(w.launcher.Path, w.launcher.Args...)
	cmd.Env = append(os.Environ(), w.launcher.Env...)
	cmd.Stderr = w.launcher.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		err = fmt.Errorf("stdin pipe: %w", err)
		w.finishLocked(nil, err, time.Time{})
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		err = fmt.Errorf("stdout pipe: %w", err)
		w.finishLocked(nil, err, time.Time{})
		return err
	}

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("start worker process: %w", err)
		w.finishLocked(nil, err, time.Time{})
		return err
	}
	w.proc = cmd.Process
	w.logger.Debug("worker process started", "pid", cmd.Process.Pid)

	go func() {
		defer stdin.Close()
		if err := WriteMessage(stdin, &w.req); err != nil {
			w.logger.Warn("send request to worker process", "error", err)
		}
	}()
	go w.wait(cmd, stdout)
	return nil
}

// wait drains the child's frames, reaps it, and records the outcome.
func (w *ProcessWorker) wait(cmd *exec.Cmd, stdout io.Reader) {
	var resp *Response
	for {
		var msg Message
		if err := ReadMessage(stdout, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Debug("read worker frame", "error", err)
			}
			break
		}
		switch msg.Type {
		case MsgTypeLog:
			if w.onLog != nil {
				w.onLog(msg.Line)
			}
		case MsgTypeResult:
			resp = msg.Response
		}
	}

	waitErr := cmd.Wait()

	switch {
	case resp != nil && resp.Error != "":
		w.finish(nil, errors.New(resp.Error), resp.FinishedAt)
	case resp != nil && waitErr == nil:
		w.finish(nil, nil, resp.FinishedAt)
	case resp != nil:
		w.finish(nil, fmt.Errorf("worker process failed after reporting its result: %w", waitErr), time.Time{})
	case waitErr != nil:
		w.finish(nil, fmt.Errorf("worker process exited without a result: %w", waitErr), time.Time{})
	default:
		w.finish(nil, errors.New("worker process exited without a result"), time.Time{})
	}
	w.logger.Debug("worker process exited", "error", waitErr)
}

func (w *ProcessWorker) Destroy() {
	w.mu.Lock()
	marked := w.markCanceledLocked()
	proc := w.proc
	w.mu.Unlock()

	if marked && proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			w.logger.Warn("kill worker process", "error", err)
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Func is the work a ThreadWorker runs. It should return promptly with
// ctx.Err() once ctx is done.
type Func func(ctx context.Context) (any, error)

// ThreadWorker runs a Func on a goroutine in this process. Destroy cancels
// the Func's context, so termination is cooperative.
type ThreadWorker struct {
	state
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Worker = (*ThreadWorker)(nil)

// NewThread creates an unstarted ThreadWorker for fn.
func NewThread(fn Func) *ThreadWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &ThreadWorker{
		state:  newState(),
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *ThreadWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.finished {
		return ErrAlreadyStarted
	}
	w.started = true
	go w.run()
	return nil
}

func (w *ThreadWorker) run() {
	var (
		result any
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
		w.cancel()
		w.finish(result, err, time.Time{})
	}()
	result, err = w.fn(w.ctx)
}

func (w *ThreadWorker) Destroy() {
	w.mu.Lock()
	marked := w.markCanceledLocked()
	w.mu.Unlock()
	if marked {
		w.cancel()
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/module"
	"github.com/seantiz/kiln/internal/worker"
)

// Info is a point-in-time view of a job.
type Info struct {
	Status         model.Status `json:"status"`
	Errors         []string     `json:"errors,omitempty"`
	SubmissionTime time.Time    `json:"submission_time"`
	CompletionTime *time.Time   `json:"completion_time,omitempty"`
}

// Future is the handle for one training job. Its status is derived from the
// worker on every read.
type Future struct {
	id          string
	runID       string
	name        string
	kind        string
	backend     string
	savePath    string
	submittedAt time.Time
	worker      worker.Worker

	catalog *module.Catalog
	cache   *module.Cache
	now     func() time.Time

	mu          sync.Mutex
	completedAt time.Time
}

func (f *Future) ID() string             { return f.id }
func (f *Future) RunID() string          { return f.runID }
func (f *Future) Name() string           { return f.name }
func (f *Future) Kind() string           { return f.kind }
func (f *Future) Backend() string        { return f.backend }
func (f *Future) SavePath() string       { return f.savePath }
func (f *Future) SubmittedAt() time.Time { return f.submittedAt }

// Info reports the job's status. It never blocks on the job. The first time
// a finished worker is observed the completion time is recorded.
func (f *Future) Info() Info {
	info := Info{
		Status:         f.status(),
		SubmissionTime: f.submittedAt,
	}
	if info.Status == model.StatusErrored {
		if err := f.worker.Err(); err != nil {
			info.Errors = []string{err.Error()}
		}
	}
	if info.Status.IsTerminal() {
		f.markCompleted()
	}
	info.CompletionTime = f.completionTime()
	return info
}

// status derives the job status from the worker flags. Cancellation wins
// over liveness because a destroyed worker may still be shutting down.
func (f *Future) status() model.Status {
	switch {
	case f.worker.Canceled():
		return model.StatusCanceled
	case f.worker.Alive():
		return model.StatusRunning
	case f.worker.Threw():
		return model.StatusErrored
	case f.worker.Ran():
		return model.StatusCompleted
	}
	return model.StatusQueued
}

// markCompleted stamps the completion time once the worker has exited. The
// worker's own finish time is preferred over the observation time.
func (f *Future) markCompleted() {
	select {
	case <-f.worker.Done():
	default:
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completedAt.IsZero() {
		return
	}
	at := f.worker.FinishedAt()
	if at.IsZero() {
		at = f.now()
	}
	f.completedAt = at
}

func (f *Future) completionTime() *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completedAt.IsZero() {
		return nil
	}
	t := f.completedAt
	return &t
}

// Cancel requests termination of the job's worker without waiting for it.
// Canceling a finished job has no effect.
func (f *Future) Cancel() {
	f.worker.Destroy()
}

// Wait blocks until the worker exits or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	if err := f.worker.Join(ctx); err != nil {
		return err
	}
	f.markCompleted()
	return nil
}

// Load waits for the job and returns the trained module. Jobs trained in a
// worker process are loaded back from their save path, so a process job
// without one fails immediately.
func (f *Future) Load(ctx context.Context) (module.Module, error) {
	if f.backend == model.BackendProcess && f.savePath == "" {
		return nil, fmt.Errorf("%w: training %s ran in a worker process without a save path", ErrPrecondition, f.id)
	}

	if err := f.Wait(ctx); err != nil {
		return nil, err
	}

	if f.worker.Canceled() {
		return nil, fmt.Errorf("%w: %s", ErrCanceled, f.id)
	}
	if f.worker.Threw() {
		return nil, &ExecutionError{JobID: f.id, Err: f.worker.Err()}
	}

	if f.backend == model.BackendThread {
		m, ok := f.worker.Result().(module.Module)
		if !ok {
			return nil, fmt.Errorf("training %s produced no module", f.id)
		}
		return m, nil
	}

	if _, err := os.Stat(f.savePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: save path %s does not exist", ErrPrecondition, ErrNotFound, f.savePath)
		}
		return nil, fmt.Errorf("stat save path: %w", err)
	}
	return module.LoadPath(f.catalog, f.cache, f.savePath)
}

// Result is an alias for Load.
func (f *Future) Result(ctx context.Context) (module.Module, error) {
	return f.Load(ctx)
}

// Package worker runs one unit of training work in an isolated execution
// context: a goroutine in this process or a re-executed child process. Both
// variants expose the same lifecycle flags so callers never inspect which one
// they hold.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("worker already started")

// Worker is a destroyable unit of concurrent execution.
type Worker interface {
	// Start launches the work and returns without waiting for it. The worker
	// reports Alive before Start returns successfully.
	Start() error

	// Alive reports whether the work has started and not yet finished.
	Alive() bool

	// Join blocks until the worker finishes or ctx is done.
	Join(ctx context.Context) error

	// Destroy requests termination. It does not wait for the worker to
	// exit and is a no-op once the worker has finished.
	Destroy()

	// Canceled reports whether Destroy took effect.
	Canceled() bool

	// Threw reports whether the work failed.
	Threw() bool

	// Ran reports whether the work returned normally.
	Ran() bool

	// Err is the failure recorded when Threw is true.
	Err() error

	// Result is the in-memory value returned by the work, if any.
	Result() any

	// FinishedAt is when the work returned, or zero while it runs.
	FinishedAt() time.Time

	// Done is closed once the worker has finished.
	Done() <-chan struct{}
}

// state holds the lifecycle flags shared by every variant.
type state struct {
	mu         sync.Mutex
	started    bool
	finished   bool
	canceled   bool
	ran        bool
	err        error
	result     any
	finishedAt time.Time
	done       chan struct{}
}

func newState() state {
	return state{done: make(chan struct{})}
}

func (s *state) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.finished
}

func (s *state) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *state) Threw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

func (s *state) Ran() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran
}

func (s *state) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *state) Result() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *state) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

func (s *state) Done() <-chan struct{} {
	return s.done
}

func (s *state) Join(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLocked records the outcome and releases joiners. s.mu must be held.
func (s *state) finishLocked(result any, err error, at time.Time) {
	if s.finished {
		return
	}
	s.finished = true
	if err != nil {
		s.err = err
	} else {
		s.ran = true
		s.result = result
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.finishedAt = at
	close(s.done)
}

func (s *state) finish(result any, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(result, err, at)
}

// markCanceledLocked flags cancellation unless the worker already finished.
// An unstarted worker is finished immediately. It reports whether the flag
// was set. s.mu must be held.
func (s *state) markCanceledLocked() bool {
	if s.finished {
		return false
	}
	s.canceled = true
	if !s.started {
		s.finished = true
		s.finishedAt = time.Now()
		close(s.done)
	}
	return true
}

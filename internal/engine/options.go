package engine

import (
	"time"

	"github.com/seantiz/kiln/internal/module"
	"github.com/seantiz/kiln/internal/worker"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLauncher sets how worker processes are started. Without it the running
// binary is re-executed with the worker subcommand.
func WithLauncher(l worker.Launcher) Option {
	return func(e *Engine) {
		e.launcher = &l
	}
}

// WithCache shares a module cache with the engine.
func WithCache(c *module.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithClock replaces the clock used for submission times and retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/module"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/worker"
)

// Config is the trainer configuration consumed by the engine.
type Config struct {
	// UseSubprocess runs each job in a worker process instead of a goroutine.
	UseSubprocess bool
	// StartMethod selects how worker processes are started.
	StartMethod string
	// Retention is how long terminal jobs stay in the registry, in the
	// <d>d<h>h<m>m<s>s form. Nil keeps them forever.
	Retention *string
}

// SubmitRequest describes one training job.
type SubmitRequest struct {
	// Kind is the catalog name of the module kind to train.
	Kind string
	// Args are passed to the kind's Train.
	Args module.Arguments
	// SavePath is where the trained module is persisted. Optional for
	// in-process jobs.
	SavePath string
	// SaveWithID appends the job id to SavePath.
	SaveWithID bool
	// ModelName is appended to SavePath when set.
	ModelName string
	// ExternalID is the caller-chosen job id. A random id is used when empty.
	ExternalID string
	// Name is a display name. Defaults to the kind.
	Name string
}

// Engine is the training job registry.
type Engine struct {
	cfg       Config
	retention *time.Duration
	catalog   *module.Catalog
	cache     *module.Cache
	store     store.Store
	logger    *slog.Logger
	broker    *LogBroker
	launcher  *worker.Launcher
	now       func() time.Time

	mu      sync.RWMutex
	futures map[string]*Future

	wg sync.WaitGroup
}

// New creates an engine. s may be nil to disable run history.
func New(cfg Config, catalog *module.Catalog, s store.Store, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		catalog: catalog,
		store:   s,
		logger:  logger,
		broker:  NewLogBroker(),
		now:     time.Now,
		futures: make(map[string]*Future),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = module.NewCache()
	}

	if cfg.Retention != nil {
		d, err := ParseRetention(*cfg.Retention)
		if err != nil {
			return nil, err
		}
		e.retention = &d
	}

	if cfg.UseSubprocess {
		if err := worker.ValidateStartMethod(cfg.StartMethod); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if e.launcher == nil {
			l, err := worker.DefaultLauncher()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			e.launcher = &l
		}
	}

	return e, nil
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Catalog returns the kinds the engine can train.
func (e *Engine) Catalog() *module.Catalog {
	return e.catalog
}

// Cache returns the module cache used to load results.
func (e *Engine) Cache() *module.Cache {
	return e.cache
}

// Submit starts a training job and registers its future. Expired entries are
// purged first. Submitting under an external id whose job is still live fails
// with ErrConflict.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Future, error) {
	e.Purge()

	kind, err := e.catalog.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}

	if req.ExternalID != "" {
		if existing, ok := e.get(req.ExternalID); ok && !existing.Info().Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrConflict, req.ExternalID)
		}
	}

	f, err := e.newFuture(kind, req)
	if err != nil {
		return nil, err
	}

	// Workers start only after their future owns the id. A race loser never runs.
	e.mu.Lock()
	if existing, ok := e.futures[f.id]; ok && !existing.Info().Status.IsTerminal() {
		e.mu.Unlock()
		e.logger.Warn("discarding job that lost an id race", "job_id", f.id, "run_id", f.runID)
		return nil, fmt.Errorf("%w: %s", ErrConflict, f.id)
	}
	e.futures[f.id] = f
	registryEntries.Set(float64(len(e.futures)))
	e.mu.Unlock()

	if err := f.worker.Start(); err != nil {
		if errors.Is(err, worker.ErrAlreadyStarted) {
			e.logger.Debug("job canceled before its worker started", "job_id", f.id, "run_id", f.runID)
		} else {
			e.logger.Error("failed to start worker", "job_id", f.id, "run_id", f.runID, "error", err)
		}
	}

	info := f.Info()
	trainingsSubmitted.WithLabelValues(f.backend).Inc()
	activeTrainings.WithLabelValues(f.backend).Inc()

	if e.store != nil {
		run := &model.Run{
			ID:          f.runID,
			JobID:       f.id,
			Name:        f.name,
			Kind:        f.kind,
			Backend:     f.backend,
			Status:      info.Status,
			SavePath:    f.savePath,
			SubmittedAt: f.submittedAt.UTC(),
		}
		if info.Status.IsTerminal() {
			// Finished before it could be recorded; the watcher records the outcome.
			run.Status = model.StatusQueued
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			e.logger.Error("failed to record run", "job_id", f.id, "run_id", f.runID, "error", err)
		}
	}

	e.wg.Go(func() {
		e.watch(f)
	})

	e.logger.Info("training submitted",
		"job_id", f.id,
		"run_id", f.runID,
		"kind", f.kind,
		"backend", f.backend,
		"save_path", f.savePath,
	)
	return f, nil
}

// newFuture builds the future for req with an unstarted worker.
func (e *Engine) newFuture(kind module.Kind, req SubmitRequest) (*Future, error) {
	id := req.ExternalID
	if id == "" {
		id = model.NewJobID()
	}
	name := req.Name
	if name == "" {
		name = kind.Name()
	}

	f := &Future{
		id:          id,
		runID:       model.NewID(),
		name:        name,
		kind:        kind.Name(),
		backend:     model.BackendThread,
		savePath:    composeSavePath(req.SavePath, id, req.SaveWithID, req.ModelName),
		submittedAt: e.now(),
		catalog:     e.catalog,
		cache:       e.cache,
		now:         e.now,
	}
	logger := e.logger.With("job_id", f.id, "run_id", f.runID)
	onLog := e.logWriter(f.runID, logger)

	if e.cfg.UseSubprocess {
		f.backend = model.BackendProcess
		if f.savePath == "" {
			logger.Warn("training in a worker process without a save path; the result will not be loadable")
		}
		args, err := json.Marshal(module.WrapArguments(req.Args))
		if err != nil {
			return nil, fmt.Errorf("encode training arguments: %w", err)
		}
		f.worker = worker.NewProcess(*e.launcher, worker.Request{
			JobID:    f.id,
			Kind:     f.kind,
			SavePath: f.savePath,
			Args:     args,
		}, onLog, logger)
	} else {
		args, savePath := req.Args, f.savePath
		f.worker = worker.NewThread(func(ctx context.Context) (any, error) {
			ctx = module.WithLogFunc(ctx, onLog)
			m, err := module.TrainAndSave(ctx, logger, kind, args, savePath)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
	}
	return f, nil
}

// logWriter returns the progress callback for one run. It dual-writes:
// persist to SQLite for historical viewing, then publish to the LogBroker
// for real-time SSE.
func (e *Engine) logWriter(runID string, logger *slog.Logger) module.LogFunc {
	var seq atomic.Int32
	return func(line string) {
		n := int(seq.Add(1) - 1)
		if e.store != nil {
			if err := e.store.InsertLogLine(context.Background(), runID, n, line); err != nil {
				logger.Error("failed to persist log line", "seq", n, "error", err)
			}
		}
		e.broker.Publish(runID, line)
	}
}

// watch waits for a job's worker to exit and records the outcome.
func (e *Engine) watch(f *Future) {
	defer e.broker.Close(f.runID)

	<-f.worker.Done()
	info := f.Info()

	activeTrainings.WithLabelValues(f.backend).Dec()
	trainingsFinished.WithLabelValues(f.backend, string(info.Status)).Inc()

	completed := e.now()
	if info.CompletionTime != nil {
		completed = *info.CompletionTime
	}
	duration := completed.Sub(f.submittedAt)
	trainingDuration.WithLabelValues(f.backend).Observe(duration.Seconds())

	logger := e.logger.With("job_id", f.id, "run_id", f.runID)
	if info.Status == model.StatusErrored {
		logger.Warn("training errored", "errors", info.Errors)
	} else {
		logger.Info("training finished", "status", info.Status, "duration_ms", duration.Milliseconds())
	}

	if e.store == nil {
		return
	}
	durationMS := int(duration.Milliseconds())
	completedUTC := completed.UTC()
	run := &model.Run{
		ID:          f.runID,
		Status:      info.Status,
		DurationMS:  &durationMS,
		CompletedAt: &completedUTC,
	}
	if len(info.Errors) > 0 {
		run.Error = info.Errors[0]
	}
	if err := e.store.FinishRun(context.Background(), run); err != nil {
		logger.Error("failed to record run outcome", "error", err)
	}
}

func (e *Engine) get(id string) (*Future, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.futures[id]
	return f, ok
}

// Lookup returns the future registered under id after purging expired
// entries.
func (e *Engine) Lookup(id string) (*Future, error) {
	e.Purge()
	f, ok := e.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// Purge removes terminal jobs whose completion is older than the retention
// duration and returns how many were removed. Without a retention it does
// nothing.
func (e *Engine) Purge() int {
	if e.retention == nil {
		return 0
	}
	now := e.now()

	expired := make(map[string]*Future)
	e.mu.RLock()
	for id, f := range e.futures {
		info := f.Info()
		if info.Status.IsTerminal() && info.CompletionTime != nil && now.Sub(*info.CompletionTime) > *e.retention {
			expired[id] = f
		}
	}
	e.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	e.mu.Lock()
	for id, f := range expired {
		// The id may have been resubmitted since the scan.
		if current, ok := e.futures[id]; !ok || current != f {
			continue
		}
		delete(e.futures, id)
		e.broker.Forget(f.runID)
		removed++
	}
	registryEntries.Set(float64(len(e.futures)))
	e.mu.Unlock()

	if removed > 0 {
		registryPurged.Add(float64(removed))
		e.logger.Debug("purged expired trainings", "count", removed)
	}
	return removed
}

// Status returns the current info of the job registered under id.
func (e *Engine) Status(id string) (Info, error) {
	f, err := e.Lookup(id)
	if err != nil {
		return Info{}, err
	}
	return f.Info(), nil
}

// Cancel requests termination of the job registered under id and returns its
// info afterwards.
func (e *Engine) Cancel(id string) (Info, error) {
	f, err := e.Lookup(id)
	if err != nil {
		return Info{}, err
	}
	f.Cancel()
	e.logger.Info("training cancel requested", "job_id", id)
	return f.Info(), nil
}

// Wait blocks until the job registered under id finishes or ctx is done, and
// returns its info. The info is returned with ctx's error on timeout.
func (e *Engine) Wait(ctx context.Context, id string) (Info, error) {
	f, err := e.Lookup(id)
	if err != nil {
		return Info{}, err
	}
	err = f.Wait(ctx)
	return f.Info(), err
}

// Load waits for the job registered under id and returns its trained module.
func (e *Engine) Load(ctx context.Context, id string) (module.Module, error) {
	f, err := e.Lookup(id)
	if err != nil {
		return nil, err
	}
	return f.Load(ctx)
}

// List returns the registered futures ordered by submission time.
func (e *Engine) List() []*Future {
	e.Purge()
	e.mu.RLock()
	futures := make([]*Future, 0, len(e.futures))
	for _, f := range e.futures {
		futures = append(futures, f)
	}
	e.mu.RUnlock()

	sort.Slice(futures, func(i, j int) bool {
		return futures[i].submittedAt.Before(futures[j].submittedAt)
	})
	return futures
}

// Shutdown cancels every live job and waits for their workers and watchers
// to finish, or for ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	futures := e.List()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range futures {
		if !f.Info().Status.IsTerminal() {
			f.Cancel()
		}
		g.Go(func() error {
			return f.Wait(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

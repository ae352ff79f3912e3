package task

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mediatoolkit/internal/progress"
)

const storeWriteTimeout = 5 * time.Second

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Runner launches work functions on their own goroutines and owns the progress records
// they write. It never blocks the caller on task completion.
type Runner struct {
	mu        sync.RWMutex
	store     progress.Store
	ids       IDGenerator
	semaphore chan struct{}
	workersWG sync.WaitGroup
	baseCtx   context.Context
	active    atomic.Int64
}

// NewRunner creates an unbounded runner backed by an in-memory store.
func NewRunner() *Runner {
	return NewRunnerWithOptions(Options{})
}

// NewRunnerWithOptions creates a runner with provided configuration.
// MaxConcurrentTasks <= 0 means no bound on concurrently executing tasks.
func NewRunnerWithOptions(opts Options) *Runner {
	if opts.Store == nil {
		opts.Store = progress.NewMemoryStore()
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	r := &Runner{
		store:   opts.Store,
		ids:     opts.IDs,
		baseCtx: context.Background(),
	}
	if opts.MaxConcurrentTasks > 0 {
		r.semaphore = make(chan struct{}, opts.MaxConcurrentTasks)
	}
	return r
}

// NewID issues a fresh task id without starting anything. Handlers use it when the
// id must be embedded in upload filenames before the work is launched.
func (r *Runner) NewID() string {
	return r.ids.NewID()
}

// Submit generates a task id, launches work and returns the id immediately.
func (r *Runner) Submit(work WorkFunc) (string, error) {
	taskID := r.NewID()
	if err := r.Start(taskID, work); err != nil {
		return "", err
	}
	return taskID, nil
}

// Start launches work under an id obtained from NewID. The starting record is written
// before Start returns, so an immediate poll never sees the unknown state.
func (r *Runner) Start(taskID string, work WorkFunc) error {
	if taskID == "" {
		return ErrEmptyID
	}
	if work == nil {
		return ErrNilWork
	}

	r.Report(taskID, 0, progress.StatusStarting, startingMessage)

	ctx := r.baseContext()
	r.workersWG.Add(1)
	r.active.Add(1)
	go func() {
		defer r.workersWG.Done()
		defer r.active.Add(-1)

		if r.semaphore != nil {
			select {
			case r.semaphore <- struct{}{}:
				defer func() { <-r.semaphore }()
			case <-ctx.Done():
				r.Report(taskID, 0, progress.StatusError, shutdownMessage)
				return
			}
		}
		r.run(ctx, taskID, work)
	}()

	log.Debug().Str("task_id", taskID).Msg("task launched")
	return nil
}

// run executes work inside the supervising guard: every exit path leaves a terminal record.
func (r *Runner) run(ctx context.Context, taskID string, work WorkFunc) {
	rep := &reporter{runner: r, taskID: taskID}
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error().
				Str("task_id", taskID).
				Interface("panic", recovered).
				Bytes("stack", debug.Stack()).
				Msg("work function panicked")
			rep.Report(0, progress.StatusError, panicMessage)
		}
	}()

	err := work(ctx, rep)
	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("task failed")
		rep.Report(0, progress.StatusError, Sanitize(err))
		return
	}
	if !rep.lastStatus().Terminal() {
		log.Warn().Str("task_id", taskID).Msg("work function returned without a terminal status")
		rep.Report(0, progress.StatusError, noResultMessage)
	}
}

// Report overwrites the record for taskID. Completed forces 100%, error forces 0%;
// other states keep the caller's percentage clamped to 0..100 with no monotonicity check.
// A status outside the lifecycle set is recorded as processing.
func (r *Runner) Report(taskID string, percent int, status progress.Status, message string) {
	if !status.Valid() {
		log.Warn().Str("task_id", taskID).Str("status", string(status)).Msg("invalid status reported, recording as processing")
		status = progress.StatusProcessing
	}
	rec := progress.Record{
		Progress:  progress.ClampPercent(percent),
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
	switch status {
	case progress.StatusCompleted:
		rec.Progress = 100
	case progress.StatusError:
		rec.Progress = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := r.store.Put(ctx, taskID, rec); err != nil {
		log.Error().Str("task_id", taskID).Str("status", string(status)).Err(err).Msg("persist progress failed")
	}
}

// Query returns the current record, or the synthetic unknown record. It never fails.
func (r *Runner) Query(taskID string) progress.Record {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	rec, err := r.store.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, progress.ErrNotFound) {
			log.Warn().Str("task_id", taskID).Err(err).Msg("progress lookup failed")
		}
		return progress.Unknown()
	}
	return rec
}

// PruneRecords evicts terminal records older than ttl when the store supports it.
func (r *Runner) PruneRecords(ctx context.Context, ttl time.Duration) (int, error) {
	pruner, ok := r.store.(progress.Pruner)
	if !ok || ttl <= 0 {
		return 0, nil
	}
	return pruner.Prune(ctx, time.Now().Add(-ttl)) //nolint:wrapcheck
}

// IsBusy reports whether a bounded runner has every slot taken.
func (r *Runner) IsBusy() bool {
	if r.semaphore == nil {
		return false
	}
	return len(r.semaphore) >= cap(r.semaphore)
}

// ActiveTasks returns the number of launched tasks that have not returned yet.
func (r *Runner) ActiveTasks() int64 {
	return r.active.Load()
}

// SetBaseContext sets the context handed to work functions.
// Intended to be set at process startup and cancelled during shutdown.
func (r *Runner) SetBaseContext(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

func (r *Runner) baseContext() context.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.baseCtx == nil {
		return context.Background()
	}
	return r.baseCtx
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (r *Runner) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

type reporter struct {
	runner *Runner
	taskID string
	mu     sync.Mutex
	last   progress.Status
}

func (rep *reporter) TaskID() string { return rep.taskID }

// Report serializes writes for one task so the last status seen here matches the stored record.
func (rep *reporter) Report(percent int, status progress.Status, message string) {
	if !status.Valid() {
		status = progress.StatusProcessing
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	rep.last = status
	rep.runner.Report(rep.taskID, percent, status, message)
}

func (rep *reporter) lastStatus() progress.Status {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	return rep.last
}

/*
worker.go - Background settlement runs

PURPOSE:
  Settlement generation over a month of sessions can take a while, so
  operators (and the cron scheduler) enqueue runs instead of calling
  the generator inline. A fixed pool of goroutines drains the queue.

RUN LIFECYCLE:
  queued -> running -> completed | empty | failed | cancelled

  completed  generation finished; MissingCount reports pricing gaps
  empty      nothing eligible in the period
  failed     a non-retryable error, or retries exhausted
  cancelled  an operator cancelled the run

RETRY:
  Only infrastructure errors are retried, with exponential backoff up to
  MaxAttempts. Logic errors (missing pricing for every session, currency
  mismatch) fail immediately: retrying cannot fix configuration.

AT-LEAST-ONCE:
  Runs are persisted before they are dispatched. Recover re-dispatches
  runs left queued or running by a previous process. Generation skips
  sessions already held by a settlement, so running twice is harmless.

CANCELLATION:
  Cancel on a queued run marks it cancelled; the worker skips it. Cancel
  on a running run cancels its context; the generator checks the
  context between sessions and its transaction rolls back.

SEE ALSO:
  - scheduler.go: Monthly cron that enqueues runs
  - studio/settlement.go: The generator itself
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

// Generator is the part of studio.SettlementGenerator the worker needs.
type Generator interface {
	Generate(ctx context.Context, req studio.GenerateRequest) (*studio.GenerationResult, error)
}

// SettlementWorker processes persisted settlement runs.
type SettlementWorker struct {
	Store       studio.SettlementStore
	Generator   Generator
	Log         *logger.Logger
	Now         studio.Clock
	Size        int
	MaxAttempts int
	Backoff     time.Duration

	jobs    chan string
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

// NewSettlementWorker creates a worker pool. Call Start before Enqueue.
func NewSettlementWorker(store studio.SettlementStore, gen Generator, log *logger.Logger, size, maxAttempts int, backoff time.Duration) *SettlementWorker {
	if size <= 0 {
		size = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SettlementWorker{
		Store:       store,
		Generator:   gen,
		Log:         log,
		Size:        size,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		jobs:        make(chan string, size*16),
		cancels:     make(map[string]context.CancelFunc),
	}
}

func (w *SettlementWorker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

// Start launches the worker goroutines. They exit when ctx is done or
// Stop is called.
func (w *SettlementWorker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	for i := 0; i < w.Size; i++ {
		w.wg.Add(1)
		go w.worker(ctx, i)
	}
	w.Log.Info("Settlement worker started", "size", w.Size, "max_attempts", w.MaxAttempts)
}

// Stop cancels in-flight runs and waits for the goroutines to exit.
// Interrupted runs stay queued or running and are picked up by Recover.
func (w *SettlementWorker) Stop() {
	if w.stop != nil {
		w.stop()
	}
	w.wg.Wait()
	w.Log.Info("Settlement worker stopped")
}

func (w *SettlementWorker) worker(ctx context.Context, n int) {
	defer w.wg.Done()
	for {
		select {
		case runID := <-w.jobs:
			w.Log.Debug("Settlement run picked up", "worker", n, "run_id", runID)
			w.process(ctx, runID)
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue persists a queued run and hands it to the pool.
func (w *SettlementWorker) Enqueue(ctx context.Context, instructor studio.InstructorID, period studio.Interval) (studio.SettlementRun, error) {
	if instructor == "" {
		return studio.SettlementRun{}, fmt.Errorf("%w: instructor is required", studio.ErrInvalidInput)
	}
	if !period.Valid() {
		return studio.SettlementRun{}, studio.ErrInvalidInterval
	}
	run := studio.SettlementRun{
		ID:           uuid.NewString(),
		InstructorID: instructor,
		PeriodStart:  period.Start.UTC(),
		PeriodEnd:    period.End.UTC(),
		Status:       studio.RunQueued,
		CreatedAt:    w.now(),
	}
	if err := w.Store.SaveSettlementRun(ctx, run); err != nil {
		return studio.SettlementRun{}, fmt.Errorf("save settlement run: %w", err)
	}
	if err := w.dispatch(ctx, run.ID); err != nil {
		return run, err
	}
	w.Log.Info("Settlement run queued", "run_id", run.ID, "instructor_id", instructor, "period", period.String())
	return run, nil
}

func (w *SettlementWorker) dispatch(ctx context.Context, id string) error {
	select {
	case w.jobs <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover re-dispatches runs a previous process left unfinished.
func (w *SettlementWorker) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []studio.RunStatus{studio.RunRunning, studio.RunQueued} {
		runs, err := w.Store.ListSettlementRuns(ctx, status)
		if err != nil {
			return n, err
		}
		for _, r := range runs {
			if r.Status == studio.RunRunning {
				r.Status = studio.RunQueued
				if err := w.Store.SaveSettlementRun(ctx, r); err != nil {
					return n, err
				}
			}
			if err := w.dispatch(ctx, r.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		w.Log.Info("Recovered settlement runs", "count", n)
	}
	return n, nil
}

// Cancel stops a queued or running run.
func (w *SettlementWorker) Cancel(ctx context.Context, id string) (studio.SettlementRun, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	run, err := w.Store.GetSettlementRun(ctx, id)
	if err != nil {
		return studio.SettlementRun{}, err
	}
	switch run.Status {
	case studio.RunQueued:
		now := w.now()
		run.Status = studio.RunCancelled
		run.CompletedAt = &now
		if err := w.Store.SaveSettlementRun(ctx, run); err != nil {
			return studio.SettlementRun{}, err
		}
	case studio.RunRunning:
		if cancel, ok := w.cancels[id]; ok {
			cancel()
		}
	default:
		return studio.SettlementRun{}, &studio.TransitionError{
			Entity: "settlement run", ID: id, From: string(run.Status), To: string(studio.RunCancelled),
		}
	}
	w.Log.Info("Settlement run cancel requested", "run_id", id, "status", run.Status)
	return run, nil
}

// Get returns the current state of a run.
func (w *SettlementWorker) Get(ctx context.Context, id string) (studio.SettlementRun, error) {
	return w.Store.GetSettlementRun(ctx, id)
}

// List returns runs in the given status, or all runs when status is empty.
func (w *SettlementWorker) List(ctx context.Context, status studio.RunStatus) ([]studio.SettlementRun, error) {
	return w.Store.ListSettlementRuns(ctx, status)
}

// begin moves a queued run to running and registers its cancel func.
func (w *SettlementWorker) begin(ctx context.Context, id string) (studio.SettlementRun, context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	run, err := w.Store.GetSettlementRun(ctx, id)
	if err != nil {
		w.Log.Error("Failed to load settlement run", "run_id", id, "error", err)
		return run, nil, false
	}
	if run.Status != studio.RunQueued {
		return run, nil, false
	}
	now := w.now()
	run.Status = studio.RunRunning
	run.StartedAt = &now
	if err := w.Store.SaveSettlementRun(ctx, run); err != nil {
		w.Log.Error("Failed to start settlement run", "run_id", id, "error", err)
		return run, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancels[id] = cancel
	return run, runCtx, true
}

func (w *SettlementWorker) process(ctx context.Context, id string) {
	run, runCtx, ok := w.begin(ctx, id)
	if !ok {
		return
	}
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.cancels[id]; ok {
			cancel()
			delete(w.cancels, id)
		}
		w.mu.Unlock()
	}()

	log := w.Log.With("run_id", id, "instructor_id", run.InstructorID)
	req := studio.GenerateRequest{
		InstructorID: run.InstructorID,
		Period:       studio.Interval{Start: run.PeriodStart, End: run.PeriodEnd},
	}

	var (
		res *studio.GenerationResult
		err error
	)
	for {
		run.Attempts++
		res, err = w.Generator.Generate(runCtx, req)
		if err == nil || !w.shouldRetry(runCtx, err, run.Attempts) {
			break
		}
		delay := w.Backoff * time.Duration(1<<(run.Attempts-1))
		log.Warn("Settlement run attempt failed, retrying", "attempt", run.Attempts, "backoff", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
		}
	}

	if ctx.Err() != nil {
		// Shutting down: leave the run for Recover.
		log.Warn("Settlement run interrupted by shutdown")
		return
	}

	now := w.now()
	run.CompletedAt = &now
	switch {
	case err == nil:
		run.Status = studio.RunCompleted
		run.MissingCount = len(res.MissingPricing)
		if res.Settlement != nil {
			run.SettlementID = res.Settlement.ID
		}
	case errors.Is(err, studio.ErrEmptyPeriod):
		run.Status = studio.RunEmpty
	case runCtx.Err() != nil:
		run.Status = studio.RunCancelled
		run.Error = err.Error()
	default:
		run.Status = studio.RunFailed
		run.Error = err.Error()
	}

	if err := w.Store.SaveSettlementRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("Failed to record settlement run", "status", run.Status, "error", err)
		return
	}
	if run.Status == studio.RunFailed {
		log.Error("Settlement run failed", "attempts", run.Attempts, "error", run.Error)
		return
	}
	log.Info("Settlement run finished", "status", run.Status, "attempts", run.Attempts,
		"settlement_id", run.SettlementID, "missing_pricing", run.MissingCount)
}

func (w *SettlementWorker) shouldRetry(ctx context.Context, err error, attempts int) bool {
	if ctx.Err() != nil || attempts >= w.MaxAttempts {
		return false
	}
	if errors.Is(err, studio.ErrEmptyPeriod) || studio.IsClientError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

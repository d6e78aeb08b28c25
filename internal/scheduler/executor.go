package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/conductor/internal/contract"
	"github.com/aristath/conductor/internal/registry"
)

// Observer receives run transitions as they happen. Calls arrive from
// concurrent goroutines within a level; implementations must serialize.
// Every Run passed in is a private copy.
type Observer interface {
	// TaskStarted fires when an attempt begins (Status running).
	TaskStarted(run *Run)
	// TaskRetried fires when an attempt failed retryably and another attempt
	// will follow after the given backoff delay (Status failed).
	TaskRetried(run *Run, next time.Duration)
	// TaskFinished fires once per task with the terminal attempt.
	TaskFinished(run *Run)
}

type noopObserver struct{}

func (noopObserver) TaskStarted(*Run)                 {}
func (noopObserver) TaskRetried(*Run, time.Duration)  {}
func (noopObserver) TaskFinished(*Run)                {}

// Config tunes the executor's concurrency and retry envelope.
type Config struct {
	MaxParallel        int           // max concurrent tasks per level (default 4)
	SyncWorkers        int           // worker-pool slots for sync bodies (default NumCPU)
	ConfidenceFloor    float64       // outputs below this are flagged low-confidence
	MaxBackoffInterval time.Duration // cap on the exponential backoff (default 10s)
	CancelGrace        time.Duration // wait for a cancelled body before force-failing (default 5s)
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.SyncWorkers <= 0 {
		c.SyncWorkers = runtime.NumCPU()
	}
	if c.MaxBackoffInterval <= 0 {
		c.MaxBackoffInterval = 10 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	return c
}

// Executor runs one level of tasks concurrently, wrapping each body with
// timeout, retry/backoff, and a circuit breaker. Synchronous bodies occupy a
// bounded worker-pool slot for their full duration; async bodies are awaited
// directly.
type Executor struct {
	cfg       Config
	bodies    map[string]contract.Body
	obs       Observer
	syncSlots *semaphore.Weighted
	breakers  *BreakerRegistry
	clock     func() time.Time
}

// Option customizes the executor.
type Option func(*Executor)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewExecutor creates an executor over the given body catalogue.
func NewExecutor(cfg Config, bodies map[string]contract.Body, obs Observer, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = noopObserver{}
	}
	e := &Executor{
		cfg:       cfg,
		bodies:    bodies,
		obs:       obs,
		syncSlots: semaphore.NewWeighted(int64(cfg.SyncWorkers)),
		breakers:  NewBreakerRegistry(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunLevel dispatches all tasks in one level concurrently, bounded by
// MaxParallel, and waits for every task to reach a terminal status.
// baseAttempts carries the attempt offset per task (non-zero after a phase
// edit-and-retry). The returned runs are terminal attempts in level order;
// the second return is ctx.Err() so callers can tell a halt from completion.
func (e *Executor) RunLevel(ctx context.Context, defs []registry.Definition, wctx *contract.Context, baseAttempts map[string]int) ([]*Run, error) {
	runs := make([]*Run, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)

	for i, def := range defs {
		i, def := i, def
		g.Go(func() error {
			runs[i] = e.runTask(gctx, def, wctx, baseAttempts[def.Name])
			return nil // task outcomes live in runs, not in the group error
		})
	}
	_ = g.Wait()

	return runs, ctx.Err()
}

// NewSkippedRun builds the terminal record for a task that never starts
// because an upstream dependency failed. Reported through the observer like
// any other terminal run.
func (e *Executor) NewSkippedRun(name string, attempt int, reason error) *Run {
	now := e.clock()
	run := &Run{
		TaskName:  name,
		Attempt:   attempt,
		Status:    RunSkipped,
		StartedAt: now,
		EndedAt:   now,
		Err:       reason,
	}
	e.obs.TaskFinished(run.clone())
	return run
}

// runTask executes one task to a terminal status: an attempt loop with
// exponential backoff for retryable failures, each attempt recorded as its
// own Run.
func (e *Executor) runTask(ctx context.Context, def registry.Definition, wctx *contract.Context, baseAttempt int) *Run {
	body, ok := e.bodies[def.Name]
	if !ok {
		now := e.clock()
		run := &Run{
			TaskName:  def.Name,
			Attempt:   baseAttempt,
			Status:    RunFailed,
			StartedAt: now,
			EndedAt:   now,
			Err:       fmt.Errorf("no body registered for task %q", def.Name),
		}
		e.obs.TaskFinished(run.clone())
		return run
	}

	attempt := baseAttempt
	var current *Run

	operation := func() error {
		run := &Run{
			TaskName:  def.Name,
			Attempt:   attempt,
			Status:    RunRunning,
			StartedAt: e.clock(),
		}
		current = run
		attempt++
		e.obs.TaskStarted(run.clone())

		out, err := e.invoke(ctx, def, body, wctx.View(def.Name, def.DependsOn))
		run.EndedAt = e.clock()

		if err == nil && out == nil {
			err = contract.Fatal(errors.New("task body returned nil output without error"))
		}
		if err == nil && (out.Confidence < 0 || out.Confidence > 1) {
			err = contract.Fatal(fmt.Errorf("confidence %v outside [0,1]", out.Confidence))
		}
		if err != nil {
			run.Status = RunFailed
			run.Err = err
			if !contract.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		run.Status = RunSucceeded
		run.Output = out
		run.LowConfidence = out.Confidence < e.cfg.ConfidenceFloor
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = def.RetryBackoffBase
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = e.cfg.MaxBackoffInterval
	policy.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock

	notify := func(err error, next time.Duration) {
		e.obs.TaskRetried(current.clone(), next)
	}

	retries := def.MaxRetries
	if retries < 0 {
		retries = 0
	}
	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
	err := backoff.RetryNotify(operation, wrapped, notify)

	final := current
	if err == nil && final.Status == RunSucceeded {
		wctx.SetOutput(def.Name, final.Output)
	} else if final.Status != RunFailed {
		// Context expired between attempts; close out the dangling run.
		final.Status = RunFailed
		final.Err = err
		final.EndedAt = e.clock()
	}
	e.obs.TaskFinished(final.clone())
	return final
}

// invoke runs one attempt: sync bodies take a worker-pool slot, the attempt
// gets its own timeout, and the call goes through the task's circuit
// breaker. On cancellation the body gets a grace period to exit
// cooperatively before the attempt is force-failed; the goroutine is never
// killed, so external resources are not left mid-flight by the engine.
func (e *Executor) invoke(ctx context.Context, def registry.Definition, body contract.Body, fc *contract.FilteredContext) (*contract.Output, error) {
	release := func() {}
	if def.Mode == registry.ModeSync {
		if err := e.syncSlots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { e.syncSlots.Release(1) }
	}

	attemptCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	type outcome struct {
		out *contract.Output
		err error
	}
	ch := make(chan outcome, 1)
	breaker := e.breakers.Get(def.Name)

	go func() {
		// The slot stays held until the body actually returns. A force-failed
		// attempt whose body is still wedged must keep occupying the pool.
		defer release()
		result, err := breaker.Execute(func() (interface{}, error) {
			return body.Run(attemptCtx, fc)
		})
		if err != nil {
			// An open breaker is not retryable: fail now rather than
			// hammering a tripped dependency.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = contract.Fatal(err)
			}
			ch <- outcome{nil, err}
			return
		}
		out, _ := result.(*contract.Output)
		ch <- outcome{out, nil}
	}()

	select {
	case oc := <-ch:
		return oc.out, oc.err
	case <-attemptCtx.Done():
		select {
		case oc := <-ch:
			return oc.out, oc.err
		case <-time.After(e.cfg.CancelGrace):
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				// Attempt timeout, not a workflow cancel: retryable per policy.
				return nil, fmt.Errorf("task %q exceeded timeout %s: %w", def.Name, def.Timeout, attemptCtx.Err())
			}
			return nil, contract.Fatal(fmt.Errorf("task %q did not observe cancellation within %s", def.Name, e.cfg.CancelGrace))
		}
	}
}

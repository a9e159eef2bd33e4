package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/command-queue/pkg/cmdctx"
	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/security"
)

// run is the scheduling loop. It owns every dispatch decision.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil || e.Err() != nil {
			return
		}

		n, err := e.dispatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fault(err)
			return
		}

		e.mu.Lock()
		delay := e.cfg.NoWorkDelay
		if n > 0 {
			delay = e.cfg.DefaultCheckDelay
		}
		e.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch runs one iteration: compute capacity, ask the store, launch what
// it returns. It reports how many commands were launched.
func (e *Engine) dispatch(ctx context.Context) (int, error) {
	sel, ok := e.selection()
	if !ok {
		return 0, nil
	}

	var reqs []*core.Request
	err := retryStore(ctx, e.storeRetry, func(ctx context.Context) error {
		var err error
		reqs, err = e.store.Get(ctx, sel)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: get: %w", core.ErrStoreFailure, err)
	}

	launched := 0
	for _, req := range reqs {
		if !e.admit(req) {
			// Rate limited between selection and dispatch; hand it back.
			if err := e.settle(context.WithoutCancel(ctx), "release", func(ctx context.Context) error {
				return e.store.Release(ctx, req)
			}); err != nil {
				return launched, err
			}
			continue
		}
		e.launch(ctx, req)
		launched++
	}
	return launched, nil
}

// selection snapshots capacity and pause state under the lock. ok is false
// when nothing can be dispatched this iteration.
func (e *Engine) selection() (core.Selection, bool) {
	now := e.now()

	e.mu.Lock()
	expired := e.expireBansLocked(now)

	free := e.cfg.MaxThreads - len(e.inFlight)
	if free <= 0 || e.err != nil {
		e.mu.Unlock()
		e.publishBanExpiry(expired, now)
		return core.Selection{}, false
	}

	counts := make(map[string]int)
	declared := make(map[string]int)
	for _, req := range e.inFlight {
		tag := req.Command.ParallelTag()
		counts[tag]++
		if _, ok := declared[tag]; !ok {
			declared[tag] = max(1, req.Command.ParallelMax())
		}
	}

	capacity := make(map[string]int, len(counts)+len(e.pausedTags)+len(e.bannedTags))
	for tag, n := range counts {
		capacity[tag] = max(0, declared[tag]-n)
	}
	for tag, lim := range e.limiters {
		tokens := int(lim.TokensAt(now))
		if c, ok := capacity[tag]; ok {
			capacity[tag] = max(0, min(c, tokens))
		} else if tokens < 1 {
			capacity[tag] = 0
		}
	}
	for tag := range e.pausedTags {
		capacity[tag] = 0
	}
	for tag := range e.bannedTags {
		capacity[tag] = 0
	}

	sel := core.Selection{
		Limit:           free,
		TagCapacity:     capacity,
		PausedBatches:   keys(e.pausedBatches),
		PausedWorkTypes: keys(e.pausedTypes),
	}
	e.mu.Unlock()

	e.publishBanExpiry(expired, now)
	return sel, true
}

// admit consumes a rate limit token for the request's tag, if limited.
func (e *Engine) admit(req *core.Request) bool {
	e.mu.Lock()
	lim := e.limiters[req.Command.ParallelTag()]
	e.mu.Unlock()
	if lim == nil {
		return true
	}
	return lim.AllowN(e.now(), 1)
}

// launch records req as in flight and runs it on its own goroutine.
func (e *Engine) launch(ctx context.Context, req *core.Request) {
	req.Status = core.StatusRunning

	e.mu.Lock()
	e.inFlight[req.ID()] = req
	e.mu.Unlock()

	e.wg.Add(1)
	e.log.Debug().
		Str("command_id", req.ID()).
		Str("batch", req.Batch).
		Str("tag", req.Command.ParallelTag()).
		Int("retries", req.Retries).
		Msg("command dispatched")
	e.publishStatus(req)

	runCtx := e.commandContext(ctx, req)
	go func() {
		defer e.wg.Done()
		err := e.execute(runCtx, req.Command)
		e.complete(ctx, req, err)
	}()
}

// commandContext attaches the run's scheduling state and a logger carrying
// the command's fields.
func (e *Engine) commandContext(ctx context.Context, req *core.Request) context.Context {
	ctx = cmdctx.With(ctx, cmdctx.Info{
		CommandID: req.ID(),
		Type:      req.Command.Type(),
		Batch:     req.Batch,
		Attempt:   req.Retries + 1,
		EngineID:  e.id,
	})
	return e.log.With().
		Str("command_id", req.ID()).
		Str("batch", req.Batch).
		Logger().
		WithContext(ctx)
}

// execute runs the command, turning a panic into an error.
func (e *Engine) execute(ctx context.Context, cmd core.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Run(ctx, e)
}

// complete applies the outcome of a run: finish, cancel, retry or fail. The
// request leaves the in-flight set whatever happens. The store works on a
// copy so readers of the in-flight set never race with it.
func (e *Engine) complete(ctx context.Context, req *core.Request, runErr error) {
	log := e.log.With().Str("command_id", req.ID()).Str("batch", req.Batch).Logger()
	maxRetries := security.ClampRetries(req.Command.MaxRetries())

	e.mu.Lock()
	out := req.Clone()
	e.mu.Unlock()

	var (
		op      string
		storeFn func(context.Context) error
	)

	switch {
	case runErr == nil:
		out.Status = core.StatusFinished
		out.LastError = ""
		op, storeFn = "complete", func(ctx context.Context) error {
			return e.store.Complete(ctx, out)
		}
		log.Debug().Msg("command finished")

	case ctx.Err() != nil:
		// Interrupted by stop. Not a failure and not retried; the store
		// entry goes back to the queue untouched.
		out.Status = core.StatusCanceled
		op, storeFn = "release", func(ctx context.Context) error {
			return e.store.Release(ctx, out)
		}
		log.Info().Err(runErr).Msg("command canceled")

	case isNoRetry(runErr) || out.Retries >= maxRetries:
		out.Status = core.StatusError
		out.NotBefore = nil
		out.LastError = security.SanitizeErrorMessage(runErr.Error())
		op, storeFn = "fail", func(ctx context.Context) error {
			return e.store.Fail(ctx, out, out.LastError)
		}
		log.Error().Err(runErr).Int("retries", out.Retries).Msg("command failed permanently")

	default:
		out.Retries++
		out.Status = core.StatusError
		out.LastError = security.SanitizeErrorMessage(runErr.Error())
		delay := e.retryDelay(runErr)
		op, storeFn = "requeue", func(ctx context.Context) error {
			return e.store.Requeue(ctx, out, delay)
		}
		log.Warn().Err(runErr).
			Int("retries", out.Retries).
			Int("max_retries", maxRetries).
			Dur("delay", delay).
			Msg("command failed, will retry")
	}

	storeErr := e.settle(context.WithoutCancel(ctx), op, storeFn)

	e.mu.Lock()
	delete(e.inFlight, req.ID())
	*req = *out
	e.mu.Unlock()

	e.publishStatus(out)
	if storeErr != nil {
		e.fault(storeErr)
	}
	e.poke()
}

// settle runs a completion-side store call under the store retry policy.
func (e *Engine) settle(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := retryStore(ctx, e.storeRetry, fn); err != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrStoreFailure, op, err)
	}
	return nil
}

func (e *Engine) retryDelay(err error) time.Duration {
	e.mu.Lock()
	delay := e.cfg.RetryDelay
	e.mu.Unlock()

	var ra *core.RetryAfterError
	if errors.As(err, &ra) && ra.Delay > delay {
		delay = ra.Delay
	}
	return delay
}

func isNoRetry(err error) bool {
	var nr *core.NoRetryError
	return errors.As(err, &nr)
}

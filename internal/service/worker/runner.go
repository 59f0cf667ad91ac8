// Package worker runs the client's periodic background jobs.
package worker

import (
	"context"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/utils/log"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Job is one periodic task. Tick runs once immediately and then every
	// Interval.
	Job struct {
		Name     string
		Interval time.Duration
		Tick     func(ctx context.Context) error
	}

	// Runner keeps its jobs running. A failing job is restarted after
	// RestartDelay; a job that lost the store connection stops the runner.
	Runner struct {
		jobs         []Job
		restartDelay time.Duration
		logger       *zap.Logger

		mu     sync.Mutex
		cancel context.CancelFunc
		eg     *errgroup.Group
	}
)

func NewRunner(restartDelay time.Duration, jobs ...Job) *Runner {
	return &Runner{
		jobs:         jobs,
		restartDelay: restartDelay,
		logger:       log.Named("worker"),
	}
}

// Start launches every job. Calling Start on a running runner does nothing.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eg != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.eg, ctx = errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		r.eg.Go(func() error { return r.supervise(ctx, job) })
	}
}

// Wait blocks until every job has stopped and returns the error that
// stopped the runner, if any.
func (r *Runner) Wait() error {
	r.mu.Lock()
	eg := r.eg
	r.mu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

// Stop cancels every job and waits for them.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.Wait()
}

func (r *Runner) supervise(ctx context.Context, job Job) error {
	logger := r.logger.With(zap.String("job", job.Name))
	for {
		err := run(ctx, job)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, store.ErrNeedsReconnect) {
			logger.Error("store connection lost, stopping", zap.Error(err))
			return err
		}
		logger.Warn("job failed, restarting", zap.Duration("delay", r.restartDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.restartDelay):
		}
	}
}

func run(ctx context.Context, job Job) error {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		if err := job.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

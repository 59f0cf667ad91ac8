package api

import (
	"context"
	"e2e_group/internal/utils/log"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	// Cooldown is how long calls fail fast after a call exhausted its
	// attempts on retryable errors.
	Cooldown time.Duration
}

// RetryClient wraps a Client with exponential backoff. Only errors
// IsRetryable accepts are retried.
type RetryClient struct {
	inner  Client
	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	coolUntil time.Time
	lastErr   error
}

func NewRetryClient(inner Client, policy RetryPolicy) *RetryClient {
	return &RetryClient{
		inner:  inner,
		policy: policy,
		logger: log.Named("retry"),
		now:    time.Now,
	}
}

func (r *RetryClient) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.Multiplier = r.policy.Multiplier
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if r.policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (r *RetryClient) cooling() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Before(r.coolUntil) {
		return fmt.Errorf("%w until %s: %v", ErrCoolingDown, r.coolUntil.Format(time.RFC3339), r.lastErr)
	}
	return nil
}

func (r *RetryClient) settle(ctx context.Context, path string, err error) {
	if err == nil || ctx.Err() != nil || !IsRetryable(err) || r.policy.Cooldown <= 0 {
		return
	}
	r.mu.Lock()
	r.coolUntil = r.now().Add(r.policy.Cooldown)
	r.lastErr = err
	r.mu.Unlock()
	r.logger.Warn("retries exhausted, cooling down",
		zap.String("path", path), zap.Duration("cooldown", r.policy.Cooldown), zap.Error(err))
}

func (r *RetryClient) do(ctx context.Context, path string, op func() error) error {
	if err := r.cooling(); err != nil {
		return err
	}
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("retryable backend error",
			zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, r.newBackOff(ctx))
	r.settle(ctx, path, err)
	return err
}

func (r *RetryClient) Request(ctx context.Context, path string, body []byte) ([]byte, error) {
	var out []byte
	err := r.do(ctx, path, func() error {
		resp, err := r.inner.Request(ctx, path, body)
		out = resp
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RetryClient) Stream(ctx context.Context, path string, body []byte) (Stream, error) {
	var out Stream
	err := r.do(ctx, path, func() error {
		s, err := r.inner.Stream(ctx, path, body)
		out = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

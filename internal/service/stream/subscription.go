// Package stream turns a backend subscription into a channel of processed
// items. A subscription moves through Establishing, Streaming, Draining and
// Closed; it reconnects with backoff while establishing and catches up on
// whatever it missed each time it connects.
package stream

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const DefaultBuffer = 64

// ErrResubscribe, returned from Source.Handle, makes the subscription
// reconnect so Open can pick a new set of topics.
var ErrResubscribe = errors.New("resubscribe")

type State int32

const (
	Establishing State = iota
	Streaming
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type (
	// EnvelopeStream is an open backend subscription.
	EnvelopeStream interface {
		Recv() (model.Envelope, error)
		Close() error
	}

	// Source produces the items of a subscription. Open subscribes; CatchUp
	// runs after every (re)connect and returns what arrived while the
	// subscription was down; Handle processes one streamed envelope.
	Source[T any] interface {
		Open(ctx context.Context) (EnvelopeStream, error)
		CatchUp(ctx context.Context) ([]T, error)
		Handle(ctx context.Context, env model.Envelope) ([]T, error)
	}

	Subscription[T any] struct {
		name   string
		source Source[T]
		out    chan T
		state  atomic.Int32
		cancel context.CancelFunc
		done   chan struct{}
		logger *zap.Logger

		mu       sync.Mutex
		current  EnvelopeStream
		draining bool
		err      error
	}
)

// Start opens a subscription that runs until ctx ends, Close is called, or
// Wait drains it.
func Start[T any](ctx context.Context, name string, source Source[T], buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		name:   name,
		source: source,
		out:    make(chan T, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.Named("stream").With(zap.String("subscription", name)),
	}
	go s.run(ctx)
	return s
}

// C delivers processed items. It is closed once the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.out }

func (s *Subscription[T]) State() State { return State(s.state.Load()) }

// Close aborts the subscription. Items not yet delivered are dropped.
func (s *Subscription[T]) Close() error {
	s.cancel()
	<-s.done
	return s.Err()
}

// Wait stops receiving new envelopes, lets the items already processed
// reach the channel and returns once the subscription has ended.
func (s *Subscription[T]) Wait() error {
	s.mu.Lock()
	s.draining = true
	cur := s.current
	s.mu.Unlock()
	if s.State() == Streaming {
		s.state.Store(int32(Draining))
	}
	if cur != nil {
		_ = cur.Close()
	} else {
		// Not connected, so nothing is in flight.
		s.cancel()
	}
	<-s.done
	return s.Err()
}

// Err is the error that ended the subscription, nil if it was closed or
// drained.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[T]) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Subscription[T]) run(ctx context.Context) {
	defer func() {
		s.state.Store(int32(Closed))
		close(s.out)
		close(s.done)
	}()
	for {
		err := s.session(ctx)
		switch {
		case ctx.Err() != nil, s.isDraining():
			return
		case errors.Is(err, store.ErrNeedsReconnect):
			s.fail(err)
			return
		case errors.Is(err, ErrResubscribe):
			s.logger.Debug("resubscribing")
			continue
		}
		s.logger.Warn("subscription interrupted, reconnecting", zap.Error(err))
	}
}

func (s *Subscription[T]) fail(err error) {
	s.logger.Error("subscription ended", zap.Error(err))
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// session connects, catches up and streams until the connection breaks.
func (s *Subscription[T]) session(ctx context.Context) error {
	s.state.Store(int32(Establishing))
	es, err := backoff.RetryWithData(func() (EnvelopeStream, error) {
		es, err := s.source.Open(ctx)
		if err != nil {
			s.logger.Debug("subscribe failed", zap.Error(err))
		}
		return es, err
	}, backoff.WithContext(reconnectBackOff(), ctx))
	if err != nil {
		return err
	}
	defer es.Close()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.current = es
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	items, err := s.source.CatchUp(ctx)
	if !s.deliver(ctx, items) {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("catch up: %w", err)
	}
	s.state.CompareAndSwap(int32(Establishing), int32(Streaming))
	s.logger.Debug("streaming")

	for {
		env, err := es.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream closed by node: %w", err)
			}
			return err
		}
		items, err := s.source.Handle(ctx, env)
		if !s.deliver(ctx, items) {
			return ctx.Err()
		}
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNeedsReconnect), errors.Is(err, ErrResubscribe):
			return err
		default:
			s.logger.Warn("streamed envelope not processed", zap.Stringer("cursor", env.Cursor), zap.Error(err))
		}
	}
}

// reconnectBackOff never gives up; only the context ends a reconnect.
func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (s *Subscription[T]) deliver(ctx context.Context, items []T) bool {
	for _, it := range items {
		select {
		case s.out <- it:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

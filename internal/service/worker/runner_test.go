package worker

import (
	"context"
	"e2e_group/internal/repository/store"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRestartsFailedJob(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	r := NewRunner(time.Millisecond, Job{
		Name:     "flaky",
		Interval: time.Hour,
		Tick: func(context.Context) error {
			if calls.Add(1) == 3 {
				close(done)
			}
			return errors.New("boom")
		},
	})
	r.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not restarted")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestRunnerStopsOnLostStore(t *testing.T) {
	var other atomic.Int32
	r := NewRunner(time.Millisecond,
		Job{
			Name:     "store",
			Interval: time.Hour,
			Tick: func(context.Context) error {
				return fmt.Errorf("query: %w", store.ErrNeedsReconnect)
			},
		},
		Job{
			Name:     "steady",
			Interval: time.Millisecond,
			Tick: func(context.Context) error {
				other.Add(1)
				return nil
			},
		},
	)
	r.Start(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- r.Wait() }()
	select {
	case err := <-errc:
		if !errors.Is(err, store.ErrNeedsReconnect) {
			t.Fatalf("Wait = %v, want ErrNeedsReconnect", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerTicks(t *testing.T) {
	var calls atomic.Int32
	r := NewRunner(time.Second, Job{
		Name:     "tick",
		Interval: time.Millisecond,
		Tick: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	r.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("ticked %d times", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

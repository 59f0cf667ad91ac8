package groups

import (
	"bytes"
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/model"
	"errors"
	"testing"
	"time"
)

// flakyPublisher fails the next failures publish calls with a transport
// error. With stored set the envelopes still reach the node first, as when
// only the response is lost.
type flakyPublisher struct {
	Backend
	failures int
	stored   bool
	calls    []time.Time
}

func (f *flakyPublisher) PublishEnvelopes(ctx context.Context, envs ...model.ClientEnvelope) ([]model.Envelope, error) {
	f.calls = append(f.calls, time.Now())
	if f.failures == 0 {
		return f.Backend.PublishEnvelopes(ctx, envs...)
	}
	f.failures--
	if f.stored {
		if _, err := f.Backend.PublishEnvelopes(ctx, envs...); err != nil {
			return nil, err
		}
	}
	return nil, &api.TransportError{Node: "node", Err: errors.New("connection reset by peer")}
}

func assertNoInvalidCommits(t *testing.T, g *Group) {
	t.Helper()
	for _, e := range debug(t, g).LocalCommitLog {
		if e.Result == model.CommitInvalid {
			t.Fatalf("commit log has an invalid entry at seq %d: %s", e.CommitSequenceID, e.Error)
		}
	}
}

func intentState(t *testing.T, mb *member, id model.IntentID) *model.Intent {
	t.Helper()
	in, err := mb.m.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func TestLostAckCommitIsMerged(t *testing.T) {
	ctx := context.Background()
	alice, _, ga, gb := newPair(t)
	start := assertConverged(t, ga, gb)

	flaky := &flakyPublisher{Backend: alice.m.backend, failures: 1, stored: true}
	alice.m.backend = flaky

	if err := ga.RotateKeys(ctx); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	syncGroups(t, gb, ga)
	if got := assertConverged(t, ga, gb); got != start+1 {
		t.Fatalf("epoch = %d, want %d", got, start+1)
	}
	assertNoInvalidCommits(t, ga)
	if len(flaky.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(flaky.calls))
	}
}

func TestRepublishedCommitIsMergedOnce(t *testing.T) {
	ctx := context.Background()
	alice, _, ga, gb := newPair(t)
	start := assertConverged(t, ga, gb)

	alice.m.backend = &flakyPublisher{Backend: alice.m.backend, failures: 2, stored: true}
	id, err := alice.m.queue.Enqueue(ctx, ga.ID, model.KeyUpdateData{}, false)
	if err != nil {
		t.Fatal(err)
	}
	s, err := alice.m.open(ctx, ga.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if progressed, err := alice.m.publishNext(ctx, s); err != nil || progressed {
			t.Fatalf("publishNext #%d = %v, %v; want no progress", i, progressed, err)
		}
	}
	in := intentState(t, alice, id)
	if in.State != model.IntentPublished || !in.Unacknowledged || in.PublishAttempts != 2 {
		t.Fatalf("intent = %s unacknowledged=%v attempts=%d", in.State, in.Unacknowledged, in.PublishAttempts)
	}

	envs, err := alice.backend.QueryEnvelopes(ctx, model.GroupTopic(ga.ID), model.GlobalCursor{})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(envs); n < 2 || !bytes.Equal(envs[n-1].Payload, envs[n-2].Payload) {
		t.Fatalf("want the same commit published twice, got %d envelopes", n)
	}

	syncGroups(t, ga, gb)
	if got := assertConverged(t, ga, gb); got != start+1 {
		t.Fatalf("epoch = %d, want %d", got, start+1)
	}
	if in := intentState(t, alice, id); in.State != model.IntentCommitted {
		t.Fatalf("intent state = %s, want committed", in.State)
	}
	assertNoInvalidCommits(t, ga)
}

func TestUnacknowledgedCommitRebuiltAfterEpochMoves(t *testing.T) {
	ctx := context.Background()
	alice, _, ga, gb := newPair(t)
	start := assertConverged(t, ga, gb)

	alice.m.backend = &flakyPublisher{Backend: alice.m.backend, failures: 1}
	id, err := alice.m.queue.Enqueue(ctx, ga.ID, model.KeyUpdateData{}, false)
	if err != nil {
		t.Fatal(err)
	}
	s, err := alice.m.open(ctx, ga.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progressed, err := alice.m.publishNext(ctx, s); err != nil || progressed {
		t.Fatalf("publishNext = %v, %v; want no progress", progressed, err)
	}

	if err := gb.RotateKeys(ctx); err != nil {
		t.Fatalf("bob RotateKeys: %v", err)
	}
	syncGroups(t, ga, gb)
	if got := assertConverged(t, ga, gb); got != start+2 {
		t.Fatalf("epoch = %d, want %d", got, start+2)
	}
	in := intentState(t, alice, id)
	if in.State != model.IntentCommitted || in.PublishAttempts != 1 {
		t.Fatalf("intent = %s after %d attempts, want committed after 1", in.State, in.PublishAttempts)
	}
	assertNoInvalidCommits(t, ga)
}

func TestPublishRetriesBackOff(t *testing.T) {
	ctx := context.Background()
	alice, _, ga, gb := newPair(t)
	start := assertConverged(t, ga, gb)

	interval := 40 * time.Millisecond
	alice.m.retry = interval
	flaky := &flakyPublisher{Backend: alice.m.backend, failures: 2}
	alice.m.backend = flaky

	if err := ga.RotateKeys(ctx); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if len(flaky.calls) != 3 {
		t.Fatalf("publish calls = %d, want 3", len(flaky.calls))
	}
	for i := 1; i < len(flaky.calls); i++ {
		if gap := flaky.calls[i].Sub(flaky.calls[i-1]); gap < interval/2 {
			t.Fatalf("publish attempt %d came %s after the previous one, want at least %s", i+1, gap, interval/2)
		}
	}
	syncGroups(t, gb)
	if got := assertConverged(t, ga, gb); got != start+1 {
		t.Fatalf("epoch = %d, want %d", got, start+1)
	}
}

package intents

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T, maxAttempts int) *Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "client.db"), 2)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewQueue(s, maxAttempts)
}

func TestQueueOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)
	group := model.GroupID{0x01}
	other := model.GroupID{0x02}

	first, err := q.Enqueue(ctx, group, model.SendMessageData{Content: []byte("a")}, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, other, model.KeyUpdateData{}, false); err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, group, model.MetadataUpdateData{Field: model.MetadataGroupName, Value: "x"}, false)
	if err != nil {
		t.Fatal(err)
	}

	next, err := q.NextReady(ctx, group)
	if err != nil || next == nil || next.ID != first {
		t.Fatalf("NextReady = %+v, %v; want intent %d", next, err, first)
	}
	if !next.ShouldPush {
		t.Fatalf("ShouldPush lost")
	}
	data, err := model.DecodeIntentData(next.Kind, next.Data)
	if err != nil {
		t.Fatal(err)
	}
	if string(data.(model.SendMessageData).Content) != "a" {
		t.Fatalf("payload = %+v", data)
	}

	// A published head blocks the queue until it is resolved.
	if _, err := q.Mark(ctx, first, Published([]byte("hash"), []byte("staged"), 4)); err != nil {
		t.Fatal(err)
	}
	if next, err := q.NextReady(ctx, group); err != nil || next != nil {
		t.Fatalf("NextReady behind published head = %+v, %v", next, err)
	}
	head, err := q.Head(ctx, group)
	if err != nil || head.ID != first || head.PublishedInEpoch != 4 {
		t.Fatalf("Head = %+v, %v", head, err)
	}
	found, err := q.FindByPayloadHash(ctx, []byte("hash"))
	if err != nil || found == nil || found.ID != first {
		t.Fatalf("FindByPayloadHash = %+v, %v", found, err)
	}

	if _, err := q.Mark(ctx, first, Committed()); err != nil {
		t.Fatal(err)
	}
	next, err = q.NextReady(ctx, group)
	if err != nil || next == nil || next.ID != second {
		t.Fatalf("NextReady after commit = %+v, %v; want %d", next, err, second)
	}
}

func TestQueueResetRebuilds(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)
	group := model.GroupID{0x03}

	id, err := q.Enqueue(ctx, group, model.KeyUpdateData{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Mark(ctx, id, Published([]byte("h"), []byte("s"), 1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Reset(ctx, id); err != nil {
		t.Fatal(err)
	}
	next, err := q.NextReady(ctx, group)
	if err != nil || next == nil || next.ID != id || next.StagedCommit != nil {
		t.Fatalf("NextReady after reset = %+v, %v", next, err)
	}
	if found, err := q.FindByPayloadHash(ctx, []byte("h")); err != nil || found != nil {
		t.Fatalf("stale payload hash still matches: %+v, %v", found, err)
	}
}

func TestQueueFailures(t *testing.T) {
	retryable := &api.TransportError{Node: "n1", Err: errors.New("connection refused")}
	permanent := &api.ValidationError{Kind: api.InvalidProof}
	cooling := fmt.Errorf("%w until 12:00: %v", api.ErrCoolingDown, retryable)

	tests := []struct {
		name   string
		errs   []error
		states []model.IntentState
	}{
		{
			name:   "retryable until attempts run out",
			errs:   []error{retryable, retryable, retryable},
			states: []model.IntentState{model.IntentToPublish, model.IntentToPublish, model.IntentError},
		},
		{
			name:   "permanent fails at once",
			errs:   []error{permanent},
			states: []model.IntentState{model.IntentError},
		},
		{
			name:   "cooling down counts as transient",
			errs:   []error{cooling, cooling, cooling},
			states: []model.IntentState{model.IntentToPublish, model.IntentToPublish, model.IntentError},
		},
		{
			name:   "retry then permanent",
			errs:   []error{retryable, permanent},
			states: []model.IntentState{model.IntentToPublish, model.IntentError},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q := newTestQueue(t, 3)
			group := model.GroupID{0x04}
			id, err := q.Enqueue(ctx, group, model.SendMessageData{Content: []byte("m")}, false)
			if err != nil {
				t.Fatal(err)
			}
			for i, e := range tt.errs {
				got, err := q.Mark(ctx, id, Failed(e))
				if err != nil {
					t.Fatalf("Mark #%d: %v", i, err)
				}
				if got != tt.states[i] {
					t.Fatalf("Mark #%d state = %s, want %s", i, got, tt.states[i])
				}
			}
			in, err := q.Get(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if in.PublishAttempts != len(tt.errs) {
				t.Fatalf("attempts = %d, want %d", in.PublishAttempts, len(tt.errs))
			}
			if in.State == model.IntentError && in.Error == "" {
				t.Fatalf("error intent has no message")
			}
			if next, _ := q.NextReady(ctx, group); next != nil {
				t.Fatalf("failed intent still ready: %+v", next)
			}
		})
	}
}

func TestQueueUnacknowledgedKeepsPayload(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)
	group := model.GroupID{0x05}
	lost := &api.TransportError{Node: "n1", Err: errors.New("connection reset")}

	id, err := q.Enqueue(ctx, group, model.KeyUpdateData{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Mark(ctx, id, Published([]byte("h"), []byte("s"), 7)); err != nil {
		t.Fatal(err)
	}
	state, err := q.Mark(ctx, id, Unacknowledged(lost))
	if err != nil || state != model.IntentPublished {
		t.Fatalf("Mark = %s, %v; want published", state, err)
	}

	// The unacknowledged head is handed out again for republishing.
	next, err := q.NextReady(ctx, group)
	if err != nil || next == nil || next.ID != id {
		t.Fatalf("NextReady = %+v, %v; want intent %d", next, err, id)
	}
	if !next.Unacknowledged || string(next.StagedCommit) != "s" || next.PublishedInEpoch != 7 {
		t.Fatalf("republish candidate = %+v", next)
	}
	if found, err := q.FindByPayloadHash(ctx, []byte("h")); err != nil || found == nil || found.ID != id {
		t.Fatalf("FindByPayloadHash = %+v, %v", found, err)
	}

	// A successful republish clears the flag.
	if _, err := q.Mark(ctx, id, Published(next.PayloadHash, next.StagedCommit, next.PublishedInEpoch)); err != nil {
		t.Fatal(err)
	}
	if next, err := q.NextReady(ctx, group); err != nil || next != nil {
		t.Fatalf("acknowledged intent still ready: %+v, %v", next, err)
	}

	// Out of attempts: retired, but a late echo still finds it.
	if state, err := q.Mark(ctx, id, Unacknowledged(lost)); err != nil || state != model.IntentError {
		t.Fatalf("Mark = %s, %v; want error", state, err)
	}
	found, err := q.FindByPayloadHash(ctx, []byte("h"))
	if err != nil || found == nil || found.State != model.IntentError {
		t.Fatalf("FindByPayloadHash after retire = %+v, %v", found, err)
	}
}

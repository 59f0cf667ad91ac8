// Package intents is the per-group queue of local operations waiting to be
// turned into commits or application messages. Intents leave the queue in
// the order they were enqueued.
package intents

import (
	"context"
	"e2e_group/internal/api"
	"e2e_group/internal/model"
	"e2e_group/internal/repository/store"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxPublishAttempts is used when the queue is built with a
// non-positive limit.
const DefaultMaxPublishAttempts = 3

var ErrPublishFailed = errors.New("intent failed to publish")

type (
	// Store is the persistence the queue runs on.
	Store interface {
		InsertIntent(ctx context.Context, in *model.Intent) (model.IntentID, error)
		Intent(ctx context.Context, id model.IntentID) (*model.Intent, error)
		PendingIntents(ctx context.Context, group model.GroupID) ([]*model.Intent, error)
		IntentByPayloadHash(ctx context.Context, hash []byte) (*model.Intent, error)
		SetIntentPublished(ctx context.Context, id model.IntentID, payloadHash, staged []byte, epoch uint64) error
		SetIntentUnacknowledged(ctx context.Context, id model.IntentID, unacknowledged bool) error
		SetIntentState(ctx context.Context, id model.IntentID, state model.IntentState, errMsg string) error
		ResetIntent(ctx context.Context, id model.IntentID) error
		IncrementPublishAttempts(ctx context.Context, id model.IntentID) (int, error)
	}

	OutcomeKind int

	// Outcome is what happened to an intent the publisher picked up.
	Outcome struct {
		Kind OutcomeKind
		// Set for OutcomePublished.
		PayloadHash  []byte
		StagedCommit []byte
		Epoch        uint64
		// Set for OutcomeFailed and OutcomeUnacknowledged.
		Err error
	}

	Queue struct {
		store       Store
		maxAttempts int
		now         func() time.Time
		logger      *zap.Logger
	}
)

const (
	// OutcomePublished: the payload reached the backend and waits for its
	// echo before it is final.
	OutcomePublished OutcomeKind = iota + 1
	OutcomeCommitted
	OutcomeFailed
	// OutcomeUnacknowledged: the publish call failed, but the backend may
	// have stored the payload anyway.
	OutcomeUnacknowledged
)

func NewQueue(s Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPublishAttempts
	}
	return &Queue{store: s, maxAttempts: maxAttempts, now: time.Now, logger: log.Named("intents")}
}

func Published(payloadHash, staged []byte, epoch uint64) Outcome {
	return Outcome{Kind: OutcomePublished, PayloadHash: payloadHash, StagedCommit: staged, Epoch: epoch}
}

func Committed() Outcome { return Outcome{Kind: OutcomeCommitted} }

func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

func Unacknowledged(err error) Outcome { return Outcome{Kind: OutcomeUnacknowledged, Err: err} }

// Enqueue stores data as a new ToPublish intent for group.
func (q *Queue) Enqueue(ctx context.Context, group model.GroupID, data model.IntentData, shouldPush bool) (model.IntentID, error) {
	payload, err := model.EncodeIntentData(data)
	if err != nil {
		return 0, err
	}
	id, err := q.store.InsertIntent(ctx, &model.Intent{
		GroupID:    group,
		Kind:       data.Kind(),
		Data:       payload,
		State:      model.IntentToPublish,
		ShouldPush: shouldPush,
		CreatedNS:  q.now().UnixNano(),
	})
	if err != nil {
		return 0, err
	}
	q.logger.Debug("intent enqueued",
		zap.Stringer("group", group), zap.Int64("intent", int64(id)), zap.Stringer("kind", data.Kind()))
	return id, nil
}

func (q *Queue) Get(ctx context.Context, id model.IntentID) (*model.Intent, error) {
	return q.store.Intent(ctx, id)
}

// NextReady returns the oldest unretired intent of group if it is waiting
// to be published or republished. A published intent at the head blocks
// the ones behind it until it is committed or reset, so nil is returned in
// that case too.
func (q *Queue) NextReady(ctx context.Context, group model.GroupID) (*model.Intent, error) {
	pending, err := q.store.PendingIntents(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	head := pending[0]
	if head.State == model.IntentToPublish || (head.State == model.IntentPublished && head.Unacknowledged) {
		return head, nil
	}
	return nil, nil
}

// Head returns the oldest unretired intent of group in any state, or nil.
func (q *Queue) Head(ctx context.Context, group model.GroupID) (*model.Intent, error) {
	pending, err := q.store.PendingIntents(ctx, group)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	return pending[0], nil
}

// Mark records the outcome of a publish attempt and returns the intent's
// new state. Transient failures put the intent back to ToPublish until it
// has been tried maxAttempts times. An unacknowledged publish keeps the
// intent Published with its payload so the echo can still be matched.
func (q *Queue) Mark(ctx context.Context, id model.IntentID, out Outcome) (model.IntentState, error) {
	switch out.Kind {
	case OutcomePublished:
		return model.IntentPublished, q.store.SetIntentPublished(ctx, id, out.PayloadHash, out.StagedCommit, out.Epoch)
	case OutcomeCommitted:
		return model.IntentCommitted, q.store.SetIntentState(ctx, id, model.IntentCommitted, "")
	case OutcomeFailed:
		return q.fail(ctx, id, out.Err)
	case OutcomeUnacknowledged:
		return q.unacknowledged(ctx, id, out.Err)
	default:
		return 0, fmt.Errorf("intent %d: unknown outcome %d", id, out.Kind)
	}
}

func (q *Queue) fail(ctx context.Context, id model.IntentID, cause error) (model.IntentState, error) {
	attempts, err := q.store.IncrementPublishAttempts(ctx, id)
	if err != nil {
		return 0, err
	}
	if api.IsTransient(cause) && attempts < q.maxAttempts {
		q.logger.Warn("intent publish failed, will retry",
			zap.Int64("intent", int64(id)), zap.Int("attempts", attempts), zap.Error(cause))
		return model.IntentToPublish, q.store.ResetIntent(ctx, id)
	}
	return q.retire(ctx, id, attempts, cause)
}

func (q *Queue) unacknowledged(ctx context.Context, id model.IntentID, cause error) (model.IntentState, error) {
	attempts, err := q.store.IncrementPublishAttempts(ctx, id)
	if err != nil {
		return 0, err
	}
	if api.IsTransient(cause) && attempts < q.maxAttempts {
		q.logger.Warn("intent publish unacknowledged, will republish",
			zap.Int64("intent", int64(id)), zap.Int("attempts", attempts), zap.Error(cause))
		return model.IntentPublished, q.store.SetIntentUnacknowledged(ctx, id, true)
	}
	// The payload hash stays so a late echo is still recognised.
	return q.retire(ctx, id, attempts, cause)
}

func (q *Queue) retire(ctx context.Context, id model.IntentID, attempts int, cause error) (model.IntentState, error) {
	q.logger.Error("intent failed",
		zap.Int64("intent", int64(id)), zap.Int("attempts", attempts), zap.Error(cause))
	return model.IntentError, q.store.SetIntentState(ctx, id, model.IntentError, errString(cause))
}

// Reset returns a published intent to ToPublish so it is rebuilt against
// the group's current epoch.
func (q *Queue) Reset(ctx context.Context, id model.IntentID) error {
	return q.store.ResetIntent(ctx, id)
}

// FindByPayloadHash returns the intent that produced a published payload,
// or nil if none did.
func (q *Queue) FindByPayloadHash(ctx context.Context, hash []byte) (*model.Intent, error) {
	in, err := q.store.IntentByPayloadHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return in, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

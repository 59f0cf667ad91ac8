package store

import (
	"context"
	"e2e_group/internal/model"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const intentColumns = `id, group_id, kind, data, state, publish_attempts, payload_hash, staged_commit,
	published_in_epoch, unacknowledged, should_push, error, created_ns`

func scanIntent(stmt *sqlite.Stmt) *model.Intent {
	return &model.Intent{
		ID:               model.IntentID(stmt.ColumnInt64(0)),
		GroupID:          columnBytes(stmt, 1),
		Kind:             model.IntentKind(stmt.ColumnInt64(2)),
		Data:             columnBytes(stmt, 3),
		State:            model.IntentState(stmt.ColumnInt64(4)),
		PublishAttempts:  int(stmt.ColumnInt64(5)),
		PayloadHash:      columnBytes(stmt, 6),
		StagedCommit:     columnBytes(stmt, 7),
		PublishedInEpoch: uint64(stmt.ColumnInt64(8)),
		Unacknowledged:   stmt.ColumnInt64(9) != 0,
		ShouldPush:       stmt.ColumnInt64(10) != 0,
		Error:            stmt.ColumnText(11),
		CreatedNS:        stmt.ColumnInt64(12),
	}
}

func (s *Store) queryIntents(ctx context.Context, where string, args ...any) ([]*model.Intent, error) {
	var out []*model.Intent
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+intentColumns+` FROM intents WHERE `+where,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanIntent(stmt))
					return nil
				},
			})
	})
	return out, err
}

// InsertIntent stores a new intent and returns its id.
func (s *Store) InsertIntent(ctx context.Context, in *model.Intent) (model.IntentID, error) {
	var id model.IntentID
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO intents
			(group_id, kind, data, state, should_push, created_ns) VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				[]byte(in.GroupID), int(in.Kind), blob(in.Data), int(in.State), in.ShouldPush, in.CreatedNS,
			}})
		id = model.IntentID(conn.LastInsertRowID())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert intent: %w", err)
	}
	return id, nil
}

func (s *Store) Intent(ctx context.Context, id model.IntentID) (*model.Intent, error) {
	out, err := s.queryIntents(ctx, `id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("intent %d: %w", id, ErrNotFound)
	}
	return out[0], nil
}

// PendingIntents returns the group's intents that are not retired, in
// enqueue order.
func (s *Store) PendingIntents(ctx context.Context, group model.GroupID) ([]*model.Intent, error) {
	return s.queryIntents(ctx, `group_id = ? AND state IN (?, ?) ORDER BY id`,
		[]byte(group), int(model.IntentToPublish), int(model.IntentPublished))
}

// Intents returns every intent of the group in enqueue order.
func (s *Store) Intents(ctx context.Context, group model.GroupID) ([]*model.Intent, error) {
	return s.queryIntents(ctx, `group_id = ? ORDER BY id`, []byte(group))
}

// IntentByPayloadHash finds the published intent that produced payload.
func (s *Store) IntentByPayloadHash(ctx context.Context, hash []byte) (*model.Intent, error) {
	out, err := s.queryIntents(ctx, `payload_hash = ? ORDER BY id DESC LIMIT 1`, hash)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("intent with payload %x: %w", hash, ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) updateIntent(ctx context.Context, id model.IntentID, set string, args ...any) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE intents SET `+set+` WHERE id = ?`,
			&sqlitex.ExecOptions{Args: append(args, int64(id))})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("intent %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SetIntentPublished records the payload an intent was serialized into.
func (s *Store) SetIntentPublished(ctx context.Context, id model.IntentID, payloadHash, staged []byte, epoch uint64) error {
	return s.updateIntent(ctx, id,
		`state = ?, payload_hash = ?, staged_commit = ?, published_in_epoch = ?, unacknowledged = 0`,
		int(model.IntentPublished), blob(payloadHash), blob(staged), int64(epoch))
}

// SetIntentUnacknowledged flags or clears a published intent whose publish
// call failed after the payload may have reached the backend.
func (s *Store) SetIntentUnacknowledged(ctx context.Context, id model.IntentID, unacknowledged bool) error {
	return s.updateIntent(ctx, id, `unacknowledged = ?`, unacknowledged)
}

// SetIntentState moves an intent to state, keeping errMsg for Error.
func (s *Store) SetIntentState(ctx context.Context, id model.IntentID, state model.IntentState, errMsg string) error {
	return s.updateIntent(ctx, id, `state = ?, error = ?`, int(state), errMsg)
}

// ResetIntent returns an intent to ToPublish and drops its staged payload.
func (s *Store) ResetIntent(ctx context.Context, id model.IntentID) error {
	return s.updateIntent(ctx, id,
		`state = ?, payload_hash = NULL, staged_commit = NULL, published_in_epoch = 0, unacknowledged = 0`,
		int(model.IntentToPublish))
}

// IncrementPublishAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementPublishAttempts(ctx context.Context, id model.IntentID) (int, error) {
	var attempts int
	err := s.tx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE intents SET publish_attempts = publish_attempts + 1 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{int64(id)}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("intent %d: %w", id, ErrNotFound)
		}
		return sqlitex.Execute(conn, `SELECT publish_attempts FROM intents WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{int64(id)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					attempts = int(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	return attempts, err
}

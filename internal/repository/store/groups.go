package store

import (
	"context"
	"e2e_group/internal/model"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const groupColumns = `id, mls_state, membership, created_ns, added_by_inbox_id, maybe_forked,
	fork_details, recovery_requested_ns, welcome_sequence_id, recovery_attempts`

func scanGroup(stmt *sqlite.Stmt) *model.StoredGroup {
	return &model.StoredGroup{
		ID:                  columnBytes(stmt, 0),
		MLSState:            columnBytes(stmt, 1),
		Membership:          model.MembershipState(stmt.ColumnInt64(2)),
		CreatedNS:           stmt.ColumnInt64(3),
		AddedByInboxID:      model.InboxID(stmt.ColumnText(4)),
		MaybeForked:         stmt.ColumnInt64(5) != 0,
		ForkDetails:         stmt.ColumnText(6),
		RecoveryRequestedNS: stmt.ColumnInt64(7),
		WelcomeSequenceID:   uint64(stmt.ColumnInt64(8)),
		RecoveryAttempts:    uint32(stmt.ColumnInt64(9)),
	}
}

// InsertGroup stores g unless a group with its id exists and reports
// whether it was inserted.
func (s *Store) InsertGroup(ctx context.Context, g *model.StoredGroup) (bool, error) {
	var inserted bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO groups (`+groupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				[]byte(g.ID), blob(g.MLSState), int(g.Membership), g.CreatedNS, string(g.AddedByInboxID),
				g.MaybeForked, g.ForkDetails, g.RecoveryRequestedNS, int64(g.WelcomeSequenceID),
				int64(g.RecoveryAttempts),
			}})
		inserted = conn.Changes() > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert group %s: %w", g.ID, err)
	}
	return inserted, nil
}

func (s *Store) Group(ctx context.Context, id model.GroupID) (*model.StoredGroup, error) {
	var out *model.StoredGroup
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+groupColumns+` FROM groups WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(id)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = scanGroup(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return out, nil
}

// Groups lists every group, oldest first.
func (s *Store) Groups(ctx context.Context) ([]*model.StoredGroup, error) {
	var out []*model.StoredGroup
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+groupColumns+` FROM groups ORDER BY created_ns, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanGroup(stmt))
					return nil
				},
			})
	})
	return out, err
}

// ForkedGroups lists groups flagged maybe_forked.
func (s *Store) ForkedGroups(ctx context.Context) ([]*model.StoredGroup, error) {
	var out []*model.StoredGroup
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+groupColumns+` FROM groups WHERE maybe_forked = 1 ORDER BY id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanGroup(stmt))
					return nil
				},
			})
	})
	return out, err
}

func (s *Store) updateGroup(ctx context.Context, id model.GroupID, set string, args ...any) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE groups SET `+set+` WHERE id = ?`,
			&sqlitex.ExecOptions{Args: append(args, []byte(id))})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("group %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SaveGroupState persists the exported MLS state.
func (s *Store) SaveGroupState(ctx context.Context, id model.GroupID, state []byte) error {
	return s.updateGroup(ctx, id, `mls_state = ?`, state)
}

func (s *Store) SetMembership(ctx context.Context, id model.GroupID, m model.MembershipState) error {
	return s.updateGroup(ctx, id, `membership = ?`, int(m))
}

// MarkForked flags the group maybe_forked with a diagnostic.
func (s *Store) MarkForked(ctx context.Context, id model.GroupID, details string) error {
	return s.updateGroup(ctx, id, `maybe_forked = 1, fork_details = ?`, details)
}

// SetRecoveryRequested records a recovery request sent at ns and counts it.
func (s *Store) SetRecoveryRequested(ctx context.Context, id model.GroupID, ns int64) error {
	return s.updateGroup(ctx, id, `recovery_requested_ns = ?, recovery_attempts = recovery_attempts + 1`, ns)
}

// ReplaceGroupState installs state rebuilt from a recovery welcome and
// clears the fork flag.
func (s *Store) ReplaceGroupState(ctx context.Context, id model.GroupID, state []byte, welcomeSeq uint64) error {
	return s.updateGroup(ctx, id,
		`mls_state = ?, maybe_forked = 0, fork_details = '', recovery_requested_ns = 0, recovery_attempts = 0,
		welcome_sequence_id = ?`,
		state, int64(welcomeSeq))
}

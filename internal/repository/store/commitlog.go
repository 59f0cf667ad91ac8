package store

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const commitLogColumns = `id, group_id, commit_sequence_id, originator_id, last_epoch_authenticator, result,
	applied_epoch_number, applied_epoch_authenticator, sender_inbox_id, sender_installation_id,
	commit_type, error, timestamp_ns`

func scanCommitLog(stmt *sqlite.Stmt) model.CommitLogEntry {
	return model.CommitLogEntry{
		ID:                        stmt.ColumnInt64(0),
		GroupID:                   columnBytes(stmt, 1),
		CommitSequenceID:          uint64(stmt.ColumnInt64(2)),
		OriginatorID:              uint32(stmt.ColumnInt64(3)),
		LastEpochAuthenticator:    columnBytes(stmt, 4),
		Result:                    model.CommitResult(stmt.ColumnInt64(5)),
		AppliedEpochNumber:        uint64(stmt.ColumnInt64(6)),
		AppliedEpochAuthenticator: columnBytes(stmt, 7),
		SenderInboxID:             model.InboxID(stmt.ColumnText(8)),
		SenderInstallationID:      columnBytes(stmt, 9),
		CommitType:                stmt.ColumnText(10),
		Error:                     stmt.ColumnText(11),
		TimestampNS:               stmt.ColumnInt64(12),
	}
}

// AppendLocalCommitLog records one commit observation. A second
// observation of the same (group, commit sequence id, originator) is
// ignored; the return value reports whether a row was added.
func (s *Store) AppendLocalCommitLog(ctx context.Context, e *model.CommitLogEntry) (bool, error) {
	var inserted bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO local_commit_log (
				group_id, commit_sequence_id, originator_id, last_epoch_authenticator, result,
				applied_epoch_number, applied_epoch_authenticator, sender_inbox_id, sender_installation_id,
				commit_type, error, timestamp_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				[]byte(e.GroupID), int64(e.CommitSequenceID), int64(e.OriginatorID), blob(e.LastEpochAuthenticator),
				int(e.Result), int64(e.AppliedEpochNumber), blob(e.AppliedEpochAuthenticator),
				string(e.SenderInboxID), blob(e.SenderInstallationID), e.CommitType, e.Error, e.TimestampNS,
			}})
		if err != nil {
			return err
		}
		if conn.Changes() > 0 {
			inserted = true
			e.ID = conn.LastInsertRowID()
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append commit log for group %s: %w", e.GroupID, err)
	}
	return inserted, nil
}

// LocalCommitLog returns the group's entries with id greater than afterID,
// oldest first.
func (s *Store) LocalCommitLog(ctx context.Context, group model.GroupID, afterID int64) ([]model.CommitLogEntry, error) {
	var out []model.CommitLogEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+commitLogColumns+` FROM local_commit_log
			WHERE group_id = ? AND id > ? ORDER BY id`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(group), afterID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanCommitLog(stmt))
					return nil
				},
			})
	})
	return out, err
}

// PublishedCommitLogID is the id of the last local entry pushed to the backend.
func (s *Store) PublishedCommitLogID(ctx context.Context, group model.GroupID) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT published_local_id FROM commit_log_cursors WHERE group_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(group)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					id = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return id, err
}

func (s *Store) SetPublishedCommitLogID(ctx context.Context, group model.GroupID, id int64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO commit_log_cursors (group_id, published_local_id) VALUES (?, ?)
			ON CONFLICT (group_id) DO UPDATE SET published_local_id = MAX(published_local_id, excluded.published_local_id)`,
			&sqlitex.ExecOptions{Args: []any{[]byte(group), id}})
	})
}

// InsertRemoteCommitLog stores fetched remote entries; entries already
// stored under the same log sequence id are left untouched.
func (s *Store) InsertRemoteCommitLog(ctx context.Context, group model.GroupID, entries []model.RemoteCommitLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.tx(ctx, func(conn *sqlite.Conn) error {
		for _, e := range entries {
			data, err := codec.Marshal(e.Entry)
			if err != nil {
				return err
			}
			err = sqlitex.Execute(conn, `INSERT OR IGNORE INTO remote_commit_log
				(group_id, log_sequence_id, publisher, entry) VALUES (?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{[]byte(group), int64(e.LogSequenceID), blob(e.Publisher), data}})
			if err != nil {
				return fmt.Errorf("insert remote commit log %d: %w", e.LogSequenceID, err)
			}
		}
		return nil
	})
}

func (s *Store) RemoteCommitLog(ctx context.Context, group model.GroupID) ([]model.RemoteCommitLogEntry, error) {
	var out []model.RemoteCommitLogEntry
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT log_sequence_id, publisher, entry FROM remote_commit_log
			WHERE group_id = ? ORDER BY log_sequence_id`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(group)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					e := model.RemoteCommitLogEntry{
						LogSequenceID: uint64(stmt.ColumnInt64(0)),
						Publisher:     columnBytes(stmt, 1),
					}
					if err := codec.Unmarshal(columnBytes(stmt, 2), &e.Entry); err != nil {
						return fmt.Errorf("decode remote commit log %d: %w", e.LogSequenceID, err)
					}
					out = append(out, e)
					return nil
				},
			})
	})
	return out, err
}

// LastRemoteLogSequenceID is where the next remote fetch resumes.
func (s *Store) LastRemoteLogSequenceID(ctx context.Context, group model.GroupID) (uint64, error) {
	var seq int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT COALESCE(MAX(log_sequence_id), 0) FROM remote_commit_log WHERE group_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(group)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					seq = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	return uint64(seq), err
}

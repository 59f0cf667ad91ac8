package store

import (
	"context"
	"e2e_group/internal/model"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Cursor returns the persisted high-water mark of topic.
func (s *Store) Cursor(ctx context.Context, topic model.Topic) (model.GlobalCursor, error) {
	out := model.GlobalCursor{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT originator_id, sequence_id FROM cursors WHERE topic = ?`,
			&sqlitex.ExecOptions{
				Args: []any{topic.Bytes()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out[uint32(stmt.ColumnInt64(0))] = uint64(stmt.ColumnInt64(1))
					return nil
				},
			})
	})
	return out, err
}

// AdvanceCursor raises the persisted mark of topic to include c. It never
// moves an originator backwards.
func (s *Store) AdvanceCursor(ctx context.Context, topic model.Topic, c model.Cursor) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO cursors (topic, originator_id, sequence_id) VALUES (?, ?, ?)
			ON CONFLICT (topic, originator_id) DO UPDATE SET sequence_id = MAX(sequence_id, excluded.sequence_id)`,
			&sqlitex.ExecOptions{Args: []any{topic.Bytes(), int64(c.OriginatorID), int64(c.SequenceID)}})
	})
}

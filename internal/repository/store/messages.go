package store

import (
	"context"
	"e2e_group/internal/codec"
	"e2e_group/internal/model"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// InsertMessage stores m unless a message with its id exists.
func (s *Store) InsertMessage(ctx context.Context, m *model.StoredMessage) (bool, error) {
	content, err := codec.Marshal(m.Content)
	if err != nil {
		return false, err
	}
	var inserted bool
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT OR IGNORE INTO messages
			(id, group_id, sender_inbox_id, sender_installation_id, content, sent_ns, originator_id, sequence_id, delivery)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				m.ID, []byte(m.GroupID), string(m.SenderInboxID), blob(m.SenderInstallationID), content, m.SentNS,
				int64(m.Cursor.OriginatorID), int64(m.Cursor.SequenceID), int(m.Delivery),
			}})
		inserted = conn.Changes() > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return inserted, nil
}

// MarkMessagePublished records the cursor a sent message was stored under.
func (s *Store) MarkMessagePublished(ctx context.Context, id []byte, c model.Cursor, sentNS int64) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE messages SET delivery = ?, originator_id = ?, sequence_id = ?, sent_ns = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				int(model.DeliveryPublished), int64(c.OriginatorID), int64(c.SequenceID), sentNS, id,
			}})
	})
}

// DeleteMessage drops an unpublished message whose send failed.
func (s *Store) DeleteMessage(ctx context.Context, id []byte) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM messages WHERE id = ? AND delivery = ?`,
			&sqlitex.ExecOptions{Args: []any{id, int(model.DeliveryUnpublished)}})
	})
}

// Messages returns up to limit of the group's messages, oldest first.
// A non-positive limit returns all of them.
func (s *Store) Messages(ctx context.Context, group model.GroupID, limit int) ([]*model.StoredMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []*model.StoredMessage
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, sender_inbox_id, sender_installation_id, content, sent_ns,
				originator_id, sequence_id, delivery
			FROM (SELECT rowid AS rn, * FROM messages WHERE group_id = ? ORDER BY sent_ns DESC, rowid DESC LIMIT ?)
			ORDER BY sent_ns, rn`,
			&sqlitex.ExecOptions{
				Args: []any{[]byte(group), limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					m := &model.StoredMessage{
						ID:                   columnBytes(stmt, 0),
						GroupID:              group,
						SenderInboxID:        model.InboxID(stmt.ColumnText(1)),
						SenderInstallationID: columnBytes(stmt, 2),
						SentNS:               stmt.ColumnInt64(4),
						Cursor: model.Cursor{
							OriginatorID: uint32(stmt.ColumnInt64(5)),
							SequenceID:   uint64(stmt.ColumnInt64(6)),
						},
						Delivery: model.DeliveryStatus(stmt.ColumnInt64(7)),
					}
					if err := codec.Unmarshal(columnBytes(stmt, 3), &m.Content); err != nil {
						return fmt.Errorf("decode message content: %w", err)
					}
					out = append(out, m)
					return nil
				},
			})
	})
	return out, err
}

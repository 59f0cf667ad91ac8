package store

import (
	"context"
	"e2e_group/internal/model"
	"e2e_group/internal/protocol/keypackage"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SaveIdentity stores the installation identity. There is only ever one.
func (s *Store) SaveIdentity(ctx context.Context, id *keypackage.Identity) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO identity (id, inbox_id, installation_key, signing_key)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET inbox_id = excluded.inbox_id,
				installation_key = excluded.installation_key, signing_key = excluded.signing_key`,
			&sqlitex.ExecOptions{
				Args: []any{string(id.Credential.InboxID), id.Credential.InstallationKey, id.SigningKey},
			})
	})
}

func (s *Store) Identity(ctx context.Context) (*keypackage.Identity, error) {
	var out *keypackage.Identity
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT inbox_id, installation_key, signing_key FROM identity WHERE id = 1`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = &keypackage.Identity{
						Credential: keypackage.Credential{
							InboxID:         model.InboxID(stmt.ColumnText(0)),
							InstallationKey: columnBytes(stmt, 1),
						},
						SigningKey: columnBytes(stmt, 2),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("identity: %w", ErrNotFound)
	}
	return out, nil
}

// PutKeyPackageKey keeps the private half of a published key package init
// key so welcomes sealed to it can be opened.
func (s *Store) PutKeyPackageKey(ctx context.Context, publicKey, privateKey []byte) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT OR REPLACE INTO key_package_keys (public_key, private_key, created_ns)
			VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{publicKey, privateKey, time.Now().UnixNano()}})
	})
}

func (s *Store) KeyPackageKey(ctx context.Context, publicKey []byte) ([]byte, error) {
	var out []byte
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT private_key FROM key_package_keys WHERE public_key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{publicKey},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = columnBytes(stmt, 0)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("key package key %x: %w", publicKey, ErrNotFound)
	}
	return out, nil
}

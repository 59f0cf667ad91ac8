// Package store is the installation's local database: identity, groups,
// intents, commit logs, topic cursors and decrypted messages. It runs on
// a pool of SQLite connections in WAL mode.
package store

import (
	"context"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNeedsReconnect means the connection pool is gone. Workers stop on
	// it instead of retrying.
	ErrNeedsReconnect = errors.New("store needs reconnect")
)

const defaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	inbox_id         TEXT NOT NULL,
	installation_key BLOB NOT NULL,
	signing_key      BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS key_package_keys (
	public_key  BLOB PRIMARY KEY,
	private_key BLOB NOT NULL,
	created_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id                    BLOB PRIMARY KEY,
	mls_state             BLOB,
	membership            INTEGER NOT NULL,
	created_ns            INTEGER NOT NULL,
	added_by_inbox_id     TEXT NOT NULL DEFAULT '',
	maybe_forked          INTEGER NOT NULL DEFAULT 0,
	fork_details          TEXT NOT NULL DEFAULT '',
	recovery_requested_ns INTEGER NOT NULL DEFAULT 0,
	welcome_sequence_id   INTEGER NOT NULL DEFAULT 0,
	recovery_attempts     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS intents (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id           BLOB NOT NULL,
	kind               INTEGER NOT NULL,
	data               BLOB,
	state              INTEGER NOT NULL,
	publish_attempts   INTEGER NOT NULL DEFAULT 0,
	payload_hash       BLOB,
	staged_commit      BLOB,
	published_in_epoch INTEGER NOT NULL DEFAULT 0,
	unacknowledged     INTEGER NOT NULL DEFAULT 0,
	should_push        INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	created_ns         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS intents_by_group ON intents (group_id, state, id);
CREATE INDEX IF NOT EXISTS intents_by_hash ON intents (payload_hash);

CREATE TABLE IF NOT EXISTS local_commit_log (
	id                          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id                    BLOB NOT NULL,
	commit_sequence_id          INTEGER NOT NULL,
	originator_id               INTEGER NOT NULL,
	last_epoch_authenticator    BLOB,
	result                      INTEGER NOT NULL,
	applied_epoch_number        INTEGER NOT NULL,
	applied_epoch_authenticator BLOB,
	sender_inbox_id             TEXT NOT NULL DEFAULT '',
	sender_installation_id      BLOB,
	commit_type                 TEXT NOT NULL DEFAULT '',
	error                       TEXT NOT NULL DEFAULT '',
	timestamp_ns                INTEGER NOT NULL,
	UNIQUE (group_id, commit_sequence_id, originator_id)
);

CREATE TABLE IF NOT EXISTS remote_commit_log (
	group_id        BLOB NOT NULL,
	log_sequence_id INTEGER NOT NULL,
	publisher       BLOB,
	entry           BLOB NOT NULL,
	PRIMARY KEY (group_id, log_sequence_id)
);

CREATE TABLE IF NOT EXISTS commit_log_cursors (
	group_id           BLOB PRIMARY KEY,
	published_local_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cursors (
	topic         BLOB NOT NULL,
	originator_id INTEGER NOT NULL,
	sequence_id   INTEGER NOT NULL,
	PRIMARY KEY (topic, originator_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                     BLOB PRIMARY KEY,
	group_id               BLOB NOT NULL,
	sender_inbox_id        TEXT NOT NULL DEFAULT '',
	sender_installation_id BLOB,
	content                BLOB NOT NULL,
	sent_ns                INTEGER NOT NULL,
	originator_id          INTEGER NOT NULL DEFAULT 0,
	sequence_id            INTEGER NOT NULL DEFAULT 0,
	delivery               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_group ON messages (group_id, sent_ns);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

type Store struct {
	pool   *sqlitex.Pool
	path   string
	closed atomic.Bool
	logger *zap.Logger
}

// Open opens or creates the database at path. The parent directory must exist.
func Open(path string, poolSize int) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	s := &Store{pool: pool, path: path, logger: log.Named("store")}

	// Surface schema errors at open rather than on first use.
	if err := s.withConn(context.Background(), func(*sqlite.Conn) error { return nil }); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("store opened", zap.String("path", path), zap.Int("pool_size", poolSize))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("store closed", zap.String("path", s.path))
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	if s.closed.Load() {
		return nil, ErrNeedsReconnect
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNeedsReconnect, err)
	}
	return conn, nil
}

func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// tx runs fn in an IMMEDIATE transaction, rolling back if it fails.
func (s *Store) tx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		end, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer end(&err)
		return fn(conn)
	})
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	n := stmt.ColumnLen(col)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	stmt.ColumnBytes(col, buf)
	return buf
}

// blob binds empty slices as NULL.
func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chanpost/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// SQLite keeps entries in a local database file so idempotency records
// survive restarts. Expired rows are ignored on read and swept by Prune.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	writes     atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(path string, log logx.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 2000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{db: db, log: log, now: time.Now, pruneEvery: 1000}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v   []byte
		exp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if exp != 0 && exp <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = s.now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, exp,
	)
	if err == nil && s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if _, perr := s.Prune(pctx); perr != nil {
			s.log.Debug("cache prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// FlushPattern uses SQLite GLOB, which shares '*', '?' and '[...]' with
// path.Match for the key shapes used here.
func (s *SQLite) FlushPattern(ctx context.Context, glob string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key GLOB ?`, glob)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Prune(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// SQLite is the permanent cache tier. Promoted answers live in the
// popular_answers table without expiry; entries written in degraded mode
// (ephemeral backend down) carry an explicit expires_at and are swept by a
// background goroutine. The same database also backs the durable search
// counter used when the ephemeral counter is unreachable.
type SQLite struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the permanent tier at dbPath. If dbPath is
// empty or ":memory:", an in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	cfg := applyOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// WAL keeps foreground reads from blocking behind background writes.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enable WAL")
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS popular_answers (
			key TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			payload BLOB NOT NULL,
			model TEXT,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_popular_hit_count ON popular_answers(hit_count DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_popular_expires_at ON popular_answers(expires_at)`,
		`CREATE TABLE IF NOT EXISTS search_counts (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0,
			last_searched INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "store: create schema")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &SQLite{db: db, ctx: childCtx, cancel: cancel, cfg: cfg}

	s.waitGroup.Add(1)
	go s.sweep()

	return s, nil
}

func (s *SQLite) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *SQLite) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		e         Entry
		createdAt int64
		accessed  int64
		model     sql.NullString
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(qctx,
		`SELECT key, question, payload, model, created_at, last_accessed, hit_count, expires_at
		 FROM popular_answers WHERE key = ?`, key,
	).Scan(&e.Key, &e.Question, &e.Payload, &model, &createdAt, &accessed, &e.HitCount, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: sqlite get")
	}
	if expiresAt.Valid && expiresAt.Int64 < time.Now().UnixNano() {
		// Lazily drop the expired degraded-mode entry.
		_, _ = s.db.ExecContext(qctx, `DELETE FROM popular_answers WHERE key = ?`, key)
		return nil, nil
	}
	e.Model = model.String
	e.CreatedAt = time.Unix(0, createdAt)
	e.LastAccessed = time.Unix(0, accessed)
	return &e, nil
}

// Set upserts an entry. ttl <= 0 stores without expiry (the normal case
// for promoted answers); a positive ttl marks a degraded-mode write. On
// conflict the higher hit count wins so a racing second promotion of the
// same key never rolls the counter back.
func (s *SQLite) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO popular_answers (key, question, payload, model, created_at, last_accessed, hit_count, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			question = excluded.question,
			model = excluded.model,
			last_accessed = excluded.last_accessed,
			hit_count = MAX(hit_count, excluded.hit_count),
			expires_at = excluded.expires_at`,
		e.Key, e.Question, e.Payload, e.Model,
		e.CreatedAt.UnixNano(), e.LastAccessed.UnixNano(), e.HitCount, expiresAt,
	)
	if err != nil {
		return errors.Wrap(err, "store: sqlite set")
	}
	return nil
}

func (s *SQLite) IncrementHits(ctx context.Context, key string) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var hits int64
	err := s.db.QueryRowContext(qctx,
		`UPDATE popular_answers
		 SET hit_count = hit_count + 1, last_accessed = ?
		 WHERE key = ?
		 RETURNING hit_count`,
		time.Now().UnixNano(), key,
	).Scan(&hits)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite increment hits")
	}
	return hits, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM popular_answers WHERE key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "store: sqlite delete")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "store: sqlite delete")
	}
	return rows > 0, nil
}

func (s *SQLite) ClearAll(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM popular_answers`)
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite clear")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite clear")
	}
	return int(rows), nil
}

func (s *SQLite) Len(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var count int
	if err := s.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM popular_answers`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "store: sqlite len")
	}
	return count, nil
}

// PurgeBelow removes permanent entries whose hit count fell below
// threshold. Used by the nightly maintenance pass to demote answers that
// stopped being popular.
func (s *SQLite) PurgeBelow(ctx context.Context, threshold int64) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx,
		`DELETE FROM popular_answers WHERE hit_count < ? AND expires_at IS NULL`, threshold)
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite purge")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite purge")
	}
	return int(rows), nil
}

// Counter returns the durable search counter sharing this database.
func (s *SQLite) Counter() *SQLiteCounter {
	return &SQLiteCounter{db: s.db, cfg: s.cfg}
}

func (s *SQLite) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

func (s *SQLite) sweep() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			_, _ = s.db.Exec(`DELETE FROM popular_answers WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
		}
	}
}

// SQLiteCounter is the durable fallback search counter. Increments use a
// single upsert statement so concurrent callers never lose counts.
type SQLiteCounter struct {
	db  *sql.DB
	cfg config
}

var _ Counter = (*SQLiteCounter)(nil)

func (c *SQLiteCounter) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *SQLiteCounter) Increment(ctx context.Context, key string) (int64, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var count int64
	err := c.db.QueryRowContext(qctx,
		`INSERT INTO search_counts (key, count, last_searched) VALUES (?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET count = count + 1, last_searched = excluded.last_searched
		 RETURNING count`,
		key, time.Now().UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite counter incr")
	}
	return count, nil
}

func (c *SQLiteCounter) Get(ctx context.Context, key string) (int64, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var count int64
	err := c.db.QueryRowContext(qctx, `SELECT count FROM search_counts WHERE key = ?`, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite counter get")
	}
	return count, nil
}

func (c *SQLiteCounter) Reset(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, `DELETE FROM search_counts WHERE key = ?`, key); err != nil {
		return errors.Wrap(err, "store: sqlite counter reset")
	}
	return nil
}

func (c *SQLiteCounter) ResetAll(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM search_counts`)
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite counter reset all")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: sqlite counter reset all")
	}
	return int(rows), nil
}

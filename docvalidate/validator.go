// Package docvalidate detects drift in the document corpus behind the
// answer cache. Every cached answer was composed from the corpus, so any
// change to a tracked document makes the whole cache suspect; the validator
// takes the conservative route and clears everything.
package docvalidate

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

// Document is one tracked corpus document. Content is opaque to the
// validator; it is only ever hashed.
type Document struct {
	ID      string
	Path    string
	Content []byte
}

// Source enumerates the current document corpus. Implemented by the
// surrounding retrieval pipeline.
type Source interface {
	ListDocuments(ctx context.Context) ([]Document, error)
}

// Record is one row of the append-only validation log.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DocumentsChecked int       `json:"documents_checked"`
	ChangesDetected  int       `json:"changes_detected"`
	EntriesCleared   int       `json:"entries_cleared"`
}

// InvalidateFunc clears the answer cache and reports how many entries were
// removed.
type InvalidateFunc func(ctx context.Context) (int, error)

// Validator compares per-document content checksums against the ones from
// the previous pass and invalidates the cache corpus-wide on any mismatch.
// It holds its own database handle and takes no locks shared with
// foreground cache traffic.
type Validator struct {
	db         *sql.DB
	source     Source
	invalidate InvalidateFunc
	log        *zap.Logger
	mu         sync.Mutex // one pass at a time; scheduled and forced runs may overlap
}

// New opens (or creates) the validation database at dbPath and returns a
// Validator. If dbPath is empty or ":memory:", an in-memory database is
// used. invalidate is called whenever drift is detected.
func New(ctx context.Context, dbPath string, source Source, invalidate InvalidateFunc, log *zap.Logger) (*Validator, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "docvalidate: open db")
	}
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS document_checksums (
			document_id TEXT PRIMARY KEY,
			document_path TEXT,
			checksum TEXT NOT NULL,
			last_checked INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS validation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			validation_date INTEGER NOT NULL,
			documents_checked INTEGER NOT NULL,
			changes_detected INTEGER NOT NULL,
			entries_cleared INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "docvalidate: create schema")
		}
	}

	return &Validator{db: db, source: source, invalidate: invalidate, log: log}, nil
}

// Checksum returns the content hash used for drift detection.
func Checksum(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// Run performs one validation pass: list the corpus, checksum every
// document, compare against the stored checksums, and clear the cache if
// anything changed. A record is appended to the validation log whether or
// not drift was found. If the source is unreadable the pass is skipped and
// an error returned; nothing is logged to the validation table.
func (v *Validator) Run(ctx context.Context) (Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	docs, err := v.source.ListDocuments(ctx)
	if err != nil {
		v.log.Warn("document source unreadable, skipping validation cycle", zap.Error(err))
		return Record{}, errors.Wrap(err, "docvalidate: list documents")
	}

	sums := make([]string, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, doc := range docs {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sums[i] = Checksum(doc.Content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Record{}, errors.Wrap(err, "docvalidate: checksum corpus")
	}

	now := time.Now()
	rec := Record{Timestamp: now}
	for i, doc := range docs {
		changed, err := v.compareAndStore(ctx, doc, sums[i], now)
		if err != nil {
			return Record{}, err
		}
		rec.DocumentsChecked++
		if changed {
			rec.ChangesDetected++
			v.log.Info("document drift detected",
				zap.String("document_id", doc.ID), zap.String("path", doc.Path))
		}
	}

	if rec.ChangesDetected > 0 && v.invalidate != nil {
		cleared, err := v.invalidate(ctx)
		if err != nil {
			v.log.Warn("cache invalidation failed after drift", zap.Error(err))
		}
		rec.EntriesCleared = cleared
	}

	if err := v.append(ctx, rec); err != nil {
		return rec, err
	}
	v.log.Info("validation pass complete",
		zap.Int("documents_checked", rec.DocumentsChecked),
		zap.Int("changes_detected", rec.ChangesDetected),
		zap.Int("entries_cleared", rec.EntriesCleared))
	return rec, nil
}

// compareAndStore reports whether the document changed since the last pass.
// A previously unseen document id counts as a change: the corpus grew, so
// answers composed without it are stale.
func (v *Validator) compareAndStore(ctx context.Context, doc Document, sum string, now time.Time) (bool, error) {
	var stored string
	err := v.db.QueryRowContext(ctx,
		`SELECT checksum FROM document_checksums WHERE document_id = ?`, doc.ID).Scan(&stored)
	unseen := err == sql.ErrNoRows
	if err != nil && !unseen {
		return false, errors.Wrap(err, "docvalidate: read checksum")
	}

	if _, err := v.db.ExecContext(ctx,
		`INSERT INTO document_checksums (document_id, document_path, checksum, last_checked)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
			document_path = excluded.document_path,
			checksum = excluded.checksum,
			last_checked = excluded.last_checked`,
		doc.ID, doc.Path, sum, now.UnixNano()); err != nil {
		return false, errors.Wrap(err, "docvalidate: store checksum")
	}

	return unseen || stored != sum, nil
}

func (v *Validator) append(ctx context.Context, rec Record) error {
	_, err := v.db.ExecContext(ctx,
		`INSERT INTO validation_log (validation_date, documents_checked, changes_detected, entries_cleared)
		 VALUES (?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.DocumentsChecked, rec.ChangesDetected, rec.EntriesCleared)
	return errors.Wrap(err, "docvalidate: append record")
}

// RecordSweep appends a maintenance row so nightly housekeeping shows up in
// the validation history alongside drift checks.
func (v *Validator) RecordSweep(ctx context.Context, entriesCleared int) error {
	return v.append(ctx, Record{Timestamp: time.Now(), EntriesCleared: entriesCleared})
}

// History returns the most recent validation records, newest first.
func (v *Validator) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := v.db.QueryContext(ctx,
		`SELECT validation_date, documents_checked, changes_detected, entries_cleared
		 FROM validation_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "docvalidate: read history")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&ts, &rec.DocumentsChecked, &rec.ChangesDetected, &rec.EntriesCleared); err != nil {
			return nil, errors.Wrap(err, "docvalidate: scan record")
		}
		rec.Timestamp = time.Unix(0, ts)
		recs = append(recs, rec)
	}
	return recs, errors.Wrap(rows.Err(), "docvalidate: read history")
}

// Close releases the validation database.
func (v *Validator) Close() error {
	return v.db.Close()
}

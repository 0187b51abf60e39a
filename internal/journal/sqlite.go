package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS journal_heads (
  aggregate_id TEXT PRIMARY KEY,
  last_seq INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS journal (
  aggregate_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  manifest TEXT NOT NULL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (aggregate_id, seq)
);
CREATE TABLE IF NOT EXISTS snapshots (
  aggregate_id TEXT PRIMARY KEY,
  seq INTEGER NOT NULL,
  manifest TEXT NOT NULL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens (creating if needed) a SQLite journal at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewSQLite(db), nil
}

type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// DB returns the underlying database connection.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Append(ctx context.Context, aggregateID string, rec Record) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var last uint64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM journal_heads WHERE aggregate_id=?`, aggregateID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if rec.Seq != last+1 {
		return seqConflict(aggregateID, last+1, rec.Seq)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO journal (aggregate_id, seq, manifest, payload, created_at) VALUES (?,?,?,?,?)`,
		aggregateID, rec.Seq, rec.Manifest, rec.Payload, stamp(rec.At).UnixNano())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO journal_heads (aggregate_id, last_seq) VALUES (?,?)
ON CONFLICT(aggregate_id) DO UPDATE SET last_seq=excluded.last_seq`, aggregateID, rec.Seq)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
SELECT seq, manifest, payload, created_at FROM journal
WHERE aggregate_id=? AND seq>=? ORDER BY seq`, aggregateID, fromSeq)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r  Record
				at int64
			)
			if err := rows.Scan(&r.Seq, &r.Manifest, &r.Payload, &at); err != nil {
				yield(Record{}, err)
				return
			}
			r.At = time.Unix(0, at).UTC()
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, err)
		}
	}
}

func (s *SQLite) DeleteTo(ctx context.Context, aggregateID string, toSeq uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE aggregate_id=? AND seq<=?`, aggregateID, toSeq)
	return err
}

func (s *SQLite) SaveSnapshot(ctx context.Context, aggregateID string, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots (aggregate_id, seq, manifest, payload, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(aggregate_id) DO UPDATE SET
  seq=excluded.seq, manifest=excluded.manifest, payload=excluded.payload, created_at=excluded.created_at
WHERE excluded.seq >= snapshots.seq`,
		aggregateID, snap.Seq, snap.Manifest, snap.Payload, stamp(snap.At).UnixNano())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO journal_heads (aggregate_id, last_seq) VALUES (?,?)
ON CONFLICT(aggregate_id) DO UPDATE SET last_seq=max(last_seq, excluded.last_seq)`, aggregateID, snap.Seq)
	return err
}

func (s *SQLite) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, manifest, payload, created_at FROM snapshots WHERE aggregate_id=?`, aggregateID)
	var (
		snap Snapshot
		at   int64
	)
	err := row.Scan(&snap.Seq, &snap.Manifest, &snap.Payload, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.At = time.Unix(0, at).UTC()
	return snap, true, nil
}

func (s *SQLite) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT aggregate_id FROM journal_heads
UNION SELECT aggregate_id FROM snapshots
ORDER BY aggregate_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reminder_journal_heads (
  aggregate_id TEXT PRIMARY KEY,
  last_seq BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS reminder_journal (
  aggregate_id TEXT NOT NULL,
  seq BIGINT NOT NULL,
  manifest TEXT NOT NULL,
  payload BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (aggregate_id, seq)
);
CREATE TABLE IF NOT EXISTS reminder_snapshots (
  aggregate_id TEXT PRIMARY KEY,
  seq BIGINT NOT NULL,
  manifest TEXT NOT NULL,
  payload BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
`

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewPostgres(pool), nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (p *Postgres) Append(ctx context.Context, aggregateID string, rec Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// lock the head row so concurrent appenders serialize on it
	_, err = tx.Exec(ctx, `
INSERT INTO reminder_journal_heads (aggregate_id, last_seq) VALUES ($1, 0)
ON CONFLICT (aggregate_id) DO NOTHING`, aggregateID)
	if err != nil {
		return fmt.Errorf("ensure head: %w", err)
	}
	var last int64
	err = tx.QueryRow(ctx, `
SELECT last_seq FROM reminder_journal_heads WHERE aggregate_id=$1 FOR UPDATE`, aggregateID).Scan(&last)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if rec.Seq != uint64(last)+1 {
		return seqConflict(aggregateID, uint64(last)+1, rec.Seq)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO reminder_journal (aggregate_id, seq, manifest, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`, aggregateID, int64(rec.Seq), rec.Manifest, rec.Payload, stamp(rec.At))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE reminder_journal_heads SET last_seq=$2 WHERE aggregate_id=$1`, aggregateID, int64(rec.Seq))
	if err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := p.pool.Query(ctx, `
SELECT seq, manifest, payload, created_at FROM reminder_journal
WHERE aggregate_id=$1 AND seq>=$2 ORDER BY seq`, aggregateID, int64(fromSeq))
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r   Record
				seq int64
				at  time.Time
			)
			if err := rows.Scan(&seq, &r.Manifest, &r.Payload, &at); err != nil {
				yield(Record{}, err)
				return
			}
			r.Seq, r.At = uint64(seq), at.UTC()
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, err)
		}
	}
}

func (p *Postgres) DeleteTo(ctx context.Context, aggregateID string, toSeq uint64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM reminder_journal WHERE aggregate_id=$1 AND seq<=$2`, aggregateID, int64(toSeq))
	return err
}

func (p *Postgres) SaveSnapshot(ctx context.Context, aggregateID string, s Snapshot) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO reminder_snapshots (aggregate_id, seq, manifest, payload, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (aggregate_id) DO UPDATE SET
  seq=EXCLUDED.seq, manifest=EXCLUDED.manifest, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at
WHERE EXCLUDED.seq >= reminder_snapshots.seq`,
		aggregateID, int64(s.Seq), s.Manifest, s.Payload, stamp(s.At))
	return err
}

func (p *Postgres) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	var (
		s   Snapshot
		seq int64
		at  time.Time
	)
	err := p.pool.QueryRow(ctx, `
SELECT seq, manifest, payload, created_at FROM reminder_snapshots WHERE aggregate_id=$1`, aggregateID).
		Scan(&seq, &s.Manifest, &s.Payload, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s.Seq, s.At = uint64(seq), at.UTC()
	return s, true, nil
}

func (p *Postgres) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
SELECT aggregate_id FROM reminder_journal_heads
UNION SELECT aggregate_id FROM reminder_snapshots
ORDER BY aggregate_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

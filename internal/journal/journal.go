// Package journal persists reminder events and snapshots.
//
// Every aggregate owns an ordered log of records numbered 1, 2, 3, ... and
// at most one latest snapshot. Appends carry the sequence number the writer
// expects to occupy; a store rejects anything but last+1 so a second writer
// can never interleave with the first.
package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	ErrSeqConflict   = errors.New("journal sequence conflict")
	ErrUnknownDriver = errors.New("unknown journal driver")
	ErrClosed        = errors.New("journal closed")
)

// Record is one persisted event.
type Record struct {
	Seq      uint64
	Manifest string
	Payload  []byte
	At       time.Time
}

// Snapshot is a serialized State taken after record Seq.
type Snapshot struct {
	Seq      uint64
	Manifest string
	Payload  []byte
	At       time.Time
}

type Store interface {
	// Append writes rec; rec.Seq must be the last sequence number plus one.
	Append(ctx context.Context, aggregateID string, rec Record) error
	// ReadFrom yields records with Seq >= fromSeq in order.
	ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64) iter.Seq2[Record, error]
	// DeleteTo removes records with Seq <= toSeq. The sequence counter is kept.
	DeleteTo(ctx context.Context, aggregateID string, toSeq uint64) error
	SaveSnapshot(ctx context.Context, aggregateID string, s Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error)
	// Aggregates lists every aggregate with records or a snapshot.
	Aggregates(ctx context.Context) ([]string, error)
	Close() error
}

func seqConflict(aggregateID string, want, got uint64) error {
	return &ConflictError{AggregateID: aggregateID, Expected: want, Got: got}
}

// ConflictError reports an append at the wrong position.
type ConflictError struct {
	AggregateID string
	Expected    uint64
	Got         uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("journal sequence conflict for %s: expected %d, got %d", e.AggregateID, e.Expected, e.Got)
}

func (e *ConflictError) Unwrap() error { return ErrSeqConflict }

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*Redis)(nil)
	_ Store = (*Postgres)(nil)
)

package journal

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func collect(t *testing.T, s Store, id string, from uint64) []uint64 {
	t.Helper()
	var seqs []uint64
	for rec, err := range s.ReadFrom(context.Background(), id, from) {
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		seqs = append(seqs, rec.Seq)
	}
	return seqs
}

func appendN(t *testing.T, s Store, id string, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		rec := Record{Seq: seq, Manifest: "E", Payload: []byte{byte(seq)}}
		if err := s.Append(context.Background(), id, rec); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreAppendAndRead(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			appendN(t, s, "a", 1, 5)
			appendN(t, s, "b", 1, 2)

			if got := collect(t, s, "a", 0); !reflect.DeepEqual(got, []uint64{1, 2, 3, 4, 5}) {
				t.Fatalf("read a = %v", got)
			}
			if got := collect(t, s, "a", 4); !reflect.DeepEqual(got, []uint64{4, 5}) {
				t.Fatalf("read a from 4 = %v", got)
			}
			if got := collect(t, s, "missing", 0); len(got) != 0 {
				t.Fatalf("read missing = %v", got)
			}

			for rec, err := range s.ReadFrom(context.Background(), "b", 2) {
				if err != nil {
					t.Fatal(err)
				}
				if rec.Manifest != "E" || !reflect.DeepEqual(rec.Payload, []byte{2}) || rec.At.IsZero() {
					t.Fatalf("record = %+v", rec)
				}
			}

			ids, err := s.Aggregates(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(ids, []string{"a", "b"}) {
				t.Fatalf("Aggregates = %v", ids)
			}
		})
	}
}

func TestStoreRejectsOutOfOrderAppend(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			appendN(t, s, "a", 1, 2)
			for _, seq := range []uint64{1, 2, 4} {
				err := s.Append(context.Background(), "a", Record{Seq: seq, Manifest: "E", Payload: []byte{0}})
				if !errors.Is(err, ErrSeqConflict) {
					t.Fatalf("Append(%d) err = %v, want ErrSeqConflict", seq, err)
				}
				var ce *ConflictError
				if !errors.As(err, &ce) || ce.Expected != 3 {
					t.Fatalf("conflict = %+v", ce)
				}
			}
			if got := collect(t, s, "a", 0); !reflect.DeepEqual(got, []uint64{1, 2}) {
				t.Fatalf("read = %v", got)
			}
		})
	}
}

func TestStoreDeleteToKeepsCounter(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			appendN(t, s, "a", 1, 4)
			if err := s.DeleteTo(context.Background(), "a", 3); err != nil {
				t.Fatalf("DeleteTo: %v", err)
			}
			if got := collect(t, s, "a", 0); !reflect.DeepEqual(got, []uint64{4}) {
				t.Fatalf("read = %v", got)
			}
			if err := s.Append(context.Background(), "a", Record{Seq: 1, Manifest: "E", Payload: []byte{0}}); !errors.Is(err, ErrSeqConflict) {
				t.Fatalf("reuse of deleted seq: err = %v", err)
			}
			appendN(t, s, "a", 5, 5)
		})
	}
}

func TestStoreSnapshots(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := s.LoadSnapshot(ctx, "a"); err != nil || ok {
				t.Fatalf("LoadSnapshot on empty = %v, %v", ok, err)
			}
			appendN(t, s, "a", 1, 3)
			if err := s.SaveSnapshot(ctx, "a", Snapshot{Seq: 2, Manifest: "A", Payload: []byte("two")}); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveSnapshot(ctx, "a", Snapshot{Seq: 3, Manifest: "A", Payload: []byte("three")}); err != nil {
				t.Fatal(err)
			}
			// an older snapshot never replaces a newer one
			if err := s.SaveSnapshot(ctx, "a", Snapshot{Seq: 1, Manifest: "A", Payload: []byte("one")}); err != nil {
				t.Fatal(err)
			}
			snap, ok, err := s.LoadSnapshot(ctx, "a")
			if err != nil || !ok {
				t.Fatalf("LoadSnapshot = %v, %v", ok, err)
			}
			if snap.Seq != 3 || string(snap.Payload) != "three" || snap.Manifest != "A" {
				t.Fatalf("snapshot = %+v", snap)
			}
		})
	}
}

func TestReadFromStopsEarly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			appendN(t, s, "a", 1, 10)
			n := 0
			for _, err := range s.ReadFrom(context.Background(), "a", 0) {
				if err != nil {
					t.Fatal(err)
				}
				n++
				if n == 3 {
					break
				}
			}
			if n != 3 {
				t.Fatalf("n = %d", n)
			}
			// the store stays usable after an abandoned read
			appendN(t, s, "a", 11, 11)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
	s, err := Open(context.Background(), Config{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
}

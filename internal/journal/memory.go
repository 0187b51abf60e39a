package journal

import (
	"context"
	"iter"
	"sort"
	"sync"
)

type memLog struct {
	last     uint64
	records  []Record
	snapshot *Snapshot
}

// Memory keeps everything in process memory. Used for tests and for the
// "memory" driver; nothing survives a restart.
type Memory struct {
	mu     sync.RWMutex
	logs   map[string]*memLog
	closed bool
}

func NewMemory() *Memory {
	return &Memory{logs: map[string]*memLog{}}
}

func (m *Memory) log(id string) *memLog {
	l, ok := m.logs[id]
	if !ok {
		l = &memLog{}
		m.logs[id] = l
	}
	return l
}

func (m *Memory) Append(ctx context.Context, aggregateID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	l := m.log(aggregateID)
	if rec.Seq != l.last+1 {
		return seqConflict(aggregateID, l.last+1, rec.Seq)
	}
	rec.At = stamp(rec.At)
	rec.Payload = append([]byte(nil), rec.Payload...)
	l.records = append(l.records, rec)
	l.last = rec.Seq
	return nil
}

func (m *Memory) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.RLock()
		var recs []Record
		if l, ok := m.logs[aggregateID]; ok {
			i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq >= fromSeq })
			recs = append(recs, l.records[i:]...)
		}
		m.mu.RUnlock()

		for _, r := range recs {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *Memory) DeleteTo(ctx context.Context, aggregateID string, toSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[aggregateID]
	if !ok {
		return nil
	}
	i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq > toSeq })
	l.records = append([]Record(nil), l.records[i:]...)
	return nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, aggregateID string, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s.At = stamp(s.At)
	s.Payload = append([]byte(nil), s.Payload...)
	l := m.log(aggregateID)
	if l.snapshot == nil || s.Seq >= l.snapshot.Seq {
		l.snapshot = &s
	}
	if s.Seq > l.last {
		l.last = s.Seq
	}
	return nil
}

func (m *Memory) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[aggregateID]
	if !ok || l.snapshot == nil {
		return Snapshot{}, false, nil
	}
	return *l.snapshot, true, nil
}

func (m *Memory) Aggregates(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.logs))
	for id, l := range m.logs {
		if l.last > 0 || l.snapshot != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

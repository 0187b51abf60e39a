package domain

import (
	"slices"
	"strings"
	"time"
)

// State is the full durable schedule of one aggregate, keyed by TaskID.
type State struct {
	Entries map[string]Entry
}

func NewState() State {
	return State{Entries: map[string]Entry{}}
}

func (s State) Len() int { return len(s.Entries) }

func (s State) Get(taskID string) (Entry, bool) {
	e, ok := s.Entries[taskID]
	return e, ok
}

// Clone copies the entry map. Payload values are shared; the core never
// mutates them.
func (s State) Clone() State {
	out := State{Entries: make(map[string]Entry, len(s.Entries))}
	for k, v := range s.Entries {
		out.Entries[k] = v
	}
	return out
}

// Apply folds one event into the state.
func (s *State) Apply(ev Event) {
	if s.Entries == nil {
		s.Entries = map[string]Entry{}
	}
	switch e := ev.(type) {
	case Scheduled:
		s.Entries[e.Entry.TaskID] = e.Entry
	case Cancel:
		delete(s.Entries, e.TaskID)
	case Completed:
		entry, ok := s.Entries[e.TaskID]
		if !ok {
			return
		}
		if !entry.Repeating() {
			delete(s.Entries, e.TaskID)
			return
		}
		entry.TriggerAt = entry.TriggerAt.Add(entry.RepeatInterval)
		s.Entries[e.TaskID] = entry
	}
}

// Fold replays events over a copy of initial.
func Fold(initial State, events ...Event) State {
	st := initial.Clone()
	for _, ev := range events {
		st.Apply(ev)
	}
	return st
}

// Due returns the entries with TriggerAt <= now, oldest first.
func (s State) Due(now time.Time) []Entry {
	var due []Entry
	for _, e := range s.Entries {
		if !e.TriggerAt.After(now) {
			due = append(due, e)
		}
	}
	sortEntries(due)
	return due
}

// Sorted returns all entries ordered by trigger time.
func (s State) Sorted() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	slices.SortFunc(es, func(a, b Entry) int {
		if c := a.TriggerAt.Compare(b.TriggerAt); c != 0 {
			return c
		}
		return strings.Compare(a.TaskID, b.TaskID)
	})
}

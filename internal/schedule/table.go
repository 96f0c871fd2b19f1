package schedule

import (
	"sort"
	"sync"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

// Table holds one ScheduleEntry per active job. Entries live in a slice and
// are addressed through an id → index map; removal swaps the last entry into
// the freed slot.
type Table struct {
	mu      sync.Mutex
	entries []model.ScheduleEntry
	index   map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// Observe adds jobID due at the given time if it is not tracked yet.
// It reports whether a new entry was created.
func (t *Table) Observe(jobID string, due time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[jobID]; ok {
		return false
	}
	t.index[jobID] = len(t.entries)
	t.entries = append(t.entries, model.ScheduleEntry{JobID: jobID, NextDue: due})
	return true
}

// Set inserts or replaces the entry for e.JobID.
func (t *Table) Set(e model.ScheduleEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[e.JobID]; ok {
		t.entries[i] = e
		return
	}
	t.index[e.JobID] = len(t.entries)
	t.entries = append(t.entries, e)
}

// Reschedule sets the next due time to now + interval and returns the entry.
func (t *Table) Reschedule(jobID string, now time.Time, interval time.Duration) model.ScheduleEntry {
	e := model.ScheduleEntry{JobID: jobID, NextDue: now.Add(interval), Interval: interval}
	t.Set(e)
	return e
}

// Remove drops the entry for jobID. It reports whether one existed.
func (t *Table) Remove(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[jobID]
	if !ok {
		return false
	}
	last := len(t.entries) - 1
	if i != last {
		t.entries[i] = t.entries[last]
		t.index[t.entries[i].JobID] = i
	}
	t.entries = t.entries[:last]
	delete(t.index, jobID)
	return true
}

// Get returns the entry for jobID.
func (t *Table) Get(jobID string) (model.ScheduleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[jobID]
	if !ok {
		return model.ScheduleEntry{}, false
	}
	return t.entries[i], true
}

// Due returns the ids of entries whose NextDue is at or before now, earliest first.
func (t *Table) Due(now time.Time) []string {
	t.mu.Lock()
	due := make([]model.ScheduleEntry, 0)
	for _, e := range t.entries {
		if !e.NextDue.After(now) {
			due = append(due, e)
		}
	}
	t.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].NextDue.Before(due[j].NextDue) })
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.JobID
	}
	return ids
}

// Snapshot returns a copy of all entries ordered by NextDue.
func (t *Table) Snapshot() []model.ScheduleEntry {
	t.mu.Lock()
	out := append([]model.ScheduleEntry(nil), t.entries...)
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextDue.Before(out[j].NextDue) })
	return out
}

// Len returns the number of tracked jobs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

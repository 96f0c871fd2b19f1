package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amishk599/autobid/internal/model"
)

const (
	entryPrefix    = "schedule/"
	decisionPrefix = "decision/"
)

// Store persists schedule entries and last decisions in the shared KV store
// so a restarted daemon (or a second process) sees the same state.
type Store struct {
	kv model.KVStore
}

// NewStore wraps kv.
func NewStore(kv model.KVStore) *Store {
	return &Store{kv: kv}
}

// SaveEntry writes e.
func (s *Store) SaveEntry(ctx context.Context, e model.ScheduleEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding schedule entry %s: %w", e.JobID, err)
	}
	if err := s.kv.Put(ctx, entryPrefix+e.JobID, data); err != nil {
		return fmt.Errorf("saving schedule entry %s: %w", e.JobID, err)
	}
	return nil
}

// DeleteEntry removes the entry for jobID.
func (s *Store) DeleteEntry(ctx context.Context, jobID string) error {
	if err := s.kv.Delete(ctx, entryPrefix+jobID); err != nil {
		return fmt.Errorf("deleting schedule entry %s: %w", jobID, err)
	}
	return nil
}

// LoadInto reads every persisted entry into t and returns how many were loaded.
func (s *Store) LoadInto(ctx context.Context, t *Table) (int, error) {
	rows, err := s.kv.List(ctx, entryPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing schedule entries: %w", err)
	}
	n := 0
	for key, data := range rows {
		var e model.ScheduleEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return n, fmt.Errorf("decoding schedule entry %s: %w", key, err)
		}
		if e.JobID == "" {
			e.JobID = strings.TrimPrefix(key, entryPrefix)
		}
		t.Set(e)
		n++
	}
	return n, nil
}

// SaveDecision records the last decision for d.JobID.
func (s *Store) SaveDecision(ctx context.Context, d model.JobDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision %s: %w", d.JobID, err)
	}
	if err := s.kv.Put(ctx, decisionPrefix+d.JobID, data); err != nil {
		return fmt.Errorf("saving decision %s: %w", d.JobID, err)
	}
	return nil
}

// Decision returns the last recorded decision for jobID.
func (s *Store) Decision(ctx context.Context, jobID string) (model.JobDecision, bool, error) {
	data, ok, err := s.kv.Get(ctx, decisionPrefix+jobID)
	if err != nil {
		return model.JobDecision{}, false, fmt.Errorf("reading decision %s: %w", jobID, err)
	}
	if !ok {
		return model.JobDecision{}, false, nil
	}
	var d model.JobDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return model.JobDecision{}, false, fmt.Errorf("decoding decision %s: %w", jobID, err)
	}
	return d, true, nil
}

// Decisions returns every recorded decision keyed by job id.
func (s *Store) Decisions(ctx context.Context) (map[string]model.JobDecision, error) {
	rows, err := s.kv.List(ctx, decisionPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	out := make(map[string]model.JobDecision, len(rows))
	for key, data := range rows {
		var d model.JobDecision
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decoding decision %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, decisionPrefix)] = d
	}
	return out, nil
}

package store

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/amishk599/autobid/internal/model"
)

var (
	_ model.KVStore   = (*MemoryStore)(nil)
	_ model.BidLedger = (*MemoryStore)(nil)
	_ model.Locker    = (*MemoryStore)(nil)
)

// MemoryStore keeps everything in process memory. It backs the "memory"
// storage driver, used for one-off runs against a sandbox marketplace, and tests.
type MemoryStore struct {
	mu       sync.Mutex
	kv       map[string][]byte
	texts    map[string]model.BidDraft
	attempts map[string]model.BidAttempt
	locks    map[lockKey]lease
	now      func() time.Time
}

type lockKey struct {
	jobID  string
	action model.Action
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store whose lease expiry uses now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		kv:       make(map[string][]byte),
		texts:    make(map[string]model.BidDraft),
		attempts: make(map[string]model.BidAttempt),
		locks:    make(map[lockKey]lease),
		now:      now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = bytes.Clone(value)
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.kv[key]
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || !bytes.Equal(cur, old)):
		return false, nil
	}
	if next == nil {
		delete(s.kv, key)
	} else {
		s.kv[key] = bytes.Clone(next)
	}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = bytes.Clone(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) BidText(_ context.Context, jobID string) (model.BidDraft, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.texts[jobID]
	return d, ok, nil
}

func (s *MemoryStore) SaveBidText(_ context.Context, jobID string, draft model.BidDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[jobID] = draft
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, attempt model.BidAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.JobID] = attempt
	return nil
}

func (s *MemoryStore) LastAttempt(_ context.Context, jobID string) (model.BidAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[jobID]
	return a, ok, nil
}

func (s *MemoryStore) TryAcquire(_ context.Context, jobID string, action model.Action, owner string, ttl time.Duration) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := lockKey{jobID: jobID, action: action}
	cur, held := s.locks[k]
	if held && now.Before(cur.expiresAt) {
		return false, false, nil
	}
	s.locks[k] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, held, nil
}

func (s *MemoryStore) Release(_ context.Context, jobID string, action model.Action, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{jobID: jobID, action: action}
	if cur, ok := s.locks[k]; ok && cur.owner == owner {
		delete(s.locks, k)
	}
	return nil
}

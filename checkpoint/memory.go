package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory, for tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	locks     map[string]string
	commitErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), locks: make(map[string]string)}
}

// FailCommits makes every following Commit return err. Pass nil to stop.
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *MemoryStore) Read(ctx context.Context, runID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[runID]
	if !ok {
		return nil, nil
	}
	r.Aggregate = append([]byte(nil), r.Aggregate...)
	return &r, nil
}

func (s *MemoryStore) Commit(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	if cur, ok := s.records[rec.RunID]; ok {
		if err := checkAdvance(&cur, rec); err != nil {
			return err
		}
	}
	rec.Aggregate = append([]byte(nil), rec.Aggregate...)
	s.records[rec.RunID] = rec
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, runID string, owner string) (Unlocker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locks[runID]; ok {
		return nil, &LockHeldError{RunID: runID, Owner: holder}
	}
	s.locks[runID] = owner
	return lockFuncs{
		refresh: func(ctx context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if holder := s.locks[runID]; holder != owner {
				return &LockLostError{RunID: runID, Owner: owner, Holder: holder}
			}
			return nil
		},
		unlock: func(ctx context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.locks[runID] == owner {
				delete(s.locks, runID)
			}
			return nil
		},
	}, nil
}

// BreakLock drops the lock on runID as if it had expired.
func (s *MemoryStore) BreakLock(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, runID)
}

func (s *MemoryStore) Reset(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runID)
	return nil
}

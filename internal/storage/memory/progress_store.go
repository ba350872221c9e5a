package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/chapterd/internal/download"
)

// ProgressStore keeps snapshots in a map. Every read and write copies.
type ProgressStore struct {
	mu    sync.RWMutex
	snaps map[string]download.ProgressSnapshot
	saves map[string]int
}

// NewProgressStore constructs an empty store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		snaps: make(map[string]download.ProgressSnapshot),
		saves: make(map[string]int),
	}
}

// Load returns a copy of the snapshot or download.ErrNotFound.
func (s *ProgressStore) Load(_ context.Context, work string) (download.ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[work]
	if !ok {
		return download.ProgressSnapshot{}, download.ErrNotFound
	}
	return snap.Clone(), nil
}

// Save stores a copy of the snapshot.
func (s *ProgressStore) Save(_ context.Context, work string, snapshot download.ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[work] = snapshot.Clone()
	s.saves[work]++
	return nil
}

// ListWorks returns the sorted work names.
func (s *ProgressStore) ListWorks(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	works := make([]string, 0, len(s.snaps))
	for name := range s.snaps {
		works = append(works, name)
	}
	sort.Strings(works)
	return works, nil
}

// Delete drops the snapshot of work.
func (s *ProgressStore) Delete(_ context.Context, work string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[work]; !ok {
		return download.ErrNotFound
	}
	delete(s.snaps, work)
	return nil
}

// Saves reports how many times work was saved.
func (s *ProgressStore) Saves(work string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[work]
}

package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/JakeFAU/chapterd/internal/download"
)

// ProgressFile is the name of the durable record inside each work folder.
const ProgressFile = "progress.json"

// ProgressStore keeps one JSON snapshot per work under BaseDir/<work>/.
type ProgressStore struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProgressStore creates the downloads root if needed.
func NewProgressStore(cfg Config) (*ProgressStore, error) {
	if err := ensureWritableDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &ProgressStore{
		baseDir: cfg.BaseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the downloads root.
func (s *ProgressStore) Root() string {
	return s.baseDir
}

func (s *ProgressStore) lockFor(work string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[work]
	if !ok {
		l = &sync.Mutex{}
		s.locks[work] = l
	}
	return l
}

func (s *ProgressStore) path(work string) (string, error) {
	if work == "" {
		return "", download.ErrInvalidWorkName
	}
	return within(s.baseDir, filepath.Join(work, ProgressFile))
}

// Load returns the stored snapshot, download.ErrNotFound, or a CorruptStateError.
func (s *ProgressStore) Load(ctx context.Context, work string) (download.ProgressSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return download.ProgressSnapshot{}, fmt.Errorf("load progress: %w", err)
	}
	path, err := s.path(work)
	if err != nil {
		return download.ProgressSnapshot{}, err
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path validated by within.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return download.ProgressSnapshot{}, download.ErrNotFound
		}
		return download.ProgressSnapshot{}, fmt.Errorf("read progress %s: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return download.ProgressSnapshot{}, &download.CorruptStateError{Work: work, Path: path, Err: errors.New("empty record")}
	}

	var snap download.ProgressSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return download.ProgressSnapshot{}, &download.CorruptStateError{Work: work, Path: path, Err: err}
	}
	if snap.Work.Name != work {
		return download.ProgressSnapshot{}, &download.CorruptStateError{
			Work: work,
			Path: path,
			Err:  fmt.Errorf("record belongs to %q", snap.Work.Name),
		}
	}
	if snap.LastCompletedChapter < 0 {
		return download.ProgressSnapshot{}, &download.CorruptStateError{
			Work: work,
			Path: path,
			Err:  fmt.Errorf("negative completed chapter %d", snap.LastCompletedChapter),
		}
	}
	return snap, nil
}

// Save durably replaces the snapshot of work.
func (s *ProgressStore) Save(ctx context.Context, work string, snapshot download.ProgressSnapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	path, err := s.path(work)
	if err != nil {
		return err
	}
	if snapshot.Work.Name != work {
		return fmt.Errorf("save progress: snapshot names %q, not %q", snapshot.Work.Name, work)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	lock := s.lockFor(work)
	lock.Lock()
	defer lock.Unlock()
	if err := writeAtomic(path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("save progress %s: %w", work, err)
	}
	return nil
}

// ListWorks returns the sorted names of works that have a progress record.
func (s *ProgressStore) ListWorks(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	works := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), ProgressFile)); err == nil {
			works = append(works, entry.Name())
		}
	}
	sort.Strings(works)
	return works, nil
}

// Delete removes the progress record of work and keeps its assets.
func (s *ProgressStore) Delete(ctx context.Context, work string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	path, err := s.path(work)
	if err != nil {
		return err
	}
	lock := s.lockFor(work)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return download.ErrNotFound
		}
		return fmt.Errorf("delete progress %s: %w", work, err)
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/wchain/internal/storage"
)

// DefaultSize bounds the journal when New is given a non-positive size.
const DefaultSize = 1000

// Store is an in-memory run journal that keeps the most recently used records.
type Store struct {
	runs *lru.Cache[string, *storage.RunRecord]
}

var _ storage.Store = (*Store)(nil)

// New creates a journal holding at most size records.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	runs, err := lru.New[string, *storage.RunRecord](size)
	if err != nil {
		return nil, fmt.Errorf("create run cache: %w", err)
	}
	return &Store{runs: runs}, nil
}

func (s *Store) CreateRun(ctx context.Context, rec *storage.RunRecord) error {
	if s.runs.Contains(rec.ID) {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Status = storage.StatusRunning
	s.runs.Add(rec.ID, clone(rec))
	return nil
}

func (s *Store) FinishRun(ctx context.Context, rec *storage.RunRecord) error {
	if _, ok := s.runs.Peek(rec.ID); !ok {
		return fmt.Errorf("run %s: %w", rec.ID, storage.ErrNotFound)
	}
	if rec.FinishedAt == nil {
		now := time.Now()
		rec.FinishedAt = &now
	}
	s.runs.Add(rec.ID, clone(rec))
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	rec, ok := s.runs.Get(id)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return clone(rec), nil
}

func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*storage.RunRecord, error) {
	var result []*storage.RunRecord
	for _, id := range s.runs.Keys() {
		rec, ok := s.runs.Peek(id)
		if !ok {
			continue
		}
		if opts.Pipeline != "" && rec.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		result = append(result, clone(rec))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close drops every record.
func (s *Store) Close() error {
	s.runs.Purge()
	return nil
}

func clone(rec *storage.RunRecord) *storage.RunRecord {
	c := *rec
	if rec.Digests != nil {
		c.Digests = make(map[string]string, len(rec.Digests))
		for k, v := range rec.Digests {
			c.Digests[k] = v
		}
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

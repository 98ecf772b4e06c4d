// Package memory provides an in-memory implementation of the build
// record store. It backs unit tests and the no-database development
// mode; semantics match the PostgreSQL implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgelabs/build-plane/internal/models"
	"github.com/forgelabs/build-plane/internal/store"
)

// MemoryStore keeps build records and logs in process memory. All
// mutation happens under a single lock, which gives the same atomic
// per-record update guarantee the SQL store gets from row-level
// updates.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.BuildRecord
	logs    map[string][]*models.LogEntry

	builds *buildStore
	logSt  *logStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*models.BuildRecord),
		logs:    make(map[string][]*models.LogEntry),
	}
	s.builds = &buildStore{s: s}
	s.logSt = &logStore{s: s}
	return s
}

// Builds returns the BuildStore.
func (s *MemoryStore) Builds() store.BuildStore { return s.builds }

// Logs returns the LogStore.
func (s *MemoryStore) Logs() store.LogStore { return s.logSt }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

type buildStore struct {
	s *MemoryStore
}

func (b *buildStore) Create(ctx context.Context, record *models.BuildRecord) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if _, ok := b.s.records[record.BuildID]; ok {
		return store.ErrAlreadyExists
	}

	cp := cloneRecord(record)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	b.s.records[record.BuildID] = cp
	return nil
}

func (b *buildStore) Get(ctx context.Context, buildID string) (*models.BuildRecord, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	rec, ok := b.s.records[buildID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (b *buildStore) Update(ctx context.Context, buildID string, updates store.FieldUpdates) (*models.BuildRecord, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	rec, ok := b.s.records[buildID]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Terminal statuses are absorbing: a late stage result or a
	// cancel racing with natural completion must not rewrite them.
	if updates.Status != nil && rec.Status.Terminal() {
		return nil, store.ErrTerminalStatus
	}

	if updates.Status != nil {
		rec.Status = *updates.Status
	}
	if updates.IncrementIteration {
		rec.CurrentIteration++
	}
	for stage, output := range updates.StageOutput {
		out := append([]byte(nil), output...)
		switch stage {
		case models.StageScout:
			rec.ScoutOutput = out
		case models.StageArchitect:
			rec.ArchitectOutput = out
		case models.StageBuilder:
			rec.BuilderOutput = out
		case models.StageTester:
			rec.TesterOutput = out
		}
	}
	if updates.FilesCreated != nil {
		rec.FilesCreated = append([]string(nil), updates.FilesCreated...)
	}
	if updates.Error != nil {
		rec.Error = *updates.Error
	}
	rec.UpdatedAt = time.Now().UTC()

	return cloneRecord(rec), nil
}

func (b *buildStore) List(ctx context.Context, statusFilter models.BuildStatus, limit int) ([]*models.BuildRecord, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*models.BuildRecord
	for _, rec := range b.s.records {
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		result = append(result, cloneRecord(rec))
	}

	if statusFilter != "" {
		sort.Slice(result, func(i, j int) bool {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		})
	}

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type logStore struct {
	s *MemoryStore
}

func (l *logStore) Append(ctx context.Context, buildID, message string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	l.s.logs[buildID] = append(l.s.logs[buildID], &models.LogEntry{
		BuildID:   buildID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (l *logStore) List(ctx context.Context, buildID string, limit int) ([]*models.LogEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	entries := l.s.logs[buildID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	result := make([]*models.LogEntry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

// cloneRecord deep-copies a record so callers never alias store
// internals.
func cloneRecord(rec *models.BuildRecord) *models.BuildRecord {
	cp := *rec
	cp.ScoutOutput = append([]byte(nil), rec.ScoutOutput...)
	cp.ArchitectOutput = append([]byte(nil), rec.ArchitectOutput...)
	cp.BuilderOutput = append([]byte(nil), rec.BuilderOutput...)
	cp.TesterOutput = append([]byte(nil), rec.TesterOutput...)
	cp.FilesCreated = append([]string(nil), rec.FilesCreated...)
	return &cp
}

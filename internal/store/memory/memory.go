// Package memory is an in-process implementation of the opsflow storage
// contracts. It backs tests and DATABASE_URL=memory:// development runs;
// nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/store"
)

type Store struct {
	mu sync.Mutex

	automations map[string]domain.AutomationRecord
	executions  []domain.ExecutionRecord
	assets      map[string]domain.SourceAsset

	nextExecutionID int64
	nextAssetID     int64

	now func() time.Time
}

func New() *Store {
	return &Store{
		automations: make(map[string]domain.AutomationRecord),
		assets:      make(map[string]domain.SourceAsset),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) PingContext(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) EnsureAutomation(ctx context.Context, rec domain.AutomationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.automations[rec.Code]; ok {
		existing.Name = rec.Name
		s.automations[rec.Code] = existing
		return nil
	}

	if rec.Status == "" {
		rec.Status = domain.SeverityOperational
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Metadata = copyMap(rec.Metadata)
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	s.automations[rec.Code] = rec
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, code string) (domain.AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.automations[code]
	if !ok {
		return domain.AutomationRecord{}, store.ErrNotFound
	}
	return cloneAutomation(rec), nil
}

// ListAutomations returns records ordered by code.
func (s *Store) ListAutomations(ctx context.Context) ([]domain.AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.AutomationRecord, 0, len(s.automations))
	for _, rec := range s.automations {
		result = append(result, cloneAutomation(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *Store) UpdateAutomationStatus(ctx context.Context, code string, status domain.Severity, summary string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.automations[code]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	t := at
	rec.LastRunAt = &t
	rec.Metadata = copyMap(rec.Metadata)
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[domain.MetadataSummary] = summary
	rec.UpdatedAt = at
	s.automations[code] = rec
	return nil
}

func (s *Store) InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.automations[rec.AutomationCode]; !ok {
		return 0, store.ErrNotFound
	}
	s.nextExecutionID++
	rec.ID = s.nextExecutionID
	rec.Result = copyMap(rec.Result)
	s.executions = append(s.executions, rec)
	return rec.ID, nil
}

func (s *Store) FinishExecution(ctx context.Context, id int64, status domain.ExecutionStatus, logs string, result map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.executions {
		if s.executions[i].ID != id {
			continue
		}
		if s.executions[i].Status != domain.ExecutionStatusRunning {
			return store.ErrAlreadyFinished
		}
		t := at
		s.executions[i].Status = status
		s.executions[i].Logs = logs
		s.executions[i].Result = copyMap(result)
		s.executions[i].FinishedAt = &t
		return nil
	}
	return store.ErrNotFound
}

// ListExecutions returns the executions of one automation, newest first.
func (s *Store) ListExecutions(ctx context.Context, code string, limit, offset int) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].AutomationCode == code {
			matched = append(matched, cloneExecution(s.executions[i]))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return page(matched, limit, offset), nil
}

// GetStaleExecutions returns running executions started before olderThan,
// oldest first.
func (s *Store) GetStaleExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.ExecutionRecord
	for _, rec := range s.executions {
		if rec.Status == domain.ExecutionStatusRunning && rec.StartedAt.Before(olderThan) {
			result = append(result, cloneExecution(rec))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	if maxResults > 0 && len(result) > maxResults {
		result = result[:maxResults]
	}
	return result, nil
}

// Executions returns every execution in insertion order.
func (s *Store) Executions() []domain.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.ExecutionRecord, len(s.executions))
	for i, rec := range s.executions {
		result[i] = cloneExecution(rec)
	}
	return result
}

func (s *Store) GetAssetByExternalID(ctx context.Context, externalID string) (domain.SourceAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[externalID]
	if !ok {
		return domain.SourceAsset{}, store.ErrNotFound
	}
	return asset, nil
}

func (s *Store) UpsertAsset(ctx context.Context, asset domain.SourceAsset) (domain.SourceAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := asset.UpdatedAt
	if now.IsZero() {
		now = s.now()
	}
	if existing, ok := s.assets[asset.ExternalID]; ok {
		asset.ID = existing.ID
		asset.CreatedAt = existing.CreatedAt
	} else {
		s.nextAssetID++
		asset.ID = s.nextAssetID
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	s.assets[asset.ExternalID] = asset
	return asset, nil
}

// ListAssets returns assets, newest first.
func (s *Store) ListAssets(ctx context.Context, limit, offset int) ([]domain.SourceAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.SourceAsset, 0, len(s.assets))
	for _, a := range s.assets {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return page(result, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneAutomation(rec domain.AutomationRecord) domain.AutomationRecord {
	rec.Metadata = copyMap(rec.Metadata)
	if rec.LastRunAt != nil {
		t := *rec.LastRunAt
		rec.LastRunAt = &t
	}
	return rec
}

func cloneExecution(rec domain.ExecutionRecord) domain.ExecutionRecord {
	rec.Result = copyMap(rec.Result)
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		rec.FinishedAt = &t
	}
	return rec
}

// copyMap is shallow; nested values are shared.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

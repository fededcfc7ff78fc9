package memory

import (
	"context"
	"sort"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
)

// MemoryCallHistoryRepository keeps the most recent records in process. The
// oldest record is evicted once maxRecords is reached.
type MemoryCallHistoryRepository struct {
	records    map[domain.CallID]*domain.CallRecord
	maxRecords int
	mu         sync.RWMutex
}

func NewMemoryCallHistoryRepository(maxRecords int) ports.CallHistoryRepository {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &MemoryCallHistoryRepository{
		records:    make(map[domain.CallID]*domain.CallRecord),
		maxRecords: maxRecords,
	}
}

func (r *MemoryCallHistoryRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	if record.CallID == "" {
		return domain.ErrCallNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	r.records[record.CallID] = &stored

	for len(r.records) > r.maxRecords {
		delete(r.records, r.oldestLocked())
	}
	return nil
}

func (r *MemoryCallHistoryRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	out := *record
	return &out, nil
}

func (r *MemoryCallHistoryRepository) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*domain.CallRecord, 0, len(r.records))
	for _, record := range r.records {
		out := *record
		records = append(records, &out)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EndedAt.After(records[j].EndedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r *MemoryCallHistoryRepository) oldestLocked() domain.CallID {
	var (
		oldest domain.CallID
		first  = true
	)
	for id, record := range r.records {
		if first || record.EndedAt.Before(r.records[oldest].EndedAt) {
			oldest, first = id, false
		}
	}
	return oldest
}

package memory

import (
	"context"
	"sync"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
)

// HistoryLength bounds the retained snapshot history.
const HistoryLength = 120

type MemoryStatsRepository struct {
	mu      sync.RWMutex
	history []domain.PerformanceStats // newest first
}

func NewMemoryStatsRepository() ports.StatsRepository {
	return &MemoryStatsRepository{}
}

func (r *MemoryStatsRepository) Save(ctx context.Context, stats *domain.PerformanceStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.history) < HistoryLength {
		r.history = append(r.history, domain.PerformanceStats{})
	}
	copy(r.history[1:], r.history)
	r.history[0] = *stats
	return nil
}

func (r *MemoryStatsRepository) Latest(ctx context.Context) (*domain.PerformanceStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return nil, nil
	}
	cp := r.history[0]
	return &cp, nil
}

func (r *MemoryStatsRepository) History(ctx context.Context, limit int) ([]*domain.PerformanceStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]*domain.PerformanceStats, limit)
	for i := range out {
		cp := r.history[i]
		out[i] = &cp
	}
	return out, nil
}

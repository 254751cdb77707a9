package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-query-api/internal/models"
)

// QueryMemoryRepository keeps queries in process memory. Reads and writes copy records so callers
// never alias stored slices.
type QueryMemoryRepository struct {
	mu    sync.RWMutex
	table map[string]*models.Query
}

// NewQueryMemoryRepository constructs an empty store.
func NewQueryMemoryRepository() *QueryMemoryRepository {
	return &QueryMemoryRepository{table: make(map[string]*models.Query)}
}

// Create stores a new query.
func (r *QueryMemoryRepository) Create(ctx context.Context, query *models.Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.Version == 0 {
		query.Version = 1
	}
	if query.CreatedAt.IsZero() {
		query.CreatedAt = time.Now().UTC()
	}
	if query.UpdatedAt.IsZero() {
		query.UpdatedAt = query.CreatedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.table[query.ID]; exists {
		return fmt.Errorf("create query: duplicate id %s", query.ID)
	}
	r.table[query.ID] = query.Clone()
	return nil
}

// GetByID returns a copy of the stored query.
func (r *QueryMemoryRepository) GetByID(ctx context.Context, id string) (*models.Query, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.table[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return q.Clone(), nil
}

// CompareAndSwap replaces the record when the stored version equals expectedVersion.
func (r *QueryMemoryRepository) CompareAndSwap(ctx context.Context, query *models.Query, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.table[query.ID]
	if !ok || current.Version != expectedVersion {
		return ErrVersionConflict
	}
	query.Version = expectedVersion + 1
	r.table[query.ID] = query.Clone()
	return nil
}

// Delete removes a query.
func (r *QueryMemoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.table, id)
	return nil
}

// List filters, sorts and pages the stored queries.
func (r *QueryMemoryRepository) List(ctx context.Context, filter models.QueryFilter) ([]models.Query, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	filter.Normalize()

	r.mu.RLock()
	matched := make([]models.Query, 0, len(r.table))
	for _, q := range r.table {
		if filter.Scope.Matches(q) && filter.MatchesAttributes(q) {
			matched = append(matched, *q.Clone())
		}
	}
	r.mu.RUnlock()

	return paginate(matched, filter), len(matched), nil
}

// Statistics counts the scoped set in one pass under a read lock.
func (r *QueryMemoryRepository) Statistics(ctx context.Context, scope models.QueryScope) (models.QueryStatistics, error) {
	if err := ctx.Err(); err != nil {
		return models.QueryStatistics{}, err
	}
	stats := models.NewQueryStatistics()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.table {
		if scope.Matches(q) {
			stats.Add(q)
		}
	}
	return stats, nil
}

// Ping always succeeds.
func (r *QueryMemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func paginate(items []models.Query, filter models.QueryFilter) []models.Query {
	models.SortQueries(items, filter)
	start := filter.Offset()
	if start >= len(items) {
		return []models.Query{}
	}
	end := start + filter.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

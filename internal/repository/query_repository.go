package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-query-api/internal/models"
)

// ErrVersionConflict is returned by CompareAndSwap when the stored version moved on.
var ErrVersionConflict = errors.New("query version conflict")

// QueryStore is satisfied by every query backend.
type QueryStore interface {
	Create(ctx context.Context, query *models.Query) error
	GetByID(ctx context.Context, id string) (*models.Query, error)
	CompareAndSwap(ctx context.Context, query *models.Query, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter models.QueryFilter) ([]models.Query, int, error)
	Statistics(ctx context.Context, scope models.QueryScope) (models.QueryStatistics, error)
	Ping(ctx context.Context) error
}

var (
	_ QueryStore = (*QueryRepository)(nil)
	_ QueryStore = (*QueryMemoryRepository)(nil)
	_ QueryStore = (*QueryDynamoRepository)(nil)
)

const queryColumns = `id, from_user_id, assigned_to, subject, content, query_type, priority, status, is_sensitive,
       department, responses, escalations, tags, rating, rated_at, version, created_at, updated_at`

// QueryRepository persists queries in PostgreSQL. Responses, escalations and tags are JSONB columns
// of the same row so every mutation is a single conditional UPDATE on (id, version).
type QueryRepository struct {
	db *sqlx.DB
}

// NewQueryRepository constructs the repository.
func NewQueryRepository(db *sqlx.DB) *QueryRepository {
	return &QueryRepository{db: db}
}

// Create inserts a new query row.
func (r *QueryRepository) Create(ctx context.Context, query *models.Query) error {
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.Version == 0 {
		query.Version = 1
	}
	now := time.Now().UTC()
	if query.CreatedAt.IsZero() {
		query.CreatedAt = now
	}
	if query.UpdatedAt.IsZero() {
		query.UpdatedAt = query.CreatedAt
	}
	const stmt = `INSERT INTO queries
	(id, from_user_id, assigned_to, subject, content, query_type, priority, status, is_sensitive, department,
	 responses, escalations, tags, rating, rated_at, version, created_at, updated_at)
	VALUES (:id, :from_user_id, :assigned_to, :subject, :content, :query_type, :priority, :status, :is_sensitive, :department,
	 :responses, :escalations, :tags, :rating, :rated_at, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, stmt, query); err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

// GetByID fetches a query by identifier.
func (r *QueryRepository) GetByID(ctx context.Context, id string) (*models.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM queries WHERE id = $1`
	var q models.Query
	if err := r.db.GetContext(ctx, &q, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get query: %w", err)
	}
	return &q, nil
}

// CompareAndSwap replaces the stored record when its version still equals expectedVersion.
// On success query.Version is advanced.
func (r *QueryRepository) CompareAndSwap(ctx context.Context, query *models.Query, expectedVersion int64) error {
	const stmt = `UPDATE queries SET
	assigned_to = :assigned_to, priority = :priority, status = :status, responses = :responses,
	escalations = :escalations, tags = :tags, rating = :rating, rated_at = :rated_at,
	version = :next_version, updated_at = :updated_at
	WHERE id = :id AND version = :expected_version`
	result, err := r.db.NamedExecContext(ctx, stmt, map[string]interface{}{
		"id":               query.ID,
		"assigned_to":      query.AssignedTo,
		"priority":         query.Priority,
		"status":           query.Status,
		"responses":        query.Responses,
		"escalations":      query.Escalations,
		"tags":             query.Tags,
		"rating":           query.Rating,
		"rated_at":         query.RatedAt,
		"next_version":     expectedVersion + 1,
		"updated_at":       query.UpdatedAt,
		"expected_version": expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("update query: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check query update rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	query.Version = expectedVersion + 1
	return nil
}

// Delete removes a query permanently.
func (r *QueryRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM queries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete query: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check query delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns one page of queries matching the filter together with the total count.
func (r *QueryRepository) List(ctx context.Context, filter models.QueryFilter) ([]models.Query, int, error) {
	filter.Normalize()
	where, args := buildQueryConditions(filter, true)

	listQuery := fmt.Sprintf("SELECT %s FROM queries WHERE %s ORDER BY %s %s, id %s LIMIT %d OFFSET %d",
		queryColumns, where, sortExpression(filter.SortBy), filter.SortOrder, filter.SortOrder, filter.PageSize, filter.Offset())

	var items []models.Query
	if err := r.db.SelectContext(ctx, &items, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list queries: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM queries WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count queries: %w", err)
	}
	return items, total, nil
}

type statusAggregate struct {
	Status    models.QueryStatus `db:"status"`
	Total     int                `db:"total"`
	Rated     int                `db:"rated"`
	RatingSum float64            `db:"rating_sum"`
}

// Statistics aggregates the scoped query set in a single statement.
func (r *QueryRepository) Statistics(ctx context.Context, scope models.QueryScope) (models.QueryStatistics, error) {
	where, args := buildQueryConditions(models.QueryFilter{Scope: scope}, false)
	query := `SELECT status, COUNT(*) AS total, COUNT(rating) AS rated, COALESCE(SUM(rating), 0) AS rating_sum
	FROM queries WHERE ` + where + ` GROUP BY status`

	var rows []statusAggregate
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return models.QueryStatistics{}, fmt.Errorf("query statistics: %w", err)
	}

	stats := models.NewQueryStatistics()
	var ratingSum float64
	for _, row := range rows {
		stats.Total += row.Total
		stats.ByStatus[row.Status] += row.Total
		stats.RatedCount += row.Rated
		ratingSum += row.RatingSum
	}
	if stats.RatedCount > 0 {
		stats.AverageRating = ratingSum / float64(stats.RatedCount)
	}
	return stats, nil
}

// Ping verifies the database connection.
func (r *QueryRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func sortExpression(sortBy string) string {
	switch sortBy {
	case models.QuerySortUpdatedAt:
		return "updated_at"
	case models.QuerySortPriority:
		return "CASE priority WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 WHEN 'urgent' THEN 4 ELSE 0 END"
	default:
		return "created_at"
	}
}

// buildQueryConditions renders the visibility scope (and optionally attribute filters) to SQL.
func buildQueryConditions(filter models.QueryFilter, withAttributes bool) (string, []interface{}) {
	args := make([]interface{}, 0, 8)
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	scope := filter.Scope
	conditions := make([]string, 0, 6)

	if !scope.SensitiveAccess {
		if scope.ActorID != "" {
			p := next(scope.ActorID)
			conditions = append(conditions, fmt.Sprintf("(is_sensitive = FALSE OR from_user_id = %s OR assigned_to = %s)", p, p))
		} else {
			conditions = append(conditions, "is_sensitive = FALSE")
		}
	}

	if !scope.All {
		visible := make([]string, 0, 3)
		if scope.FromUserID != "" {
			visible = append(visible, "from_user_id = "+next(scope.FromUserID))
		}
		if scope.Participant != "" {
			p := next(scope.Participant)
			visible = append(visible, fmt.Sprintf("from_user_id = %s OR assigned_to = %s", p, p))
		}
		if scope.Department != "" {
			visible = append(visible, "department = "+next(scope.Department))
		}
		if len(visible) == 0 {
			conditions = append(conditions, "FALSE")
		} else {
			conditions = append(conditions, "("+strings.Join(visible, " OR ")+")")
		}
	}

	if withAttributes {
		if len(filter.Status) > 0 {
			placeholders := make([]string, len(filter.Status))
			for i, status := range filter.Status {
				placeholders[i] = next(status)
			}
			conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		}
		if filter.Priority != "" {
			conditions = append(conditions, "priority = "+next(filter.Priority))
		}
		if filter.QueryType != "" {
			conditions = append(conditions, "query_type = "+next(filter.QueryType))
		}
		if tag := strings.ToLower(strings.TrimSpace(filter.Tag)); tag != "" {
			encoded, _ := json.Marshal([]string{tag})
			conditions = append(conditions, fmt.Sprintf("tags @> %s::jsonb", next(string(encoded))))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", args
	}
	return strings.Join(conditions, " AND "), args
}

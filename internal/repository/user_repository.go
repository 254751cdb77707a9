package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-query-api/internal/models"
)

const (
	userColumns         = `id, email, password_hash, full_name, role, department, active, last_login, created_at, updated_at`
	defaultUserPageSize = 20
	maxUserPageSize     = 100
)

var userSortColumns = map[string]bool{
	"email":      true,
	"created_at": true,
	"full_name":  true,
	"department": true,
}

// UserRepository reads the user directory and records audit entries.
// Users are managed outside this service; only last_login is written here.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address. sql.ErrNoRows is returned unwrapped.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "email", email)
}

// FindByID returns a user by identifier. sql.ErrNoRows is returned unwrapped.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, "id", id)
}

func (r *UserRepository) findOne(ctx context.Context, column, value string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s = $1 LIMIT 1`, userColumns, column)
	var user models.User
	err := r.db.GetContext(ctx, &user, query, value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("find user by %s: %w", column, err)
	}
	return &user, nil
}

// UpdateLastLogin stamps a successful login.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// List returns one page of users matching the filter together with the total match count.
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	where, args := userWhere(filter)

	sortBy := filter.SortBy
	if !userSortColumns[sortBy] {
		sortBy = "full_name"
	}
	sortOrder := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		sortOrder = "DESC"
	}
	limit, offset := userPage(filter.Page, filter.PageSize)

	listQuery := fmt.Sprintf("SELECT %s FROM users %s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d",
		userColumns, where, sortBy, sortOrder, limit, offset)
	users := []models.User{}
	if err := r.db.SelectContext(ctx, &users, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM users "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	return users, total, nil
}

func userWhere(filter models.UserFilter) (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}
	add := func(format string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(format, "?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.Role != nil {
		add("role = ?", *filter.Role)
	}
	if filter.Active != nil {
		add("active = ?", *filter.Active)
	}
	if filter.Department != "" {
		add("department = ?", filter.Department)
	}
	if filter.Search != "" {
		add("(LOWER(email) LIKE ? OR LOWER(full_name) LIKE ?)", "%"+strings.ToLower(filter.Search)+"%")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func userPage(page, size int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > maxUserPageSize {
		size = defaultUserPageSize
	}
	return size, (page - 1) * size
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, old_values, new_values, ip_address, user_agent, created_at)
		VALUES (:id, :user_id, :action, :resource, :resource_id, :old_values, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

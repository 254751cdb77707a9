package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/sma-query-api/internal/models"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
)

const directoryLookupTimeout = 5 * time.Second

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
}

// UserDirectory resolves the people a query refers to.
type UserDirectory interface {
	Resolve(ctx context.Context, id string) (*models.User, error)
	ListByRole(ctx context.Context, role models.UserRole, department string) ([]models.User, error)
}

// UserDirectoryService is a read-through cache over the users table. Concurrent misses for the same
// id share one database round trip.
type UserDirectoryService struct {
	users          userReader
	cache          *ttlcache.Cache[string, models.User]
	group          singleflight.Group
	sensitiveRoles map[models.UserRole]struct{}
	logger         *zap.Logger
}

// NewUserDirectoryService constructs the directory. sensitiveRoles lists the roles allowed to read
// sensitive queries they are not part of.
func NewUserDirectoryService(users userReader, ttl time.Duration, sensitiveRoles []string, logger *zap.Logger) *UserDirectoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	roles := make(map[models.UserRole]struct{}, len(sensitiveRoles))
	for _, role := range sensitiveRoles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role != "" {
			roles[models.UserRole(role)] = struct{}{}
		}
	}
	return &UserDirectoryService{
		users:          users,
		cache:          ttlcache.New(ttlcache.WithTTL[string, models.User](ttl), ttlcache.WithDisableTouchOnHit[string, models.User]()),
		sensitiveRoles: roles,
		logger:         logger,
	}
}

// Start runs the cache janitor until Stop is called.
func (d *UserDirectoryService) Start() {
	go d.cache.Start()
}

// Stop halts the cache janitor.
func (d *UserDirectoryService) Stop() {
	d.cache.Stop()
}

// Resolve returns the active user with id. Missing or inactive users are UnknownUser; lookup
// failures are CollaboratorUnavailable.
func (d *UserDirectoryService) Resolve(ctx context.Context, id string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, appErrors.Clone(appErrors.ErrUnknownUser, "user id is required")
	}
	if item := d.cache.Get(id); item != nil {
		user := item.Value()
		return &user, nil
	}

	// The shared lookup outlives any one caller so a cancelled request cannot fail the others
	// waiting on the same id.
	shared := d.group.DoChan(id, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryLookupTimeout)
		defer cancel()
		user, err := d.users.FindByID(lookupCtx, id)
		if err != nil {
			return nil, err
		}
		d.decorate(user)
		d.cache.Set(id, *user, ttlcache.DefaultTTL)
		return *user, nil
	})

	var res singleflight.Result
	select {
	case res = <-shared:
	case <-ctx.Done():
		return nil, appErrors.Unavailable(ctx.Err(), "user directory lookup abandoned")
	}
	if err := res.Err; err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.WithDetails(appErrors.ErrUnknownUser, "", map[string]interface{}{"userId": id})
		}
		d.logger.Warn("user directory lookup failed", zap.String("user_id", id), zap.Error(err))
		return nil, appErrors.Unavailable(err, "user directory unavailable")
	}
	user := res.Val.(models.User)
	if !user.Active {
		return nil, appErrors.WithDetails(appErrors.ErrUnknownUser, "user is inactive", map[string]interface{}{"userId": id})
	}
	return &user, nil
}

// ListByRole returns active users of role, optionally narrowed to a department.
func (d *UserDirectoryService) ListByRole(ctx context.Context, role models.UserRole, department string) ([]models.User, error) {
	active := true
	users, _, err := d.users.List(ctx, models.UserFilter{
		Role:       &role,
		Active:     &active,
		Department: department,
		PageSize:   100,
		SortBy:     "full_name",
		SortOrder:  "ASC",
	})
	if err != nil {
		return nil, appErrors.Unavailable(err, "user directory unavailable")
	}
	for i := range users {
		d.decorate(&users[i])
	}
	return users, nil
}

// Invalidate drops a cached entry, e.g. after a role change.
func (d *UserDirectoryService) Invalidate(id string) {
	d.cache.Delete(id)
}

func (d *UserDirectoryService) decorate(user *models.User) {
	_, ok := d.sensitiveRoles[user.Role]
	user.SensitiveAccess = ok
}

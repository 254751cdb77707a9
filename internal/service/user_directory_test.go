package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-query-api/internal/models"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
)

type userReaderStub struct {
	users   map[string]models.User
	err     error
	lookups int32
	filter  models.UserFilter
}

func (s *userReaderStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	atomic.AddInt32(&s.lookups, 1)
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

func (s *userReaderStub) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	s.filter = filter
	if s.err != nil {
		return nil, 0, s.err
	}
	var out []models.User
	for _, u := range s.users {
		if filter.Role != nil && u.Role != *filter.Role {
			continue
		}
		out = append(out, u)
	}
	return out, len(out), nil
}

func newUserReaderStub() *userReaderStub {
	return &userReaderStub{users: map[string]models.User{
		"T1": {ID: "T1", FullName: "Tari", Role: models.RoleTeacher, Active: true},
		"A1": {ID: "A1", FullName: "Ayu", Role: models.RoleAdmin, Active: true},
		"X1": {ID: "X1", FullName: "Former", Role: models.RoleTeacher, Active: false},
	}}
}

func TestUserDirectoryResolve(t *testing.T) {
	reader := newUserReaderStub()
	dir := NewUserDirectoryService(reader, time.Minute, []string{"admin"}, nil)
	ctx := context.Background()

	admin, err := dir.Resolve(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, admin.SensitiveAccess)

	teacher, err := dir.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, teacher.SensitiveAccess)

	_, err = dir.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reader.lookups), "second lookup is served from cache")

	_, err = dir.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, appErrors.ErrUnknownUser)

	_, err = dir.Resolve(ctx, "X1")
	assert.ErrorIs(t, err, appErrors.ErrUnknownUser)

	_, err = dir.Resolve(ctx, " ")
	assert.ErrorIs(t, err, appErrors.ErrUnknownUser)

	dir.Invalidate("T1")
	_, err = dir.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&reader.lookups))
}

func TestUserDirectoryCollapsesConcurrentMisses(t *testing.T) {
	reader := newUserReaderStub()
	dir := NewUserDirectoryService(reader, time.Minute, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := dir.Resolve(context.Background(), "T1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.lookups))
}

// gatedReader holds FindByID until release is closed and records the lookup context's state.
type gatedReader struct {
	*userReaderStub
	started  chan struct{}
	release  chan struct{}
	ctxErrAt atomic.Value
}

func (g *gatedReader) FindByID(ctx context.Context, id string) (*models.User, error) {
	close(g.started)
	<-g.release
	g.ctxErrAt.Store(fmt.Sprint(ctx.Err()))
	return g.userReaderStub.FindByID(ctx, id)
}

func TestUserDirectoryCancelledCallerDoesNotFailWaiters(t *testing.T) {
	reader := &gatedReader{userReaderStub: newUserReaderStub(), started: make(chan struct{}), release: make(chan struct{})}
	dir := NewUserDirectoryService(reader, time.Minute, nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := dir.Resolve(firstCtx, "T1")
		firstErr <- err
	}()
	<-reader.started

	second := make(chan *models.User, 1)
	go func() {
		user, err := dir.Resolve(context.Background(), "T1")
		assert.NoError(t, err)
		second <- user
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, appErrors.ErrCollaboratorUnavailable)

	close(reader.release)
	user := <-second
	require.NotNil(t, user)
	assert.Equal(t, "T1", user.ID)
	assert.Equal(t, "<nil>", reader.ctxErrAt.Load(), "the shared lookup ignores the first caller's cancellation")
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.lookups))
}

func TestUserDirectoryUnavailable(t *testing.T) {
	reader := newUserReaderStub()
	reader.err = errors.New("connection reset")
	dir := NewUserDirectoryService(reader, time.Minute, nil, nil)

	_, err := dir.Resolve(context.Background(), "T1")
	assert.ErrorIs(t, err, appErrors.ErrCollaboratorUnavailable)

	_, err = dir.ListByRole(context.Background(), models.RoleTeacher, "")
	assert.ErrorIs(t, err, appErrors.ErrCollaboratorUnavailable)
}

func TestUserDirectoryListByRole(t *testing.T) {
	reader := newUserReaderStub()
	dir := NewUserDirectoryService(reader, time.Minute, []string{"ADMIN"}, nil)

	admins, err := dir.ListByRole(context.Background(), models.RoleAdmin, "science")
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.True(t, admins[0].SensitiveAccess)
	require.NotNil(t, reader.filter.Active)
	assert.True(t, *reader.filter.Active)
	assert.Equal(t, "science", reader.filter.Department)
	assert.Equal(t, "full_name", reader.filter.SortBy)
}

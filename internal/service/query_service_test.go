package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-query-api/internal/dto"
	"github.com/noah-isme/sma-query-api/internal/models"
	"github.com/noah-isme/sma-query-api/internal/repository"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
	"github.com/noah-isme/sma-query-api/pkg/export"
)

type directoryStub struct {
	mu    sync.Mutex
	users map[string]models.User
	err   error
	calls int
}

func newDirectoryStub() *directoryStub {
	users := []models.User{
		{ID: "S1", FullName: "Siti Student", Role: models.RoleStudent, Department: "science", Active: true},
		{ID: "S2", FullName: "Sam Student", Role: models.RoleStudent, Department: "arts", Active: true},
		{ID: "T1", FullName: "Tari Teacher", Role: models.RoleTeacher, Department: "science", Active: true},
		{ID: "T2", FullName: "Tono Teacher", Role: models.RoleTeacher, Department: "arts", Active: true},
		{ID: "A1", FullName: "Ayu Admin", Role: models.RoleAdmin, Department: "science", Active: true, SensitiveAccess: true},
		{ID: "A2", FullName: "Adi Admin", Role: models.RoleAdmin, Department: "arts", Active: true},
		{ID: "SA", FullName: "Super Admin", Role: models.RoleSuperAdmin, Active: true, SensitiveAccess: true},
		{ID: "GONE", FullName: "Former Teacher", Role: models.RoleTeacher, Active: false},
	}
	stub := &directoryStub{users: make(map[string]models.User, len(users))}
	for _, u := range users {
		stub.users[u.ID] = u
	}
	return stub
}

func (d *directoryStub) Resolve(ctx context.Context, id string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, appErrors.Unavailable(d.err, "user directory unavailable")
	}
	u, ok := d.users[id]
	if !ok || !u.Active {
		return nil, appErrors.WithDetails(appErrors.ErrUnknownUser, "", map[string]interface{}{"userId": id})
	}
	return &u, nil
}

func (d *directoryStub) ListByRole(ctx context.Context, role models.UserRole, department string) ([]models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, appErrors.Unavailable(d.err, "user directory unavailable")
	}
	var out []models.User
	for _, id := range []string{"S1", "S2", "T1", "T2", "A1", "A2", "SA", "GONE"} {
		u := d.users[id]
		if u.Role == role && u.Active && (department == "" || u.Department == department) {
			out = append(out, u)
		}
	}
	return out, nil
}

type notifiedEvent struct {
	userID string
	event  models.QueryEvent
}

type notifierStub struct {
	mu     sync.Mutex
	events []notifiedEvent
}

func (n *notifierStub) Notify(ctx context.Context, userID string, event models.QueryEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifiedEvent{userID: userID, event: event})
}

func (n *notifierStub) recorded() []notifiedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifiedEvent(nil), n.events...)
}

type auditStub struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return a.err
}

type testHarness struct {
	svc       *QueryService
	store     *repository.QueryMemoryRepository
	directory *directoryStub
	notifier  *notifierStub
	audit     *auditStub
}

func newTestClock() func() time.Time {
	var tick int64
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
}

func newHarness(t *testing.T, cfg QueryServiceConfig, opts ...QueryServiceOption) *testHarness {
	t.Helper()
	h := &testHarness{
		store:     repository.NewQueryMemoryRepository(),
		directory: newDirectoryStub(),
		notifier:  &notifierStub{},
		audit:     &auditStub{},
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = time.Millisecond
	}
	base := []QueryServiceOption{
		WithQueryNotifier(h.notifier),
		WithQueryAudit(h.audit),
		WithQueryClock(newTestClock()),
	}
	h.svc = NewQueryService(h.store, h.directory, cfg, nil, append(base, opts...)...)
	return h
}

func (h *testHarness) create(t *testing.T, actor string, req dto.CreateQueryRequest) *models.Query {
	t.Helper()
	if req.Subject == "" {
		req.Subject = "Homework deadline"
	}
	if req.Content == "" {
		req.Content = "Can the deadline be moved?"
	}
	if req.QueryType == "" {
		req.QueryType = models.QueryTypeAcademic
	}
	q, err := h.svc.Create(context.Background(), actor, req)
	require.NoError(t, err)
	return q
}

// seed stores a query directly in the given state.
func (h *testHarness) seed(t *testing.T, status models.QueryStatus, from, assignee string) *models.Query {
	t.Helper()
	q := &models.Query{
		FromUserID:  from,
		AssignedTo:  assignee,
		Subject:     "Seeded",
		Content:     "Seeded content",
		QueryType:   models.QueryTypeGeneral,
		Priority:    models.QueryPriorityMedium,
		Status:      status,
		Responses:   models.QueryResponses{},
		Escalations: models.EscalationHistory{},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.Create(context.Background(), q))
	return q
}

func (h *testHarness) reload(t *testing.T, id string) *models.Query {
	t.Helper()
	q, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return q
}

func status(s models.QueryStatus) dto.UpdateStatusRequest {
	return dto.UpdateStatusRequest{Status: string(s)}
}

func TestQueryServiceLifecycleWalk(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	ctx := context.Background()

	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})
	require.Equal(t, models.QueryStatusOpen, q.Status)
	require.Equal(t, "T1", q.AssignedTo)

	q, err := h.svc.UpdateStatus(ctx, "T1", q.ID, status(models.QueryStatusInProgress))
	require.NoError(t, err)
	require.Equal(t, models.QueryStatusInProgress, q.Status)

	q, err = h.svc.Escalate(ctx, "T1", q.ID, dto.EscalateRequest{To: "A1", Reason: "needs admin review"})
	require.NoError(t, err)
	require.Equal(t, models.QueryStatusEscalated, q.Status)
	require.Equal(t, "A1", q.AssignedTo)
	require.Len(t, q.Escalations, 1)

	_, err = h.svc.UpdateStatus(ctx, "T1", q.ID, status(models.QueryStatusResolved))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	q, err = h.svc.UpdateStatus(ctx, "A1", q.ID, status(models.QueryStatusResolved))
	require.NoError(t, err)
	require.Equal(t, models.QueryStatusResolved, q.Status)

	q, err = h.svc.UpdateStatus(ctx, "A1", q.ID, status(models.QueryStatusClosed))
	require.NoError(t, err)
	require.Equal(t, models.QueryStatusClosed, q.Status)

	_, err = h.svc.AddResponse(ctx, "S1", q.ID, dto.AddResponseRequest{Content: "thanks"})
	require.ErrorIs(t, err, appErrors.ErrTerminalState)

	stored := h.reload(t, q.ID)
	assert.Equal(t, models.QueryStatusClosed, stored.Status)
	assert.Empty(t, stored.Responses)
	assert.Equal(t, int64(5), stored.Version)
}

func TestQueryServiceEscalateToCurrentAssignee(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})

	_, err := h.svc.Escalate(context.Background(), "T1", q.ID, dto.EscalateRequest{To: "T1", Reason: "reason"})
	require.ErrorIs(t, err, appErrors.ErrSameAssignee)

	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "T1", appErr.Details["assignedTo"])
	assert.Equal(t, models.QueryStatusOpen, h.reload(t, q.ID).Status)
}

func TestQueryServiceSameAssigneeForAdminActor(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusInProgress, "S1", "T1")

	_, err := h.svc.Escalate(context.Background(), "A1", q.ID, dto.EscalateRequest{To: "T1", Reason: "reason"})
	require.ErrorIs(t, err, appErrors.ErrSameAssignee)
}

func TestQueryServiceCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults and normalisation", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		q, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{
			To:        "T1",
			Subject:   "  Lab safety  ",
			Content:   " Where are the goggles? ",
			QueryType: models.QueryTypeGeneral,
			Tags:      []string{"Lab", "lab ", "safety"},
		})
		require.NoError(t, err)
		assert.Equal(t, "S1", q.FromUserID)
		assert.Equal(t, "Lab safety", q.Subject)
		assert.Equal(t, "Where are the goggles?", q.Content)
		assert.Equal(t, models.QueryPriorityMedium, q.Priority)
		assert.Equal(t, models.Tags{"lab", "safety"}, q.Tags)
		assert.Equal(t, "science", q.Department)
		assert.Equal(t, int64(1), q.Version)
		assert.Equal(t, q.CreatedAt, q.UpdatedAt)
		assert.Empty(t, q.Responses)

		events := h.notifier.recorded()
		require.Len(t, events, 1)
		assert.Equal(t, "T1", events[0].userID)
		assert.Equal(t, models.QueryEventCreated, events[0].event.Type)
		assert.Equal(t, []string{models.AuditActionQueryCreate}, h.audit.actions)
	})

	t.Run("blank subject", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{To: "T1", Subject: "   ", Content: "x", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrInvalidInput)
	})

	t.Run("unknown query type", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{To: "T1", Subject: "s", Content: "c", QueryType: "gossip"})
		require.ErrorIs(t, err, appErrors.ErrInvalidInput)
	})

	t.Run("unknown priority", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{To: "T1", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral, Priority: "asap"})
		require.ErrorIs(t, err, appErrors.ErrInvalidInput)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{To: "NOBODY", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrUnknownUser)
	})

	t.Run("inactive recipient", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{To: "GONE", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrUnknownUser)
	})

	t.Run("student cannot raise on behalf of another", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "S1", dto.CreateQueryRequest{From: "S2", To: "T1", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrForbidden)
	})

	t.Run("admin raises on behalf of a student", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		q, err := h.svc.Create(ctx, "A1", dto.CreateQueryRequest{From: "S2", To: "T2", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.NoError(t, err)
		assert.Equal(t, "S2", q.FromUserID)
		assert.Equal(t, "arts", q.Department)
	})

	t.Run("unknown originator", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "A1", dto.CreateQueryRequest{From: "NOBODY", To: "T2", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrUnknownUser)
	})

	t.Run("self addressed", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Create(ctx, "T1", dto.CreateQueryRequest{To: "T1", Subject: "s", Content: "c", QueryType: models.QueryTypeGeneral})
		require.ErrorIs(t, err, appErrors.ErrInvalidInput)
	})
}

func TestQueryServiceAddResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueryServiceConfig{})
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})

	_, err := h.svc.AddResponse(ctx, "S1", q.ID, dto.AddResponseRequest{Content: "  "})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = h.svc.AddResponse(ctx, "T2", q.ID, dto.AddResponseRequest{Content: "hello"})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.svc.AddResponse(ctx, "S1", "missing", dto.AddResponseRequest{Content: "hello"})
	require.ErrorIs(t, err, appErrors.ErrNotFound)

	previous := models.QueryResponses{}
	for i, actor := range []string{"S1", "T1", "A1", "S1"} {
		updated, err := h.svc.AddResponse(ctx, actor, q.ID, dto.AddResponseRequest{Content: "message " + actor})
		require.NoError(t, err)
		require.Len(t, updated.Responses, i+1)
		assert.Equal(t, previous, updated.Responses[:i], "earlier responses must be untouched")
		last := updated.Responses[i]
		assert.Equal(t, actor, last.From)
		assert.NotEmpty(t, last.ID)
		assert.Equal(t, models.QueryStatusOpen, updated.Status)
		previous = append(models.QueryResponses(nil), updated.Responses...)
	}

	for _, e := range h.notifier.recorded() {
		if e.event.Type == models.QueryEventResponded {
			assert.NotEqual(t, e.event.ActorID, e.userID, "actor is not notified of their own response")
		}
	}
}

func TestQueryServiceResolvedRejectsResponses(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusResolved, "S1", "T1")

	_, err := h.svc.AddResponse(context.Background(), "T1", q.ID, dto.AddResponseRequest{Content: "late"})
	require.ErrorIs(t, err, appErrors.ErrTerminalState)
}

func TestQueryServiceUpdateStatusErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusOpen, "S1", "T1")

	_, err := h.svc.UpdateStatus(ctx, "T1", q.ID, dto.UpdateStatusRequest{Status: "archived"})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	_, err = h.svc.UpdateStatus(ctx, "T1", q.ID, status(models.QueryStatusClosed))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, models.QueryStatusOpen, appErr.Details["currentStatus"])
	assert.Equal(t, models.QueryStatusClosed, appErr.Details["targetStatus"])

	_, err = h.svc.UpdateStatus(ctx, "T1", q.ID, status(models.QueryStatusEscalated))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = h.svc.UpdateStatus(ctx, "T2", q.ID, status(models.QueryStatusInProgress))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.svc.UpdateStatus(ctx, "S1", q.ID, status(models.QueryStatusResolved))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	updated, err := h.svc.UpdateStatus(ctx, "T1", q.ID, dto.UpdateStatusRequest{Status: "In Progress"})
	require.NoError(t, err)
	assert.Equal(t, models.QueryStatusInProgress, updated.Status)
}

func TestQueryServiceEscalateValidation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		status models.QueryStatus
		actor  string
		req    dto.EscalateRequest
		want   *appErrors.Error
	}{
		{"empty reason", models.QueryStatusOpen, "T1", dto.EscalateRequest{To: "A1", Reason: "  "}, appErrors.ErrInvalidInput},
		{"empty target", models.QueryStatusOpen, "T1", dto.EscalateRequest{Reason: "why"}, appErrors.ErrInvalidInput},
		{"unknown target", models.QueryStatusOpen, "T1", dto.EscalateRequest{To: "NOBODY", Reason: "why"}, appErrors.ErrUnknownUser},
		{"student target", models.QueryStatusOpen, "T1", dto.EscalateRequest{To: "S2", Reason: "why"}, appErrors.ErrInvalidInput},
		{"already escalated", models.QueryStatusEscalated, "T1", dto.EscalateRequest{To: "A1", Reason: "why"}, appErrors.ErrInvalidTransition},
		{"resolved", models.QueryStatusResolved, "T1", dto.EscalateRequest{To: "A1", Reason: "why"}, appErrors.ErrInvalidTransition},
		{"closed", models.QueryStatusClosed, "T1", dto.EscalateRequest{To: "A1", Reason: "why"}, appErrors.ErrInvalidTransition},
		{"originator", models.QueryStatusOpen, "S1", dto.EscalateRequest{To: "A1", Reason: "why"}, appErrors.ErrForbidden},
		{"unrelated teacher", models.QueryStatusOpen, "T2", dto.EscalateRequest{To: "A1", Reason: "why"}, appErrors.ErrForbidden},
		{"closed to student", models.QueryStatusClosed, "T1", dto.EscalateRequest{To: "S2", Reason: "why"}, appErrors.ErrInvalidTransition},
		{"closed to unknown user", models.QueryStatusClosed, "A1", dto.EscalateRequest{To: "NOBODY", Reason: "why"}, appErrors.ErrInvalidTransition},
		{"foreign query to student", models.QueryStatusOpen, "T2", dto.EscalateRequest{To: "S2", Reason: "why"}, appErrors.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, QueryServiceConfig{})
			q := h.seed(t, tc.status, "S1", "T1")
			_, err := h.svc.Escalate(ctx, tc.actor, q.ID, tc.req)
			require.ErrorIs(t, err, tc.want)
			stored := h.reload(t, q.ID)
			assert.Equal(t, tc.status, stored.Status)
			assert.Equal(t, "T1", stored.AssignedTo)
			assert.Empty(t, stored.Escalations)
		})
	}

	t.Run("missing query wins over unknown target", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		_, err := h.svc.Escalate(ctx, "A1", "no-such-query", dto.EscalateRequest{To: "NOBODY", Reason: "why"})
		require.ErrorIs(t, err, appErrors.ErrNotFound)
	})

	t.Run("admin escalates someone else's query", func(t *testing.T) {
		h := newHarness(t, QueryServiceConfig{})
		q := h.seed(t, models.QueryStatusOpen, "S1", "T1")
		updated, err := h.svc.Escalate(ctx, "A1", q.ID, dto.EscalateRequest{To: "T2", Reason: "rebalancing"})
		require.NoError(t, err)
		require.Len(t, updated.Escalations, 1)
		event := updated.Escalations[0]
		assert.Equal(t, 1, event.Sequence)
		assert.Equal(t, "T1", event.From)
		assert.Equal(t, "T2", event.To)
		assert.Equal(t, "A1", event.EscalatedBy)
		assert.Equal(t, "rebalancing", event.Reason)
		assert.Equal(t, updated.UpdatedAt, event.EscalatedAt)

		var escalated []notifiedEvent
		for _, e := range h.notifier.recorded() {
			if e.event.Type == models.QueryEventEscalated {
				escalated = append(escalated, e)
			}
		}
		require.Len(t, escalated, 1)
		assert.Equal(t, "T2", escalated[0].userID)
		assert.Equal(t, "A1", escalated[0].event.ActorID)
		assert.Equal(t, "rebalancing", escalated[0].event.Reason)
	})
}

func TestQueryServiceAuditFailureDoesNotFailWrite(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	h.audit.err = errors.New("audit table locked")
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})

	updated, err := h.svc.UpdateStatus(context.Background(), "T1", q.ID, status(models.QueryStatusInProgress))
	require.NoError(t, err)
	assert.Equal(t, models.QueryStatusInProgress, updated.Status)
}

func TestQueryServicePriorityTagsAndRating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueryServiceConfig{})
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})

	_, err := h.svc.UpdatePriority(ctx, "S1", q.ID, dto.UpdatePriorityRequest{Priority: models.QueryPriorityUrgent})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	updated, err := h.svc.UpdatePriority(ctx, "T1", q.ID, dto.UpdatePriorityRequest{Priority: models.QueryPriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, models.QueryPriorityUrgent, updated.Priority)

	_, err = h.svc.UpdatePriority(ctx, "A1", q.ID, dto.UpdatePriorityRequest{Priority: "whenever"})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	updated, err = h.svc.UpdateTags(ctx, "S1", q.ID, dto.UpdateTagsRequest{Tags: []string{"Exam", "exam", " deadline "}})
	require.NoError(t, err)
	assert.Equal(t, models.Tags{"deadline", "exam"}, updated.Tags)

	_, err = h.svc.UpdateTags(ctx, "T2", q.ID, dto.UpdateTagsRequest{Tags: []string{"x"}})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.svc.Rate(ctx, "S1", q.ID, dto.RateQueryRequest{Rating: 4})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput, "open queries cannot be rated")

	_, err = h.svc.UpdateStatus(ctx, "T1", q.ID, status(models.QueryStatusResolved))
	require.NoError(t, err)

	_, err = h.svc.UpdatePriority(ctx, "T1", q.ID, dto.UpdatePriorityRequest{Priority: models.QueryPriorityLow})
	require.ErrorIs(t, err, appErrors.ErrTerminalState)

	_, err = h.svc.Rate(ctx, "T1", q.ID, dto.RateQueryRequest{Rating: 5})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.svc.Rate(ctx, "S1", q.ID, dto.RateQueryRequest{Rating: 7})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	rated, err := h.svc.Rate(ctx, "S1", q.ID, dto.RateQueryRequest{Rating: 4})
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, 4.0, *rated.Rating)
	require.NotNil(t, rated.RatedAt)

	_, err = h.svc.Rate(ctx, "S1", q.ID, dto.RateQueryRequest{Rating: 5})
	require.ErrorIs(t, err, appErrors.ErrInvalidInput, "a query is rated once")

	updated, err = h.svc.UpdateTags(ctx, "T1", q.ID, dto.UpdateTagsRequest{Tags: []string{"done"}})
	require.NoError(t, err, "tags stay editable after resolution")
	assert.Equal(t, models.Tags{"done"}, updated.Tags)
}

func TestQueryServiceDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusOpen, "S1", "T1")

	require.ErrorIs(t, h.svc.Delete(ctx, "T1", q.ID), appErrors.ErrForbidden)
	require.NoError(t, h.svc.Delete(ctx, "A1", q.ID))
	require.ErrorIs(t, h.svc.Delete(ctx, "A1", q.ID), appErrors.ErrNotFound)

	_, err := h.svc.Get(ctx, "S1", q.ID)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestQueryServiceDirectoryUnavailable(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusOpen, "S1", "T1")
	h.directory.err = errors.New("connection refused")

	_, err := h.svc.UpdateStatus(context.Background(), "T1", q.ID, status(models.QueryStatusInProgress))
	require.ErrorIs(t, err, appErrors.ErrCollaboratorUnavailable)
}

func TestQueryServiceUnknownActor(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.seed(t, models.QueryStatusOpen, "S1", "T1")

	_, err := h.svc.Get(context.Background(), "GONE", q.ID)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)

	_, err = h.svc.Get(context.Background(), "", q.ID)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestQueryServiceEscalationTargets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, QueryServiceConfig{})

	_, err := h.svc.EscalationTargets(ctx, "S1", "")
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = h.svc.EscalationTargets(ctx, "T1", "student")
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	targets, err := h.svc.EscalationTargets(ctx, "T1", "")
	require.NoError(t, err)
	ids := make([]string, 0, len(targets))
	for _, target := range targets {
		ids = append(ids, target.ID)
	}
	assert.Equal(t, []string{"T2", "A1", "A2", "SA"}, ids)

	admins, err := h.svc.EscalationTargets(ctx, "T1", "admin")
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, "Ayu Admin", admins[0].FullName)
}

type rendererStub struct {
	doc export.Document
}

func (r *rendererStub) RenderDocument(doc export.Document) ([]byte, error) {
	r.doc = doc
	return []byte("%PDF-stub"), nil
}

func TestQueryServiceTranscript(t *testing.T) {
	ctx := context.Background()
	renderer := &rendererStub{}
	h := newHarness(t, QueryServiceConfig{}, WithTranscriptRenderer(renderer))
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})
	_, err := h.svc.AddResponse(ctx, "T1", q.ID, dto.AddResponseRequest{Content: "Looking into it"})
	require.NoError(t, err)
	_, err = h.svc.Escalate(ctx, "T1", q.ID, dto.EscalateRequest{To: "A1", Reason: "policy"})
	require.NoError(t, err)

	_, _, err = h.svc.Transcript(ctx, "T2", q.ID)
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	content, filename, err := h.svc.Transcript(ctx, "S1", q.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-stub"), content)
	assert.Equal(t, "query-"+q.ID+".pdf", filename)

	require.Len(t, renderer.doc.Sections, 3)
	assert.Equal(t, "Escalation history", renderer.doc.Sections[2].Heading)
	table := renderer.doc.Sections[2].Table
	require.NotNil(t, table)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "Tari Teacher", table.Rows[0]["From"])
	assert.Equal(t, "Ayu Admin", table.Rows[0]["To"])
	assert.Contains(t, renderer.doc.Sections[1].Paragraphs[0], "Looking into it")
}

func TestQueryServiceTranscriptRendersPDF(t *testing.T) {
	h := newHarness(t, QueryServiceConfig{})
	q := h.create(t, "S1", dto.CreateQueryRequest{To: "T1"})

	content, _, err := h.svc.Transcript(context.Background(), "T1", q.ID)
	require.NoError(t, err)
	assert.True(t, len(content) > 4 && string(content[:4]) == "%PDF")
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-query-api/internal/dto"
	"github.com/noah-isme/sma-query-api/internal/middleware"
	"github.com/noah-isme/sma-query-api/internal/models"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
	"github.com/noah-isme/sma-query-api/pkg/response"
)

type queryServiceMock struct {
	query   *models.Query
	list    *dto.QueryListResult
	stats   *models.QueryStatistics
	targets []dto.EscalationTarget
	pdf     []byte
	err     error

	actorID    string
	queryID    string
	listParams dto.QueryListQuery
	role       string
	payload    interface{}
}

func (m *queryServiceMock) record(actorID, queryID string, payload interface{}) {
	m.actorID, m.queryID, m.payload = actorID, queryID, payload
}

func (m *queryServiceMock) Create(_ context.Context, actorID string, req dto.CreateQueryRequest) (*models.Query, error) {
	m.record(actorID, "", req)
	return m.query, m.err
}

func (m *queryServiceMock) Get(_ context.Context, actorID, queryID string) (*models.Query, error) {
	m.record(actorID, queryID, nil)
	return m.query, m.err
}

func (m *queryServiceMock) List(_ context.Context, actorID string, params dto.QueryListQuery) (*dto.QueryListResult, error) {
	m.record(actorID, "", nil)
	m.listParams = params
	return m.list, m.err
}

func (m *queryServiceMock) Statistics(_ context.Context, actorID string) (*models.QueryStatistics, error) {
	m.record(actorID, "", nil)
	return m.stats, m.err
}

func (m *queryServiceMock) AddResponse(_ context.Context, actorID, queryID string, req dto.AddResponseRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) UpdateStatus(_ context.Context, actorID, queryID string, req dto.UpdateStatusRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) Escalate(_ context.Context, actorID, queryID string, req dto.EscalateRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) UpdatePriority(_ context.Context, actorID, queryID string, req dto.UpdatePriorityRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) UpdateTags(_ context.Context, actorID, queryID string, req dto.UpdateTagsRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) Rate(_ context.Context, actorID, queryID string, req dto.RateQueryRequest) (*models.Query, error) {
	m.record(actorID, queryID, req)
	return m.query, m.err
}

func (m *queryServiceMock) Delete(_ context.Context, actorID, queryID string) error {
	m.record(actorID, queryID, nil)
	return m.err
}

func (m *queryServiceMock) EscalationTargets(_ context.Context, actorID, role string) ([]dto.EscalationTarget, error) {
	m.record(actorID, "", nil)
	m.role = role
	return m.targets, m.err
}

func (m *queryServiceMock) Transcript(_ context.Context, actorID, queryID string) ([]byte, string, error) {
	m.record(actorID, queryID, nil)
	if m.err != nil {
		return nil, "", m.err
	}
	return m.pdf, "query-" + queryID + ".pdf", nil
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asUser(c *gin.Context, id string, role models.UserRole) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: id, Role: role})
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestQueryHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &queryServiceMock{query: &models.Query{ID: "q1", Status: models.QueryStatusOpen}}
	handler := NewQueryHandler(mockSvc)

	payload, _ := json.Marshal(dto.CreateQueryRequest{To: "T1", Subject: "Exam", Content: "clash", QueryType: models.QueryTypeAcademic})
	c, w := newGinContext(http.MethodPost, "/queries", payload)
	asUser(c, "S1", models.RoleStudent)

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "S1", mockSvc.actorID)
	assert.Equal(t, "T1", mockSvc.payload.(dto.CreateQueryRequest).To)
}

func TestQueryHandlerRequiresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewQueryHandler(&queryServiceMock{})

	c, w := newGinContext(http.MethodGet, "/queries/q1", nil)
	c.Params = gin.Params{{Key: "id", Value: "q1"}}

	handler.Get(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueryHandlerRejectsMalformedPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &queryServiceMock{}
	handler := NewQueryHandler(mockSvc)

	c, w := newGinContext(http.MethodPost, "/queries/q1/escalate", []byte("{not json"))
	c.Params = gin.Params{{Key: "id", Value: "q1"}}
	asUser(c, "T1", models.RoleTeacher)

	handler.Escalate(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrInvalidInput.Code, decodeEnvelope(t, w).Error.Code)
	assert.Empty(t, mockSvc.actorID, "service is not reached")
}

func TestQueryHandlerMapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
	}{
		{appErrors.ErrInvalidTransition, http.StatusConflict},
		{appErrors.ErrSameAssignee, http.StatusConflict},
		{appErrors.ErrTerminalState, http.StatusConflict},
		{appErrors.ErrConcurrentModification, http.StatusConflict},
		{appErrors.ErrForbidden, http.StatusForbidden},
		{appErrors.ErrNotFound, http.StatusNotFound},
		{appErrors.ErrUnknownUser, http.StatusUnprocessableEntity},
		{appErrors.ErrCollaboratorUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			handler := NewQueryHandler(&queryServiceMock{err: tc.err})
			payload, _ := json.Marshal(dto.UpdateStatusRequest{Status: "resolved"})
			c, w := newGinContext(http.MethodPatch, "/queries/q1/status", payload)
			c.Params = gin.Params{{Key: "id", Value: "q1"}}
			asUser(c, "T1", models.RoleTeacher)

			handler.UpdateStatus(c)
			require.Equal(t, tc.status, w.Code)
		})
	}
}

func TestQueryHandlerMutationsPassPathAndActor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &queryServiceMock{query: &models.Query{ID: "q9"}}
	handler := NewQueryHandler(mockSvc)

	calls := []struct {
		name    string
		method  string
		payload interface{}
		invoke  func(c *gin.Context)
		status  int
	}{
		{"respond", http.MethodPost, dto.AddResponseRequest{Content: "hi"}, handler.AddResponse, http.StatusCreated},
		{"status", http.MethodPatch, dto.UpdateStatusRequest{Status: "in_progress"}, handler.UpdateStatus, http.StatusOK},
		{"escalate", http.MethodPost, dto.EscalateRequest{To: "A1", Reason: "needs admin"}, handler.Escalate, http.StatusOK},
		{"priority", http.MethodPatch, dto.UpdatePriorityRequest{Priority: models.QueryPriorityHigh}, handler.UpdatePriority, http.StatusOK},
		{"tags", http.MethodPut, dto.UpdateTagsRequest{Tags: []string{"exam"}}, handler.UpdateTags, http.StatusOK},
		{"rate", http.MethodPost, dto.RateQueryRequest{Rating: 5}, handler.Rate, http.StatusOK},
	}
	for _, call := range calls {
		t.Run(call.name, func(t *testing.T) {
			body, _ := json.Marshal(call.payload)
			c, w := newGinContext(call.method, "/queries/q9/"+call.name, body)
			c.Params = gin.Params{{Key: "id", Value: "q9"}}
			asUser(c, "T1", models.RoleTeacher)

			call.invoke(c)
			require.Equal(t, call.status, w.Code)
			assert.Equal(t, "T1", mockSvc.actorID)
			assert.Equal(t, "q9", mockSvc.queryID)
			assert.Equal(t, call.payload, mockSvc.payload)
		})
	}
}

func TestQueryHandlerListParsesFilters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &queryServiceMock{list: &dto.QueryListResult{
		Items:      []models.Query{{ID: "q1"}},
		Pagination: models.Pagination{Page: 2, PageSize: 5, TotalCount: 6},
	}}
	handler := NewQueryHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/queries?status=open,In%20Progress&priority=HIGH&tag=lab&sort_by=priority&sort_order=asc&page=2&page_size=5", nil)
	asUser(c, "A1", models.RoleAdmin)

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.QueryStatus{models.QueryStatusOpen, models.QueryStatusInProgress}, mockSvc.listParams.Status)
	assert.Equal(t, models.QueryPriorityHigh, mockSvc.listParams.Priority)
	assert.Equal(t, "lab", mockSvc.listParams.Tag)
	assert.Equal(t, models.QuerySortPriority, mockSvc.listParams.SortBy)
	assert.Equal(t, 2, mockSvc.listParams.Page)
	assert.Equal(t, 5, mockSvc.listParams.PageSize)

	env := decodeEnvelope(t, w)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 6, env.Pagination.TotalCount)
}

func TestQueryHandlerListRejectsBadParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, target := range []string{"/queries?status=archived", "/queries?page=two", "/queries?page_size=-1"} {
		mockSvc := &queryServiceMock{}
		handler := NewQueryHandler(mockSvc)
		c, w := newGinContext(http.MethodGet, target, nil)
		asUser(c, "A1", models.RoleAdmin)

		handler.List(c)
		require.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Empty(t, mockSvc.actorID)
	}
}

func TestQueryHandlerTranscript(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewQueryHandler(&queryServiceMock{pdf: []byte("%PDF-1.3")})

	c, w := newGinContext(http.MethodGet, "/queries/q1/transcript", nil)
	c.Params = gin.Params{{Key: "id", Value: "q1"}}
	asUser(c, "S1", models.RoleStudent)

	handler.Transcript(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "query-q1.pdf")
	assert.Equal(t, "%PDF-1.3", w.Body.String())
}

func TestQueryHandlerDeleteAndTargets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &queryServiceMock{targets: []dto.EscalationTarget{{ID: "A1", Role: models.RoleAdmin}}}
	handler := NewQueryHandler(mockSvc)

	c, w := newGinContext(http.MethodDelete, "/queries/q1", nil)
	c.Params = gin.Params{{Key: "id", Value: "q1"}}
	asUser(c, "A1", models.RoleAdmin)
	handler.Delete(c)
	c.Writer.WriteHeaderNow()
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "q1", mockSvc.queryID)
	assert.Equal(t, "A1", mockSvc.actorID)

	c, w = newGinContext(http.MethodGet, "/queries/escalation-targets?role=admin", nil)
	asUser(c, "T1", models.RoleTeacher)
	handler.EscalationTargets(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", mockSvc.role)
}

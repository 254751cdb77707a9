package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-query-api/internal/dto"
	"github.com/noah-isme/sma-query-api/internal/models"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
	"github.com/noah-isme/sma-query-api/pkg/response"
)

type queryService interface {
	Create(ctx context.Context, actorID string, req dto.CreateQueryRequest) (*models.Query, error)
	Get(ctx context.Context, actorID, queryID string) (*models.Query, error)
	List(ctx context.Context, actorID string, params dto.QueryListQuery) (*dto.QueryListResult, error)
	Statistics(ctx context.Context, actorID string) (*models.QueryStatistics, error)
	AddResponse(ctx context.Context, actorID, queryID string, req dto.AddResponseRequest) (*models.Query, error)
	UpdateStatus(ctx context.Context, actorID, queryID string, req dto.UpdateStatusRequest) (*models.Query, error)
	Escalate(ctx context.Context, actorID, queryID string, req dto.EscalateRequest) (*models.Query, error)
	UpdatePriority(ctx context.Context, actorID, queryID string, req dto.UpdatePriorityRequest) (*models.Query, error)
	UpdateTags(ctx context.Context, actorID, queryID string, req dto.UpdateTagsRequest) (*models.Query, error)
	Rate(ctx context.Context, actorID, queryID string, req dto.RateQueryRequest) (*models.Query, error)
	Delete(ctx context.Context, actorID, queryID string) error
	EscalationTargets(ctx context.Context, actorID, role string) ([]dto.EscalationTarget, error)
	Transcript(ctx context.Context, actorID, queryID string) ([]byte, string, error)
}

// QueryHandler exposes the query lifecycle over HTTP.
type QueryHandler struct {
	service queryService
}

// NewQueryHandler constructs a query handler.
func NewQueryHandler(svc queryService) *QueryHandler {
	return &QueryHandler{service: svc}
}

// List godoc
// @Summary List visible queries
// @Tags Queries
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param priority query string false "Priority"
// @Param query_type query string false "Query type"
// @Param tag query string false "Tag"
// @Param sort_by query string false "created_at, updated_at or priority"
// @Param sort_order query string false "asc or desc"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /queries [get]
func (h *QueryHandler) List(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	params, err := parseQueryListParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.service.List(c.Request.Context(), actorID, params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Items, &result.Pagination)
}

// Create godoc
// @Summary Raise a query
// @Tags Queries
// @Accept json
// @Produce json
// @Param payload body dto.CreateQueryRequest true "Query payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /queries [post]
func (h *QueryHandler) Create(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateQueryRequest
	if !bindJSON(c, &req) {
		return
	}
	query, err := h.service.Create(c.Request.Context(), actorID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, query)
}

// Get godoc
// @Summary Get query
// @Tags Queries
// @Produce json
// @Param id path string true "Query ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /queries/{id} [get]
func (h *QueryHandler) Get(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	query, err := h.service.Get(c.Request.Context(), actorID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, query, nil)
}

// Statistics godoc
// @Summary Query statistics for the caller's visible set
// @Tags Queries
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /queries/statistics [get]
func (h *QueryHandler) Statistics(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	stats, err := h.service.Statistics(c.Request.Context(), actorID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// AddResponse godoc
// @Summary Reply to a query
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.AddResponseRequest true "Response payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /queries/{id}/responses [post]
func (h *QueryHandler) AddResponse(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.AddResponseRequest
	if !bindJSON(c, &req) {
		return
	}
	query, err := h.service.AddResponse(c.Request.Context(), actorID, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, query)
}

// UpdateStatus godoc
// @Summary Move a query through its lifecycle
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.UpdateStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /queries/{id}/status [patch]
func (h *QueryHandler) UpdateStatus(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.UpdateStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context) (*models.Query, error) {
		return h.service.UpdateStatus(ctx, actorID, c.Param("id"), req)
	})
}

// Escalate godoc
// @Summary Hand a query to a new assignee
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.EscalateRequest true "Escalation payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /queries/{id}/escalate [post]
func (h *QueryHandler) Escalate(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.EscalateRequest
	if !bindJSON(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context) (*models.Query, error) {
		return h.service.Escalate(ctx, actorID, c.Param("id"), req)
	})
}

// UpdatePriority godoc
// @Summary Change query priority
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.UpdatePriorityRequest true "Priority payload"
// @Success 200 {object} response.Envelope
// @Router /queries/{id}/priority [patch]
func (h *QueryHandler) UpdatePriority(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.UpdatePriorityRequest
	if !bindJSON(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context) (*models.Query, error) {
		return h.service.UpdatePriority(ctx, actorID, c.Param("id"), req)
	})
}

// UpdateTags godoc
// @Summary Replace query tags
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.UpdateTagsRequest true "Tags payload"
// @Success 200 {object} response.Envelope
// @Router /queries/{id}/tags [put]
func (h *QueryHandler) UpdateTags(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.UpdateTagsRequest
	if !bindJSON(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context) (*models.Query, error) {
		return h.service.UpdateTags(ctx, actorID, c.Param("id"), req)
	})
}

// Rate godoc
// @Summary Rate a resolved query
// @Tags Queries
// @Accept json
// @Produce json
// @Param id path string true "Query ID"
// @Param payload body dto.RateQueryRequest true "Rating payload"
// @Success 200 {object} response.Envelope
// @Router /queries/{id}/rating [post]
func (h *QueryHandler) Rate(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.RateQueryRequest
	if !bindJSON(c, &req) {
		return
	}
	h.respond(c, func(ctx context.Context) (*models.Query, error) {
		return h.service.Rate(ctx, actorID, c.Param("id"), req)
	})
}

// Delete godoc
// @Summary Delete a query
// @Tags Queries
// @Param id path string true "Query ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Router /queries/{id} [delete]
func (h *QueryHandler) Delete(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), actorID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// EscalationTargets godoc
// @Summary Users a query can be escalated to
// @Tags Queries
// @Produce json
// @Param role query string false "Restrict to one role"
// @Success 200 {object} response.Envelope
// @Router /queries/escalation-targets [get]
func (h *QueryHandler) EscalationTargets(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	targets, err := h.service.EscalationTargets(c.Request.Context(), actorID, c.Query("role"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, targets, nil)
}

// Transcript godoc
// @Summary Download a query transcript
// @Tags Queries
// @Produce application/pdf
// @Param id path string true "Query ID"
// @Success 200 {file} file
// @Router /queries/{id}/transcript [get]
func (h *QueryHandler) Transcript(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	content, filename, err := h.service.Transcript(c.Request.Context(), actorID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, filename, "application/pdf", content)
}

func (h *QueryHandler) respond(c *gin.Context, call func(ctx context.Context) (*models.Query, error)) {
	query, err := call(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, query, nil)
}

func parseQueryListParams(c *gin.Context) (dto.QueryListQuery, error) {
	params := dto.QueryListQuery{
		Priority:  models.QueryPriority(strings.ToLower(strings.TrimSpace(c.Query("priority")))),
		QueryType: models.QueryType(strings.ToLower(strings.TrimSpace(c.Query("query_type")))),
		Tag:       strings.TrimSpace(c.Query("tag")),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := models.ParseQueryStatus(part)
			if !ok {
				return params, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unknown status %q", part))
			}
			params.Status = append(params.Status, status)
		}
	}
	var err error
	if params.Page, err = intParam(c, "page"); err != nil {
		return params, err
	}
	if params.PageSize, err = intParam(c, "page_size"); err != nil {
		return params, err
	}
	return params, nil
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("%s must be a positive integer", name))
	}
	return value, nil
}

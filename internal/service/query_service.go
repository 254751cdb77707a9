package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-query-api/internal/dto"
	"github.com/noah-isme/sma-query-api/internal/models"
	"github.com/noah-isme/sma-query-api/internal/repository"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
	"github.com/noah-isme/sma-query-api/pkg/export"
	"github.com/noah-isme/sma-query-api/pkg/logger"
)

const (
	queryTracerName      = "github.com/noah-isme/sma-query-api/internal/service"
	queryStatsNamespace  = "queries:stats"
	defaultCASRetries    = 5
	defaultRetryInterval = 10 * time.Millisecond
)

type queryStore interface {
	Create(ctx context.Context, query *models.Query) error
	GetByID(ctx context.Context, id string) (*models.Query, error)
	CompareAndSwap(ctx context.Context, query *models.Query, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter models.QueryFilter) ([]models.Query, int, error)
	Statistics(ctx context.Context, scope models.QueryScope) (models.QueryStatistics, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Namespaced(ctx context.Context, namespace, key string) (string, error)
	Invalidate(ctx context.Context, namespace string) error
}

type transcriptRenderer interface {
	RenderDocument(doc export.Document) ([]byte, error)
}

// QueryServiceConfig tunes concurrency and visibility behaviour.
type QueryServiceConfig struct {
	MaxCASRetries        int
	RetryInitialInterval time.Duration
	DepartmentScoping    bool
	StatsCacheTTL        time.Duration
}

// QueryService owns the query lifecycle: the status machine, who may act, the escalation chain and
// optimistic writes against the store.
type QueryService struct {
	store     queryStore
	directory UserDirectory
	notifier  NotificationSink
	audit     auditLogger
	cache     statsCache
	metrics   *MetricsService
	renderer  transcriptRenderer
	validator *validator.Validate
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	cfg       QueryServiceConfig
}

// QueryServiceOption configures the service.
type QueryServiceOption func(*QueryService)

// WithQueryNotifier sets the sink that receives lifecycle events.
func WithQueryNotifier(sink NotificationSink) QueryServiceOption {
	return func(s *QueryService) { s.notifier = sink }
}

// WithQueryAudit sets the audit trail writer.
func WithQueryAudit(audit auditLogger) QueryServiceOption {
	return func(s *QueryService) { s.audit = audit }
}

// WithQueryStatsCache enables caching of statistics.
func WithQueryStatsCache(cache statsCache) QueryServiceOption {
	return func(s *QueryService) { s.cache = cache }
}

// WithQueryMetrics records operation outcomes and CAS conflicts.
func WithQueryMetrics(metrics *MetricsService) QueryServiceOption {
	return func(s *QueryService) { s.metrics = metrics }
}

// WithQueryClock overrides the time source.
func WithQueryClock(now func() time.Time) QueryServiceOption {
	return func(s *QueryService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTranscriptRenderer overrides the PDF renderer.
func WithTranscriptRenderer(renderer transcriptRenderer) QueryServiceOption {
	return func(s *QueryService) {
		if renderer != nil {
			s.renderer = renderer
		}
	}
}

// WithQueryValidator shares a validator instance.
func WithQueryValidator(validate *validator.Validate) QueryServiceOption {
	return func(s *QueryService) {
		if validate != nil {
			s.validator = validate
		}
	}
}

// NewQueryService constructs the service with defaults.
func NewQueryService(store queryStore, directory UserDirectory, cfg QueryServiceConfig, logger *zap.Logger, opts ...QueryServiceOption) *QueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = defaultCASRetries
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInterval
	}
	svc := &QueryService{
		store:     store,
		directory: directory,
		renderer:  export.NewPDFExporter(),
		validator: validator.New(),
		logger:    logger,
		tracer:    otel.Tracer(queryTracerName),
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create raises a new query in the open state.
func (s *QueryService) Create(ctx context.Context, actorID string, req dto.CreateQueryRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "create", "")
	defer func() { finish(err) }()

	req.Subject = strings.TrimSpace(req.Subject)
	req.Content = strings.TrimSpace(req.Content)
	req.From = strings.TrimSpace(req.From)
	req.To = strings.TrimSpace(req.To)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if req.Priority == "" {
		req.Priority = models.QueryPriorityMedium
	}

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if req.From == "" {
		req.From = actor.ID
	}
	if req.From != actor.ID && !actor.Role.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "queries can only be raised on your own behalf")
	}
	if req.From == req.To {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "recipient must differ from the originator")
	}
	from := actor
	if req.From != actor.ID {
		if from, err = s.directory.Resolve(ctx, req.From); err != nil {
			return nil, err
		}
	}
	if _, err := s.directory.Resolve(ctx, req.To); err != nil {
		return nil, err
	}

	now := s.now()
	query := &models.Query{
		ID:          uuid.NewString(),
		FromUserID:  from.ID,
		AssignedTo:  req.To,
		Subject:     req.Subject,
		Content:     req.Content,
		QueryType:   req.QueryType,
		Priority:    req.Priority,
		Status:      models.QueryStatusOpen,
		IsSensitive: req.IsSensitive,
		Department:  from.Department,
		Responses:   models.QueryResponses{},
		Escalations: models.EscalationHistory{},
		Tags:        models.NormalizeTags(req.Tags),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, query); err != nil {
		return nil, storeError(err, "failed to create query")
	}

	s.afterWrite(ctx, actor, nil, query, models.AuditActionQueryCreate)
	s.notify(ctx, query.AssignedTo, query, models.QueryEventCreated, "", "")
	return query, nil
}

// Get returns a single query if the actor can see it.
func (s *QueryService) Get(ctx context.Context, actorID, queryID string) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "get", queryID)
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.loadVisible(ctx, actor, queryID)
}

// List returns one page of the queries visible to the actor.
func (s *QueryService) List(ctx context.Context, actorID string, params dto.QueryListQuery) (result *dto.QueryListResult, err error) {
	ctx, finish := s.instrument(ctx, "list", "")
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, status := range params.Status {
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unknown status %q", status))
		}
	}
	if params.Priority != "" && !params.Priority.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unknown priority %q", params.Priority))
	}
	if params.QueryType != "" && !params.QueryType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unknown query type %q", params.QueryType))
	}

	filter := models.QueryFilter{
		Scope:     visibilityScope(actor, s.cfg.DepartmentScoping),
		Status:    params.Status,
		Priority:  params.Priority,
		QueryType: params.QueryType,
		Tag:       params.Tag,
		SortBy:    params.SortBy,
		SortOrder: params.SortOrder,
		Page:      params.Page,
		PageSize:  params.PageSize,
	}
	filter.Normalize()

	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, storeError(err, "failed to list queries")
	}
	if items == nil {
		items = []models.Query{}
	}
	return &dto.QueryListResult{
		Items:      items,
		Pagination: models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total},
	}, nil
}

// Statistics aggregates the actor's visible queries.
func (s *QueryService) Statistics(ctx context.Context, actorID string) (result *models.QueryStatistics, err error) {
	ctx, finish := s.instrument(ctx, "statistics", "")
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	scope := visibilityScope(actor, s.cfg.DepartmentScoping)

	var cacheKey string
	if s.cache != nil {
		cacheKey, _ = s.cache.Namespaced(ctx, queryStatsNamespace, statsCacheKey(scope))
		if cacheKey != "" {
			var cached models.QueryStatistics
			if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
				return &cached, nil
			}
		}
	}

	stats, err := s.store.Statistics(ctx, scope)
	if err != nil {
		return nil, storeError(err, "failed to compute query statistics")
	}
	if cacheKey != "" {
		_ = s.cache.Set(ctx, cacheKey, stats, s.cfg.StatsCacheTTL)
	}
	return &stats, nil
}

// AddResponse appends a message to the thread without touching status.
func (s *QueryService) AddResponse(ctx context.Context, actorID, queryID string, req dto.AddResponseRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "add_response", queryID)
	defer func() { finish(err) }()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "content is required")
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, now time.Time) error {
		if err := checkResponse(q, actor); err != nil {
			return err
		}
		q.Responses = append(q.Responses, models.QueryResponse{
			ID:        uuid.NewString(),
			From:      actor.ID,
			Content:   content,
			CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryRespond)
	s.notifyParticipants(ctx, actor, next, models.QueryEventResponded, "", "")
	return next, nil
}

// UpdateStatus moves a query along one edge of the lifecycle.
func (s *QueryService) UpdateStatus(ctx context.Context, actorID, queryID string, req dto.UpdateStatusRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "update_status", queryID)
	defer func() { finish(err) }()

	target, ok := models.ParseQueryStatus(req.Status)
	if !ok {
		return nil, appErrors.WithDetails(appErrors.ErrInvalidInput, fmt.Sprintf("unknown status %q", req.Status),
			map[string]interface{}{"targetStatus": req.Status})
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, _ time.Time) error {
		if err := checkStatusChange(q, actor, target); err != nil {
			return err
		}
		q.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("query status changed",
		zap.String("query_id", next.ID),
		zap.String("actor_id", actor.ID),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(next.Status)))
	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryStatusChange)
	s.notifyParticipants(ctx, actor, next, models.QueryEventStatusChanged, prev.Status, "")
	return next, nil
}

// Escalate hands the query to a new assignee and records the hand-off in the history.
func (s *QueryService) Escalate(ctx context.Context, actorID, queryID string, req dto.EscalateRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "escalate", queryID)
	defer func() { finish(err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "escalation reason is required")
	}
	toID := strings.TrimSpace(req.To)
	if toID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "escalation target is required")
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var target *models.User
	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, now time.Time) error {
		if err := checkEscalationEdge(q, actor); err != nil {
			return err
		}
		if target == nil {
			resolved, err := s.directory.Resolve(ctx, toID)
			if err != nil {
				return err
			}
			target = resolved
		}
		if err := checkEscalationTarget(q, target); err != nil {
			return err
		}
		q.Escalations = append(q.Escalations, models.EscalationEvent{
			Sequence:    len(q.Escalations) + 1,
			From:        q.AssignedTo,
			To:          target.ID,
			Reason:      reason,
			EscalatedAt: now,
			EscalatedBy: actor.ID,
		})
		q.AssignedTo = target.ID
		q.Status = models.QueryStatusEscalated
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("query escalated",
		zap.String("query_id", next.ID),
		zap.String("actor_id", actor.ID),
		zap.String("from", prev.AssignedTo),
		zap.String("to", next.AssignedTo),
		zap.Int("sequence", len(next.Escalations)))
	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryEscalate)
	s.notify(ctx, target.ID, next, models.QueryEventEscalated, prev.Status, reason)
	return next, nil
}

// UpdatePriority changes urgency on an active query.
func (s *QueryService) UpdatePriority(ctx context.Context, actorID, queryID string, req dto.UpdatePriorityRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "update_priority", queryID)
	defer func() { finish(err) }()

	if !req.Priority.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unknown priority %q", req.Priority))
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, _ time.Time) error {
		if err := checkPriorityChange(q, actor); err != nil {
			return err
		}
		q.Priority = req.Priority
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryUpdate)
	return next, nil
}

// UpdateTags replaces the tag set.
func (s *QueryService) UpdateTags(ctx context.Context, actorID, queryID string, req dto.UpdateTagsRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "update_tags", queryID)
	defer func() { finish(err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	tags := models.NormalizeTags(req.Tags)
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, _ time.Time) error {
		if err := checkTagChange(q, actor); err != nil {
			return err
		}
		q.Tags = tags
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryUpdate)
	return next, nil
}

// Rate records the originator's rating once the query is resolved.
func (s *QueryService) Rate(ctx context.Context, actorID, queryID string, req dto.RateQueryRequest) (result *models.Query, err error) {
	ctx, finish := s.instrument(ctx, "rate", queryID)
	defer func() { finish(err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	prev, next, err := s.mutate(ctx, queryID, func(q *models.Query, now time.Time) error {
		if err := checkRating(q, actor); err != nil {
			return err
		}
		rating := req.Rating
		ratedAt := now
		q.Rating = &rating
		q.RatedAt = &ratedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, actor, prev, next, models.AuditActionQueryRate)
	return next, nil
}

// Delete removes a query. Admins only.
func (s *QueryService) Delete(ctx context.Context, actorID, queryID string) (err error) {
	ctx, finish := s.instrument(ctx, "delete", queryID)
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.Role.IsAdmin() {
		return appErrors.Clone(appErrors.ErrForbidden, "only admins may delete queries")
	}
	query, err := s.loadVisible(ctx, actor, queryID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, queryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(queryID)
		}
		return storeError(err, "failed to delete query")
	}
	s.afterWrite(ctx, actor, query, nil, models.AuditActionQueryDelete)
	return nil
}

// EscalationTargets lists users a query can be handed to. role narrows to one role.
func (s *QueryService) EscalationTargets(ctx context.Context, actorID, role string) (result []dto.EscalationTarget, err error) {
	ctx, finish := s.instrument(ctx, "escalation_targets", "")
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "students cannot escalate queries")
	}

	roles := []models.UserRole{models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin}
	if role = strings.TrimSpace(role); role != "" {
		r := models.UserRole(strings.ToUpper(role))
		if !r.Valid() || r == models.RoleStudent {
			return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unsupported escalation role %q", role))
		}
		roles = []models.UserRole{r}
	}

	result = make([]dto.EscalationTarget, 0)
	for _, r := range roles {
		users, err := s.directory.ListByRole(ctx, r, "")
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.ID == actor.ID {
				continue
			}
			result = append(result, dto.EscalationTarget{ID: u.ID, FullName: u.FullName, Role: u.Role, Department: u.Department})
		}
	}
	return result, nil
}

// Transcript renders the query, its thread and its chain of custody as a PDF.
func (s *QueryService) Transcript(ctx context.Context, actorID, queryID string) (content []byte, filename string, err error) {
	ctx, finish := s.instrument(ctx, "transcript", queryID)
	defer func() { finish(err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, "", err
	}
	query, err := s.loadVisible(ctx, actor, queryID)
	if err != nil {
		return nil, "", err
	}
	content, err = s.renderer.RenderDocument(s.transcriptDocument(ctx, query))
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
	}
	return content, fmt.Sprintf("query-%s.pdf", query.ID), nil
}

// mutate runs read, validate and conditional write until the write lands, the retry budget is spent,
// or apply rejects the record. apply works on a private copy.
func (s *QueryService) mutate(ctx context.Context, queryID string, apply func(q *models.Query, now time.Time) error) (*models.Query, *models.Query, error) {
	var prev, next *models.Query
	attempts := 0

	operation := func() error {
		attempts++
		current, err := s.load(ctx, queryID)
		if err != nil {
			return backoff.Permanent(err)
		}
		candidate := current.Clone()
		now := s.now()
		if err := apply(candidate, now); err != nil {
			return backoff.Permanent(err)
		}
		candidate.UpdatedAt = now
		if err := s.store.CompareAndSwap(ctx, candidate, current.Version); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				s.metrics.RecordCASConflict()
				s.logger.Debug("query version conflict, retrying",
					zap.String("query_id", queryID),
					zap.Int64("expected_version", current.Version),
					zap.Int("attempt", attempts))
				return err
			}
			return backoff.Permanent(storeError(err, "failed to save query"))
		}
		prev, next = current, candidate
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx)); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, nil, appErrors.WithDetails(appErrors.ErrConcurrentModification, "", map[string]interface{}{
				"queryId":  queryID,
				"attempts": attempts,
			})
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, appErrors.Unavailable(err, "query update abandoned")
		}
		return nil, nil, err
	}
	return prev, next, nil
}

func (s *QueryService) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = 16 * s.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxCASRetries)), ctx)
}

func (s *QueryService) load(ctx context.Context, queryID string) (*models.Query, error) {
	if strings.TrimSpace(queryID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "query id is required")
	}
	query, err := s.store.GetByID(ctx, queryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(queryID)
		}
		return nil, storeError(err, "failed to load query")
	}
	return query, nil
}

func (s *QueryService) loadVisible(ctx context.Context, actor *models.User, queryID string) (*models.Query, error) {
	query, err := s.load(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if !visibilityScope(actor, s.cfg.DepartmentScoping).Matches(query) {
		return nil, forbidden(query, actor, "query is not visible to this user")
	}
	return query, nil
}

func (s *QueryService) resolveActor(ctx context.Context, actorID string) (*models.User, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, appErrors.ErrUnauthorized
	}
	actor, err := s.directory.Resolve(ctx, actorID)
	if err != nil {
		if errors.Is(err, appErrors.ErrUnknownUser) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "actor is not an active user")
		}
		return nil, err
	}
	return actor, nil
}

// afterWrite runs the best-effort follow-ups of a successful write. None of them can fail the operation.
func (s *QueryService) afterWrite(ctx context.Context, actor *models.User, prev, next *models.Query, action string) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, queryStatsNamespace)
	}
	subject := next
	if subject == nil {
		subject = prev
	}
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   "query",
		ResourceID: &subject.ID,
		OldValues:  auditSnapshot(prev),
		NewValues:  auditSnapshot(next),
	})
}

func (s *QueryService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "query-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *QueryService) notify(ctx context.Context, userID string, q *models.Query, eventType models.QueryEventType, prevStatus models.QueryStatus, reason string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, userID, models.QueryEvent{
		Type:       eventType,
		QueryID:    q.ID,
		Subject:    q.Subject,
		ActorID:    eventActor(q, eventType),
		Status:     q.Status,
		PrevStatus: prevStatus,
		Reason:     reason,
		OccurredAt: q.UpdatedAt,
	})
}

// notifyParticipants tells the originator and assignee about a change, skipping the actor.
func (s *QueryService) notifyParticipants(ctx context.Context, actor *models.User, q *models.Query, eventType models.QueryEventType, prevStatus models.QueryStatus, reason string) {
	for _, userID := range []string{q.FromUserID, q.AssignedTo} {
		if userID != actor.ID {
			s.notify(ctx, userID, q, eventType, prevStatus, reason)
		}
	}
}

func (s *QueryService) instrument(ctx context.Context, operation, queryID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "query."+operation)
	if queryID != "" {
		span.SetAttributes(attribute.String("query.id", queryID))
	}
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			appErr := appErrors.FromError(err)
			outcome = appErr.Code
			span.RecordError(err)
			span.SetStatus(codes.Error, appErr.Code)
			if appErr.Status >= 500 {
				s.logger.Error("query operation failed",
					append(logger.TraceFields(ctx),
						zap.String("operation", operation),
						zap.String("query_id", queryID),
						zap.Error(err))...)
			}
		}
		s.metrics.ObserveQueryOperation(operation, outcome, time.Since(start))
		span.End()
	}
}

func (s *QueryService) transcriptDocument(ctx context.Context, q *models.Query) export.Document {
	doc := export.Document{
		Title: "Query transcript",
		Fields: []export.Field{
			{Label: "Subject", Value: q.Subject},
			{Label: "Query ID", Value: q.ID},
			{Label: "From", Value: s.displayName(ctx, q.FromUserID)},
			{Label: "Assigned to", Value: s.displayName(ctx, q.AssignedTo)},
			{Label: "Type", Value: string(q.QueryType)},
			{Label: "Priority", Value: string(q.Priority)},
			{Label: "Status", Value: string(q.Status)},
			{Label: "Created", Value: q.CreatedAt.Format(time.RFC3339)},
			{Label: "Updated", Value: q.UpdatedAt.Format(time.RFC3339)},
		},
	}
	if len(q.Tags) > 0 {
		doc.Fields = append(doc.Fields, export.Field{Label: "Tags", Value: strings.Join(q.Tags, ", ")})
	}
	if q.Rating != nil {
		doc.Fields = append(doc.Fields, export.Field{Label: "Rating", Value: fmt.Sprintf("%.1f / 5", *q.Rating)})
	}

	doc.Sections = append(doc.Sections, export.Section{Heading: "Question", Paragraphs: []string{q.Content}})

	thread := export.Section{Heading: "Responses"}
	if len(q.Responses) == 0 {
		thread.Paragraphs = []string{"No responses yet."}
	}
	for _, r := range q.Responses {
		thread.Paragraphs = append(thread.Paragraphs,
			fmt.Sprintf("%s (%s):\n%s", s.displayName(ctx, r.From), r.CreatedAt.Format(time.RFC3339), r.Content))
	}
	doc.Sections = append(doc.Sections, thread)

	if len(q.Escalations) > 0 {
		table := export.Dataset{Headers: []string{"#", "From", "To", "By", "At", "Reason"}}
		for _, e := range q.Escalations {
			table.Rows = append(table.Rows, map[string]string{
				"#":      fmt.Sprintf("%d", e.Sequence),
				"From":   s.displayName(ctx, e.From),
				"To":     s.displayName(ctx, e.To),
				"By":     s.displayName(ctx, e.EscalatedBy),
				"At":     e.EscalatedAt.Format("2006-01-02 15:04"),
				"Reason": e.Reason,
			})
		}
		doc.Sections = append(doc.Sections, export.Section{Heading: "Escalation history", Table: &table})
	}
	return doc
}

func (s *QueryService) displayName(ctx context.Context, userID string) string {
	user, err := s.directory.Resolve(ctx, userID)
	if err != nil || user.FullName == "" {
		return userID
	}
	return user.FullName
}

func eventActor(q *models.Query, eventType models.QueryEventType) string {
	switch eventType {
	case models.QueryEventCreated:
		return q.FromUserID
	case models.QueryEventEscalated:
		if latest, ok := q.Escalations.Latest(); ok {
			return latest.EscalatedBy
		}
	case models.QueryEventResponded:
		if n := len(q.Responses); n > 0 {
			return q.Responses[n-1].From
		}
	}
	return ""
}

type queryAuditView struct {
	Status      models.QueryStatus   `json:"status"`
	AssignedTo  string               `json:"assignedTo"`
	Priority    models.QueryPriority `json:"priority"`
	Responses   int                  `json:"responses"`
	Escalations int                  `json:"escalations"`
	Tags        models.Tags          `json:"tags,omitempty"`
	Rating      *float64             `json:"rating,omitempty"`
	Version     int64                `json:"version"`
}

func auditSnapshot(q *models.Query) []byte {
	if q == nil {
		return nil
	}
	payload, err := json.Marshal(queryAuditView{
		Status:      q.Status,
		AssignedTo:  q.AssignedTo,
		Priority:    q.Priority,
		Responses:   len(q.Responses),
		Escalations: len(q.Escalations),
		Tags:        q.Tags,
		Rating:      q.Rating,
		Version:     q.Version,
	})
	if err != nil {
		return nil
	}
	return payload
}

func notFound(queryID string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrNotFound, "query not found", map[string]interface{}{"queryId": queryID})
}

// storeError maps persistence failures. Anything the store cannot answer is a collaborator outage.
func storeError(err error, message string) *appErrors.Error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Unavailable(err, message)
}

func validationError(err error) *appErrors.Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid payload")
	}
	fields := make(map[string]interface{}, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return appErrors.WithDetails(appErrors.ErrInvalidInput, "invalid payload", map[string]interface{}{"fields": fields})
}

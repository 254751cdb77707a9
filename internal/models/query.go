package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// QueryStatus is the lifecycle state of a query.
type QueryStatus string

const (
	QueryStatusOpen       QueryStatus = "open"
	QueryStatusInProgress QueryStatus = "in_progress"
	QueryStatusResolved   QueryStatus = "resolved"
	QueryStatusEscalated  QueryStatus = "escalated"
	QueryStatusClosed     QueryStatus = "closed"
)

// QueryStatuses lists every status in display order.
var QueryStatuses = []QueryStatus{
	QueryStatusOpen,
	QueryStatusInProgress,
	QueryStatusEscalated,
	QueryStatusResolved,
	QueryStatusClosed,
}

// Valid reports whether s is one of the known statuses.
func (s QueryStatus) Valid() bool {
	switch s {
	case QueryStatusOpen, QueryStatusInProgress, QueryStatusResolved, QueryStatusEscalated, QueryStatusClosed:
		return true
	}
	return false
}

// AcceptsResponses is false once a query is resolved or closed.
func (s QueryStatus) AcceptsResponses() bool {
	return s != QueryStatusResolved && s != QueryStatusClosed
}

// Terminal is true only for closed; nothing leaves it.
func (s QueryStatus) Terminal() bool {
	return s == QueryStatusClosed
}

// ParseQueryStatus normalises user input ("In Progress", "IN_PROGRESS") into a status.
func ParseQueryStatus(raw string) (QueryStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	status := QueryStatus(normalized)
	return status, status.Valid()
}

// QueryType classifies the subject area of a query.
type QueryType string

const (
	QueryTypeGeneral      QueryType = "general"
	QueryTypeAcademic     QueryType = "academic"
	QueryTypeDisciplinary QueryType = "disciplinary"
	QueryTypeDoctrinal    QueryType = "doctrinal"
	QueryTypeTechnical    QueryType = "technical"
)

// Valid reports whether t is one of the known query types.
func (t QueryType) Valid() bool {
	switch t {
	case QueryTypeGeneral, QueryTypeAcademic, QueryTypeDisciplinary, QueryTypeDoctrinal, QueryTypeTechnical:
		return true
	}
	return false
}

// QueryPriority captures urgency.
type QueryPriority string

const (
	QueryPriorityLow    QueryPriority = "low"
	QueryPriorityMedium QueryPriority = "medium"
	QueryPriorityHigh   QueryPriority = "high"
	QueryPriorityUrgent QueryPriority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p QueryPriority) Valid() bool {
	return p.Rank() > 0
}

// Rank orders priorities from low (1) to urgent (4); unknown values rank 0.
func (p QueryPriority) Rank() int {
	switch p {
	case QueryPriorityLow:
		return 1
	case QueryPriorityMedium:
		return 2
	case QueryPriorityHigh:
		return 3
	case QueryPriorityUrgent:
		return 4
	}
	return 0
}

// QueryResponse is a single message in a query thread.
type QueryResponse struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// EscalationEvent records one hand-off in the chain of custody.
type EscalationEvent struct {
	Sequence    int       `json:"sequence"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	EscalatedAt time.Time `json:"escalatedAt"`
	EscalatedBy string    `json:"escalatedBy"`
}

// QueryResponses is stored as a JSON array column.
type QueryResponses []QueryResponse

// Value implements driver.Valuer.
func (r QueryResponses) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *QueryResponses) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// EscalationHistory is stored as a JSON array column.
type EscalationHistory []EscalationEvent

// Value implements driver.Valuer.
func (h EscalationHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *EscalationHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

// Latest returns the most recent escalation, if any.
func (h EscalationHistory) Latest() (EscalationEvent, bool) {
	if len(h) == 0 {
		return EscalationEvent{}, false
	}
	return h[len(h)-1], true
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

// Query is a student/teacher question routed to an assignee.
type Query struct {
	ID          string            `db:"id" json:"id"`
	FromUserID  string            `db:"from_user_id" json:"from"`
	AssignedTo  string            `db:"assigned_to" json:"assignedTo"`
	Subject     string            `db:"subject" json:"subject"`
	Content     string            `db:"content" json:"content"`
	QueryType   QueryType         `db:"query_type" json:"queryType"`
	Priority    QueryPriority     `db:"priority" json:"priority"`
	Status      QueryStatus       `db:"status" json:"status"`
	IsSensitive bool              `db:"is_sensitive" json:"isSensitive"`
	Department  string            `db:"department" json:"department,omitempty"`
	Responses   QueryResponses    `db:"responses" json:"responses"`
	Escalations EscalationHistory `db:"escalations" json:"escalations"`
	Tags        Tags              `db:"tags" json:"tags"`
	Rating      *float64          `db:"rating" json:"rating,omitempty"`
	RatedAt     *time.Time        `db:"rated_at" json:"ratedAt,omitempty"`
	Version     int64             `db:"version" json:"version"`
	CreatedAt   time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored slices.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	cp := *q
	if q.Responses != nil {
		cp.Responses = append(QueryResponses(make([]QueryResponse, 0, len(q.Responses))), q.Responses...)
	}
	if q.Escalations != nil {
		cp.Escalations = append(EscalationHistory(make([]EscalationEvent, 0, len(q.Escalations))), q.Escalations...)
	}
	if q.Tags != nil {
		cp.Tags = append(Tags(make([]string, 0, len(q.Tags))), q.Tags...)
	}
	if q.Rating != nil {
		rating := *q.Rating
		cp.Rating = &rating
	}
	if q.RatedAt != nil {
		ratedAt := *q.RatedAt
		cp.RatedAt = &ratedAt
	}
	return &cp
}

// IsParticipant reports whether userID is the originator or current assignee.
func (q *Query) IsParticipant(userID string) bool {
	return userID != "" && (q.FromUserID == userID || q.AssignedTo == userID)
}

// Tags is a normalised set of labels stored as a JSON array.
type Tags []string

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags.
func NormalizeTags(raw []string) Tags {
	seen := make(map[string]struct{}, len(raw))
	tags := make(Tags, 0, len(raw))
	for _, tag := range raw {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Contains reports whether tag is present.
func (t Tags) Contains(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, existing := range t {
		if existing == tag {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}

// Scan implements sql.Scanner.
func (t *Tags) Scan(src interface{}) error {
	return scanJSON(src, t)
}

// QueryScope is the visibility boundary of an actor over the query set.
type QueryScope struct {
	All             bool
	ActorID         string
	FromUserID      string
	Participant     string
	Department      string
	SensitiveAccess bool
}

// Matches evaluates the scope against a single record.
func (s QueryScope) Matches(q *Query) bool {
	if q == nil {
		return false
	}
	participant := q.IsParticipant(s.ActorID)
	if q.IsSensitive && !s.SensitiveAccess && !participant {
		return false
	}
	if s.All {
		return true
	}
	if s.FromUserID != "" && q.FromUserID == s.FromUserID {
		return true
	}
	if s.Participant != "" && q.IsParticipant(s.Participant) {
		return true
	}
	if s.Department != "" && q.Department == s.Department {
		return true
	}
	return false
}

// QueryFilter constrains listing queries.
type QueryFilter struct {
	Scope     QueryScope
	Status    []QueryStatus
	Priority  QueryPriority
	QueryType QueryType
	Tag       string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// Query sort keys.
const (
	QuerySortCreatedAt = "created_at"
	QuerySortUpdatedAt = "updated_at"
	QuerySortPriority  = "priority"
)

// Normalize applies pagination and ordering defaults.
func (f *QueryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	switch f.SortBy {
	case QuerySortCreatedAt, QuerySortUpdatedAt, QuerySortPriority:
	default:
		f.SortBy = QuerySortCreatedAt
	}
	order := strings.ToUpper(f.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	f.SortOrder = order
}

// Offset returns the zero-based row offset for the current page.
func (f QueryFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// MatchesAttributes evaluates the non-scope filters against a record.
func (f QueryFilter) MatchesAttributes(q *Query) bool {
	if len(f.Status) > 0 {
		found := false
		for _, status := range f.Status {
			if q.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != "" && q.Priority != f.Priority {
		return false
	}
	if f.QueryType != "" && q.QueryType != f.QueryType {
		return false
	}
	if f.Tag != "" && !q.Tags.Contains(f.Tag) {
		return false
	}
	return true
}

// SortQueries orders records according to the filter, id as tie-breaker for stable pages.
func SortQueries(items []Query, f QueryFilter) {
	desc := strings.ToUpper(f.SortOrder) != "ASC"
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		var less, equal bool
		switch f.SortBy {
		case QuerySortUpdatedAt:
			less, equal = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		case QuerySortPriority:
			less, equal = a.Priority.Rank() < b.Priority.Rank(), a.Priority.Rank() == b.Priority.Rank()
		default:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if desc {
			return !less
		}
		return less
	})
}

// QueryStatistics aggregates the visible query set of an actor.
type QueryStatistics struct {
	Total         int                 `json:"total"`
	ByStatus      map[QueryStatus]int `json:"byStatus"`
	AverageRating float64             `json:"averageRating"`
	RatedCount    int                 `json:"ratedCount"`
}

// NewQueryStatistics returns statistics with every status bucket present.
func NewQueryStatistics() QueryStatistics {
	byStatus := make(map[QueryStatus]int, len(QueryStatuses))
	for _, status := range QueryStatuses {
		byStatus[status] = 0
	}
	return QueryStatistics{ByStatus: byStatus}
}

// Add counts a single record; callers must visit each record once per pass.
func (s *QueryStatistics) Add(q *Query) {
	if s.ByStatus == nil {
		*s = NewQueryStatistics()
	}
	s.Total++
	s.ByStatus[q.Status]++
	if q.Rating != nil {
		s.AverageRating = (s.AverageRating*float64(s.RatedCount) + *q.Rating) / float64(s.RatedCount+1)
		s.RatedCount++
	}
}

// QueryEventType names a lifecycle event pushed to notification sinks.
type QueryEventType string

const (
	QueryEventCreated       QueryEventType = "query.created"
	QueryEventResponded     QueryEventType = "query.responded"
	QueryEventStatusChanged QueryEventType = "query.status_changed"
	QueryEventEscalated     QueryEventType = "query.escalated"
)

// QueryEvent is the payload delivered to a NotificationSink.
type QueryEvent struct {
	Type       QueryEventType `json:"type"`
	QueryID    string         `json:"queryId"`
	Subject    string         `json:"subject"`
	ActorID    string         `json:"actorId"`
	Status     QueryStatus    `json:"status"`
	PrevStatus QueryStatus    `json:"prevStatus,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

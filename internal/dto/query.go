package dto

import "github.com/noah-isme/sma-query-api/internal/models"

// CreateQueryRequest is the payload for raising a query.
// From defaults to the authenticated user when empty.
type CreateQueryRequest struct {
	From        string               `json:"from"`
	To          string               `json:"to" validate:"required"`
	Subject     string               `json:"subject" validate:"required,max=200"`
	Content     string               `json:"content" validate:"required,max=10000"`
	QueryType   models.QueryType     `json:"queryType" validate:"required,oneof=general academic disciplinary doctrinal technical"`
	Priority    models.QueryPriority `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	IsSensitive bool                 `json:"isSensitive"`
	Tags        []string             `json:"tags" validate:"max=20,dive,max=40"`
}

// AddResponseRequest appends a message to the query thread.
type AddResponseRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

// UpdateStatusRequest asks for a lifecycle transition.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// EscalateRequest hands a query to a new assignee.
type EscalateRequest struct {
	To     string `json:"to" validate:"required"`
	Reason string `json:"reason" validate:"required,max=2000"`
}

// UpdatePriorityRequest changes the urgency of a query.
type UpdatePriorityRequest struct {
	Priority models.QueryPriority `json:"priority" validate:"required,oneof=low medium high urgent"`
}

// UpdateTagsRequest replaces the tag set of a query.
type UpdateTagsRequest struct {
	Tags []string `json:"tags" validate:"max=20,dive,max=40"`
}

// RateQueryRequest records the originator's satisfaction after resolution.
type RateQueryRequest struct {
	Rating float64 `json:"rating" validate:"required,gte=1,lte=5"`
}

// QueryListQuery mirrors supported listing filters.
type QueryListQuery struct {
	Status    []models.QueryStatus
	Priority  models.QueryPriority
	QueryType models.QueryType
	Tag       string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// QueryListResult is a single page of visible queries.
type QueryListResult struct {
	Items      []models.Query    `json:"items"`
	Pagination models.Pagination `json:"pagination"`
}

// EscalationTarget is a lightweight user entry for escalation pickers.
type EscalationTarget struct {
	ID         string          `json:"id"`
	FullName   string          `json:"fullName"`
	Role       models.UserRole `json:"role"`
	Department string          `json:"department,omitempty"`
}

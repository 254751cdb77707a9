package service

import (
	"fmt"

	"github.com/noah-isme/sma-query-api/internal/models"
	appErrors "github.com/noah-isme/sma-query-api/pkg/errors"
)

// edgeAuthority names who may take a status edge.
type edgeAuthority int

const (
	assigneeOnly edgeAuthority = iota + 1
	assigneeOrAdmin
)

type statusEdge struct {
	from models.QueryStatus
	to   models.QueryStatus
}

// queryTransitions is the complete set of legal status edges. Anything absent is rejected.
// Leaving escalated is assigneeOnly because escalation moves AssignedTo to the new owner.
var queryTransitions = map[statusEdge]edgeAuthority{
	{models.QueryStatusOpen, models.QueryStatusInProgress}:      assigneeOnly,
	{models.QueryStatusOpen, models.QueryStatusResolved}:        assigneeOnly,
	{models.QueryStatusOpen, models.QueryStatusEscalated}:       assigneeOrAdmin,
	{models.QueryStatusInProgress, models.QueryStatusResolved}:  assigneeOnly,
	{models.QueryStatusInProgress, models.QueryStatusEscalated}: assigneeOrAdmin,
	{models.QueryStatusResolved, models.QueryStatusClosed}:      assigneeOrAdmin,
	{models.QueryStatusEscalated, models.QueryStatusInProgress}: assigneeOnly,
	{models.QueryStatusEscalated, models.QueryStatusResolved}:   assigneeOnly,
	{models.QueryStatusEscalated, models.QueryStatusClosed}:     assigneeOnly,
}

func (a edgeAuthority) allows(q *models.Query, actor *models.User) bool {
	if q.AssignedTo == actor.ID {
		return true
	}
	return a == assigneeOrAdmin && actor.Role.IsAdmin()
}

func invalidTransition(q *models.Query, target models.QueryStatus) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot move query from %s to %s", q.Status, target),
		map[string]interface{}{
			"queryId":       q.ID,
			"currentStatus": q.Status,
			"targetStatus":  target,
		})
}

func forbidden(q *models.Query, actor *models.User, message string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrForbidden, message, map[string]interface{}{
		"queryId": q.ID,
		"actorId": actor.ID,
	})
}

// hasRelationship is true for the originator, the current assignee and admins.
func hasRelationship(q *models.Query, actor *models.User) bool {
	return q.IsParticipant(actor.ID) || actor.Role.IsAdmin()
}

// checkStatusChange validates an UpdateStatus request. Escalation needs a target and reason, so
// the escalated edge is only reachable through checkEscalation. A closed query rejects every
// caller with InvalidTransition before relationship is considered.
func checkStatusChange(q *models.Query, actor *models.User, target models.QueryStatus) error {
	if q.Status.Terminal() {
		return invalidTransition(q, target)
	}
	if !hasRelationship(q, actor) {
		return forbidden(q, actor, "actor has no relationship to this query")
	}
	authority, ok := queryTransitions[statusEdge{q.Status, target}]
	if !ok || target == models.QueryStatusEscalated {
		return invalidTransition(q, target)
	}
	if !authority.allows(q, actor) {
		return forbidden(q, actor, fmt.Sprintf("actor may not move query from %s to %s", q.Status, target))
	}
	return nil
}

// checkEscalation validates a hand-off to target against the record as currently stored.
func checkEscalation(q *models.Query, actor *models.User, target *models.User) error {
	if err := checkEscalationEdge(q, actor); err != nil {
		return err
	}
	return checkEscalationTarget(q, target)
}

// checkEscalationEdge covers the status edge and the actor's authority. It runs before the
// target is resolved so a closed or foreign query fails the same way whatever the target.
func checkEscalationEdge(q *models.Query, actor *models.User) error {
	authority, ok := queryTransitions[statusEdge{q.Status, models.QueryStatusEscalated}]
	if !ok {
		return invalidTransition(q, models.QueryStatusEscalated)
	}
	if !authority.allows(q, actor) {
		return forbidden(q, actor, "only the assignee or an admin may escalate")
	}
	return nil
}

func checkEscalationTarget(q *models.Query, target *models.User) error {
	if target.Role == models.RoleStudent {
		return appErrors.WithDetails(appErrors.ErrInvalidInput, "queries cannot be escalated to a student",
			map[string]interface{}{"queryId": q.ID, "to": target.ID})
	}
	if q.AssignedTo == target.ID {
		return appErrors.WithDetails(appErrors.ErrSameAssignee, "", map[string]interface{}{
			"queryId":    q.ID,
			"assignedTo": q.AssignedTo,
		})
	}
	return nil
}

// checkResponse validates appending to the thread.
func checkResponse(q *models.Query, actor *models.User) error {
	if !q.Status.AcceptsResponses() {
		return terminalState(q)
	}
	if !hasRelationship(q, actor) {
		return forbidden(q, actor, "only the originator, the assignee or an admin may respond")
	}
	return nil
}

func terminalState(q *models.Query) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrTerminalState, "", map[string]interface{}{
		"queryId":       q.ID,
		"currentStatus": q.Status,
	})
}

func checkPriorityChange(q *models.Query, actor *models.User) error {
	if !q.Status.AcceptsResponses() {
		return terminalState(q)
	}
	if q.AssignedTo != actor.ID && !actor.Role.IsAdmin() {
		return forbidden(q, actor, "only the assignee or an admin may change priority")
	}
	return nil
}

func checkTagChange(q *models.Query, actor *models.User) error {
	if !hasRelationship(q, actor) {
		return forbidden(q, actor, "only the originator, the assignee or an admin may tag")
	}
	return nil
}

func checkRating(q *models.Query, actor *models.User) error {
	if q.FromUserID != actor.ID {
		return forbidden(q, actor, "only the originator may rate a query")
	}
	if q.Status != models.QueryStatusResolved && q.Status != models.QueryStatusClosed {
		return appErrors.WithDetails(appErrors.ErrInvalidInput, "query can only be rated once resolved", map[string]interface{}{
			"queryId":       q.ID,
			"currentStatus": q.Status,
		})
	}
	if q.Rating != nil {
		return appErrors.WithDetails(appErrors.ErrInvalidInput, "query has already been rated", map[string]interface{}{
			"queryId": q.ID,
		})
	}
	return nil
}

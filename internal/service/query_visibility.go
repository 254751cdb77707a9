package service

import "github.com/noah-isme/sma-query-api/internal/models"

// visibilityScope is the one place that decides which queries an actor can see. List, Statistics,
// Get and Transcript all go through it.
func visibilityScope(actor *models.User, departmentScoping bool) models.QueryScope {
	scope := models.QueryScope{
		ActorID:         actor.ID,
		SensitiveAccess: actor.SensitiveAccess,
	}
	switch actor.Role {
	case models.RoleSuperAdmin:
		scope.All = true
	case models.RoleAdmin:
		if departmentScoping && actor.Department != "" {
			scope.Department = actor.Department
			scope.Participant = actor.ID
		} else {
			scope.All = true
		}
	case models.RoleTeacher:
		scope.Participant = actor.ID
	default:
		scope.FromUserID = actor.ID
	}
	return scope
}

// statsCacheKey identifies a scope for the statistics cache.
func statsCacheKey(scope models.QueryScope) string {
	switch {
	case scope.All:
		if scope.SensitiveAccess {
			return "all:s"
		}
		return "all:" + scope.ActorID
	case scope.Department != "":
		return "dept:" + scope.Department + ":" + scope.ActorID + sensitiveSuffix(scope)
	case scope.Participant != "":
		return "participant:" + scope.Participant + sensitiveSuffix(scope)
	default:
		return "from:" + scope.FromUserID + sensitiveSuffix(scope)
	}
}

func sensitiveSuffix(scope models.QueryScope) string {
	if scope.SensitiveAccess {
		return ":s"
	}
	return ""
}

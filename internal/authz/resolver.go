// Package authz decides whether a principal may perform an operation on a survey.
//
// Evaluate is pure: it derives a permission set from the principal's claims and
// the survey, then checks the per-operation requirement. A false result is the
// deny signal; callers must fail closed on it.
package authz

import (
	"strings"

	"tailspin.org/internal/auth"
)

// Operation is an action requested against a survey.
type Operation int

const (
	OperationCreate Operation = iota + 1
	OperationRead
	OperationUpdate
	OperationDelete
	OperationPublish
	OperationUnPublish
)

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationRead:
		return "read"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	case OperationPublish:
		return "publish"
	case OperationUnPublish:
		return "unpublish"
	default:
		return "unknown"
	}
}

// PermissionType is a capability derived for one evaluation.
type PermissionType uint8

const (
	PermissionAdmin PermissionType = 1 << iota
	PermissionCreator
	PermissionReader
	PermissionContributor
	PermissionOwner
)

// PermissionSet is a small value-type set of PermissionType bits.
type PermissionSet uint8

func (s PermissionSet) Has(p PermissionType) bool { return s&PermissionSet(p) != 0 }

func (s PermissionSet) With(p PermissionType) PermissionSet { return s | PermissionSet(p) }

// HasAny reports whether at least one of perms is in the set.
func (s PermissionSet) HasAny(perms ...PermissionType) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

func (s PermissionSet) Empty() bool { return s == 0 }

func (s PermissionSet) String() string {
	names := []struct {
		p    PermissionType
		name string
	}{
		{PermissionAdmin, "admin"},
		{PermissionCreator, "creator"},
		{PermissionReader, "reader"},
		{PermissionContributor, "contributor"},
		{PermissionOwner, "owner"},
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.p) {
			parts = append(parts, n.name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Contributor is a user granted edit access to a survey, possibly from another tenant.
type Contributor struct {
	UserID string
}

// ContributorRequest is a pending invitation addressed by email.
type ContributorRequest struct {
	Email string
}

// Survey carries the ownership attributes the resolver reads.
type Survey struct {
	ID                  string
	OwnerID             string
	TenantID            string
	Contributors        []Contributor
	ContributorRequests []ContributorRequest
}

// IsContributor reports whether userID is listed as a contributor.
func (s Survey) IsContributor(userID string) bool {
	if userID == "" {
		return false
	}
	for _, c := range s.Contributors {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// Permissions derives the permission set of principal on survey.
// Admin is only ever derived for a principal of the survey's own tenant.
func Permissions(principal auth.Principal, survey Survey) PermissionSet {
	var set PermissionSet
	if sameTenant(principal, survey) {
		if principal.IsAdmin() {
			return set.With(PermissionAdmin)
		}
		if principal.IsCreator() {
			set = set.With(PermissionCreator)
		} else {
			set = set.With(PermissionReader)
		}
		if principal.UserID != "" && survey.OwnerID == principal.UserID {
			set = set.With(PermissionOwner)
		}
	}
	if survey.IsContributor(principal.UserID) {
		set = set.With(PermissionContributor)
	}
	return set
}

// Evaluate reports whether principal may perform op on survey.
func Evaluate(principal auth.Principal, op Operation, survey Survey) bool {
	set := Permissions(principal, survey)
	if set.Has(PermissionAdmin) {
		return true
	}
	return allows(op, set)
}

func allows(op Operation, set PermissionSet) bool {
	switch op {
	case OperationCreate:
		return set.Has(PermissionCreator)
	case OperationRead:
		return set.HasAny(PermissionCreator, PermissionReader, PermissionContributor, PermissionOwner)
	case OperationUpdate:
		return set.HasAny(PermissionContributor, PermissionOwner)
	case OperationDelete, OperationPublish, OperationUnPublish:
		return set.Has(PermissionOwner)
	default:
		return false
	}
}

func sameTenant(principal auth.Principal, survey Survey) bool {
	return principal.TenantID != "" && survey.TenantID == principal.TenantID
}

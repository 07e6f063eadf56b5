package authz

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/obs"
)

// ErrAccessDenied is returned by Require when Evaluate does not grant the operation.
var ErrAccessDenied = errors.New("authz: access denied")

// Authorizer records decisions made by Evaluate.
type Authorizer struct {
	logger *zap.Logger
}

// NewAuthorizer returns an Authorizer logging denials to logger (nil discards them).
func NewAuthorizer(logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{logger: logger}
}

// Authorize evaluates op and counts the outcome.
func (a *Authorizer) Authorize(principal auth.Principal, op Operation, survey Survey) bool {
	granted := Evaluate(principal, op, survey)
	result := "deny"
	if granted {
		result = "grant"
	}
	obs.AuthzDecisions.WithLabelValues(op.String(), result).Inc()
	if !granted {
		a.logger.Debug("survey access denied",
			zap.String("op", op.String()),
			zap.String("user_id", principal.UserID),
			zap.String("tenant_id", principal.TenantID),
			zap.String("survey_id", survey.ID),
			zap.Stringer("permissions", Permissions(principal, survey)),
		)
	}
	return granted
}

// Require is Authorize expressed as an error so callers cannot ignore a denial.
func (a *Authorizer) Require(principal auth.Principal, op Operation, survey Survey) error {
	if a.Authorize(principal, op, survey) {
		return nil
	}
	return fmt.Errorf("%w: %s survey %s", ErrAccessDenied, op, survey.ID)
}

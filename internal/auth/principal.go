package auth

import "strings"

// Application roles assigned to users by the identity provider.
const (
	RoleSurveyAdmin   = "SurveyAdmin"
	RoleSurveyCreator = "SurveyCreator"
	RoleSurveyReader  = "SurveyReader"
)

// Principal is the authenticated caller with its normalized claims.
// It is treated as a value: helpers that derive new claims return a copy.
type Principal struct {
	// UserID and TenantID are local identifiers appended after provisioning.
	UserID   string
	TenantID string

	// ObjectID is the identity provider's immutable user identifier.
	ObjectID               string
	IssuerValue            string
	IdentityProviderTenant string
	Email                  string
	DisplayName            string
	Roles                  []string
}

// HasRole reports whether the principal carries role. Role names compare case-insensitively.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds the survey admin role.
func (p Principal) IsAdmin() bool { return p.HasRole(RoleSurveyAdmin) }

// IsCreator reports whether the principal holds the survey creator role.
func (p Principal) IsCreator() bool { return p.HasRole(RoleSurveyCreator) }

// Provisioned reports whether local user and tenant ids have been attached.
func (p Principal) Provisioned() bool {
	return p.UserID != "" && p.TenantID != ""
}

// WithLocalIDs returns a copy of p carrying the local user and tenant identifiers.
func (p Principal) WithLocalIDs(userID, tenantID string) Principal {
	out := p
	out.Roles = append([]string(nil), p.Roles...)
	out.UserID = strings.TrimSpace(userID)
	out.TenantID = strings.TrimSpace(tenantID)
	return out
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		key := strings.ToLower(role)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

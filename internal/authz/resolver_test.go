package authz

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/obs"
)

var allOperations = []Operation{
	OperationCreate, OperationRead, OperationUpdate,
	OperationDelete, OperationPublish, OperationUnPublish,
}

func principal(userID, tenantID string, roles ...string) auth.Principal {
	return auth.Principal{UserID: userID, TenantID: tenantID, Roles: roles}
}

func TestScenarioCreatorOwnerMayUpdate(t *testing.T) {
	p := principal("54321", "12345", auth.RoleSurveyCreator)
	s := Survey{OwnerID: "54321", TenantID: "12345"}
	if !Evaluate(p, OperationUpdate, s) {
		t.Fatalf("owner with creator role must be able to update")
	}
}

func TestScenarioCrossTenantAdminCannotDelete(t *testing.T) {
	p := principal("11111", "12345", auth.RoleSurveyAdmin)
	s := Survey{OwnerID: "54321", TenantID: "11111"}
	if Evaluate(p, OperationDelete, s) {
		t.Fatalf("admin of another tenant must not bypass")
	}
	if Permissions(p, s).Has(PermissionAdmin) {
		t.Fatalf("admin permission must be tenant-scoped")
	}
}

func TestScenarioCrossTenantContributorMayRead(t *testing.T) {
	p := principal("54321", "99")
	s := Survey{TenantID: "11", Contributors: []Contributor{{UserID: "54321"}}}
	if !Evaluate(p, OperationRead, s) {
		t.Fatalf("contributor grant must be tenant-independent")
	}
	if got := Permissions(p, s); got != PermissionSet(0).With(PermissionContributor) {
		t.Fatalf("expected only contributor permission, got %s", got)
	}
}

func TestSameTenantAdminBypassesEverything(t *testing.T) {
	p := principal("1", "t", auth.RoleSurveyAdmin)
	s := Survey{OwnerID: "2", TenantID: "t"}
	for _, op := range allOperations {
		if !Evaluate(p, op, s) {
			t.Fatalf("same-tenant admin denied %s", op)
		}
	}
}

func TestOwnerPassesAllButCreate(t *testing.T) {
	p := principal("owner", "t", auth.RoleSurveyReader)
	s := Survey{OwnerID: "owner", TenantID: "t"}
	for _, op := range []Operation{OperationRead, OperationUpdate, OperationDelete, OperationPublish, OperationUnPublish} {
		if !Evaluate(p, op, s) {
			t.Fatalf("owner denied %s", op)
		}
	}
	if Evaluate(p, OperationCreate, s) {
		t.Fatalf("reader owner must not get create")
	}
}

func TestContributorReadsAndUpdatesOnly(t *testing.T) {
	p := principal("c", "other")
	s := Survey{OwnerID: "o", TenantID: "t", Contributors: []Contributor{{UserID: "c"}}}
	want := map[Operation]bool{
		OperationCreate:    false,
		OperationRead:      true,
		OperationUpdate:    true,
		OperationDelete:    false,
		OperationPublish:   false,
		OperationUnPublish: false,
	}
	for op, expected := range want {
		if got := Evaluate(p, op, s); got != expected {
			t.Fatalf("contributor %s: got %v, want %v", op, got, expected)
		}
	}
}

func TestPredicateTable(t *testing.T) {
	cases := []struct {
		name   string
		p      auth.Principal
		s      Survey
		grants map[Operation]bool
	}{
		{
			name:   "same tenant creator, not owner",
			p:      principal("u", "t", auth.RoleSurveyCreator),
			s:      Survey{OwnerID: "o", TenantID: "t"},
			grants: map[Operation]bool{OperationCreate: true, OperationRead: true},
		},
		{
			name:   "same tenant reader",
			p:      principal("u", "t"),
			s:      Survey{OwnerID: "o", TenantID: "t"},
			grants: map[Operation]bool{OperationRead: true},
		},
		{
			name:   "other tenant, no contribution",
			p:      principal("u", "x", auth.RoleSurveyCreator),
			s:      Survey{OwnerID: "u", TenantID: "t"},
			grants: map[Operation]bool{},
		},
		{
			name:   "empty tenant ids never match",
			p:      principal("u", ""),
			s:      Survey{OwnerID: "u", TenantID: ""},
			grants: map[Operation]bool{},
		},
		{
			name:   "pending request grants nothing",
			p:      principal("u", "x"),
			s:      Survey{TenantID: "t", ContributorRequests: []ContributorRequest{{Email: "u@example.com"}}},
			grants: map[Operation]bool{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, op := range allOperations {
				if got := Evaluate(tc.p, op, tc.s); got != tc.grants[op] {
					t.Fatalf("%s: got %v, want %v (set %s)", op, got, tc.grants[op], Permissions(tc.p, tc.s))
				}
			}
		})
	}
}

func TestUnknownOperationDenied(t *testing.T) {
	p := principal("o", "t", auth.RoleSurveyCreator)
	s := Survey{OwnerID: "o", TenantID: "t", Contributors: []Contributor{{UserID: "o"}}}
	if Evaluate(p, Operation(0), s) || Evaluate(p, Operation(42), s) {
		t.Fatalf("unknown operations must be denied")
	}
}

func TestEvaluateConcurrent(t *testing.T) {
	p := principal("54321", "12345", auth.RoleSurveyCreator)
	s := Survey{OwnerID: "54321", TenantID: "12345"}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !Evaluate(p, OperationPublish, s) {
				t.Errorf("owner publish denied")
			}
		}()
	}
	wg.Wait()
}

func TestAuthorizerRequire(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := NewAuthorizer(zap.New(core))
	p := principal("u", "t")
	s := Survey{ID: "s-1", OwnerID: "o", TenantID: "t"}

	before := testutil.ToFloat64(obs.AuthzDecisions.WithLabelValues("delete", "deny"))
	err := a.Require(p, OperationDelete, s)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if got := testutil.ToFloat64(obs.AuthzDecisions.WithLabelValues("delete", "deny")); got != before+1 {
		t.Fatalf("deny counter not incremented")
	}
	if logs.FilterMessage("survey access denied").Len() != 1 {
		t.Fatalf("expected one denial log entry, got %d", logs.Len())
	}
	if err := a.Require(p, OperationRead, s); err != nil {
		t.Fatalf("reader must be able to read: %v", err)
	}
}

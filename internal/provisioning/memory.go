package provisioning

import (
	"context"
	"sync"
	"time"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/ids"
)

// MemoryTenants is an in-process TenantRepository for single-node setups and tests.
type MemoryTenants struct {
	mu       sync.Mutex
	byIssuer map[string]auth.Tenant
}

func NewMemoryTenants() *MemoryTenants {
	return &MemoryTenants{byIssuer: make(map[string]auth.Tenant)}
}

func (m *MemoryTenants) FindByIssuer(_ context.Context, issuer string) (auth.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byIssuer[issuer]
	if !ok {
		return auth.Tenant{}, auth.ErrNotFound
	}
	return t, nil
}

func (m *MemoryTenants) Create(_ context.Context, issuer string) (auth.Tenant, error) {
	if issuer == "" {
		return auth.Tenant{}, auth.ErrInvalidInput
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.Tenant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIssuer[issuer]; ok {
		return auth.Tenant{}, auth.ErrConflict
	}
	t := auth.Tenant{ID: ids.New(), IssuerValue: issuer, ConcurrencyStamp: stamp, Created: time.Now().UTC()}
	m.byIssuer[issuer] = t
	return t, nil
}

func (m *MemoryTenants) Update(_ context.Context, t auth.Tenant) (auth.Tenant, error) {
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.Tenant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		current   auth.Tenant
		oldIssuer string
	)
	for issuer, existing := range m.byIssuer {
		if existing.ID == t.ID {
			current, oldIssuer = existing, issuer
			break
		}
	}
	if oldIssuer == "" {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if current.ConcurrencyStamp != t.ConcurrencyStamp {
		return auth.Tenant{}, auth.ErrConflict
	}
	if other, ok := m.byIssuer[t.IssuerValue]; ok && other.ID != t.ID {
		return auth.Tenant{}, auth.ErrConflict
	}
	delete(m.byIssuer, oldIssuer)
	current.IssuerValue = t.IssuerValue
	current.ConcurrencyStamp = stamp
	m.byIssuer[current.IssuerValue] = current
	return current, nil
}

// Len reports the number of tenants.
func (m *MemoryTenants) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byIssuer)
}

// MemoryUsers is an in-process UserRepository.
type MemoryUsers struct {
	mu         sync.Mutex
	byObjectID map[string]auth.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byObjectID: make(map[string]auth.User)}
}

func (m *MemoryUsers) FindByObjectID(_ context.Context, objectID string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byObjectID[objectID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (m *MemoryUsers) Create(_ context.Context, tenantID, objectID, displayName, email string) (auth.User, error) {
	if tenantID == "" || objectID == "" {
		return auth.User{}, auth.ErrInvalidInput
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byObjectID[objectID]; ok {
		return auth.User{}, auth.ErrConflict
	}
	u := auth.User{
		ID:               ids.New(),
		ObjectID:         objectID,
		TenantID:         tenantID,
		DisplayName:      displayName,
		Email:            email,
		ConcurrencyStamp: stamp,
		Created:          time.Now().UTC(),
	}
	m.byObjectID[objectID] = u
	return u, nil
}

func (m *MemoryUsers) Update(_ context.Context, u auth.User) (auth.User, error) {
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byObjectID[u.ObjectID]
	if !ok || current.ID != u.ID {
		return auth.User{}, auth.ErrNotFound
	}
	if current.ConcurrencyStamp != u.ConcurrencyStamp {
		return auth.User{}, auth.ErrConflict
	}
	current.DisplayName = u.DisplayName
	current.Email = u.Email
	current.ConcurrencyStamp = stamp
	m.byObjectID[u.ObjectID] = current
	return current, nil
}

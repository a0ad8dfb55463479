package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/google/uuid"
)

// DefinitionStore is an in-memory definition store.
type DefinitionStore struct {
	mu     sync.RWMutex
	fields map[uuid.UUID]*field.CalculatedField
}

// NewDefinitionStore creates a store seeded with fields.
func NewDefinitionStore(fields ...*field.CalculatedField) *DefinitionStore {
	s := &DefinitionStore{fields: make(map[uuid.UUID]*field.CalculatedField)}
	for _, cf := range fields {
		s.fields[cf.ID] = cf.Clone()
	}
	return s
}

func (s *DefinitionStore) Save(_ context.Context, cf *field.CalculatedField) (*field.CalculatedField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := cf.Clone()
	if prev, ok := s.fields[cf.ID]; ok {
		saved.Version = prev.Version + 1
	} else {
		saved.Version = 1
	}
	saved.UpdatedAt = time.Now().UTC()
	s.fields[cf.ID] = saved
	return saved.Clone(), nil
}

func (s *DefinitionStore) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf, ok := s.fields[id]
	if !ok || cf.TenantID != tenantID {
		return field.ErrNotFound
	}
	delete(s.fields, id)
	return nil
}

func (s *DefinitionStore) FindByID(_ context.Context, tenantID, id uuid.UUID) (*field.CalculatedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cf, ok := s.fields[id]
	if !ok || cf.TenantID != tenantID {
		return nil, field.ErrNotFound
	}
	return cf.Clone(), nil
}

func (s *DefinitionStore) ListByTenant(_ context.Context, tenantID uuid.UUID, offset, limit int) ([]*field.CalculatedField, error) {
	s.mu.RLock()
	var all []*field.CalculatedField
	for _, cf := range s.fields {
		if cf.TenantID == tenantID {
			all = append(all, cf.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (s *DefinitionStore) ListTenants(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, cf := range s.fields {
		if _, ok := seen[cf.TenantID]; !ok {
			seen[cf.TenantID] = struct{}{}
			out = append(out, cf.TenantID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

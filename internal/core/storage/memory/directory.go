package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

type relationKey struct {
	tenant uuid.UUID
	rel    entity.Relation
}

// Directory is an in-memory entity directory and relation graph.
type Directory struct {
	mu        sync.RWMutex
	infos     map[uuid.UUID]map[entity.ID]entity.Info
	relations map[relationKey]struct{}
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		infos:     make(map[uuid.UUID]map[entity.ID]entity.Info),
		relations: make(map[relationKey]struct{}),
	}
}

func (d *Directory) SaveEntity(_ context.Context, tenantID uuid.UUID, info entity.Info) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.infos[tenantID] == nil {
		d.infos[tenantID] = make(map[entity.ID]entity.Info)
	}
	d.infos[tenantID][info.ID] = info
	return nil
}

func (d *Directory) DeleteEntity(_ context.Context, tenantID uuid.UUID, id entity.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.infos[tenantID], id)
	for k := range d.relations {
		if k.tenant == tenantID && (k.rel.From == id || k.rel.To == id) {
			delete(d.relations, k)
		}
	}
	return nil
}

func (d *Directory) SaveRelation(_ context.Context, tenantID uuid.UUID, rel entity.Relation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relations[relationKey{tenant: tenantID, rel: rel}] = struct{}{}
	return nil
}

func (d *Directory) DeleteRelation(_ context.Context, tenantID uuid.UUID, rel entity.Relation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.relations, relationKey{tenant: tenantID, rel: rel})
	return nil
}

func (d *Directory) FindInfo(_ context.Context, tenantID uuid.UUID, id entity.ID) (entity.Info, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.infos[tenantID][id]
	if !ok {
		return entity.Info{}, storage.ErrNotFound
	}
	return info, nil
}

func (d *Directory) ListEntities(_ context.Context, tenantID uuid.UUID, offset, limit int) ([]entity.Info, error) {
	d.mu.RLock()
	all := make([]entity.Info, 0, len(d.infos[tenantID]))
	for _, info := range d.infos[tenantID] {
		all = append(all, info)
	}
	d.mu.RUnlock()

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

func (d *Directory) FindRelated(_ context.Context, tenantID uuid.UUID, id entity.ID, direction entity.Direction, relationType string) ([]entity.ID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []entity.ID
	for k := range d.relations {
		if k.tenant != tenantID || (relationType != "" && k.rel.Type != relationType) {
			continue
		}
		target, source := k.rel.Ends(direction)
		if target == id {
			out = append(out, source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

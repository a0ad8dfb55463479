package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a state, definition or entity does not exist.
var ErrNotFound = errors.New("not found")

// StateKey identifies the state of one calculated field on one entity.
type StateKey struct {
	TenantID uuid.UUID
	Entity   entity.ID
	FieldID  uuid.UUID
}

func (k StateKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.Entity, k.FieldID)
}

// StateStore persists calculation states. Mutations report through a callback
// and complete before the call returns, so writes for one key stay ordered.
type StateStore interface {
	// Fetch returns ErrNotFound when no state was persisted for key.
	Fetch(ctx context.Context, key StateKey) (*state.State, error)
	Persist(ctx context.Context, key StateKey, st *state.State, cb quorum.Callback)
	Remove(ctx context.Context, key StateKey, cb quorum.Callback)
	// List streams every persisted state of a tenant.
	List(ctx context.Context, tenantID uuid.UUID, fn func(StateKey, *state.State) error) error
}

// Order is the timestamp ordering of a series query.
type Order string

const (
	Asc  Order = "ASC"
	Desc Order = "DESC"
)

// TelemetryStore reads time series and attributes.
type TelemetryStore interface {
	// FindSeries returns samples with startTs <= ts <= endTs, ordered by ts.
	FindSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID, key string, startTs, endTs int64, limit int, order Order) ([]kv.Entry, error)
	FindLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, keys []string) ([]kv.Entry, error)
	// FindAttributes reads attributes of one scope; an empty scope reads every scope.
	FindAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) ([]kv.Entry, error)
}

// TelemetryWriter stores incoming telemetry before the engine is notified.
type TelemetryWriter interface {
	SaveSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID, entries []kv.Entry) error
	SaveAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, entries []kv.Entry) error
	DeleteLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, keys []string) error
	DeleteAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) error
}

// DefinitionStore reads calculated field definitions.
type DefinitionStore interface {
	// FindByID returns field.ErrNotFound when the definition does not exist.
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*field.CalculatedField, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]*field.CalculatedField, error)
	ListTenants(ctx context.Context) ([]uuid.UUID, error)
}

// DefinitionWriter stores definitions submitted through the API.
type DefinitionWriter interface {
	// Save inserts or replaces a definition and returns it with its new version.
	Save(ctx context.Context, cf *field.CalculatedField) (*field.CalculatedField, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// Directory answers entity profile, owner and relation queries.
type Directory interface {
	// FindInfo returns ErrNotFound for unknown entities.
	FindInfo(ctx context.Context, tenantID uuid.UUID, id entity.ID) (entity.Info, error)
	ListEntities(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]entity.Info, error)
	// FindRelated follows relations of relationType from id in direction and returns the entities reached.
	FindRelated(ctx context.Context, tenantID uuid.UUID, id entity.ID, direction entity.Direction, relationType string) ([]entity.ID, error)
}

// DirectoryWriter maintains the directory.
type DirectoryWriter interface {
	SaveEntity(ctx context.Context, tenantID uuid.UUID, info entity.Info) error
	DeleteEntity(ctx context.Context, tenantID uuid.UUID, id entity.ID) error
	SaveRelation(ctx context.Context, tenantID uuid.UUID, rel entity.Relation) error
	DeleteRelation(ctx context.Context, tenantID uuid.UUID, rel entity.Relation) error
}

// maxPages caps paged scans so a store that never returns a short page cannot loop forever.
const maxPages = 100000

// ForEachField pages through a tenant's definitions.
func ForEachField(ctx context.Context, store DefinitionStore, tenantID uuid.UUID, pageSize int, fn func(*field.CalculatedField) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	for page, offset := 0, 0; page < maxPages; page++ {
		fields, err := store.ListByTenant(ctx, tenantID, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list calculated fields (offset %d): %w", offset, err)
		}
		for _, cf := range fields {
			if err := fn(cf); err != nil {
				return err
			}
		}
		if len(fields) < pageSize {
			return nil
		}
		offset += len(fields)
	}
	return fmt.Errorf("list calculated fields: exceeded %d pages", maxPages)
}

// ForEachEntity pages through a tenant's directory entries.
func ForEachEntity(ctx context.Context, dir Directory, tenantID uuid.UUID, pageSize int, fn func(entity.Info) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	for page, offset := 0, 0; page < maxPages; page++ {
		infos, err := dir.ListEntities(ctx, tenantID, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list entities (offset %d): %w", offset, err)
		}
		for _, info := range infos {
			if err := fn(info); err != nil {
				return err
			}
		}
		if len(infos) < pageSize {
			return nil
		}
		offset += len(infos)
	}
	return fmt.Errorf("list entities: exceeded %d pages", maxPages)
}

// SeedDefinitions stores every definition of src that dst does not have yet. Definitions
// already in dst are left untouched so changes made through the API survive restarts.
func SeedDefinitions(ctx context.Context, src DefinitionStore, dst DefinitionStore, writer DefinitionWriter, pageSize int) (int, error) {
	tenants, err := src.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list seed tenants: %w", err)
	}
	seeded := 0
	for _, tenantID := range tenants {
		err := ForEachField(ctx, src, tenantID, pageSize, func(cf *field.CalculatedField) error {
			_, err := dst.FindByID(ctx, tenantID, cf.ID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, field.ErrNotFound) {
				return fmt.Errorf("check calculated field %s: %w", cf.ID, err)
			}
			if _, err := writer.Save(ctx, cf); err != nil {
				return fmt.Errorf("seed calculated field %s: %w", cf.ID, err)
			}
			seeded++
			return nil
		})
		if err != nil {
			return seeded, err
		}
	}
	return seeded, nil
}

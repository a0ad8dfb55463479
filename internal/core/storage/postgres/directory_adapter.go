package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

// DirectoryAdapter implements storage.Directory and storage.DirectoryWriter.
type DirectoryAdapter struct {
	db *sql.DB
}

func NewDirectoryAdapter(db *sql.DB) *DirectoryAdapter {
	return &DirectoryAdapter{db: db}
}

func (a *DirectoryAdapter) FindInfo(ctx context.Context, tenantID uuid.UUID, id entity.ID) (entity.Info, error) {
	info, err := scanInfo(a.db.QueryRowContext(ctx, queryFindEntity, tenantID, string(id.Type), id.UUID))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Info{}, storage.ErrNotFound
	}
	if err != nil {
		return entity.Info{}, fmt.Errorf("failed to load entity %s: %w", id, err)
	}
	return info, nil
}

func (a *DirectoryAdapter) ListEntities(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]entity.Info, error) {
	rows, err := a.db.QueryContext(ctx, queryListEntities, tenantID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []entity.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

func (a *DirectoryAdapter) FindRelated(ctx context.Context, tenantID uuid.UUID, id entity.ID, direction entity.Direction, relationType string) ([]entity.ID, error) {
	query := queryRelatedFrom
	if direction == entity.To {
		query = queryRelatedTo
	}
	rows, err := a.db.QueryContext(ctx, query, tenantID, string(id.Type), id.UUID, relationType)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations of %s: %w", id, err)
	}
	defer rows.Close()

	var out []entity.ID
	for rows.Next() {
		var (
			t string
			u uuid.UUID
		)
		if err := rows.Scan(&t, &u); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out = append(out, entity.New(entity.Type(t), u))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}
	return out, nil
}

func (a *DirectoryAdapter) SaveEntity(ctx context.Context, tenantID uuid.UUID, info entity.Info) error {
	profileType, profileID := nullableRef(info.ProfileID)
	ownerType, ownerID := nullableRef(info.OwnerID)
	_, err := a.db.ExecContext(ctx, queryUpsertEntity,
		tenantID,
		string(info.ID.Type),
		info.ID.UUID,
		profileType,
		profileID,
		ownerType,
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", info.ID, err)
	}
	return nil
}

func (a *DirectoryAdapter) DeleteEntity(ctx context.Context, tenantID uuid.UUID, id entity.ID) error {
	if _, err := a.db.ExecContext(ctx, queryDeleteEntity, tenantID, string(id.Type), id.UUID); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

func (a *DirectoryAdapter) SaveRelation(ctx context.Context, tenantID uuid.UUID, rel entity.Relation) error {
	_, err := a.db.ExecContext(ctx, queryInsertRelation,
		tenantID,
		string(rel.From.Type), rel.From.UUID,
		string(rel.To.Type), rel.To.UUID,
		rel.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to save relation %s -[%s]-> %s: %w", rel.From, rel.Type, rel.To, err)
	}
	return nil
}

func (a *DirectoryAdapter) DeleteRelation(ctx context.Context, tenantID uuid.UUID, rel entity.Relation) error {
	_, err := a.db.ExecContext(ctx, queryDeleteRelation,
		tenantID,
		string(rel.From.Type), rel.From.UUID,
		string(rel.To.Type), rel.To.UUID,
		rel.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to delete relation %s -[%s]-> %s: %w", rel.From, rel.Type, rel.To, err)
	}
	return nil
}

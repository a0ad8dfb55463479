package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/google/uuid"
)

// DefinitionAdapter implements storage.DefinitionStore and storage.DefinitionWriter.
// Definitions are stored as their field.Document JSON form.
type DefinitionAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewDefinitionAdapter(db *sql.DB) *DefinitionAdapter {
	return &DefinitionAdapter{db: db, now: time.Now}
}

func scanField(row scanner) (*field.CalculatedField, error) {
	var (
		raw       []byte
		version   int64
		updatedAt time.Time
	)
	if err := row.Scan(&raw, &version, &updatedAt); err != nil {
		return nil, err
	}
	var doc field.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	cf, err := doc.ToField()
	if err != nil {
		return nil, err
	}
	cf.Version = version
	cf.UpdatedAt = updatedAt
	return cf, nil
}

func (a *DefinitionAdapter) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*field.CalculatedField, error) {
	cf, err := scanField(a.db.QueryRowContext(ctx, queryFindField, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, field.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calculated field %s: %w", id, err)
	}
	return cf, nil
}

// ListByTenant returns one page of definitions. A stored definition that no longer
// converts fails the page so the caller can log and decide.
func (a *DefinitionAdapter) ListByTenant(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]*field.CalculatedField, error) {
	rows, err := a.db.QueryContext(ctx, queryListFields, tenantID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calculated fields: %w", err)
	}
	defer rows.Close()

	var out []*field.CalculatedField
	for rows.Next() {
		cf, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calculated field: %w", err)
		}
		out = append(out, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calculated fields: %w", err)
	}
	return out, nil
}

func (a *DefinitionAdapter) ListTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := a.db.QueryContext(ctx, queryListTenants)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return out, nil
}

// Save upserts cf and returns it with the version assigned by the database.
func (a *DefinitionAdapter) Save(ctx context.Context, cf *field.CalculatedField) (*field.CalculatedField, error) {
	raw, err := json.Marshal(field.NewDocument(cf))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	saved := cf.Clone()
	saved.UpdatedAt = a.now().UTC()
	err = a.db.QueryRowContext(ctx, querySaveField,
		cf.TenantID,
		cf.ID,
		string(cf.EntityID.Type),
		cf.EntityID.UUID,
		cf.Name,
		raw,
		saved.UpdatedAt,
	).Scan(&saved.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to save calculated field %s: %w", cf.ID, err)
	}
	return saved, nil
}

func (a *DefinitionAdapter) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := a.db.ExecContext(ctx, queryDeleteField, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete calculated field %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return field.ErrNotFound
	}
	return nil
}

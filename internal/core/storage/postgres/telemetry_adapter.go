package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TelemetryAdapter implements storage.TelemetryStore and storage.TelemetryWriter.
type TelemetryAdapter struct {
	db *sql.DB
}

func NewTelemetryAdapter(db *sql.DB) *TelemetryAdapter {
	return &TelemetryAdapter{db: db}
}

func (a *TelemetryAdapter) FindSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID, key string, startTs, endTs int64, limit int, order storage.Order) ([]kv.Entry, error) {
	query := querySeriesAsc
	if order == storage.Desc {
		query = querySeriesDesc
	}
	rows, err := a.db.QueryContext(ctx, query, tenantID, string(id.Type), id.UUID, key, startTs, endTs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query series %q of %s: %w", key, id, err)
	}
	return scanEntries(rows)
}

func (a *TelemetryAdapter) FindLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, keys []string) ([]kv.Entry, error) {
	rows, err := a.db.QueryContext(ctx, queryLatest, tenantID, string(id.Type), id.UUID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest of %s: %w", id, err)
	}
	return scanEntries(rows)
}

func (a *TelemetryAdapter) FindAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) ([]kv.Entry, error) {
	rows, err := a.db.QueryContext(ctx, queryAttributes, tenantID, string(id.Type), id.UUID, scope, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to query attributes of %s: %w", id, err)
	}
	return scanEntries(rows)
}

// SaveSeries writes the samples and advances the latest values in one transaction.
func (a *TelemetryAdapter) SaveSeries(ctx context.Context, tenantID uuid.UUID, id entity.ID, entries []kv.Entry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin series transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		value, err := marshalValue(e.Value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryInsertSeries, tenantID, string(id.Type), id.UUID, e.Key, e.Ts, value); err != nil {
			return fmt.Errorf("failed to insert %q of %s: %w", e.Key, id, err)
		}
		if _, err := tx.ExecContext(ctx, queryUpsertLatest, tenantID, string(id.Type), id.UUID, e.Key, e.Ts, value); err != nil {
			return fmt.Errorf("failed to update latest %q of %s: %w", e.Key, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit series: %w", err)
	}
	return nil
}

func (a *TelemetryAdapter) SaveAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, entries []kv.Entry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attribute transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		value, err := marshalValue(e.Value)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryUpsertAttribute, tenantID, string(id.Type), id.UUID, scope, e.Key, e.Ts, value); err != nil {
			return fmt.Errorf("failed to save attribute %q of %s: %w", e.Key, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attributes: %w", err)
	}
	return nil
}

func (a *TelemetryAdapter) DeleteLatest(ctx context.Context, tenantID uuid.UUID, id entity.ID, keys []string) error {
	if _, err := a.db.ExecContext(ctx, queryDeleteLatest, tenantID, string(id.Type), id.UUID, pq.Array(keys)); err != nil {
		return fmt.Errorf("failed to delete latest of %s: %w", id, err)
	}
	return nil
}

func (a *TelemetryAdapter) DeleteAttributes(ctx context.Context, tenantID uuid.UUID, id entity.ID, scope string, keys []string) error {
	if _, err := a.db.ExecContext(ctx, queryDeleteAttributes, tenantID, string(id.Type), id.UUID, scope, pq.Array(keys)); err != nil {
		return fmt.Errorf("failed to delete attributes of %s: %w", id, err)
	}
	return nil
}

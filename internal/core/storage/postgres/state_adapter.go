package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

// StateAdapter implements storage.StateStore for PostgreSQL. States are stored in
// their protobuf encoding.
type StateAdapter struct {
	db          *sql.DB
	stmtFetch   *sql.Stmt
	stmtPersist *sql.Stmt
	stmtRemove  *sql.Stmt
	now         func() time.Time
}

// NewStateAdapter prepares the state statements on db.
func NewStateAdapter(db *sql.DB) (*StateAdapter, error) {
	stmtFetch, err := db.Prepare(queryFetchState)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare fetchState statement: %w", err)
	}
	stmtPersist, err := db.Prepare(queryPersistState)
	if err != nil {
		stmtFetch.Close()
		return nil, fmt.Errorf("failed to prepare persistState statement: %w", err)
	}
	stmtRemove, err := db.Prepare(queryRemoveState)
	if err != nil {
		stmtFetch.Close()
		stmtPersist.Close()
		return nil, fmt.Errorf("failed to prepare removeState statement: %w", err)
	}
	return &StateAdapter{
		db:          db,
		stmtFetch:   stmtFetch,
		stmtPersist: stmtPersist,
		stmtRemove:  stmtRemove,
		now:         time.Now,
	}, nil
}

func (a *StateAdapter) Fetch(ctx context.Context, key storage.StateKey) (*state.State, error) {
	var data []byte
	err := a.stmtFetch.QueryRowContext(ctx, key.TenantID, string(key.Entity.Type), key.Entity.UUID, key.FieldID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state %s: %w", key, err)
	}
	st, err := state.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", key, err)
	}
	return st, nil
}

func (a *StateAdapter) Persist(ctx context.Context, key storage.StateKey, st *state.State, cb quorum.Callback) {
	data, err := st.Marshal()
	if err != nil {
		cb.OnFailure(fmt.Errorf("failed to encode state %s: %w", key, err))
		return
	}
	_, err = a.stmtPersist.ExecContext(ctx,
		key.TenantID,
		string(key.Entity.Type),
		key.Entity.UUID,
		key.FieldID,
		data,
		len(data),
		a.now().UTC(),
	)
	if err != nil {
		cb.OnFailure(fmt.Errorf("failed to persist state %s: %w", key, err))
		return
	}
	cb.OnSuccess()
}

func (a *StateAdapter) Remove(ctx context.Context, key storage.StateKey, cb quorum.Callback) {
	if _, err := a.stmtRemove.ExecContext(ctx, key.TenantID, string(key.Entity.Type), key.Entity.UUID, key.FieldID); err != nil {
		cb.OnFailure(fmt.Errorf("failed to remove state %s: %w", key, err))
		return
	}
	cb.OnSuccess()
}

// List streams every state of a tenant. A state that no longer decodes is logged and skipped.
func (a *StateAdapter) List(ctx context.Context, tenantID uuid.UUID, fn func(storage.StateKey, *state.State) error) error {
	rows, err := a.db.QueryContext(ctx, queryListStates, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entityType string
			entityID   uuid.UUID
			fieldID    uuid.UUID
			data       []byte
		)
		if err := rows.Scan(&entityType, &entityID, &fieldID, &data); err != nil {
			return fmt.Errorf("failed to scan state row: %w", err)
		}
		key := storage.StateKey{TenantID: tenantID, Entity: entity.New(entity.Type(entityType), entityID), FieldID: fieldID}
		st, err := state.Unmarshal(data)
		if err != nil {
			slog.Warn("[Postgres] Skipping undecodable state", "key", key.String(), "error", err)
			continue
		}
		if err := fn(key, st); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating states: %w", err)
	}
	return nil
}

// Close closes the prepared statements. The shared *sql.DB is closed by its owner.
func (a *StateAdapter) Close() error {
	return errors.Join(a.stmtFetch.Close(), a.stmtPersist.Close(), a.stmtRemove.Close())
}

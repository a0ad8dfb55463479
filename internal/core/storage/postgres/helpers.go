package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/google/uuid"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// marshalValue encodes a telemetry value for a jsonb column.
func marshalValue(v any) ([]byte, error) {
	data, err := json.Marshal(kv.Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

// scanEntry scans a (key, ts, value) row.
func scanEntry(row scanner) (kv.Entry, error) {
	var (
		e   kv.Entry
		raw []byte
	)
	if err := row.Scan(&e.Key, &e.Ts, &raw); err != nil {
		return kv.Entry{}, fmt.Errorf("failed to scan telemetry row: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			return kv.Entry{}, fmt.Errorf("failed to unmarshal value of %q: %w", e.Key, err)
		}
	}
	e.Value = kv.Normalize(e.Value)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]kv.Entry, error) {
	defer rows.Close()
	var out []kv.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating telemetry: %w", err)
	}
	return out, nil
}

// nullableRef splits an optional entity reference into nullable columns.
func nullableRef(id entity.ID) (sql.NullString, uuid.NullUUID) {
	if id.IsZero() {
		return sql.NullString{}, uuid.NullUUID{}
	}
	return sql.NullString{String: string(id.Type), Valid: true}, uuid.NullUUID{UUID: id.UUID, Valid: true}
}

func refFromColumns(t sql.NullString, id uuid.NullUUID) entity.ID {
	if !t.Valid || !id.Valid {
		return entity.ID{}
	}
	return entity.New(entity.Type(t.String), id.UUID)
}

func scanInfo(row scanner) (entity.Info, error) {
	var (
		info                   entity.Info
		entityType             string
		entityID               uuid.UUID
		profileType, ownerType sql.NullString
		profileID, ownerID     uuid.NullUUID
	)
	if err := row.Scan(&entityType, &entityID, &profileType, &profileID, &ownerType, &ownerID); err != nil {
		return entity.Info{}, err
	}
	info.ID = entity.New(entity.Type(entityType), entityID)
	info.ProfileID = refFromColumns(profileType, profileID)
	info.OwnerID = refFromColumns(ownerType, ownerID)
	return info, nil
}

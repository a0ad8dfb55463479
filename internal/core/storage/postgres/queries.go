package postgres

// SQL for the calculated-field engine tables. Entity references are stored as
// (type, uuid) column pairs.

const (
	queryValidateSchema = `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_name = ANY($1)
	`

	// queryFetchState reads one persisted calculation state.
	queryFetchState = `
		SELECT state
		FROM calculation_states
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND field_id = $4
	`

	// queryPersistState upserts the encoded state; size_bytes is kept for operators.
	queryPersistState = `
		INSERT INTO calculation_states (
			tenant_id, entity_type, entity_id, field_id, state, size_bytes, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, entity_id, field_id)
		DO UPDATE SET
			state      = EXCLUDED.state,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at
	`

	queryRemoveState = `
		DELETE FROM calculation_states
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND field_id = $4
	`

	queryListStates = `
		SELECT entity_type, entity_id, field_id, state
		FROM calculation_states
		WHERE tenant_id = $1
		ORDER BY entity_type, entity_id, field_id
	`

	querySeriesAsc = `
		SELECT key, ts, value
		FROM ts_kv
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND key = $4
		  AND ts >= $5 AND ts <= $6
		ORDER BY ts ASC
		LIMIT $7
	`

	querySeriesDesc = `
		SELECT key, ts, value
		FROM ts_kv
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND key = $4
		  AND ts >= $5 AND ts <= $6
		ORDER BY ts DESC
		LIMIT $7
	`

	queryLatest = `
		SELECT key, ts, value
		FROM ts_kv_latest
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND key = ANY($4)
		ORDER BY key
	`

	// queryAttributes reads one scope, or every scope when $4 is empty.
	queryAttributes = `
		SELECT key, ts, value
		FROM attribute_kv
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND ($4 = '' OR scope = $4)
		  AND key = ANY($5)
		ORDER BY ts DESC
	`

	queryInsertSeries = `
		INSERT INTO ts_kv (tenant_id, entity_type, entity_id, key, ts, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, entity_type, entity_id, key, ts)
		DO UPDATE SET value = EXCLUDED.value
	`

	// queryUpsertLatest never moves the latest value backwards in time.
	queryUpsertLatest = `
		INSERT INTO ts_kv_latest (tenant_id, entity_type, entity_id, key, ts, value)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, entity_type, entity_id, key)
		DO UPDATE SET ts = EXCLUDED.ts, value = EXCLUDED.value
		WHERE ts_kv_latest.ts <= EXCLUDED.ts
	`

	queryDeleteLatest = `
		DELETE FROM ts_kv_latest
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND key = ANY($4)
	`

	queryUpsertAttribute = `
		INSERT INTO attribute_kv (tenant_id, entity_type, entity_id, scope, key, ts, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, entity_id, scope, key)
		DO UPDATE SET ts = EXCLUDED.ts, value = EXCLUDED.value
	`

	queryDeleteAttributes = `
		DELETE FROM attribute_kv
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND scope = $4 AND key = ANY($5)
	`

	queryFindField = `
		SELECT definition, version, updated_at
		FROM calculated_fields
		WHERE tenant_id = $1 AND id = $2
	`

	queryListFields = `
		SELECT definition, version, updated_at
		FROM calculated_fields
		WHERE tenant_id = $1
		ORDER BY id
		OFFSET $2
		LIMIT $3
	`

	queryListTenants = `
		SELECT DISTINCT tenant_id
		FROM calculated_fields
		ORDER BY tenant_id
	`

	// querySaveField bumps the version on every write and returns it.
	querySaveField = `
		INSERT INTO calculated_fields (
			tenant_id, id, entity_type, entity_id, name, definition, version, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			entity_id   = EXCLUDED.entity_id,
			name        = EXCLUDED.name,
			definition  = EXCLUDED.definition,
			version     = calculated_fields.version + 1,
			updated_at  = EXCLUDED.updated_at
		RETURNING version
	`

	queryDeleteField = `DELETE FROM calculated_fields WHERE tenant_id = $1 AND id = $2`

	queryFindEntity = `
		SELECT entity_type, entity_id, profile_type, profile_id, owner_type, owner_id
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
	`

	queryListEntities = `
		SELECT entity_type, entity_id, profile_type, profile_id, owner_type, owner_id
		FROM entities
		WHERE tenant_id = $1
		ORDER BY entity_type, entity_id
		OFFSET $2
		LIMIT $3
	`

	queryUpsertEntity = `
		INSERT INTO entities (tenant_id, entity_type, entity_id, profile_type, profile_id, owner_type, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, entity_id)
		DO UPDATE SET
			profile_type = EXCLUDED.profile_type,
			profile_id   = EXCLUDED.profile_id,
			owner_type   = EXCLUDED.owner_type,
			owner_id     = EXCLUDED.owner_id
	`

	queryDeleteEntity = `DELETE FROM entities WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`

	// queryRelatedFrom follows relations whose from side is the given entity.
	queryRelatedFrom = `
		SELECT to_type, to_id
		FROM relations
		WHERE tenant_id = $1 AND from_type = $2 AND from_id = $3
		  AND ($4 = '' OR relation_type = $4)
		ORDER BY to_type, to_id
	`

	// queryRelatedTo follows relations whose to side is the given entity.
	queryRelatedTo = `
		SELECT from_type, from_id
		FROM relations
		WHERE tenant_id = $1 AND to_type = $2 AND to_id = $3
		  AND ($4 = '' OR relation_type = $4)
		ORDER BY from_type, from_id
	`

	queryInsertRelation = `
		INSERT INTO relations (tenant_id, from_type, from_id, to_type, to_id, relation_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`

	queryDeleteRelation = `
		DELETE FROM relations
		WHERE tenant_id = $1 AND from_type = $2 AND from_id = $3
		  AND to_type = $4 AND to_id = $5 AND relation_type = $6
	`
)

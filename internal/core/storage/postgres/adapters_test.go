package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryAdapter_FindSeries(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())

	tests := []struct {
		name  string
		order storage.Order
		query string
	}{
		{name: "ascending", order: storage.Asc, query: querySeriesAsc},
		{name: "descending", order: storage.Desc, query: querySeriesDesc},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectQuery(regexp.QuoteMeta(tc.query)).
				WithArgs(tenant, string(dev.Type), dev.UUID, "temp", int64(0), int64(100), 10).
				WillReturnRows(sqlmock.NewRows([]string{"key", "ts", "value"}).
					AddRow("temp", int64(10), []byte(`21.5`)).
					AddRow("temp", int64(20), []byte(`"warm"`)))

			adapter := NewTelemetryAdapter(db)
			got, err := adapter.FindSeries(context.Background(), tenant, dev, "temp", 0, 100, 10, tc.order)
			require.NoError(t, err)
			require.Equal(t, []kv.Entry{
				{Key: "temp", Ts: 10, Value: 21.5},
				{Key: "temp", Ts: 20, Value: "warm"},
			}, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTelemetryAdapter_FindAttributes(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	keys := []string{"limit", "enabled"}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryAttributes)).
		WithArgs(tenant, string(dev.Type), dev.UUID, "SERVER_SCOPE", pq.Array(keys)).
		WillReturnRows(sqlmock.NewRows([]string{"key", "ts", "value"}).
			AddRow("enabled", int64(5), []byte(`true`)).
			AddRow("limit", int64(4), nil))

	got, err := NewTelemetryAdapter(db).FindAttributes(context.Background(), tenant, dev, "SERVER_SCOPE", keys)
	require.NoError(t, err)
	require.Equal(t, []kv.Entry{
		{Key: "enabled", Ts: 5, Value: true},
		{Key: "limit", Ts: 4, Value: nil},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemetryAdapter_SaveSeries(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	entries := []kv.Entry{{Key: "x", Ts: 1000, Value: 5}}

	t.Run("commits sample and latest value", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(queryInsertSeries)).
			WithArgs(tenant, string(dev.Type), dev.UUID, "x", int64(1000), []byte(`5`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(queryUpsertLatest)).
			WithArgs(tenant, string(dev.Type), dev.UUID, "x", int64(1000), []byte(`5`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, NewTelemetryAdapter(db).SaveSeries(context.Background(), tenant, dev, entries))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(queryInsertSeries)).
			WillReturnError(errors.New("constraint violation"))
		mock.ExpectRollback()

		err = NewTelemetryAdapter(db).SaveSeries(context.Background(), tenant, dev, entries)
		require.ErrorContains(t, err, "failed to insert")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTelemetryAdapter_DeleteLatest(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryDeleteLatest)).
		WithArgs(tenant, string(dev.Type), dev.UUID, pq.Array([]string{"y"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewTelemetryAdapter(db).DeleteLatest(context.Background(), tenant, dev, []string{"y"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionAdapter_FindByID(t *testing.T) {
	cf := testDefinition()
	raw, err := json.Marshal(field.NewDocument(cf))
	require.NoError(t, err)
	updated := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name       string
		mockResult func(mock sqlmock.Sqlmock)
		assertions func(t *testing.T, got *field.CalculatedField, err error)
	}{
		{
			name: "decodes the definition column",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryFindField)).
					WithArgs(cf.TenantID, cf.ID).
					WillReturnRows(sqlmock.NewRows([]string{"definition", "version", "updated_at"}).
						AddRow(raw, int64(3), updated))
			},
			assertions: func(t *testing.T, got *field.CalculatedField, err error) {
				require.NoError(t, err)
				assert.Equal(t, cf.ID, got.ID)
				assert.Equal(t, cf.EntityID, got.EntityID)
				assert.Equal(t, "x + 1", got.Expression)
				assert.Equal(t, int64(3), got.Version)
				assert.Equal(t, updated, got.UpdatedAt)
			},
		},
		{
			name: "missing row maps to field.ErrNotFound",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryFindField)).
					WithArgs(cf.TenantID, cf.ID).
					WillReturnRows(sqlmock.NewRows([]string{"definition", "version", "updated_at"}))
			},
			assertions: func(t *testing.T, got *field.CalculatedField, err error) {
				require.ErrorIs(t, err, field.ErrNotFound)
			},
		},
		{
			name: "corrupt definition is reported",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(queryFindField)).
					WithArgs(cf.TenantID, cf.ID).
					WillReturnRows(sqlmock.NewRows([]string{"definition", "version", "updated_at"}).
						AddRow([]byte(`{"id":"nope"}`), int64(1), updated))
			},
			assertions: func(t *testing.T, got *field.CalculatedField, err error) {
				require.ErrorContains(t, err, "invalid id")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tc.mockResult(mock)
			got, err := NewDefinitionAdapter(db).FindByID(context.Background(), cf.TenantID, cf.ID)
			tc.assertions(t, got, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDefinitionAdapter_Save(t *testing.T) {
	cf := testDefinition()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(querySaveField)).
		WithArgs(cf.TenantID, cf.ID, string(cf.EntityID.Type), cf.EntityID.UUID, cf.Name, sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	adapter := NewDefinitionAdapter(db)
	adapter.now = func() time.Time { return now }

	saved, err := adapter.Save(context.Background(), cf)
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.Version)
	require.Equal(t, now, saved.UpdatedAt)
	require.Zero(t, cf.Version, "input definition must not be mutated")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionAdapter_DeleteMissing(t *testing.T) {
	cf := testDefinition()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryDeleteField)).
		WithArgs(cf.TenantID, cf.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewDefinitionAdapter(db).Delete(context.Background(), cf.TenantID, cf.ID)
	require.ErrorIs(t, err, field.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionAdapter_ListTenants(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryListTenants)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(a.String()).AddRow(b.String()))

	got, err := NewDefinitionAdapter(db).ListTenants(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryAdapter_FindInfo(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	profile := entity.New(entity.DeviceProfile, uuid.New())
	columns := []string{"entity_type", "entity_id", "profile_type", "profile_id", "owner_type", "owner_id"}

	t.Run("nullable owner", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(queryFindEntity)).
			WithArgs(tenant, string(dev.Type), dev.UUID).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(string(dev.Type), dev.UUID.String(), string(profile.Type), profile.UUID.String(), nil, nil))

		info, err := NewDirectoryAdapter(db).FindInfo(context.Background(), tenant, dev)
		require.NoError(t, err)
		require.Equal(t, entity.Info{ID: dev, ProfileID: profile}, info)
		require.True(t, info.OwnerID.IsZero())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown entity", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(queryFindEntity)).
			WithArgs(tenant, string(dev.Type), dev.UUID).
			WillReturnRows(sqlmock.NewRows(columns))

		_, err = NewDirectoryAdapter(db).FindInfo(context.Background(), tenant, dev)
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDirectoryAdapter_FindRelated(t *testing.T) {
	tenant := uuid.New()
	asset := entity.New(entity.Asset, uuid.New())
	dev := entity.New(entity.Device, uuid.New())

	tests := []struct {
		name      string
		direction entity.Direction
		query     string
	}{
		{name: "from", direction: entity.From, query: queryRelatedFrom},
		{name: "to", direction: entity.To, query: queryRelatedTo},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectQuery(regexp.QuoteMeta(tc.query)).
				WithArgs(tenant, string(asset.Type), asset.UUID, "Contains").
				WillReturnRows(sqlmock.NewRows([]string{"type", "id"}).AddRow(string(dev.Type), dev.UUID.String()))

			got, err := NewDirectoryAdapter(db).FindRelated(context.Background(), tenant, asset, tc.direction, "Contains")
			require.NoError(t, err)
			require.Equal(t, []entity.ID{dev}, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDirectoryAdapter_SaveEntity(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	owner := entity.New(entity.Customer, uuid.New())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryUpsertEntity)).
		WithArgs(tenant, string(dev.Type), dev.UUID, nil, nil, string(owner.Type), owner.UUID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewDirectoryAdapter(db).SaveEntity(context.Background(), tenant, entity.Info{ID: dev, OwnerID: owner})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func testDefinition() *field.CalculatedField {
	return &field.CalculatedField{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		EntityID:   entity.New(entity.Device, uuid.New()),
		Name:       "plus one",
		Type:       field.Simple,
		Arguments:  map[string]field.Argument{"x": {Key: field.ReferencedKey{Name: "x", Type: field.TsLatest}}},
		Expression: "x + 1",
		Output:     field.Output{Type: field.OutputTimeSeries, Name: "y"},
	}
}

package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	coreagg "github.com/aevon-lab/calcengine/internal/core/aggregation"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/aevon-lab/calcengine/internal/core/storage/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc       *Service
	telemetry *memory.TelemetryStore
	states    *memory.StateStore
	tenantID  uuid.UUID
	device    entity.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		telemetry: memory.NewTelemetryStore(),
		states:    memory.NewStateStore(),
		tenantID:  uuid.New(),
		device:    entity.New(entity.Device, uuid.New()),
	}
	f.svc = NewService(f.telemetry, f.states)
	return f
}

func (f *fixture) saveSeries(t *testing.T, entries ...kv.Entry) {
	t.Helper()
	require.NoError(t, f.telemetry.SaveSeries(context.Background(), f.tenantID, f.device, entries))
}

func (f *fixture) persist(t *testing.T, id entity.ID, fieldID uuid.UUID, st *state.State) {
	t.Helper()
	fut := quorum.NewFuture()
	f.states.Persist(context.Background(), storage.StateKey{TenantID: f.tenantID, Entity: id, FieldID: fieldID}, st, fut)
	require.NoError(t, fut.Wait(context.Background()))
}

func TestService_QuerySeries_Raw(t *testing.T) {
	f := newFixture(t)
	f.saveSeries(t,
		kv.Entry{Key: "temperatureF", Ts: 100, Value: 70.0},
		kv.Entry{Key: "temperatureF", Ts: 200, Value: 71.0},
		kv.Entry{Key: "temperatureF", Ts: 300, Value: 72.0},
	)

	resp, err := f.svc.QuerySeries(context.Background(), SeriesQueryRequest{
		TenantID: f.tenantID,
		Entity:   f.device,
		Key:      "temperatureF",
		StartTs:  0,
		EndTs:    1000,
		Limit:    2,
		Order:    "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, GranularityRaw, resp.Granularity)
	assert.True(t, resp.Truncated)
	require.Len(t, resp.Samples, 2)
	assert.Equal(t, int64(300), resp.Samples[0].Ts)
	assert.Equal(t, int64(200), resp.Samples[1].Ts)
}

func TestService_QuerySeries_Rollup(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC)
	f.saveSeries(t,
		kv.Entry{Key: "power", Ts: base.Add(10 * time.Minute).UnixMilli(), Value: 4.0},
		kv.Entry{Key: "power", Ts: base.Add(20 * time.Minute).UnixMilli(), Value: 6.0},
		kv.Entry{Key: "power", Ts: base.Add(70 * time.Minute).UnixMilli(), Value: 1.0},
	)

	resp, err := f.svc.QuerySeries(context.Background(), SeriesQueryRequest{
		TenantID:    f.tenantID,
		Entity:      f.device,
		Key:         "power",
		StartTs:     base.UnixMilli(),
		EndTs:       base.Add(90 * time.Minute).UnixMilli(),
		Granularity: "1h",
		Agg:         "SUM",
	})
	require.NoError(t, err)
	assert.Equal(t, coreagg.OpSum, resp.Agg)
	assert.Empty(t, resp.Samples)
	require.Len(t, resp.Values, 2)
	assert.Equal(t, "10", resp.Values[0].Value.Decimal.String())
	assert.Equal(t, "1", resp.Values[1].Value.Decimal.String())
}

func TestService_QuerySeries_InvalidRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  SeriesQueryRequest
	}{
		{name: "missing key", req: SeriesQueryRequest{EndTs: 10}},
		{name: "end before start", req: SeriesQueryRequest{Key: "k", StartTs: 10, EndTs: 5}},
		{name: "bad order", req: SeriesQueryRequest{Key: "k", EndTs: 10, Order: "sideways"}},
		{name: "limit too large", req: SeriesQueryRequest{Key: "k", EndTs: 10, Limit: maxRawLimit + 1}},
		{name: "unknown granularity", req: SeriesQueryRequest{Key: "k", EndTs: 10, Granularity: "1w"}},
		{name: "unknown agg", req: SeriesQueryRequest{Key: "k", EndTs: 10, Granularity: "total", Agg: "median"}},
		{name: "too many buckets", req: SeriesQueryRequest{Key: "k", EndTs: int64(maxBuckets+1) * time.Minute.Milliseconds(), Granularity: "1m"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.TenantID = f.tenantID
			tc.req.Entity = f.device
			_, err := f.svc.QuerySeries(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidQuery), "expected ErrInvalidQuery, got %v", err)
		})
	}
}

func TestService_QueryLatestAndAttributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSeries(t, kv.Entry{Key: "temperatureF", Ts: 100, Value: 70.0})
	require.NoError(t, f.telemetry.SaveAttributes(ctx, f.tenantID, f.device, "SERVER_SCOPE", []kv.Entry{{Key: "limit", Ts: 5, Value: 80.0}}))

	latest, err := f.svc.QueryLatest(ctx, f.tenantID, f.device, []string{"temperatureF", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []kv.Entry{{Key: "temperatureF", Ts: 100, Value: 70.0}}, latest.Values)

	attrs, err := f.svc.QueryAttributes(ctx, f.tenantID, f.device, "SERVER_SCOPE", []string{"limit"})
	require.NoError(t, err)
	assert.Equal(t, "SERVER_SCOPE", attrs.Scope)
	require.Len(t, attrs.Values, 1)
	assert.Equal(t, 80.0, attrs.Values[0].Value)

	empty, err := f.svc.QueryAttributes(ctx, f.tenantID, f.device, "SHARED_SCOPE", []string{"limit"})
	require.NoError(t, err)
	assert.NotNil(t, empty.Values)
	assert.Empty(t, empty.Values)

	_, err = f.svc.QueryLatest(ctx, f.tenantID, f.device, nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestService_EntityStates(t *testing.T) {
	f := newFixture(t)
	other := entity.New(entity.Asset, uuid.New())
	fieldA, fieldB := uuid.New(), uuid.New()

	simple := state.New([]string{"t"})
	simple.Update(map[string]state.Entry{"t": &state.Single{Ts: 10, Value: 21.5}})
	f.persist(t, f.device, fieldA, simple)

	rolling := state.New([]string{"w"})
	window := state.NewRolling(10, time.Hour)
	window.Insert(1, 1.0)
	window.Insert(2, 2.0)
	rolling.Update(map[string]state.Entry{"w": window})
	f.persist(t, f.device, fieldB, rolling)

	f.persist(t, other, fieldA, state.New([]string{"t"}))

	resp, err := f.svc.EntityStates(context.Background(), f.tenantID, f.device)
	require.NoError(t, err)
	require.Len(t, resp.States, 2)

	byField := map[uuid.UUID]StateView{}
	for _, v := range resp.States {
		byField[v.FieldID] = v
	}

	a := byField[fieldA]
	assert.True(t, a.Ready)
	assert.Equal(t, ArgumentView{Kind: "single", Ts: 10, Value: 21.5}, a.Arguments["t"])

	b := byField[fieldB]
	assert.True(t, b.Ready)
	assert.Equal(t, "rolling", b.Arguments["w"].Kind)
	assert.Equal(t, []Point{{Ts: 1, Value: 1}, {Ts: 2, Value: 2}}, b.Arguments["w"].Points)
}

type failingStates struct {
	storage.StateStore
}

func (failingStates) List(context.Context, uuid.UUID, func(storage.StateKey, *state.State) error) error {
	return errors.New("db failure")
}

func TestService_EntityStates_StoreError(t *testing.T) {
	svc := NewService(memory.NewTelemetryStore(), failingStates{})
	_, err := svc.EntityStates(context.Background(), uuid.New(), entity.New(entity.Device, uuid.New()))
	require.ErrorContains(t, err, "db failure")
	assert.False(t, errors.Is(err, ErrInvalidQuery))
}

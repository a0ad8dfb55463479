package actor

import (
	"context"
	"testing"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/partition"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/storage/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, tenant uuid.UUID, id entity.ID) (*worker, *recordingSink) {
	t.Helper()
	sink := &recordingSink{failFor: map[entity.ID]error{}}
	telemetry := memory.NewTelemetryStore()
	dir := memory.NewDirectory()
	deps := &Deps{
		States:     memory.NewStateStore(),
		Fetcher:    calc.NewFetcher(telemetry, dir),
		Directory:  dir,
		Sink:       sink,
		Partitions: partition.NewStaticResolver(nil),
	}
	return newWorker(tenant, id, deps, Config{StateFetchTimeout: time.Second}.withDefaults()), sink
}

func compiled(t *testing.T, cf *field.CalculatedField) *calc.Context {
	t.Helper()
	c := calc.NewContext(cf, time.Second, 0)
	require.NoError(t, c.Init())
	return c
}

func (w *worker) deliver(fields []*calc.Context, values map[string]any, ts int64) error {
	f := quorum.NewFuture()
	w.handle(context.Background(), &telemetryMsg{
		msgMeta: newMeta(uuid.New(), MsgTelemetry, f),
		fields:  fields,
		update:  calc.Update{Kind: calc.TimeSeries, Entries: series(ts, values)},
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestWorker_ClosedContextRunsWithLiveDefinition(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	w, sink := newTestWorker(t, tenant, dev)

	old := compiled(t, sumField(tenant, dev))
	product := old.Field.Clone()
	product.Expression = "x * y"
	live := compiled(t, product)

	require.NoError(t, w.deliver([]*calc.Context{live}, map[string]any{"x": 2.0, "y": 3.0}, 1000))
	v, _, _ := sink.last(dev, "result")
	require.Equal(t, 6.0, v)

	old.Close()
	require.NoError(t, w.deliver([]*calc.Context{old}, map[string]any{"x": 4.0}, 2000))
	v, _, _ = sink.last(dev, "result")
	assert.Equal(t, 12.0, v)
	assert.Same(t, live, w.states[product.ID].ctx)
}

func TestWorker_ClosedContextWithoutStateFails(t *testing.T) {
	tenant := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	w, sink := newTestWorker(t, tenant, dev)

	deleted := compiled(t, sumField(tenant, dev))
	deleted.Close()

	err := w.deliver([]*calc.Context{deleted}, map[string]any{"x": 1.0, "y": 1.0}, 1000)
	require.ErrorIs(t, err, enginerr.ErrContextClosed)
	assert.Equal(t, 0, sink.count())
	assert.Empty(t, w.states)
}

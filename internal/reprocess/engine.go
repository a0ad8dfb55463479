package reprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/aevon-lab/calcengine/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultPageSize = 1000

// Task asks for the states and results of one field on one entity to be rebuilt from the
// time series recorded in [StartTs, EndTs] (epoch milliseconds, inclusive).
type Task struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Entity   entity.ID `json:"entity"`
	FieldID  uuid.UUID `json:"field_id"`
	StartTs  int64     `json:"start_ts"`
	EndTs    int64     `json:"end_ts"`
}

// Validate checks the task is complete and its range is not inverted.
func (t Task) Validate() error {
	if t.TenantID == uuid.Nil || t.FieldID == uuid.Nil || t.Entity.IsZero() {
		return fmt.Errorf("tenant, entity and field are required")
	}
	if t.EndTs < t.StartTs {
		return fmt.Errorf("end_ts %d is before start_ts %d", t.EndTs, t.StartTs)
	}
	return nil
}

// Report summarizes one reprocessing run.
type Report struct {
	Points       int   `json:"points"`
	Steps        int   `json:"steps"`
	Calculations int   `json:"calculations"`
	Failures     int   `json:"failures"`
	LastTs       int64 `json:"last_ts"`
}

// Options tune the engine.
type Options struct {
	PageSize           int
	CalculationTimeout time.Duration
	MaxStateSizeBytes  int64
}

func (o Options) normalized() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.CalculationTimeout <= 0 {
		o.CalculationTimeout = calc.DefaultCalculationTimeout
	}
	return o
}

// Engine replays historical time series through a calculated field in timestamp order.
type Engine struct {
	definitions storage.DefinitionStore
	telemetry   storage.TelemetryStore
	fetcher     *calc.Fetcher
	states      storage.StateStore
	sink        calc.Sink
	metrics     *metrics.Metrics
	opts        Options
}

func NewEngine(
	definitions storage.DefinitionStore,
	telemetry storage.TelemetryStore,
	fetcher *calc.Fetcher,
	states storage.StateStore,
	sink calc.Sink,
	m *metrics.Metrics,
	opts Options,
) *Engine {
	return &Engine{
		definitions: definitions,
		telemetry:   telemetry,
		fetcher:     fetcher,
		states:      states,
		sink:        sink,
		metrics:     m,
		opts:        opts.normalized(),
	}
}

// source is one argument's time series as a paged, timestamp-ordered stream.
type source struct {
	name   string
	entity entity.ID
	key    string
	buf    []kv.Entry
	// next is the first timestamp of the following page; past EndTs once a page came back short.
	next int64
}

// Run rebuilds the field's state on the task entity. The field is re-read from the
// definition store and compiled fresh, so the current definition is replayed.
// Calculation failures at individual timestamps are counted and logged; store and
// sink failures abort the run.
func (e *Engine) Run(ctx context.Context, task Task) (Report, error) {
	var report Report
	if err := task.Validate(); err != nil {
		return report, fmt.Errorf("%w: %v", enginerr.ErrReprocessingRejected, err)
	}

	cf, err := e.definitions.FindByID(ctx, task.TenantID, task.FieldID)
	if err != nil {
		return report, fmt.Errorf("load calculated field %s: %w", task.FieldID, err)
	}
	if err := supported(cf); err != nil {
		return report, err
	}
	c := calc.NewContext(cf, e.opts.CalculationTimeout, e.opts.MaxStateSizeBytes)
	if err := c.Init(); err != nil {
		return report, err
	}
	defer c.Close()

	slog.Info("[Reprocess] Starting",
		"tenant", task.TenantID,
		"entity", task.Entity,
		"field", cf.ID,
		"start_ts", task.StartTs,
		"end_ts", task.EndTs,
	)
	started := time.Now()

	sources, err := e.resolveSources(ctx, task, cf)
	if err != nil {
		return report, err
	}

	st, err := e.initialState(ctx, task, c, sources)
	if err != nil {
		return report, err
	}
	if err := e.step(ctx, task, c, st, task.StartTs, &report); err != nil {
		return report, err
	}

	for _, src := range sources {
		src.next = task.StartTs
		if err := e.fill(ctx, task, src); err != nil {
			return report, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ts, ok := minHead(sources)
		if !ok {
			break
		}
		updates := make(map[string]state.Entry)
		for _, src := range sources {
			if len(src.buf) == 0 || src.buf[0].Ts != ts {
				continue
			}
			point := src.buf[0]
			src.buf = src.buf[1:]
			updates[src.name] = &state.Single{Ts: point.Ts, Value: kv.Normalize(point.Value)}
			report.Points++
			if len(src.buf) == 0 {
				if err := e.fill(ctx, task, src); err != nil {
					return report, err
				}
			}
		}
		report.Steps++
		if !st.Update(updates) {
			continue
		}
		if err := e.step(ctx, task, c, st, ts, &report); err != nil {
			return report, err
		}
	}

	e.metrics.Reprocessed(report.Points)
	slog.Info("[Reprocess] Complete",
		"tenant", task.TenantID,
		"entity", task.Entity,
		"field", cf.ID,
		"points", report.Points,
		"calculations", report.Calculations,
		"failures", report.Failures,
		"duration", time.Since(started),
	)
	return report, nil
}

func supported(cf *field.CalculatedField) error {
	if cf.Type == field.Aggregation {
		return fmt.Errorf("%w: %s fields read related entities", enginerr.ErrReprocessingRejected, cf.Type)
	}
	for _, name := range cf.ArgumentNames() {
		if cf.Arguments[name].Key.Type == field.Attribute {
			return fmt.Errorf("%w: argument %q is an attribute", enginerr.ErrReprocessingRejected, name)
		}
	}
	return nil
}

// resolveSources picks the entity every argument is read from.
func (e *Engine) resolveSources(ctx context.Context, task Task, cf *field.CalculatedField) ([]*source, error) {
	var owner entity.ID
	if cf.HasOwnerArguments() {
		var err error
		owner, err = e.fetcher.Owner(ctx, task.TenantID, task.Entity)
		if err != nil {
			return nil, err
		}
	}
	out := make([]*source, 0, len(cf.Arguments))
	for _, name := range cf.ArgumentNames() {
		arg := cf.Arguments[name]
		src := &source{name: name, entity: task.Entity, key: arg.Key.Name}
		switch {
		case arg.DynamicSource == field.CurrentOwner:
			if owner.IsZero() {
				continue
			}
			src.entity = owner
		case arg.IsLinked():
			src.entity = *arg.RefEntity
		}
		out = append(out, src)
	}
	return out, nil
}

// initialState loads every argument as of StartTs concurrently.
func (e *Engine) initialState(ctx context.Context, task Task, c *calc.Context, sources []*source) (*state.State, error) {
	var mu sync.Mutex
	updates := make(map[string]state.Entry, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		arg := c.Field.Arguments[src.name]
		g.Go(func() error {
			entry, err := e.fetcher.Argument(gctx, task.TenantID, src.entity, arg, c.Field.RollingLimit(arg), task.StartTs, false)
			if err != nil {
				return err
			}
			if entry == nil {
				return nil
			}
			mu.Lock()
			updates[src.name] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch initial state: %w", err)
	}

	st := c.NewState()
	st.Update(updates)
	return st, nil
}

// fill loads the next page of src once its buffer is drained.
func (e *Engine) fill(ctx context.Context, task Task, src *source) error {
	if src.next > task.EndTs {
		return nil
	}
	page, err := e.telemetry.FindSeries(ctx, task.TenantID, src.entity, src.key, src.next, task.EndTs, e.opts.PageSize, storage.Asc)
	if err != nil {
		return fmt.Errorf("fetch %q of %s from %d: %w", src.key, src.entity, src.next, err)
	}
	sort.SliceStable(page, func(i, j int) bool { return page[i].Ts < page[j].Ts })
	src.buf = page
	if len(page) < e.opts.PageSize {
		src.next = task.EndTs + 1
		return nil
	}
	src.next = page[len(page)-1].Ts + 1
	return nil
}

func minHead(sources []*source) (int64, bool) {
	var (
		lowest int64
		found  bool
	)
	for _, src := range sources {
		if len(src.buf) == 0 {
			continue
		}
		if ts := src.buf[0].Ts; !found || ts < lowest {
			lowest, found = ts, true
		}
	}
	return lowest, found
}

// step calculates at ts, pushes the stamped result and persists the state, waiting
// for both so results leave in timestamp order.
func (e *Engine) step(ctx context.Context, task Task, c *calc.Context, st *state.State, ts int64, report *Report) error {
	key := storage.StateKey{TenantID: task.TenantID, Entity: task.Entity, FieldID: c.Field.ID}
	report.LastTs = ts

	within, err := st.CheckSize(c.MaxStateSize())
	if err != nil {
		return fmt.Errorf("reprocess state at %d: %w", ts, err)
	}
	if !within {
		return e.oversized(ctx, key, st, c)
	}

	var res calc.Result
	if st.Ready() {
		started := time.Now()
		res, err = c.Calculate(ctx, st)
		e.metrics.Calculation(string(c.Field.Type), started, err)
		if err != nil {
			report.Failures++
			slog.Warn("[Reprocess] Calculation failed",
				"tenant", task.TenantID,
				"entity", task.Entity,
				"field", c.Field.ID,
				"ts", ts,
				"error", err,
			)
			return nil
		}
		report.Calculations++
		// replayed results carry the event time whatever their output type
		res.Payload = calc.StampTs(res.Payload, ts)
	}

	f := quorum.NewFuture()
	branches := 1
	if !res.IsEmpty() {
		branches++
	}
	q := quorum.New(f, branches)
	if !res.IsEmpty() {
		e.sink.Push(ctx, task.TenantID, task.Entity, res, []uuid.UUID{c.Field.ID}, q)
	}
	switch within, err := st.CheckSize(c.MaxStateSize()); {
	case err != nil:
		q.OnFailure(fmt.Errorf("reprocess state at %d: %w", ts, err))
	case !within:
		q.OnFailure(e.oversized(ctx, key, st, c))
	default:
		e.states.Persist(ctx, key, st, q)
	}
	if err := f.Wait(ctx); err != nil {
		return fmt.Errorf("write reprocessed result at %d: %w", ts, err)
	}
	return nil
}

func (e *Engine) oversized(ctx context.Context, key storage.StateKey, st *state.State, c *calc.Context) error {
	e.metrics.SizeExceeded()
	err := fmt.Errorf("%w: %d bytes, limit %d", enginerr.ErrStateSizeExceeded, st.SizeBytes, c.MaxStateSize())
	f := quorum.NewFuture()
	e.states.Remove(ctx, key, f)
	if removeErr := f.Wait(ctx); removeErr != nil {
		return errors.Join(err, removeErr)
	}
	return err
}

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

type fieldState struct {
	ctx *calc.Context
	st  *state.State
	// fresh is set when st was loaded from a store rather than built up in memory;
	// the next update recalculates even when it changes nothing.
	fresh bool
}

// worker owns the calculation states of one entity. Every method except tell
// and stop runs on the worker's own goroutine.
type worker struct {
	tenantID uuid.UUID
	id       entity.ID
	deps     *Deps
	cfg      Config

	mb      *mailbox[message]
	states  map[uuid.UUID]*fieldState
	stopped bool
	done    chan struct{}
}

func newWorker(tenantID uuid.UUID, id entity.ID, deps *Deps, cfg Config) *worker {
	return &worker{
		tenantID: tenantID,
		id:       id,
		deps:     deps,
		cfg:      cfg,
		mb:       newMailbox[message](),
		states:   make(map[uuid.UUID]*fieldState),
		done:     make(chan struct{}),
	}
}

func (w *worker) start(ctx context.Context) {
	go w.run(ctx)
}

// tell enqueues msg. It returns false once the worker has stopped.
func (w *worker) tell(msg message) bool {
	return w.mb.push(msg)
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	w.deps.Metrics.WorkerStarted()
	defer w.deps.Metrics.WorkerStopped()

	for {
		batch, open := w.mb.drain()
		for _, msg := range batch {
			if w.stopped {
				// handed off or deleted; nothing left to do for it here
				msg.meta().cb.OnSuccess()
				continue
			}
			w.handle(ctx, msg)
		}
		if !open || w.stopped {
			w.mb.close()
			rest, _ := w.mb.drain()
			for _, msg := range rest {
				msg.meta().cb.OnSuccess()
			}
			return
		}
		select {
		case <-w.mb.signal:
		case <-ctx.Done():
			w.mb.close()
			rest, _ := w.mb.drain()
			for _, msg := range rest {
				msg.meta().cb.OnFailure(enginerr.ErrStopped)
			}
			return
		}
	}
}

func (w *worker) stopSelf() {
	w.stopped = true
	w.states = make(map[uuid.UUID]*fieldState)
	w.mb.close()
}

func (w *worker) handle(ctx context.Context, msg message) {
	m := msg.meta()
	cb := w.observe(m)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Worker] Message handler panicked",
				"tenant", w.tenantID,
				"entity", w.id,
				"msg_type", m.kind,
				"panic", r,
			)
			cb.OnFailure(fmt.Errorf("worker %s panicked handling %s: %v", w.id, m.kind, r))
		}
	}()

	switch v := msg.(type) {
	case *telemetryMsg:
		q := quorum.New(cb, len(v.fields))
		for _, fc := range v.fields {
			c, err := w.current(fc)
			if err != nil {
				w.fail(m, fc, nil, err, q)
				continue
			}
			w.applyUpdate(ctx, m, c, c.SelfArguments(v.update), q)
		}
	case *linkedTelemetryMsg:
		q := quorum.New(cb, len(v.fields))
		for _, fc := range v.fields {
			c, err := w.current(fc)
			if err != nil {
				w.fail(m, fc, nil, err, q)
				continue
			}
			var updates map[string]state.Entry
			switch v.link {
			case LinkFixed:
				updates = c.LinkedArguments(v.source, v.update)
			case LinkOwner:
				updates = c.OwnerArguments(v.update)
			case LinkRelated:
				updates = c.RelatedArguments(v.source, v.update)
			}
			w.applyUpdate(ctx, m, c, updates, q)
		}
	case *fieldStateMsg:
		w.onFieldState(ctx, m, v.ctx, v.action, cb)
	case *fieldDeleteMsg:
		delete(w.states, v.fieldID)
		w.deps.States.Remove(ctx, w.key(v.fieldID), cb)
	case *entityDeleteMsg:
		w.onEntityDelete(ctx, v.fieldIDs, cb)
	case *stateRestoreMsg:
		if v.st == nil {
			delete(w.states, v.ctx.Field.ID)
		} else {
			w.states[v.ctx.Field.ID] = &fieldState{ctx: v.ctx, st: v.st, fresh: true}
		}
		cb.OnSuccess()
	case *partitionChangeMsg:
		if !w.deps.Partitions.IsMyPartition(w.cfg.Queue, w.tenantID, w.id) {
			slog.Info("[Worker] Entity moved to another partition, stopping",
				"tenant", w.tenantID,
				"entity", w.id,
				"dropped_states", len(w.states),
			)
			w.stopSelf()
		}
		cb.OnSuccess()
	case *relationMsg:
		w.onRelation(ctx, m, v, cb)
	case *alarmActionMsg:
		w.recalculateAll(ctx, m, v.fields, 0, cb)
	case *reevaluateMsg:
		w.recalculateAll(ctx, m, v.fields, time.Now().UnixMilli(), cb)
	default:
		cb.OnFailure(fmt.Errorf("unsupported worker message %T", msg))
	}
}

func (w *worker) observe(m msgMeta) quorum.Callback {
	if w.deps.Metrics == nil {
		return m.cb
	}
	return quorum.Funcs(func() {
		w.deps.Metrics.Message(m.kind, nil)
		m.cb.OnSuccess()
	}, func(err error) {
		w.deps.Metrics.Message(m.kind, err)
		m.cb.OnFailure(err)
	})
}

// applyUpdate merges argument updates into the field's state and recalculates when
// they changed something or the state was just loaded.
// current returns the definition a message should run with. A message built before
// its field changed carries a closed context and runs with the worker's live one.
func (w *worker) current(c *calc.Context) (*calc.Context, error) {
	if !c.Closed() {
		return c, nil
	}
	if fs, ok := w.states[c.Field.ID]; ok && !fs.ctx.Closed() {
		return fs.ctx, nil
	}
	return nil, fmt.Errorf("%w: field %s", enginerr.ErrContextClosed, c.Field.ID)
}

func (w *worker) applyUpdate(ctx context.Context, m msgMeta, c *calc.Context, updates map[string]state.Entry, cb quorum.Callback) {
	fs, err := w.stateFor(ctx, c)
	if err != nil {
		w.fail(m, c, nil, err, cb)
		return
	}
	if !fs.st.Update(updates) && !fs.fresh {
		cb.OnSuccess()
		return
	}
	w.recalculate(ctx, m, fs, 0, cb)
}

func (w *worker) onFieldState(ctx context.Context, m msgMeta, c *calc.Context, action field.StateAction, cb quorum.Callback) {
	switch {
	case action.RebuildsState():
		delete(w.states, c.Field.ID)
		st, err := w.fetchFromSource(ctx, c)
		if err != nil {
			w.fail(m, c, nil, err, cb)
			return
		}
		fs := &fieldState{ctx: c, st: st, fresh: true}
		w.states[c.Field.ID] = fs
		w.recalculate(ctx, m, fs, 0, cb)
	case action == field.ActionReprocess:
		fs, err := w.stateFor(ctx, c)
		if err != nil {
			w.fail(m, c, nil, err, cb)
			return
		}
		w.recalculate(ctx, m, fs, 0, cb)
	case action == field.ActionRefreshContext:
		if fs, ok := w.states[c.Field.ID]; ok {
			fs.ctx = c
		}
		cb.OnSuccess()
	default:
		cb.OnSuccess()
	}
}

func (w *worker) onEntityDelete(ctx context.Context, fieldIDs []uuid.UUID, cb quorum.Callback) {
	ids := make(map[uuid.UUID]struct{}, len(fieldIDs)+len(w.states))
	for _, id := range fieldIDs {
		ids[id] = struct{}{}
	}
	for id := range w.states {
		ids[id] = struct{}{}
	}
	w.stopSelf()

	q := quorum.New(cb, len(ids))
	for id := range ids {
		w.deps.States.Remove(ctx, w.key(id), q)
	}
}

func (w *worker) onRelation(ctx context.Context, m msgMeta, v *relationMsg, cb quorum.Callback) {
	c, err := w.current(v.ctx)
	if err != nil {
		w.fail(m, v.ctx, nil, err, cb)
		return
	}
	fs, err := w.stateFor(ctx, c)
	if err != nil {
		w.fail(m, c, nil, err, cb)
		return
	}
	var changed bool
	if v.deleted {
		changed = fs.st.RemoveSource(v.source)
	} else {
		updates, err := w.deps.Fetcher.FetchSource(ctx, c, w.tenantID, v.source)
		if err != nil {
			w.fail(m, c, fs.st, err, cb)
			return
		}
		changed = fs.st.Update(updates)
	}
	if !changed && !fs.fresh {
		cb.OnSuccess()
		return
	}
	w.recalculate(ctx, m, fs, 0, cb)
}

func (w *worker) recalculateAll(ctx context.Context, m msgMeta, fields []*calc.Context, ts int64, cb quorum.Callback) {
	q := quorum.New(cb, len(fields))
	for _, fc := range fields {
		c, err := w.current(fc)
		if err != nil {
			w.fail(m, fc, nil, err, q)
			continue
		}
		fs, err := w.stateFor(ctx, c)
		if err != nil {
			w.fail(m, c, nil, err, q)
			continue
		}
		w.recalculate(ctx, m, fs, ts, q)
	}
}

// recalculate runs the field over fs when it is ready, pushes a non-empty result and
// persists the state. A state over its size budget, before or after the calculation,
// is removed from the store and reported as ErrStateSizeExceeded.
func (w *worker) recalculate(ctx context.Context, m msgMeta, fs *fieldState, ts int64, cb quorum.Callback) {
	c, st := fs.ctx, fs.st
	fs.fresh = false

	within, err := st.CheckSize(c.MaxStateSize())
	if err != nil {
		w.fail(m, c, st, err, cb)
		return
	}
	if !within {
		w.removeOversized(ctx, m, fs, cb)
		return
	}

	var res calc.Result
	if c.Initialized() && st.Ready() {
		started := time.Now()
		res, err = c.Calculate(ctx, st)
		w.deps.Metrics.Calculation(string(c.Field.Type), started, err)
		if err != nil {
			w.fail(m, c, st, err, cb)
			return
		}
		if ts == 0 {
			ts = st.LastUpdateTs
		}
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		res = res.Stamped(ts)
		if c.Field.DebugEnabled(false) {
			w.record(m, c, st, res.Payload, nil)
		}
	}

	push := !res.IsEmpty()
	branches := 1
	if push {
		branches++
	}
	q := quorum.New(cb, branches)
	if push {
		w.deps.Sink.Push(ctx, w.tenantID, w.id, res, []uuid.UUID{c.Field.ID}, q)
	}

	if within, err = st.CheckSize(c.MaxStateSize()); err != nil {
		w.fail(m, c, st, err, q)
		return
	}
	if !within {
		w.removeOversized(ctx, m, fs, q)
		return
	}
	w.deps.States.Persist(ctx, w.key(c.Field.ID), st, q)
}

func (w *worker) removeOversized(ctx context.Context, m msgMeta, fs *fieldState, cb quorum.Callback) {
	c := fs.ctx
	delete(w.states, c.Field.ID)
	w.deps.Metrics.SizeExceeded()

	err := w.wrap(m, c, fs.st, fmt.Errorf("%w: %d bytes, limit %d", enginerr.ErrStateSizeExceeded, fs.st.SizeBytes, c.MaxStateSize()))
	slog.Warn("[Worker] State exceeds size limit, removing",
		"tenant", w.tenantID,
		"entity", w.id,
		"field", c.Field.ID,
		"size_bytes", fs.st.SizeBytes,
		"limit_bytes", c.MaxStateSize(),
	)
	if c.Field.DebugEnabled(true) {
		w.record(m, c, fs.st, nil, err)
	}
	w.deps.States.Remove(ctx, w.key(c.Field.ID), quorum.Funcs(func() {
		cb.OnFailure(err)
	}, func(removeErr error) {
		cb.OnFailure(errors.Join(err, removeErr))
	}))
}

// stateFor returns the in-memory state of c, loading it on a miss.
func (w *worker) stateFor(ctx context.Context, c *calc.Context) (*fieldState, error) {
	if fs, ok := w.states[c.Field.ID]; ok {
		fs.ctx = c
		return fs, nil
	}
	st, err := w.loadState(ctx, c)
	if err != nil {
		return nil, err
	}
	fs := &fieldState{ctx: c, st: st, fresh: true}
	w.states[c.Field.ID] = fs
	return fs, nil
}

// loadState reads the persisted state, falling back to building it from telemetry.
// A persisted state whose argument set no longer matches the definition is rebuilt.
func (w *worker) loadState(ctx context.Context, c *calc.Context) (*state.State, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.StateFetchTimeout)
	defer cancel()

	st, err := w.deps.States.Fetch(fetchCtx, w.key(c.Field.ID))
	switch {
	case err == nil:
		if slices.Equal(st.Required, c.NewState().Required) {
			w.deps.Metrics.StateFetched("store")
			return st, nil
		}
	case errors.Is(err, storage.ErrNotFound):
	case fetchCtx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", enginerr.ErrStateFetchTimeout, err)
	default:
		return nil, fmt.Errorf("fetch state %s: %w", w.key(c.Field.ID), err)
	}
	return w.fetchFromSource(ctx, c)
}

func (w *worker) fetchFromSource(ctx context.Context, c *calc.Context) (*state.State, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.StateFetchTimeout)
	defer cancel()

	st, err := w.deps.Fetcher.FetchState(fetchCtx, c, w.tenantID, w.id)
	if err != nil {
		if fetchCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", enginerr.ErrStateFetchTimeout, err)
		}
		return nil, err
	}
	w.deps.Metrics.StateFetched("telemetry")
	return st, nil
}

func (w *worker) fail(m msgMeta, c *calc.Context, st *state.State, err error, cb quorum.Callback) {
	calcErr := w.wrap(m, c, st, err)
	if c.Field.DebugEnabled(true) {
		w.record(m, c, st, nil, calcErr)
	}
	slog.Warn("[Worker] Calculation failed",
		"tenant", w.tenantID,
		"entity", w.id,
		"field", c.Field.ID,
		"msg_type", m.kind,
		"msg_id", m.id,
		"error", err,
	)
	cb.OnFailure(calcErr)
}

func (w *worker) wrap(m msgMeta, c *calc.Context, st *state.State, err error) error {
	var calcErr *enginerr.CalculationError
	if errors.As(err, &calcErr) {
		return err
	}
	out := &enginerr.CalculationError{
		FieldID:   c.Field.ID,
		FieldName: c.Field.Name,
		Entity:    w.id,
		MsgID:     m.id,
		MsgType:   m.kind,
		Cause:     err,
	}
	if st != nil {
		out.Arguments = st.Inputs()
	}
	return out
}

func (w *worker) record(m msgMeta, c *calc.Context, st *state.State, result any, err error) {
	if w.deps.Debug == nil {
		return
	}
	ev := calc.DebugEvent{
		TenantID: w.tenantID,
		FieldID:  c.Field.ID,
		Entity:   w.id,
		MsgID:    m.id,
		MsgType:  m.kind,
		Result:   result,
		Time:     time.Now().UTC(),
	}
	if st != nil {
		ev.Arguments = st.Inputs()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	w.deps.Debug.Record(ev)
}

func (w *worker) key(fieldID uuid.UUID) storage.StateKey {
	return storage.StateKey{TenantID: w.tenantID, Entity: w.id, FieldID: fieldID}
}

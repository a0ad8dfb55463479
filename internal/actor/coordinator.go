package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Coordinator is the per-tenant actor. It owns the calculated field registry and the
// entity indexes, and routes every inbound event to the entity workers it affects.
//
// All index maps are touched only by the coordinator goroutine. The slices stored in
// entityFields and entityLinks are shared with workers and are never modified in
// place: every change builds a new slice.
type Coordinator struct {
	tenantID uuid.UUID
	deps     *Deps
	cfg      Config

	mb   *mailbox[message]
	done chan struct{}

	fields       map[uuid.UUID]*calc.Context
	entityFields map[entity.ID][]*calc.Context
	entityLinks  map[entity.ID][]uuid.UUID
	aggregations []*calc.Context
	infos        map[entity.ID]entity.Info
	members      map[entity.ID]map[entity.ID]struct{} // profile -> devices/assets
	owned        map[entity.ID]map[entity.ID]struct{} // owner -> owned entities
	lastEval     map[uuid.UUID]time.Time

	workers *xsync.Map[entity.ID, *worker]
	// ctx is the coordinator's run context; workers inherit it.
	ctx context.Context

	interval time.Duration
	ticker   *time.Ticker
}

func newCoordinator(tenantID uuid.UUID, deps *Deps, cfg Config) *Coordinator {
	return &Coordinator{
		tenantID:     tenantID,
		deps:         deps,
		cfg:          cfg,
		mb:           newMailbox[message](),
		done:         make(chan struct{}),
		fields:       make(map[uuid.UUID]*calc.Context),
		entityFields: make(map[entity.ID][]*calc.Context),
		entityLinks:  make(map[entity.ID][]uuid.UUID),
		infos:        make(map[entity.ID]entity.Info),
		members:      make(map[entity.ID]map[entity.ID]struct{}),
		owned:        make(map[entity.ID]map[entity.ID]struct{}),
		lastEval:     make(map[uuid.UUID]time.Time),
		workers:      xsync.NewMap[entity.ID, *worker](),
		interval:     cfg.ReevaluationInterval,
	}
}

func (c *Coordinator) tell(msg message) bool {
	return c.mb.push(msg)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	c.ctx = ctx
	c.deps.Metrics.TenantStarted()
	if c.interval > 0 {
		c.ticker = time.NewTicker(c.interval)
	}
	defer func() {
		if c.ticker != nil {
			c.ticker.Stop()
		}
		c.mb.close()
		rest, _ := c.mb.drain()
		for _, msg := range rest {
			msg.meta().cb.OnFailure(enginerr.ErrStopped)
		}
		c.workers.Range(func(_ entity.ID, w *worker) bool {
			w.mb.close()
			<-w.done
			return true
		})
	}()

	for {
		batch, open := c.mb.drain()
		for _, msg := range batch {
			c.handle(ctx, msg)
		}
		if !open {
			return
		}
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C
		}
		select {
		case <-c.mb.signal:
		case <-tick:
			c.reevaluate(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, msg message) {
	m := msg.meta()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Coordinator] Message handler panicked",
				"tenant", c.tenantID,
				"msg_type", m.kind,
				"panic", r,
			)
			m.cb.OnFailure(fmt.Errorf("coordinator %s panicked handling %s: %v", c.tenantID, m.kind, r))
		}
	}()

	switch v := msg.(type) {
	case *telemetryEventMsg:
		c.onTelemetry(ctx, m, v.ev)
	case *linkedEventMsg:
		c.onLinkedTelemetry(ctx, m, v.ev)
	case *fieldEventMsg:
		c.onFieldEvent(ctx, m, v.ev)
	case *entityEventMsg:
		c.onEntityEvent(ctx, m, v.ev)
	case *relationEventMsg:
		c.onRelation(ctx, m, v.ev)
	case *actionEventMsg:
		c.onEntityAction(ctx, m, v.ev)
	case *partitionChangeMsg:
		c.onPartitionChange(ctx, m)
	case *tenantProfileMsg:
		c.onTenantProfile(m, v.interval)
	case *cacheInitMsg:
		c.onCacheInit(ctx, m)
	case *inspectMsg:
		v.fn(c)
		m.cb.OnSuccess()
	default:
		m.cb.OnFailure(fmt.Errorf("unsupported coordinator message %T", msg))
	}
}

// branch is one independent fan-out of an inbound event; each send completes its
// callback exactly once.
type branch []func(cb quorum.Callback)

// fanOut completes cb once every send of every non-empty branch has completed.
func fanOut(cb quorum.Callback, branches ...branch) {
	var work []branch
	for _, b := range branches {
		if len(b) > 0 {
			work = append(work, b)
		}
	}
	root := quorum.New(cb, len(work))
	for _, b := range work {
		sub := quorum.New(root, len(b))
		for _, send := range b {
			send(sub)
		}
	}
}

func (c *Coordinator) onTelemetry(ctx context.Context, m msgMeta, ev TelemetryEvent) {
	fanOut(m.cb,
		c.directBranch(ev, m),
		c.linkBranch(ctx, ev, m),
		c.ownerBranch(ctx, ev, m),
		c.relatedBranch(ctx, ev, m),
	)
}

// directBranch covers fields targeting the entity itself or its profile.
func (c *Coordinator) directBranch(ev TelemetryEvent, m msgMeta) branch {
	fields := readers(c.fieldsFor(ev.Entity), ev.Update, nil)
	if len(fields) == 0 {
		return nil
	}
	return branch{func(cb quorum.Callback) {
		c.send(ev.Entity, &telemetryMsg{msgMeta: newMeta(m.id, MsgTelemetry, cb), fields: fields, update: ev.Update})
	}}
}

// linkBranch covers fields on other entities that read the entity as a linked argument.
func (c *Coordinator) linkBranch(ctx context.Context, ev TelemetryEvent, m msgMeta) branch {
	byTarget := make(map[entity.ID][]*calc.Context)
	for _, id := range c.entityLinks[ev.Entity] {
		fc, ok := c.fields[id]
		if !ok || !fc.ReadsKeys(ev.Update) {
			continue
		}
		for _, target := range c.targetsOf(fc.Field.EntityID) {
			if target != ev.Entity {
				byTarget[target] = append(byTarget[target], fc)
			}
		}
	}
	return c.linkedSends(ctx, ev, m, LinkFixed, byTarget)
}

// ownerBranch covers owned entities whose fields read their current owner.
func (c *Coordinator) ownerBranch(ctx context.Context, ev TelemetryEvent, m msgMeta) branch {
	if !ev.Entity.Type.IsOwner() {
		return nil
	}
	byTarget := make(map[entity.ID][]*calc.Context)
	for target := range c.owned[ev.Entity] {
		fields := readers(c.fieldsFor(target), ev.Update, func(fc *calc.Context) bool {
			return fc.Field.HasOwnerArguments()
		})
		if len(fields) > 0 {
			byTarget[target] = fields
		}
	}
	return c.linkedSends(ctx, ev, m, LinkOwner, byTarget)
}

// relatedBranch covers aggregation fields whose relation path reaches the entity.
func (c *Coordinator) relatedBranch(ctx context.Context, ev TelemetryEvent, m msgMeta) branch {
	paths := make(map[field.RelationPath]struct{})
	for _, fc := range c.aggregations {
		if fc.ReadsKeys(ev.Update) {
			paths[*fc.Field.Relation] = struct{}{}
		}
	}
	if len(paths) == 0 {
		return nil
	}

	byTarget := make(map[entity.ID][]*calc.Context)
	for path := range paths {
		targets, err := c.deps.Directory.FindRelated(ctx, c.tenantID, ev.Entity, path.Direction.Reverse(), path.RelationType)
		if err != nil {
			err = fmt.Errorf("find entities aggregating %s: %w", ev.Entity, err)
			return branch{func(cb quorum.Callback) { cb.OnFailure(err) }}
		}
		for _, target := range targets {
			fields := readers(c.fieldsFor(target), ev.Update, func(fc *calc.Context) bool {
				return fc.Field.Type == field.Aggregation && *fc.Field.Relation == path
			})
			byTarget[target] = append(byTarget[target], fields...)
		}
	}
	return c.linkedSends(ctx, ev, m, LinkRelated, byTarget)
}

func (c *Coordinator) linkedSends(ctx context.Context, ev TelemetryEvent, m msgMeta, kind LinkKind, byTarget map[entity.ID][]*calc.Context) branch {
	var out branch
	for target, fields := range byTarget {
		if len(fields) == 0 {
			continue
		}
		ids := make([]uuid.UUID, len(fields))
		for i, fc := range fields {
			ids[i] = fc.Field.ID
		}
		linked := LinkedTelemetryEvent{MsgID: m.id, Target: target, Source: ev.Entity, Kind: kind, FieldIDs: ids, Update: ev.Update}
		out = append(out, func(cb quorum.Callback) {
			c.sendLinked(ctx, linked, fields, cb)
		})
	}
	return out
}

// sendLinked delivers a linked update locally, or forwards it to the node owning the target.
func (c *Coordinator) sendLinked(ctx context.Context, ev LinkedTelemetryEvent, fields []*calc.Context, cb quorum.Callback) {
	if !c.isMine(ev.Target) && c.deps.Forwarder != nil {
		// the write may block on the broker; cb completes the branch either way
		go c.deps.Forwarder.Forward(ctx, c.tenantID, ev, cb)
		return
	}
	c.send(ev.Target, &linkedTelemetryMsg{
		msgMeta: newMeta(ev.MsgID, MsgLinkedTelemetry, cb),
		source:  ev.Source,
		link:    ev.Kind,
		fields:  fields,
		update:  ev.Update,
	})
}

// onLinkedTelemetry handles a linked update forwarded by another node.
func (c *Coordinator) onLinkedTelemetry(_ context.Context, m msgMeta, ev LinkedTelemetryEvent) {
	fields := make([]*calc.Context, 0, len(ev.FieldIDs))
	for _, id := range ev.FieldIDs {
		if fc, ok := c.fields[id]; ok {
			fields = append(fields, fc)
		}
	}
	if len(fields) == 0 {
		m.cb.OnSuccess()
		return
	}
	c.send(ev.Target, &linkedTelemetryMsg{
		msgMeta: newMeta(ev.MsgID, MsgLinkedTelemetry, m.cb),
		source:  ev.Source,
		link:    ev.Kind,
		fields:  fields,
		update:  ev.Update,
	})
}

func (c *Coordinator) onFieldEvent(ctx context.Context, m msgMeta, ev FieldEvent) {
	if ev.Type == FieldDeleted {
		c.deleteField(ev.FieldID, m.cb)
		return
	}
	cf := ev.Field
	if cf == nil {
		var err error
		cf, err = c.deps.Definitions.FindByID(ctx, c.tenantID, ev.FieldID)
		if err != nil {
			m.cb.OnFailure(fmt.Errorf("load calculated field %s: %w", ev.FieldID, err))
			return
		}
	}
	if old, ok := c.fields[cf.ID]; ok {
		c.updateField(old, cf, m.cb)
		return
	}
	c.createField(cf, m.cb)
}

func (c *Coordinator) compile(cf *field.CalculatedField) (*calc.Context, error) {
	fc := calc.NewContext(cf, c.cfg.CalculationTimeout, c.cfg.MaxStateSizeBytes)
	if err := fc.Init(); err != nil {
		return nil, err
	}
	return fc, nil
}

func (c *Coordinator) createField(cf *field.CalculatedField, cb quorum.Callback) {
	fc, err := c.compile(cf)
	if err != nil {
		slog.Warn("[Coordinator] Calculated field failed to initialize, not registering",
			"tenant", c.tenantID,
			"field", cf.ID,
			"error", err,
		)
		cb.OnFailure(err)
		return
	}
	c.register(fc)
	slog.Info("[Coordinator] Calculated field created",
		"tenant", c.tenantID,
		"field", cf.ID,
		"name", cf.Name,
		"target", cf.EntityID,
	)

	targets := c.targetsOf(cf.EntityID)
	q := quorum.New(cb, len(targets))
	for _, target := range targets {
		c.send(target, &fieldStateMsg{msgMeta: newMeta(uuid.Nil, MsgFieldState, q), ctx: fc, action: field.ActionInit})
	}
}

// updateField swaps old for a context built from cf and applies the resulting state
// action to every target. old is closed only after that fan-out completes.
func (c *Coordinator) updateField(old *calc.Context, cf *field.CalculatedField, cb quorum.Callback) {
	next, err := c.compile(cf)
	if err != nil {
		slog.Warn("[Coordinator] Calculated field update failed to initialize, keeping previous version",
			"tenant", c.tenantID,
			"field", cf.ID,
			"error", err,
		)
		cb.OnFailure(err)
		return
	}

	action := field.DecideAction(old.Field, cf)
	targetChanged := old.Field.EntityID != cf.EntityID
	oldTargets := c.targetsOf(old.Field.EntityID)
	c.replace(old, next)

	done := quorum.Funcs(func() {
		old.Close()
		cb.OnSuccess()
	}, func(err error) {
		old.Close()
		cb.OnFailure(err)
	})

	slog.Info("[Coordinator] Calculated field updated",
		"tenant", c.tenantID,
		"field", cf.ID,
		"action", action,
		"target_changed", targetChanged,
	)

	switch {
	case targetChanged:
		newTargets := c.targetsOf(cf.EntityID)
		q := quorum.New(done, len(oldTargets)+len(newTargets))
		for _, target := range oldTargets {
			c.send(target, &fieldDeleteMsg{msgMeta: newMeta(uuid.Nil, MsgFieldDelete, q), fieldID: cf.ID})
		}
		for _, target := range newTargets {
			c.send(target, &fieldStateMsg{msgMeta: newMeta(uuid.Nil, MsgFieldState, q), ctx: next, action: field.ActionInit})
		}
	case action == field.ActionNone:
		// workers may still hold old; it stays open
		cb.OnSuccess()
	default:
		targets := c.targetsOf(cf.EntityID)
		q := quorum.New(done, len(targets))
		for _, target := range targets {
			c.send(target, &fieldStateMsg{msgMeta: newMeta(uuid.Nil, MsgFieldState, q), ctx: next, action: action})
		}
	}
}

// deleteField unregisters the field and drops its state on every target. A target
// left with no fields is deleted as a whole so its worker stops.
func (c *Coordinator) deleteField(id uuid.UUID, cb quorum.Callback) {
	fc, ok := c.fields[id]
	if !ok {
		cb.OnSuccess()
		return
	}
	c.unregister(fc)
	slog.Info("[Coordinator] Calculated field deleted", "tenant", c.tenantID, "field", id)

	targets := c.targetsOf(fc.Field.EntityID)
	q := quorum.New(quorum.Funcs(func() {
		fc.Close()
		cb.OnSuccess()
	}, func(err error) {
		fc.Close()
		cb.OnFailure(err)
	}), len(targets))
	for _, target := range targets {
		if len(c.fieldsFor(target)) == 0 {
			c.send(target, &entityDeleteMsg{msgMeta: newMeta(uuid.Nil, MsgEntityDelete, q), fieldIDs: []uuid.UUID{id}})
			c.workers.Delete(target)
			continue
		}
		c.send(target, &fieldDeleteMsg{msgMeta: newMeta(uuid.Nil, MsgFieldDelete, q), fieldID: id})
	}
}

func (c *Coordinator) onEntityEvent(_ context.Context, m msgMeta, ev EntityEvent) {
	id := ev.Info.ID
	if ev.Type == EntityDeleted {
		ids := fieldIDs(c.fieldsFor(id))
		c.unindex(id)
		c.send(id, &entityDeleteMsg{msgMeta: newMeta(uuid.Nil, MsgEntityDelete, m.cb), fieldIDs: ids})
		c.workers.Delete(id)
		return
	}

	prev, existed := c.infos[id]
	c.index(ev.Info)

	var sends branch
	init := func(fields []*calc.Context, action field.StateAction) {
		for _, fc := range fields {
			sends = append(sends, func(cb quorum.Callback) {
				c.send(id, &fieldStateMsg{msgMeta: newMeta(uuid.Nil, MsgFieldState, cb), ctx: fc, action: action})
			})
		}
	}
	switch {
	case !existed:
		init(c.fieldsFor(id), field.ActionInit)
	default:
		if prev.ProfileID != ev.Info.ProfileID {
			for _, fc := range c.entityFields[prev.ProfileID] {
				sends = append(sends, func(cb quorum.Callback) {
					c.send(id, &fieldDeleteMsg{msgMeta: newMeta(uuid.Nil, MsgFieldDelete, cb), fieldID: fc.Field.ID})
				})
			}
			init(c.entityFields[ev.Info.ProfileID], field.ActionInit)
		}
		if prev.OwnerID != ev.Info.OwnerID {
			var owners []*calc.Context
			for _, fc := range c.fieldsFor(id) {
				if fc.Field.HasOwnerArguments() && (prev.ProfileID == ev.Info.ProfileID || fc.Field.EntityID == id) {
					owners = append(owners, fc)
				}
			}
			init(owners, field.ActionReinit)
		}
	}
	fanOut(m.cb, sends)
}

func (c *Coordinator) onRelation(_ context.Context, m msgMeta, ev RelationEvent) {
	var sends branch
	for _, fc := range c.aggregations {
		path := fc.Field.Relation
		if path.RelationType != "" && path.RelationType != ev.Relation.Type {
			continue
		}
		target, source := ev.Relation.Ends(path.Direction)
		if !containsField(c.fieldsFor(target), fc.Field.ID) {
			continue
		}
		sends = append(sends, func(cb quorum.Callback) {
			c.send(target, &relationMsg{msgMeta: newMeta(uuid.Nil, MsgRelation, cb), ctx: fc, source: source, deleted: ev.Deleted})
		})
	}
	fanOut(m.cb, sends)
}

func (c *Coordinator) onEntityAction(_ context.Context, m msgMeta, ev EntityActionEvent) {
	fields := c.fieldsFor(ev.Entity)
	if len(fields) == 0 {
		m.cb.OnSuccess()
		return
	}
	c.send(ev.Entity, &alarmActionMsg{msgMeta: newMeta(ev.MsgID, MsgAlarmAction, m.cb), action: ev.Action, fields: fields})
}

// onPartitionChange stops workers of entities this node no longer owns and restores
// persisted states of entities it just gained.
func (c *Coordinator) onPartitionChange(ctx context.Context, m msgMeta) {
	had := make(map[entity.ID]struct{})
	stopped := 0
	c.workers.Range(func(id entity.ID, w *worker) bool {
		had[id] = struct{}{}
		w.tell(&partitionChangeMsg{msgMeta: newMeta(uuid.Nil, MsgPartitionChange, quorum.Noop)})
		if !c.isMine(id) {
			c.workers.Delete(id)
			stopped++
		}
		return true
	})

	restored, err := c.restoreStates(ctx, func(id entity.ID) bool {
		_, ok := had[id]
		return !ok
	})
	if err != nil {
		m.cb.OnFailure(err)
		return
	}
	slog.Info("[Coordinator] Partitions changed",
		"tenant", c.tenantID,
		"stopped_workers", stopped,
		"restored_states", restored,
	)
	m.cb.OnSuccess()
}

func (c *Coordinator) onTenantProfile(m msgMeta, interval time.Duration) {
	c.interval = interval
	switch {
	case interval <= 0 && c.ticker != nil:
		c.ticker.Stop()
		c.ticker = nil
	case interval > 0 && c.ticker == nil:
		c.ticker = time.NewTicker(interval)
	case interval > 0:
		c.ticker.Reset(interval)
	}
	slog.Info("[Coordinator] Re-evaluation interval updated", "tenant", c.tenantID, "interval", interval)
	m.cb.OnSuccess()
}

// onCacheInit bulk-loads the tenant's entities and definitions, then restores the
// persisted states this node owns. Definitions that fail to initialize are skipped.
func (c *Coordinator) onCacheInit(ctx context.Context, m msgMeta) {
	entities := 0
	err := storage.ForEachEntity(ctx, c.deps.Directory, c.tenantID, c.cfg.PageSize, func(info entity.Info) error {
		c.index(info)
		entities++
		return nil
	})
	if err != nil {
		m.cb.OnFailure(fmt.Errorf("load entities of tenant %s: %w", c.tenantID, err))
		return
	}

	loaded, skipped := 0, 0
	err = storage.ForEachField(ctx, c.deps.Definitions, c.tenantID, c.cfg.PageSize, func(cf *field.CalculatedField) error {
		if _, ok := c.fields[cf.ID]; ok {
			return nil
		}
		fc, err := c.compile(cf)
		if err != nil {
			slog.Warn("[Coordinator] Skipping calculated field that failed to initialize",
				"tenant", c.tenantID,
				"field", cf.ID,
				"error", err,
			)
			skipped++
			return nil
		}
		c.register(fc)
		loaded++
		return nil
	})
	if err != nil {
		m.cb.OnFailure(fmt.Errorf("load calculated fields of tenant %s: %w", c.tenantID, err))
		return
	}

	restored, err := c.restoreStates(ctx, func(entity.ID) bool { return true })
	if err != nil {
		m.cb.OnFailure(err)
		return
	}
	slog.Info("[Coordinator] Tenant cache initialized",
		"tenant", c.tenantID,
		"entities", entities,
		"fields", loaded,
		"skipped_fields", skipped,
		"restored_states", restored,
	)
	m.cb.OnSuccess()
}

func (c *Coordinator) restoreStates(ctx context.Context, accept func(entity.ID) bool) (int, error) {
	restored := 0
	err := c.deps.States.List(ctx, c.tenantID, func(key storage.StateKey, st *state.State) error {
		fc, ok := c.fields[key.FieldID]
		if !ok || !c.isMine(key.Entity) || !accept(key.Entity) {
			return nil
		}
		c.send(key.Entity, &stateRestoreMsg{msgMeta: newMeta(uuid.Nil, MsgStateRestore, quorum.Noop), ctx: fc, st: st})
		restored++
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("restore states of tenant %s: %w", c.tenantID, err)
	}
	return restored, nil
}

// reevaluate sends a re-evaluation to the targets of every time-driven field that is due.
func (c *Coordinator) reevaluate(_ context.Context, now time.Time) {
	for id, fc := range c.fields {
		if !fc.Field.RequiresScheduledReevaluation() || now.Sub(c.lastEval[id]) < fc.Field.ScheduledUpdateInterval {
			continue
		}
		c.lastEval[id] = now
		fields := []*calc.Context{fc}
		for _, target := range c.targetsOf(fc.Field.EntityID) {
			c.send(target, &reevaluateMsg{msgMeta: newMeta(uuid.Nil, MsgReevaluate, quorum.Funcs(nil, func(err error) {
				slog.Warn("[Coordinator] Scheduled re-evaluation failed",
					"tenant", c.tenantID,
					"field", id,
					"entity", target,
					"error", err,
				)
			})), fields: fields})
		}
	}
}

// send delivers msg to the entity's worker, creating it on demand. Entities owned by
// another node are acknowledged as a no-op.
func (c *Coordinator) send(id entity.ID, msg message) {
	if !c.isMine(id) {
		msg.meta().cb.OnSuccess()
		return
	}
	if c.workerFor(id).tell(msg) {
		return
	}
	// the worker stopped itself after the lookup
	c.workers.Delete(id)
	if !c.workerFor(id).tell(msg) {
		msg.meta().cb.OnFailure(enginerr.ErrStopped)
	}
}

func (c *Coordinator) workerFor(id entity.ID) *worker {
	if w, ok := c.workers.Load(id); ok {
		return w
	}
	w := newWorker(c.tenantID, id, c.deps, c.cfg)
	w.start(c.ctx)
	c.workers.Store(id, w)
	return w
}

func (c *Coordinator) isMine(id entity.ID) bool {
	return c.deps.Partitions.IsMyPartition(c.cfg.Queue, c.tenantID, id)
}

// targetsOf expands a field target into the entities that hold its state.
func (c *Coordinator) targetsOf(id entity.ID) []entity.ID {
	if !id.Type.IsProfile() {
		return []entity.ID{id}
	}
	out := make([]entity.ID, 0, len(c.members[id]))
	for member := range c.members[id] {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// fieldsFor returns the fields targeting id directly or through its profile.
func (c *Coordinator) fieldsFor(id entity.ID) []*calc.Context {
	direct := c.entityFields[id]
	info, ok := c.infos[id]
	if !ok || info.ProfileID.IsZero() {
		return direct
	}
	byProfile := c.entityFields[info.ProfileID]
	if len(byProfile) == 0 {
		return direct
	}
	out := make([]*calc.Context, 0, len(direct)+len(byProfile))
	out = append(out, direct...)
	return append(out, byProfile...)
}

func (c *Coordinator) register(fc *calc.Context) {
	cf := fc.Field
	c.fields[cf.ID] = fc
	c.entityFields[cf.EntityID] = appendCOW(c.entityFields[cf.EntityID], fc)
	for _, linked := range cf.LinkedEntities() {
		c.entityLinks[linked] = appendCOW(c.entityLinks[linked], cf.ID)
	}
	if cf.Type == field.Aggregation {
		c.aggregations = appendCOW(c.aggregations, fc)
	}
	c.lastEval[cf.ID] = time.Now()
	c.deps.Metrics.FieldsChanged(1)
}

func (c *Coordinator) unregister(fc *calc.Context) {
	cf := fc.Field
	delete(c.fields, cf.ID)
	delete(c.lastEval, cf.ID)
	c.setEntityFields(cf.EntityID, removeCOW(c.entityFields[cf.EntityID], func(x *calc.Context) bool { return x.Field.ID == cf.ID }))
	for _, linked := range cf.LinkedEntities() {
		c.setLinks(linked, removeCOW(c.entityLinks[linked], func(id uuid.UUID) bool { return id == cf.ID }))
	}
	if cf.Type == field.Aggregation {
		c.aggregations = removeCOW(c.aggregations, func(x *calc.Context) bool { return x.Field.ID == cf.ID })
	}
	c.deps.Metrics.FieldsChanged(-1)
}

// replace swaps old for next in every index. When the target is unchanged the
// per-entity list is rebuilt with next in old's position.
func (c *Coordinator) replace(old, next *calc.Context) {
	if old.Field.EntityID != next.Field.EntityID {
		c.unregister(old)
		c.register(next)
		return
	}
	id := next.Field.ID
	c.fields[id] = next
	c.entityFields[next.Field.EntityID] = replaceCOW(c.entityFields[next.Field.EntityID], next, func(x *calc.Context) bool { return x.Field.ID == id })

	for _, linked := range old.Field.LinkedEntities() {
		c.setLinks(linked, removeCOW(c.entityLinks[linked], func(x uuid.UUID) bool { return x == id }))
	}
	for _, linked := range next.Field.LinkedEntities() {
		c.entityLinks[linked] = appendCOW(c.entityLinks[linked], id)
	}

	c.aggregations = removeCOW(c.aggregations, func(x *calc.Context) bool { return x.Field.ID == id })
	if next.Field.Type == field.Aggregation {
		c.aggregations = appendCOW(c.aggregations, next)
	}
}

func (c *Coordinator) setEntityFields(id entity.ID, list []*calc.Context) {
	if len(list) == 0 {
		delete(c.entityFields, id)
		return
	}
	c.entityFields[id] = list
}

func (c *Coordinator) setLinks(id entity.ID, list []uuid.UUID) {
	if len(list) == 0 {
		delete(c.entityLinks, id)
		return
	}
	c.entityLinks[id] = list
}

func (c *Coordinator) index(info entity.Info) {
	if prev, ok := c.infos[info.ID]; ok {
		removeMember(c.members, prev.ProfileID, info.ID)
		removeMember(c.owned, prev.OwnerID, info.ID)
	}
	c.infos[info.ID] = info
	addMember(c.members, info.ProfileID, info.ID)
	addMember(c.owned, info.OwnerID, info.ID)
}

func (c *Coordinator) unindex(id entity.ID) {
	if prev, ok := c.infos[id]; ok {
		removeMember(c.members, prev.ProfileID, id)
		removeMember(c.owned, prev.OwnerID, id)
	}
	delete(c.infos, id)
	delete(c.members, id)
	delete(c.owned, id)
}

func addMember(index map[entity.ID]map[entity.ID]struct{}, group, member entity.ID) {
	if group.IsZero() {
		return
	}
	if index[group] == nil {
		index[group] = make(map[entity.ID]struct{})
	}
	index[group][member] = struct{}{}
}

func removeMember(index map[entity.ID]map[entity.ID]struct{}, group, member entity.ID) {
	if set, ok := index[group]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(index, group)
		}
	}
}

// readers filters fields down to those reading a key of u and accepted by keep.
// The input slice is returned as is when nothing is filtered out.
func readers(fields []*calc.Context, u calc.Update, keep func(*calc.Context) bool) []*calc.Context {
	var out []*calc.Context
	filtered := false
	for i, fc := range fields {
		if fc.ReadsKeys(u) && (keep == nil || keep(fc)) {
			if filtered {
				out = append(out, fc)
			}
			continue
		}
		if !filtered {
			filtered = true
			out = append(make([]*calc.Context, 0, len(fields)), fields[:i]...)
		}
	}
	if !filtered {
		return fields
	}
	return out
}

func containsField(fields []*calc.Context, id uuid.UUID) bool {
	for _, fc := range fields {
		if fc.Field.ID == id {
			return true
		}
	}
	return false
}

func fieldIDs(fields []*calc.Context) []uuid.UUID {
	out := make([]uuid.UUID, len(fields))
	for i, fc := range fields {
		out[i] = fc.Field.ID
	}
	return out
}

func appendCOW[T any](list []T, v T) []T {
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	return append(out, v)
}

func removeCOW[T any](list []T, match func(T) bool) []T {
	out := make([]T, 0, len(list))
	for _, v := range list {
		if !match(v) {
			out = append(out, v)
		}
	}
	return out
}

func replaceCOW[T any](list []T, v T, match func(T) bool) []T {
	out := make([]T, len(list))
	for i, x := range list {
		if match(x) {
			out[i] = v
			continue
		}
		out[i] = x
	}
	return out
}

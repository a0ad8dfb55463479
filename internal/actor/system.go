package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/partition"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/aevon-lab/calcengine/internal/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Deps are the collaborators shared by every coordinator and worker.
// Forwarder, Debug and Metrics are optional.
type Deps struct {
	States      storage.StateStore
	Fetcher     *calc.Fetcher
	Definitions storage.DefinitionStore
	Directory   storage.Directory
	Sink        calc.Sink
	Partitions  partition.Resolver
	Forwarder   Forwarder
	Debug       calc.DebugRecorder
	Metrics     *metrics.Metrics
}

// Config tunes the actor system.
type Config struct {
	// Queue is the partitioned queue whose ownership decides which entities this node serves.
	Queue                string
	StateFetchTimeout    time.Duration
	CalculationTimeout   time.Duration
	ReevaluationInterval time.Duration
	MaxStateSizeBytes    int64
	PageSize             int
}

const (
	DefaultQueue             = "calculated-fields"
	DefaultStateFetchTimeout = 10 * time.Second
	DefaultPageSize          = 1000
)

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.StateFetchTimeout <= 0 {
		c.StateFetchTimeout = DefaultStateFetchTimeout
	}
	if c.CalculationTimeout <= 0 {
		c.CalculationTimeout = calc.DefaultCalculationTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	return c
}

// Stats is a point-in-time view of one tenant coordinator.
type Stats struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	Fields       int       `json:"fields"`
	Aggregations int       `json:"aggregations"`
	Entities     int       `json:"entities"`
	Workers      int       `json:"workers"`
	Pending      int       `json:"pending_messages"`
}

// System routes events to per-tenant coordinators, starting them on first use.
type System struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tenants *xsync.Map[uuid.UUID, *Coordinator]
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewSystem(deps Deps, cfg Config) *System {
	ctx, cancel := context.WithCancel(context.Background())
	return &System{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		tenants: xsync.NewMap[uuid.UUID, *Coordinator](),
	}
}

// Start eagerly starts a coordinator for every tenant that has calculated fields.
func (s *System) Start(ctx context.Context) error {
	tenants, err := s.deps.Definitions.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, id := range tenants {
		s.coordinator(id)
	}
	slog.Info("[ActorSystem] Started", "tenants", len(tenants), "queue", s.cfg.Queue)
	return nil
}

// coordinator returns the tenant's coordinator, creating it with a cache-init
// message at the head of its mailbox.
func (s *System) coordinator(tenantID uuid.UUID) *Coordinator {
	if c, ok := s.tenants.Load(tenantID); ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.tenants.Load(tenantID); ok {
		return c
	}

	c := newCoordinator(tenantID, &s.deps, s.cfg)
	c.tell(&cacheInitMsg{msgMeta: newMeta(uuid.Nil, MsgCacheInit, quorum.Funcs(nil, func(err error) {
		slog.Error("[ActorSystem] Tenant cache initialization failed", "tenant", tenantID, "error", err)
	}))})
	s.tenants.Store(tenantID, c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(s.ctx)
	}()
	return c
}

func (s *System) tell(tenantID uuid.UUID, msg message) {
	if s.stopped.Load() {
		msg.meta().cb.OnFailure(enginerr.ErrStopped)
		return
	}
	if !s.coordinator(tenantID).tell(msg) {
		msg.meta().cb.OnFailure(enginerr.ErrStopped)
	}
}

// OnTelemetry routes a telemetry update. cb completes once every affected field has
// been recalculated and its result and state written, or with the first failure.
func (s *System) OnTelemetry(tenantID uuid.UUID, ev TelemetryEvent, cb quorum.Callback) {
	if ev.Update.IsEmpty() {
		quorumOrNoop(cb).OnSuccess()
		return
	}
	s.tell(tenantID, &telemetryEventMsg{msgMeta: newMeta(ev.MsgID, MsgTelemetry, cb), ev: ev})
}

// OnLinkedTelemetry accepts a linked update forwarded by another node.
func (s *System) OnLinkedTelemetry(tenantID uuid.UUID, ev LinkedTelemetryEvent, cb quorum.Callback) {
	s.tell(tenantID, &linkedEventMsg{msgMeta: newMeta(ev.MsgID, MsgLinkedTelemetry, cb), ev: ev})
}

func (s *System) OnFieldEvent(tenantID uuid.UUID, ev FieldEvent, cb quorum.Callback) {
	s.tell(tenantID, &fieldEventMsg{msgMeta: newMeta(uuid.Nil, MsgFieldEvent, cb), ev: ev})
}

func (s *System) OnEntityEvent(tenantID uuid.UUID, ev EntityEvent, cb quorum.Callback) {
	s.tell(tenantID, &entityEventMsg{msgMeta: newMeta(uuid.Nil, MsgEntityEvent, cb), ev: ev})
}

func (s *System) OnRelation(tenantID uuid.UUID, ev RelationEvent, cb quorum.Callback) {
	s.tell(tenantID, &relationEventMsg{msgMeta: newMeta(uuid.Nil, MsgRelation, cb), ev: ev})
}

func (s *System) OnEntityAction(tenantID uuid.UUID, ev EntityActionEvent, cb quorum.Callback) {
	s.tell(tenantID, &actionEventMsg{msgMeta: newMeta(ev.MsgID, MsgAlarmAction, cb), ev: ev})
}

// OnPartitionChange tells every running coordinator that partition ownership moved.
func (s *System) OnPartitionChange(cb quorum.Callback) {
	var coords []*Coordinator
	s.tenants.Range(func(_ uuid.UUID, c *Coordinator) bool {
		coords = append(coords, c)
		return true
	})
	q := quorum.New(quorumOrNoop(cb), len(coords))
	for _, c := range coords {
		if !c.tell(&partitionChangeMsg{msgMeta: newMeta(uuid.Nil, MsgPartitionChange, q)}) {
			q.OnFailure(enginerr.ErrStopped)
		}
	}
}

// OnTenantProfile changes the scheduled re-evaluation interval of a tenant; zero disables it.
func (s *System) OnTenantProfile(tenantID uuid.UUID, interval time.Duration, cb quorum.Callback) {
	s.tell(tenantID, &tenantProfileMsg{msgMeta: newMeta(uuid.Nil, MsgTenantProfile, cb), interval: interval})
}

// Stats reports the state of every running coordinator.
func (s *System) Stats(ctx context.Context) ([]Stats, error) {
	var coords []*Coordinator
	s.tenants.Range(func(_ uuid.UUID, c *Coordinator) bool {
		coords = append(coords, c)
		return true
	})

	out := make([]Stats, len(coords))
	for i, c := range coords {
		f := quorum.NewFuture()
		pending := c.mb.len()
		slot := &out[i]
		ok := c.tell(&inspectMsg{msgMeta: newMeta(uuid.Nil, "INSPECT", f), fn: func(c *Coordinator) {
			*slot = Stats{
				TenantID:     c.tenantID,
				Fields:       len(c.fields),
				Aggregations: len(c.aggregations),
				Entities:     len(c.infos),
				Workers:      c.workers.Size(),
				Pending:      pending,
			}
		}})
		if !ok {
			return nil, enginerr.ErrStopped
		}
		if err := f.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stop stops every coordinator and waits for their workers to exit. Messages still
// queued fail with ErrStopped.
func (s *System) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.tenants.Range(func(_ uuid.UUID, c *Coordinator) bool {
		c.mb.close()
		return true
	})
	s.wg.Wait()
	s.cancel()
	slog.Info("[ActorSystem] Stopped")
}

func quorumOrNoop(cb quorum.Callback) quorum.Callback {
	if cb == nil {
		return quorum.Noop
	}
	return cb
}

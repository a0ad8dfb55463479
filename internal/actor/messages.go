package actor

import (
	"context"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/google/uuid"
)

// Message types, used in logs, metrics and CalculationError.
const (
	MsgTelemetry       = "TELEMETRY"
	MsgLinkedTelemetry = "LINKED_TELEMETRY"
	MsgFieldState      = "FIELD_STATE"
	MsgFieldDelete     = "FIELD_DELETE"
	MsgEntityDelete    = "ENTITY_DELETE"
	MsgStateRestore    = "STATE_RESTORE"
	MsgPartitionChange = "PARTITION_CHANGE"
	MsgRelation        = "RELATION"
	MsgAlarmAction     = "ALARM_ACTION"
	MsgReevaluate      = "REEVALUATE"
	MsgFieldEvent      = "FIELD_EVENT"
	MsgEntityEvent     = "ENTITY_EVENT"
	MsgCacheInit       = "CACHE_INIT"
	MsgTenantProfile   = "TENANT_PROFILE"
)

// TelemetryEvent reports time series or attribute changes on one entity.
type TelemetryEvent struct {
	MsgID  uuid.UUID
	Entity entity.ID
	Update calc.Update
}

// FieldEventType is the lifecycle change of a calculated field.
type FieldEventType string

const (
	FieldCreated FieldEventType = "CREATED"
	FieldUpdated FieldEventType = "UPDATED"
	FieldDeleted FieldEventType = "DELETED"
)

// FieldEvent reports a calculated field lifecycle change. When Field is nil on
// create or update the definition is read from the definition store.
type FieldEvent struct {
	Type    FieldEventType
	FieldID uuid.UUID
	Field   *field.CalculatedField
}

// EntityEventType is the lifecycle change of a device, asset or customer.
type EntityEventType string

const (
	EntityCreated EntityEventType = "CREATED"
	EntityUpdated EntityEventType = "UPDATED"
	EntityDeleted EntityEventType = "DELETED"
)

// EntityEvent reports an entity lifecycle change with the entity's current directory view.
type EntityEvent struct {
	Type EntityEventType
	Info entity.Info
}

// RelationEvent reports a relation added to or removed from the graph.
type RelationEvent struct {
	Relation entity.Relation
	Deleted  bool
}

// EntityActionEvent reports an alarm acknowledged, cleared or deleted on an entity.
type EntityActionEvent struct {
	MsgID  uuid.UUID
	Entity entity.ID
	Action string
}

// LinkKind says how a source entity feeds a field on another entity.
type LinkKind string

const (
	LinkFixed   LinkKind = "LINKED"
	LinkOwner   LinkKind = "OWNER"
	LinkRelated LinkKind = "RELATED"
)

// LinkedTelemetryEvent carries an update of Source to the fields on Target that read it.
// It crosses nodes when Target is owned by another partition.
type LinkedTelemetryEvent struct {
	MsgID    uuid.UUID   `json:"msg_id"`
	Target   entity.ID   `json:"target"`
	Source   entity.ID   `json:"source"`
	Kind     LinkKind    `json:"kind"`
	FieldIDs []uuid.UUID `json:"field_ids"`
	Update   calc.Update `json:"update"`
}

// Forwarder hands linked updates to the node that owns the target entity.
type Forwarder interface {
	Forward(ctx context.Context, tenantID uuid.UUID, ev LinkedTelemetryEvent, cb quorum.Callback)
}

// msgMeta is embedded by every coordinator and worker message.
type msgMeta struct {
	id   uuid.UUID
	kind string
	cb   quorum.Callback
}

func (m msgMeta) meta() msgMeta { return m }

type message interface {
	meta() msgMeta
}

type telemetryMsg struct {
	msgMeta
	fields []*calc.Context
	update calc.Update
}

type linkedTelemetryMsg struct {
	msgMeta
	source entity.ID
	link   LinkKind
	fields []*calc.Context
	update calc.Update
}

type fieldStateMsg struct {
	msgMeta
	ctx    *calc.Context
	action field.StateAction
}

type fieldDeleteMsg struct {
	msgMeta
	fieldID uuid.UUID
}

type entityDeleteMsg struct {
	msgMeta
	fieldIDs []uuid.UUID
}

// stateRestoreMsg installs a persisted state, or drops it when st is nil.
type stateRestoreMsg struct {
	msgMeta
	ctx *calc.Context
	st  *state.State
}

type partitionChangeMsg struct {
	msgMeta
}

type relationMsg struct {
	msgMeta
	ctx     *calc.Context
	source  entity.ID
	deleted bool
}

type alarmActionMsg struct {
	msgMeta
	action string
	fields []*calc.Context
}

type reevaluateMsg struct {
	msgMeta
	fields []*calc.Context
}

func newMeta(id uuid.UUID, kind string, cb quorum.Callback) msgMeta {
	if id == uuid.Nil {
		id = uuid.New()
	}
	if cb == nil {
		cb = quorum.Noop
	}
	return msgMeta{id: id, kind: kind, cb: cb}
}

type telemetryEventMsg struct {
	msgMeta
	ev TelemetryEvent
}

type linkedEventMsg struct {
	msgMeta
	ev LinkedTelemetryEvent
}

type fieldEventMsg struct {
	msgMeta
	ev FieldEvent
}

type entityEventMsg struct {
	msgMeta
	ev EntityEvent
}

type relationEventMsg struct {
	msgMeta
	ev RelationEvent
}

type actionEventMsg struct {
	msgMeta
	ev EntityActionEvent
}

type tenantProfileMsg struct {
	msgMeta
	interval time.Duration
}

type cacheInitMsg struct {
	msgMeta
}

// inspectMsg runs fn on the coordinator goroutine.
type inspectMsg struct {
	msgMeta
	fn func(*Coordinator)
}

package calc

import (
	"context"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/google/uuid"
)

// Result is the output of one calculation.
type Result struct {
	Type  field.OutputType `json:"type"`
	Scope string           `json:"scope,omitempty"`
	// Payload is a map of output keys, or an array of such maps for scripts
	// that emit several timestamped records.
	Payload any `json:"payload"`
}

// IsEmpty reports whether there is nothing to emit.
func (r Result) IsEmpty() bool {
	switch p := r.Payload.(type) {
	case nil:
		return true
	case map[string]any:
		return len(p) == 0
	case []any:
		return len(p) == 0
	}
	return false
}

// Stamped returns a copy of r whose time series payload carries ts.
// Attribute results are returned unchanged.
func (r Result) Stamped(ts int64) Result {
	if r.Type != field.OutputTimeSeries {
		return r
	}
	r.Payload = StampTs(r.Payload, ts)
	return r
}

// StampTs wraps a values map as {"ts": ts, "values": m} unless it already carries a
// "ts" key. Arrays are stamped element by element.
func StampTs(payload any, ts int64) any {
	switch p := payload.(type) {
	case map[string]any:
		if _, ok := p["ts"]; ok {
			return p
		}
		return map[string]any{"ts": ts, "values": p}
	case []any:
		out := make([]any, len(p))
		for i, el := range p {
			out[i] = StampTs(el, ts)
		}
		return out
	}
	return payload
}

// Sink delivers results to the downstream rule pipeline.
// Push must invoke cb exactly once.
type Sink interface {
	Push(ctx context.Context, tenantID uuid.UUID, target entity.ID, res Result, causes []uuid.UUID, cb quorum.Callback)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, tenantID uuid.UUID, target entity.ID, res Result, causes []uuid.UUID, cb quorum.Callback)

func (f SinkFunc) Push(ctx context.Context, tenantID uuid.UUID, target entity.ID, res Result, causes []uuid.UUID, cb quorum.Callback) {
	f(ctx, tenantID, target, res, causes, cb)
}

// DebugEvent captures one argument update or calculation for troubleshooting.
type DebugEvent struct {
	TenantID  uuid.UUID      `json:"tenant_id"`
	FieldID   uuid.UUID      `json:"field_id"`
	Entity    entity.ID      `json:"entity"`
	MsgID     uuid.UUID      `json:"msg_id"`
	MsgType   string         `json:"msg_type"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Time      time.Time      `json:"time"`
}

// DebugRecorder receives debug events of fields whose debug mode asks for them.
type DebugRecorder interface {
	Record(ev DebugEvent)
}

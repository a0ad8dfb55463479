// Package debug keeps the most recent calculated-field debug events in memory so operators
// can inspect argument updates and calculation failures through the API.
package debug

import (
	"log/slog"
	"sync"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/google/uuid"
)

const DefaultCapacity = 1024

// Recorder is a fixed-size ring of debug events shared by every tenant on the node.
// Once full, the oldest event is overwritten.
type Recorder struct {
	mu     sync.RWMutex
	events []calc.DebugEvent
	next   int
	full   bool
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{events: make([]calc.DebugEvent, capacity)}
}

// Record implements calc.DebugRecorder.
func (r *Recorder) Record(ev calc.DebugEvent) {
	attrs := []any{
		"tenant_id", ev.TenantID,
		"field_id", ev.FieldID,
		"entity", ev.Entity.String(),
		"msg_type", ev.MsgType,
	}
	if ev.Error != "" {
		slog.Warn("[Debug] Calculation failed", append(attrs, "error", ev.Error)...)
	} else {
		slog.Debug("[Debug] Field event", append(attrs, "result", ev.Result)...)
	}

	r.mu.Lock()
	r.events[r.next] = ev
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Filter selects events. Zero uuids match everything.
type Filter struct {
	TenantID   uuid.UUID
	FieldID    uuid.UUID
	OnlyErrors bool
	Limit      int
}

func (f Filter) match(ev calc.DebugEvent) bool {
	if f.TenantID != uuid.Nil && ev.TenantID != f.TenantID {
		return false
	}
	if f.FieldID != uuid.Nil && ev.FieldID != f.FieldID {
		return false
	}
	return !f.OnlyErrors || ev.Error != ""
}

// Events returns matching events, newest first.
func (r *Recorder) Events(f Filter) []calc.DebugEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.events)
	}
	out := make([]calc.DebugEvent, 0)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.events)) % len(r.events)
		ev := r.events[idx]
		if !f.match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.events)
	}
	return r.next
}

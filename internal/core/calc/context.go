package calc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	enginerr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultCalculationTimeout bounds a calculation when no timeout is configured.
const DefaultCalculationTimeout = 5 * time.Second

// UpdateKind says whether an update carries time series or attributes.
type UpdateKind string

const (
	TimeSeries UpdateKind = "TIME_SERIES"
	Attributes UpdateKind = "ATTRIBUTES"
)

// Update is a batch of values written to, or removed from, one entity.
type Update struct {
	Kind    UpdateKind `json:"kind"`
	Scope   string     `json:"scope,omitempty"`
	Entries []kv.Entry `json:"entries,omitempty"`
	Removed []string   `json:"removed,omitempty"`
	// Ts stamps removals.
	Ts int64 `json:"ts,omitempty"`
}

// IsEmpty reports whether the update carries nothing.
func (u Update) IsEmpty() bool {
	return len(u.Entries) == 0 && len(u.Removed) == 0
}

// Context is the compiled, ready-to-run form of a calculated field definition.
// A Context is shared read-only between the coordinator and workers; it is replaced,
// never mutated, when the definition changes.
type Context struct {
	Field *field.CalculatedField

	timeout     time.Duration
	maxState    int64
	program     *vm.Program
	initialized bool
	closed      atomic.Bool
}

// NewContext wraps a definition. Init must succeed before the context is used.
// maxStateBytes is the fallback size limit when the definition sets none.
func NewContext(cf *field.CalculatedField, timeout time.Duration, maxStateBytes int64) *Context {
	if timeout <= 0 {
		timeout = DefaultCalculationTimeout
	}
	return &Context{Field: cf, timeout: timeout, maxState: maxStateBytes}
}

// Init compiles the definition's expression.
func (c *Context) Init() error {
	if err := c.Field.Validate(); err != nil {
		return &enginerr.InitError{FieldID: c.Field.ID, Name: c.Field.Name, Cause: err}
	}
	switch c.Field.Type {
	case field.Simple, field.Script:
		program, err := expr.Compile(c.Field.Expression)
		if err != nil {
			return &enginerr.InitError{FieldID: c.Field.ID, Name: c.Field.Name, Cause: fmt.Errorf("compile expression: %w", err)}
		}
		c.program = program
	}
	c.initialized = true
	return nil
}

// Initialized reports whether Init succeeded.
func (c *Context) Initialized() bool {
	return c.initialized
}

// Close marks the context as superseded. In-flight users may still finish with it.
func (c *Context) Close() {
	c.closed.Store(true)
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

// Timeout is the calculation bound for this field.
func (c *Context) Timeout() time.Duration {
	return c.timeout
}

// MaxStateSize is the byte budget of one state of this field; 0 disables the limit.
func (c *Context) MaxStateSize() int64 {
	if c.Field.Limits.MaxStateSizeBytes > 0 {
		return c.Field.Limits.MaxStateSizeBytes
	}
	return c.maxState
}

// NewState creates an empty state shaped for this field.
func (c *Context) NewState() *state.State {
	if c.Field.Type == field.Aggregation {
		return state.New(nil)
	}
	return state.New(c.Field.ArgumentNames())
}

// SelfArguments maps an update on the field's own target to argument entries.
func (c *Context) SelfArguments(u Update) map[string]state.Entry {
	if c.Field.Type == field.Aggregation {
		return nil
	}
	return c.collect(u, func(arg field.Argument) bool {
		if arg.DynamicSource != "" {
			return false
		}
		return !arg.IsLinked() || *arg.RefEntity == c.Field.EntityID
	}, identity)
}

// LinkedArguments maps an update on a fixed linked entity to argument entries.
func (c *Context) LinkedArguments(from entity.ID, u Update) map[string]state.Entry {
	if c.Field.Type == field.Aggregation {
		return nil
	}
	return c.collect(u, func(arg field.Argument) bool {
		return arg.IsLinked() && *arg.RefEntity == from
	}, identity)
}

// OwnerArguments maps an update on the target's current owner to argument entries.
func (c *Context) OwnerArguments(u Update) map[string]state.Entry {
	return c.collect(u, func(arg field.Argument) bool {
		return arg.DynamicSource == field.CurrentOwner
	}, identity)
}

// RelatedArguments maps an update on a related source entity of an aggregation field.
func (c *Context) RelatedArguments(from entity.ID, u Update) map[string]state.Entry {
	if c.Field.Type != field.Aggregation {
		return nil
	}
	return c.collect(u, func(field.Argument) bool { return true }, func(name string) string {
		return state.SourceKey(name, from)
	})
}

// ReadsKeys reports whether any argument of the field reads one of the update's keys.
func (c *Context) ReadsKeys(u Update) bool {
	for _, arg := range c.Field.Arguments {
		if c.matches(arg, u.Kind, u.Scope) && (containsKey(u.Entries, arg.Key.Name) || contains(u.Removed, arg.Key.Name)) {
			return true
		}
	}
	return false
}

func identity(name string) string { return name }

func (c *Context) collect(u Update, accept func(field.Argument) bool, rename func(string) string) map[string]state.Entry {
	out := make(map[string]state.Entry)
	for name, arg := range c.Field.Arguments {
		if !accept(arg) || !c.matches(arg, u.Kind, u.Scope) {
			continue
		}
		for _, e := range u.Entries {
			if e.Key != arg.Key.Name {
				continue
			}
			if arg.Key.Type == field.TsRolling {
				r := state.NewRolling(c.Field.RollingLimit(arg), arg.TimeWindow)
				if v, ok := kv.Numeric(e.Value); ok {
					r.Insert(e.Ts, v)
				}
				if existing, ok := out[rename(name)].(*state.Rolling); ok {
					for _, p := range r.Points {
						existing.Insert(p.Ts, p.Value)
					}
					continue
				}
				out[rename(name)] = r
				continue
			}
			if prev, ok := out[rename(name)].(*state.Single); ok && prev.Ts > e.Ts {
				continue
			}
			out[rename(name)] = &state.Single{Ts: e.Ts, Value: kv.Normalize(e.Value)}
		}
		if arg.Key.Type == field.TsRolling {
			continue
		}
		if contains(u.Removed, arg.Key.Name) {
			out[rename(name)] = &state.Single{Ts: u.Ts, Value: kv.Parse(arg.DefaultValue), ForceReset: true}
		}
	}
	return out
}

func (c *Context) matches(arg field.Argument, kind UpdateKind, scope string) bool {
	switch kind {
	case TimeSeries:
		return arg.Key.Type.IsTimeSeries()
	case Attributes:
		return arg.Key.Type == field.Attribute && (arg.Key.Scope == "" || scope == "" || arg.Key.Scope == scope)
	}
	return false
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func containsKey(entries []kv.Entry, key string) bool {
	for _, e := range entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

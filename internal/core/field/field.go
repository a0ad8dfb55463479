package field

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/aggregation"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
)

// Type is the calculation kind of a calculated field.
type Type string

const (
	Simple      Type = "SIMPLE"
	Script      Type = "SCRIPT"
	Aggregation Type = "RELATED_ENTITIES_AGGREGATION"
)

// ArgumentType selects where an argument value is read from.
type ArgumentType string

const (
	TsLatest  ArgumentType = "TS_LATEST"
	TsRolling ArgumentType = "TS_ROLLING"
	Attribute ArgumentType = "ATTRIBUTE"
)

// IsTimeSeries reports whether the argument is sourced from time series data.
func (t ArgumentType) IsTimeSeries() bool {
	return t == TsLatest || t == TsRolling
}

// DynamicSource names an argument source resolved at runtime instead of a fixed entity.
type DynamicSource string

const CurrentOwner DynamicSource = "CURRENT_OWNER"

// OutputType selects how results are written downstream.
type OutputType string

const (
	OutputTimeSeries OutputType = "TIME_SERIES"
	OutputAttributes OutputType = "ATTRIBUTES"
)

// DebugMode controls which calculations are captured for inspection.
type DebugMode string

const (
	DebugNone     DebugMode = "NONE"
	DebugFailures DebugMode = "FAILURES"
	DebugAll      DebugMode = "ALL"
)

// DefaultRollingLimit bounds rolling arguments that do not set a limit of their own.
const DefaultRollingLimit = 1000

// ReferencedKey is the telemetry or attribute key an argument reads.
type ReferencedKey struct {
	Name  string       `json:"name"`
	Type  ArgumentType `json:"type"`
	Scope string       `json:"scope,omitempty"` // attribute scope; empty matches any
}

// Argument maps one referenced key to a named calculation input.
type Argument struct {
	RefEntity     *entity.ID    `json:"ref_entity,omitempty"`
	DynamicSource DynamicSource `json:"dynamic_source,omitempty"`
	Key           ReferencedKey `json:"key"`
	DefaultValue  string        `json:"default_value,omitempty"`
	TimeWindow    time.Duration `json:"time_window,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// IsLinked reports whether the argument reads a fixed entity other than the field's target.
func (a Argument) IsLinked() bool {
	return a.RefEntity != nil && !a.RefEntity.IsZero()
}

// EffectiveLimit is the record bound of a rolling argument.
func (a Argument) EffectiveLimit() int {
	if a.Limit > 0 {
		return a.Limit
	}
	return DefaultRollingLimit
}

// Output describes where and how a result is written.
type Output struct {
	Type     OutputType `json:"type"`
	Scope    string     `json:"scope,omitempty"`
	Name     string     `json:"name,omitempty"`
	Decimals *int       `json:"decimals,omitempty"`
}

// RelationPath is the single-hop relation query an aggregation field follows from its
// target to find source entities.
type RelationPath struct {
	Direction    entity.Direction `json:"direction"`
	RelationType string           `json:"relation_type"`
}

// Metric is one aggregated output of a related-entities aggregation.
type Metric struct {
	Function string `json:"function" yaml:"function"`
	Input    string `json:"input" yaml:"input"`
}

// Limits are the per-field resource bounds.
type Limits struct {
	MaxStateSizeBytes int64 `json:"max_state_size_bytes,omitempty" yaml:"max_state_size_bytes,omitempty"`
	MaxRollingRecords int   `json:"max_rolling_records,omitempty" yaml:"max_rolling_records,omitempty"`
	MaxArguments      int   `json:"max_arguments,omitempty" yaml:"max_arguments,omitempty"`
}

// CalculatedField is an immutable calculated field definition. Configuration changes
// produce a new value; callers must never mutate a definition they did not build.
type CalculatedField struct {
	ID                      uuid.UUID           `json:"id"`
	TenantID                uuid.UUID           `json:"tenant_id"`
	EntityID                entity.ID           `json:"entity"`
	Name                    string              `json:"name"`
	Type                    Type                `json:"type"`
	Version                 int64               `json:"version"`
	Arguments               map[string]Argument `json:"arguments"`
	Expression              string              `json:"expression,omitempty"`
	Output                  Output              `json:"output"`
	Relation                *RelationPath       `json:"relation,omitempty"`
	Metrics                 map[string]Metric   `json:"metrics,omitempty"`
	Debug                   DebugMode           `json:"debug"`
	Limits                  Limits              `json:"limits"`
	ScheduledUpdateInterval time.Duration       `json:"scheduled_update_interval,omitempty"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// Validate checks the definition is internally consistent.
func (cf *CalculatedField) Validate() error {
	if cf.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if cf.TenantID == uuid.Nil {
		return fmt.Errorf("tenant_id is required")
	}
	if !cf.EntityID.Type.Valid() || cf.EntityID.UUID == uuid.Nil {
		return fmt.Errorf("entity is required")
	}
	if strings.TrimSpace(cf.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if cf.Limits.MaxArguments > 0 && len(cf.Arguments) > cf.Limits.MaxArguments {
		return fmt.Errorf("field %q declares %d arguments, limit is %d", cf.Name, len(cf.Arguments), cf.Limits.MaxArguments)
	}
	if cf.Limits.MaxStateSizeBytes < 0 {
		return fmt.Errorf("limits.max_state_size_bytes must be >= 0")
	}
	if cf.Limits.MaxRollingRecords < 0 {
		return fmt.Errorf("limits.max_rolling_records must be >= 0")
	}

	for name, arg := range cf.Arguments {
		if err := validateArgument(name, arg); err != nil {
			return fmt.Errorf("field %q: %w", cf.Name, err)
		}
	}

	switch cf.Type {
	case Simple, Script:
		if len(cf.Arguments) == 0 {
			return fmt.Errorf("field %q: at least one argument is required", cf.Name)
		}
		if strings.TrimSpace(cf.Expression) == "" {
			return fmt.Errorf("field %q: expression is required", cf.Name)
		}
		if cf.Type == Simple && strings.TrimSpace(cf.Output.Name) == "" {
			return fmt.Errorf("field %q: output.name is required for %s fields", cf.Name, Simple)
		}
	case Aggregation:
		if cf.Relation == nil {
			return fmt.Errorf("field %q: relation is required for %s fields", cf.Name, Aggregation)
		}
		if cf.Relation.Direction != entity.From && cf.Relation.Direction != entity.To {
			return fmt.Errorf("field %q: invalid relation direction %q", cf.Name, cf.Relation.Direction)
		}
		if len(cf.Metrics) == 0 {
			return fmt.Errorf("field %q: at least one metric is required", cf.Name)
		}
		for name, m := range cf.Metrics {
			if !aggregation.ValidOperator(m.Function) {
				return fmt.Errorf("field %q: metric %q uses unsupported function %q", cf.Name, name, m.Function)
			}
			if _, ok := cf.Arguments[m.Input]; !ok {
				return fmt.Errorf("field %q: metric %q reads unknown argument %q", cf.Name, name, m.Input)
			}
		}
		for name, arg := range cf.Arguments {
			if arg.IsLinked() || arg.DynamicSource != "" {
				return fmt.Errorf("field %q: aggregation argument %q must read the related entities", cf.Name, name)
			}
			if arg.Key.Type == TsRolling {
				return fmt.Errorf("field %q: aggregation argument %q cannot be rolling", cf.Name, name)
			}
		}
	default:
		return fmt.Errorf("field %q: unsupported type %q", cf.Name, cf.Type)
	}

	switch cf.Output.Type {
	case OutputTimeSeries, OutputAttributes:
	default:
		return fmt.Errorf("field %q: unsupported output type %q", cf.Name, cf.Output.Type)
	}

	switch cf.Debug {
	case "", DebugNone, DebugFailures, DebugAll:
	default:
		return fmt.Errorf("field %q: unsupported debug mode %q", cf.Name, cf.Debug)
	}
	return nil
}

func validateArgument(name string, arg Argument) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("argument name must not be empty")
	}
	if strings.TrimSpace(arg.Key.Name) == "" {
		return fmt.Errorf("argument %q: key name is required", name)
	}
	switch arg.Key.Type {
	case TsLatest, TsRolling, Attribute:
	default:
		return fmt.Errorf("argument %q: unsupported key type %q", name, arg.Key.Type)
	}
	if arg.IsLinked() && arg.DynamicSource != "" {
		return fmt.Errorf("argument %q: ref_entity and dynamic_source are mutually exclusive", name)
	}
	if arg.DynamicSource != "" && arg.DynamicSource != CurrentOwner {
		return fmt.Errorf("argument %q: unsupported dynamic source %q", name, arg.DynamicSource)
	}
	if arg.Limit < 0 {
		return fmt.Errorf("argument %q: limit must be >= 0", name)
	}
	if arg.TimeWindow < 0 {
		return fmt.Errorf("argument %q: time_window must be >= 0", name)
	}
	return nil
}

// Clone returns a deep copy that can be modified to derive a new definition.
func (cf *CalculatedField) Clone() *CalculatedField {
	out := *cf
	out.Arguments = make(map[string]Argument, len(cf.Arguments))
	for name, arg := range cf.Arguments {
		if arg.RefEntity != nil {
			ref := *arg.RefEntity
			arg.RefEntity = &ref
		}
		out.Arguments[name] = arg
	}
	if cf.Metrics != nil {
		out.Metrics = make(map[string]Metric, len(cf.Metrics))
		for name, m := range cf.Metrics {
			out.Metrics[name] = m
		}
	}
	if cf.Relation != nil {
		rel := *cf.Relation
		out.Relation = &rel
	}
	if cf.Output.Decimals != nil {
		d := *cf.Output.Decimals
		out.Output.Decimals = &d
	}
	return &out
}

// Fingerprint is a SHA-256 of the canonical JSON form, ignoring Version and UpdatedAt.
func (cf *CalculatedField) Fingerprint() string {
	c := cf.Clone()
	c.Version = 0
	c.UpdatedAt = time.Time{}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// ArgumentNames returns the declared argument names in sorted order.
func (cf *CalculatedField) ArgumentNames() []string {
	names := make([]string, 0, len(cf.Arguments))
	for name := range cf.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LinkedEntities returns the distinct fixed entities, other than the target, that the
// field reads arguments from.
func (cf *CalculatedField) LinkedEntities() []entity.ID {
	seen := make(map[entity.ID]struct{})
	var out []entity.ID
	for _, name := range cf.ArgumentNames() {
		arg := cf.Arguments[name]
		if !arg.IsLinked() || *arg.RefEntity == cf.EntityID {
			continue
		}
		if _, ok := seen[*arg.RefEntity]; ok {
			continue
		}
		seen[*arg.RefEntity] = struct{}{}
		out = append(out, *arg.RefEntity)
	}
	return out
}

// RollingLimit is the record bound applied to a rolling argument of this field.
func (cf *CalculatedField) RollingLimit(arg Argument) int {
	limit := arg.EffectiveLimit()
	if cf.Limits.MaxRollingRecords > 0 && limit > cf.Limits.MaxRollingRecords {
		return cf.Limits.MaxRollingRecords
	}
	return limit
}

// HasOwnerArguments reports whether any argument is sourced from the target's current owner.
func (cf *CalculatedField) HasOwnerArguments() bool {
	for _, arg := range cf.Arguments {
		if arg.DynamicSource == CurrentOwner {
			return true
		}
	}
	return false
}

// RequiresScheduledReevaluation reports whether the field is recomputed on a timer as
// well as on incoming data.
func (cf *CalculatedField) RequiresScheduledReevaluation() bool {
	return cf.ScheduledUpdateInterval > 0
}

// DebugEnabled reports whether a calculation outcome should be captured.
func (cf *CalculatedField) DebugEnabled(failed bool) bool {
	switch cf.Debug {
	case DebugAll:
		return true
	case DebugFailures:
		return failed
	}
	return false
}

package field

import (
	"fmt"
	"strings"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
)

// Document is the external shape of a calculated field shared by YAML files, the HTTP
// API and the database config column. Durations are strings such as "15m" or "7d".
type Document struct {
	ID                      string                      `json:"id" yaml:"id"`
	TenantID                string                      `json:"tenant_id" yaml:"tenant_id"`
	EntityType              string                      `json:"entity_type" yaml:"entity_type"`
	EntityID                string                      `json:"entity_id" yaml:"entity_id"`
	Name                    string                      `json:"name" yaml:"name"`
	Type                    string                      `json:"type" yaml:"type"`
	Version                 int64                       `json:"version,omitempty" yaml:"version,omitempty"`
	Arguments               map[string]ArgumentDocument `json:"arguments" yaml:"arguments"`
	Expression              string                      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Output                  OutputDocument              `json:"output" yaml:"output"`
	Relation                *RelationDocument           `json:"relation,omitempty" yaml:"relation,omitempty"`
	Metrics                 map[string]Metric           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Debug                   string                      `json:"debug,omitempty" yaml:"debug,omitempty"`
	Limits                  Limits                      `json:"limits,omitempty" yaml:"limits,omitempty"`
	ScheduledUpdateInterval string                      `json:"scheduled_update_interval,omitempty" yaml:"scheduled_update_interval,omitempty"`
}

type ArgumentDocument struct {
	RefEntityType string `json:"ref_entity_type,omitempty" yaml:"ref_entity_type,omitempty"`
	RefEntityID   string `json:"ref_entity_id,omitempty" yaml:"ref_entity_id,omitempty"`
	DynamicSource string `json:"dynamic_source,omitempty" yaml:"dynamic_source,omitempty"`
	Key           string `json:"key" yaml:"key"`
	Type          string `json:"type" yaml:"type"`
	Scope         string `json:"scope,omitempty" yaml:"scope,omitempty"`
	DefaultValue  string `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	TimeWindow    string `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	Limit         int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}

type OutputDocument struct {
	Type     string `json:"type" yaml:"type"`
	Scope    string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Decimals *int   `json:"decimals,omitempty" yaml:"decimals,omitempty"`
}

type RelationDocument struct {
	Direction    string `json:"direction" yaml:"direction"`
	RelationType string `json:"relation_type" yaml:"relation_type"`
}

// ToField converts and validates the document.
func (d Document) ToField() (*CalculatedField, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", d.ID, err)
	}
	tenantID, err := uuid.Parse(d.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant_id %q: %w", d.TenantID, err)
	}
	target, err := entity.Parse(d.EntityType, d.EntityID)
	if err != nil {
		return nil, err
	}

	cf := &CalculatedField{
		ID:         id,
		TenantID:   tenantID,
		EntityID:   target,
		Name:       d.Name,
		Type:       Type(strings.ToUpper(d.Type)),
		Version:    d.Version,
		Arguments:  make(map[string]Argument, len(d.Arguments)),
		Expression: d.Expression,
		Output: Output{
			Type:     OutputType(strings.ToUpper(d.Output.Type)),
			Scope:    d.Output.Scope,
			Name:     d.Output.Name,
			Decimals: d.Output.Decimals,
		},
		Metrics: d.Metrics,
		Debug:   DebugMode(strings.ToUpper(d.Debug)),
		Limits:  d.Limits,
	}
	if cf.Output.Type == "" {
		cf.Output.Type = OutputTimeSeries
	}
	if cf.Debug == "" {
		cf.Debug = DebugNone
	}

	for name, raw := range d.Arguments {
		arg := Argument{
			DynamicSource: DynamicSource(strings.ToUpper(raw.DynamicSource)),
			Key: ReferencedKey{
				Name:  raw.Key,
				Type:  ArgumentType(strings.ToUpper(raw.Type)),
				Scope: raw.Scope,
			},
			DefaultValue: raw.DefaultValue,
			Limit:        raw.Limit,
		}
		if raw.RefEntityID != "" {
			ref, err := entity.Parse(raw.RefEntityType, raw.RefEntityID)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", name, err)
			}
			arg.RefEntity = &ref
		}
		if raw.TimeWindow != "" {
			window, err := ParseDuration(raw.TimeWindow)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", name, err)
			}
			arg.TimeWindow = window
		}
		cf.Arguments[name] = arg
	}

	if d.Relation != nil {
		cf.Relation = &RelationPath{
			Direction:    entity.Direction(strings.ToUpper(d.Relation.Direction)),
			RelationType: d.Relation.RelationType,
		}
	}

	if d.ScheduledUpdateInterval != "" {
		interval, err := ParseDuration(d.ScheduledUpdateInterval)
		if err != nil {
			return nil, fmt.Errorf("scheduled_update_interval: %w", err)
		}
		cf.ScheduledUpdateInterval = interval
	}

	if err := cf.Validate(); err != nil {
		return nil, err
	}
	return cf, nil
}

// NewDocument renders a definition in its external shape.
func NewDocument(cf *CalculatedField) Document {
	d := Document{
		ID:         cf.ID.String(),
		TenantID:   cf.TenantID.String(),
		EntityType: string(cf.EntityID.Type),
		EntityID:   cf.EntityID.UUID.String(),
		Name:       cf.Name,
		Type:       string(cf.Type),
		Version:    cf.Version,
		Arguments:  make(map[string]ArgumentDocument, len(cf.Arguments)),
		Expression: cf.Expression,
		Output: OutputDocument{
			Type:     string(cf.Output.Type),
			Scope:    cf.Output.Scope,
			Name:     cf.Output.Name,
			Decimals: cf.Output.Decimals,
		},
		Metrics: cf.Metrics,
		Debug:   string(cf.Debug),
		Limits:  cf.Limits,
	}
	for name, arg := range cf.Arguments {
		raw := ArgumentDocument{
			DynamicSource: string(arg.DynamicSource),
			Key:           arg.Key.Name,
			Type:          string(arg.Key.Type),
			Scope:         arg.Key.Scope,
			DefaultValue:  arg.DefaultValue,
			Limit:         arg.Limit,
		}
		if arg.IsLinked() {
			raw.RefEntityType = string(arg.RefEntity.Type)
			raw.RefEntityID = arg.RefEntity.UUID.String()
		}
		if arg.TimeWindow > 0 {
			raw.TimeWindow = arg.TimeWindow.String()
		}
		d.Arguments[name] = raw
	}
	if cf.Relation != nil {
		d.Relation = &RelationDocument{
			Direction:    string(cf.Relation.Direction),
			RelationType: cf.Relation.RelationType,
		}
	}
	if cf.ScheduledUpdateInterval > 0 {
		d.ScheduledUpdateInterval = cf.ScheduledUpdateInterval.String()
	}
	return d
}

// ParseDuration parses Go duration syntax plus an "Xd" suffix for whole days.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

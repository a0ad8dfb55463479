package v1

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/kv"
	"github.com/google/uuid"
)

// Lifecycle events shared by field and entity payloads.
const (
	EventCreated = "CREATED"
	EventUpdated = "UPDATED"
	EventDeleted = "DELETED"
)

// EntityRef is the wire form of an entity id.
type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func NewEntityRef(id entity.ID) EntityRef {
	return EntityRef{EntityType: string(id.Type), EntityID: id.UUID.String()}
}

func (r EntityRef) Parse() (entity.ID, error) {
	return entity.Parse(r.EntityType, r.EntityID)
}

// TelemetryPayload carries time series or attribute values written to one entity.
// Values share Ts; Entries carry their own timestamps and fall back to Ts when zero.
type TelemetryPayload struct {
	Entity  EntityRef      `json:"entity"`
	Kind    string         `json:"kind,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Ts      int64          `json:"ts,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
	Entries []kv.Entry     `json:"entries,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// NewTelemetryPayload renders an update in wire form.
func NewTelemetryPayload(id entity.ID, u calc.Update) TelemetryPayload {
	return TelemetryPayload{
		Entity:  NewEntityRef(id),
		Kind:    string(u.Kind),
		Scope:   u.Scope,
		Ts:      u.Ts,
		Entries: u.Entries,
		Removed: u.Removed,
	}
}

func (p *TelemetryPayload) Validate() error {
	if _, err := p.Entity.Parse(); err != nil {
		return fmt.Errorf("entity: %w", err)
	}
	switch calc.UpdateKind(strings.ToUpper(p.Kind)) {
	case "", calc.TimeSeries, calc.Attributes:
	default:
		return fmt.Errorf("unknown telemetry kind %q", p.Kind)
	}
	if len(p.Values) == 0 && len(p.Entries) == 0 && len(p.Removed) == 0 {
		return fmt.Errorf("telemetry carries no values, entries or removed keys")
	}
	for k := range p.Values {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("telemetry keys must not be empty")
		}
	}
	for _, e := range p.Entries {
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("telemetry keys must not be empty")
		}
	}
	return nil
}

// ToUpdate converts the payload. Missing timestamps default to now.
func (p *TelemetryPayload) ToUpdate(now time.Time) (entity.ID, calc.Update, error) {
	id, err := p.Entity.Parse()
	if err != nil {
		return entity.ID{}, calc.Update{}, err
	}
	ts := p.Ts
	if ts == 0 {
		ts = now.UnixMilli()
	}

	kind := calc.UpdateKind(strings.ToUpper(p.Kind))
	if kind == "" {
		kind = calc.TimeSeries
	}
	u := calc.Update{Kind: kind, Scope: p.Scope, Ts: ts, Removed: p.Removed}

	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		u.Entries = append(u.Entries, kv.Entry{Key: k, Ts: ts, Value: kv.Normalize(p.Values[k])})
	}
	for _, e := range p.Entries {
		if e.Ts == 0 {
			e.Ts = ts
		}
		e.Value = kv.Normalize(e.Value)
		u.Entries = append(u.Entries, e)
	}
	return id, u, nil
}

// FieldPayload reports a calculated field lifecycle change. Definition may be omitted,
// in which case the engine reads it from the definition store.
type FieldPayload struct {
	Event      string          `json:"event"`
	FieldID    string          `json:"field_id,omitempty"`
	Definition *field.Document `json:"definition,omitempty"`
}

func (p *FieldPayload) Validate() error {
	switch p.Event {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return fmt.Errorf("unknown field event %q", p.Event)
	}
	if p.FieldID == "" && p.Definition == nil {
		return fmt.Errorf("field_id or definition is required")
	}
	if p.FieldID != "" {
		if _, err := uuid.Parse(p.FieldID); err != nil {
			return fmt.Errorf("field_id must be a uuid: %w", err)
		}
	}
	return nil
}

// ID returns the field id, falling back to the definition's id.
func (p *FieldPayload) ID() (uuid.UUID, error) {
	if p.FieldID != "" {
		return uuid.Parse(p.FieldID)
	}
	if p.Definition != nil {
		return uuid.Parse(p.Definition.ID)
	}
	return uuid.Nil, fmt.Errorf("field_id or definition is required")
}

// EntityPayload reports a device, asset or customer lifecycle change.
type EntityPayload struct {
	Event   string     `json:"event"`
	Entity  EntityRef  `json:"entity"`
	Profile *EntityRef `json:"profile,omitempty"`
	Owner   *EntityRef `json:"owner,omitempty"`
}

func (p *EntityPayload) Validate() error {
	switch p.Event {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return fmt.Errorf("unknown entity event %q", p.Event)
	}
	_, err := p.ToInfo()
	return err
}

func (p *EntityPayload) ToInfo() (entity.Info, error) {
	var info entity.Info
	var err error
	if info.ID, err = p.Entity.Parse(); err != nil {
		return entity.Info{}, fmt.Errorf("entity: %w", err)
	}
	if p.Profile != nil {
		if info.ProfileID, err = p.Profile.Parse(); err != nil {
			return entity.Info{}, fmt.Errorf("profile: %w", err)
		}
		if !info.ProfileID.Type.IsProfile() {
			return entity.Info{}, fmt.Errorf("profile: %s is not a profile", info.ProfileID.Type)
		}
	}
	if p.Owner != nil {
		if info.OwnerID, err = p.Owner.Parse(); err != nil {
			return entity.Info{}, fmt.Errorf("owner: %w", err)
		}
		if !info.OwnerID.Type.IsOwner() {
			return entity.Info{}, fmt.Errorf("owner: %s cannot own entities", info.OwnerID.Type)
		}
	}
	return info, nil
}

// RelationPayload reports a relation added or, with Deleted, removed.
type RelationPayload struct {
	From    EntityRef `json:"from"`
	To      EntityRef `json:"to"`
	Type    string    `json:"type"`
	Deleted bool      `json:"deleted,omitempty"`
}

func (p *RelationPayload) Validate() error {
	_, err := p.ToRelation()
	return err
}

func (p *RelationPayload) ToRelation() (entity.Relation, error) {
	from, err := p.From.Parse()
	if err != nil {
		return entity.Relation{}, fmt.Errorf("from: %w", err)
	}
	to, err := p.To.Parse()
	if err != nil {
		return entity.Relation{}, fmt.Errorf("to: %w", err)
	}
	if strings.TrimSpace(p.Type) == "" {
		return entity.Relation{}, fmt.Errorf("relation type is required")
	}
	return entity.Relation{From: from, To: to, Type: p.Type}, nil
}

// ActionPayload reports an alarm action on an entity.
type ActionPayload struct {
	Entity EntityRef `json:"entity"`
	Action string    `json:"action"`
}

func (p *ActionPayload) Validate() error {
	if _, err := p.Entity.Parse(); err != nil {
		return fmt.Errorf("entity: %w", err)
	}
	if strings.TrimSpace(p.Action) == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// LinkedPayload carries an update of Source to fields on Target owned by another node.
type LinkedPayload struct {
	Target   EntityRef        `json:"target"`
	Kind     string           `json:"kind"`
	FieldIDs []string         `json:"field_ids"`
	Update   TelemetryPayload `json:"update"`
}

func (p *LinkedPayload) Validate() error {
	if _, err := p.Target.Parse(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if len(p.FieldIDs) == 0 {
		return fmt.Errorf("field_ids must not be empty")
	}
	if _, err := p.FieldUUIDs(); err != nil {
		return err
	}
	return p.Update.Validate()
}

func (p *LinkedPayload) FieldUUIDs() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(p.FieldIDs))
	for _, s := range p.FieldIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("field id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// TenantProfilePayload changes tenant-wide engine settings.
type TenantProfilePayload struct {
	ReevaluationInterval string `json:"reevaluation_interval"`
}

func (p *TenantProfilePayload) Validate() error {
	_, err := p.Interval()
	return err
}

// Interval parses ReevaluationInterval. "0" disables periodic re-evaluation.
func (p *TenantProfilePayload) Interval() (time.Duration, error) {
	if p.ReevaluationInterval == "0" {
		return 0, nil
	}
	d, err := field.ParseDuration(p.ReevaluationInterval)
	if err != nil {
		return 0, fmt.Errorf("reevaluation_interval: %w", err)
	}
	return d, nil
}

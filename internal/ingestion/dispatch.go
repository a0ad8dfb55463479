package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/aevon-lab/calcengine/internal/actor"
	v1 "github.com/aevon-lab/calcengine/internal/api/v1"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/google/uuid"
)

// Engine is the part of actor.System the transports drive.
type Engine interface {
	OnTelemetry(tenantID uuid.UUID, ev actor.TelemetryEvent, cb quorum.Callback)
	OnLinkedTelemetry(tenantID uuid.UUID, ev actor.LinkedTelemetryEvent, cb quorum.Callback)
	OnFieldEvent(tenantID uuid.UUID, ev actor.FieldEvent, cb quorum.Callback)
	OnEntityEvent(tenantID uuid.UUID, ev actor.EntityEvent, cb quorum.Callback)
	OnRelation(tenantID uuid.UUID, ev actor.RelationEvent, cb quorum.Callback)
	OnEntityAction(tenantID uuid.UUID, ev actor.EntityActionEvent, cb quorum.Callback)
	OnTenantProfile(tenantID uuid.UUID, interval time.Duration, cb quorum.Callback)
	Stats(ctx context.Context) ([]actor.Stats, error)
}

// Dispatch hands a validated envelope to the engine. A conversion error is returned
// directly and cb is not invoked; otherwise cb receives the processing outcome.
func Dispatch(engine Engine, env *v1.Envelope, now time.Time, cb quorum.Callback) error {
	tenantID := env.Tenant()
	msgID := env.MsgID()

	switch env.Type {
	case v1.TypeTelemetry:
		id, u, err := env.Telemetry.ToUpdate(now)
		if err != nil {
			return err
		}
		engine.OnTelemetry(tenantID, actor.TelemetryEvent{MsgID: msgID, Entity: id, Update: u}, cb)

	case v1.TypeField:
		ev, err := fieldEvent(tenantID, env.Field)
		if err != nil {
			return err
		}
		engine.OnFieldEvent(tenantID, ev, cb)

	case v1.TypeEntity:
		info, err := env.Entity.ToInfo()
		if err != nil {
			return err
		}
		engine.OnEntityEvent(tenantID, actor.EntityEvent{Type: actor.EntityEventType(env.Entity.Event), Info: info}, cb)

	case v1.TypeRelation:
		rel, err := env.Relation.ToRelation()
		if err != nil {
			return err
		}
		engine.OnRelation(tenantID, actor.RelationEvent{Relation: rel, Deleted: env.Relation.Deleted}, cb)

	case v1.TypeEntityAction:
		id, err := env.Action.Entity.Parse()
		if err != nil {
			return err
		}
		engine.OnEntityAction(tenantID, actor.EntityActionEvent{MsgID: msgID, Entity: id, Action: env.Action.Action}, cb)

	case v1.TypeLinkedTelemetry:
		ev, err := linkedEvent(msgID, env.Linked, now)
		if err != nil {
			return err
		}
		engine.OnLinkedTelemetry(tenantID, ev, cb)

	case v1.TypeTenantProfile:
		interval, err := env.TenantProfile.Interval()
		if err != nil {
			return err
		}
		engine.OnTenantProfile(tenantID, interval, cb)

	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return nil
}

func fieldEvent(tenantID uuid.UUID, p *v1.FieldPayload) (actor.FieldEvent, error) {
	id, err := p.ID()
	if err != nil {
		return actor.FieldEvent{}, fmt.Errorf("field id: %w", err)
	}
	ev := actor.FieldEvent{Type: actor.FieldEventType(p.Event), FieldID: id}
	if p.Definition == nil || ev.Type == actor.FieldDeleted {
		return ev, nil
	}

	cf, err := p.Definition.ToField()
	if err != nil {
		return actor.FieldEvent{}, fmt.Errorf("definition: %w", err)
	}
	if cf.ID != id {
		return actor.FieldEvent{}, fmt.Errorf("definition id %s does not match field_id %s", cf.ID, id)
	}
	if cf.TenantID != tenantID {
		return actor.FieldEvent{}, fmt.Errorf("definition belongs to tenant %s", cf.TenantID)
	}
	ev.Field = cf
	return ev, nil
}

func linkedEvent(msgID uuid.UUID, p *v1.LinkedPayload, now time.Time) (actor.LinkedTelemetryEvent, error) {
	target, err := p.Target.Parse()
	if err != nil {
		return actor.LinkedTelemetryEvent{}, fmt.Errorf("target: %w", err)
	}
	fieldIDs, err := p.FieldUUIDs()
	if err != nil {
		return actor.LinkedTelemetryEvent{}, err
	}
	source, u, err := p.Update.ToUpdate(now)
	if err != nil {
		return actor.LinkedTelemetryEvent{}, fmt.Errorf("update: %w", err)
	}
	return actor.LinkedTelemetryEvent{
		MsgID:    msgID,
		Target:   target,
		Source:   source,
		Kind:     actor.LinkKind(p.Kind),
		FieldIDs: fieldIDs,
		Update:   u,
	}, nil
}

// NewLinkedEnvelope renders a linked update for the node owning ev.Target.
func NewLinkedEnvelope(tenantID uuid.UUID, ev actor.LinkedTelemetryEvent) v1.Envelope {
	fieldIDs := make([]string, len(ev.FieldIDs))
	for i, id := range ev.FieldIDs {
		fieldIDs[i] = id.String()
	}
	return v1.Envelope{
		ID:       ev.MsgID.String(),
		TenantID: tenantID.String(),
		Type:     v1.TypeLinkedTelemetry,
		Linked: &v1.LinkedPayload{
			Target:   v1.NewEntityRef(ev.Target),
			Kind:     string(ev.Kind),
			FieldIDs: fieldIDs,
			Update:   v1.NewTelemetryPayload(ev.Source, ev.Update),
		},
	}
}

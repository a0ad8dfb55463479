package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType names the payload an Envelope carries.
type EnvelopeType string

const (
	TypeTelemetry       EnvelopeType = "TELEMETRY"
	TypeField           EnvelopeType = "FIELD"
	TypeEntity          EnvelopeType = "ENTITY"
	TypeRelation        EnvelopeType = "RELATION"
	TypeEntityAction    EnvelopeType = "ENTITY_ACTION"
	TypeLinkedTelemetry EnvelopeType = "LINKED_TELEMETRY"
	TypeTenantProfile   EnvelopeType = "TENANT_PROFILE"
)

// Envelope is the unit exchanged on the engine's queue topics. The system attributes
// identify the tenant and message; exactly one payload, matching Type, is set.
type Envelope struct {
	// ID is the message id. Producers should set it; an empty ID is replaced on receipt.
	ID       string       `json:"id,omitempty"`
	TenantID string       `json:"tenant_id"`
	Type     EnvelopeType `json:"type"`
	// OccurredAt is informational and only used in logs.
	OccurredAt time.Time `json:"occurred_at,omitempty"`

	Telemetry     *TelemetryPayload     `json:"telemetry,omitempty"`
	Field         *FieldPayload         `json:"field,omitempty"`
	Entity        *EntityPayload        `json:"entity,omitempty"`
	Relation      *RelationPayload      `json:"relation,omitempty"`
	Action        *ActionPayload        `json:"action,omitempty"`
	Linked        *LinkedPayload        `json:"linked,omitempty"`
	TenantProfile *TenantProfilePayload `json:"tenant_profile,omitempty"`
}

// Validate checks the system attributes and that the payload matching Type is present
// and well formed.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.TenantID); err != nil {
		return fmt.Errorf("tenant_id must be a uuid: %w", err)
	}
	if e.ID != "" {
		if _, err := uuid.Parse(e.ID); err != nil {
			return fmt.Errorf("id must be a uuid: %w", err)
		}
	}

	switch e.Type {
	case TypeTelemetry:
		if e.Telemetry == nil {
			return missingPayload(e.Type, "telemetry")
		}
		return e.Telemetry.Validate()
	case TypeField:
		if e.Field == nil {
			return missingPayload(e.Type, "field")
		}
		return e.Field.Validate()
	case TypeEntity:
		if e.Entity == nil {
			return missingPayload(e.Type, "entity")
		}
		return e.Entity.Validate()
	case TypeRelation:
		if e.Relation == nil {
			return missingPayload(e.Type, "relation")
		}
		return e.Relation.Validate()
	case TypeEntityAction:
		if e.Action == nil {
			return missingPayload(e.Type, "action")
		}
		return e.Action.Validate()
	case TypeLinkedTelemetry:
		if e.Linked == nil {
			return missingPayload(e.Type, "linked")
		}
		return e.Linked.Validate()
	case TypeTenantProfile:
		if e.TenantProfile == nil {
			return missingPayload(e.Type, "tenant_profile")
		}
		return e.TenantProfile.Validate()
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// Tenant returns the parsed tenant id. Call Validate first.
func (e *Envelope) Tenant() uuid.UUID {
	id, _ := uuid.Parse(e.TenantID)
	return id
}

// MsgID returns the message id, generating one when the producer left it empty.
func (e *Envelope) MsgID() uuid.UUID {
	if id, err := uuid.Parse(e.ID); err == nil {
		return id
	}
	return uuid.New()
}

func missingPayload(t EnvelopeType, name string) error {
	return fmt.Errorf("%s envelope requires the %q payload", t, name)
}

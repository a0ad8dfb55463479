package entity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Type is the kind of a platform entity.
type Type string

const (
	Device        Type = "DEVICE"
	Asset         Type = "ASSET"
	DeviceProfile Type = "DEVICE_PROFILE"
	AssetProfile  Type = "ASSET_PROFILE"
	Customer      Type = "CUSTOMER"
	Tenant        Type = "TENANT"
)

// Valid reports whether t is one of the known entity types.
func (t Type) Valid() bool {
	switch t {
	case Device, Asset, DeviceProfile, AssetProfile, Customer, Tenant:
		return true
	}
	return false
}

// IsProfile reports whether entities of this type are shared profiles that expand to members.
func (t Type) IsProfile() bool {
	return t == DeviceProfile || t == AssetProfile
}

// IsOwner reports whether entities of this type can own other entities.
func (t Type) IsOwner() bool {
	return t == Customer || t == Tenant
}

// ID identifies an entity within a tenant. The zero value means "no entity".
type ID struct {
	Type Type      `json:"entity_type"`
	UUID uuid.UUID `json:"id"`
}

// New builds an ID from a type and uuid.
func New(t Type, id uuid.UUID) ID {
	return ID{Type: t, UUID: id}
}

// Parse builds an ID from its string parts, validating both.
func Parse(entityType, id string) (ID, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(entityType)))
	if !t.Valid() {
		return ID{}, fmt.Errorf("unknown entity type %q", entityType)
	}
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return ID{}, fmt.Errorf("invalid entity id %q: %w", id, err)
	}
	return ID{Type: t, UUID: u}, nil
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Type == "" && id.UUID == uuid.Nil
}

func (id ID) String() string {
	return string(id.Type) + ":" + id.UUID.String()
}

// Info is the directory view of a device or asset: which profile it belongs to
// and who owns it. ProfileID and OwnerID may be zero.
type Info struct {
	ID        ID `json:"id"`
	ProfileID ID `json:"profile_id"`
	OwnerID   ID `json:"owner_id"`
}

// Direction is the side of a relation a traversal follows.
type Direction string

const (
	From Direction = "FROM"
	To   Direction = "TO"
)

// Reverse returns the opposite traversal direction.
func (d Direction) Reverse() Direction {
	if d == From {
		return To
	}
	return From
}

// Relation is a typed, directed edge between two entities.
type Relation struct {
	From ID     `json:"from"`
	To   ID     `json:"to"`
	Type string `json:"type"`
}

// Ends returns the (target, source) pair of the relation seen from a traversal in direction d.
// FROM traversals start at From and reach To; TO traversals start at To and reach From.
func (r Relation) Ends(d Direction) (target, source ID) {
	if d == From {
		return r.From, r.To
	}
	return r.To, r.From
}

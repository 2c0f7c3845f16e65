package domain

import (
	"encoding/json"
	"time"

	"artifactvc/internal/registry"
)

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

type InitiativeStatus string

const (
	InitiativeActive    InitiativeStatus = "active"
	InitiativeCompleted InitiativeStatus = "completed"
	InitiativeCancelled InitiativeStatus = "cancelled"
)

type Initiative struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      InitiativeStatus `json:"status" enum:"active,completed,cancelled"`
	Priority    string           `json:"priority,omitempty"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ArtifactVersion is either a numbered, immutable snapshot (VersionNumber > 0)
// or a mutable draft owned by an initiative (VersionNumber == 0).
type ArtifactVersion struct {
	ID                     string          `json:"id"`
	ArtifactType           registry.Type   `json:"artifact_type"`
	ArtifactID             int64           `json:"artifact_id"`
	InitiativeID           *string         `json:"initiative_id,omitempty"`
	VersionNumber          int             `json:"version_number"`
	BasedOnVersion         int             `json:"based_on_version"`
	IsBaseline             bool            `json:"is_baseline"`
	ChangeType             ChangeType      `json:"change_type" enum:"create,update,delete"`
	ChangeReason           string          `json:"change_reason,omitempty"`
	ChangedFields          []string        `json:"changed_fields"`
	Payload                json.RawMessage `json:"payload"`
	PromotedFromInitiative *string         `json:"promoted_from_initiative,omitempty"`
	CreatedBy              string          `json:"created_by"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedBy              string          `json:"updated_by"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (v ArtifactVersion) Ref() registry.Ref {
	return registry.Ref{Type: v.ArtifactType, ID: v.ArtifactID}
}

func (v ArtifactVersion) IsDraft() bool {
	return v.VersionNumber == 0
}

// Object decodes the payload as a JSON object. An empty payload is an empty object.
func (v ArtifactVersion) Object() (map[string]any, error) {
	out := map[string]any{}
	if len(v.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(v.Payload, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

type ArtifactLock struct {
	ID           string        `json:"id"`
	ArtifactType registry.Type `json:"artifact_type"`
	ArtifactID   int64         `json:"artifact_id"`
	InitiativeID string        `json:"initiative_id"`
	LockedBy     string        `json:"locked_by"`
	LockedAt     time.Time     `json:"locked_at"`
	LockExpiry   time.Time     `json:"lock_expiry"`
	LockReason   string        `json:"lock_reason,omitempty"`
}

func (l ArtifactLock) Ref() registry.Ref {
	return registry.Ref{Type: l.ArtifactType, ID: l.ArtifactID}
}

// Expired reports whether the lock is logically absent at now.
func (l ArtifactLock) Expired(now time.Time) bool {
	return !now.Before(l.LockExpiry)
}

type Event struct {
	ID           int64     `json:"id"`
	TS           time.Time `json:"ts"`
	Type         string    `json:"type"`
	InitiativeID string    `json:"initiative_id,omitempty"`
	EntityKind   string    `json:"entity_kind"`
	EntityID     string    `json:"entity_id,omitempty"`
	ActorID      string    `json:"actor_id"`
	PayloadJSON  string    `json:"payload_json"`
}

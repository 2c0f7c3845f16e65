package server

import (
	"encoding/json"
	"time"

	"artifactvc/internal/conflict"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/engine"
	"artifactvc/internal/registry"
)

// Request payloads

type ArtifactTarget struct {
	ArtifactType registry.Type `json:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity"`
	ArtifactID   int64         `json:"artifact_id" minimum:"1"`
	InitiativeID string        `json:"initiative_id" minLength:"1"`
}

func (t ArtifactTarget) Ref() registry.Ref {
	return registry.Ref{Type: t.ArtifactType, ID: t.ArtifactID}
}

type CheckoutRequest struct {
	ArtifactTarget
	TTLSeconds int `json:"ttl_seconds,omitempty" minimum:"0"`
}

type CheckinRequest struct {
	ArtifactTarget
	Payload      map[string]any `json:"payload,omitempty"`
	ChangeReason string         `json:"change_reason,omitempty"`
}

type DraftUpdateRequest struct {
	ArtifactTarget
	Payload      map[string]any `json:"payload"`
	ChangeReason string         `json:"change_reason,omitempty"`
}

type AcquireLockRequest struct {
	ArtifactTarget
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
	Reason     string `json:"reason,omitempty"`
}

type OverrideLockRequest struct {
	LockID string `json:"lock_id" minLength:"1"`
	Reason string `json:"reason" minLength:"1"`
}

type BaselineRequest struct {
	Payload map[string]any `json:"payload"`
}

type InitiativeRequest struct {
	InitiativeID string `json:"initiative_id" minLength:"1"`
}

type ResolveRequest struct {
	InitiativeID string `json:"initiative_id" minLength:"1"`
	Strategy     string `json:"strategy" enum:"keep_initiative,accept_baseline"`
}

type CreateArtifactRequest struct {
	InitiativeID string         `json:"initiative_id" minLength:"1"`
	Payload      map[string]any `json:"payload"`
	ChangeReason string         `json:"change_reason,omitempty"`
}

type DecommissionRequest struct {
	InitiativeID string `json:"initiative_id" minLength:"1"`
	Reason       string `json:"reason,omitempty"`
}

type CreateInitiativeRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

// Response payloads

type LockResponse struct {
	ID           string        `json:"id"`
	ArtifactType registry.Type `json:"artifact_type"`
	ArtifactID   int64         `json:"artifact_id"`
	InitiativeID string        `json:"initiative_id"`
	LockedBy     string        `json:"locked_by"`
	LockedAt     string        `json:"locked_at" format:"date-time"`
	LockExpiry   string        `json:"lock_expiry" format:"date-time"`
	LockReason   string        `json:"lock_reason,omitempty"`
}

type VersionResponse struct {
	ID                     string         `json:"id"`
	ArtifactType           registry.Type  `json:"artifact_type"`
	ArtifactID             int64          `json:"artifact_id"`
	InitiativeID           *string        `json:"initiative_id,omitempty"`
	VersionNumber          int            `json:"version_number"`
	BasedOnVersion         int            `json:"based_on_version"`
	IsBaseline             bool           `json:"is_baseline"`
	IsDraft                bool           `json:"is_draft"`
	ChangeType             string         `json:"change_type" enum:"create,update,delete"`
	ChangeReason           string         `json:"change_reason,omitempty"`
	ChangedFields          []string       `json:"changed_fields"`
	Payload                map[string]any `json:"payload"`
	PromotedFromInitiative *string        `json:"promoted_from_initiative,omitempty"`
	CreatedBy              string         `json:"created_by"`
	CreatedAt              string         `json:"created_at" format:"date-time"`
	UpdatedBy              string         `json:"updated_by"`
	UpdatedAt              string         `json:"updated_at" format:"date-time"`
}

type CheckoutResponse struct {
	Lock         LockResponse    `json:"lock"`
	DraftVersion VersionResponse `json:"draft_version"`
}

type CheckinResponse struct {
	Version  VersionResponse `json:"version"`
	Conflict conflict.Result `json:"conflict"`
}

type VersionEnvelope struct {
	Version VersionResponse `json:"version"`
}

type StateResponse struct {
	ArtifactType      registry.Type `json:"artifact_type"`
	ArtifactID        int64         `json:"artifact_id"`
	State             string        `json:"state" enum:"production,checked_out_me,checked_out_other,initiative_changes,conflicted,pending_new,pending_decommission"`
	Lock              *LockResponse `json:"lock,omitempty"`
	LockedByUser      string        `json:"locked_by_user,omitempty"`
	BaselineVersion   int           `json:"baseline_version"`
	Initiatives       []string      `json:"initiatives"`
	ConflictingFields []string      `json:"conflicting_fields"`
}

type InitiativeResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"active,completed,cancelled"`
	Priority    string  `json:"priority,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ChangeResponse struct {
	Version VersionResponse `json:"version"`
	State   string          `json:"state"`
}

type CompletionResponse struct {
	InitiativeID string                      `json:"initiative_id"`
	Status       string                      `json:"status" enum:"active,completed,cancelled"`
	Promoted     []VersionResponse           `json:"promoted"`
	Conflicted   []engine.ConflictedArtifact `json:"conflicted"`
}

type CancelResponse struct {
	Discarded     int64 `json:"discarded"`
	LocksReleased int64 `json:"locks_released"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	InitiativeID string         `json:"initiative_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Admin   bool     `json:"admin"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func lockResponse(l domain.ArtifactLock) LockResponse {
	return LockResponse{
		ID:           l.ID,
		ArtifactType: l.ArtifactType,
		ArtifactID:   l.ArtifactID,
		InitiativeID: l.InitiativeID,
		LockedBy:     l.LockedBy,
		LockedAt:     db.FormatTime(l.LockedAt),
		LockExpiry:   db.FormatTime(l.LockExpiry),
		LockReason:   l.LockReason,
	}
}

func versionResponse(v domain.ArtifactVersion) VersionResponse {
	payload, _ := v.Object()
	return VersionResponse{
		ID:                     v.ID,
		ArtifactType:           v.ArtifactType,
		ArtifactID:             v.ArtifactID,
		InitiativeID:           v.InitiativeID,
		VersionNumber:          v.VersionNumber,
		BasedOnVersion:         v.BasedOnVersion,
		IsBaseline:             v.IsBaseline,
		IsDraft:                v.IsDraft(),
		ChangeType:             string(v.ChangeType),
		ChangeReason:           v.ChangeReason,
		ChangedFields:          nonNilSlice(v.ChangedFields),
		Payload:                payload,
		PromotedFromInitiative: v.PromotedFromInitiative,
		CreatedBy:              v.CreatedBy,
		CreatedAt:              db.FormatTime(v.CreatedAt),
		UpdatedBy:              v.UpdatedBy,
		UpdatedAt:              db.FormatTime(v.UpdatedAt),
	}
}

func checkoutResponse(res engine.CheckoutResult) CheckoutResponse {
	return CheckoutResponse{
		Lock:         lockResponse(res.Lock),
		DraftVersion: versionResponse(res.Draft),
	}
}

func stateResponse(r engine.StateReport) StateResponse {
	res := StateResponse{
		ArtifactType:      r.ArtifactType,
		ArtifactID:        r.ArtifactID,
		State:             r.State.String(),
		LockedByUser:      r.LockHolderName,
		BaselineVersion:   r.BaselineVersion,
		Initiatives:       nonNilSlice(r.Initiatives),
		ConflictingFields: nonNilSlice(r.ConflictingFields),
	}
	if r.Lock != nil {
		l := lockResponse(*r.Lock)
		res.Lock = &l
	}
	return res
}

func initiativeResponse(it domain.Initiative) InitiativeResponse {
	return InitiativeResponse{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		Status:      string(it.Status),
		Priority:    it.Priority,
		CreatedBy:   it.CreatedBy,
		CreatedAt:   db.FormatTime(it.CreatedAt),
		UpdatedAt:   db.FormatTime(it.UpdatedAt),
		CompletedAt: timePtr(it.CompletedAt),
	}
}

func completionResponse(res engine.CompletionResult) CompletionResponse {
	return CompletionResponse{
		InitiativeID: res.InitiativeID,
		Status:       string(res.Status),
		Promoted:     mapVersions(res.Promoted),
		Conflicted:   nonNilSlice(res.Conflicted),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           db.FormatTime(e.TS),
		Type:         e.Type,
		InitiativeID: e.InitiativeID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.PayloadJSON),
	}
}

func mapVersions(items []domain.ArtifactVersion) []VersionResponse {
	out := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		out = append(out, versionResponse(v))
	}
	return out
}

func mapLocks(items []domain.ArtifactLock) []LockResponse {
	out := make([]LockResponse, 0, len(items))
	for _, l := range items {
		out = append(out, lockResponse(l))
	}
	return out
}

func mapInitiatives(items []domain.Initiative) []InitiativeResponse {
	out := make([]InitiativeResponse, 0, len(items))
	for _, it := range items {
		out = append(out, initiativeResponse(it))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

// encodePayload returns nil for an absent payload so the engine can tell
// "no change" apart from an empty object.
func encodePayload(obj map[string]any) (json.RawMessage, error) {
	if obj == nil {
		return nil, nil
	}
	return json.Marshal(obj)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := db.FormatTime(*t)
	return &s
}

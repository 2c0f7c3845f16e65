package avcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal artifact version control HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Roles are sent as dev headers when no bearer token is set.
	ActorID    string
	Roles      []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for the API mounted at baseURL, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Target identifies one artifact inside one initiative.
type Target struct {
	ArtifactType string `json:"artifact_type"`
	ArtifactID   int64  `json:"artifact_id"`
	InitiativeID string `json:"initiative_id"`
}

type Lock struct {
	ID           string `json:"id"`
	ArtifactType string `json:"artifact_type"`
	ArtifactID   int64  `json:"artifact_id"`
	InitiativeID string `json:"initiative_id"`
	LockedBy     string `json:"locked_by"`
	LockedAt     string `json:"locked_at"`
	LockExpiry   string `json:"lock_expiry"`
	LockReason   string `json:"lock_reason,omitempty"`
}

type Version struct {
	ID                     string         `json:"id"`
	ArtifactType           string         `json:"artifact_type"`
	ArtifactID             int64          `json:"artifact_id"`
	InitiativeID           *string        `json:"initiative_id,omitempty"`
	VersionNumber          int            `json:"version_number"`
	BasedOnVersion         int            `json:"based_on_version"`
	IsBaseline             bool           `json:"is_baseline"`
	IsDraft                bool           `json:"is_draft"`
	ChangeType             string         `json:"change_type"`
	ChangeReason           string         `json:"change_reason,omitempty"`
	ChangedFields          []string       `json:"changed_fields"`
	Payload                map[string]any `json:"payload"`
	PromotedFromInitiative *string        `json:"promoted_from_initiative,omitempty"`
	CreatedBy              string         `json:"created_by"`
	CreatedAt              string         `json:"created_at"`
	UpdatedBy              string         `json:"updated_by"`
	UpdatedAt              string         `json:"updated_at"`
}

// Checkout is returned by checkout, create and decommission.
type Checkout struct {
	Lock         Lock    `json:"lock"`
	DraftVersion Version `json:"draft_version"`
}

type FieldConflict struct {
	Field          string `json:"field"`
	BaseValue      any    `json:"base_value"`
	DraftValue     any    `json:"draft_value"`
	CurrentValue   any    `json:"current_value"`
	Severity       string `json:"severity"`
	AutoResolvable bool   `json:"auto_resolvable"`
}

type ConflictReport struct {
	HasConflict       bool            `json:"has_conflict"`
	BasedOnVersion    int             `json:"based_on_version"`
	CurrentVersion    int             `json:"current_version"`
	ConflictingFields []string        `json:"conflicting_fields"`
	Details           []FieldConflict `json:"details"`
}

type Checkin struct {
	Version  Version        `json:"version"`
	Conflict ConflictReport `json:"conflict"`
}

type State struct {
	ArtifactType      string   `json:"artifact_type"`
	ArtifactID        int64    `json:"artifact_id"`
	State             string   `json:"state"`
	Lock              *Lock    `json:"lock,omitempty"`
	LockedByUser      string   `json:"locked_by_user,omitempty"`
	BaselineVersion   int      `json:"baseline_version"`
	Initiatives       []string `json:"initiatives"`
	ConflictingFields []string `json:"conflicting_fields"`
}

type Initiative struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type Change struct {
	Version Version `json:"version"`
	State   string  `json:"state"`
}

type ConflictedArtifact struct {
	ArtifactType      string   `json:"artifact_type"`
	ArtifactID        int64    `json:"artifact_id"`
	ConflictingFields []string `json:"conflicting_fields"`
}

type Completion struct {
	InitiativeID string               `json:"initiative_id"`
	Status       string               `json:"status"`
	Promoted     []Version            `json:"promoted"`
	Conflicted   []ConflictedArtifact `json:"conflicted"`
}

type Cancellation struct {
	Discarded     int64 `json:"discarded"`
	LocksReleased int64 `json:"locks_released"`
}

type Sweep struct {
	Expired  int64 `json:"expired"`
	Orphaned int64 `json:"orphaned"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	InitiativeID string         `json:"initiative_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and Details are filled
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Checkout locks the artifact for the initiative and opens a draft.
func (c *Client) Checkout(ctx context.Context, t Target, ttl time.Duration) (Checkout, error) {
	body := map[string]any{
		"artifact_type": t.ArtifactType,
		"artifact_id":   t.ArtifactID,
		"initiative_id": t.InitiativeID,
		"ttl_seconds":   int(ttl / time.Second),
	}
	var resp Checkout
	err := c.do(ctx, http.MethodPost, "checkout", body, &resp)
	return resp, err
}

// UpdateDraft replaces the draft payload while the caller holds the lock.
func (c *Client) UpdateDraft(ctx context.Context, t Target, payload map[string]any, reason string) (Version, error) {
	var resp struct {
		Version Version `json:"version"`
	}
	err := c.do(ctx, http.MethodPut, "drafts", targetBody(t, payload, reason), &resp)
	return resp.Version, err
}

// Checkin saves the draft and releases the lock. A nil payload keeps the draft as is.
func (c *Client) Checkin(ctx context.Context, t Target, payload map[string]any, reason string) (Checkin, error) {
	var resp Checkin
	err := c.do(ctx, http.MethodPost, "checkin", targetBody(t, payload, reason), &resp)
	return resp, err
}

func (c *Client) CancelCheckout(ctx context.Context, t Target) error {
	return c.do(ctx, http.MethodPost, "cancel-checkout", t, nil)
}

func (c *Client) AcquireLock(ctx context.Context, t Target, ttl time.Duration, reason string) (Lock, error) {
	body := map[string]any{
		"artifact_type": t.ArtifactType,
		"artifact_id":   t.ArtifactID,
		"initiative_id": t.InitiativeID,
		"ttl_seconds":   int(ttl / time.Second),
		"reason":        reason,
	}
	var resp Lock
	err := c.do(ctx, http.MethodPost, "locks", body, &resp)
	return resp, err
}

func (c *Client) ReleaseLock(ctx context.Context, t Target) error {
	return c.do(ctx, http.MethodPost, "locks/release", t, nil)
}

// Locks lists live locks. Empty filters match everything.
func (c *Client) Locks(ctx context.Context, initiativeID, lockedBy string) ([]Lock, error) {
	q := url.Values{}
	setQuery(q, "initiative_id", initiativeID)
	setQuery(q, "locked_by", lockedBy)
	var resp []Lock
	err := c.do(ctx, http.MethodGet, withQuery("locks", q), nil, &resp)
	return resp, err
}

// OverrideLock force-releases a lock. Requires an admin role.
func (c *Client) OverrideLock(ctx context.Context, lockID, reason string) (Lock, error) {
	var resp struct {
		Released Lock `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, "admin/override-lock", map[string]string{"lock_id": lockID, "reason": reason}, &resp)
	return resp.Released, err
}

func (c *Client) SweepLocks(ctx context.Context) (Sweep, error) {
	var resp Sweep
	err := c.do(ctx, http.MethodPost, "admin/sweep-locks", nil, &resp)
	return resp, err
}

func (c *Client) RegisterBaseline(ctx context.Context, artifactType string, id int64, payload map[string]any) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, artifactPath(artifactType, id, "baseline"), map[string]any{"payload": payload}, &resp)
	return resp, err
}

func (c *Client) Baseline(ctx context.Context, artifactType string, id int64) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodGet, artifactPath(artifactType, id, "baseline"), nil, &resp)
	return resp, err
}

// History returns numbered versions, newest first.
func (c *Client) History(ctx context.Context, artifactType string, id int64) ([]Version, error) {
	var resp []Version
	err := c.do(ctx, http.MethodGet, artifactPath(artifactType, id, "versions"), nil, &resp)
	return resp, err
}

// State resolves the display state for the authenticated user. An empty
// initiativeID considers every active initiative.
func (c *Client) State(ctx context.Context, artifactType string, id int64, initiativeID string) (State, error) {
	q := url.Values{}
	setQuery(q, "initiative_id", initiativeID)
	var resp State
	err := c.do(ctx, http.MethodGet, withQuery(artifactPath(artifactType, id, "state"), q), nil, &resp)
	return resp, err
}

func (c *Client) Conflicts(ctx context.Context, t Target) (ConflictReport, error) {
	q := url.Values{"initiative_id": {t.InitiativeID}}
	var resp ConflictReport
	err := c.do(ctx, http.MethodGet, withQuery(artifactPath(t.ArtifactType, t.ArtifactID, "conflicts"), q), nil, &resp)
	return resp, err
}

// Promote turns the initiative draft into the next baseline. A conflict is
// reported as an *APIError with Code "conflict".
func (c *Client) Promote(ctx context.Context, t Target) (Version, error) {
	var resp struct {
		Version Version `json:"version"`
	}
	body := map[string]string{"initiative_id": t.InitiativeID}
	err := c.do(ctx, http.MethodPost, artifactPath(t.ArtifactType, t.ArtifactID, "promote"), body, &resp)
	return resp.Version, err
}

// Resolve rebases the draft onto the current baseline using strategy
// keep_initiative or accept_baseline.
func (c *Client) Resolve(ctx context.Context, t Target, strategy string) (Version, error) {
	var resp struct {
		Version Version `json:"version"`
	}
	body := map[string]string{"initiative_id": t.InitiativeID, "strategy": strategy}
	err := c.do(ctx, http.MethodPost, artifactPath(t.ArtifactType, t.ArtifactID, "resolve"), body, &resp)
	return resp.Version, err
}

func (c *Client) CreateArtifact(ctx context.Context, t Target, payload map[string]any, reason string) (Checkout, error) {
	body := map[string]any{"initiative_id": t.InitiativeID, "payload": payload, "change_reason": reason}
	var resp Checkout
	err := c.do(ctx, http.MethodPost, artifactPath(t.ArtifactType, t.ArtifactID, "create"), body, &resp)
	return resp, err
}

func (c *Client) Decommission(ctx context.Context, t Target, reason string) (Checkout, error) {
	body := map[string]any{"initiative_id": t.InitiativeID, "reason": reason}
	var resp Checkout
	err := c.do(ctx, http.MethodPost, artifactPath(t.ArtifactType, t.ArtifactID, "decommission"), body, &resp)
	return resp, err
}

// CreateInitiative creates an initiative. An empty id lets the server pick one.
func (c *Client) CreateInitiative(ctx context.Context, id, name, description string) (Initiative, error) {
	body := map[string]any{"id": id, "name": name, "description": description}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "initiatives", body, &resp)
	return resp, err
}

func (c *Client) Initiatives(ctx context.Context, status string) ([]Initiative, error) {
	q := url.Values{}
	setQuery(q, "status", status)
	var resp []Initiative
	err := c.do(ctx, http.MethodGet, withQuery("initiatives", q), nil, &resp)
	return resp, err
}

func (c *Client) Initiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, "initiatives/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) InitiativeChanges(ctx context.Context, id string) ([]Change, error) {
	var resp []Change
	err := c.do(ctx, http.MethodGet, "initiatives/"+url.PathEscape(id)+"/changes", nil, &resp)
	return resp, err
}

func (c *Client) CompleteInitiative(ctx context.Context, id string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, "initiatives/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

func (c *Client) CancelInitiative(ctx context.Context, id string) (Cancellation, error) {
	var resp Cancellation
	err := c.do(ctx, http.MethodPost, "initiatives/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if len(c.Roles) > 0 {
			req.Header.Set("X-Actor-Roles", strings.Join(c.Roles, ","))
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, b []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func targetBody(t Target, payload map[string]any, reason string) map[string]any {
	body := map[string]any{
		"artifact_type": t.ArtifactType,
		"artifact_id":   t.ArtifactID,
		"initiative_id": t.InitiativeID,
	}
	if payload != nil {
		body["payload"] = payload
	}
	if reason != "" {
		body["change_reason"] = reason
	}
	return body
}

func artifactPath(artifactType string, id int64, op string) string {
	return fmt.Sprintf("artifacts/%s/%d/%s", url.PathEscape(artifactType), id, op)
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"artifactvc/internal/config"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/engine"
	"artifactvc/internal/migrate"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, db.SQLite, config.Default())
	eng.Now = clk.Now
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk}
}

var (
	app1 = registry.Ref{Type: registry.Application, ID: 1}
	app2 = registry.Ref{Type: registry.Application, ID: 2}
	if3  = registry.Ref{Type: registry.Interface, ID: 3}
)

func (env testEnv) initiative(t *testing.T, name string) string {
	t.Helper()
	it, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreate{Name: name, ActorID: "lead"})
	if err != nil {
		t.Fatalf("create initiative %s: %v", name, err)
	}
	return it.ID
}

func (env testEnv) baseline(t *testing.T, ref registry.Ref, payload string) domain.ArtifactVersion {
	t.Helper()
	v, err := env.Engine.RegisterBaseline(env.Ctx, ref, json.RawMessage(payload), "seed")
	if err != nil {
		t.Fatalf("register baseline %s: %v", ref, err)
	}
	return v
}

// edit checks out, rewrites and checks in the draft in one go.
func (env testEnv) edit(t *testing.T, ref registry.Ref, initiativeID, user, payload string) domain.ArtifactVersion {
	t.Helper()
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: ref, InitiativeID: initiativeID, UserID: user}); err != nil {
		t.Fatalf("checkout %s by %s: %v", ref, user, err)
	}
	res, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: ref, InitiativeID: initiativeID, UserID: user, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("checkin %s by %s: %v", ref, user, err)
	}
	return res.Draft
}

func object(t *testing.T, v domain.ArtifactVersion) map[string]any {
	t.Helper()
	obj, err := v.Object()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return obj
}

func TestRegisterBaselineOnce(t *testing.T) {
	env := newTestEnv(t)
	v := env.baseline(t, app1, `{"name":"CRM","status":"live"}`)
	if v.VersionNumber != 1 || !v.IsBaseline {
		t.Fatalf("unexpected baseline %+v", v)
	}
	_, err := env.Engine.RegisterBaseline(env.Ctx, app1, json.RawMessage(`{}`), "seed")
	if !errors.Is(err, engine.ErrBaselineExists) {
		t.Fatalf("expected ErrBaselineExists, got %v", err)
	}
	if _, err := env.Engine.RegisterBaseline(env.Ctx, app2, json.RawMessage(`[1,2]`), "seed"); err == nil {
		t.Fatalf("array payload must be rejected")
	}
	got, err := env.Engine.GetBaseline(env.Ctx, app1)
	if err != nil || got.ID != v.ID {
		t.Fatalf("get baseline: %v %+v", err, got)
	}
}

func TestGetBaselineMissingIsIntegrityError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetBaseline(env.Ctx, app2)
	var die *engine.DataIntegrityError
	if !errors.As(err, &die) || !die.Missing {
		t.Fatalf("expected missing-baseline integrity error, got %v", err)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing baseline should unwrap to ErrNotFound")
	}
	if _, err := env.Engine.GetBaseline(env.Ctx, registry.Ref{Type: "spaceship", ID: 1}); err == nil {
		t.Fatalf("unknown type must be rejected")
	}
}

func TestNonOverlappingPromotionsMerge(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1,"b":1}`)
	a := env.initiative(t, "A")
	b := env.initiative(t, "B")

	env.edit(t, app1, a, "alice", `{"a":2,"b":1}`)
	env.edit(t, app1, b, "bob", `{"a":1,"b":2}`)

	v2, err := env.Engine.Promote(env.Ctx, app1, b, "bob")
	if err != nil {
		t.Fatalf("promote B: %v", err)
	}
	if v2.VersionNumber != 2 || !reflect.DeepEqual(object(t, v2), map[string]any{"a": 1.0, "b": 2.0}) {
		t.Fatalf("unexpected v2 %+v", v2)
	}
	v3, err := env.Engine.Promote(env.Ctx, app1, a, "alice")
	if err != nil {
		t.Fatalf("promote A: %v", err)
	}
	if v3.VersionNumber != 3 {
		t.Fatalf("expected v3, got v%d", v3.VersionNumber)
	}
	if got := object(t, v3); !reflect.DeepEqual(got, map[string]any{"a": 2.0, "b": 2.0}) {
		t.Fatalf("expected merged {a:2,b:2}, got %v", got)
	}
	if v3.PromotedFromInitiative == nil || *v3.PromotedFromInitiative != a {
		t.Fatalf("provenance lost: %+v", v3.PromotedFromInitiative)
	}

	history, err := env.Engine.History(env.Ctx, app1)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].VersionNumber != 3 {
		t.Fatalf("unexpected history %+v", history)
	}
	baselines := 0
	for _, v := range history {
		if v.IsBaseline {
			baselines++
		}
	}
	if baselines != 1 || !history[0].IsBaseline {
		t.Fatalf("expected exactly one baseline (v3), got %d", baselines)
	}
	if _, err := env.Engine.GetDraft(env.Ctx, app1, a); !errors.Is(err, engine.ErrDraftNotFound) {
		t.Fatalf("draft should be gone after promotion, got %v", err)
	}
}

func TestPromotionMergesKeysContainingDots(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a.b":1,"x":1}`)
	a := env.initiative(t, "A")
	b := env.initiative(t, "B")
	env.edit(t, app1, a, "alice", `{"a.b":2,"x":1}`)
	env.edit(t, app1, b, "bob", `{"a.b":1,"x":2}`)

	if _, err := env.Engine.Promote(env.Ctx, app1, b, "bob"); err != nil {
		t.Fatalf("promote B: %v", err)
	}
	v3, err := env.Engine.Promote(env.Ctx, app1, a, "alice")
	if err != nil {
		t.Fatalf("promote A: %v", err)
	}
	if got := object(t, v3); !reflect.DeepEqual(got, map[string]any{"a.b": 2.0, "x": 2.0}) {
		t.Fatalf("expected {a.b:2,x:2}, got %v", got)
	}
	if !reflect.DeepEqual(v3.ChangedFields, []string{"a.b"}) {
		t.Fatalf("unexpected changed fields %v", v3.ChangedFields)
	}
}

func TestOverlappingPromotionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1,"b":1}`)
	a := env.initiative(t, "A")
	b := env.initiative(t, "B")
	env.edit(t, app1, a, "alice", `{"a":2,"b":1}`)
	env.edit(t, app1, b, "bob", `{"a":3,"b":1}`)

	if _, err := env.Engine.Promote(env.Ctx, app1, a, "alice"); err != nil {
		t.Fatalf("first promotion: %v", err)
	}
	_, err := env.Engine.Promote(env.Ctx, app1, b, "bob")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !reflect.DeepEqual(ce.Fields(), []string{"a"}) {
		t.Fatalf("expected conflicting field a, got %v", ce.Fields())
	}
	if ce.Result.BasedOnVersion != 1 || ce.Result.CurrentVersion != 2 {
		t.Fatalf("unexpected versions in result %+v", ce.Result)
	}

	// nothing changed
	base, err := env.Engine.GetBaseline(env.Ctx, app1)
	if err != nil || base.VersionNumber != 2 {
		t.Fatalf("baseline moved: %v %+v", err, base)
	}
	if _, err := env.Engine.GetDraft(env.Ctx, app1, b); err != nil {
		t.Fatalf("conflicting draft must survive: %v", err)
	}

	rebased, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveRequest{Ref: app1, InitiativeID: b, UserID: "bob", Strategy: engine.KeepInitiative})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rebased.BasedOnVersion != 2 || object(t, rebased)["a"] != 3.0 {
		t.Fatalf("unexpected rebased draft %+v", rebased)
	}
	v3, err := env.Engine.Promote(env.Ctx, app1, b, "bob")
	if err != nil {
		t.Fatalf("promote after resolve: %v", err)
	}
	if v3.VersionNumber != 3 || object(t, v3)["a"] != 3.0 {
		t.Fatalf("unexpected v3 %+v", v3)
	}
}

func TestResolveConflictAcceptBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1,"b":1}`)
	a := env.initiative(t, "A")
	b := env.initiative(t, "B")
	env.edit(t, app1, a, "alice", `{"a":2,"b":1}`)
	env.edit(t, app1, b, "bob", `{"a":3,"b":5}`)
	if _, err := env.Engine.Promote(env.Ctx, app1, a, "alice"); err != nil {
		t.Fatal(err)
	}
	rebased, err := env.Engine.ResolveConflict(env.Ctx, engine.ResolveRequest{Ref: app1, InitiativeID: b, UserID: "bob", Strategy: engine.AcceptBaseline})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := object(t, rebased); !reflect.DeepEqual(got, map[string]any{"a": 2.0, "b": 5.0}) {
		t.Fatalf("expected baseline a and draft b, got %v", got)
	}
	if !reflect.DeepEqual(rebased.ChangedFields, []string{"b"}) {
		t.Fatalf("changed fields should be relative to the new base, got %v", rebased.ChangedFields)
	}
	_, err = env.Engine.ResolveConflict(env.Ctx, engine.ResolveRequest{Ref: app1, InitiativeID: b, UserID: "bob", Strategy: "pick_fields"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown strategy must be a validation error, got %v", err)
	}
}

func TestUpdateDraftRequiresLock(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"name":"CRM","team":"core"}`)
	x := env.initiative(t, "X")
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.UpdateDraft(env.Ctx, engine.DraftUpdate{Ref: app1, InitiativeID: x, UserID: "bob", Payload: json.RawMessage(`{"name":"CRM2"}`)})
	var noe *engine.NotOwnerError
	if !errors.As(err, &noe) || noe.Lock.LockedBy != "alice" {
		t.Fatalf("expected not-owner error, got %v", err)
	}
	d, err := env.Engine.UpdateDraft(env.Ctx, engine.DraftUpdate{Ref: app1, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{"name":"CRM2","team":"core"}`)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.VersionNumber != 0 || !reflect.DeepEqual(d.ChangedFields, []string{"name"}) {
		t.Fatalf("unexpected draft %+v", d)
	}

	// after checkin the draft is unlocked; edits need the lock again
	if _, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateDraft(env.Ctx, engine.DraftUpdate{Ref: app1, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{}`)})
	if !errors.As(err, &noe) {
		t.Fatalf("update without lock should fail, got %v", err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, engine.LockRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.UpdateDraft(env.Ctx, engine.DraftUpdate{Ref: app1, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{"name":"CRM3","team":"core"}`)})
	if err != nil || object(t, d)["name"] != "CRM3" {
		t.Fatalf("resume edit: %v", err)
	}
}

func TestCancelCheckoutDiscardsDraftAndLock(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1}`)
	x := env.initiative(t, "X")
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	var noe *engine.NotOwnerError
	if err := env.Engine.CancelCheckout(env.Ctx, app1, x, "bob"); !errors.As(err, &noe) {
		t.Fatalf("expected not-owner, got %v", err)
	}
	if err := env.Engine.CancelCheckout(env.Ctx, app1, x, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.GetDraft(env.Ctx, app1, x); !errors.Is(err, engine.ErrDraftNotFound) {
		t.Fatalf("draft should be discarded")
	}
	locks, err := env.Engine.ListActiveLocks(env.Ctx, repo.LockFilters{})
	if err != nil || len(locks) != 0 {
		t.Fatalf("lock should be released: %v %d", err, len(locks))
	}
	if err := env.Engine.CancelCheckout(env.Ctx, app1, x, "alice"); !errors.Is(err, engine.ErrDraftNotFound) {
		t.Fatalf("second cancel should report missing draft, got %v", err)
	}
}

func TestCheckinWithoutLockRequiresDraftAuthor(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1}`)
	x := env.initiative(t, "X")
	env.edit(t, app1, x, "alice", `{"a":2}`)

	var noe *engine.NotOwnerError
	_, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: app1, InitiativeID: x, UserID: "mallory"})
	if !errors.As(err, &noe) || noe.UserID != "mallory" {
		t.Fatalf("expected not-owner for a stranger, got %v", err)
	}
	checkins, err := env.Engine.ListEvents(env.Ctx, 0, 0, repo.EventFilters{InitiativeID: x, Type: "draft.checked_in"})
	if err != nil {
		t.Fatal(err)
	}
	if len(checkins) != 1 {
		t.Fatalf("expected only alice's checkin, got %d", len(checkins))
	}
	for _, ev := range checkins {
		if ev.ActorID == "mallory" {
			t.Fatalf("refused checkin must not be audited: %+v", ev)
		}
	}

	// the author may check in again once the lock is gone
	if _, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatalf("author checkin: %v", err)
	}
}

func TestCreateAndDecommissionInInitiative(t *testing.T) {
	env := newTestEnv(t)
	x := env.initiative(t, "X")
	newApp := registry.Ref{Type: registry.Application, ID: 9}
	res, err := env.Engine.CreateInInitiative(env.Ctx, engine.DraftUpdate{Ref: newApp, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{"name":"New"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Draft.ChangeType != domain.ChangeCreate || res.Draft.BasedOnVersion != 0 || res.Lock.LockedBy != "alice" {
		t.Fatalf("unexpected create draft %+v", res)
	}
	v1, err := env.Engine.Promote(env.Ctx, newApp, x, "alice")
	if err != nil {
		t.Fatalf("promote create: %v", err)
	}
	if v1.VersionNumber != 1 || !v1.IsBaseline {
		t.Fatalf("unexpected v1 %+v", v1)
	}
	_, err = env.Engine.CreateInInitiative(env.Ctx, engine.DraftUpdate{Ref: newApp, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, engine.ErrBaselineExists) {
		t.Fatalf("create over existing baseline must fail, got %v", err)
	}

	y := env.initiative(t, "Y")
	if _, err := env.Engine.Decommission(env.Ctx, newApp, y, "bob", "retired"); err != nil {
		t.Fatalf("decommission: %v", err)
	}
	v2, err := env.Engine.Promote(env.Ctx, newApp, y, "bob")
	if err != nil {
		t.Fatalf("promote decommission: %v", err)
	}
	if v2.ChangeType != domain.ChangeDelete || object(t, v2)["name"] != "New" {
		t.Fatalf("unexpected v2 %+v", v2)
	}
	z := env.initiative(t, "Z")
	_, err = env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: newApp, InitiativeID: z, UserID: "carol"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("checkout of decommissioned artifact must fail, got %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.Engine.Publisher = pub
	env.baseline(t, app1, `{"a":1}`)
	x := env.initiative(t, "X")
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	// a failed call publishes nothing
	_, _ = env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "bob"})

	want := []string{"version.baseline_registered", "initiative.created", "lock.acquired", "draft.created"}
	if got := pub.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for _, evt := range pub.events {
		if evt.ID == 0 {
			t.Fatalf("published event without id: %+v", evt)
		}
	}
	logged, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{InitiativeID: x})
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 3 || logged[0].Type != "draft.created" {
		t.Fatalf("unexpected audit log %+v", logged)
	}
}

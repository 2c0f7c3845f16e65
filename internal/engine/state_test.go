package engine_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"artifactvc/internal/engine"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
	"artifactvc/internal/state"
)

func (env testEnv) stateOf(t *testing.T, q engine.StateQuery) state.State {
	t.Helper()
	report, err := env.Engine.ResolveState(env.Ctx, q)
	if err != nil {
		t.Fatalf("resolve state: %v", err)
	}
	return report.State
}

func TestStateFollowsCheckoutLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1,"b":1}`)
	x := env.initiative(t, "X")

	if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: "alice"}); got != state.Production {
		t.Fatalf("fresh artifact: %s", got)
	}
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: "alice"}); got != state.CheckedOutMe {
		t.Fatalf("holder view: %s", got)
	}
	report, err := env.Engine.ResolveState(env.Ctx, engine.StateQuery{Ref: app1, Viewer: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if report.State != state.CheckedOutOther || report.Lock == nil || report.Lock.LockedBy != "alice" {
		t.Fatalf("other view: %+v", report)
	}
	if !reflect.DeepEqual(report.Initiatives, []string{x}) || report.BaselineVersion != 1 {
		t.Fatalf("report should name the initiative and baseline: %+v", report)
	}

	if _, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: app1, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{"a":2,"b":1}`)}); err != nil {
		t.Fatal(err)
	}
	for _, viewer := range []string{"alice", "bob"} {
		if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: viewer}); got != state.InitiativeChanges {
			t.Fatalf("%s after checkin: %s", viewer, got)
		}
	}

	// another initiative lands an overlapping change first
	y := env.initiative(t, "Y")
	env.edit(t, app1, y, "bob", `{"a":3,"b":1}`)
	if _, err := env.Engine.Promote(env.Ctx, app1, y, "bob"); err != nil {
		t.Fatal(err)
	}
	report, err = env.Engine.ResolveState(env.Ctx, engine.StateQuery{Ref: app1, Viewer: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if report.State != state.Conflicted || !reflect.DeepEqual(report.ConflictingFields, []string{"a"}) {
		t.Fatalf("expected conflicted on a, got %+v", report)
	}

	// the baseline view of another initiative is unaffected
	z := env.initiative(t, "Z")
	if got := env.stateOf(t, engine.StateQuery{Ref: app1, InitiativeID: z, Viewer: "carol"}); got != state.Production {
		t.Fatalf("unrelated initiative: %s", got)
	}
}

func TestStateCheckinWithoutEditsShowsInitiativeChanges(t *testing.T) {
	env := newTestEnv(t)
	env.baseline(t, app1, `{"a":1}`)
	x := env.initiative(t, "X")
	if _, err := env.Engine.Checkout(env.Ctx, engine.CheckoutRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Checkin(env.Ctx, engine.CheckinRequest{Ref: app1, InitiativeID: x, UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	for _, viewer := range []string{"alice", "bob"} {
		if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: viewer}); got != state.InitiativeChanges {
			t.Fatalf("%s after checkin without edits: %s", viewer, got)
		}
	}
	if err := env.Engine.CancelCheckout(env.Ctx, app1, x, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: "alice"}); got != state.Production {
		t.Fatalf("after discarding the draft: %s", got)
	}
}

func TestStatePendingFlags(t *testing.T) {
	env := newTestEnv(t)
	x := env.initiative(t, "X")
	brandNew := registry.Ref{Type: registry.BusinessProcess, ID: 77}
	if _, err := env.Engine.ResolveState(env.Ctx, engine.StateQuery{Ref: brandNew, Viewer: "alice"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown artifact should be not found, got %v", err)
	}
	if got := env.stateOf(t, engine.StateQuery{Ref: brandNew, Viewer: "alice", Pending: true}); got != state.PendingNew {
		t.Fatalf("pending flag: %s", got)
	}
	if _, err := env.Engine.CreateInInitiative(env.Ctx, engine.DraftUpdate{Ref: brandNew, InitiativeID: x, UserID: "alice", Payload: json.RawMessage(`{"processId":"BP-77"}`)}); err != nil {
		t.Fatal(err)
	}
	// pending outranks the viewer's own lock
	if got := env.stateOf(t, engine.StateQuery{Ref: brandNew, Viewer: "alice"}); got != state.PendingNew {
		t.Fatalf("create draft: %s", got)
	}

	env.baseline(t, app2, `{"name":"Legacy"}`)
	if _, err := env.Engine.Decommission(env.Ctx, app2, x, "alice", "replaced"); err != nil {
		t.Fatal(err)
	}
	if got := env.stateOf(t, engine.StateQuery{Ref: app2, Viewer: "bob"}); got != state.PendingDecommission {
		t.Fatalf("delete draft: %s", got)
	}
	env.baseline(t, app1, `{"name":"CRM"}`)
	if got := env.stateOf(t, engine.StateQuery{Ref: app1, Viewer: "bob", Decommissioning: true}); got != state.PendingDecommission {
		t.Fatalf("decommissioning flag: %s", got)
	}
}

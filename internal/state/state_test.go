package state

import (
	"encoding/json"
	"testing"
)

func TestResolvePriority(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want State
	}{
		{"nothing", Input{Viewer: "alice"}, Production},
		{"unlocked draft", Input{Viewer: "alice", HasDraft: true}, InitiativeChanges},
		{"own lock", Input{Viewer: "alice", LockHolder: "alice", HasDraft: true}, CheckedOutMe},
		{"other lock", Input{Viewer: "bob", LockHolder: "alice", HasDraft: true}, CheckedOutOther},
		{"conflict beats lock", Input{Viewer: "alice", LockHolder: "alice", Conflicted: true}, Conflicted},
		{"decommission beats conflict", Input{Viewer: "alice", Conflicted: true, Decommissioning: true}, PendingDecommission},
		{"new beats everything", Input{Viewer: "alice", Pending: true, Decommissioning: true, Conflicted: true, LockHolder: "bob"}, PendingNew},
		{"anonymous viewer never owns", Input{LockHolder: "alice"}, CheckedOutOther},
	}
	for _, tc := range cases {
		if got := Resolve(tc.in); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, s := range All() {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %d: %v", s, err)
		}
		var back State
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != s {
			t.Fatalf("round trip %s -> %s", s, back)
		}
	}
	if _, err := Parse("archived"); err == nil {
		t.Fatalf("expected unknown state error")
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected out-of-range string")
	}
}

package registry

import (
	"errors"
	"testing"
)

func TestParseType(t *testing.T) {
	for _, typ := range Types() {
		got, err := ParseType(" " + string(typ) + " ")
		if err != nil || got != typ {
			t.Fatalf("ParseType(%q) = %q, %v", typ, got, err)
		}
	}
	if _, err := ParseType("diagram"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestTypesReturnsCopy(t *testing.T) {
	ts := Types()
	ts[0] = "mutated"
	if Types()[0] != Application {
		t.Fatalf("Types leaked its backing slice")
	}
}

func TestRefRoundTrip(t *testing.T) {
	r := Ref{Type: BusinessProcess, ID: 42}
	if r.String() != "business_process#42" {
		t.Fatalf("unexpected string %q", r.String())
	}
	back, err := ParseRef(r.String())
	if err != nil || back != r {
		t.Fatalf("ParseRef = %+v, %v", back, err)
	}
	for _, bad := range []string{"application", "application#x", "application#0", "widget#1"} {
		if _, err := ParseRef(bad); err == nil {
			t.Fatalf("ParseRef(%q) should fail", bad)
		}
	}
}

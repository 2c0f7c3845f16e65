package db

import (
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	q := `SELECT * FROM artifact_locks WHERE artifact_type=? AND lock_reason<>'why?' AND artifact_id=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT * FROM artifact_locks WHERE artifact_type=$1 AND lock_reason<>'why?' AND artifact_id=$2`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind:\n got %s\nwant %s", got, want)
	}
}

func TestDialectFromDriver(t *testing.T) {
	cases := map[string]Dialect{
		"":         SQLite,
		"sqlite":   SQLite,
		"postgres": Postgres,
		"pgx":      Postgres,
		"Postgres": Postgres,
	}
	for driver, want := range cases {
		if got := (Config{Driver: driver}).Dialect(); got != want {
			t.Fatalf("driver %q: got %s want %s", driver, got, want)
		}
	}
	if Postgres.ForUpdate() != " FOR UPDATE" || SQLite.ForUpdate() != "" {
		t.Fatalf("unexpected FOR UPDATE suffixes")
	}
}

func TestTimeRoundTripSortsAsText(t *testing.T) {
	a := time.Date(2024, 1, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	b := a.Add(1500 * time.Microsecond)
	if !(FormatTime(a) < FormatTime(b)) {
		t.Fatalf("formatted times do not sort: %s %s", FormatTime(a), FormatTime(b))
	}
	got, err := ParseTime(FormatTime(b))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(b) {
		t.Fatalf("round trip mismatch: %s vs %s", got, b)
	}
}

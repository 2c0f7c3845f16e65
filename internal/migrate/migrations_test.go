package migrate

import (
	"testing"

	"artifactvc/internal/db"
)

func TestMigrationsLoadForBothDialects(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if len(ms) == 0 || ms[0].Version != 1 {
			t.Fatalf("%s: unexpected migrations %+v", d, ms)
		}
		if n := len(statements(ms[0].UpSQL)); n < 5 {
			t.Fatalf("%s: expected several statements, got %d", d, n)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(conn, db.SQLite); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	var n, v int
	if err := conn.QueryRow(`SELECT COUNT(*), MAX(version) FROM schema_migrations`).Scan(&n, &v); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if n != 1 || v != 1 {
		t.Fatalf("expected one applied migration at version 1, got %d rows at %d", n, v)
	}
}

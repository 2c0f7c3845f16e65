package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"artifactvc/internal/registry"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Locks.DefaultTTL != 24*time.Hour {
		t.Fatalf("expected 24h default ttl, got %s", cfg.Locks.DefaultTTL)
	}
	if cfg.Locks.SweepInterval != time.Hour {
		t.Fatalf("expected hourly sweep, got %s", cfg.Locks.SweepInterval)
	}
	if len(cfg.Auth.AdminRoles) != 1 || cfg.Auth.AdminRoles[0] != "admin" {
		t.Fatalf("unexpected admin roles %v", cfg.Auth.AdminRoles)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
locks:
  default_ttl: 30m
database:
  driver: postgres
  dsn: postgres://avc@localhost/avc
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Locks.DefaultTTL != 30*time.Minute {
		t.Fatalf("ttl override lost: %s", cfg.Locks.DefaultTTL)
	}
	if cfg.Locks.MaxTTL != 72*time.Hour {
		t.Fatalf("max ttl default lost: %s", cfg.Locks.MaxTTL)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver override lost")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: mysql\n",
		"bad severity":         "artifacts:\n  application:\n    severity:\n      name: urgent\n",
		"unknown type":         "artifacts:\n  spaceship:\n    severity:\n      name: high\n",
		"max below default":    "locks:\n  max_ttl: 1h\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSeverityLookup(t *testing.T) {
	cfg := Default()
	if got := cfg.Severity(registry.Application, "name"); got != "critical" {
		t.Fatalf("name severity %s", got)
	}
	if got := cfg.Severity(registry.Application, "deployment.region"); got != "medium" {
		t.Fatalf("nested severity should inherit parent, got %s", got)
	}
	if got := cfg.Severity(registry.Interface, "meta.notes"); got != "low" {
		t.Fatalf("auto-resolvable leaf should be low, got %s", got)
	}
	if got := cfg.Severity(registry.TechnicalProcess, "owner"); got != "medium" {
		t.Fatalf("fallback severity %s", got)
	}
}

func TestLockTTLCapped(t *testing.T) {
	cfg := Default()
	if cfg.LockTTL(0) != 24*time.Hour {
		t.Fatalf("zero ttl should use default")
	}
	if cfg.LockTTL(time.Hour) != time.Hour {
		t.Fatalf("explicit ttl not honoured")
	}
	if cfg.LockTTL(1000*time.Hour) != 72*time.Hour {
		t.Fatalf("ttl should be capped at max")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load should report missing file, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "avc.yml"), []byte("log:\n  format: json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("format not loaded")
	}
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"artifactvc/internal/registry"
)

// Config models avc.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string   `yaml:"jwt_secret"`
		AllowDevHeaders bool     `yaml:"allow_dev_headers"`
		AdminRoles      []string `yaml:"admin_roles"`
	} `yaml:"auth"`
	Locks struct {
		DefaultTTL    time.Duration `yaml:"default_ttl"`
		MaxTTL        time.Duration `yaml:"max_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"locks"`
	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Conflicts struct {
		DefaultSeverity string   `yaml:"default_severity"`
		AutoResolvable  []string `yaml:"auto_resolvable"`
	} `yaml:"conflicts"`
	Artifacts map[registry.Type]ArtifactPolicy `yaml:"artifacts"`
}

// ArtifactPolicy carries per-type field severities used when reporting conflicts.
type ArtifactPolicy struct {
	Severity map[string]string `yaml:"severity"`
}

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with avc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("config.locks.default_ttl must be positive")
	}
	if c.Locks.MaxTTL < c.Locks.DefaultTTL {
		return fmt.Errorf("config.locks.max_ttl must be >= default_ttl")
	}
	if c.Locks.SweepInterval <= 0 {
		return fmt.Errorf("config.locks.sweep_interval must be positive")
	}
	if !severities[c.Conflicts.DefaultSeverity] {
		return fmt.Errorf("config.conflicts.default_severity %q is not one of low, medium, high, critical", c.Conflicts.DefaultSeverity)
	}
	for typ, policy := range c.Artifacts {
		if !typ.Valid() {
			return fmt.Errorf("config.artifacts has unknown type %s", typ)
		}
		for field, sev := range policy.Severity {
			if field == "" {
				return fmt.Errorf("config.artifacts.%s.severity has empty field", typ)
			}
			if !severities[sev] {
				return fmt.Errorf("config.artifacts.%s.severity.%s: invalid severity %q", typ, field, sev)
			}
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Severity returns the configured severity for a dotted field path. Nested paths
// fall back to their closest configured parent, then to the default.
func (c *Config) Severity(typ registry.Type, field string) string {
	policy := c.Artifacts[typ]
	for path := field; path != ""; {
		if sev, ok := policy.Severity[path]; ok {
			return sev
		}
		i := strings.LastIndex(path, ".")
		if i < 0 {
			break
		}
		path = path[:i]
	}
	leaf := field
	if i := strings.LastIndex(field, "."); i >= 0 {
		leaf = field[i+1:]
	}
	if c.AutoResolvable(leaf) {
		return "low"
	}
	if c.Conflicts.DefaultSeverity == "" {
		return "medium"
	}
	return c.Conflicts.DefaultSeverity
}

// AutoResolvable reports whether a field name is on the auto-resolvable list.
func (c *Config) AutoResolvable(name string) bool {
	for _, f := range c.Conflicts.AutoResolvable {
		if f == name {
			return true
		}
	}
	return false
}

// LockTTL picks the effective TTL for a requested duration.
func (c *Config) LockTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.Locks.DefaultTTL
	}
	if c.Locks.MaxTTL > 0 && requested > c.Locks.MaxTTL {
		return c.Locks.MaxTTL
	}
	return requested
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "avc.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  allow_dev_headers: false
  admin_roles: [admin]

locks:
  default_ttl: 24h
  max_ttl: 72h
  sweep_interval: 1h

redis:
  addr: ""
  channel: avc:events

log:
  level: info
  format: text

conflicts:
  default_severity: medium
  auto_resolvable: [updatedAt, lastChangeDate, description, documentation, notes, comments]

artifacts:
  application:
    severity:
      name: critical
      amlNumber: critical
      status: high
      providesExtInterface: high
      consumesExtInterfaces: high
      deployment: medium
      description: low
      purpose: low
      uptime: medium
      decommissionDate: high
      team: medium
      tmfDomain: medium
  interface:
    severity:
      imlNumber: critical
      providerApplicationId: critical
      consumerApplicationId: critical
      interfaceType: high
      middleware: high
      status: high
      version: high
      protocol: high
      dataFlow: medium
      frequency: medium
      description: low
      sampleCode: low
  business_process:
    severity:
      processId: critical
      name: critical
      status: high
      processType: high
      businessFunction: high
      startEvent: medium
      endEvent: medium
      description: low
      documentation: low
  technical_process:
    severity:
      name: critical
      status: high
      technology: medium
      implementation: high
      description: low
  internal_activity:
    severity:
      name: critical
      status: high
      department: medium
      processFlow: high
      description: low
`

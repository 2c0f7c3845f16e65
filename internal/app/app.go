// Package app wires config, storage, logging and event broadcast into a ready
// engine for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"artifactvc/internal/broadcast"
	"artifactvc/internal/config"
	"artifactvc/internal/db"
	"artifactvc/internal/engine"
	"artifactvc/internal/migrate"
)

// Overrides are flag or environment values that win over avc.yml. Empty
// fields leave the file value alone.
type Overrides struct {
	ConfigFile   string
	DBDriver     string
	DSN          string
	Addr         string
	JWTSecret    string
	RedisAddr    string
	RedisChannel string
	LogLevel     string
	LogFormat    string
}

// LoadConfig reads avc.yml from the workspace, or ConfigFile when set, and
// applies the overrides. A missing workspace file yields the defaults.
func LoadConfig(workspace string, o Overrides) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigFile != "" {
		cfg, err = config.FromFile(o.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	apply := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	apply(&cfg.Database.Driver, o.DBDriver)
	apply(&cfg.Database.DSN, o.DSN)
	apply(&cfg.Server.Addr, o.Addr)
	apply(&cfg.Auth.JWTSecret, o.JWTSecret)
	apply(&cfg.Redis.Addr, o.RedisAddr)
	apply(&cfg.Redis.Channel, o.RedisChannel)
	apply(&cfg.Log.Level, o.LogLevel)
	apply(&cfg.Log.Format, o.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// App is an opened workspace.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *slog.Logger

	redis *broadcast.Redis
}

// Open connects to the configured store, applies migrations and, when a Redis
// address is configured, attaches the event publisher to the engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg, nil)
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, dbCfg.Dialect(), cfg)
	e.Logger = logger
	a := &App{Config: cfg, DB: conn, Engine: e, Logger: logger}
	if cfg.Redis.Addr != "" {
		a.redis = broadcast.NewRedis(&redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Channel)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx); err != nil {
			// Publishing is best effort; the events table stays authoritative.
			logger.Warn("redis unreachable, events will not be broadcast", "addr", cfg.Redis.Addr, "error", err)
		}
		a.Engine.Publisher = a.redis
	} else {
		a.Engine.Publisher = broadcast.Nop{}
	}
	return a, nil
}

// Redis returns the attached broadcaster, or nil when none is configured.
func (a *App) Redis() *broadcast.Redis {
	return a.redis
}

func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	return a.DB.Close()
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactvc/internal/broadcast"
	"artifactvc/internal/config"
	"artifactvc/internal/engine"
	"artifactvc/internal/events"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("server:\n  addr: 0.0.0.0:9000\nlog:\n  level: debug\n"), 0o644))

	cfg, err := LoadConfig(dir, Overrides{RedisAddr: "localhost:6379", LogFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	_, err = LoadConfig(dir, Overrides{DBDriver: "postgres"})
	assert.Error(t, err, "postgres without a dsn must not validate")

	alt := filepath.Join(dir, "other.yml")
	require.NoError(t, os.WriteFile(alt, []byte("locks:\n  default_ttl: 2h\n"), 0o644))
	cfg, err = LoadConfig(dir, Overrides{ConfigFile: alt})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Locks.DefaultTTL)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])
}

func TestOpenBroadcastsCommittedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := Open(ctx, t.TempDir(), cfg, NewLogger(cfg, &bytes.Buffer{}))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis())

	sub, err := a.Redis().Subscribe(ctx)
	require.NoError(t, err)

	it, err := a.Engine.CreateInitiative(ctx, engine.InitiativeCreate{Name: "Broadcast", ActorID: "lead"})
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, events.InitiativeCreated, evt.Type)
		assert.Equal(t, it.ID, evt.InitiativeID)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestOpenWithoutRedis(t *testing.T) {
	cfg := config.Default()
	a, err := Open(context.Background(), t.TempDir(), cfg, NewLogger(cfg, &bytes.Buffer{}))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Redis())
	assert.Equal(t, broadcast.Nop{}, a.Engine.Publisher)
}

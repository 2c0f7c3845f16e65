package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactvc/internal/engine"
)

type fakeStore struct {
	sweeps  atomic.Int32
	reaps   atomic.Int32
	failing bool
}

func (f *fakeStore) SweepExpiredLocks(context.Context, string) (engine.SweepResult, error) {
	f.sweeps.Add(1)
	if f.failing {
		return engine.SweepResult{}, errors.New("database is locked")
	}
	return engine.SweepResult{Expired: 1}, nil
}

func (f *fakeStore) SweepClosedInitiatives(context.Context) (engine.ReapResult, error) {
	f.reaps.Add(1)
	return engine.ReapResult{}, nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	s := Sweeper{Store: store, Interval: 5 * time.Millisecond, Logger: quiet()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return store.sweeps.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.Equal(t, store.sweeps.Load(), store.reaps.Load())
}

func TestRunOnceStopsOnFailure(t *testing.T) {
	store := &fakeStore{failing: true}
	Sweeper{Store: store, Logger: quiet()}.RunOnce(context.Background())
	assert.Equal(t, int32(1), store.sweeps.Load())
	assert.Equal(t, int32(0), store.reaps.Load(), "reap should be skipped after a failed sweep")
}

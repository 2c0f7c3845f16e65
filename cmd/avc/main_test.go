package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"artifactvc/internal/broadcast"
	"artifactvc/internal/domain"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

func TestArtifactFlagsRef(t *testing.T) {
	f := artifactFlags{typ: "interface", id: 12}
	ref, err := f.ref()
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	if ref != (registry.Ref{Type: registry.Interface, ID: 12}) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if _, err := (&artifactFlags{typ: "diagram", id: 1}).ref(); err == nil {
		t.Fatalf("unknown type should fail")
	}
	if _, err := (&artifactFlags{typ: "application"}).ref(); err == nil {
		t.Fatalf("zero id should fail")
	}
}

func TestPayloadFlagsRead(t *testing.T) {
	none, err := (&payloadFlags{}).read()
	if err != nil || none != nil {
		t.Fatalf("expected no payload, got %q %v", none, err)
	}

	inline, err := (&payloadFlags{inline: `{"name":"CRM"}`}).read()
	if err != nil || string(inline) != `{"name":"CRM"}` {
		t.Fatalf("inline payload = %q %v", inline, err)
	}

	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(`{"status":"live"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromFile, err := (&payloadFlags{file: path}).read()
	if err != nil || string(fromFile) != `{"status":"live"}` {
		t.Fatalf("file payload = %q %v", fromFile, err)
	}

	if _, err := (&payloadFlags{inline: "{}", file: path}).read(); err == nil {
		t.Fatalf("--payload with --file should fail")
	}
}

func TestFollowEventsStreamsMatchingEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := broadcast.NewRedis(&redis.Options{Addr: mr.Addr()}, "")
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := rdb.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sent := []domain.Event{
		{ID: 3, Type: "lock.acquired", InitiativeID: "it-1", EntityKind: "lock", EntityID: "l-1", ActorID: "alice"},
		{ID: 4, Type: "draft.updated", InitiativeID: "it-2", EntityKind: "version", EntityID: "v-1", ActorID: "bob"},
		{ID: 5, Type: "lock.released", InitiativeID: "it-1", EntityKind: "lock", EntityID: "l-1", ActorID: "alice"},
	}
	for _, evt := range sent {
		if err := rdb.Publish(ctx, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	relay := make(chan domain.Event)
	go func() {
		defer close(relay)
		for range sent {
			select {
			case evt := <-sub:
				relay <- evt
			case <-ctx.Done():
				return
			}
		}
	}()

	var out bytes.Buffer
	// event 3 was already printed from the backlog
	if err := followEvents(ctx, relay, repo.EventFilters{InitiativeID: "it-1"}, 3, false, &out); err != nil {
		t.Fatalf("follow: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "5\t") || !strings.Contains(lines[0], "lock.released") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestMatchesEvent(t *testing.T) {
	evt := domain.Event{Type: "draft.created", InitiativeID: "it-1", EntityKind: "version", EntityID: "v-9"}
	if !matchesEvent(repo.EventFilters{}, evt) {
		t.Fatalf("empty filter should match")
	}
	if !matchesEvent(repo.EventFilters{Type: "draft.created", EntityKind: "version"}, evt) {
		t.Fatalf("type and kind should match")
	}
	if matchesEvent(repo.EventFilters{EntityID: "v-1"}, evt) {
		t.Fatalf("entity id should not match")
	}
}

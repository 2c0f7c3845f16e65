package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"testing"
	"time"

	"artifactvc/internal/config"
	"artifactvc/internal/db"
	"artifactvc/internal/engine"
	"artifactvc/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, db.SQLite, config.Default())
	e.Logger = logger
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevHeaders: true},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(user string, roles ...string) map[string]string {
	h := map[string]string{"X-Actor-Id": user}
	if len(roles) > 0 {
		h["X-Actor-Roles"] = roles[0]
		for _, r := range roles[1:] {
			h["X-Actor-Roles"] += "," + r
		}
	}
	return h
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

// seed creates an initiative and registers baselines, returning the initiative id.
func seed(t *testing.T, srv *testServer, name string, baselines map[string]map[string]any) string {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"name": name}, as("lead"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative: %d %s", res.StatusCode, string(data))
	}
	var it InitiativeResponse
	_ = json.Unmarshal(data, &it)
	for artifact, payload := range baselines {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/"+artifact+"/baseline", map[string]any{"payload": payload}, as("seed"))
		if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusConflict {
			t.Fatalf("register baseline %s: %d %s", artifact, res.StatusCode, string(data))
		}
	}
	return it.ID
}

func target(initiativeID string) map[string]any {
	return map[string]any{
		"artifact_type": "application",
		"artifact_id":   1,
		"initiative_id": initiativeID,
	}
}

func with(base map[string]any, key string, value any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

func TestCheckoutLockConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	x := seed(t, srv, "X", map[string]map[string]any{"application/1": {"name": "CRM"}})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkout", target(x), as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("checkout: %d %s", res.StatusCode, string(data))
	}
	var co CheckoutResponse
	if err := json.Unmarshal(data, &co); err != nil {
		t.Fatalf("unmarshal checkout: %v", err)
	}
	if co.Lock.LockedBy != "alice" || !co.DraftVersion.IsDraft || co.DraftVersion.BasedOnVersion != 1 {
		t.Fatalf("unexpected checkout %+v", co)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkout", target(x), as("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "lock_conflict" || apiErr.Details["locked_by"] != "alice" || apiErr.Details["initiative_id"] != x {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, ok := apiErr.Details["expires_at"]; !ok {
		t.Fatalf("expires_at missing from %+v", apiErr.Details)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts", with(target(x), "payload", map[string]any{"name": "CRM 2"}), as("bob"))
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Code != "not_owner" {
		t.Fatalf("expected not_owner, got %d %s", res.StatusCode, string(data))
	}
}

func TestPromoteConflictAndResolve(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := map[string]map[string]any{"application/1": {"a": 1, "b": 1}}
	x := seed(t, srv, "X", base)
	y := seed(t, srv, "Y", base)

	edit := func(initiative, user string, payload map[string]any) {
		t.Helper()
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkout", target(initiative), as(user)); res.StatusCode != http.StatusOK {
			t.Fatalf("checkout %s: %d %s", initiative, res.StatusCode, string(data))
		}
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkin", with(target(initiative), "payload", payload), as(user)); res.StatusCode != http.StatusOK {
			t.Fatalf("checkin %s: %d %s", initiative, res.StatusCode, string(data))
		}
	}
	edit(x, "alice", map[string]any{"a": 2, "b": 1})
	edit(y, "bob", map[string]any{"a": 3, "b": 1})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/application/1/promote", map[string]any{"initiative_id": y}, as("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote y: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/application/1/promote", map[string]any{"initiative_id": x}, as("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	fields, _ := apiErr.Details["conflicting_fields"].([]any)
	if apiErr.Code != "conflict" || !reflect.DeepEqual(fields, []any{"a"}) {
		t.Fatalf("unexpected conflict %+v", apiErr)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/artifacts/application/1/state?initiative_id="+x, nil, as("alice"))
	var st StateResponse
	_ = json.Unmarshal(data, &st)
	if res.StatusCode != http.StatusOK || st.State != "conflicted" {
		t.Fatalf("expected conflicted state, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/application/1/resolve", map[string]any{"initiative_id": x, "strategy": "keep_initiative"}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/application/1/promote", map[string]any{"initiative_id": x}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote after resolve: %d %s", res.StatusCode, string(data))
	}
	var promoted VersionEnvelope
	_ = json.Unmarshal(data, &promoted)
	if promoted.Version.VersionNumber != 3 || promoted.Version.Payload["a"] != 2.0 {
		t.Fatalf("unexpected promotion %+v", promoted.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/artifacts/application/1/versions", nil, as("alice"))
	var history []VersionResponse
	_ = json.Unmarshal(data, &history)
	if res.StatusCode != http.StatusOK || len(history) != 3 || !history[0].IsBaseline {
		t.Fatalf("unexpected history %d %s", res.StatusCode, string(data))
	}
}

func TestAuthAndAdminRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/locks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	token, err := signDevToken(testSecret, "carol", []string{"admin"}, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "carol" || !me.Admin {
		t.Fatalf("unexpected me %d %s", res.StatusCode, string(data))
	}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"}); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be rejected, got %d", res.StatusCode)
	}

	x := seed(t, srv, "X", map[string]map[string]any{"application/1": {"name": "CRM"}})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locks", with(target(x), "reason", "editing"), as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acquire: %d %s", res.StatusCode, string(data))
	}
	var lock LockResponse
	_ = json.Unmarshal(data, &lock)

	override := map[string]any{"lock_id": lock.ID, "reason": "alice is on leave"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/override-lock", override, as("bob"))
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Code != "forbidden" {
		t.Fatalf("non-admin override: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/override-lock", override, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin override: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locks?initiative_id="+x, nil, as("bob"))
	var locks []LockResponse
	_ = json.Unmarshal(data, &locks)
	if res.StatusCode != http.StatusOK || len(locks) != 0 {
		t.Fatalf("lock should be gone: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=lock&limit=1", nil, as("bob"))
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 || page.Items[0].Type != "lock.overridden" || page.NextCursor == "" {
		t.Fatalf("unexpected events page %d %s", res.StatusCode, string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	x := seed(t, srv, "X", nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/artifacts/application/9/baseline", nil, as("alice"))
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "no_baseline" {
		t.Fatalf("missing baseline: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/artifacts/widget/9/baseline", nil, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/checkout", map[string]any{"artifact_type": "application", "artifact_id": 1}, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing initiative: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+x+"/cancel", nil, as("lead"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/application/5/create", map[string]any{"initiative_id": x, "payload": map[string]any{"name": "New"}}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Code != "initiative_not_active" {
		t.Fatalf("closed initiative: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/initiatives/INIT-missing", nil, as("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown initiative: %d %s", res.StatusCode, string(data))
	}
}

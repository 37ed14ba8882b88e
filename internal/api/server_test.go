package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/database"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
	"github.com/nerrad567/hivehub/internal/protocol"
	_ "github.com/nerrad567/hivehub/migrations"
)

const (
	testSecret  = "test-secret-key-at-least-32-characters-long"
	deviceA     = "e50d6085-2aba-48e9-b1c3-73c673e414be"
	deviceB     = "a1b2c3d4-0000-4000-8000-000000000001"
	deviceKey   = "05F94BF509C8"
	testTimeout = 2 * time.Second
)

// testPasswordParams keeps Argon2id cheap in tests.
var testPasswordParams = auth.PasswordParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type testEnv struct {
	srv       *Server
	bus       *hub.Hub
	adminKey  string
	clientKey string
}

// newTestEnv builds a server over an in-memory store with an administrator
// and a client account.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	bus := hub.New(device.NewSQLiteRepository(db.DB))
	t.Cleanup(func() { bus.Close() }) //nolint:errcheck // Test cleanup

	authn := auth.NewAuthenticator(auth.NewUserRepository(db.DB), auth.NewKeyRepository(db.DB), testSecret, 5)
	env := &testEnv{
		bus:       bus,
		adminKey:  createUser(t, authn, "admin", auth.RoleAdministrator),
		clientKey: createUser(t, authn, "operator", auth.RoleClient),
	}

	env.srv, err = New(Deps{
		Config:   config.APIConfig{BasePath: "/api"},
		WS:       config.WebSocketConfig{Path: "/ws", MaxMessageSize: 65536, PingInterval: 30, PongTimeout: 10},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   logging.Discard(),
		Bus:      bus,
		Auth:     authn,
		Registry: prometheus.NewRegistry(),
		Audit:    audit.NewSQLiteRepository(db.DB),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { env.srv.Close() }) //nolint:errcheck // Test cleanup
	return env
}

// createUser stores an active user with password "secret-password" and
// returns a non-expiring access key for it.
func createUser(t *testing.T, a *auth.Authenticator, login string, role auth.Role) string {
	t.Helper()

	hash, err := auth.HashPasswordWith("secret-password", testPasswordParams)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	user := &auth.User{Login: login, PasswordHash: hash, Role: role, Status: auth.StatusActive}
	if err := a.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("creating user %s: %v", login, err)
	}
	key, err := a.IssueKey(context.Background(), user, 0, "test")
	if err != nil {
		t.Fatalf("issuing key for %s: %v", login, err)
	}
	return key
}

// registerDevice stores a device on the "Bench" network.
func (e *testEnv) registerDevice(t *testing.T, id string) {
	t.Helper()
	d := &device.Device{
		ID:      id,
		Key:     deviceKey,
		Name:    "Sample Device",
		Status:  "Online",
		Network: &device.Network{Name: "Bench", Key: "bench"},
		DeviceClass: &device.DeviceClass{
			Name:      "Relay",
			Version:   "1.0",
			Equipment: []device.Equipment{{Name: "Relay", Code: "relay", Type: "Switch"}},
		},
	}
	if err := e.bus.SaveDevice(context.Background(), d); err != nil {
		t.Fatalf("SaveDevice(%s) error = %v", id, err)
	}
}

type credentials func(r *http.Request)

func bearer(key string) credentials {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }
}

func basic(login, password string) credentials {
	return func(r *http.Request) { r.SetBasicAuth(login, password) }
}

func deviceCreds(id, key string) credentials {
	return func(r *http.Request) {
		r.Header.Set(headerDeviceID, id)
		r.Header.Set(headerDeviceKey, key)
	}
}

func anonymous(*http.Request) {}

// do serves one request through the router.
func (e *testEnv) do(t *testing.T, method, path, body string, creds credentials) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	creds(req)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_MissingDependencies(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Bus: env.bus, Auth: env.srv.auth}},
		{"no hub", Deps{Logger: logging.Discard(), Auth: env.srv.auth}},
		{"no authenticator", Deps{Logger: logging.Discard(), Bus: env.bus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

// ─── Health, Info and Middleware Tests ──────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", anonymous)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestHealthEndpoint_HubClosed(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Close() //nolint:errcheck // closing early on purpose

	rec := env.do(t, http.MethodGet, "/api/health", "", anonymous)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestInfoEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"plain", nil, "ws://example.com/ws"},
		{"behind tls proxy", map[string]string{"X-Forwarded-Proto": "https"}, "wss://example.com/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/info", "", func(r *http.Request) {
				for k, v := range tt.headers {
					r.Header.Set(k, v)
				}
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			info := decodeBody[protocol.APIInfo](t, rec)
			if info.WebSocketServerURL != tt.want {
				t.Errorf("webSocketServerUrl = %q, want %q", info.WebSocketServerURL, tt.want)
			}
			if info.APIVersion != protocol.APIVersion {
				t.Errorf("apiVersion = %q, want %q", info.APIVersion, protocol.APIVersion)
			}
			if info.ServerTimestamp.IsZero() {
				t.Error("serverTimestamp is zero")
			}
		})
	}
}

func TestInfoEndpoint_PublicURL(t *testing.T) {
	env := newTestEnv(t)
	env.srv.wsCfg.PublicURL = "wss://hub.example.org/ws/"

	info := decodeBody[protocol.APIInfo](t, env.do(t, http.MethodGet, "/api/info", "", anonymous))
	if info.WebSocketServerURL != "wss://hub.example.org/ws" {
		t.Errorf("webSocketServerUrl = %q, want wss://hub.example.org/ws", info.WebSocketServerURL)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", "", anonymous)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated X-Request-ID header")
	}

	rec = env.do(t, http.MethodGet, "/api/health", "", func(r *http.Request) {
		r.Header.Set("X-Request-ID", "custom-id-123")
	})
	if got := rec.Header().Get("X-Request-ID"); got != "custom-id-123" {
		t.Errorf("X-Request-ID = %q, want custom-id-123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodOptions, "/api/device", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://localhost:3000")
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want http://localhost:3000", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, headerDeviceKey) {
		t.Errorf("Access-Control-Allow-Headers = %q, want it to include %s", got, headerDeviceKey)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/health", "", anonymous)

	rec := env.do(t, http.MethodGet, "/metrics", "", anonymous)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "hivehub_api_requests_total") {
		t.Error("metrics output missing hivehub_api_requests_total")
	}
}

// ─── Authentication Tests ───────────────────────────────────────────

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	tests := []struct {
		name  string
		creds credentials
		want  int
	}{
		{"no credentials", anonymous, http.StatusUnauthorized},
		{"access key", bearer(env.clientKey), http.StatusOK},
		{"garbage access key", bearer("not-a-key"), http.StatusUnauthorized},
		{"basic auth", basic("operator", "secret-password"), http.StatusOK},
		{"wrong password", basic("operator", "wrong"), http.StatusUnauthorized},
		{"unknown login", basic("nobody", "secret-password"), http.StatusUnauthorized},
		{"device key", deviceCreds(deviceA, deviceKey), http.StatusOK},
		{"wrong device key", deviceCreds(deviceA, "nope"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/device", "", tt.creds)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 response missing WWW-Authenticate header")
			}
		})
	}
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	rec := env.do(t, http.MethodGet, "/api/user/current", "", bearer(env.clientKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if u := decodeBody[protocol.User](t, rec); u.Login != "operator" {
		t.Errorf("login = %q, want operator", u.Login)
	}

	rec = env.do(t, http.MethodGet, "/api/user/current", "", deviceCreds(deviceA, deviceKey))
	if rec.Code != http.StatusForbidden {
		t.Errorf("device status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestUpdateCurrentUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/user/current", `{"login":"someone-else"}`, bearer(env.clientKey))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("login change status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, http.MethodPut, "/api/user/current", `{"password":"a-new-password"}`,
		basic("operator", "secret-password"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("password change status = %d, want %d (body %s)", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	if rec := env.do(t, http.MethodGet, "/api/user/current", "", basic("operator", "a-new-password")); rec.Code != http.StatusOK {
		t.Errorf("new password status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := env.do(t, http.MethodGet, "/api/user/current", "", basic("operator", "secret-password")); rec.Code != http.StatusUnauthorized {
		t.Errorf("old password status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// ─── Device Tests ───────────────────────────────────────────────────

const deviceBody = `{
	"name": "Sample Device",
	"key": "05F94BF509C8",
	"status": "Online",
	"network": {"name": "Bench", "key": "bench"},
	"deviceClass": {"name": "Relay", "version": "1.0",
		"equipment": [{"name": "Relay", "code": "relay", "type": "Switch"}]}
}`

func TestSaveAndGetDevice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/device/"+deviceA, deviceBody, bearer(env.clientKey))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want %d (body %s)", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	tests := []struct {
		name       string
		creds      credentials
		wantKey    string
		wantNetKey string
	}{
		{"administrator sees keys", bearer(env.adminKey), deviceKey, "bench"},
		{"client sees no keys", bearer(env.clientKey), "", ""},
		{"device sees its own key", deviceCreds(deviceA, deviceKey), deviceKey, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/device/"+deviceA, "", tt.creds)
			if rec.Code != http.StatusOK {
				t.Fatalf("GET status = %d, want %d", rec.Code, http.StatusOK)
			}
			d := decodeBody[device.Device](t, rec)
			if d.Name != "Sample Device" {
				t.Errorf("name = %q, want Sample Device", d.Name)
			}
			if d.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", d.Key, tt.wantKey)
			}
			if d.Network == nil || d.Network.Key != tt.wantNetKey {
				t.Errorf("network = %+v, want key %q", d.Network, tt.wantNetKey)
			}
		})
	}
}

func TestSaveDevice_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/device/" + deviceB, `{`, http.StatusBadRequest},
		{"id mismatch", "/api/device/" + deviceB, `{"id":"` + deviceA + `","name":"x"}`, http.StatusBadRequest},
		{"wrong network key", "/api/device/" + deviceB,
			`{"name":"x","key":"k","network":{"name":"Bench","key":"wrong"}}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, tt.body, bearer(env.clientKey))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/device/"+deviceB, "", bearer(env.clientKey))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	body := decodeBody[protocol.ErrorBody](t, rec)
	if body.Error.Code != ErrCodeNotFound {
		t.Errorf("error code = %q, want %q", body.Error.Code, ErrCodeNotFound)
	}
}

func TestDevicePrincipalScope(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	env.registerDevice(t, deviceB)
	self := deviceCreds(deviceA, deviceKey)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"own device", http.MethodGet, "/api/device/" + deviceA, http.StatusOK},
		{"other device", http.MethodGet, "/api/device/" + deviceB, http.StatusForbidden},
		{"other device notifications", http.MethodGet, "/api/device/" + deviceB + "/notification", http.StatusForbidden},
		{"delete self", http.MethodDelete, "/api/device/" + deviceA, http.StatusForbidden},
		{"networks", http.MethodGet, "/api/network", http.StatusForbidden},
		{"poll other device", http.MethodGet, "/api/device/notification/poll?waitTimeout=0&deviceGuids=" + deviceB, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, "", self)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/device", "", self)
	list := decodeBody[[]device.Device](t, rec)
	if len(list) != 1 || list[0].ID != deviceA {
		t.Errorf("device list = %+v, want only %s", list, deviceA)
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	if rec := env.do(t, http.MethodDelete, "/api/device/"+deviceA, "", bearer(env.clientKey)); rec.Code != http.StatusForbidden {
		t.Errorf("client DELETE status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := env.do(t, http.MethodDelete, "/api/device/"+deviceA, "", bearer(env.adminKey)); rec.Code != http.StatusNoContent {
		t.Fatalf("admin DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := env.do(t, http.MethodGet, "/api/device/"+deviceA, "", bearer(env.adminKey)); rec.Code != http.StatusNotFound {
		t.Errorf("GET after DELETE status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPut, "/api/device/"+deviceA, deviceBody, bearer(env.clientKey)); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := env.do(t, http.MethodDelete, "/api/device/"+deviceA, "", bearer(env.adminKey)); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	if rec := env.do(t, http.MethodGet, "/api/audit", "", bearer(env.clientKey)); rec.Code != http.StatusForbidden {
		t.Errorf("client GET /audit status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := env.do(t, http.MethodGet, "/api/audit?take=x", "", bearer(env.adminKey)); rec.Code != http.StatusBadRequest {
		t.Errorf("GET /audit?take=x status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := env.do(t, http.MethodGet, "/api/audit?entityType=device&entityId="+deviceA, "", bearer(env.adminKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /audit status = %d, want %d", rec.Code, http.StatusOK)
	}
	res := decodeBody[audit.ListResult](t, rec)
	if res.Total != 2 || len(res.Entries) != 2 {
		t.Fatalf("audit = %+v, want two entries", res)
	}
	if res.Entries[0].Action != audit.ActionDelete || res.Entries[0].Actor != "user:admin" {
		t.Errorf("newest entry = %+v, want delete by user:admin", res.Entries[0])
	}
	saved := res.Entries[1]
	if saved.Action != audit.ActionSave || saved.Actor != "user:operator" || saved.Source != audit.SourceREST {
		t.Errorf("oldest entry = %+v, want save by user:operator over rest", saved)
	}
	if saved.Details["name"] != "Sample Device" {
		t.Errorf("save details = %v, want name Sample Device", saved.Details)
	}
	if _, ok := saved.Details["key"]; ok {
		t.Error("save details include the device key")
	}
}

func TestNetworks(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	admin := decodeBody[[]device.Network](t, env.do(t, http.MethodGet, "/api/network", "", bearer(env.adminKey)))
	if len(admin) != 1 || admin[0].Key != "bench" {
		t.Fatalf("admin networks = %+v, want Bench with its key", admin)
	}

	client := decodeBody[[]device.Network](t, env.do(t, http.MethodGet, "/api/network", "", bearer(env.clientKey)))
	if len(client) != 1 || client[0].Key != "" {
		t.Errorf("client networks = %+v, want Bench without its key", client)
	}

	path := "/api/network/" + strconv.FormatInt(admin[0].ID, 10)
	rec := env.do(t, http.MethodGet, path, "", bearer(env.clientKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
	}
	if n := decodeBody[device.Network](t, rec); n.Name != "Bench" || n.Key != "" {
		t.Errorf("network = %+v, want Bench without key", n)
	}

	if rec := env.do(t, http.MethodGet, "/api/network/abc", "", bearer(env.clientKey)); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEquipmentState(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	body := `{"notification":"equipment","parameters":{"equipment":"relay","state":true}}`
	if rec := env.do(t, http.MethodPost, "/api/device/"+deviceA+"/notification", body, deviceCreds(deviceA, deviceKey)); rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want %d", rec.Code, http.StatusCreated)
	}

	states := decodeBody[[]device.EquipmentState](t, env.do(t, http.MethodGet, "/api/device/"+deviceA+"/equipment", "", bearer(env.clientKey)))
	if len(states) != 1 || states[0].Code != "relay" {
		t.Errorf("equipment = %+v, want one relay state", states)
	}
}

// ─── Message Tests ──────────────────────────────────────────────────

func TestNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	rec := env.do(t, http.MethodPost, "/api/device/"+deviceA+"/notification",
		`{"notification":"temperature","parameters":{"value":21.5}}`, deviceCreds(deviceA, deviceKey))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	created := decodeBody[device.Notification](t, rec)
	if created.ID == 0 || created.Timestamp.IsZero() {
		t.Errorf("created = %+v, want id and timestamp assigned", created)
	}

	list := decodeBody[[]device.Notification](t, env.do(t, http.MethodGet,
		"/api/device/"+deviceA+"/notification?names=temperature", "", bearer(env.clientKey)))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v, want the temperature notification", list)
	}

	// Start and end are inclusive.
	ts := url.QueryEscape(device.FormatTimestamp(created.Timestamp))
	list = decodeBody[[]device.Notification](t, env.do(t, http.MethodGet,
		"/api/device/"+deviceA+"/notification?names=temperature&start="+ts+"&end="+ts, "", bearer(env.clientKey)))
	if len(list) != 1 {
		t.Errorf("start=end=timestamp returned %d items, want 1", len(list))
	}

	// The registration notification comes first; skip it.
	all := decodeBody[[]device.Notification](t, env.do(t, http.MethodGet,
		"/api/device/"+deviceA+"/notification?skip=1&take=1", "", bearer(env.clientKey)))
	if len(all) != 1 || all[0].Name != "temperature" {
		t.Errorf("skip=1&take=1 = %+v, want the temperature notification", all)
	}
}

func TestNotifications_BadQuery(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	for _, q := range []string{"start=yesterday", "take=-1", "skip=x"} {
		t.Run(q, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/device/"+deviceA+"/notification?"+q, "", bearer(env.clientKey))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCommandLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	base := "/api/device/" + deviceA + "/command"

	rec := env.do(t, http.MethodPost, base, `{"command":"switch","parameters":{"on":true}}`, bearer(env.clientKey))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	cmd := decodeBody[device.Command](t, rec)
	if cmd.ID == 0 || cmd.UserID == 0 {
		t.Errorf("command = %+v, want id and user id assigned", cmd)
	}
	cmdPath := base + "/" + strconv.FormatInt(cmd.ID, 10)

	// No result yet: the result poll times out immediately with waitTimeout=0.
	if rec := env.do(t, http.MethodGet, cmdPath+"/poll?waitTimeout=0", "", bearer(env.clientKey)); rec.Code != http.StatusNoContent {
		t.Errorf("result poll before update status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = env.do(t, http.MethodPut, cmdPath, `{"status":"Success","result":"done"}`, deviceCreds(deviceA, deviceKey))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want %d (body %s)", rec.Code, http.StatusNoContent, rec.Body.String())
	}

	got := decodeBody[device.Command](t, env.do(t, http.MethodGet, cmdPath, "", bearer(env.clientKey)))
	if got.Status != device.StatusSuccess || got.Result != "done" {
		t.Errorf("command = %+v, want status Success and result done", got)
	}

	rec = env.do(t, http.MethodGet, cmdPath+"/poll?waitTimeout=1", "", bearer(env.clientKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("result poll status = %d, want %d", rec.Code, http.StatusOK)
	}
	if c := decodeBody[device.Command](t, rec); c.Status != device.StatusSuccess {
		t.Errorf("result poll status field = %q, want Success", c.Status)
	}

	list := decodeBody[[]device.Command](t, env.do(t, http.MethodGet, base, "", bearer(env.clientKey)))
	if len(list) != 1 || list[0].ID != cmd.ID {
		t.Errorf("command list = %+v, want the one command", list)
	}
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	base := "/api/device/" + deviceA + "/command"

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid command id", http.MethodGet, base + "/abc", "", http.StatusBadRequest},
		{"unknown command", http.MethodGet, base + "/999", "", http.StatusNotFound},
		{"update unknown command", http.MethodPut, base + "/999", `{"status":"Failed"}`, http.StatusNotFound},
		{"invalid json", http.MethodPost, base, `{`, http.StatusBadRequest},
		{"unknown device", http.MethodPost, "/api/device/" + deviceB + "/command", `{"command":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body, bearer(env.clientKey))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// ─── Long Poll Tests ────────────────────────────────────────────────

func TestPollDeviceNotifications_Stored(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	since := url.QueryEscape(device.FormatTimestamp(env.bus.Now()))

	n := &device.Notification{Name: "temperature"}
	if err := env.bus.InsertNotification(context.Background(), deviceA, n); err != nil {
		t.Fatalf("InsertNotification() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/device/"+deviceA+"/notification/poll?waitTimeout=5&timestamp="+since, "", bearer(env.clientKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	got := decodeBody[[]device.Notification](t, rec)
	if len(got) != 1 || got[0].ID != n.ID {
		t.Errorf("poll = %+v, want notification %d", got, n.ID)
	}
}

func TestPollDeviceCommands_Waits(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	since := url.QueryEscape(device.FormatTimestamp(env.bus.Now()))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodGet, "/api/device/"+deviceA+"/command/poll?waitTimeout=5&timestamp="+since, "", deviceCreds(deviceA, deviceKey))
	}()

	time.Sleep(50 * time.Millisecond)
	c := &device.Command{Name: "switch"}
	if err := env.bus.InsertCommand(context.Background(), deviceA, c); err != nil {
		t.Fatalf("InsertCommand() error = %v", err)
	}

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		got := decodeBody[[]device.Command](t, rec)
		if len(got) != 1 || got[0].Name != "switch" {
			t.Errorf("poll = %+v, want the switch command", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("poll did not return after a command was inserted")
	}
}

func TestPollDeviceNotifications_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)

	rec := env.do(t, http.MethodGet, "/api/device/"+deviceA+"/notification/poll?waitTimeout=0", "", bearer(env.clientKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestPollNotifications_CrossDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	env.registerDevice(t, deviceB)
	since := url.QueryEscape(device.FormatTimestamp(env.bus.Now()))

	ctx := context.Background()
	for _, id := range []string{deviceA, deviceB} {
		if err := env.bus.InsertNotification(ctx, id, &device.Notification{Name: "temperature"}); err != nil {
			t.Fatalf("InsertNotification(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name  string
		query string
		creds credentials
		want  []string
	}{
		{"all devices", "", bearer(env.clientKey), []string{deviceA, deviceB}},
		{"one device", "&deviceGuids=" + deviceB, bearer(env.clientKey), []string{deviceB}},
		{"device principal sees itself", "", deviceCreds(deviceA, deviceKey), []string{deviceA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/device/notification/poll?waitTimeout=1&names=temperature&timestamp="+since+tt.query, "", tt.creds)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			got := decodeBody[[]protocol.DeviceNotification](t, rec)
			if len(got) != len(tt.want) {
				t.Fatalf("poll returned %d items, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].DeviceGUID != id {
					t.Errorf("item %d deviceGuid = %s, want %s", i, got[i].DeviceGUID, id)
				}
			}
		})
	}
}

func TestPollQuery_WaitTimeout(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		query   string
		want    time.Duration
		wantErr bool
	}{
		{"default", "", hub.DefaultPollWait, false},
		{"explicit", "waitTimeout=5", 5 * time.Second, false},
		{"capped", "waitTimeout=3600", hub.MaxPollWait, false},
		{"negative", "waitTimeout=-1", 0, true},
		{"bad timestamp", "timestamp=now", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			_, wait, err := env.srv.pollQuery(q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("pollQuery() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && wait != tt.want {
				t.Errorf("pollQuery() wait = %v, want %v", wait, tt.want)
			}
		})
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.Host = "127.0.0.1"
	env.srv.cfg.Port = 0

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := env.srv.Addr().String()

	resp, err := http.Get("http://" + addr + "/api/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_CloseReleasesLongPolls(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, deviceA)
	env.srv.cfg.Host = "127.0.0.1"
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet,
		"http://"+env.srv.Addr().String()+"/api/device/"+deviceA+"/notification/poll?waitTimeout=30", nil)
	bearer(env.clientKey)(req)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	env.srv.Close() //nolint:errcheck // checked by the timing below
	select {
	case <-done:
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Errorf("Close() took %v to release the long poll", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long poll still open after Close()")
	}
}

// Package integration provides a reusable test harness for end-to-end
// testing of the encounter engine. It starts a full HTTP server with real
// JWT verification, in-memory stores, a loaded protocol schema, and a mock
// sync receiver.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/afya/internal/config"
	"github.com/pitabwire/afya/internal/instance"
	"github.com/pitabwire/afya/internal/observability"
	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/internal/syncqueue"
	"github.com/pitabwire/afya/internal/transport"
	"github.com/pitabwire/afya/model"
)

// TestHarness encapsulates a fully wired engine instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry *schema.Registry
	Store    *instance.MemoryInstanceStore
	Manager  *instance.Manager
	Queue    *syncqueue.Queue
	Worker   *syncqueue.Worker
	Receiver *SyncReceiver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	schemaDirs     []string
	handlerTimeout time.Duration
	syncBatchSize  int
}

// WithSchemas sets the schema directories to load. Relative paths are
// resolved from the testdata directory.
func WithSchemas(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.schemaDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes. The sync worker is
// built but not started on a ticker; tests drive it with DrainSyncQueue so
// retry timing stays deterministic.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		syncBatchSize:  10,
	}
	for _, opt := range opts {
		opt(hc)
	}

	if len(hc.schemaDirs) == 0 {
		hc.schemaDirs = []string{filepath.Join(testdataDir(), "schemas")}
	}

	h := &TestHarness{t: t}

	// Step 1: Load and validate schemas.
	loader := schema.NewLoader()
	schemas, err := loader.LoadAll(hc.schemaDirs)
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	validator := schema.NewValidator()
	if verrs := validator.Validate(schemas); len(verrs) > 0 {
		t.Fatalf("schema validation: %v", verrs)
	}
	h.Registry = schema.NewRegistry(schemas)

	// Step 2: Build in-memory stores and the manager.
	h.Store = instance.NewMemoryInstanceStore()
	h.Manager = instance.NewManager(h.Registry, h.Store, nil)

	// Step 3: Build the sync queue, mock receiver, and worker.
	h.Receiver = newSyncReceiver(t)
	h.Queue = syncqueue.NewQueue(syncqueue.NewMemorySyncStateStore(), syncqueue.Backoff{
		Initial: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond,
	})
	pushTransport := syncqueue.NewHTTPTransport(h.Receiver.URL(), &http.Client{Timeout: 5 * time.Second})
	h.Worker = syncqueue.NewWorker(h.Queue, h.Manager, pushTransport, nil, time.Second, hc.syncBatchSize)

	// Step 4: Create the JWT issuer and build the config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Observability.Metrics.Enabled = false
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	// Step 5: Build the router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)
	router := transport.NewRouter(transport.Dependencies{
		Config:   h.cfg,
		Manager:  h.Manager,
		Registry: h.Registry,
		Queue:    h.Queue,
		Readiness: observability.ReadinessChecks{
			SchemasLoaded: func() bool { return h.Registry.Count() > 0 },
			InstanceStore: h.Store,
		},
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// DrainSyncQueue processes one worker batch after waiting out the short test
// backoff window.
func (h *TestHarness) DrainSyncQueue() {
	h.t.Helper()
	time.Sleep(15 * time.Millisecond)
	h.Worker.ProcessBatch(context.Background())
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// RequestWithHeaders performs an authenticated request with extra headers.
func (h *TestHarness) RequestWithHeaders(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Every clinical request names its device unless a test overrides it.
	req.Header.Set("X-Device-Id", "tablet-test-1")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// CHWClaims returns TestClaims for a community health worker.
func CHWClaims() TestClaims {
	return TestClaims{
		SubjectID:  "chw-amina",
		FacilityID: "facility-kibera-01",
		Roles:      []string{"chw"},
	}
}

// SupervisorClaims returns TestClaims for a facility supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID:  "sup-daniel",
		FacilityID: "facility-kibera-01",
		Roles:      []string{"chw", "supervisor"},
	}
}

// --- Mock sync receiver ---

// PushedEncounter is one payload received by the mock sync endpoint.
type PushedEncounter struct {
	Instance model.FormInstance `json:"instance"`
	Events   []model.AuditEvent `json:"events"`
}

// SyncReceiver is a mock national-system collection endpoint. It records
// every pushed encounter and can be told to refuse transfers.
type SyncReceiver struct {
	server *httptest.Server

	mu       sync.Mutex
	received []PushedEncounter
	failing  bool
}

func newSyncReceiver(t *testing.T) *SyncReceiver {
	t.Helper()
	r := &SyncReceiver{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.failing {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		var payload PushedEncounter
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, fmt.Sprintf("bad payload: %v", err), http.StatusBadRequest)
			return
		}
		r.received = append(r.received, payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(r.server.Close)
	return r
}

// URL returns the receiver's endpoint URL.
func (r *SyncReceiver) URL() string {
	return r.server.URL
}

// SetFailing toggles whether the receiver refuses transfers.
func (r *SyncReceiver) SetFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
}

// Received returns a copy of all pushed encounters in arrival order.
func (r *SyncReceiver) Received() []PushedEncounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PushedEncounter, len(r.received))
	copy(out, r.received)
	return out
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

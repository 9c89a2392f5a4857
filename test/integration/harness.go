// Package integration provides a reusable test harness for end-to-end
// testing of the tessera HTTP API. It starts a full server over in-memory
// stores with a running orchestration worker and a test token issuer.
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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tessera/internal/access"
	"github.com/pitabwire/tessera/internal/approval"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/dispatch"
	"github.com/pitabwire/tessera/internal/idempotency"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/tasks"
	"github.com/pitabwire/tessera/internal/transport"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// TestHarness encapsulates a fully wired tessera instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store    *workflow.MemoryStore
	Queue    *dispatch.MemoryQueue
	Engine   *workflow.Engine
	Tasks    *tasks.Manager
	Approval *approval.Service
	Worker   *dispatch.Worker
	Registry *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	directoryFile  string
	handlerTimeout time.Duration
	runWorker      bool
	processor      func(dispatch.Processor) dispatch.Processor
}

// WithDirectoryFile sets the access directory YAML file. Relative paths are
// resolved from the testdata directory.
func WithDirectoryFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.directoryFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithoutWorker leaves the job queue unprocessed so a test can drive the
// worker by hand through Worker.RunOnce.
func WithoutWorker() HarnessOption {
	return func(c *harnessConfig) {
		c.runWorker = false
	}
}

// WithProcessor wraps the orchestrator used by the worker.
func WithProcessor(wrap func(dispatch.Processor) dispatch.Processor) HarnessOption {
	return func(c *harnessConfig) {
		c.processor = wrap
	}
}

// NewTestHarness creates and starts a full tessera test instance. The server
// and worker are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		directoryFile:  "directory.yaml",
		handlerTimeout: 10 * time.Second,
		runWorker:      true,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if !filepath.IsAbs(hc.directoryFile) {
		hc.directoryFile = filepath.Join(testdataDir(), hc.directoryFile)
	}

	h := &TestHarness{t: t, issuer: newTokenIssuer()}

	// Step 1: Metrics.
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)

	// Step 2: Access directory.
	dir, err := access.NewStaticDirectory(hc.directoryFile)
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	// Step 3: In-memory stores and queue.
	h.Store = workflow.NewMemoryStore()
	h.Queue = dispatch.NewMemoryQueue()
	idemStore := idempotency.NewMemoryStore()

	// Step 4: Engine, tasks, worker.
	dispatchOpts := []dispatch.Option{
		dispatch.WithMetrics(metrics),
		dispatch.WithPollInterval(5 * time.Millisecond),
		dispatch.WithWorkers(4),
	}
	dispatcher := dispatch.NewDispatcher(h.Queue, dispatchOpts...)
	h.Engine = workflow.NewEngine(h.Store, dispatcher, workflow.WithMetrics(metrics))
	h.Tasks = tasks.NewManager(h.Store, dir, dispatcher, tasks.WithMetrics(metrics))

	var processor dispatch.Processor = dispatch.NewOrchestrator(h.Store, h.Tasks, dispatchOpts...)
	if hc.processor != nil {
		processor = hc.processor(processor)
	}
	h.Worker = dispatch.NewWorker(h.Queue, processor, dispatchOpts...)

	// Step 5: Idempotency and approvals.
	gateway := idempotency.NewGateway(idemStore, idempotency.WithMetrics(metrics))
	h.Approval = approval.NewService(h.Engine, h.Tasks, gateway, approval.WithMetrics(metrics))

	// Step 6: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.issuer.configure(&h.cfg.Identity)

	// Step 7: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:   h.cfg,
		Handlers: transport.NewHandlers(h.Engine, h.Tasks, h.Approval, nil),
		Metrics:  metrics,
		Gatherer: h.Registry,
		Readiness: observability.ReadinessChecks{
			"workflow_store":    h.Store,
			"job_queue":         h.Queue,
			"idempotency_store": idemStore,
		},
	})

	// Step 8: Start the test server and the worker.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	if hc.runWorker {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = h.Worker.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

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

// GenerateRetiredToken creates a JWT signed with the pre-rotation secret.
func (h *TestHarness) GenerateRetiredToken(claims TestClaims) string {
	return h.issuer.GenerateRetiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
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

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
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
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
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

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Workflow helpers ---

// CreateDefinition installs a generic definition and returns it.
func (h *TestHarness) CreateDefinition(t *testing.T, token, key, spec string) model.Definition {
	t.Helper()
	var def model.Definition
	h.AssertJSON(t, h.POST("/api/v1/definitions", map[string]any{
		"key":  key,
		"spec": json.RawMessage(spec),
	}, token), http.StatusCreated, &def)
	return def
}

// Instance fetches an instance.
func (h *TestHarness) Instance(t *testing.T, token, id string) model.Instance {
	t.Helper()
	var inst model.Instance
	h.AssertJSON(t, h.GET("/api/v1/instances/"+id, token), http.StatusOK, &inst)
	return inst
}

// InstanceTasks lists the tasks of an instance.
func (h *TestHarness) InstanceTasks(t *testing.T, token, id string) []model.Task {
	t.Helper()
	var list struct {
		Items []model.Task `json:"items"`
	}
	h.AssertJSON(t, h.GET("/api/v1/instances/"+id+"/tasks", token), http.StatusOK, &list)
	return list.Items
}

// WaitFor polls cond until it holds or the deadline passes.
func (h *TestHarness) WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// WaitForState waits until the instance reaches state.
func (h *TestHarness) WaitForState(t *testing.T, token, id, state string) model.Instance {
	t.Helper()
	var inst model.Instance
	h.WaitFor(t, fmt.Sprintf("instance %s in state %s", id, state), func() bool {
		inst = h.Instance(t, token, id)
		return inst.CurrentState == state
	})
	return inst
}

// WaitForTasks waits until the instance has n tasks.
func (h *TestHarness) WaitForTasks(t *testing.T, token, id string, n int) []model.Task {
	t.Helper()
	var list []model.Task
	h.WaitFor(t, fmt.Sprintf("%d tasks on instance %s", n, id), func() bool {
		list = h.InstanceTasks(t, token, id)
		return len(list) >= n
	})
	return list
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a user with no directory roles.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-ops",
		TenantID:  "acme-corp",
		Email:     "ops@acme.example.com",
	}
}

// FinanceClaims returns TestClaims for a finance approver.
func FinanceClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-finance",
		TenantID:  "acme-corp",
		Email:     "finance@acme.example.com",
	}
}

// TreasurerClaims returns TestClaims for a user holding payments:release.
func TreasurerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-treasurer",
		TenantID:  "acme-corp",
		Email:     "treasurer@acme.example.com",
	}
}

// OtherTenantClaims returns TestClaims for a user of a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-finance",
		TenantID:  "globex",
		Email:     "finance@globex.example.com",
		Roles:     []string{"finance-approver"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func assertEqual(t *testing.T, got, want any, name string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

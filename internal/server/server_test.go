package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/robopt/internal/config"
	"github.com/copyleftdev/robopt/internal/logging"
	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/robust"
	"github.com/copyleftdev/robopt/internal/store"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	cfg.Database.Path = filepath.Join(t.TempDir(), "runs.db")

	cfg.Optimization.MaxConcurrentRuns = 2
	cfg.Optimization.Workers = 2
	cfg.Optimization.RunTimeout = time.Minute

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

type testServer struct {
	*Server
	router chi.Router
	store  *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig(t)
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	srv := NewServer(cfg, testLogger(t),
		WithStore(st),
		WithMetrics(robust.NewMetrics(prometheus.NewRegistry())),
	)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return &testServer{Server: srv, router: r, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func (ts *testServer) rpc(t *testing.T, method string, params ...interface{}) map[string]interface{} {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func (ts *testServer) waitFinished(t *testing.T, id string) map[string]interface{} {
	t.Helper()
	var status map[string]interface{}
	require.Eventually(t, func() bool {
		_, status = ts.do(t, http.MethodGet, "/api/v1/status/"+id, "")
		switch status["status"] {
		case StatusCompleted, StatusFailed, StatusCanceled:
			return true
		}
		return false
	}, 30*time.Second, 20*time.Millisecond)
	return status
}

const quickSpec = `
scenario: cosine-sine-chance
robust:
  max_iterations: 2
  initial_sampling_size: 8
  seed: 5
`

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 2, cap(srv.slots))
}

func TestRegisterRoutes(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"GET", "/api/v1/scenarios", true},
		{"GET", "/api/v1/runs", true},
		{"GET", "/api/v1/runs/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			exists := r.Match(chi.NewRouteContext(), tt.method, tt.path)
			assert.Equal(t, tt.shouldExist, exists)
		})
	}
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{
			name:       "valid error response",
			code:       -32602,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
		},
		{
			name:       "nil id",
			code:       -32000,
			message:    "server error",
			id:         nil,
			expectedID: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// JSON-RPC errors travel in a 200 response
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))

			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}

func TestOptimizeRunsToCompletionAndPersists(t *testing.T) {
	ts := newTestServer(t)

	rr, started := ts.do(t, http.MethodPost, "/api/v1/optimize", quickSpec)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id, _ := started["optimization_id"].(string)
	require.NotEmpty(t, id)

	status := ts.waitFinished(t, id)
	assert.Equal(t, StatusCompleted, status["status"])
	assert.Equal(t, 1.0, status["progress"])
	assert.NotEmpty(t, status["reason"])
	require.Contains(t, status, "best_solution")
	history, ok := status["history"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, history)

	run, err := ts.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, "cosine-sine-chance", run.Scenario)
	assert.Contains(t, run.Spec, "max_iterations: 2")
	assert.Len(t, run.Path, len(history))

	rr, persisted := ts.do(t, http.MethodGet, "/api/v1/runs/"+id, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, id, persisted["optimization_id"])

	rr = httptest.NewRecorder()
	ts.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=5", nil))
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0]["id"])
	assert.Equal(t, store.StatusCompleted, runs[0]["status"])
}

func TestRunListingWritesUnevaluatedValuesAsNull(t *testing.T) {
	ts := newTestServer(t)
	res := &robust.Result{
		BestSolution: &optimization.Solution{Parameters: []float64{1, 2}, Value: math.NaN()},
		Path: []robust.Step{{
			Iteration: 0, SampleSize: 10, Tolerance: 0.3,
			Point: []float64{1, 2}, Value: math.NaN(), Status: optimization.StatusFailure.String(),
		}},
		Iterations: 1,
		SampleSize: 10,
	}
	run := store.NewRun("r1", "perturbed-bowl", "scenario: perturbed-bowl\n", res, optimization.ErrNoFeasibleStart, time.Now())
	require.NoError(t, ts.store.SaveRun(context.Background(), run))

	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs), rr.Body.String())
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFailed, runs[0]["status"])
	optimum := runs[0]["optimum"].(map[string]interface{})
	assert.Nil(t, optimum["value"])
	assert.Equal(t, []interface{}{1.0, 2.0}, optimum["parameters"])

	out := ts.rpc(t, "runs.get", map[string]interface{}{"optimization_id": "r1"})
	require.Nil(t, out["error"], out)
	result := out["result"].(map[string]interface{})
	path := result["path"].([]interface{})
	require.Len(t, path, 1)
	assert.Nil(t, path[0].(map[string]interface{})["value"])

	out = ts.rpc(t, "runs.list")
	require.Nil(t, out["error"], out)
	assert.Len(t, out["result"].([]interface{}), 1)
}

func TestStatusFallsBackToStore(t *testing.T) {
	ts := newTestServer(t)
	run := store.NewRun("earlier", "perturbed-bowl", "scenario: perturbed-bowl\n",
		&robust.Result{Reason: robust.StopTolerance, Iterations: 3}, nil, time.Now())
	require.NoError(t, ts.store.SaveRun(context.Background(), run))

	rr, status := ts.do(t, http.MethodGet, "/api/v1/status/earlier", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, StatusCompleted, status["status"])
	assert.Equal(t, "tolerance", status["reason"])

	rr, body := ts.do(t, http.MethodGet, "/api/v1/status/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, body["error"], "missing")
}

func TestOptimizeRejectsInvalidSpecs(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []string{
		"scenario: nope",
		"scenario: perturbed-bowl\nrobust: {max_iterations: 0}",
		"scenario: [",
		`{"scenario": "perturbed-bowl", "schedule": "cubic"}`,
	} {
		rr, out := ts.do(t, http.MethodPost, "/api/v1/optimize", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.NotEmpty(t, out["error"])
	}
}

func TestCancelPendingJob(t *testing.T) {
	ts := newTestServer(t)
	// Occupy every slot so the job stays pending.
	for i := 0; i < cap(ts.slots); i++ {
		ts.slots <- struct{}{}
	}

	rr, started := ts.do(t, http.MethodPost, "/api/v1/optimize", quickSpec)
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := started["optimization_id"].(string)

	_, status := ts.do(t, http.MethodGet, "/api/v1/status/"+id, "")
	assert.Equal(t, StatusPending, status["status"])

	rr, _ = ts.do(t, http.MethodDelete, "/api/v1/optimization/"+id, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	status = ts.waitFinished(t, id)
	assert.Equal(t, StatusCanceled, status["status"])

	require.Eventually(t, func() bool {
		run, err := ts.store.GetRun(context.Background(), id)
		return err == nil && run.Status == store.StatusCanceled
	}, 5*time.Second, 10*time.Millisecond)

	rr, _ = ts.do(t, http.MethodDelete, "/api/v1/optimization/"+id, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, _ = ts.do(t, http.MethodDelete, "/api/v1/optimization/unknown", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJSONRPC(t *testing.T) {
	ts := newTestServer(t)

	out := ts.rpc(t, "optimization.start", map[string]interface{}{
		"scenario": "cosine-sine-chance",
		"robust":   map[string]interface{}{"max_iterations": 2, "seed": 5},
	})
	require.Nil(t, out["error"], out)
	result := out["result"].(map[string]interface{})
	id := result["optimization_id"].(string)
	ts.waitFinished(t, id)

	out = ts.rpc(t, "optimization.status", map[string]interface{}{"optimization_id": id})
	result = out["result"].(map[string]interface{})
	assert.Equal(t, StatusCompleted, result["status"])

	out = ts.rpc(t, "optimization.start", map[string]interface{}{"spec": quickSpec})
	require.Nil(t, out["error"], out)
	ts.waitFinished(t, out["result"].(map[string]interface{})["optimization_id"].(string))

	out = ts.rpc(t, "scenarios.list")
	scenarios := out["result"].([]interface{})
	assert.Len(t, scenarios, 4)

	out = ts.rpc(t, "runs.get", map[string]interface{}{"optimization_id": id})
	assert.Equal(t, id, out["result"].(map[string]interface{})["id"])

	out = ts.rpc(t, "runs.list")
	assert.Len(t, out["result"].([]interface{}), 2)

	tests := map[string]struct {
		method string
		params []interface{}
		code   float64
	}{
		"unknown method":   {"optimization.pause", nil, -32601},
		"missing params":   {"optimization.status", nil, -32602},
		"unknown job":      {"optimization.cancel", []interface{}{map[string]interface{}{"optimization_id": "nope"}}, -32004},
		"finished job":     {"optimization.cancel", []interface{}{map[string]interface{}{"optimization_id": id}}, -32009},
		"unknown scenario": {"optimization.start", []interface{}{map[string]interface{}{"scenario": "nope"}}, -32602},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			out := ts.rpc(t, tt.method, tt.params...)
			errObj, ok := out["error"].(map[string]interface{})
			require.True(t, ok, out)
			assert.Equal(t, tt.code, errObj["code"])
		})
	}
}

func TestJSONRPCMalformed(t *testing.T) {
	ts := newTestServer(t)

	_, out := ts.do(t, http.MethodPost, "/rpc", "{")
	assert.Equal(t, float64(-32700), out["error"].(map[string]interface{})["code"])

	_, out = ts.do(t, http.MethodPost, "/rpc", `{"jsonrpc": "1.0", "id": 3, "method": "scenarios.list"}`)
	assert.Equal(t, float64(-32600), out["error"].(map[string]interface{})["code"])
}

func TestScenarios(t *testing.T) {
	ts := newTestServer(t)
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/scenarios", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var scenarios []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &scenarios))
	require.Len(t, scenarios, 4)
	assert.Equal(t, "chance-constrained-quadratic", scenarios[0]["name"])
	assert.Contains(t, scenarios[0], "parameters")
}

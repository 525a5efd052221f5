package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/globalfit/internal/config"
	apperrors "github.com/copyleftdev/globalfit/internal/errors"
	"github.com/copyleftdev/globalfit/internal/logging"
	"github.com/copyleftdev/globalfit/internal/problem"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	// Set up logging
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	// Set up fitting
	cfg.Fit.Iterations = 10000
	cfg.Fit.ErrTol = 1e-14
	cfg.Fit.BasinHops = 2
	cfg.Fit.RequiredAccuracy = 0.5
	cfg.Fit.StepSize = 1
	cfg.Fit.Temperature = 1
	cfg.Fit.StepInterval = 10
	cfg.Fit.WorkerCount = 2

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func newTestRouter(t *testing.T) (*Server, chi.Router) {
	srv := NewServer(testConfig(t), testLogger(t))
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

// linearDocument has two runs of 2t+1 and 2t+3 with a shared slope.
func linearDocument(tag string) problem.Document {
	return problem.Document{
		Tag:   tag,
		Model: "linear",
		Parameters: [][]float64{
			{1.5, 0.5},
			{1.5, 2},
		},
		Identifiers: [][]int{
			{1, 1},
			{1, 2},
		},
		Runs: []problem.RunData{
			{Thresholds: []float64{0, 1, 2, 3}, Targets: []float64{1, 3, 5, 7}},
			{Thresholds: []float64{0, 1, 2, 3}, Targets: []float64{3, 5, 7, 9}},
		},
		Seed: 1,
	}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func rpc(t *testing.T, r http.Handler, method string, params interface{}) map[string]interface{} {
	t.Helper()
	rr := doJSON(t, r, http.MethodPost, "/rpc", map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestNewServer(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server creation
	srv := NewServer(cfg, logger)
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 2, cap(srv.slots))
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestRouter(t)

	// Test if routes are registered
	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/fits", true},
		{"GET", "/api/v1/fits/123", true},
		{"DELETE", "/api/v1/fits/123", true},
		{"GET", "/api/v1/models", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false},     // Not registered by server package
		{"GET", "/nonexistent", false}, // Should not exist
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			// Unknown fit ids answer 404 with a JSON body; unrouted paths
			// answer chi's plain-text 404.
			routed := rr.Header().Get("Content-Type") == "application/json"
			assert.Equal(t, tt.shouldExist, routed, "route %s %s", tt.method, tt.path)
		})
	}
}

func TestClose(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server close
	srv := NewServer(cfg, logger)
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestRespondWithError(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	srv := NewServer(cfg, logger)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
		expectCode int
	}{
		{
			name:       "valid error response",
			code:       apperrors.CodeInvalidParams,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
			expectCode: http.StatusOK, // Because respondWithError writes 200 with error in body
		},
		{
			name:       "nil id",
			code:       apperrors.CodeServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
			expectCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, tt.expectCode, rr.Code, "status code should match")

			// Parse response body to verify error structure
			var response map[string]interface{}
			err := json.NewDecoder(rr.Body).Decode(&response)
			assert.NoError(t, err, "should decode response body")

			// Check error object
			errObj, ok := response["error"].(map[string]interface{})
			assert.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"], "error code should match")
			assert.Equal(t, tt.message, errObj["message"], "error message should match")

			// Check ID
			assert.Equal(t, tt.expectedID, response["id"], "response ID should match")
		})
	}
}

func TestFitLifecycleREST(t *testing.T) {
	_, r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/fits", StartRequest{Problem: linearDocument("rest")})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&started))
	require.NotEmpty(t, started.ID)
	assert.Equal(t, "rest", started.Tag)

	var view JobView
	require.Eventually(t, func() bool {
		rr := doJSON(t, r, http.MethodGet, "/api/v1/fits/"+started.ID, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		view = JobView{}
		if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status != StatusPending && view.Status != StatusRunning
	}, 30*time.Second, 10*time.Millisecond)

	require.Equal(t, StatusCompleted, view.Status, view.Error)
	require.NotNil(t, view.Report)
	assert.True(t, view.Report.Converged)
	assert.Equal(t, []string{"a", "b"}, view.Report.ParameterNames)
	assert.InDelta(t, 2, view.Report.Parameters[0][0], 1e-6)
	assert.InDelta(t, 3, view.Report.Parameters[1][1], 1e-6)
	assert.NotNil(t, view.Report.ErrorUp)

	// Finished fits cannot be cancelled.
	rr = doJSON(t, r, http.MethodDelete, "/api/v1/fits/"+started.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestStartRejectsInvalidProblem(t *testing.T) {
	srv, r := newTestRouter(t)

	bad := linearDocument("bad")
	bad.Parameters[1][0] = 9 // a is shared but the guesses differ

	badID := linearDocument("bad-id")
	badID.Identifiers[0][1] = 5 // ids are bounded by the run count

	tests := []struct {
		name string
		body interface{}
	}{
		{"inconsistent group", StartRequest{Problem: bad}},
		{"identifier out of range", StartRequest{Problem: badID}},
		{"unknown model", StartRequest{Problem: problem.Document{Tag: "x", Model: "cubic"}}},
		{"missing tag", StartRequest{Problem: problem.Document{Model: "linear"}}},
		{"not json", "definitely not a request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, r, http.MethodPost, "/api/v1/fits", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	resp := rpc(t, r, "fit.start", StartRequest{Problem: bad})
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, resp)
	assert.Equal(t, float64(apperrors.CodeInvalidParams), errObj["code"])
	assert.Contains(t, errObj["message"], "inconsistent initial values")

	srv.jobsMu.Lock()
	defer srv.jobsMu.Unlock()
	assert.Empty(t, srv.jobs)
}

func TestStatusAndCancelUnknownFit(t *testing.T) {
	_, r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodGet, "/api/v1/fits/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, r, http.MethodDelete, "/api/v1/fits/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListModels(t *testing.T) {
	_, r := newTestRouter(t)

	rr := doJSON(t, r, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Models []ModelInfo `json:"models"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Models, 3)
	assert.Equal(t, ModelInfo{Name: "linear", Parameters: []string{"a", "b"}}, body.Models[0])

	resp := rpc(t, r, "models.list", nil)
	assert.Contains(t, resp, "result")
}

func TestJSONRPCFit(t *testing.T) {
	_, r := newTestRouter(t)

	resp := rpc(t, r, "fit.start", []interface{}{StartRequest{Problem: linearDocument("rpc")}})
	require.NotContains(t, resp, "error")
	result := resp["result"].(map[string]interface{})
	id := result["fit_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp := rpc(t, r, "fit.status", map[string]string{"fit_id": id})
		result, ok := resp["result"].(map[string]interface{})
		return ok && result["status"] == StatusCompleted
	}, 30*time.Second, 10*time.Millisecond)

	resp = rpc(t, r, "fit.status", map[string]string{"fit_id": "nope"})
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(apperrors.CodeNotFound), errObj["code"])
}

func TestJSONRPCCancel(t *testing.T) {
	_, r := newTestRouter(t)

	doc := linearDocument("long")
	hops := 100000
	doc.Fit = &problem.Overrides{BasinHops: &hops}

	resp := rpc(t, r, "fit.start", StartRequest{Problem: doc})
	require.NotContains(t, resp, "error")
	id := resp["result"].(map[string]interface{})["fit_id"].(string)

	resp = rpc(t, r, "fit.cancel", map[string]string{"fit_id": id})
	require.NotContains(t, resp, "error")
	assert.Equal(t, StatusCancelled, resp["result"].(map[string]interface{})["status"])

	resp = rpc(t, r, "fit.cancel", map[string]string{"fit_id": id})
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(apperrors.CodeConflict), errObj["code"])
}

func TestJSONRPCErrors(t *testing.T) {
	_, r := newTestRouter(t)

	tests := []struct {
		name     string
		body     string
		wantCode float64
	}{
		{"parse error", "{", apperrors.CodeParseError},
		{"wrong version", `{"jsonrpc": "1.0", "id": 1, "method": "models.list"}`, apperrors.CodeInvalidRequest},
		{"unknown method", `{"jsonrpc": "2.0", "id": 1, "method": "fit.explode"}`, apperrors.CodeMethodNotFound},
		{"missing params", `{"jsonrpc": "2.0", "id": 1, "method": "fit.status"}`, apperrors.CodeInvalidParams},
		{"empty id", `{"jsonrpc": "2.0", "id": 1, "method": "fit.cancel", "params": {"fit_id": ""}}`, apperrors.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			var resp map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			errObj, ok := resp["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, errObj["code"])
		})
	}
}

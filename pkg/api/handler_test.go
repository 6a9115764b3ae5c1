package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-transform/pkg/config"
	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/executor"
	"github.com/polisai/polis-transform/pkg/logging"
	"github.com/polisai/polis-transform/pkg/registry"
)

type testServer struct {
	handler http.Handler
	flag    *config.FeatureFlag
	metrics *executor.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	modules := map[string]string{
		"echo":  `function transform(input) return { echo = input.value } end`,
		"upper": `function transform(input) return { value = string.upper(input.echo) } end`,
	}
	reg, err := registry.New([]string{dir}, registry.WithLogger(logging.Discard()))
	require.NoError(t, err)
	for id, source := range modules {
		path := filepath.Join(dir, id+".lua")
		require.NoError(t, os.WriteFile(path, []byte(source), 0o600))
		_, err := reg.Register(id, path, "")
		require.NoError(t, err)
	}

	flag := config.NewFeatureFlag(true)
	metrics := executor.NewMetrics()
	limits := domain.Limits{Timeout: 5 * time.Second, MaxOutputBytes: 1 << 20, MaxTransformsPerChain: 2}
	exec, err := executor.NewBoundedExecutor(executor.Options{
		Gate:    flag,
		Catalog: reg,
		Limits:  limits,
		Metrics: metrics,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	return &testServer{
		handler: NewHandler(Deps{
			Executor:     exec,
			Chain:        executor.NewChain(exec, limits.MaxTransformsPerChain, metrics, logging.Discard()),
			Catalog:      reg,
			Gate:         flag,
			Metrics:      metrics,
			Logger:       logging.Discard(),
			MaxBodyBytes: 1024,
		}),
		flag:    flag,
		metrics: metrics,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestExecuteEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `{"input":{"value":"hi"},"trace_id":"trace-1"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Header().Get(StatusHeader))
	var result domain.TransformResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, map[string]any{"echo": "hi"}, result.Output)
	assert.Equal(t, "trace-1", result.Audit.TraceID)
}

func TestExecuteEndpointUndecodableID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/transforms/%FF/execute", `{"input":{}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", rec.Header().Get(StatusHeader))
	var result domain.TransformResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, "invalid transform id", result.Error)
}

func TestExecuteEndpointTraceIDSources(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `{"input":{}}`, http.Header{TraceHeader: {"from-header"}})
	var result domain.TransformResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "from-header", result.Audit.TraceID)

	rec = s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `{"input":{}}`, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Audit.TraceID, 36, "generated trace ids are uuids")
}

func TestExecuteEndpointDisabled(t *testing.T) {
	s := newTestServer(t)
	s.flag.Set(false)

	rec := s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `{"input":{"value":"hi"}}`, nil)
	assert.Equal(t, "denied", rec.Header().Get(StatusHeader))
}

func TestExecuteEndpointRejectsBadBodies(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_request", errResp.Code)

	big := `{"input":{"value":"` + strings.Repeat("x", 2048) + `"}}`
	rec = s.do(t, http.MethodPost, "/v1/transforms/echo/execute", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/transforms/echo/execute", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChainEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/chains/execute", `{"transform_ids":["echo","upper"],"input":{"value":"hi"},"trace_id":"c-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, map[string]any{"value": "HI"}, resp.Results[1].Output)
	assert.Equal(t, "c-1", resp.TraceID)

	rec = s.do(t, http.MethodPost, "/v1/chains/execute", `{"transform_ids":["echo","upper","echo"],"input":{}}`, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ChainResultID, resp.Results[0].TransformID)
	assert.Equal(t, domain.StatusDenied, resp.Results[0].Status)
}

func TestListHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/transforms", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.TrustedTransform
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "echo", list[0].ID)

	rec = s.do(t, http.MethodGet, "/healthz", "", nil)
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, executor.NameInProcess, health.Executor)
	assert.True(t, health.Enabled)
	assert.Equal(t, 2, health.Transforms)

	s.do(t, http.MethodPost, "/v1/transforms/echo/execute", `{"input":{"value":"x"}}`, nil)
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `polis_transform_executions_total{executor="inprocess",status="success",transform_id="echo"} 1`)
	assert.Contains(t, string(body), `polis_transform_http_requests_total{method="POST",route="execute",status_code="200"} 1`)
}

func TestServerShutsDownOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := newTestServer(t)
	srv := NewServer(listener.Addr().String(), s.handler, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+listener.Addr().String()+"/v1/transforms/echo/execute", "application/json",
			bytes.NewReader([]byte(`{"input":{"value":"net"}}`)))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "suiterun_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv, err := NewServer("127.0.0.1:0", Handler("docker", "nightly", fixedPhase("INIT")), reg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv.Start()
	defer func() { require.NoError(t, srv.Shutdown(context.Background())) }()

	base := "http://" + srv.Addr()

	resp := get(t, base+"/healthz", http.Header{"Origin": {"https://dash.example.com"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = get(t, base+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "suiterun_test_total 1")
}

func TestServerWithoutRegistryHasNoMetrics(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", Handler("docker", "nightly", fixedPhase("INIT")), nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv.Start()
	defer srv.Shutdown(context.Background())

	resp := get(t, "http://"+srv.Addr()+"/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewServerBadAddr(t *testing.T) {
	_, err := NewServer("256.0.0.1:bad", Handler("docker", "nightly", fixedPhase("INIT")), nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/dingtalk-bridge/internal/activity"
	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, register func(e *echo.Echo), method, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	register(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestPingHandler(t *testing.T) {
	t.Parallel()

	h := NewPingHandler(discardLogger())
	rec := serve(t, h.Register, http.MethodGet, "/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(t, h.Register, http.MethodHead, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fixedChecker []healthcheck.CheckResult

func (f fixedChecker) ListChecks(context.Context) []healthcheck.CheckResult { return f }

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	healthy := NewHealthHandler(discardLogger(), fixedChecker{{ID: "channel.connection.default", Status: healthcheck.StatusOK}})
	rec := serve(t, healthy.Register, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var report healthcheck.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, healthcheck.StatusOK, report.Status)
	require.Len(t, report.Checks, 1)

	failing := NewHealthHandler(discardLogger(), fixedChecker{{ID: "x", Status: healthcheck.StatusError}})
	rec = serve(t, failing.Register, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(t, failing.Register, http.MethodHead, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewMetricsHandler(reg)
	rec := serve(t, h.Register, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bridge_test_total 1"))
}

type fakeConnections []channel.ConnectionStatus

func (f fakeConnections) ConnectionStatuses() []channel.ConnectionStatus { return f }

type fakeActivity []activity.Status

func (f fakeActivity) Snapshot() []activity.Status { return f }

func TestStatusHandler(t *testing.T) {
	t.Parallel()

	h := newStatusHandler(discardLogger(),
		fakeConnections{{ConfigID: "default", ChannelType: "dingtalk", Running: true}},
		fakeActivity{{Channel: "dingtalk", AccountID: "default", InFlight: 2}},
	)
	rec := serve(t, h.Register, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Connections, 1)
	assert.True(t, resp.Connections[0].Running)
	require.Len(t, resp.Activity, 1)
	assert.Equal(t, 2, resp.Activity[0].InFlight)
}

func TestStatusHandlerEmpty(t *testing.T) {
	t.Parallel()

	h := newStatusHandler(discardLogger(), nil, nil)
	rec := serve(t, h.Register, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":[],"activity":[]}`, rec.Body.String())
}

package observability_test

import (
	"PredictLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsWith_PrivateRegistries(t *testing.T) {
	a := observability.NewMetricsWith(prometheus.NewRegistry())
	b := observability.NewMetricsWith(prometheus.NewRegistry())

	a.CoreTxApplied.WithLabelValues("transfer").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CoreTxApplied.WithLabelValues("transfer")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CoreTxApplied.WithLabelValues("transfer")))
}

func TestSetChannelMetrics(t *testing.T) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	assert.Equal(t, zerolog.ErrorLevel, observability.ParseLogLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("loud"))
}

func TestNewLoggerTo_Component(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Str("market_id", "m1").Msg("resolved")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "m1", line["market_id"])
}

func TestReadinessHandler(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("engine", func(context.Context) error { return errors.New("halted") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "halted")
}

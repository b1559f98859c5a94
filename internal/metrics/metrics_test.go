package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimerObserveDurationRecordsToHistogram(t *testing.T) {
	timer := NewTimer()
	ReductionFlushLatency.Observe(0) // ensure the collector has a sample before/after
	timer.ObserveDuration(ReductionFlushLatency)
	require.Greater(t, timer.Duration().Nanoseconds(), int64(-1))
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "flux_broker_")
}

func TestRegisterComponentReflectsInReport(t *testing.T) {
	RegisterComponent("router", true, "")
	report := Report()
	require.Equal(t, "healthy", report.Status)
	require.True(t, report.Components["router"].Healthy)

	RegisterComponent("modhost", false, "load failed")
	report = Report()
	require.Equal(t, "unhealthy", report.Status)
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	RegisterComponent("broken", false, "oops")
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, req)
	require.Equal(t, 503, rec.Code)
}

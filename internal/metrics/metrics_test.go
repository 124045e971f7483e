package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExecution(t *testing.T) {
	m := New()
	m.ObserveExecution("execution", OutcomeSuccess)
	m.ObserveExecution("execution", OutcomeSuccess)
	m.ObserveExecution("validation", OutcomeRejected)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Executions.WithLabelValues("execution", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("validation", OutcomeRejected)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExecution("execution", OutcomeSuccess)
		m.ObserveViolation("pattern")
		m.ObserveStage("compilation", time.Second)
		m.IncInFlight()
		m.DecInFlight()
		m.IncRateLimited()
		m.IncViolationAlerts()
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveViolation("include")
	m.ObserveStage("execution", 150*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `crucible_validation_violations_total{kind="include"} 1`)
	assert.Contains(t, string(body), "crucible_stage_duration_seconds_bucket")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncRateLimited()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RateLimited))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RateLimited))
}

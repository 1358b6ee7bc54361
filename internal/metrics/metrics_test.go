package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Change("review.requested")
	m.Change("review.requested")
	m.Refusal("forbidden")
	m.Sweep(nil)
	m.Sweep(errors.New("db locked"))
	m.Published("pushed", 3)
	m.Webhook(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.changes.WithLabelValues("review.requested")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweeps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.published.WithLabelValues("pushed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "experimenter_lifecycle_changes_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Change("x")
	m.Refusal("y")
	m.Sweep(nil)
	m.Published("pushed", 1)
	m.Webhook(true)
}

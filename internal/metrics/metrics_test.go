package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestRecordHTTPRequest tests that requests are counted by method, path and status
func TestRecordHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/graphql", "200"))
	RecordHTTPRequest("POST", "/graphql", 200, 15*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/graphql", "200")))
}

// TestPoolMetrics tests pool gauges and counters
func TestPoolMetrics(t *testing.T) {
	SetPoolInUse("database", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(poolInUse.WithLabelValues("database")))

	before := testutil.ToFloat64(poolEvents.WithLabelValues("database", PoolEventTimeout))
	RecordPoolEvent("database", PoolEventTimeout)
	assert.Equal(t, before+1, testutil.ToFloat64(poolEvents.WithLabelValues("database", PoolEventTimeout)))
}

// TestRegisterMetrics_Idempotent tests that registration can be requested repeatedly
func TestRegisterMetrics_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		RegisterMetrics()
		RegisterMetrics()
	})
}

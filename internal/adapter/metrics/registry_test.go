package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GlobalAndPerClientCounters(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterTotalRequests, "abc123")
	r.Inc(CounterTotalRequests, "abc123")
	r.Inc(CounterTotalRequests, "def456")
	r.Add(CounterTotalCostUSD, 0.05, "abc123")

	snap := r.Snapshot()
	assert.Equal(t, 3.0, snap.Global[CounterTotalRequests])
	assert.Equal(t, 2.0, snap.PerClient["abc123"][CounterTotalRequests])
	assert.Equal(t, 1.0, snap.PerClient["def456"][CounterTotalRequests])
	assert.Equal(t, 0.05, snap.PerClient["abc123"][CounterTotalCostUSD])
}

func TestRegistry_IncWithoutClientOnlyGlobal(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterTotal503, "")

	snap := r.Snapshot()
	assert.Equal(t, 1.0, snap.Global[CounterTotal503])
	assert.Empty(t, snap.PerClient)
}

func TestRegistry_LatencyBucketsAndAverage(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterTotalRequests, "abc")
	r.Inc(CounterTotalRequests, "abc")
	r.ObserveLatency(4, "abc")   // le=5
	r.ObserveLatency(60, "abc")  // le=100

	snap := r.Snapshot()
	assert.Equal(t, 64.0, snap.Global[CounterTotalLatencyMs])
	assert.Equal(t, 32.0, snap.Global["avg_latency_ms"])
	assert.Equal(t, uint64(2), r.HistogramTotal())
}

func TestRegistry_LatencyOverflowLandsInOpenBucket(t *testing.T) {
	r := NewRegistry()

	r.ObserveLatency(5000, "")
	assert.Equal(t, uint64(1), r.HistogramTotal())

	text := r.Prometheus()
	assert.Contains(t, text, `circuit_request_latency_ms_bucket{le="+Inf"} 1`)
	assert.Contains(t, text, `circuit_request_latency_ms_bucket{le="100"} 0`)
}

func TestRegistry_SnapshotClient(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterTotalRequests, "abc")
	r.ObserveLatency(10, "abc")

	snap := r.SnapshotClient("abc")
	assert.Equal(t, "abc", snap.Client)
	assert.Equal(t, 1.0, snap.Metrics[CounterTotalRequests])
	assert.Equal(t, 10.0, snap.Metrics["avg_latency_ms"])

	// Unknown clients get an empty view, not an error.
	unknown := r.SnapshotClient("nope")
	assert.Equal(t, 0.0, unknown.Metrics[CounterTotalRequests])
}

func TestRegistry_PrometheusCumulativeBuckets(t *testing.T) {
	r := NewRegistry()

	r.ObserveLatency(3, "")
	r.ObserveLatency(8, "")
	r.ObserveLatency(30, "")

	text := r.Prometheus()
	require.Contains(t, text, `circuit_request_latency_ms_bucket{le="5"} 1`)
	require.Contains(t, text, `circuit_request_latency_ms_bucket{le="10"} 2`)
	require.Contains(t, text, `circuit_request_latency_ms_bucket{le="25"} 2`)
	require.Contains(t, text, `circuit_request_latency_ms_bucket{le="50"} 3`)
	require.Contains(t, text, `circuit_request_latency_ms_bucket{le="+Inf"} 3`)
}

func TestRegistry_PrometheusClientLabels(t *testing.T) {
	r := NewRegistry()

	r.Inc(CounterTotalSuccess, "abc123")

	text := r.Prometheus()
	assert.Contains(t, text, "# TYPE circuit_success_total counter")
	assert.Contains(t, text, `circuit_success_total{client="abc123"} 1`)

	// One line per metric; no duplicate TYPE headers for labelled series.
	assert.Equal(t, 1, strings.Count(text, "# TYPE circuit_success_total counter"))
}

func TestRegistry_PrometheusNaming(t *testing.T) {
	assert.Equal(t, "requests_total", promName(CounterTotalRequests))
	assert.Equal(t, "cost_usd_total", promName(CounterTotalCostUSD))
	assert.Equal(t, "rate_limit_hits", promName(CounterRateLimitHits), "non-cumulative names pass through")
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Inc(CounterTotalRequests, "abc")

	snap := r.Snapshot()
	snap.Global[CounterTotalRequests] = 99
	snap.PerClient["abc"][CounterTotalRequests] = 99

	fresh := r.Snapshot()
	assert.Equal(t, 1.0, fresh.Global[CounterTotalRequests])
	assert.Equal(t, 1.0, fresh.PerClient["abc"][CounterTotalRequests])
}

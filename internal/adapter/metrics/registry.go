package metrics

/*
			Circuit Metrics Registry
	Registry centralises the counters we track across the gateway - requests,
	rejections, tokens, spend, plus a fixed-bucket latency histogram. Every
	counter exists globally and, when a client hash is supplied, per client.

	Thread-safe; this gets hit on every request. Snapshots may observe
	counters mid-update relative to each other, which is fine for a
	monitoring surface.
*/

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Counter names used across the pipeline.
const (
	CounterTotalRequests     = "total_requests"
	CounterTotalSuccess      = "total_success"
	CounterTotal429          = "total_429"
	CounterTotal503          = "total_503"
	CounterRateLimitHits     = "rate_limit_hits"
	CounterAuthFailures      = "auth_failures"
	CounterQuotaHits         = "quota_exceeded_hits"
	CounterFallbackHits      = "fallback_hits"
	CounterTotalTokensInput  = "total_tokens_input"
	CounterTotalTokensOutput = "total_tokens_output"
	CounterTotalCostUSD      = "total_cost_usd"
	CounterTotalLatencyMs    = "total_latency_ms"
	counterMaxLatencyMs      = "max_latency_ms"
)

// latencyBucketsMs are the histogram upper bounds, last bucket open.
var latencyBucketsMs = []float64{5, 10, 25, 50, 100, math.Inf(1)}

type Registry struct {
	mu        sync.RWMutex
	global    map[string]float64
	perClient map[string]map[string]float64
	buckets   []uint64
}

func NewRegistry() *Registry {
	return &Registry{
		global:    make(map[string]float64),
		perClient: make(map[string]map[string]float64),
		buckets:   make([]uint64, len(latencyBucketsMs)),
	}
}

// Inc increments a counter by 1, globally and for client when non-empty.
func (r *Registry) Inc(name, client string) {
	r.Add(name, 1, client)
}

// Add increments a counter by value, globally and for client when non-empty.
func (r *Registry) Add(name string, value float64, client string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global[name] += value
	if client != "" {
		r.clientCountersLocked(client)[name] += value
	}
}

// ObserveLatency records one latency sample into the histogram and the
// total/max counters used to derive averages.
func (r *Registry) ObserveLatency(latencyMs float64, client string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, upper := range latencyBucketsMs {
		if latencyMs <= upper {
			r.buckets[i]++
			break
		}
	}

	r.global[CounterTotalLatencyMs] += latencyMs
	if latencyMs > r.global[counterMaxLatencyMs] {
		r.global[counterMaxLatencyMs] = latencyMs
	}

	if client != "" {
		counters := r.clientCountersLocked(client)
		counters[CounterTotalLatencyMs] += latencyMs
		if latencyMs > counters[counterMaxLatencyMs] {
			counters[counterMaxLatencyMs] = latencyMs
		}
	}
}

func (r *Registry) clientCountersLocked(client string) map[string]float64 {
	counters, ok := r.perClient[client]
	if !ok {
		counters = make(map[string]float64)
		r.perClient[client] = counters
	}
	return counters
}

// Snapshot is the JSON view served on /metrics.
type Snapshot struct {
	Global    map[string]float64            `json:"global"`
	PerClient map[string]map[string]float64 `json:"per_client"`
}

// ClientSnapshot is the filtered view for one client.
type ClientSnapshot struct {
	Client  string             `json:"client"`
	Metrics map[string]float64 `json:"metrics"`
}

// Snapshot returns copies of the global and per-client counters with
// avg_latency_ms derived from totals.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	global := copyCounters(r.global)
	global["avg_latency_ms"] = deriveAverage(r.global)

	perClient := make(map[string]map[string]float64, len(r.perClient))
	for client, counters := range r.perClient {
		perClient[client] = copyCounters(counters)
	}

	return Snapshot{Global: global, PerClient: perClient}
}

// SnapshotClient returns the counters for one client; unknown clients get
// an empty metric set, not an error.
func (r *Registry) SnapshotClient(client string) ClientSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := copyCounters(r.perClient[client])
	counters["avg_latency_ms"] = deriveAverage(r.perClient[client])

	return ClientSnapshot{Client: client, Metrics: counters}
}

func copyCounters(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}

func deriveAverage(counters map[string]float64) float64 {
	total := counters[CounterTotalRequests]
	if total == 0 {
		return 0
	}
	return counters[CounterTotalLatencyMs] / total
}

// Prometheus renders the line-oriented text exposition: global counters,
// per-client counters with a client label, and the latency histogram with
// cumulative buckets.
func (r *Registry) Prometheus() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	for _, name := range sortedKeys(r.global) {
		fmt.Fprintf(&b, "# TYPE circuit_%s counter\n", promName(name))
		fmt.Fprintf(&b, "circuit_%s %v\n", promName(name), r.global[name])
	}

	for _, client := range sortedKeys(r.perClient) {
		counters := r.perClient[client]
		for _, name := range sortedKeys(counters) {
			fmt.Fprintf(&b, "circuit_%s{client=%q} %v\n", promName(name), client, counters[name])
		}
	}

	b.WriteString("# TYPE circuit_request_latency_ms histogram\n")
	var cumulative uint64
	for i, upper := range latencyBucketsMs {
		cumulative += r.buckets[i]
		label := "+Inf"
		if !math.IsInf(upper, 1) {
			label = fmt.Sprintf("%g", upper)
		}
		fmt.Fprintf(&b, "circuit_request_latency_ms_bucket{le=%q} %d\n", label, cumulative)
	}

	return b.String()
}

// promName maps internal counter names to the exposition convention:
// cumulative counters carry the _total suffix, not a total_ prefix.
func promName(name string) string {
	if rest, ok := strings.CutPrefix(name, "total_"); ok {
		return rest + "_total"
	}
	return name
}

// HistogramTotal returns the number of samples recorded; the cumulative
// last bucket always equals it.
func (r *Registry) HistogramTotal() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, c := range r.buckets {
		total += c
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package metrics exposes the Prometheus instrumentation registered by the
// other packages.
//
// Metric families, all registered on the default registry:
//
//	entrez_requests_total{endpoint,status}      dispatched requests
//	entrez_request_duration_seconds{endpoint}   request latency
//	entrez_errors_total{class}                  classified failures
//	entrez_rate_limit_tokens                    current token balance
//	entrez_rate_limit_waits_total               acquisitions that had to wait
//	entrez_rate_limit_wait_seconds              time spent waiting for a slot
//	entrez_retries_total{error_class}           retry attempts
//	entrez_retry_backoff_seconds{error_class}   backoff durations
//	entrez_retry_exhausted_total{error_class}   retry budgets spent
//	entrez_batch_chunks_total{status}           chunk outcomes
//	entrez_batch_chunk_duration_seconds         chunk latency
//	entrez_pipeline_steps_total{op,status}      pipeline step outcomes
//	entrez_pipelines_total{status}              pipeline outcomes
//	entrez_cache_hits_total / _misses_total     cache effectiveness
//	entrez_cache_errors_total{operation}        cache backend failures
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Handler returns an HTTP handler serving the default registry, for
// mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Gather collects all registered metric families. Mainly useful in tests
// and diagnostics.
func Gather() ([]*dto.MetricFamily, error) {
	return prometheus.DefaultGatherer.Gather()
}

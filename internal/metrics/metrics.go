// Package metrics implements Component M: the named Prometheus surface
// observed by every other component (A-L). It wraps a private
// prometheus.Registry the same way the lineage's internal/metrics package
// does, but every metric name below is the pricing-engine's own (spec
// §4.M), not the LLM gateway's.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private prometheus.Registry and every metric the engine
// publishes.
type Registry struct {
	reg *prometheus.Registry

	// Counters
	cacheHits                 *prometheus.CounterVec
	cacheMisses               *prometheus.CounterVec
	cacheMissByPair           *prometheus.CounterVec
	priceNotFoundTotal        *prometheus.CounterVec
	quoteRequestErrorsTotal   *prometheus.CounterVec
	rateLimitHitsTotal        *prometheus.CounterVec
	appErrorsTotal            *prometheus.CounterVec
	quotesProcessedTotal      *prometheus.CounterVec
	sourceAPIErrorsTotal      *prometheus.CounterVec
	sourceRESTRequestsTotal   *prometheus.CounterVec
	websocketErrorsTotal      *prometheus.CounterVec
	websocketMessagesReceived *prometheus.CounterVec
	websocketReconnectsTotal  *prometheus.CounterVec
	failedPairsRetryAttempts  *prometheus.CounterVec
	failedPairsMaxAttempts    *prometheus.CounterVec

	// Gauges
	cacheSize               *prometheus.GaugeVec
	trackedPairsTotal       *prometheus.GaugeVec
	pairsTotal              prometheus.Gauge
	registeredPairs         *prometheus.GaugeVec
	sourceLastUpdateAge     *prometheus.GaugeVec
	websocketConnections    *prometheus.GaugeVec
	quoteDataAge            *prometheus.GaugeVec
	failedPairsCount        prometheus.Gauge

	// Histograms
	httpRequestDuration *prometheus.HistogramVec
	sourceFetchDuration *prometheus.HistogramVec
	sourceAPIDuration   *prometheus.HistogramVec
	batchSize           *prometheus.HistogramVec
	priceUpdateFreq     *prometheus.HistogramVec
}

// New builds a Registry with every metric registered against a private
// prometheus.Registry (never the global default), matching the lineage's
// isolation pattern so multiple Registries can coexist in tests.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits", Help: "Cache hits per source.",
		}, []string{"source"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses", Help: "Cache misses per source.",
		}, []string{"source"}),
		cacheMissByPair: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_miss_by_pair", Help: "Cache misses per source and pair.",
		}, []string{"source", "pair"}),
		priceNotFoundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "price_not_found_total", Help: "PriceNotFound errors per source and pair.",
		}, []string{"source", "pair"}),
		quoteRequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quote_request_errors_total", Help: "getQuote errors per source and pair.",
		}, []string{"source", "pair"}),
		rateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total", Help: "429 responses observed per source.",
		}, []string{"source"}),
		appErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_errors_total", Help: "Unclassified application errors.",
		}, []string{"type", "source"}),
		quotesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotes_processed_total", Help: "Quotes processed per source and status.",
		}, []string{"source", "status"}),
		sourceAPIErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_api_errors_total", Help: "Upstream API errors per source, status code, and type.",
		}, []string{"source", "status_code", "error_type"}),
		sourceRESTRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_rest_requests_total", Help: "REST requests issued per source and status.",
		}, []string{"source", "status"}),
		websocketErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_errors_total", Help: "WebSocket errors per source and type.",
		}, []string{"source", "error_type"}),
		websocketMessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_messages_received_total", Help: "WebSocket messages received per source.",
		}, []string{"source"}),
		websocketReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_reconnects_total", Help: "WebSocket reconnects per source and reason.",
		}, []string{"source", "reason"}),
		failedPairsRetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_pairs_retry_attempts", Help: "Retry attempts per source and pair.",
		}, []string{"source", "pair"}),
		failedPairsMaxAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_pairs_max_attempts_reached", Help: "Pairs exhausted out of the retry queue.",
		}, []string{"source", "pair"}),

		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_size", Help: "Cache entries currently held per source.",
		}, []string{"source"}),
		trackedPairsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracked_pairs_total", Help: "Pairs tracked per source.",
		}, []string{"source"}),
		pairsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairs_total", Help: "Total distinct pairs tracked across all sources.",
		}),
		registeredPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registered_pairs", Help: "1 if (source,pair) is currently registered.",
		}, []string{"source", "pair"}),
		sourceLastUpdateAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "source_last_update_age_seconds", Help: "Seconds since the last successful fetch per source and pair.",
		}, []string{"source", "pair"}),
		websocketConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "websocket_connections_total", Help: "Open WebSocket connections per source.",
		}, []string{"source"}),
		quoteDataAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quote_data_age_seconds", Help: "Seconds since the served quote was received per source and pair.",
		}, []string{"source", "pair"}),
		failedPairsCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failed_pairs_count", Help: "Current size of the failed-pair retry queue.",
		}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP surface request duration.", Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		sourceFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "source_fetch_duration_seconds", Help: "Single-flight fetchQuote duration per source.", Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		sourceAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "source_api_duration_seconds", Help: "Component A request duration per source, method, and status.", Buckets: prometheus.DefBuckets,
		}, []string{"source", "method", "status"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "batch_size", Help: "Batch sizes issued per source.", Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}, []string{"source"}),
		priceUpdateFreq: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "price_update_frequency_seconds", Help: "Seconds between successive quotes per source.", Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
	}

	reg.MustRegister(
		r.cacheHits, r.cacheMisses, r.cacheMissByPair, r.priceNotFoundTotal,
		r.quoteRequestErrorsTotal, r.rateLimitHitsTotal, r.appErrorsTotal,
		r.quotesProcessedTotal, r.sourceAPIErrorsTotal, r.sourceRESTRequestsTotal,
		r.websocketErrorsTotal, r.websocketMessagesReceived, r.websocketReconnectsTotal,
		r.failedPairsRetryAttempts, r.failedPairsMaxAttempts,
		r.cacheSize, r.trackedPairsTotal, r.pairsTotal, r.registeredPairs,
		r.sourceLastUpdateAge, r.websocketConnections, r.quoteDataAge, r.failedPairsCount,
		r.httpRequestDuration, r.sourceFetchDuration, r.sourceAPIDuration,
		r.batchSize, r.priceUpdateFreq,
	)

	return r
}

// Handler returns the promhttp handler for this registry's /metrics route.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

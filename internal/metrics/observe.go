package metrics

import (
	"strconv"
	"time"
)

func (r *Registry) CacheHit(source string)  { r.cacheHits.WithLabelValues(source).Inc() }
func (r *Registry) CacheMiss(source string) { r.cacheMisses.WithLabelValues(source).Inc() }
func (r *Registry) CacheMissByPair(source, pair string) {
	r.cacheMissByPair.WithLabelValues(source, pair).Inc()
}
func (r *Registry) PriceNotFound(source, pair string) {
	r.priceNotFoundTotal.WithLabelValues(source, pair).Inc()
}
func (r *Registry) QuoteRequestError(source, pair string) {
	r.quoteRequestErrorsTotal.WithLabelValues(source, pair).Inc()
}
func (r *Registry) RateLimitHit(source string) { r.rateLimitHitsTotal.WithLabelValues(source).Inc() }
func (r *Registry) AppError(errType, source string) {
	r.appErrorsTotal.WithLabelValues(errType, source).Inc()
}
func (r *Registry) QuotesProcessed(source, status string, n int) {
	r.quotesProcessedTotal.WithLabelValues(source, status).Add(float64(n))
}
func (r *Registry) SourceAPIError(source string, statusCode int, errType string) {
	r.sourceAPIErrorsTotal.WithLabelValues(source, strconv.Itoa(statusCode), errType).Inc()
}
func (r *Registry) SourceRESTRequest(source, status string) {
	r.sourceRESTRequestsTotal.WithLabelValues(source, status).Inc()
}
func (r *Registry) WebSocketError(source, errType string) {
	r.websocketErrorsTotal.WithLabelValues(source, errType).Inc()
}
func (r *Registry) WebSocketMessageReceived(source string) {
	r.websocketMessagesReceived.WithLabelValues(source).Inc()
}
func (r *Registry) WebSocketReconnect(source, reason string) {
	r.websocketReconnectsTotal.WithLabelValues(source, reason).Inc()
}
func (r *Registry) FailedPairRetryAttempt(source, pair string) {
	r.failedPairsRetryAttempts.WithLabelValues(source, pair).Inc()
}
func (r *Registry) FailedPairMaxAttemptsReached(source, pair string) {
	r.failedPairsMaxAttempts.WithLabelValues(source, pair).Inc()
}

func (r *Registry) SetCacheSize(source string, n int)         { r.cacheSize.WithLabelValues(source).Set(float64(n)) }
func (r *Registry) SetTrackedPairsTotal(source string, n int) { r.trackedPairsTotal.WithLabelValues(source).Set(float64(n)) }
func (r *Registry) SetPairsTotal(n int)                       { r.pairsTotal.Set(float64(n)) }
func (r *Registry) SetRegisteredPair(source, pair string, registered bool) {
	v := 0.0
	if registered {
		v = 1.0
	}
	r.registeredPairs.WithLabelValues(source, pair).Set(v)
}
func (r *Registry) SetSourceLastUpdateAge(source, pair string, age time.Duration) {
	r.sourceLastUpdateAge.WithLabelValues(source, pair).Set(age.Seconds())
}
func (r *Registry) SetWebSocketConnections(source string, n int) {
	r.websocketConnections.WithLabelValues(source).Set(float64(n))
}
func (r *Registry) SetQuoteDataAge(source, pair string, age time.Duration) {
	r.quoteDataAge.WithLabelValues(source, pair).Set(age.Seconds())
}
func (r *Registry) SetFailedPairsCount(n int) { r.failedPairsCount.Set(float64(n)) }

func (r *Registry) ObserveHTTPRequest(route, method, status string, d time.Duration) {
	r.httpRequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
func (r *Registry) ObserveSourceFetch(source string, d time.Duration) {
	r.sourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
}
func (r *Registry) ObserveSourceAPI(source, method, status string, d time.Duration) {
	r.sourceAPIDuration.WithLabelValues(source, method, status).Observe(d.Seconds())
}
func (r *Registry) ObserveBatchSize(source string, n int) {
	r.batchSize.WithLabelValues(source).Observe(float64(n))
}
func (r *Registry) ObservePriceUpdateFrequency(source string, d time.Duration) {
	r.priceUpdateFreq.WithLabelValues(source).Observe(d.Seconds())
}

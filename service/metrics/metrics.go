package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// Components treat a nil *Metrics as "don't record".
type Metrics struct {
	// Ledger node metrics
	nodeRPCCallsTotal     *prometheus.CounterVec
	nodeRPCCallDuration   *prometheus.HistogramVec
	nodeRPCRateLimitHits  *prometheus.CounterVec
	nodeRPCRetries        *prometheus.CounterVec
	broadcastsTotal       *prometheus.CounterVec
	statusChecksTotal     *prometheus.CounterVec
	listingsFetchedTotal  *prometheus.CounterVec
	purchaseChainsTotal   *prometheus.CounterVec
	nonceAllocationsTotal *prometheus.CounterVec
	nonceReleasesTotal    prometheus.Counter

	// Signing metrics
	signingRequestsTotal *prometheus.CounterVec
	signingDuration      *prometheus.HistogramVec

	// Workflow metrics
	confirmationWorkflowDuration *prometheus.HistogramVec
	confirmationPollsTotal       *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// Outbound HTTP metrics
	httpClientRequestDuration *prometheus.HistogramVec
	httpClientRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		nodeRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stacks_node_calls_total",
				Help: "Total number of ledger node API calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		nodeRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stacks_node_call_duration_seconds",
				Help:    "Duration of ledger node API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		nodeRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stacks_node_rate_limit_hits_total",
				Help: "Total number of ledger node rate limit hits (429 responses)",
			},
			[]string{"endpoint"},
		),
		nodeRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stacks_node_retries_total",
				Help: "Total number of ledger node read retries",
			},
			[]string{"method", "reason"},
		),
		broadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stacks_broadcasts_total",
				Help: "Total number of transaction broadcasts by payload kind and result",
			},
			[]string{"payload", "result"},
		),
		statusChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stacks_status_checks_total",
				Help: "Total number of transaction status checks by observed state",
			},
			[]string{"state"},
		),
		listingsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_listings_fetched_total",
				Help: "Total number of listing records fetched, by outcome",
			},
			[]string{"outcome"},
		),
		purchaseChainsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_purchases_total",
				Help: "Total number of purchase chains by the step they ended on",
			},
			[]string{"result"},
		),
		nonceAllocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nonce_allocations_total",
				Help: "Total number of nonces handed out, by source of the base nonce",
			},
			[]string{"source"},
		),
		nonceReleasesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nonce_releases_total",
				Help: "Total number of local nonce estimates dropped",
			},
		),

		signingRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signing_requests_total",
				Help: "Total number of signing delegate calls by status",
			},
			[]string{"status"},
		),
		signingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signing_duration_seconds",
				Help:    "Duration of signing delegate calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"status"},
		),

		confirmationWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_workflow_duration_seconds",
				Help:    "Duration of confirmation workflows in seconds",
				Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		confirmationPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "confirmation_polls_total",
				Help: "Total number of confirmation status polls by observed state",
			},
			[]string{"state"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpClientRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_client_request_duration_seconds",
				Help:    "Duration of outbound HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10},
			},
			[]string{"client", "method", "status"},
		),
		httpClientRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_client_requests_total",
				Help: "Total number of outbound HTTP requests",
			},
			[]string{"client", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ledger node metric helpers

// RecordRPCCall records a node API call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.nodeRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.nodeRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 response).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.nodeRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.nodeRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordBroadcast records a broadcast outcome: accepted, rejected or unreachable.
func (m *Metrics) RecordBroadcast(payload, result string) {
	m.broadcastsTotal.WithLabelValues(payload, result).Inc()
}

// RecordStatusCheck records the state a status check observed.
func (m *Metrics) RecordStatusCheck(state string) {
	m.statusChecksTotal.WithLabelValues(state).Inc()
}

// RecordListingsFetched records listing fetch outcomes (ok, none, skipped).
func (m *Metrics) RecordListingsFetched(outcome string, count int) {
	m.listingsFetchedTotal.WithLabelValues(outcome).Add(float64(count))
}

// RecordPurchase records how far a purchase chain got.
func (m *Metrics) RecordPurchase(result string) {
	m.purchaseChainsTotal.WithLabelValues(result).Inc()
}

// RecordNonceAllocation records n nonces handed out. source is "network"
// when the base nonce was fetched and "local" when the cached high-water
// mark was ahead.
func (m *Metrics) RecordNonceAllocation(source string, n int) {
	m.nonceAllocationsTotal.WithLabelValues(source).Add(float64(n))
}

// RecordNonceRelease records a dropped local nonce estimate.
func (m *Metrics) RecordNonceRelease() {
	m.nonceReleasesTotal.Inc()
}

// Signing metric helpers

// RecordSigning records a signing delegate call.
func (m *Metrics) RecordSigning(status string, duration float64) {
	m.signingRequestsTotal.WithLabelValues(status).Inc()
	m.signingDuration.WithLabelValues(status).Observe(duration)
}

// Workflow metric helpers

// RecordConfirmationWorkflow records a finished confirmation workflow.
func (m *Metrics) RecordConfirmationWorkflow(status string, duration float64) {
	m.confirmationWorkflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordConfirmationPoll records one status poll made by the workflow.
func (m *Metrics) RecordConfirmationPoll(state string) {
	m.confirmationPollsTotal.WithLabelValues(state).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPClientRequest records an outbound HTTP request with duration.
// A zero status code means the request never got a response.
func (m *Metrics) RecordHTTPClientRequest(client, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpClientRequestDuration.WithLabelValues(client, method, status).Observe(duration)
	m.httpClientRequestsTotal.WithLabelValues(client, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code == 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

package metrics

import (
	"net/http"
	"time"
)

// Transport wraps an http.RoundTripper and records every outbound request
// under clientName (e.g., "stacks-node", "signer").
// If m is nil the base transport is returned unchanged.
func Transport(m *Metrics, clientName string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if m == nil {
		return base
	}
	return &instrumentedTransport{base: base, metrics: m, client: clientName}
}

type instrumentedTransport struct {
	base    http.RoundTripper
	metrics *Metrics
	client  string
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)

	status := 0
	if err == nil {
		status = resp.StatusCode
	}
	t.metrics.RecordHTTPClientRequest(t.client, req.Method, status, time.Since(start).Seconds())
	return resp, err
}

// Timer is a helper for timing operations.
// Usage:
//
//	defer Timer(time.Now(), func(duration float64) {
//	    metrics.RecordSomething(duration)
//	})()
func Timer(start time.Time, recordFunc func(float64)) func() {
	return func() {
		recordFunc(time.Since(start).Seconds())
	}
}

// Package metrics exposes Prometheus counters for the authentication flows.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the auth service and HTTP layer report to.
type Recorder interface {
	RecordLogin(outcome string)
	RecordTokenValidation(operation, result string)
	RecordRateLimit(allowed bool)
	RecordHTTPRequest(route string, status int, duration time.Duration)
}

// Collector is the Prometheus Recorder.
type Collector struct {
	logins       *prometheus.CounterVec
	validations  *prometheus.CounterVec
	rateLimits   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by terminal outcome.",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_validation_total",
			Help: "Token validations by operation and result.",
		}, []string{"operation", "result"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_ratelimit_decisions_total",
			Help: "Rate limiter decisions.",
		}, []string{"decision"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(c.logins, c.validations, c.rateLimits, c.httpRequests, c.httpLatency)
	return c
}

// RecordLogin implements Recorder.
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordTokenValidation implements Recorder.
func (c *Collector) RecordTokenValidation(operation, result string) {
	c.validations.WithLabelValues(operation, result).Inc()
}

// RecordRateLimit implements Recorder.
func (c *Collector) RecordRateLimit(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.rateLimits.WithLabelValues(decision).Inc()
}

// RecordHTTPRequest implements Recorder.
func (c *Collector) RecordHTTPRequest(route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordLogin(string)                           {}
func (Nop) RecordTokenValidation(string, string)         {}
func (Nop) RecordRateLimit(bool)                         {}
func (Nop) RecordHTTPRequest(string, int, time.Duration) {}

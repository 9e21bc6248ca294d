package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors used across the engine.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	CampaignsActive prometheus.Gauge
	SendsTotal      *prometheus.CounterVec
	SendDuration    prometheus.Histogram
	RetriesTotal    *prometheus.CounterVec
	HealthPauses    prometheus.Counter
	LookupsTotal    *prometheus.CounterVec
}

// NewMetrics registers collectors with the provided namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	httpLabels := []string{"method", "path", "status"}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, httpLabels)
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, httpLabels)

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "campaigns_active",
		Help:      "Number of campaigns with a live execution loop.",
	})
	sends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Send attempts by outcome.",
	}, []string{"outcome"})
	sendDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Duration of messenger send calls.",
		Buckets:   prometheus.DefBuckets,
	})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retry governor attempts by outcome.",
	}, []string{"outcome"})
	pauses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_pauses_total",
		Help:      "Campaigns auto-paused by the health monitor.",
	})
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookups_total",
		Help:      "Phone validation lookups by result.",
	}, []string{"result"})

	reg.MustRegister(requests, duration, active, sends, sendDur, retries, pauses, lookups)

	return &Metrics{
		HTTPRequests:    requests,
		HTTPDuration:    duration,
		CampaignsActive: active,
		SendsTotal:      sends,
		SendDuration:    sendDur,
		RetriesTotal:    retries,
		HealthPauses:    pauses,
		LookupsTotal:    lookups,
	}
}

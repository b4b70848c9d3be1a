package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Payment gateway API calls by operation and result.",
	}, []string{"op", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dealroom",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Payment gateway API call latency including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

func observeRequest(op string, err error, d time.Duration) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTransient):
		result = "transient"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "rejected"
	}
	requestsTotal.WithLabelValues(op, result).Inc()
	requestDuration.WithLabelValues(op).Observe(d.Seconds())
}

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "dealroom",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected with 429.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealroom",
			Name:      "ledger_mutations_total",
			Help:      "Ledger mutations by kind and result.",
		},
		[]string{"kind", "result"},
	)

	mutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealroom",
			Name:      "ledger_mutation_duration_seconds",
			Help:      "Ledger mutation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	insufficientFundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealroom",
			Name:      "ledger_insufficient_funds_total",
			Help:      "Debits rejected for insufficient funds.",
		},
	)

	auditViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealroom",
			Name:      "ledger_audit_violations_total",
			Help:      "Entry chains found inconsistent by audit.",
		},
	)
)

func init() {
	prometheus.MustRegister(mutationsTotal, mutationDuration, insufficientFundsTotal, auditViolationsTotal)
}

func observeMutation(kind Kind, err error, elapsed time.Duration) {
	result := "ok"
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		result = "insufficient_funds"
		insufficientFundsTotal.Inc()
	case err != nil:
		result = "error"
	}
	mutationsTotal.WithLabelValues(string(kind), result).Inc()
	mutationDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

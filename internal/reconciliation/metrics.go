package reconciliation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dealroom/internal/apperr"
)

var (
	ordersCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "orders_created_total",
		Help:      "Gateway orders opened by subject type and result.",
	}, []string{"subject", "result"})

	paymentsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "payments_applied_total",
		Help:      "Payments applied by subject type and source.",
	}, []string{"subject", "source"})

	duplicatePaymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "duplicate_payments_total",
		Help:      "Payments already applied when they arrived again, by source.",
	}, []string{"source"})

	signatureFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "signature_failures_total",
		Help:      "Rejected payment and webhook signatures by source.",
	}, []string{"source"})

	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "webhooks_total",
		Help:      "Gateway webhooks by event name and result.",
	}, []string{"event", "result"})

	sweepOrdersChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "sweep_orders_checked",
		Help:      "Stale orders checked in the last sweep.",
	})

	sweepPaymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "sweep_payments_total",
		Help:      "Payments seen by the sweep by outcome.",
	}, []string{"outcome"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	walletFloat = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "wallet_float",
		Help:      "Sum of all wallet balances at the last balance check.",
	})

	balanceMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches_total",
		Help:      "Balance checks where the wallet float exceeded collected payments.",
	})
)

func init() {
	prometheus.MustRegister(
		ordersCreatedTotal,
		paymentsAppliedTotal,
		duplicatePaymentsTotal,
		signatureFailuresTotal,
		webhooksTotal,
		sweepOrdersChecked,
		sweepPaymentsTotal,
		sweepDuration,
		walletFloat,
		balanceMismatchesTotal,
	)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyProcessed):
		return "duplicate"
	}
	return apperr.KindOf(err).String()
}

func observeSweep(r *SweepResult) {
	sweepOrdersChecked.Set(float64(r.Checked))
	sweepPaymentsTotal.WithLabelValues("applied").Add(float64(r.Applied))
	sweepPaymentsTotal.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	sweepPaymentsTotal.WithLabelValues("failed").Add(float64(r.Failed))
}

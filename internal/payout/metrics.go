package payout

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dealroom/internal/apperr"
)

var (
	payoutsRequestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "payout",
		Name:      "requested_total",
		Help:      "Payout requests by result.",
	}, []string{"result"})

	requestedAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "payout",
		Name:      "requested_amount_total",
		Help:      "Total amount debited for payouts.",
	})

	payoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "payout",
		Name:      "transitions_total",
		Help:      "Committed payout transitions by target status and source.",
	}, []string{"to", "source"})

	gatewayCallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "payout",
		Name:      "gateway_callbacks_total",
		Help:      "Gateway payout callbacks by reported status and result.",
	}, []string{"status", "result"})
)

func init() {
	prometheus.MustRegister(
		payoutsRequestedTotal,
		requestedAmountTotal,
		payoutTransitionsTotal,
		gatewayCallbacksTotal,
	)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

func observeRequest(p *Payout, err error) {
	payoutsRequestedTotal.WithLabelValues(resultLabel(err)).Inc()
	if err == nil && p != nil {
		requestedAmountTotal.Add(p.Amount.InexactFloat64())
	}
}

package escrow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/money"
)

var (
	dealsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "deals_created_total",
		Help:      "Deal creation attempts by funding source and result.",
	}, []string{"funding", "result"})

	dealTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "deal_transitions_total",
		Help:      "Deal state transitions by target state.",
	}, []string{"to"})

	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "releases_total",
		Help:      "Release attempts by result.",
	}, []string{"result"})

	releasedAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "released_amount_total",
		Help:      "Total amount released to vendors.",
	})

	refundedAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "refunded_amount_total",
		Help:      "Total amount refunded to clients on cancellation.",
	})

	duplicateSubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealroom",
		Subsystem: "escrow",
		Name:      "duplicate_submissions_total",
		Help:      "Deal creations rejected by the double-submit guard.",
	})
)

func init() {
	prometheus.MustRegister(
		dealsCreatedTotal,
		dealTransitionsTotal,
		releasesTotal,
		releasedAmountTotal,
		refundedAmountTotal,
		duplicateSubmissionsTotal,
	)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}

func observeCreate(source FundingSource, err error) {
	dealsCreatedTotal.WithLabelValues(string(source), resultLabel(err)).Inc()
}

func observeRelease(out *ReleaseResult, err error) {
	releasesTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil || out == nil {
		return
	}
	releasedAmountTotal.Add(out.Release.Amount.InexactFloat64())
	if out.Deal.Status == StatusCompleted {
		dealTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
}

func observeCancel(out *CancelResult, err error) {
	if err != nil || out == nil || out.Deleted {
		return
	}
	dealTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	if out.Refunded.IsPositive() {
		refundedAmountTotal.Add(money.Round(out.Refunded).InexactFloat64())
	}
}

package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/escrow"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/payout"
	"github.com/mbd888/dealroom/internal/traces"
	"github.com/mbd888/dealroom/internal/verification"
)

// Initiate opens a gateway order for subject and records the mapping. It
// mutates nothing else.
func (s *Service) Initiate(ctx context.Context, subject gateway.Subject, amount decimal.Decimal) (*gateway.Order, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Initiate", traces.UserID(subject.UserID), traces.Reference(subject.ID))
	order, err := s.initiate(ctx, subject, amount)
	traces.End(span, err)
	ordersCreatedTotal.WithLabelValues(string(subject.Type), resultLabel(err)).Inc()
	return order, err
}

func (s *Service) initiate(ctx context.Context, subject gateway.Subject, amount decimal.Decimal) (*gateway.Order, error) {
	if !subject.Type.Valid() || subject.ID == "" || subject.UserID == "" {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, subject.Type)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	order, err := s.client.CreateOrder(ctx, money.Round(amount), s.currency, subject.Notes())
	if err != nil {
		return nil, err
	}
	rec := &OrderRecord{
		OrderID:   order.ID,
		Subject:   subject,
		Amount:    order.Amount,
		Currency:  order.Currency,
		Status:    OrderCreated,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateOrder(ctx, rec); err != nil {
		return nil, fmt.Errorf("record order %s: %w", order.ID, err)
	}
	s.logger.Info("gateway order created",
		"orderId", order.ID, "subjectType", subject.Type, "subjectId", subject.ID, "amount", money.Format(order.Amount))
	return order, nil
}

// OrderRequest asks for a checkout order. Top-ups carry an amount; escrow
// and verification-fee orders reopen payment for an existing unpaid subject
// and take the amount from it.
type OrderRequest struct {
	SubjectType gateway.SubjectType `json:"subjectType" binding:"required"`
	SubjectID   string              `json:"subjectId"`
	Amount      string              `json:"amount"`
}

// Checkout is an order ready for the client-side widget.
type Checkout struct {
	Order *gateway.Order `json:"order"`
	KeyID string         `json:"keyId"`
}

// OpenOrder creates a checkout order on behalf of callerID.
func (s *Service) OpenOrder(ctx context.Context, callerID string, req OrderRequest) (*Checkout, error) {
	subject := gateway.Subject{Type: req.SubjectType, ID: req.SubjectID, UserID: callerID}
	var amount decimal.Decimal

	switch req.SubjectType {
	case gateway.SubjectWalletTopup:
		a, err := money.Parse(req.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		amount = a
		subject.ID = idgen.WithPrefix("topup_")
	case gateway.SubjectEscrow:
		if s.deals == nil {
			return nil, ErrNotConfigured
		}
		deal, err := s.deals.Get(ctx, callerID, req.SubjectID)
		if err != nil {
			return nil, err
		}
		if deal.ClientID != callerID {
			return nil, escrow.ErrUnauthorized
		}
		if deal.PaymentStatus != escrow.PaymentPending {
			return nil, escrow.ErrInvalidStateTransition
		}
		amount = deal.GrossAmount
	case gateway.SubjectVerificationFee:
		if s.verifications == nil {
			return nil, ErrNotConfigured
		}
		r, err := s.verifications.Get(ctx, callerID, req.SubjectID, false)
		if err != nil {
			return nil, err
		}
		if r.PaymentStatus != verification.PaymentPending {
			return nil, verification.ErrInvalidStateTransition
		}
		amount = r.FeeAmount
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, req.SubjectType)
	}

	order, err := s.Initiate(ctx, subject, amount)
	if err != nil {
		return nil, err
	}
	return &Checkout{Order: order, KeyID: s.client.KeyID()}, nil
}

// VerifyRequest is the client's checkout completion.
type VerifyRequest struct {
	OrderID     string              `json:"orderId" binding:"required"`
	PaymentID   string              `json:"paymentId" binding:"required"`
	Signature   string              `json:"signature" binding:"required"`
	SubjectType gateway.SubjectType `json:"subjectType"`
	SubjectID   string              `json:"subjectId"`
}

// Applied describes a payment that took effect.
type Applied struct {
	OrderID   string          `json:"orderId"`
	PaymentID string          `json:"paymentId"`
	Subject   gateway.Subject `json:"subject"`
	Amount    decimal.Decimal `json:"amount"`
	Source    Source          `json:"source"`
}

// ApplyVerifiedPayment applies a payment reported by the client's checkout.
// ErrAlreadyProcessed means the payment was applied earlier by any path.
func (s *Service) ApplyVerifiedPayment(ctx context.Context, req VerifyRequest) (*Applied, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.ApplyVerifiedPayment", traces.OrderID(req.OrderID), traces.PaymentID(req.PaymentID))
	out, err := s.applyVerified(ctx, req)
	traces.End(span, err)
	return out, err
}

func (s *Service) applyVerified(ctx context.Context, req VerifyRequest) (*Applied, error) {
	if err := s.client.VerifyPaymentSignature(req.OrderID, req.PaymentID, req.Signature); err != nil {
		signatureFailuresTotal.WithLabelValues(string(SourceVerify)).Inc()
		return nil, gateway.ErrInvalidSignature
	}
	rec, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if req.SubjectType != "" && (req.SubjectType != rec.Subject.Type || req.SubjectID != rec.Subject.ID) {
		s.logger.Warn("declared subject differs from order",
			"orderId", req.OrderID, "declaredType", req.SubjectType, "declaredId", req.SubjectID)
		return nil, ErrSubjectMismatch
	}
	payment, err := s.client.FetchPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.OrderID != rec.OrderID {
		return nil, ErrSubjectMismatch
	}
	if !payment.Status.Settled() {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotSettled, payment.Status)
	}
	return s.apply(ctx, rec, payment, SourceVerify)
}

// ApplyWebhook verifies and applies a gateway webhook. The signature covers
// the raw body and is checked before parsing.
func (s *Service) ApplyWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := traces.StartSpan(ctx, "reconciliation.ApplyWebhook")
	name, err := s.applyWebhook(ctx, body, signature)
	traces.End(span, err)
	webhooksTotal.WithLabelValues(name, resultLabel(err)).Inc()
	return err
}

func (s *Service) applyWebhook(ctx context.Context, body []byte, signature string) (string, error) {
	if err := s.client.VerifyWebhookSignature(body, signature); err != nil {
		signatureFailuresTotal.WithLabelValues(string(SourceWebhook)).Inc()
		return "unverified", gateway.ErrInvalidSignature
	}
	ev, err := gateway.ParseWebhook(body)
	if err != nil {
		return "malformed", err
	}

	switch e := ev.(type) {
	case gateway.CapturedEvent:
		_, err := s.applyCaptured(ctx, e.Payment)
		return e.Name(), err
	case gateway.PayoutProcessed:
		return e.Name(), s.forwardPayout(ctx, e.PayoutOutcome, payout.StatusCompleted)
	case gateway.PayoutFailed:
		return e.Name(), s.forwardPayout(ctx, e.PayoutOutcome, payout.StatusFailed)
	case gateway.PayoutRejected:
		return e.Name(), s.forwardPayout(ctx, e.PayoutOutcome, payout.StatusFailed)
	case gateway.PayoutPending:
		return e.Name(), s.forwardPayout(ctx, e.PayoutOutcome, payout.StatusProcessing)
	case gateway.Unrecognized:
		s.logger.Debug("ignoring gateway webhook", "event", e.Event)
		return "unrecognized", nil
	default:
		return "unrecognized", nil
	}
}

// applyCaptured applies a captured payment from a webhook. An order the
// platform never recorded is applied from the payment notes only when they
// name a wallet top-up for a user.
func (s *Service) applyCaptured(ctx context.Context, p gateway.Payment) (*Applied, error) {
	rec, err := s.store.GetOrder(ctx, p.OrderID)
	if errors.Is(err, ErrOrderNotFound) {
		subject, ok := gateway.SubjectFromNotes(p.Notes)
		if !ok || subject.Type != gateway.SubjectWalletTopup {
			s.logger.Warn("captured payment for unknown order dropped", "orderId", p.OrderID, "paymentId", p.ID)
			return nil, nil
		}
		if subject.ID == "" {
			subject.ID = p.OrderID
		}
		rec = &OrderRecord{
			OrderID:   p.OrderID,
			Subject:   subject,
			Amount:    p.Amount,
			Currency:  p.Currency,
			Status:    OrderCreated,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.CreateOrder(ctx, rec); err != nil {
			return nil, fmt.Errorf("record order %s from notes: %w", p.OrderID, err)
		}
		s.logger.Info("recorded top-up order from webhook notes", "orderId", p.OrderID, "userId", subject.UserID)
	} else if err != nil {
		return nil, err
	}
	return s.apply(ctx, rec, &p, SourceWebhook)
}

func (s *Service) forwardPayout(ctx context.Context, o gateway.PayoutOutcome, to payout.Status) error {
	if s.payouts == nil {
		s.logger.Warn("payout webhook received but payouts are not wired", "event", o.Event)
		return nil
	}
	_, err := s.payouts.GatewayCallback(ctx,
		payout.Ref{PayoutID: o.ReferenceID, GatewayPayoutID: o.PayoutID},
		payout.Outcome{Status: to, Reason: o.Reason})
	switch {
	case errors.Is(err, payout.ErrAlreadyProcessed):
		return ErrAlreadyProcessed
	case errors.Is(err, payout.ErrPayoutNotFound), errors.Is(err, payout.ErrInvalidTransition):
		s.logger.Warn("payout webhook not applied",
			"event", o.Event, "payoutId", o.ReferenceID, "gatewayPayoutId", o.PayoutID, "error", err)
		return nil
	}
	return err
}

// apply records the payment and performs its subject effect in one unit.
func (s *Service) apply(ctx context.Context, rec *OrderRecord, p *gateway.Payment, source Source) (*Applied, error) {
	if !p.Amount.Equal(rec.Amount) {
		s.logger.Error("payment amount differs from order",
			"orderId", rec.OrderID, "paymentId", p.ID, "order", money.Format(rec.Amount), "payment", money.Format(p.Amount))
		return nil, ErrSubjectMismatch
	}

	out := &Applied{OrderID: rec.OrderID, PaymentID: p.ID, Subject: rec.Subject, Amount: rec.Amount, Source: source}
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		now := s.now().UTC()
		if err := s.store.InsertProcessed(ctx, &ProcessedPayment{
			OrderID:     rec.OrderID,
			PaymentID:   p.ID,
			Subject:     rec.Subject,
			Amount:      rec.Amount,
			Source:      source,
			ProcessedAt: now,
		}); err != nil {
			return err
		}
		if err := s.applySubject(ctx, rec, p.ID); err != nil {
			return err
		}
		if err := s.store.MarkOrderPaid(ctx, rec.OrderID, now); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		dbtx.AfterCommit(ctx, func() {
			paymentsAppliedTotal.WithLabelValues(string(rec.Subject.Type), string(source)).Inc()
			s.logger.Info("payment applied",
				"orderId", rec.OrderID, "paymentId", p.ID, "subjectType", rec.Subject.Type,
				"subjectId", rec.Subject.ID, "source", source)
		})
		return nil
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		duplicatePaymentsTotal.WithLabelValues(string(source)).Inc()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) applySubject(ctx context.Context, rec *OrderRecord, paymentID string) error {
	subject := rec.Subject
	switch subject.Type {
	case gateway.SubjectEscrow:
		if s.deals == nil {
			return ErrNotConfigured
		}
		_, err := s.deals.MarkPaid(ctx, subject.ID)
		switch {
		case errors.Is(err, escrow.ErrAlreadyPaid):
			return s.creditDuplicate(ctx, rec, paymentID)
		case errors.Is(err, escrow.ErrDealNotFound), errors.Is(err, escrow.ErrInvalidStateTransition):
			// The deal was deleted or moved on while its payment was in flight.
			s.logger.Warn("escrow deal unavailable, crediting payer", "dealId", subject.ID, "paymentId", paymentID, "error", err)
			return s.credit(ctx, subject.UserID, rec.Amount, paymentID, map[string]any{
				"reason": "escrow_deal_unavailable",
				"dealId": subject.ID,
			})
		}
		return err
	case gateway.SubjectVerificationFee:
		if s.verifications == nil {
			return ErrNotConfigured
		}
		_, err := s.verifications.MarkPaid(ctx, subject.ID)
		if errors.Is(err, verification.ErrAlreadyPaid) {
			return s.creditDuplicate(ctx, rec, paymentID)
		}
		return err
	case gateway.SubjectWalletTopup:
		return s.credit(ctx, subject.UserID, rec.Amount, paymentID, map[string]any{
			"reason":  "wallet_topup",
			"orderId": rec.OrderID,
		})
	default:
		return fmt.Errorf("%w: %q", ErrNotConfigured, subject.Type)
	}
}

// creditDuplicate returns a second payment for an already-paid subject to
// the payer's wallet.
func (s *Service) creditDuplicate(ctx context.Context, rec *OrderRecord, paymentID string) error {
	s.logger.Warn("subject already paid, crediting payer",
		"subjectType", rec.Subject.Type, "subjectId", rec.Subject.ID, "orderId", rec.OrderID, "paymentId", paymentID)
	return s.credit(ctx, rec.Subject.UserID, rec.Amount, paymentID, map[string]any{
		"reason":      "duplicate_subject_payment",
		"subjectType": string(rec.Subject.Type),
		"subjectId":   rec.Subject.ID,
		"orderId":     rec.OrderID,
	})
}

func (s *Service) credit(ctx context.Context, userID string, amount decimal.Decimal, paymentID string, metadata map[string]any) error {
	res, err := s.wallet.Credit(ctx, userID, amount, ledger.KindCredit, paymentID, metadata)
	if err != nil {
		return err
	}
	dbtx.AfterCommit(ctx, func() {
		err := s.emitter.Emit(context.WithoutCancel(ctx), events.Event{
			Key:       events.UserKey(userID),
			Name:      events.WalletUpdated,
			Payload:   map[string]any{"balance": res.NewBalance, "entry": res.Entry},
			Timestamp: s.now().UTC(),
		})
		if err != nil {
			s.logger.Warn("failed to emit wallet event", "userId", userID, "error", err)
		}
	})
	return nil
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Checked    int `json:"checked"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

const sweepBatch = 100

// Sweep asks the gateway about orders still unpaid after the grace period
// and applies any settled payment through the idempotent path.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Sweep")
	out, err := s.sweep(ctx)
	traces.End(span, err)
	if out != nil {
		observeSweep(out)
	}
	return out, err
}

func (s *Service) sweep(ctx context.Context) (*SweepResult, error) {
	orders, err := s.store.ListStaleOrders(ctx, s.now().Add(-s.sweepGrace), sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}

	out := &SweepResult{}
	for _, rec := range orders {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Checked++
		payments, err := s.client.FetchOrderPayments(ctx, rec.OrderID)
		if err != nil {
			out.Failed++
			s.logger.Warn("sweep: fetch order payments failed", "orderId", rec.OrderID, "error", err)
			continue
		}
		for _, p := range payments {
			if !p.Status.Settled() {
				continue
			}
			_, err := s.apply(ctx, rec, p, SourceSweep)
			switch {
			case err == nil:
				out.Applied++
			case errors.Is(err, ErrAlreadyProcessed):
				out.Duplicates++
			default:
				out.Failed++
				s.logger.Warn("sweep: apply failed", "orderId", rec.OrderID, "paymentId", p.ID, "error", err)
			}
		}
	}
	if out.Applied > 0 || out.Failed > 0 {
		s.logger.Info("sweep complete", "checked", out.Checked, "applied", out.Applied,
			"duplicates", out.Duplicates, "failed", out.Failed)
	}
	return out, nil
}

// BalanceReport compares the wallet float with money collected through the
// gateway. Wallet money only originates from applied payments, so the float
// can never exceed the collected total.
type BalanceReport struct {
	Solvent     bool            `json:"solvent"`
	WalletFloat decimal.Decimal `json:"walletFloat"`
	Collected   decimal.Decimal `json:"collected"`
	Headroom    decimal.Decimal `json:"headroom"`
}

// ReconcileBalances produces a BalanceReport.
func (s *Service) ReconcileBalances(ctx context.Context) (*BalanceReport, error) {
	float, err := s.wallet.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum wallet balances: %w", err)
	}
	collected, err := s.store.SumProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum processed payments: %w", err)
	}
	report := &BalanceReport{
		WalletFloat: float,
		Collected:   collected,
		Headroom:    collected.Sub(float),
	}
	report.Solvent = !report.Headroom.IsNegative()
	walletFloat.Set(float.InexactFloat64())
	if !report.Solvent {
		balanceMismatchesTotal.Inc()
		s.logger.Error("wallet float exceeds collected payments",
			"walletFloat", money.Format(float), "collected", money.Format(collected))
	}
	return report, nil
}

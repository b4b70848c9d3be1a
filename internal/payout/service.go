package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/settings"
	"github.com/mbd888/dealroom/internal/traces"
	"github.com/mbd888/dealroom/internal/validation"
)

const maxNoteLen = 500

// Source labels who drove a transition.
type Source string

const (
	SourceUser    Source = "user"
	SourceAdmin   Source = "admin"
	SourceGateway Source = "gateway"
)

// Request debits the caller's wallet and records a pending payout. The
// debit and the insert commit together.
func (s *Service) Request(ctx context.Context, userID string, in RequestInput, snap settings.Snapshot) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.Request", traces.UserID(userID), traces.Amount(in.Amount))
	p, err := s.request(ctx, userID, in, snap)
	traces.End(span, err)
	observeRequest(p, err)
	return p, err
}

func (s *Service) request(ctx context.Context, userID string, in RequestInput, snap settings.Snapshot) (*Payout, error) {
	if err := validation.Validate(validation.ValidAmount("amount", in.Amount)); err != nil {
		return nil, err
	}
	amount, _ := money.Parse(in.Amount)
	if amount.LessThan(snap.MinPayout) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, money.Format(snap.MinPayout))
	}
	if err := in.Destination.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Payout{
		ID:          idgen.WithPrefix("po_"),
		UserID:      userID,
		Amount:      amount,
		Destination: in.Destination,
		Status:      StatusPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.wallet.Debit(ctx, userID, amount, ledger.KindPayout, p.ID, map[string]any{
			"method": string(p.Destination.Method),
		}); err != nil {
			return err
		}
		if err := s.store.Create(ctx, p); err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
		dbtx.AfterCommit(ctx, func() { s.publish(ctx, p) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AdminTransition moves a payout from expectedFrom to to. It fails with
// ErrConflict when the payout is no longer in expectedFrom.
func (s *Service) AdminTransition(ctx context.Context, payoutID string, in TransitionInput) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.AdminTransition", traces.PayoutID(payoutID))
	p, err := s.adminTransition(ctx, payoutID, in)
	traces.End(span, err)
	return p, err
}

func (s *Service) adminTransition(ctx context.Context, payoutID string, in TransitionInput) (*Payout, error) {
	if !CanTransition(in.From, in.To) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, in.From, in.To)
	}
	note := validation.SanitizeString(in.Note, maxNoteLen)
	p, err := s.transition(ctx, payoutID, in.From, in.To, note, in.GatewayPayoutID, SourceAdmin)
	if errors.Is(err, errNotApplied) {
		if _, gerr := s.store.Get(ctx, payoutID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return p, err
}

// Cancel withdraws a pending payout on its owner's request and refunds it.
func (s *Service) Cancel(ctx context.Context, userID, payoutID string) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.Cancel", traces.UserID(userID), traces.PayoutID(payoutID))
	p, err := s.cancel(ctx, userID, payoutID)
	traces.End(span, err)
	return p, err
}

func (s *Service) cancel(ctx context.Context, userID, payoutID string) (*Payout, error) {
	current, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if current.UserID != userID {
		return nil, ErrUnauthorized
	}
	if current.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	p, err := s.transition(ctx, payoutID, StatusPending, StatusCancelled, "", "", SourceUser)
	if errors.Is(err, errNotApplied) {
		return nil, ErrInvalidTransition
	}
	return p, err
}

// GatewayCallback applies a gateway-reported outcome. A callback repeating
// the current status returns ErrAlreadyProcessed. A processed callback for
// a payout still pending passes through processing. A transition lost to a
// concurrent writer is retried once against the fresh state.
func (s *Service) GatewayCallback(ctx context.Context, ref Ref, out Outcome) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.GatewayCallback", traces.PayoutID(ref.PayoutID), traces.Reference(ref.GatewayPayoutID))
	p, err := s.gatewayCallback(ctx, ref, out)
	traces.End(span, err)
	gatewayCallbacksTotal.WithLabelValues(string(out.Status), resultLabel(err)).Inc()
	return p, err
}

func (s *Service) gatewayCallback(ctx context.Context, ref Ref, out Outcome) (*Payout, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if current.Status == out.Status {
			return current, ErrAlreadyProcessed
		}
		path := []Status{out.Status}
		if current.Status == StatusPending && out.Status == StatusCompleted {
			path = []Status{StatusProcessing, StatusCompleted}
		}
		if !CanTransition(current.Status, path[0]) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, out.Status)
		}

		var p *Payout
		err = s.runner.InTx(ctx, func(ctx context.Context) error {
			from := current.Status
			for _, to := range path {
				next, err := s.transition(ctx, current.ID, from, to, validation.SanitizeString(out.Reason, maxNoteLen), ref.GatewayPayoutID, SourceGateway)
				if err != nil {
					return err
				}
				p, from = next, to
			}
			return nil
		})
		if errors.Is(err, errNotApplied) {
			s.logger.Info("payout changed during gateway callback, retrying", "payoutId", current.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, ErrConflict
}

func (s *Service) resolve(ctx context.Context, ref Ref) (*Payout, error) {
	if ref.PayoutID != "" {
		p, err := s.store.Get(ctx, ref.PayoutID)
		if err == nil || ref.GatewayPayoutID == "" || !errors.Is(err, ErrPayoutNotFound) {
			return p, err
		}
	}
	if ref.GatewayPayoutID == "" {
		return nil, ErrPayoutNotFound
	}
	return s.store.GetByGatewayID(ctx, ref.GatewayPayoutID)
}

// transition applies one conditional edge and, when it enters failed or
// cancelled, refunds the wallet once. It returns errNotApplied when the
// payout was no longer in from.
func (s *Service) transition(ctx context.Context, id string, from, to Status, note, gatewayPayoutID string, source Source) (*Payout, error) {
	var out *Payout
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		now := s.now().UTC()
		p, err := s.store.Transition(ctx, id, from, to, note, gatewayPayoutID, now)
		if err != nil {
			return err
		}
		if to.refunds() {
			err := s.store.MarkRefunded(ctx, id, now)
			switch {
			case errors.Is(err, errNotApplied):
				s.logger.Warn("payout already refunded", "payoutId", id)
			case err != nil:
				return fmt.Errorf("mark payout refunded: %w", err)
			default:
				p.RefundedAt = &now
				if _, err := s.wallet.Credit(ctx, p.UserID, p.Amount, ledger.KindCredit, p.ID, map[string]any{
					"reason": "payout_" + string(to),
				}); err != nil {
					return err
				}
			}
		}

		out = p
		dbtx.AfterCommit(ctx, func() {
			payoutTransitionsTotal.WithLabelValues(string(to), string(source)).Inc()
			s.publish(ctx, p)
			s.notifyOutcome(ctx, p, source)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a payout to its owner or an admin.
func (s *Service) Get(ctx context.Context, callerID, payoutID string, admin bool) (*Payout, error) {
	p, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !admin && p.UserID != callerID {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// ListForUser returns the caller's payouts, newest first.
func (s *Service) ListForUser(ctx context.Context, userID, cursor string, limit int) ([]*Payout, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.Clamp(limit)
	items, err := s.store.ListForUser(ctx, userID, c, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, payoutKey)
	return page, next, nil
}

// ListByStatus returns payouts in a status for the admin queue.
func (s *Service) ListByStatus(ctx context.Context, status Status, cursor string, limit int) ([]*Payout, string, error) {
	if _, ok := transitions[status]; !ok && !status.IsTerminal() {
		return nil, "", fmt.Errorf("%w: unknown status %q", validation.ErrInvalid, status)
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.Clamp(limit)
	items, err := s.store.ListByStatus(ctx, status, c, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, payoutKey)
	return page, next, nil
}

func payoutKey(p *Payout) (time.Time, string) { return p.RequestedAt, p.ID }

func (s *Service) publish(ctx context.Context, p *Payout) {
	view := *p
	view.Destination = p.Destination.Masked()
	err := s.emitter.Emit(context.WithoutCancel(ctx), events.Event{
		Key:       events.UserKey(p.UserID),
		Name:      events.PayoutUpdated,
		Payload:   &view,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to emit payout event", "payoutId", p.ID, "error", err)
	}
}

func (s *Service) notifyOutcome(ctx context.Context, p *Payout, source Source) {
	var (
		title    string
		severity notify.Severity
	)
	switch {
	case p.Status == StatusCompleted:
		title, severity = "Payout completed", notify.SeveritySuccess
	case p.Status == StatusFailed:
		title, severity = "Payout failed", notify.SeverityWarning
	case p.Status == StatusCancelled && source != SourceUser:
		title, severity = "Payout cancelled", notify.SeverityWarning
	default:
		return
	}
	body := fmt.Sprintf("Your payout of %s is %s", money.Format(p.Amount), p.Status)
	if p.RefundedAt != nil {
		body += "; the amount was returned to your wallet"
	}
	err := s.notifier.Notify(context.WithoutCancel(ctx), notify.Notification{
		UserID:   p.UserID,
		Title:    title,
		Body:     body,
		Severity: severity,
		Context:  map[string]string{"payoutId": p.ID},
	})
	if err != nil {
		s.logger.Warn("failed to notify payout owner", "payoutId", p.ID, "error", err)
	}
}

package escrow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/chat"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/idempotency"
	"github.com/mbd888/dealroom/internal/idgen"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/pagination"
	"github.com/mbd888/dealroom/internal/settings"
	"github.com/mbd888/dealroom/internal/traces"
	"github.com/mbd888/dealroom/internal/validation"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
)

// terms is the validated, priced form of a CreateRequest.
type terms struct {
	gross, fee, net decimal.Decimal
}

// CreateWalletFunded creates an active deal paid from the caller's wallet.
// The debit and the deal insert commit together.
func (s *Service) CreateWalletFunded(ctx context.Context, callerID string, req CreateRequest, snap settings.Snapshot) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateWalletFunded", traces.UserID(callerID))
	deal, err := s.createWalletFunded(ctx, callerID, req, snap)
	traces.End(span, err)
	observeCreate(FundingWallet, err)
	return deal, err
}

func (s *Service) createWalletFunded(ctx context.Context, callerID string, req CreateRequest, snap settings.Snapshot) (*Deal, error) {
	t, err := s.prepare(ctx, callerID, req, snap)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, callerID, req)
	if err != nil {
		return nil, err
	}

	deal := s.newDeal(callerID, req, t, snap, FundingWallet)
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.wallet.Debit(ctx, callerID, t.gross, ledger.KindDebit, deal.ID, map[string]any{
			"dealId":         deal.ID,
			"conversationId": deal.ConversationID,
		}); err != nil {
			return err
		}
		if err := s.store.Create(ctx, deal); err != nil {
			return fmt.Errorf("create deal: %w", err)
		}
		dbtx.AfterCommit(ctx, func() {
			s.publish(ctx, events.DealCreated, deal)
			s.notifyParty(ctx, deal, deal.VendorID, "New escrow deal",
				fmt.Sprintf("%q was funded with %s", deal.Title, money.Format(deal.GrossAmount)), notify.SeverityInfo)
		})
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}
	return deal, nil
}

// CreateGatewayFunded creates a deal in pending_payment and opens a gateway
// order for its gross. The deal becomes active when reconciliation applies
// the captured payment.
func (s *Service) CreateGatewayFunded(ctx context.Context, callerID string, req CreateRequest, snap settings.Snapshot) (*GatewayDeal, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateGatewayFunded", traces.UserID(callerID))
	out, err := s.createGatewayFunded(ctx, callerID, req, snap)
	traces.End(span, err)
	observeCreate(FundingGateway, err)
	return out, err
}

func (s *Service) createGatewayFunded(ctx context.Context, callerID string, req CreateRequest, snap settings.Snapshot) (*GatewayDeal, error) {
	if s.orders == nil {
		return nil, fmt.Errorf("%w: gateway funding is not configured", ErrInvalidStateTransition)
	}
	t, err := s.prepare(ctx, callerID, req, snap)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, callerID, req)
	if err != nil {
		return nil, err
	}

	deal := s.newDeal(callerID, req, t, snap, FundingGateway)
	if err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, deal); err != nil {
			return err
		}
		dbtx.AfterCommit(ctx, func() { s.publish(ctx, events.DealCreated, deal) })
		return nil
	}); err != nil {
		release()
		return nil, fmt.Errorf("create deal: %w", err)
	}

	order, err := s.orders.Initiate(ctx, gateway.Subject{
		Type:   gateway.SubjectEscrow,
		ID:     deal.ID,
		UserID: callerID,
	}, deal.GrossAmount)
	if err != nil {
		if derr := s.runner.InTx(ctx, func(ctx context.Context) error {
			if err := s.store.DeleteUnpaid(ctx, deal.ID); err != nil {
				return err
			}
			dbtx.AfterCommit(ctx, func() { s.publish(ctx, events.DealDeleted, deal) })
			return nil
		}); derr != nil {
			s.logger.Warn("failed to remove deal after order failure", "dealId", deal.ID, "error", derr)
		}
		release()
		return nil, fmt.Errorf("initiate order for deal %s: %w", deal.ID, err)
	}

	return &GatewayDeal{Deal: deal, Order: order, KeyID: s.keyID}, nil
}

func (s *Service) prepare(ctx context.Context, callerID string, req CreateRequest, snap settings.Snapshot) (terms, error) {
	if err := validation.Validate(
		validation.Required("conversationId", req.ConversationID),
		validation.Required("counterpartId", req.CounterpartID),
		validation.Required("title", req.Title),
		validation.MaxLen("title", req.Title, maxTitleLen),
		validation.MaxLen("description", req.Description, maxDescriptionLen),
		validation.MaxLen("terms", req.Terms, maxDescriptionLen),
		validation.ValidAmount("amount", req.Amount),
	); err != nil {
		return terms{}, err
	}
	if req.CounterpartID == callerID {
		return terms{}, fmt.Errorf("%w: counterpart must differ from caller", ErrInvalidParticipants)
	}

	participants, err := s.directory.Participants(ctx, req.ConversationID)
	if err != nil {
		return terms{}, fmt.Errorf("resolve conversation %s: %w", req.ConversationID, err)
	}
	if !slices.Contains(participants, callerID) {
		return terms{}, ErrUnauthorized
	}
	if len(participants) != 2 || !slices.Contains(participants, req.CounterpartID) {
		return terms{}, ErrInvalidParticipants
	}

	gross, _ := money.Parse(req.Amount)
	fee, net := money.SplitFee(gross, snap.PlatformFeePercent)
	return terms{gross: gross, fee: fee, net: net}, nil
}

// acquire rejects an identical create within DuplicateWindow. A guard
// backend failure lets the request through. The returned release frees the
// claim so a create that failed can be retried at once.
func (s *Service) acquire(ctx context.Context, callerID string, req CreateRequest) (release func(), err error) {
	key := idempotency.Key("deal.create", callerID, req.ConversationID, req.CounterpartID, req.Title, req.Amount)
	ok, err := s.guard.Acquire(ctx, key, DuplicateWindow)
	if err != nil {
		s.logger.Warn("double-submit guard unavailable", "error", err)
		return func() {}, nil
	}
	if !ok {
		duplicateSubmissionsTotal.Inc()
		return nil, ErrDuplicateSubmission
	}
	return func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release double-submit guard", "error", err)
		}
	}, nil
}

func (s *Service) newDeal(callerID string, req CreateRequest, t terms, snap settings.Snapshot, source FundingSource) *Deal {
	now := s.now().UTC()
	deal := &Deal{
		ID:             idgen.WithPrefix("deal_"),
		ConversationID: req.ConversationID,
		ClientID:       callerID,
		VendorID:       req.CounterpartID,
		Title:          validation.SanitizeString(req.Title, maxTitleLen),
		Description:    validation.SanitizeString(req.Description, maxDescriptionLen),
		Terms:          validation.SanitizeString(req.Terms, maxDescriptionLen),
		GrossAmount:    t.gross,
		FeeAmount:      t.fee,
		FeePercent:     snap.PlatformFeePercent,
		NetAmount:      t.net,
		RefundedAmount: decimal.Zero,
		FundingSource:  source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if source == FundingWallet {
		deal.Status, deal.PaymentStatus = StatusActive, PaymentPaid
	} else {
		deal.Status, deal.PaymentStatus = StatusPendingPayment, PaymentPending
	}
	return deal
}

// Release pays percent of the deal's net to the vendor. The release that
// reaches 100% takes whatever is left so the releases sum to net exactly.
func (s *Service) Release(ctx context.Context, callerID, dealID string, percent int, note string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.UserID(callerID), traces.DealID(dealID))
	out, err := s.release(ctx, callerID, dealID, percent, note)
	traces.End(span, err)
	observeRelease(out, err)
	return out, err
}

func (s *Service) release(ctx context.Context, callerID, dealID string, percent int, note string) (*ReleaseResult, error) {
	if percent < 1 || percent > 100 {
		return nil, ErrInvalidPercent
	}
	deal, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if deal.Status != StatusActive {
		return nil, ErrInvalidStateTransition
	}

	var out *ReleaseResult
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		now := s.now().UTC()
		updated, err := s.store.AddReleased(ctx, dealID, percent, now)
		if errors.Is(err, errNotApplied) {
			return s.releaseRejection(ctx, dealID)
		}
		if err != nil {
			return fmt.Errorf("add release: %w", err)
		}

		prior, err := s.store.SumReleased(ctx, dealID)
		if err != nil {
			return err
		}
		amount := releaseAmount(updated, percent, prior)

		rel := &Release{
			ID:        idgen.WithPrefix("rel_"),
			DealID:    dealID,
			Percent:   percent,
			Amount:    amount,
			Note:      validation.SanitizeString(note, maxTitleLen),
			CreatedAt: now,
		}
		if err := s.store.InsertRelease(ctx, rel); err != nil {
			return fmt.Errorf("insert release: %w", err)
		}
		if amount.IsPositive() {
			if _, err := s.wallet.Credit(ctx, updated.VendorID, amount, ledger.KindEscrowRelease, dealID, map[string]any{
				"releaseId": rel.ID,
				"percent":   percent,
			}); err != nil {
				return err
			}
		}

		out = &ReleaseResult{Deal: updated, Release: rel}
		dbtx.AfterCommit(ctx, func() {
			s.publish(ctx, events.DealUpdated, updated)
			s.notifyParty(ctx, updated, updated.VendorID, "Escrow released",
				fmt.Sprintf("%s (%d%%) of %q was released to your wallet", money.Format(amount), percent, updated.Title),
				notify.SeveritySuccess)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// releaseRejection explains a release whose conditional update lost: the
// deal left active, or the percentage no longer fits.
func (s *Service) releaseRejection(ctx context.Context, dealID string) error {
	current, err := s.store.Get(ctx, dealID)
	if err != nil {
		return err
	}
	if current.Status != StatusActive {
		return ErrInvalidStateTransition
	}
	return fmt.Errorf("%w: %d%% remaining", ErrReleaseExceedsRemaining, 100-current.ReleasedPercent)
}

// releaseAmount is net × percent / 100, bounded by what is left. The final
// release takes the remainder.
func releaseAmount(deal *Deal, percent int, prior decimal.Decimal) decimal.Decimal {
	remaining := deal.NetAmount.Sub(prior)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	amount := money.PercentOf(deal.NetAmount, percent)
	if deal.ReleasedPercent == 100 || amount.GreaterThan(remaining) {
		amount = remaining
	}
	return amount
}

// CancelResult is the outcome of a cancellation. Unpaid deals are deleted
// instead of cancelled.
type CancelResult struct {
	Deal     *Deal           `json:"deal"`
	Refunded decimal.Decimal `json:"refunded"`
	Deleted  bool            `json:"deleted"`
}

// Cancel ends a deal on the client's request. A paid deal refunds the
// unreleased part of net to the client exactly once.
func (s *Service) Cancel(ctx context.Context, callerID, dealID string) (*CancelResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.UserID(callerID), traces.DealID(dealID))
	out, err := s.cancel(ctx, callerID, dealID)
	traces.End(span, err)
	observeCancel(out, err)
	return out, err
}

func (s *Service) cancel(ctx context.Context, callerID, dealID string) (*CancelResult, error) {
	deal, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if deal.IsTerminal() {
		return nil, ErrInvalidStateTransition
	}
	if deal.PaymentStatus == PaymentPending {
		if err := s.deleteUnpaid(ctx, deal); err != nil {
			return nil, err
		}
		return &CancelResult{Deal: deal, Refunded: decimal.Zero, Deleted: true}, nil
	}

	var out *CancelResult
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		now := s.now().UTC()
		cancelled, err := s.store.Cancel(ctx, dealID, now)
		if errors.Is(err, errNotApplied) {
			return ErrInvalidStateTransition
		}
		if err != nil {
			return fmt.Errorf("cancel deal: %w", err)
		}

		released, err := s.store.SumReleased(ctx, dealID)
		if err != nil {
			return err
		}
		refund := cancelled.NetAmount.Sub(released)
		if refund.IsPositive() {
			if err := s.store.SetRefunded(ctx, dealID, refund); err != nil {
				return fmt.Errorf("record refund: %w", err)
			}
			cancelled.RefundedAmount = refund
			if _, err := s.wallet.Credit(ctx, cancelled.ClientID, refund, ledger.KindCredit, dealID, map[string]any{
				"reason":          "escrow_cancelled",
				"releasedPercent": cancelled.ReleasedPercent,
			}); err != nil {
				return err
			}
		} else {
			refund = decimal.Zero
		}

		out = &CancelResult{Deal: cancelled, Refunded: refund}
		dbtx.AfterCommit(ctx, func() {
			s.publish(ctx, events.DealUpdated, cancelled)
			s.notifyParty(ctx, cancelled, cancelled.VendorID, "Escrow cancelled",
				fmt.Sprintf("%q was cancelled by the client", cancelled.Title), notify.SeverityWarning)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete hard-deletes an unpaid deal.
func (s *Service) Delete(ctx context.Context, callerID, dealID string) error {
	deal, err := s.store.Get(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.ClientID != callerID {
		return ErrUnauthorized
	}
	return s.deleteUnpaid(ctx, deal)
}

func (s *Service) deleteUnpaid(ctx context.Context, deal *Deal) error {
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		err := s.store.DeleteUnpaid(ctx, deal.ID)
		if errors.Is(err, errNotApplied) {
			if _, gerr := s.store.Get(ctx, deal.ID); gerr != nil {
				return gerr
			}
			return ErrInvalidStateTransition
		}
		return err
	})
	if err != nil {
		return err
	}
	dealTransitionsTotal.WithLabelValues("deleted").Inc()
	s.publish(ctx, events.DealDeleted, deal)
	return nil
}

// MarkPaid activates a gateway-funded deal. It is called by reconciliation
// inside its unit of work. ErrAlreadyPaid means another payment funded the
// deal first.
func (s *Service) MarkPaid(ctx context.Context, dealID string) (*Deal, error) {
	var out *Deal
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		deal, err := s.store.MarkPaid(ctx, dealID, s.now().UTC())
		if errors.Is(err, errNotApplied) {
			current, gerr := s.store.Get(ctx, dealID)
			if gerr != nil {
				return gerr
			}
			if current.PaymentStatus == PaymentPaid {
				return ErrAlreadyPaid
			}
			return ErrInvalidStateTransition
		}
		if err != nil {
			return fmt.Errorf("mark deal paid: %w", err)
		}

		out = deal
		dbtx.AfterCommit(ctx, func() {
			dealTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
			s.publish(ctx, events.DealUpdated, deal)
			s.notifyParty(ctx, deal, deal.VendorID, "Escrow funded",
				fmt.Sprintf("%q is funded and active", deal.Title), notify.SeveritySuccess)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a deal to one of its parties.
func (s *Service) Get(ctx context.Context, callerID, dealID string) (*Deal, error) {
	deal, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !deal.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	return deal, nil
}

// Releases returns a deal's release history to one of its parties.
func (s *Service) Releases(ctx context.Context, callerID, dealID string) ([]*Release, error) {
	if _, err := s.Get(ctx, callerID, dealID); err != nil {
		return nil, err
	}
	return s.store.ListReleases(ctx, dealID)
}

// ListForUser returns deals where the caller is client or vendor, newest
// first.
func (s *Service) ListForUser(ctx context.Context, callerID, cursor string, limit int) ([]*Deal, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.Clamp(limit)
	deals, err := s.store.ListForUser(ctx, callerID, c, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(deals, limit, dealKey)
	return page, next, nil
}

// ListForConversation returns a conversation's deals to one of its members.
func (s *Service) ListForConversation(ctx context.Context, callerID, conversationID, cursor string, limit int) ([]*Deal, string, error) {
	member, err := chat.IsMember(ctx, s.directory, conversationID, callerID)
	if err != nil {
		return nil, "", err
	}
	if !member {
		return nil, "", ErrUnauthorized
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.Clamp(limit)
	deals, err := s.store.ListForConversation(ctx, conversationID, c, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(deals, limit, dealKey)
	return page, next, nil
}

func dealKey(d *Deal) (time.Time, string) { return d.CreatedAt, d.ID }

func (s *Service) publish(ctx context.Context, name string, deal *Deal) {
	err := s.emitter.Emit(context.WithoutCancel(ctx), events.Event{
		Key:       events.RoomKey(deal.ConversationID),
		Name:      name,
		Payload:   deal,
		Timestamp: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to emit deal event", "event", name, "dealId", deal.ID, "error", err)
	}
}

func (s *Service) notifyParty(ctx context.Context, deal *Deal, userID, title, body string, severity notify.Severity) {
	err := s.notifier.Notify(context.WithoutCancel(ctx), notify.Notification{
		UserID:   userID,
		Title:    title,
		Body:     body,
		Severity: severity,
		Context: map[string]string{
			"dealId":         deal.ID,
			"conversationId": deal.ConversationID,
		},
	})
	if err != nil {
		s.logger.Warn("failed to notify deal party", "dealId", deal.ID, "userId", userID, "error", err)
	}
}

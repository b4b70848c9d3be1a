package payout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/events"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/notify"
	"github.com/mbd888/dealroom/internal/settings"
)

const user = "user_1"

var snap = settings.Snapshot{
	PlatformFeePercent: money.MustParse("0.10"),
	MinPayout:          money.MustParse("100.00"),
}

var bank = Destination{Method: MethodBank, AccountHolder: "A Vendor", AccountNumber: "123456789012", IFSC: "HDFC0001234"}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.Service
	events   *events.Recorder
	notifier *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := dbtx.NewMemoryRunner()
	led := ledger.NewService(ledger.NewMemoryStore(), runner, logging.Discard())
	store := NewMemoryStore()
	rec := &events.Recorder{}
	nr := &notify.Recorder{}
	svc := NewService(store, runner, led, logging.Discard()).WithEmitter(rec).WithNotifier(nr)
	return &fixture{svc: svc, store: store, ledger: led, events: rec, notifier: nr}
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), user, money.MustParse(amount), ledger.KindCredit, "topup", nil)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return money.Format(b)
}

func (f *fixture) request(t *testing.T, amount string) *Payout {
	t.Helper()
	p, err := f.svc.Request(context.Background(), user, RequestInput{Amount: amount, Destination: bank}, snap)
	require.NoError(t, err)
	return p
}

func TestRequest_DebitsWallet(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "500.00")

	p := f.request(t, "200.00")
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "300.00", f.balance(t))

	evs := f.events.Named(events.PayoutUpdated)
	require.Len(t, evs, 1)
	assert.Equal(t, events.UserKey(user), evs[0].Key)
	assert.Equal(t, "XXXXXXXX9012", evs[0].Payload.(*Payout).Destination.AccountNumber)
}

func TestRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "150.00")

	_, err := f.svc.Request(ctx, user, RequestInput{Amount: "50.00", Destination: bank}, snap)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = f.svc.Request(ctx, user, RequestInput{Amount: "200.00", Destination: bank}, snap)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bad := bank
	bad.IFSC = "hdfc1234"
	_, err = f.svc.Request(ctx, user, RequestInput{Amount: "120.00", Destination: bad}, snap)
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = f.svc.Request(ctx, user, RequestInput{Amount: "120.00", Destination: Destination{Method: "cheque"}}, snap)
	assert.ErrorIs(t, err, ErrInvalidDestination)

	assert.Equal(t, "150.00", f.balance(t), "rejected requests leave the wallet untouched")
	items, _, err := f.svc.ListForUser(ctx, user, "", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRequest_VPADestination(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "100.00")

	p, err := f.svc.Request(context.Background(), user, RequestInput{
		Amount:      "100.00",
		Destination: Destination{Method: MethodVPA, Address: "vendor@okbank"},
	}, snap)
	require.NoError(t, err)
	assert.Equal(t, MethodVPA, p.Destination.Method)
	assert.Equal(t, "0.00", f.balance(t))
}

func TestAdminTransition_FailureRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")

	processing, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusProcessing, GatewayPayoutID: "pout_1"})
	require.NoError(t, err)
	assert.Equal(t, "pout_1", processing.GatewayPayoutID)

	failed, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusProcessing, To: StatusFailed, Note: "bank rejected"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.NotNil(t, failed.RefundedAt)
	assert.NotNil(t, failed.ProcessedAt)
	assert.Equal(t, "bank rejected", failed.AdminNote)
	assert.Equal(t, "500.00", f.balance(t))

	_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusProcessing, To: StatusFailed})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "500.00", f.balance(t))
	assert.Len(t, f.notifier.Sent(user), 1)
}

func TestAdminTransition_Edges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")

	_, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusProcessing, To: StatusCompleted})
	assert.ErrorIs(t, err, ErrConflict, "payout is still pending")

	_, err = f.svc.AdminTransition(ctx, "po_missing", TransitionInput{From: StatusPending, To: StatusProcessing})
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusProcessing})
	require.NoError(t, err)
	done, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusProcessing, To: StatusCompleted})
	require.NoError(t, err)
	assert.Nil(t, done.RefundedAt)
	assert.Equal(t, "300.00", f.balance(t))

	_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusCompleted, To: StatusFailed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")

	_, err := f.svc.Cancel(ctx, "someone_else", p.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := f.svc.Cancel(ctx, user, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "500.00", f.balance(t))
	assert.Empty(t, f.notifier.Sent(user), "owner cancellations are not notified")

	_, err = f.svc.Cancel(ctx, user, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "500.00", f.balance(t))
}

func TestGatewayCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")
	_, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusProcessing, GatewayPayoutID: "pout_9"})
	require.NoError(t, err)

	out, err := f.svc.GatewayCallback(ctx, Ref{GatewayPayoutID: "pout_9"}, Outcome{Status: StatusFailed, Reason: "invalid account"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "500.00", f.balance(t))

	_, err = f.svc.GatewayCallback(ctx, Ref{PayoutID: p.ID}, Outcome{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, "500.00", f.balance(t))

	_, err = f.svc.GatewayCallback(ctx, Ref{PayoutID: p.ID}, Outcome{Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.GatewayCallback(ctx, Ref{GatewayPayoutID: "pout_unknown"}, Outcome{Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestGatewayCallback_ProcessedWhilePendingPassesThroughProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")

	out, err := f.svc.GatewayCallback(ctx, Ref{PayoutID: p.ID, GatewayPayoutID: "pout_3"}, Outcome{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "pout_3", out.GatewayPayoutID)
	assert.Equal(t, "300.00", f.balance(t))
	assert.Len(t, f.events.Named(events.PayoutUpdated), 3)
}

func TestConcurrentFailures_RefundExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "200.00")
	_, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusProcessing})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusProcessing, To: StatusFailed})
			} else {
				_, err = f.svc.GatewayCallback(ctx, Ref{PayoutID: p.ID}, Outcome{Status: StatusFailed})
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, "500.00", f.balance(t))
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "1000.00")
	a := f.request(t, "100.00")
	f.request(t, "150.00")
	_, err := f.svc.Cancel(ctx, user, a.ID)
	require.NoError(t, err)

	pending, _, err := f.svc.ListByStatus(ctx, StatusPending, "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	cancelled, _, err := f.svc.ListByStatus(ctx, StatusCancelled, "", 10)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.ID, cancelled[0].ID)

	_, _, err = f.svc.ListByStatus(ctx, "lost", "", 10)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestMasked(t *testing.T) {
	assert.Equal(t, "XXXXXXXX9012", bank.Masked().AccountNumber)
	assert.Equal(t, "123456789012", bank.AccountNumber)
	assert.Equal(t, "vendor@okbank", Destination{Method: MethodVPA, Address: "vendor@okbank"}.Masked().Address)
}

package payout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/testutil"
)

func newPostgresFixture(t *testing.T) *fixture {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	runner := dbtx.NewPostgresRunner(db)
	led := ledger.NewService(ledger.NewPostgresStore(db), runner, logging.Discard())
	store := NewPostgresStore(db)
	return &fixture{svc: NewService(store, runner, led, logging.Discard()), ledger: led}
}

func TestPostgresStore_RoundTripsDestination(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")

	p := f.request(t, "200.00")
	got, err := f.svc.Get(ctx, user, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, bank.IFSC, got.Destination.IFSC)
	assert.Equal(t, "200.00", money.Format(got.Amount))
	assert.Equal(t, "300.00", f.balance(t))

	_, err = f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusProcessing, GatewayPayoutID: "pout_1"})
	require.NoError(t, err)

	byGateway, err := f.svc.GatewayCallback(ctx, Ref{GatewayPayoutID: "pout_1"}, Outcome{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, p.ID, byGateway.ID)
	assert.NotNil(t, byGateway.ProcessedAt)
}

func TestPostgresStore_ConcurrentFailureRefundsOnce(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.fund(t, "500.00")
	p := f.request(t, "400.00")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.AdminTransition(ctx, p.ID, TransitionInput{From: StatusPending, To: StatusFailed, Note: "bank rejected"}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, "500.00", f.balance(t))
}

package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/chat"
	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/testutil"
)

func newPostgresFixture(t *testing.T) (*Service, *ledger.Service, *PostgresStore) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	runner := dbtx.NewPostgresRunner(db)
	led := ledger.NewService(ledger.NewPostgresStore(db), runner, logging.Discard())
	dir := chat.NewMemoryDirectory()
	dir.Put(conv, client, vendor)
	store := NewPostgresStore(db)
	return NewService(store, runner, led, dir, logging.Discard()), led, store
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	svc, led, store := newPostgresFixture(t)
	ctx := context.Background()

	_, err := led.Credit(ctx, client, amt("1000.00"), ledger.KindCredit, "topup", nil)
	require.NoError(t, err)

	deal, err := svc.CreateWalletFunded(ctx, client, createReq("1000.00"), snap)
	require.NoError(t, err)

	got, err := store.Get(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, "900.00", money.Format(got.NetAmount))
	assert.Equal(t, "0.1", got.FeePercent.String())

	_, err = svc.Release(ctx, client, deal.ID, 40, "")
	require.NoError(t, err)

	out, err := svc.Cancel(ctx, client, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, "540.00", money.Format(out.Refunded))

	clientBal, _ := led.Balance(ctx, client)
	vendorBal, _ := led.Balance(ctx, vendor)
	assert.Equal(t, "540.00", money.Format(clientBal))
	assert.Equal(t, "360.00", money.Format(vendorBal))

	releases, err := store.ListReleases(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, releases, 1)
}

func TestPostgresStore_InsufficientFundsRollsBackDeal(t *testing.T) {
	svc, led, store := newPostgresFixture(t)
	ctx := context.Background()

	_, err := led.Credit(ctx, client, amt("500.00"), ledger.KindCredit, "topup", nil)
	require.NoError(t, err)

	_, err = svc.CreateWalletFunded(ctx, client, createReq("1000.00"), snap)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	deals, err := store.ListForUser(ctx, client, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestPostgresStore_ConcurrentReleases(t *testing.T) {
	svc, led, _ := newPostgresFixture(t)
	ctx := context.Background()

	_, err := led.Credit(ctx, client, amt("1000.00"), ledger.KindCredit, "topup", nil)
	require.NoError(t, err)
	deal, err := svc.CreateWalletFunded(ctx, client, createReq("1000.00"), snap)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Release(ctx, client, deal.ID, 60, "")
			if err == nil {
				ok.Add(1)
				return
			}
			if !errors.Is(err, ErrReleaseExceedsRemaining) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	vendorBal, _ := led.Balance(ctx, vendor)
	assert.Equal(t, "540.00", money.Format(vendorBal))
}

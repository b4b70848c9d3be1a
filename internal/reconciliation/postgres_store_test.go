package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/gateway"
	"github.com/mbd888/dealroom/internal/ledger"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/testutil"
)

func TestPostgresStore_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	runner := dbtx.NewPostgresRunner(db)
	led := ledger.NewService(ledger.NewPostgresStore(db), runner, logging.Discard())
	sandbox := gateway.NewSandbox("key_test", "key_secret", "hook_secret")
	store := NewPostgresStore(db)
	svc := NewService(store, runner, sandbox, led, "INR", logging.Discard())
	ctx := context.Background()

	order, err := svc.Initiate(ctx, gateway.Subject{Type: gateway.SubjectWalletTopup, ID: "topup_pg", UserID: client}, money.MustParse("640.00"))
	require.NoError(t, err)
	p, sig, err := sandbox.Pay(order.ID, gateway.PaymentCaptured)
	require.NoError(t, err)
	body, hookSig := sandbox.CapturedWebhook(p)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = svc.ApplyVerifiedPayment(ctx, VerifyRequest{OrderID: order.ID, PaymentID: p.ID, Signature: sig})
			} else {
				err = svc.ApplyWebhook(ctx, body, hookSig)
			}
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	bal, err := led.Balance(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, "640.00", money.Format(bal))

	rec, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, rec.Status)
	assert.NotNil(t, rec.PaidAt)

	sum, err := store.SumProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "640.00", money.Format(sum))

	stale, err := store.ListStaleOrders(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

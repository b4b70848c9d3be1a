package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/logging"
	"github.com/mbd888/dealroom/internal/money"
	"github.com/mbd888/dealroom/internal/testutil"
)

func TestPostgresStore_ApplyAndAudit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), dbtx.NewPostgresRunner(db), logging.Discard())
	ctx := context.Background()

	_, err := svc.Credit(ctx, "alice", amt("500.00"), KindCredit, "topup", map[string]any{"source": "test"})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "alice", amt("1000.00"), KindDebit, "deal_1", nil)
	var detail *InsufficientFundsError
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, "500.00", money.Format(detail.Available))

	res, err := svc.Debit(ctx, "alice", amt("120.25"), KindDebit, "deal_2", nil)
	require.NoError(t, err)
	assert.Equal(t, "379.75", money.Format(res.NewBalance))

	entries, _, err := svc.History(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deal_2", entries[0].Reference)
	assert.Equal(t, "test", entries[1].Metadata["source"])

	report, err := svc.Audit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestPostgresStore_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), dbtx.NewPostgresRunner(db), logging.Discard())
	ctx := context.Background()
	_, err := svc.Credit(ctx, "alice", amt("100.00"), KindCredit, "", nil)
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, "alice", amt("10.00"), KindPayout, "", nil); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	bal, _ := svc.Balance(ctx, "alice")
	assert.True(t, bal.IsZero())
	report, err := svc.Audit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

package dbtx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunner_RollbackRunsUndosInReverse(t *testing.T) {
	r := NewMemoryRunner()
	var order []int

	boom := errors.New("boom")
	err := r.InTx(context.Background(), func(ctx context.Context) error {
		assert.True(t, InUnit(ctx))
		OnRollback(ctx, func() { order = append(order, 1) })
		OnRollback(ctx, func() { order = append(order, 2) })
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2, 1}, order)
}

func TestMemoryRunner_CommitDropsUndos(t *testing.T) {
	r := NewMemoryRunner()
	called := false

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { called = true })
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestMemoryRunner_NestedJoinsOuterUnit(t *testing.T) {
	r := NewMemoryRunner()
	undone := 0

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { undone++ })
		// Would deadlock if the nested call tried to take the mutex again.
		if err := r.InTx(ctx, func(inner context.Context) error {
			OnRollback(inner, func() { undone++ })
			return nil
		}); err != nil {
			return err
		}
		return fmt.Errorf("outer fails")
	})

	require.Error(t, err)
	assert.Equal(t, 2, undone)
}

func TestMemoryRunner_PanicRollsBack(t *testing.T) {
	r := NewMemoryRunner()
	undone := false

	assert.Panics(t, func() {
		_ = r.InTx(context.Background(), func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = true })
			panic("store bug")
		})
	})
	assert.True(t, undone)

	// Mutex must have been released.
	require.NoError(t, r.InTx(context.Background(), func(context.Context) error { return nil }))
}

func TestMemoryRunner_SerializesUnits(t *testing.T) {
	r := NewMemoryRunner()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.InTx(context.Background(), func(context.Context) error {
				v := counter
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestOnRollback_OutsideUnitIsNoop(t *testing.T) {
	assert.False(t, InUnit(context.Background()))
	OnRollback(context.Background(), func() { t.Fatal("must not run") })
}

func TestAfterCommit(t *testing.T) {
	r := NewMemoryRunner()

	var ran []string
	err := r.InTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "outer") })
		return r.InTx(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { ran = append(ran, "inner") })
			assert.Empty(t, ran)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, ran)

	ran = nil
	err = r.InTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "dropped") })
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Empty(t, ran)

	AfterCommit(context.Background(), func() { ran = append(ran, "now") })
	assert.Equal(t, []string{"now"}, ran)
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsCheckViolation(err))
	assert.True(t, IsCheckViolation(&pq.Error{Code: "23514"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

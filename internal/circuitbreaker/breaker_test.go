package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("gw")
		assert.True(t, b.Allow("gw"))
	}
	b.RecordFailure("gw")
	assert.Equal(t, StateOpen, b.State("gw"))
	assert.False(t, b.Allow("gw"))
	assert.True(t, b.Allow("other"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1, time.Minute)
	b.RecordFailure("gw")

	c.t = c.t.Add(time.Minute)
	assert.True(t, b.Allow("gw"))
	assert.Equal(t, StateHalfOpen, b.State("gw"))
	assert.False(t, b.Allow("gw"), "only one probe while half-open")

	b.RecordSuccess("gw")
	assert.Equal(t, StateClosed, b.State("gw"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(1, time.Minute)
	b.RecordFailure("gw")
	c.t = c.t.Add(time.Minute)
	assert.True(t, b.Allow("gw"))

	b.RecordFailure("gw")
	assert.Equal(t, StateOpen, b.State("gw"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	rejected := errors.New("400 bad request")
	transient := errors.New("502 bad gateway")
	b.IsFailure = func(err error) bool { return errors.Is(err, transient) }

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute("gw", func() error { return rejected }), rejected)
	}
	assert.Equal(t, StateClosed, b.State("gw"), "rejections do not trip the circuit")

	_ = b.Execute("gw", func() error { return transient })
	_ = b.Execute("gw", func() error { return transient })
	assert.Equal(t, StateOpen, b.State("gw"))

	called := false
	err := b.Execute("gw", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

// Package events fans domain events out to real-time subscribers.
//
// Emission is fire-and-forget from the caller's point of view: services
// emit after their unit of work commits and only log a failure.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event names.
const (
	DealCreated   = "deal.created"
	DealUpdated   = "deal.updated"
	DealDeleted   = "deal.deleted"
	PayoutUpdated = "payout.updated"
	WalletUpdated = "wallet.updated"
)

// Event is a named payload addressed to a room or user key.
type Event struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomKey addresses everyone in a conversation.
func RoomKey(conversationID string) string { return "conversation:" + conversationID }

// UserKey addresses a single user.
func UserKey(userID string) string { return "user:" + userID }

// Emitter delivers events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Multi emits to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

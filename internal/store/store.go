// Package store persists envelopes and their per-domain delivery states.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
)

var (
	// ErrNotFound is returned when an envelope or state does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned by PersistState when the stored state is
	// already Delivered or Bounced. Terminal states are never rewritten.
	ErrTerminal = errors.New("state is terminal")
)

// EndOfTime is a ListDue bound that matches every waiting state.
var EndOfTime = time.Unix(0, math.MaxInt64).UTC()

// PersistenceError reports that the backing store could not complete an
// operation. The operation's effect is unknown to the caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminal) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Filter selects states for listing. Zero fields match everything.
type Filter struct {
	Status     scheduler.Status
	Domain     string
	EnvelopeID string
	Limit      int
}

func (f Filter) match(s scheduler.State) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Domain != "" && s.Domain != f.Domain {
		return false
	}
	if f.EnvelopeID != "" && s.EnvelopeID != f.EnvelopeID {
		return false
	}
	return true
}

// Store is the envelope and state store used by the queue manager.
type Store interface {
	// SaveEnvelope atomically stores a new envelope with its states.
	SaveEnvelope(ctx context.Context, env *envelope.Envelope, states []scheduler.State) error
	// Load returns an envelope.
	Load(ctx context.Context, envelopeID string) (*envelope.Envelope, error)
	// PersistState overwrites an existing state. A stored terminal state
	// is left as it is and ErrTerminal is returned.
	PersistState(ctx context.Context, s scheduler.State) error
	// LoadState returns a single state.
	LoadState(ctx context.Context, id string) (scheduler.State, error)
	// States returns every state of an envelope.
	States(ctx context.Context, envelopeID string) ([]scheduler.State, error)
	// List returns states matching a filter, ordered by next attempt.
	List(ctx context.Context, f Filter) ([]scheduler.State, error)
	// ListDue yields non-terminal states whose next attempt is at or before
	// the given time, ordered by next attempt. The sequence is lazy and may
	// be ranged over more than once.
	ListDue(ctx context.Context, before time.Time) iter.Seq2[scheduler.State, error]
	// Delete removes an envelope and its states. Deleting a missing
	// envelope is not an error.
	Delete(ctx context.Context, envelopeID string) error
	// Close releases the store.
	Close() error
}

// Open opens a store for the given driver. The memory driver ignores dsn.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	if driver == "memory" {
		return NewMemoryStore(), nil
	}
	return OpenSQL(ctx, driver, dsn, opts...)
}

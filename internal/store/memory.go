package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
)

// MemoryStore is a Store kept in process memory. Nothing survives a
// restart.
type MemoryStore struct {
	mu        sync.RWMutex
	envelopes map[string]envelope.Envelope
	states    map[string]scheduler.State
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes: make(map[string]envelope.Envelope),
		states:    make(map[string]scheduler.State),
	}
}

func (m *MemoryStore) SaveEnvelope(ctx context.Context, env *envelope.Envelope, states []scheduler.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[env.ID]; ok {
		return &PersistenceError{Op: "save envelope", Err: fmt.Errorf("envelope %s already exists", env.ID)}
	}
	for _, st := range states {
		if _, ok := m.states[st.ID]; ok {
			return &PersistenceError{Op: "save envelope", Err: fmt.Errorf("state %s already exists", st.ID)}
		}
	}

	e := *env
	e.Recipients = slices.Clone(env.Recipients)
	m.envelopes[env.ID] = e
	for _, st := range states {
		m.states[st.ID] = st.Clone()
	}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, envelopeID string) (*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.envelopes[envelopeID]
	if !ok {
		return nil, fmt.Errorf("envelope %s: %w", envelopeID, ErrNotFound)
	}
	e.Recipients = slices.Clone(e.Recipients)
	return &e, nil
}

func (m *MemoryStore) PersistState(ctx context.Context, st scheduler.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[st.ID]
	if !ok {
		return fmt.Errorf("state %s: %w", st.ID, ErrNotFound)
	}
	if cur.IsTerminal() {
		return fmt.Errorf("state %s is %s: %w", st.ID, cur.Status, ErrTerminal)
	}
	m.states[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) LoadState(ctx context.Context, id string) (scheduler.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[id]
	if !ok {
		return scheduler.State{}, fmt.Errorf("state %s: %w", id, ErrNotFound)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) States(ctx context.Context, envelopeID string) ([]scheduler.State, error) {
	return m.List(ctx, Filter{EnvelopeID: envelopeID})
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]scheduler.State, error) {
	out := m.snapshot(f.match)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListDue takes a snapshot each time the sequence is ranged over.
func (m *MemoryStore) ListDue(ctx context.Context, before time.Time) iter.Seq2[scheduler.State, error] {
	return func(yield func(scheduler.State, error) bool) {
		due := m.snapshot(func(st scheduler.State) bool {
			return !st.IsTerminal() && !st.NextAttempt.After(before)
		})
		for _, st := range due {
			if err := ctx.Err(); err != nil {
				yield(scheduler.State{}, err)
				return
			}
			if !yield(st, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Delete(ctx context.Context, envelopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.envelopes, envelopeID)
	for id, st := range m.states {
		if st.EnvelopeID == envelopeID {
			delete(m.states, id)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) snapshot(keep func(scheduler.State) bool) []scheduler.State {
	m.mu.RLock()
	out := make([]scheduler.State, 0, len(m.states))
	for _, st := range m.states {
		if keep(st) {
			out = append(out, st.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttempt.Equal(out[j].NextAttempt) {
			return out[i].NextAttempt.Before(out[j].NextAttempt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

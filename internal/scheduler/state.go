package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/envelope"
)

// Status is the lifecycle status of a delivery state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusDeferred  Status = "deferred"
	StatusBounced   Status = "bounced"
	StatusDelivered Status = "delivered"
)

// Terminal reports whether no further attempts are made in this status.
func (s Status) Terminal() bool {
	return s == StatusBounced || s == StatusDelivered
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInFlight, StatusDeferred, StatusBounced, StatusDelivered:
		return true
	}
	return false
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Failure records why a recipient or state failed.
type Failure struct {
	delivery.Outcome
	At time.Time `json:"at"`
}

// BouncedRecipient is a recipient that will not be attempted again.
type BouncedRecipient struct {
	Recipient string  `json:"recipient"`
	Failure   Failure `json:"failure"`
}

// State is the delivery state of one envelope for one destination domain.
type State struct {
	ID                 string             `json:"id"`
	EnvelopeID         string             `json:"envelope_id"`
	Domain             string             `json:"domain"`
	Pending            []string           `json:"pending"`
	Delivered          []string           `json:"delivered,omitempty"`
	Bounced            []BouncedRecipient `json:"bounced,omitempty"`
	Status             Status             `json:"status"`
	Attempts           int                `json:"attempts"`
	ResolutionFailures int                `json:"resolution_failures"`
	NextAttempt        time.Time          `json:"next_attempt"`
	LastFailure        *Failure           `json:"last_failure,omitempty"`
	ExpiresAt          time.Time          `json:"expires_at"`
	DelayWarned        bool               `json:"delay_warned"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewState creates a Queued state for one domain group of an envelope. It is
// due immediately and expires after horizon.
func NewState(envelopeID string, group envelope.DomainGroup, now time.Time, horizon time.Duration) State {
	now = now.UTC()
	return State{
		ID:          uuid.New().String(),
		EnvelopeID:  envelopeID,
		Domain:      group.Domain,
		Pending:     slices.Clone(group.Recipients),
		Status:      StatusQueued,
		NextAttempt: now,
		ExpiresAt:   now.Add(horizon),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the state is Bounced or Delivered.
func (s State) IsTerminal() bool {
	return s.Status.Terminal()
}

// Due reports whether the state may be dispatched at now. A state past its
// deadline is never due; the next tick bounces it.
func (s State) Due(now time.Time) bool {
	return s.Status == StatusQueued && !s.NextAttempt.After(now) && !s.PastDeadline(now)
}

// PastDeadline reports whether now, or the next attempt, lies after the
// state's expiry.
func (s State) PastDeadline(now time.Time) bool {
	return now.After(s.ExpiresAt) || s.NextAttempt.After(s.ExpiresAt)
}

// Recipients returns every recipient of the state, in no particular order.
func (s State) Recipients() []string {
	out := make([]string, 0, len(s.Pending)+len(s.Delivered)+len(s.Bounced))
	out = append(out, s.Pending...)
	out = append(out, s.Delivered...)
	for _, b := range s.Bounced {
		out = append(out, b.Recipient)
	}
	return out
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Pending = slices.Clone(s.Pending)
	c.Delivered = slices.Clone(s.Delivered)
	c.Bounced = slices.Clone(s.Bounced)
	if s.LastFailure != nil {
		f := *s.LastFailure
		c.LastFailure = &f
	}
	return c
}

// Validate checks the structural invariants of a state.
func (s State) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if s.EnvelopeID == "" {
		errs = append(errs, errors.New("missing envelope id"))
	}
	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("invalid status %q", s.Status))
	}
	if s.IsTerminal() && len(s.Pending) > 0 {
		errs = append(errs, fmt.Errorf("%s state has %d pending recipients", s.Status, len(s.Pending)))
	}
	if !s.IsTerminal() && len(s.Pending) == 0 {
		errs = append(errs, fmt.Errorf("%s state has no pending recipients", s.Status))
	}
	if s.Status == StatusDelivered && len(s.Bounced) > 0 {
		errs = append(errs, errors.New("delivered state has bounced recipients"))
	}

	seen := make(map[string]struct{})
	for _, r := range s.Recipients() {
		if _, dup := seen[r]; dup {
			errs = append(errs, fmt.Errorf("recipient %s appears more than once", r))
		}
		seen[r] = struct{}{}
	}
	return errors.Join(errs...)
}

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/elemta-queue/internal/delivery"
)

// ErrNotInFlight is returned when an outcome is applied to a state that is
// not being attempted.
var ErrNotInFlight = errors.New("state is not in flight")

// Effects describes what a transition did beyond changing the state.
type Effects struct {
	// Delivered lists recipients delivered by this transition.
	Delivered []string
	// Bounced lists recipients bounced by this transition; a DSN is owed
	// for them.
	Bounced []BouncedRecipient
	// DelayWarning is set the one time a delay notification is owed.
	DelayWarning bool
	// Terminal is set when the state became Bounced or Delivered.
	Terminal bool
	// Expired is set when the state bounced because its deadline passed.
	Expired bool
}

// Apply computes the state that follows an attempt result. Applying to a
// terminal state is a no-op; applying to a state that is not InFlight fails
// with ErrNotInFlight.
func (p Policy) Apply(s State, res delivery.Result, now time.Time) (State, Effects, error) {
	if s.IsTerminal() {
		return s, Effects{}, nil
	}
	if s.Status != StatusInFlight {
		return s, Effects{}, fmt.Errorf("%w: state %s is %s", ErrNotInFlight, s.ID, s.Status)
	}

	now = now.UTC()
	next := s.Clone()
	next.UpdatedAt = now

	if res.Outcome.Reason == delivery.ReasonResolution && res.Outcome.Kind != delivery.PermanentFailure {
		next.ResolutionFailures++
		if next.ResolutionFailures >= p.ResolutionAttempts {
			o := res.Outcome
			o.Kind = delivery.PermanentFailure
			o.Message = fmt.Sprintf("no usable endpoints after %d resolution attempts: %s", next.ResolutionFailures, o.Message)
			res = delivery.Uniform(o, s.Pending)
		}
	} else {
		next.ResolutionFailures = 0
	}

	var (
		fx          Effects
		stillQueued []string
		lastFailure *Failure
	)
	for _, rcpt := range s.Pending {
		o := res.For(rcpt)
		switch o.Kind {
		case delivery.Delivered:
			next.Delivered = append(next.Delivered, rcpt)
			fx.Delivered = append(fx.Delivered, rcpt)
		case delivery.PermanentFailure:
			b := BouncedRecipient{Recipient: rcpt, Failure: Failure{Outcome: o, At: now}}
			next.Bounced = append(next.Bounced, b)
			fx.Bounced = append(fx.Bounced, b)
			if lastFailure == nil {
				lastFailure = &b.Failure
			}
		default:
			if o.Kind == 0 {
				o.Kind = delivery.TransientFailure
			}
			stillQueued = append(stillQueued, rcpt)
			if lastFailure == nil || lastFailure.Kind == delivery.PermanentFailure {
				lastFailure = &Failure{Outcome: o, At: now}
			}
		}
	}
	next.Pending = stillQueued
	if lastFailure != nil {
		next.LastFailure = lastFailure
	}

	if len(next.Pending) == 0 {
		next.Attempts++
		next.Status = StatusDelivered
		if len(next.Bounced) > 0 {
			next.Status = StatusBounced
		}
		fx.Terminal = true
		return next, fx, nil
	}

	base := now
	if s.NextAttempt.After(base) {
		base = s.NextAttempt
	}
	next.NextAttempt = base.Add(p.Backoff(s.Attempts))
	next.Attempts++
	next.Status = StatusDeferred

	if p.DelayWarningAfter > 0 && !next.DelayWarned && now.Sub(s.CreatedAt) >= p.DelayWarningAfter {
		next.DelayWarned = true
		fx.DelayWarning = true
	}
	return next, fx, nil
}

// Tick advances a waiting state: Deferred states whose time has come become
// Queued, and Queued or Deferred states past their deadline, or scheduled
// beyond it, bounce as expired. Other states are returned unchanged.
func (p Policy) Tick(s State, now time.Time) (State, Effects) {
	if s.Status != StatusQueued && s.Status != StatusDeferred {
		return s, Effects{}
	}

	now = now.UTC()
	if s.PastDeadline(now) {
		return expire(s, now)
	}

	if s.Status == StatusDeferred && !now.Before(s.NextAttempt) {
		next := s.Clone()
		next.Status = StatusQueued
		next.UpdatedAt = now
		return next, Effects{}
	}
	return s, Effects{}
}

func expire(s State, now time.Time) (State, Effects) {
	msg := "delivery time expired"
	if s.LastFailure != nil && s.LastFailure.Message != "" {
		msg = fmt.Sprintf("%s; last error: %s", msg, s.LastFailure.Message)
	}
	f := Failure{At: now, Outcome: delivery.Outcome{
		Kind:    delivery.PermanentFailure,
		Reason:  delivery.ReasonExpired,
		Message: msg,
	}}
	if s.LastFailure != nil {
		f.Code = s.LastFailure.Code
		f.EnhancedCode = s.LastFailure.EnhancedCode
		f.Endpoint = s.LastFailure.Endpoint
	}

	next := s.Clone()
	fx := Effects{Terminal: true, Expired: true}
	for _, rcpt := range s.Pending {
		b := BouncedRecipient{Recipient: rcpt, Failure: f}
		next.Bounced = append(next.Bounced, b)
		fx.Bounced = append(fx.Bounced, b)
	}
	next.Pending = nil
	next.Status = StatusBounced
	next.LastFailure = &f
	next.UpdatedAt = now
	return next, fx
}

// Requeue returns an InFlight state to Queued without counting an attempt.
// It is used when an attempt was abandoned, for example at shutdown or on
// recovery after a crash.
func Requeue(s State, now time.Time) State {
	if s.Status != StatusInFlight {
		return s
	}
	next := s.Clone()
	next.Status = StatusQueued
	next.UpdatedAt = now.UTC()
	return next
}

// Reschedule makes a Deferred or Queued state due at now.
func Reschedule(s State, now time.Time) State {
	if s.Status != StatusDeferred && s.Status != StatusQueued {
		return s
	}
	now = now.UTC()
	next := s.Clone()
	next.Status = StatusQueued
	if next.NextAttempt.After(now) {
		next.NextAttempt = now
	}
	next.UpdatedAt = now
	return next
}

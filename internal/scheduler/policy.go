package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// minBackoff is the smallest interval between two attempts, so that every
// failure moves the next attempt strictly forward.
const minBackoff = time.Millisecond

// Policy holds the retry parameters. Its methods are pure apart from the
// jitter source.
type Policy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptCap bounds the exponent of the backoff.
	AttemptCap int
	// Jitter is the fraction of the backoff added at random, in [0, 1].
	Jitter float64
	// Expiry is the horizon after which undelivered recipients bounce.
	Expiry time.Duration
	// ResolutionAttempts is the number of consecutive resolution failures
	// tolerated before the pending recipients bounce.
	ResolutionAttempts int
	// DelayWarningAfter is the age after which a deferral triggers a
	// one-time delay notification. Zero disables warnings.
	DelayWarningAfter time.Duration

	// Random returns a number in [0, 1). Nil uses math/rand/v2.
	Random func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseBackoff:        time.Minute,
		MaxBackoff:         4 * time.Hour,
		AttemptCap:         10,
		Jitter:             0.2,
		Expiry:             5 * 24 * time.Hour,
		ResolutionAttempts: 3,
		DelayWarningAfter:  4 * time.Hour,
	}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	var errs []error
	if p.BaseBackoff <= 0 {
		errs = append(errs, errors.New("base backoff must be positive"))
	}
	if p.MaxBackoff < p.BaseBackoff {
		errs = append(errs, fmt.Errorf("max backoff %s is below base backoff %s", p.MaxBackoff, p.BaseBackoff))
	}
	if p.AttemptCap < 0 || p.AttemptCap > 62 {
		errs = append(errs, fmt.Errorf("attempt cap %d out of range [0, 62]", p.AttemptCap))
	}
	if p.Jitter < 0 || p.Jitter > 1 || math.IsNaN(p.Jitter) {
		errs = append(errs, fmt.Errorf("jitter %v out of range [0, 1]", p.Jitter))
	}
	if p.Expiry <= 0 {
		errs = append(errs, errors.New("expiry must be positive"))
	}
	if p.ResolutionAttempts < 1 {
		errs = append(errs, errors.New("resolution attempts must be at least 1"))
	}
	if p.DelayWarningAfter < 0 {
		errs = append(errs, errors.New("delay warning must not be negative"))
	}
	return errors.Join(errs...)
}

// Backoff returns the interval before the attempt following attempts
// failures: base * 2^min(attempts, cap) plus up to Jitter of that, bounded
// by MaxBackoff.
func (p Policy) Backoff(attempts int) time.Duration {
	exp := min(max(attempts, 0), max(p.AttemptCap, 0))

	d := float64(p.BaseBackoff) * math.Pow(2, float64(exp))
	if p.Jitter > 0 {
		d += d * p.Jitter * p.random()
	}

	var out time.Duration
	switch {
	case p.MaxBackoff > 0 && d >= float64(p.MaxBackoff):
		out = p.MaxBackoff
	case d >= float64(math.MaxInt64/2) || math.IsNaN(d):
		out = math.MaxInt64 / 2
	default:
		out = time.Duration(d)
	}
	return max(out, minBackoff)
}

func (p Policy) random() float64 {
	if p.Random != nil {
		return p.Random()
	}
	return rand.Float64()
}

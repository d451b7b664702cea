package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEnvelope is returned (wrapped) for envelopes that cannot be queued.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// InvalidEnvelopeError describes why an envelope was rejected.
type InvalidEnvelopeError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid envelope: %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidEnvelopeError) Unwrap() error {
	return ErrInvalidEnvelope
}

// Envelope is a queued message: who it is from, who it goes to and where its
// content lives. It is not modified after it has been accepted.
type Envelope struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	BlobRef    string    `json:"blob_ref"`
	CreatedAt  time.Time `json:"created_at"`

	// NonBounceEligible is set on generated notifications. A failure to
	// deliver such an envelope never produces another notification.
	NonBounceEligible bool `json:"non_bounce_eligible,omitempty"`

	// DSNFor is the id of the envelope a notification reports on.
	DSNFor string `json:"dsn_for,omitempty"`
}

// DomainGroup is the set of recipients of an envelope that share a
// destination domain.
type DomainGroup struct {
	Domain     string
	Recipients []string
}

// New builds a validated envelope with a fresh id. Recipients are
// normalized and deduplicated, keeping their first-seen order.
func New(sender string, recipients []string, blobRef string, now time.Time) (*Envelope, error) {
	env := &Envelope{
		ID:         uuid.New().String(),
		Sender:     sender,
		Recipients: recipients,
		BlobRef:    blobRef,
		CreatedAt:  now.UTC(),
	}
	if err := env.Normalize(); err != nil {
		return nil, err
	}
	return env, nil
}

// IsNullSender reports whether the envelope has the null reverse path.
func (e *Envelope) IsNullSender() bool {
	s := strings.TrimSpace(e.Sender)
	return s == "" || s == "<>"
}

// BounceEligible reports whether a failure notification may be sent for
// this envelope.
func (e *Envelope) BounceEligible() bool {
	return !e.NonBounceEligible && !e.IsNullSender()
}

// Normalize validates the envelope and rewrites its sender and recipients
// into canonical form.
func (e *Envelope) Normalize() error {
	if e.IsNullSender() {
		e.Sender = ""
	} else {
		a, err := ParseAddress(e.Sender)
		if err != nil {
			return &InvalidEnvelopeError{Field: "sender", Value: e.Sender, Reason: err.Error()}
		}
		e.Sender = a.String()
	}

	if len(e.Recipients) == 0 {
		return &InvalidEnvelopeError{Field: "recipients", Reason: "at least one recipient is required"}
	}

	seen := make(map[string]struct{}, len(e.Recipients))
	out := make([]string, 0, len(e.Recipients))
	for _, rcpt := range e.Recipients {
		a, err := ParseAddress(rcpt)
		if err != nil {
			return &InvalidEnvelopeError{Field: "recipient", Value: rcpt, Reason: err.Error()}
		}
		key := a.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	e.Recipients = out

	if e.BlobRef == "" {
		return &InvalidEnvelopeError{Field: "blob_ref", Reason: "content reference is required"}
	}
	return nil
}

// Validate checks an envelope without modifying it.
func (e *Envelope) Validate() error {
	c := *e
	c.Recipients = append([]string(nil), e.Recipients...)
	return c.Normalize()
}

// SplitByDomain groups recipients by destination domain, in order of first
// appearance. Recipients must already be normalized.
func (e *Envelope) SplitByDomain() []DomainGroup {
	var groups []DomainGroup
	index := make(map[string]int)

	for _, rcpt := range e.Recipients {
		domain := DomainOf(rcpt)
		i, ok := index[domain]
		if !ok {
			i = len(groups)
			index[domain] = i
			groups = append(groups, DomainGroup{Domain: domain})
		}
		groups[i].Recipients = append(groups[i].Recipients, rcpt)
	}
	return groups
}

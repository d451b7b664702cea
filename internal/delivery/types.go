package delivery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Kind classifies the outcome of a delivery attempt. The set is closed.
type Kind int

const (
	// Delivered means the remote side accepted responsibility for the message.
	Delivered Kind = iota + 1
	// TransientFailure means the attempt should be retried later.
	TransientFailure
	// PermanentFailure means no further attempts are made for the recipients.
	PermanentFailure
	// EndpointExhausted means every candidate endpoint failed transiently in
	// this attempt cycle. It is retried at the next scheduled attempt.
	EndpointExhausted
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	case EndpointExhausted:
		return "endpoint_exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transient reports whether the kind leads to a retry.
func (k Kind) Transient() bool {
	return k == TransientFailure || k == EndpointExhausted
}

func (k Kind) severity() int {
	switch k {
	case PermanentFailure:
		return 3
	case TransientFailure, EndpointExhausted:
		return 2
	case Delivered:
		return 1
	default:
		return 0
	}
}

// Reason says what kind of failure produced an outcome.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeout     Reason = "timeout"
	ReasonTransport   Reason = "transport"
	ReasonProtocol    Reason = "protocol"
	ReasonResolution  Reason = "resolution"
	ReasonBreakerOpen Reason = "breaker_open"
	ReasonLocal       Reason = "local"
	ReasonExpired     Reason = "expired"
)

// Outcome is the classified result of an attempt, for a whole domain or a
// single recipient.
type Outcome struct {
	Kind         Kind   `json:"kind"`
	Reason       Reason `json:"reason,omitempty"`
	Code         int    `json:"code,omitempty"`
	EnhancedCode string `json:"enhanced_code,omitempty"`
	Message      string `json:"message,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
}

func (o Outcome) String() string {
	switch {
	case o.Code != 0 && o.EnhancedCode != "":
		return fmt.Sprintf("%s: %d %s %s", o.Kind, o.Code, o.EnhancedCode, o.Message)
	case o.Code != 0:
		return fmt.Sprintf("%s: %d %s", o.Kind, o.Code, o.Message)
	case o.Reason != ReasonNone:
		return fmt.Sprintf("%s (%s): %s", o.Kind, o.Reason, o.Message)
	default:
		return o.Kind.String()
	}
}

// moreSevere returns whichever outcome ranks higher; a wins ties.
func moreSevere(a, b Outcome) Outcome {
	if b.Kind.severity() > a.Kind.severity() {
		return b
	}
	return a
}

// Endpoint is a candidate host for a destination domain.
type Endpoint struct {
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Priority int    `json:"priority" toml:"priority"`
}

// Address returns host:port, using defaultPort when the endpoint has none.
func (e Endpoint) Address(defaultPort int) string {
	port := e.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// AttemptRecord describes one endpoint tried during an attempt. It is not
// persisted.
type AttemptRecord struct {
	Endpoint Endpoint  `json:"endpoint"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Outcome  Outcome   `json:"outcome"`
}

// Result is what the executor reports for one attempt at a domain.
// Recipients holds an outcome for every recipient that was attempted.
type Result struct {
	Outcome    Outcome            `json:"outcome"`
	Recipients map[string]Outcome `json:"recipients,omitempty"`
	Endpoint   *Endpoint          `json:"endpoint,omitempty"`
	Attempts   []AttemptRecord    `json:"attempts,omitempty"`
}

// For returns the outcome for a recipient, falling back to the aggregate.
func (r Result) For(rcpt string) Outcome {
	if o, ok := r.Recipients[rcpt]; ok {
		return o
	}
	return r.Outcome
}

// Final reports whether any recipient reached a final outcome, delivered or
// permanently failed. Such a result has to be recorded even when the attempt
// was cut short afterwards.
func (r Result) Final() bool {
	final := func(o Outcome) bool {
		return o.Kind == Delivered || o.Kind == PermanentFailure
	}
	if final(r.Outcome) {
		return true
	}
	for _, o := range r.Recipients {
		if final(o) {
			return true
		}
	}
	return false
}

// Uniform builds a result where every recipient shares the same outcome.
func Uniform(o Outcome, rcpts []string) Result {
	res := Result{Outcome: o, Recipients: make(map[string]Outcome, len(rcpts))}
	for _, r := range rcpts {
		res.Recipients[r] = o
	}
	return res
}

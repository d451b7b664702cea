package delivery

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/busybox42/elemta-queue/internal/envelope"
)

// ContentOpener gives the executor access to message content by blob
// reference.
type ContentOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Dialer opens transport connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures the executor.
type Config struct {
	// HeloName is announced in EHLO.
	HeloName string
	// Port is used for endpoints that do not carry one.
	Port int
	// ConnectTimeout bounds the TCP connect to a single endpoint.
	ConnectTimeout time.Duration
	// EndpointTimeout bounds the whole session with a single endpoint.
	EndpointTimeout time.Duration
	// StartTLS enables opportunistic STARTTLS.
	StartTLS bool
	// VerifyTLS requires a valid certificate when STARTTLS is used.
	VerifyTLS bool

	Replies ReplyPolicy
	Breaker BreakerConfig
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		HeloName:        "localhost",
		Port:            25,
		ConnectTimeout:  30 * time.Second,
		EndpointTimeout: 5 * time.Minute,
		StartTLS:        true,
		Replies:         DefaultReplyPolicy(),
		Breaker:         DefaultBreakerConfig(),
	}
}

// Executor performs delivery attempts. It reports outcomes and never
// touches queue state.
type Executor struct {
	cfg      Config
	resolver Resolver
	content  ContentOpener
	dialer   Dialer
	breakers *breakerSet
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, resolver Resolver, content ContentOpener, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	logger = logger.With("component", "delivery")

	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		content:  content,
		dialer:   &net.Dialer{Timeout: cfg.ConnectTimeout},
		breakers: newBreakerSet(cfg.Breaker, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// SetDialer replaces the dialer used for outbound connections.
func (e *Executor) SetDialer(d Dialer) {
	e.dialer = d
}

// BreakerState returns the circuit breaker state for an endpoint host.
func (e *Executor) BreakerState(host string) string {
	return e.breakers.state(host)
}

// Attempt tries to deliver an envelope to the given recipients of one
// domain. Endpoints are tried in priority order until one accepts the
// transaction. If none does, the aggregate outcome is PermanentFailure when
// any endpoint answered permanently and EndpointExhausted otherwise, and
// each recipient carries the most severe outcome seen for it.
func (e *Executor) Attempt(ctx context.Context, domain string, rcpts []string, env *envelope.Envelope) Result {
	log := e.logger.With("envelope_id", env.ID, "domain", domain)

	endpoints, err := e.resolver.Resolve(ctx, domain)
	if err == nil && len(endpoints) == 0 {
		err = &ResolutionError{Domain: domain, Err: ErrNoEndpoints}
	}
	if err != nil {
		o := e.cfg.Replies.Outcome(err)
		o.Reason = ReasonResolution
		log.Warn("Domain resolution failed", "error", err, "outcome", o.Kind.String())
		return Uniform(o, rcpts)
	}

	worst := make(map[string]Outcome, len(rcpts))
	var (
		records   []AttemptRecord
		permanent *Outcome
		last      Outcome
	)

	for _, ep := range endpoints {
		if ctx.Err() != nil {
			last = e.cfg.Replies.Outcome(ctx.Err())
			break
		}

		start := e.now()
		session, perRcpt := e.tryEndpoint(ctx, ep, env, rcpts)
		records = append(records, AttemptRecord{Endpoint: ep, Start: start, End: e.now(), Outcome: session})

		log.Info("Endpoint attempt finished",
			"endpoint", ep.Address(e.cfg.Port),
			"priority", ep.Priority,
			"outcome", session.Kind.String(),
			"reason", string(session.Reason),
			"code", session.Code,
			"response", session.Message,
			"duration_ms", e.now().Sub(start).Milliseconds(),
		)

		if session.Kind == Delivered {
			accepted := ep
			res := Result{
				Outcome:    session,
				Recipients: perRcpt,
				Endpoint:   &accepted,
				Attempts:   records,
			}
			return res
		}

		for _, r := range rcpts {
			o, ok := perRcpt[r]
			if !ok {
				o = session
			}
			if cur, seen := worst[r]; seen {
				worst[r] = moreSevere(cur, o)
			} else {
				worst[r] = o
			}
		}
		if session.Kind == PermanentFailure && permanent == nil {
			p := session
			permanent = &p
		}
		last = session
	}

	res := Result{Recipients: worst, Attempts: records}
	if permanent != nil {
		res.Outcome = *permanent
	} else {
		res.Outcome = last
		res.Outcome.Kind = EndpointExhausted
	}
	for _, r := range rcpts {
		if _, ok := res.Recipients[r]; !ok {
			res.Recipients[r] = res.Outcome
		}
	}
	return res
}

// tryEndpoint runs one session through the host's circuit breaker.
func (e *Executor) tryEndpoint(ctx context.Context, ep Endpoint, env *envelope.Envelope, rcpts []string) (Outcome, map[string]Outcome) {
	var (
		session Outcome
		perRcpt map[string]Outcome
	)

	_, err := e.breakers.execute(ep.Host, func() (interface{}, error) {
		var transportErr error
		session, perRcpt, transportErr = e.deliverSession(ctx, ep, env, rcpts)
		return nil, transportErr
	})
	if session.Kind == 0 {
		// The breaker refused the request without running the session.
		session = e.cfg.Replies.Outcome(err)
		session.Endpoint = ep.Address(e.cfg.Port)
	}
	return session, perRcpt
}

// Package queue holds the outbound delivery queue: the manager that owns
// delivery states and the processor that dispatches them to the executor.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/dsn"
	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/logging"
	"github.com/busybox42/elemta-queue/internal/metrics"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

// ErrNotInFlight is returned by ReportOutcome for a state that is not being
// attempted.
var ErrNotInFlight = scheduler.ErrNotInFlight

// Notifier builds delivery status notifications.
type Notifier interface {
	Generate(ctx context.Context, env *envelope.Envelope, failed []scheduler.BouncedRecipient) (*envelope.Envelope, error)
	GenerateDelay(ctx context.Context, env *envelope.Envelope, st scheduler.State) (*envelope.Envelope, error)
}

var _ Notifier = (*dsn.Generator)(nil)

// Config holds the manager limits and retry policy.
type Config struct {
	MaxInFlight  int
	MaxPerDomain int
	Policy       scheduler.Policy
}

// DefaultConfig returns the default limits and policy.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:  20,
		MaxPerDomain: 4,
		Policy:       scheduler.DefaultPolicy(),
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Stats is a snapshot of the states the manager is tracking. Terminal
// states are not tracked.
type Stats struct {
	ByStatus    map[scheduler.Status]int `json:"by_status"`
	InFlight    int                      `json:"in_flight"`
	PerDomain   map[string]int           `json:"in_flight_per_domain"`
	Unsaved     int                      `json:"unsaved"`
	Total       int                      `json:"total"`
	LastUpdated time.Time                `json:"last_updated"`
}

// Manager owns the delivery states of queued envelopes. It persists every
// transition before acting on it and enforces the in-flight limits.
type Manager struct {
	store     store.Store
	blobs     store.BlobStore
	notifier  Notifier
	policy    scheduler.Policy
	ws        *workset
	metrics   metrics.Recorder
	logger    *slog.Logger
	msgLogger *logging.MessageLogger
	now       func() time.Time
	kick      chan struct{}
}

// NewManager creates a manager. Call Recover before dispatching.
func NewManager(cfg Config, st store.Store, blobs store.BlobStore, notifier Notifier, opts ...Option) (*Manager, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.MaxInFlight <= 0 || cfg.MaxPerDomain <= 0 {
		return nil, errors.New("in-flight limits must be positive")
	}
	if st == nil || blobs == nil || notifier == nil {
		return nil, errors.New("store, blob store and notifier are required")
	}

	m := &Manager{
		store:    st,
		blobs:    blobs,
		notifier: notifier,
		policy:   cfg.Policy,
		ws:       newWorkset(cfg.MaxInFlight, cfg.MaxPerDomain),
		metrics:  metrics.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.msgLogger = logging.NewMessageLogger(m.logger)
	m.logger = m.logger.With("component", "queue")
	return m, nil
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// Kick is signalled whenever new work may have become due.
func (m *Manager) Kick() <-chan struct{} {
	return m.kick
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Policy returns the retry policy in use.
func (m *Manager) Policy() scheduler.Policy {
	return m.policy
}

// Enqueue validates and normalizes env in place, splits it by destination
// domain and stores it with one Queued state per domain. The envelope is
// durable when Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, env *envelope.Envelope) (string, error) {
	if env == nil {
		return "", &envelope.InvalidEnvelopeError{Field: "envelope", Reason: "missing"}
	}
	if err := env.Normalize(); err != nil {
		return "", err
	}

	now := m.clock()
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}

	groups := env.SplitByDomain()
	states := make([]scheduler.State, 0, len(groups))
	for _, g := range groups {
		states = append(states, scheduler.NewState(env.ID, g, now, m.policy.Expiry))
	}

	if err := m.store.SaveEnvelope(ctx, env, states); err != nil {
		m.metrics.PersistenceError("save_envelope")
		return "", err
	}
	for _, s := range states {
		m.ws.add(s)
	}

	m.metrics.Enqueued(len(states))
	m.msgLogger.LogQueued(logging.MessageContext{
		EnvelopeID:    env.ID,
		From:          env.Sender,
		To:            env.Recipients,
		ReceptionTime: env.CreatedAt,
	})
	m.signal()
	return env.ID, nil
}

// Submit stores content and enqueues an envelope for it. The content is
// removed again if the envelope cannot be queued.
func (m *Manager) Submit(ctx context.Context, sender string, rcpts []string, content io.Reader) (string, error) {
	probe := envelope.Envelope{Sender: sender, Recipients: rcpts, BlobRef: "unset"}
	if err := probe.Validate(); err != nil {
		return "", err
	}

	ref, err := m.blobs.Put(ctx, content)
	if err != nil {
		m.metrics.PersistenceError("put_blob")
		return "", &store.PersistenceError{Op: "put_blob", Err: err}
	}

	env, err := envelope.New(sender, rcpts, ref, m.clock())
	if err == nil {
		var id string
		if id, err = m.Enqueue(ctx, env); err == nil {
			return id, nil
		}
	}
	m.deleteBlob(ctx, ref)
	return "", err
}

// PopDue marks up to max due states InFlight and returns them. Each state is
// stored as InFlight before it is returned; a state that cannot be stored
// stays Queued and its error is joined into err. The returned states are
// valid even when err is not nil.
func (m *Manager) PopDue(ctx context.Context, max int) ([]scheduler.State, error) {
	if max <= 0 {
		return nil, nil
	}

	claims := m.ws.claim(m.clock(), max)
	out := make([]scheduler.State, 0, len(claims))
	var errs []error
	for _, c := range claims {
		if err := m.store.PersistState(ctx, c.next); err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTerminal) {
				m.ws.remove(c.next.ID)
				m.logger.Warn("Dropping state removed or completed elsewhere", "state_id", c.next.ID, "error", err)
				continue
			}
			m.ws.revert(c)
			m.metrics.PersistenceError("mark_in_flight")
			m.logger.Error("Failed to mark state in flight",
				"state_id", c.next.ID,
				"domain", c.next.Domain,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		m.ws.release(c.next.ID)
		out = append(out, c.next)
	}

	m.metrics.SetInFlight(m.ws.inFlightCount())
	return out, errors.Join(errs...)
}

// ReportOutcome applies the result of an attempt to an InFlight state. DSNs
// owed for newly bounced recipients are queued and the new state is stored
// before it returns. Reporting on a terminal state is a no-op.
//
// If the store fails, a *store.PersistenceError is returned. The outcome is
// kept with the InFlight state, which is not dispatched again, until Refresh
// completes the transition.
func (m *Manager) ReportOutcome(ctx context.Context, stateID string, res delivery.Result) error {
	cur, unsaved, br := m.ws.begin(stateID)
	switch br {
	case beginUntracked:
		return m.reportUntracked(ctx, stateID)
	case beginBusy:
		return fmt.Errorf("%w: a report for state %s is already in progress", ErrNotInFlight, stateID)
	case beginNotInFlight:
		return fmt.Errorf("%w: state %s is %s", ErrNotInFlight, stateID, cur.Status)
	case beginUnsaved:
		// The outcome was applied before and completing it failed.
		return m.resume(ctx, *unsaved)
	}

	next, fx, err := m.policy.Apply(cur, res, m.clock())
	if err != nil {
		m.ws.release(stateID)
		return err
	}
	m.logAttempt(cur, next, res)
	return m.commit(ctx, next, fx)
}

func (m *Manager) reportUntracked(ctx context.Context, stateID string) error {
	s, err := m.store.LoadState(ctx, stateID)
	if errors.Is(err, store.ErrNotFound) {
		// Terminal and already collected with its envelope.
		return nil
	}
	if err != nil {
		return err
	}
	if s.IsTerminal() {
		return nil
	}
	return fmt.Errorf("%w: state %s is %s and was not dispatched by this queue", ErrNotInFlight, stateID, s.Status)
}

// commit performs the side effects of a transition and stores it. The
// transition's state must be reserved in the work set. If the side effects
// fail the transition is kept whole and committed again by Refresh.
func (m *Manager) commit(ctx context.Context, next scheduler.State, fx scheduler.Effects) error {
	var env *envelope.Envelope
	if len(fx.Bounced) > 0 || fx.DelayWarning || fx.Terminal {
		var err error
		env, err = m.store.Load(ctx, next.EnvelopeID)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("Dropping state of a removed envelope",
				"state_id", next.ID,
				"envelope_id", next.EnvelopeID,
			)
			m.ws.remove(next.ID)
			_ = m.store.Delete(ctx, next.EnvelopeID)
			return err
		}
		if err != nil {
			return m.fault(next, &pending{next: next, fx: fx}, "load_envelope", err)
		}
	}

	if len(fx.Bounced) > 0 {
		if err := m.notify(ctx, env, fx.Bounced); err != nil {
			return m.fault(next, &pending{next: next, fx: fx}, "enqueue_dsn", err)
		}
	}
	if fx.DelayWarning {
		m.warnDelay(ctx, env, next)
	}
	return m.save(ctx, pending{next: next, fx: fx, done: true}, env)
}

// resume completes a transition kept by an earlier fault.
func (m *Manager) resume(ctx context.Context, p pending) error {
	if !p.done {
		return m.commit(ctx, p.next, p.fx)
	}
	return m.save(ctx, p, nil)
}

// save stores a transition whose side effects are done. On failure the
// transition is kept for Refresh unless it only made a state Queued.
func (m *Manager) save(ctx context.Context, p pending, env *envelope.Envelope) error {
	if err := m.store.PersistState(ctx, p.next); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.ws.remove(p.next.ID)
			return err
		}
		if errors.Is(err, store.ErrTerminal) {
			// Completed by another writer, or by an earlier try of this
			// one whose reply was lost.
			m.logger.Warn("State already completed in the store", "state_id", p.next.ID, "error", err)
			m.ws.remove(p.next.ID)
			m.collect(ctx, p.next.EnvelopeID, env)
			m.signal()
			return nil
		}
		var keep *pending
		if p.next.Status != scheduler.StatusQueued {
			keep = &p
		}
		return m.fault(p.next, keep, "persist_state", err)
	}

	m.ws.finish(p.next)
	m.metrics.SetInFlight(m.ws.inFlightCount())
	m.logEffects(p.next, p.fx, env)
	if p.fx.Terminal {
		m.collect(ctx, p.next.EnvelopeID, env)
	}
	m.signal()
	return nil
}

func (m *Manager) fault(s scheduler.State, p *pending, op string, err error) error {
	m.ws.fail(s.ID, p)
	m.metrics.PersistenceError(op)
	m.msgLogger.LogPersistenceFault(logging.MessageContext{
		EnvelopeID: s.EnvelopeID,
		StateID:    s.ID,
		Domain:     s.Domain,
		Attempts:   s.Attempts,
		Error:      err.Error(),
	}, op)

	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		err = &store.PersistenceError{Op: op, Err: err}
	}
	return err
}

func (m *Manager) notify(ctx context.Context, env *envelope.Envelope, bounced []scheduler.BouncedRecipient) error {
	out, err := m.notifier.Generate(ctx, env, bounced)
	if errors.Is(err, dsn.ErrSuppressed) {
		m.logger.Info("Bounce notification suppressed",
			"envelope_id", env.ID,
			"recipients", len(bounced),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := m.Enqueue(ctx, out); err != nil {
		m.deleteBlob(ctx, out.BlobRef)
		return err
	}

	m.metrics.DSN(string(dsn.ActionFailed))
	m.msgLogger.LogDSN(logging.MessageContext{EnvelopeID: env.ID, From: env.Sender}, out.ID, string(dsn.ActionFailed))
	return nil
}

// warnDelay queues a delay notification. A lost warning is not retried.
func (m *Manager) warnDelay(ctx context.Context, env *envelope.Envelope, st scheduler.State) {
	out, err := m.notifier.GenerateDelay(ctx, env, st)
	if errors.Is(err, dsn.ErrSuppressed) {
		return
	}
	if err == nil {
		if _, err = m.Enqueue(ctx, out); err != nil {
			m.deleteBlob(ctx, out.BlobRef)
		}
	}
	if err != nil {
		m.logger.Warn("Failed to queue delay notification",
			"envelope_id", env.ID,
			"state_id", st.ID,
			"error", err,
		)
		return
	}

	m.metrics.DSN(string(dsn.ActionDelayed))
	m.msgLogger.LogDSN(logging.MessageContext{EnvelopeID: env.ID, StateID: st.ID, Domain: st.Domain, From: env.Sender}, out.ID, string(dsn.ActionDelayed))
}

// collect removes an envelope and its content once all of its states are
// terminal.
func (m *Manager) collect(ctx context.Context, envelopeID string, env *envelope.Envelope) {
	states, err := m.store.States(ctx, envelopeID)
	if err != nil {
		m.logger.Warn("Failed to check envelope completion", "envelope_id", envelopeID, "error", err)
		return
	}
	for _, s := range states {
		if !s.IsTerminal() {
			return
		}
	}

	if env == nil {
		if env, err = m.store.Load(ctx, envelopeID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn("Failed to load completed envelope", "envelope_id", envelopeID, "error", err)
			}
			return
		}
	}
	if err := m.store.Delete(ctx, envelopeID); err != nil {
		m.logger.Warn("Failed to delete completed envelope", "envelope_id", envelopeID, "error", err)
		return
	}
	m.deleteBlob(ctx, env.BlobRef)
	m.logger.Debug("Envelope completed", "envelope_id", envelopeID, "states", len(states))
}

func (m *Manager) deleteBlob(ctx context.Context, ref string) {
	if err := m.blobs.Delete(ctx, ref); err != nil {
		m.logger.Warn("Failed to delete message content", "blob_ref", ref, "error", err)
	}
}

// Tick promotes Deferred states whose time has come and bounces waiting
// states that expired.
func (m *Manager) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	for _, t := range m.ws.tick(m.policy, now.UTC()) {
		if err := m.commit(ctx, t.next, t.fx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recover rebuilds the work set from the store. States left InFlight by a
// previous run are requeued without counting an attempt. A requeued state
// that cannot be stored is still tracked as Queued; the store catches up
// with its next transition.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	m.ws.reset()
	now := m.clock()

	n, requeued := 0, 0
	for s, err := range m.store.ListDue(ctx, store.EndOfTime) {
		if err != nil {
			return n, err
		}
		if s.Status == scheduler.StatusInFlight {
			s = scheduler.Requeue(s, now)
			if err := m.store.PersistState(ctx, s); err != nil {
				m.metrics.PersistenceError("requeue")
				m.logger.Error("Failed to requeue state", "state_id", s.ID, "error", err)
			}
			requeued++
		}
		m.ws.add(s)
		n++
	}

	m.logger.Info("Queue recovered", "states", n, "requeued", requeued)
	m.updateGauges()
	m.signal()
	return n, nil
}

// Refresh completes transitions that failed part way, requeues InFlight
// states whose requeue could not be stored and adopts states written to the
// store by other processes. States that left the work set are not adopted
// again from a listing that predates their removal.
func (m *Manager) Refresh(ctx context.Context) error {
	started := time.Now()
	var errs []error
	for _, p := range m.ws.unsavedTransitions() {
		if err := m.resume(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	now := m.clock()
	for _, s := range m.ws.stuck() {
		if err := m.save(ctx, pending{next: scheduler.Requeue(s, now), done: true}, nil); err != nil {
			errs = append(errs, err)
		}
	}

	adopted := 0
	for s, err := range m.store.ListDue(ctx, store.EndOfTime) {
		if err != nil {
			errs = append(errs, err)
			break
		}
		if m.ws.adopt(s) {
			adopted++
		}
	}
	if adopted > 0 {
		m.logger.Debug("Adopted stored states", "count", adopted)
		m.signal()
	}
	m.ws.forget(started)

	m.updateGauges()
	return errors.Join(errs...)
}

// Flush makes waiting states of domain due now. An empty domain flushes
// every domain. It returns the number of states rescheduled.
func (m *Manager) Flush(ctx context.Context, domain string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, s := range m.ws.flush(domain, m.clock()) {
		if err := m.save(ctx, pending{next: s, done: true}, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("Queue flushed", "domain", domain, "states", n)
	}
	return n, errors.Join(errs...)
}

// Stats returns a snapshot of the tracked states.
func (m *Manager) Stats() Stats {
	st := m.ws.stats()
	return Stats{
		ByStatus:    st.byStatus,
		InFlight:    st.inFlight,
		PerDomain:   st.perDomain,
		Unsaved:     st.unsaved,
		Total:       st.total,
		LastUpdated: m.clock(),
	}
}

func (m *Manager) updateGauges() {
	st := m.ws.stats()
	byStatus := make(map[string]int, len(st.byStatus))
	for status, n := range st.byStatus {
		byStatus[string(status)] = n
	}
	m.metrics.SetStates(byStatus)
	m.metrics.SetInFlight(st.inFlight)
}

// States lists stored states, including terminal ones that have not been
// collected yet.
func (m *Manager) States(ctx context.Context, f store.Filter) ([]scheduler.State, error) {
	return m.store.List(ctx, f)
}

// Envelope returns a stored envelope with its states.
func (m *Manager) Envelope(ctx context.Context, id string) (*envelope.Envelope, []scheduler.State, error) {
	env, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	states, err := m.store.States(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return env, states, nil
}

func (m *Manager) logAttempt(cur, next scheduler.State, res delivery.Result) {
	d := attemptDuration(res)
	m.metrics.Attempt(res.Outcome.Kind.String(), string(res.Outcome.Reason), d)
	m.msgLogger.LogAttempt(logging.MessageContext{
		EnvelopeID:   cur.EnvelopeID,
		StateID:      cur.ID,
		Domain:       cur.Domain,
		To:           cur.Pending,
		Attempts:     next.Attempts,
		Endpoint:     res.Outcome.Endpoint,
		Code:         res.Outcome.Code,
		EnhancedCode: res.Outcome.EnhancedCode,
		Kind:         res.Outcome.Kind.String(),
		Reason:       string(res.Outcome.Reason),
		Error:        res.Outcome.Message,
		Duration:     d,
	})
}

func attemptDuration(res delivery.Result) time.Duration {
	if len(res.Attempts) == 0 {
		return 0
	}
	return res.Attempts[len(res.Attempts)-1].End.Sub(res.Attempts[0].Start)
}

func (m *Manager) logEffects(next scheduler.State, fx scheduler.Effects, env *envelope.Envelope) {
	mc := logging.MessageContext{
		EnvelopeID:    next.EnvelopeID,
		StateID:       next.ID,
		Domain:        next.Domain,
		Attempts:      next.Attempts,
		ReceptionTime: next.CreatedAt,
	}
	if env != nil {
		mc.From = env.Sender
	}

	if len(fx.Delivered) > 0 {
		c := mc
		c.To = fx.Delivered
		m.msgLogger.LogDelivery(c)
		m.metrics.Recipients(string(scheduler.StatusDelivered), len(fx.Delivered))
	}

	if len(fx.Bounced) > 0 {
		c := mc
		for _, b := range fx.Bounced {
			c.To = append(c.To, b.Recipient)
		}
		withFailure(&c, &fx.Bounced[0].Failure)
		m.msgLogger.LogBounce(c)
		m.metrics.Recipients(string(scheduler.StatusBounced), len(fx.Bounced))
		if fx.Expired {
			m.metrics.Expired(len(fx.Bounced))
		}
	}

	if next.Status == scheduler.StatusDeferred {
		c := mc
		c.To = next.Pending
		c.NextRetry = next.NextAttempt
		withFailure(&c, next.LastFailure)
		m.msgLogger.LogDeferral(c)
		m.metrics.Recipients(string(scheduler.StatusDeferred), len(next.Pending))
	}
}

func withFailure(c *logging.MessageContext, f *scheduler.Failure) {
	if f == nil {
		return
	}
	c.Endpoint = f.Endpoint
	c.Code = f.Code
	c.EnhancedCode = f.EnhancedCode
	c.Reason = string(f.Reason)
	c.Error = f.Message
}

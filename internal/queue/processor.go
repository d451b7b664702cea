package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

// Attempter performs one delivery attempt for the pending recipients of a
// domain.
type Attempter interface {
	Attempt(ctx context.Context, domain string, rcpts []string, env *envelope.Envelope) delivery.Result
}

var _ Attempter = (*delivery.Executor)(nil)

// ProcessorConfig holds configuration for the queue processor
type ProcessorConfig struct {
	TickInterval    time.Duration
	RefreshInterval time.Duration
	BatchSize       int
	MaxConcurrent   int
	ReportTimeout   time.Duration
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		TickInterval:    time.Second,
		RefreshInterval: 30 * time.Second,
		BatchSize:       50,
		MaxConcurrent:   20,
		ReportTimeout:   30 * time.Second,
	}
}

// Processor dispatches due states to an Attempter and reports the results
// back to the manager.
type Processor struct {
	manager   *Manager
	attempter Attempter
	config    ProcessorConfig
	logger    *slog.Logger

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	loopDone       chan struct{}
	group          *errgroup.Group
	attemptCtx     context.Context
	cancelAttempts context.CancelFunc
	abandoned      atomic.Int64
}

// NewProcessor creates a new queue processor
func NewProcessor(manager *Manager, attempter Attempter, config ProcessorConfig, logger *slog.Logger) *Processor {
	def := DefaultProcessorConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = def.RefreshInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = def.ReportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		manager:   manager,
		attempter: attempter,
		config:    config,
		logger:    logger.With("component", "queue-processor"),
	}
}

// Start recovers the queue from the store and begins dispatching.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("queue processor already running")
	}

	n, err := p.manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover queue: %w", err)
	}

	p.group = &errgroup.Group{}
	p.group.SetLimit(p.config.MaxConcurrent)
	p.attemptCtx, p.cancelAttempts = context.WithCancel(context.Background())
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.running = true

	p.logger.Info("Starting queue processor",
		"tick_interval", p.config.TickInterval,
		"batch_size", p.config.BatchSize,
		"max_concurrent", p.config.MaxConcurrent,
		"recovered", n,
	)
	go p.loop()
	return nil
}

// Stop ends dispatching and waits up to grace for in-flight attempts. Attempts
// still running after that are cancelled and not reported; their states
// stay InFlight in the store and are requeued by the next Recover.
func (p *Processor) Stop(grace time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Stopping queue processor", "grace", grace)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		<-p.loopDone
		_ = p.group.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("Shutdown grace period expired, cancelling attempts",
			"in_flight", p.manager.ws.inFlightCount(),
		)
		p.cancelAttempts()
		<-done
	}
	p.cancelAttempts()

	p.logger.Info("Queue processor stopped", "abandoned", p.abandoned.Load())
	return nil
}

func (p *Processor) loop() {
	defer close(p.loopDone)

	tick := time.NewTicker(p.config.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(p.config.RefreshInterval)
	defer refresh.Stop()

	p.runOnce()
	for {
		select {
		case <-p.stopCh:
			return
		case <-tick.C:
			p.runOnce()
		case <-p.manager.Kick():
			p.dispatch()
		case <-refresh.C:
			if err := p.manager.Refresh(p.attemptCtx); err != nil {
				p.logger.Error("Failed to refresh queue", "error", err)
			}
		}
	}
}

func (p *Processor) runOnce() {
	if err := p.manager.Tick(p.attemptCtx, p.manager.clock()); err != nil {
		p.logger.Error("Failed to advance waiting states", "error", err)
	}
	p.dispatch()
}

// dispatch pops due states in batches until fewer than a batch are due.
func (p *Processor) dispatch() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		states, err := p.manager.PopDue(p.attemptCtx, p.config.BatchSize)
		if err != nil {
			p.logger.Error("Failed to dispatch due states", "error", err)
		}
		for _, s := range states {
			p.group.Go(func() error {
				p.deliver(s)
				return nil
			})
		}
		if len(states) < p.config.BatchSize {
			return
		}
	}
}

func (p *Processor) deliver(s scheduler.State) {
	ctx := p.attemptCtx

	var res delivery.Result
	env, err := p.manager.store.Load(ctx, s.EnvelopeID)
	switch {
	case ctx.Err() != nil:
		p.abandon(s)
		return
	case errors.Is(err, store.ErrNotFound):
		res = delivery.Uniform(delivery.Outcome{
			Kind:    delivery.PermanentFailure,
			Reason:  delivery.ReasonLocal,
			Message: "message envelope is missing",
		}, s.Pending)
	case err != nil:
		res = delivery.Uniform(delivery.Outcome{
			Kind:    delivery.TransientFailure,
			Reason:  delivery.ReasonLocal,
			Message: "message envelope unavailable: " + err.Error(),
		}, s.Pending)
	default:
		res = p.attempter.Attempt(ctx, s.Domain, s.Pending, env)
	}

	// A cancelled attempt is only dropped when nothing in it is final;
	// recipients already delivered must not be sent again after a restart.
	if ctx.Err() != nil && !res.Final() {
		p.abandon(s)
		return
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), p.config.ReportTimeout)
	defer cancel()
	if err := p.manager.ReportOutcome(reportCtx, s.ID, res); err != nil {
		p.logger.Error("Failed to report delivery outcome",
			"state_id", s.ID,
			"envelope_id", s.EnvelopeID,
			"domain", s.Domain,
			"error", err,
		)
	}
}

func (p *Processor) abandon(s scheduler.State) {
	p.abandoned.Add(1)
	p.logger.Info("Attempt abandoned at shutdown",
		"state_id", s.ID,
		"domain", s.Domain,
	)
}

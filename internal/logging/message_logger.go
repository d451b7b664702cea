package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
		now:    time.Now,
	}
}

// MessageContext contains all context about a delivery state for logging
type MessageContext struct {
	EnvelopeID    string
	StateID       string
	Domain        string
	From          string
	To            []string
	Attempts      int
	ReceptionTime time.Time
	NextRetry     time.Time
	Endpoint      string
	Code          int
	EnhancedCode  string
	Kind          string
	Reason        string
	Error         string
	Duration      time.Duration
}

func (ml *MessageLogger) base(eventType string, ctx MessageContext) []any {
	fields := []any{
		"event_type", eventType,
		"envelope_id", ctx.EnvelopeID,
	}
	if ctx.StateID != "" {
		fields = append(fields, "state_id", ctx.StateID)
	}
	if ctx.Domain != "" {
		fields = append(fields, "domain", ctx.Domain)
	}
	if ctx.From != "" || eventType == "queued" {
		fields = append(fields, "from", ctx.From)
	}
	if len(ctx.To) > 0 {
		fields = append(fields, "to", ctx.To, "recipient_count", len(ctx.To))
	}
	return fields
}

func (ml *MessageLogger) totalDelay(ctx MessageContext) time.Duration {
	if ctx.ReceptionTime.IsZero() {
		return 0
	}
	return ml.now().Sub(ctx.ReceptionTime)
}

func (ml *MessageLogger) reply(fields []any, ctx MessageContext) []any {
	if ctx.Endpoint != "" {
		fields = append(fields, "endpoint", ctx.Endpoint)
	}
	if ctx.Code != 0 {
		fields = append(fields, "code", ctx.Code)
	}
	if ctx.EnhancedCode != "" {
		fields = append(fields, "enhanced_code", ctx.EnhancedCode)
	}
	if ctx.Reason != "" {
		fields = append(fields, "reason", ctx.Reason)
	}
	if ctx.Error != "" {
		fields = append(fields, "error", Sanitize(ctx.Error))
	}
	return fields
}

// LogQueued logs when an envelope is accepted into the queue
func (ml *MessageLogger) LogQueued(ctx MessageContext) {
	ml.logger.Info("message_queued", ml.base("queued", ctx)...)
}

// LogAttempt logs the result of one delivery attempt for a domain
func (ml *MessageLogger) LogAttempt(ctx MessageContext) {
	fields := ml.base("attempt", ctx)
	fields = append(fields,
		"attempt", ctx.Attempts,
		"kind", ctx.Kind,
		"duration_ms", ctx.Duration.Milliseconds(),
	)
	ml.logger.Debug("delivery_attempt", ml.reply(fields, ctx)...)
}

// LogDelivery logs recipients accepted by the remote side
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := ml.base("delivery", ctx)
	fields = append(fields,
		"attempts", ctx.Attempts,
		"total_delay_ms", ml.totalDelay(ctx).Milliseconds(),
		"status", "delivered",
	)
	ml.logger.Info("message_delivery", ml.reply(fields, ctx)...)
}

// LogDeferral logs when a state is deferred for retry
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	fields := ml.base("deferral", ctx)
	fields = append(fields,
		"attempts", ctx.Attempts,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(ctx.NextRetry.Sub(ml.now()).Seconds()),
		"total_delay_ms", ml.totalDelay(ctx).Milliseconds(),
		"status", "deferred",
	)
	ml.logger.Warn("message_deferral", ml.reply(fields, ctx)...)
}

// LogBounce logs recipients that permanently failed or expired
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	fields := ml.base("bounce", ctx)
	fields = append(fields,
		"attempts", ctx.Attempts,
		"total_delay_ms", ml.totalDelay(ctx).Milliseconds(),
		"status", "bounced",
	)
	ml.logger.Error("message_bounce", ml.reply(fields, ctx)...)
}

// LogDSN logs a generated delivery status notification. dsnID is the id of
// the notification envelope and action is "failed" or "delayed".
func (ml *MessageLogger) LogDSN(ctx MessageContext, dsnID, action string) {
	fields := ml.base("dsn", ctx)
	fields = append(fields,
		"dsn_envelope_id", dsnID,
		"action", action,
	)
	ml.logger.Info("dsn_generated", fields...)
}

// LogPersistenceFault logs a state whose transition could not be stored
func (ml *MessageLogger) LogPersistenceFault(ctx MessageContext, op string) {
	fields := ml.base("persistence_fault", ctx)
	fields = append(fields, "op", op)
	ml.logger.Error("persistence_fault", ml.reply(fields, ctx)...)
}

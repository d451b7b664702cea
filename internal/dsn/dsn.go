// Package dsn composes delivery status notifications (RFC 3464) for
// recipients that bounced or are delayed.
package dsn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

// ErrSuppressed is returned when no notification may be sent for an
// envelope: its sender is the null address or it is itself a notification.
var ErrSuppressed = errors.New("delivery status notification suppressed")

// maxOriginalHeader bounds how much of the original header is quoted.
const maxOriginalHeader = 64 * 1024

// Action is the per-recipient Action field.
type Action string

const (
	ActionFailed  Action = "failed"
	ActionDelayed Action = "delayed"
)

// Recipient is one per-recipient block of a report.
type Recipient struct {
	Address string
	Failure scheduler.Failure
}

// Generator builds notifications and stores their content.
type Generator struct {
	hostname string
	from     string
	blobs    store.BlobStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerator creates a generator that reports as hostname and writes
// notifications to blobs.
func NewGenerator(hostname string, blobs store.BlobStore, logger *slog.Logger) *Generator {
	if hostname == "" {
		hostname = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		hostname: hostname,
		from:     "MAILER-DAEMON@" + hostname,
		blobs:    blobs,
		logger:   logger.With("component", "dsn"),
		now:      time.Now,
	}
}

// Generate builds a failure notification for recipients of env and returns
// the envelope that carries it back to the original sender.
func (g *Generator) Generate(ctx context.Context, env *envelope.Envelope, failed []scheduler.BouncedRecipient) (*envelope.Envelope, error) {
	rcpts := make([]Recipient, 0, len(failed))
	for _, b := range failed {
		rcpts = append(rcpts, Recipient{Address: b.Recipient, Failure: b.Failure})
	}
	return g.build(ctx, env, ActionFailed, rcpts, time.Time{})
}

// GenerateDelay builds a one-time warning that the pending recipients of st
// have not been delivered yet.
func (g *Generator) GenerateDelay(ctx context.Context, env *envelope.Envelope, st scheduler.State) (*envelope.Envelope, error) {
	var f scheduler.Failure
	if st.LastFailure != nil {
		f = *st.LastFailure
	}
	rcpts := make([]Recipient, 0, len(st.Pending))
	for _, r := range st.Pending {
		rcpts = append(rcpts, Recipient{Address: r, Failure: f})
	}
	return g.build(ctx, env, ActionDelayed, rcpts, st.ExpiresAt)
}

func (g *Generator) build(ctx context.Context, env *envelope.Envelope, action Action, rcpts []Recipient, retryUntil time.Time) (*envelope.Envelope, error) {
	if !env.BounceEligible() {
		return nil, ErrSuppressed
	}
	if len(rcpts) == 0 {
		return nil, errors.New("no recipients to report")
	}

	now := g.now().UTC()
	var buf bytes.Buffer
	if err := g.compose(ctx, &buf, env, action, rcpts, now, retryUntil); err != nil {
		return nil, fmt.Errorf("compose notification: %w", err)
	}

	ref, err := g.blobs.Put(ctx, &buf)
	if err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}

	out, err := envelope.New("", []string{env.Sender}, ref, now)
	if err != nil {
		_ = g.blobs.Delete(ctx, ref)
		return nil, err
	}
	out.NonBounceEligible = true
	out.DSNFor = env.ID

	g.logger.Info("Delivery status notification generated",
		"envelope_id", env.ID,
		"dsn_envelope_id", out.ID,
		"action", string(action),
		"recipients", len(rcpts),
	)
	return out, nil
}

func (g *Generator) compose(ctx context.Context, w io.Writer, env *envelope.Envelope, action Action, rcpts []Recipient, now, retryUntil time.Time) error {
	mw := textproto.NewMultipartWriter(w)

	subject := "Undelivered Mail Returned to Sender"
	if action == ActionDelayed {
		subject = "Delayed Mail (still being retried)"
	}

	var h textproto.Header
	setFields(&h,
		"From", fmt.Sprintf("Mail Delivery System <%s>", g.from),
		"To", "<"+env.Sender+">",
		"Subject", subject,
		"Date", now.Format(time.RFC1123Z),
		"Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), g.hostname),
		"Auto-Submitted", "auto-replied",
		"MIME-Version", "1.0",
		"Content-Type", fmt.Sprintf("multipart/report; report-type=delivery-status; boundary=%q", mw.Boundary()),
	)
	if err := textproto.WriteHeader(w, h); err != nil {
		return err
	}

	// Human-readable part.
	var textHdr textproto.Header
	setFields(&textHdr,
		"Content-Type", "text/plain; charset=utf-8",
		"Content-Description", "Notification",
	)
	pw, err := mw.CreatePart(textHdr)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, g.humanText(action, rcpts, retryUntil)); err != nil {
		return err
	}

	// Machine-readable part.
	var statusHdr textproto.Header
	setFields(&statusHdr,
		"Content-Type", "message/delivery-status",
		"Content-Description", "Delivery report",
	)
	pw, err = mw.CreatePart(statusHdr)
	if err != nil {
		return err
	}
	if err := g.writeStatus(pw, env, action, rcpts, retryUntil); err != nil {
		return err
	}

	// Original headers.
	if orig, err := g.originalHeader(ctx, env); err != nil {
		g.logger.Warn("Original message headers unavailable for notification",
			"envelope_id", env.ID,
			"error", err,
		)
	} else {
		var origHdr textproto.Header
		setFields(&origHdr,
			"Content-Type", "text/rfc822-headers",
			"Content-Description", "Undelivered message headers",
		)
		pw, err = mw.CreatePart(origHdr)
		if err != nil {
			return err
		}
		if err := textproto.WriteHeader(pw, orig); err != nil {
			return err
		}
	}

	return mw.Close()
}

func (g *Generator) humanText(action Action, rcpts []Recipient, retryUntil time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is the mail system at host %s.\r\n\r\n", g.hostname)
	if action == ActionDelayed {
		b.WriteString("Your message could not be delivered yet to the recipients below.\r\n")
		if !retryUntil.IsZero() {
			fmt.Fprintf(&b, "Delivery will be retried until %s.\r\n", retryUntil.Format(time.RFC1123Z))
		}
		b.WriteString("You do not need to resend the message.\r\n\r\n")
	} else {
		b.WriteString("Your message could not be delivered to one or more recipients.\r\n")
		b.WriteString("It has been returned and no further attempts will be made.\r\n\r\n")
	}
	for _, r := range rcpts {
		fmt.Fprintf(&b, "<%s>: %s\r\n", r.Address, describe(r.Failure))
	}
	return b.String()
}

func (g *Generator) writeStatus(w io.Writer, env *envelope.Envelope, action Action, rcpts []Recipient, retryUntil time.Time) error {
	var perMessage textproto.Header
	setFields(&perMessage,
		"Reporting-MTA", "dns; "+g.hostname,
		"X-Elemta-Queue-ID", env.ID,
		"Arrival-Date", env.CreatedAt.Format(time.RFC1123Z),
	)
	if err := textproto.WriteHeader(w, perMessage); err != nil {
		return err
	}

	for _, r := range rcpts {
		fields := []string{
			"Final-Recipient", "rfc822; " + r.Address,
			"Action", string(action),
			"Status", statusCode(action, r.Failure),
		}
		if host := remoteHost(r.Failure.Endpoint); host != "" {
			fields = append(fields, "Remote-MTA", "dns; "+host)
		}
		if r.Failure.Code != 0 {
			fields = append(fields, "Diagnostic-Code", "smtp; "+diagnostic(r.Failure))
		}
		if !r.Failure.At.IsZero() {
			fields = append(fields, "Last-Attempt-Date", r.Failure.At.UTC().Format(time.RFC1123Z))
		}
		if action == ActionDelayed && !retryUntil.IsZero() {
			fields = append(fields, "Will-Retry-Until", retryUntil.UTC().Format(time.RFC1123Z))
		}

		var h textproto.Header
		setFields(&h, fields...)
		if err := textproto.WriteHeader(w, h); err != nil {
			return err
		}
	}
	return nil
}

// originalHeader reads the header block of the original message.
func (g *Generator) originalHeader(ctx context.Context, env *envelope.Envelope) (textproto.Header, error) {
	rc, err := g.blobs.Open(ctx, env.BlobRef)
	if err != nil {
		return textproto.Header{}, err
	}
	defer rc.Close()

	h, err := textproto.ReadHeader(bufio.NewReader(io.LimitReader(rc, maxOriginalHeader)))
	if err != nil && h.Len() == 0 {
		return textproto.Header{}, fmt.Errorf("read original header: %w", err)
	}
	return h, nil
}

// setFields sets header fields so that they are written in argument order
// and with the field names as given. textproto.Header writes the last added
// field first and canonicalizes names passed to Add, which would turn
// Reporting-MTA into Reporting-Mta.
func setFields(h *textproto.Header, kv ...string) {
	for i := len(kv) - 2; i >= 0; i -= 2 {
		k, v := kv[i], fieldValue.Replace(kv[i+1])
		if raw, ok := rawField(k, v); ok {
			h.AddRaw(raw)
		} else {
			h.Add(k, v)
		}
	}
}

var fieldValue = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// rawField formats a field, folded the way textproto does, under its name
// exactly as spelled.
func rawField(k, v string) ([]byte, bool) {
	var tmp textproto.Header
	tmp.Add(k, v)
	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, tmp); err != nil {
		return nil, false
	}
	raw := bytes.TrimSuffix(b.Bytes(), []byte("\r\n"))
	if !bytes.EqualFold(raw[:len(k)], []byte(k)) {
		return nil, false
	}
	copy(raw, k)
	return raw, true
}

// statusCode returns the RFC 3463 status for a recipient.
func statusCode(action Action, f scheduler.Failure) string {
	if f.EnhancedCode != "" && f.Reason != delivery.ReasonExpired {
		if action == ActionFailed && strings.HasPrefix(f.EnhancedCode, "4.") {
			// A temporary code on a final failure: report it as permanent.
			return "5" + f.EnhancedCode[1:]
		}
		return f.EnhancedCode
	}
	switch {
	case action == ActionDelayed:
		return "4.0.0"
	case f.Reason == delivery.ReasonExpired:
		return "4.4.7"
	case f.Reason == delivery.ReasonResolution:
		return "5.1.2"
	case f.Reason == delivery.ReasonTimeout, f.Reason == delivery.ReasonTransport:
		return "4.4.1"
	default:
		return "5.0.0"
	}
}

func diagnostic(f scheduler.Failure) string {
	parts := []string{fmt.Sprint(f.Code)}
	if f.EnhancedCode != "" {
		parts = append(parts, f.EnhancedCode)
	}
	if f.Message != "" {
		parts = append(parts, f.Message)
	}
	return strings.Join(parts, " ")
}

func describe(f scheduler.Failure) string {
	switch {
	case f.Code != 0:
		host := remoteHost(f.Endpoint)
		if host != "" {
			return fmt.Sprintf("host %s said: %s", host, diagnostic(f))
		}
		return diagnostic(f)
	case f.Message != "":
		return f.Message
	case f.Reason != "":
		return string(f.Reason)
	default:
		return "unknown error"
	}
}

func remoteHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

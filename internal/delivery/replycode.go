package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
)

// ReplyPolicy maps SMTP reply codes to outcome kinds. The mapping is total:
// 2xx is Delivered, 5xx is PermanentFailure and every other code, including
// 4xx and codes outside the defined ranges, is TransientFailure. Overrides
// are consulted first.
type ReplyPolicy struct {
	Overrides map[int]Kind
}

// DefaultReplyPolicy returns the range-based policy without overrides.
func DefaultReplyPolicy() ReplyPolicy {
	return ReplyPolicy{}
}

// Classify returns the kind for a reply code.
func (p ReplyPolicy) Classify(code int) Kind {
	if k, ok := p.Overrides[code]; ok {
		switch k {
		case Delivered, TransientFailure, PermanentFailure:
			return k
		}
	}

	switch {
	case code >= 200 && code <= 299:
		return Delivered
	case code >= 500 && code <= 599:
		return PermanentFailure
	default:
		return TransientFailure
	}
}

// ParseKind parses the names accepted in reply overrides.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient", "temporary", "tempfail":
		return TransientFailure, nil
	case "permanent", "permfail":
		return PermanentFailure, nil
	default:
		return 0, fmt.Errorf("unknown reply classification %q", s)
	}
}

// Rejection converts a go-smtp reply error into a ProtocolRejection.
func (p ReplyPolicy) Rejection(endpoint, stage string, err *smtp.SMTPError) *ProtocolRejection {
	return &ProtocolRejection{
		Endpoint:     endpoint,
		Stage:        stage,
		Code:         err.Code,
		EnhancedCode: formatEnhancedCode(err.EnhancedCode),
		Message:      sanitizeReply(err.Message),
		Permanent:    p.Classify(err.Code) == PermanentFailure,
	}
}

// Outcome classifies any error produced while resolving or talking to an
// endpoint. Unknown errors are transport failures.
func (p ReplyPolicy) Outcome(err error) Outcome {
	var (
		smtpErr    *smtp.SMTPError
		rejection  *ProtocolRejection
		transport  *TransportError
		resolution *ResolutionError
	)

	switch {
	case err == nil:
		return Outcome{Kind: Delivered}
	case errors.As(err, &rejection):
		return Outcome{
			Kind:         p.Classify(rejection.Code),
			Reason:       ReasonProtocol,
			Code:         rejection.Code,
			EnhancedCode: rejection.EnhancedCode,
			Message:      rejection.Message,
			Endpoint:     rejection.Endpoint,
		}
	case errors.As(err, &smtpErr):
		return Outcome{
			Kind:         p.Classify(smtpErr.Code),
			Reason:       ReasonProtocol,
			Code:         smtpErr.Code,
			EnhancedCode: formatEnhancedCode(smtpErr.EnhancedCode),
			Message:      sanitizeReply(smtpErr.Message),
		}
	case errors.As(err, &resolution):
		kind := TransientFailure
		if resolution.Permanent {
			kind = PermanentFailure
		}
		return Outcome{Kind: kind, Reason: ReasonResolution, Message: err.Error()}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Outcome{Kind: TransientFailure, Reason: ReasonBreakerOpen, Message: err.Error()}
	case errors.As(err, &transport):
		reason := ReasonTransport
		if transport.Timeout || isTimeout(transport.Err) {
			reason = ReasonTimeout
		}
		return Outcome{Kind: TransientFailure, Reason: reason, Message: err.Error(), Endpoint: transport.Endpoint}
	case isTimeout(err):
		return Outcome{Kind: TransientFailure, Reason: ReasonTimeout, Message: err.Error()}
	default:
		return Outcome{Kind: TransientFailure, Reason: ReasonTransport, Message: err.Error()}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func formatEnhancedCode(c smtp.EnhancedCode) string {
	if c == smtp.NoEnhancedCode || c == (smtp.EnhancedCode{}) {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// maxReplyLen bounds a stored reply text in bytes.
const maxReplyLen = 512

// sanitizeReply folds a remote reply into a single printable line.
func sanitizeReply(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r < ' ' || r == 0x7f {
			if !space {
				b.WriteByte(' ')
				space = true
			}
			continue
		}
		space = r == ' '
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxReplyLen {
		cut := maxReplyLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

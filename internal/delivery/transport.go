package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/busybox42/elemta-queue/internal/envelope"
)

// deliverSession runs one SMTP transaction against an endpoint. The returned
// error is non-nil only for transport failures, which are what the circuit
// breaker counts. Protocol rejections are reported through the outcomes.
func (e *Executor) deliverSession(ctx context.Context, ep Endpoint, env *envelope.Envelope, rcpts []string) (Outcome, map[string]Outcome, error) {
	addr := ep.Address(e.cfg.Port)
	fail := func(stage string, err error) (Outcome, map[string]Outcome, error) {
		o, transportErr := e.classify(addr, stage, err)
		return o, nil, transportErr
	}

	body, err := e.content.Open(ctx, env.BlobRef)
	if err != nil {
		return Outcome{
			Kind:     TransientFailure,
			Reason:   ReasonLocal,
			Message:  fmt.Sprintf("message content unavailable: %v", err),
			Endpoint: addr,
		}, nil, nil
	}
	defer body.Close()

	// Cancelling the session context also releases the connection watchers
	// registered by dial.
	var cancel context.CancelFunc
	if e.cfg.EndpointTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EndpointTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	c, stage, err := e.openClient(ctx, ep, addr)
	if err != nil {
		return fail(stage, err)
	}
	defer c.Close()

	if err := c.Mail(env.Sender, nil); err != nil {
		return fail(StageMail, err)
	}

	perRcpt := make(map[string]Outcome, len(rcpts))
	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			o, transportErr := e.classify(addr, StageRcpt, err)
			if transportErr != nil {
				return o, nil, transportErr
			}
			perRcpt[rcpt] = o
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		_ = c.Quit()
		var worst Outcome
		for _, o := range perRcpt {
			worst = moreSevere(worst, o)
		}
		return worst, perRcpt, nil
	}

	w, err := c.Data()
	if err != nil {
		return e.dataFailed(addr, err, accepted, perRcpt)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fail(StageData, err)
	}
	if err := w.Close(); err != nil {
		return e.dataFailed(addr, err, accepted, perRcpt)
	}

	if err := c.Quit(); err != nil {
		e.logger.Debug("QUIT failed after successful delivery", "endpoint", addr, "error", err)
	}

	delivered := Outcome{Kind: Delivered, Code: 250, Message: "message accepted", Endpoint: addr}
	for _, rcpt := range accepted {
		perRcpt[rcpt] = delivered
	}
	return delivered, perRcpt, nil
}

// errNoStartTLS is the text go-smtp reports when the server's EHLO reply
// does not advertise STARTTLS.
const errNoStartTLS = "smtp: server doesn't support STARTTLS"

// openClient connects to addr and completes the greeting. With StartTLS
// enabled the session is upgraded when the server offers it; a server that
// does not is retried in the clear on a fresh connection, since go-smtp
// closes the first one.
func (e *Executor) openClient(ctx context.Context, ep Endpoint, addr string) (*smtp.Client, string, error) {
	if e.cfg.StartTLS {
		conn, err := e.dial(ctx, addr)
		if err != nil {
			return nil, StageConnect, err
		}
		tlsConfig := &tls.Config{
			ServerName:         ep.Host,
			InsecureSkipVerify: !e.cfg.VerifyTLS,
			MinVersion:         tls.VersionTLS12,
		}
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		switch {
		case err == nil:
			// The handshake runs under the second EHLO, which also
			// carries the configured name.
			if err := c.Hello(e.cfg.HeloName); err != nil {
				c.Close()
				return nil, StageStartTLS, err
			}
			return c, "", nil
		case err.Error() != errNoStartTLS:
			return nil, StageStartTLS, err
		}
		e.logger.Debug("STARTTLS not offered, continuing in the clear", "endpoint", addr)
	}

	conn, err := e.dial(ctx, addr)
	if err != nil {
		return nil, StageConnect, err
	}
	c := smtp.NewClient(conn)
	if err := c.Hello(e.cfg.HeloName); err != nil {
		c.Close()
		return nil, StageHello, err
	}
	return c, "", nil
}

// dial opens a connection that is unblocked as soon as ctx is done. go-smtp
// resets the deadline after every command, so the context is what bounds
// the session.
func (e *Executor) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return conn, nil
}

// dataFailed applies a DATA-stage failure to the recipients that had been
// accepted. Recipients rejected earlier keep their own outcome.
func (e *Executor) dataFailed(addr string, err error, accepted []string, perRcpt map[string]Outcome) (Outcome, map[string]Outcome, error) {
	o, transportErr := e.classify(addr, StageData, err)
	if transportErr != nil {
		return o, nil, transportErr
	}
	for _, rcpt := range accepted {
		perRcpt[rcpt] = o
	}
	return o, perRcpt, nil
}

// classify turns a session error into an outcome. It returns a
// *TransportError alongside the outcome when the failure was not a reply
// from the remote server.
func (e *Executor) classify(addr, stage string, err error) (Outcome, error) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		rejection := e.cfg.Replies.Rejection(addr, stage, smtpErr)
		return e.cfg.Replies.Outcome(rejection), nil
	}

	transportErr := &TransportError{Endpoint: addr, Stage: stage, Err: err, Timeout: isTimeout(err)}
	o := e.cfg.Replies.Outcome(transportErr)
	o.Endpoint = addr
	return o, transportErr
}

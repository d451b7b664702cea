package dsn

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

const original = "From: Sender <sender@origin.example>\r\n" +
	"To: a@dest.example\r\n" +
	"Subject: quarterly numbers\r\n" +
	"Message-Id: <abc@origin.example>\r\n" +
	"\r\n" +
	"body text\r\n"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type part struct {
	contentType string
	body        string
}

func setup(t *testing.T) (*Generator, *store.MemoryBlobStore, *envelope.Envelope) {
	t.Helper()
	blobs := store.NewMemoryBlobStore()
	ref, err := blobs.Put(context.Background(), strings.NewReader(original))
	require.NoError(t, err)

	env, err := envelope.New("sender@origin.example", []string{"a@dest.example", "b@dest.example"}, ref, epoch)
	require.NoError(t, err)

	g := NewGenerator("mx.origin.example", blobs, nil)
	g.now = func() time.Time { return epoch.Add(time.Hour) }
	return g, blobs, env
}

// readReport parses a stored notification into its top-level header and parts.
func readReport(t *testing.T, blobs store.BlobStore, ref string) (message.Header, []part) {
	t.Helper()
	rc, err := blobs.Open(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()

	e, err := message.Read(rc)
	require.NoError(t, err)

	mt, params, err := e.Header.ContentType()
	require.NoError(t, err)
	require.Equal(t, "multipart/report", mt)
	require.Equal(t, "delivery-status", params["report-type"])

	mr := e.MultipartReader()
	require.NotNil(t, mr)

	var parts []part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, err := p.Header.ContentType()
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		parts = append(parts, part{contentType: ct, body: string(body)})
	}
	return e.Header, parts
}

func bounce(rcpt string, o delivery.Outcome) scheduler.BouncedRecipient {
	return scheduler.BouncedRecipient{Recipient: rcpt, Failure: scheduler.Failure{Outcome: o, At: epoch.Add(30 * time.Minute)}}
}

func TestGenerate(t *testing.T) {
	g, blobs, env := setup(t)

	failed := []scheduler.BouncedRecipient{
		bounce("a@dest.example", delivery.Outcome{
			Kind:         delivery.PermanentFailure,
			Reason:       delivery.ReasonProtocol,
			Code:         550,
			EnhancedCode: "5.1.1",
			Message:      "no such user",
			Endpoint:     "mx.dest.example:25",
		}),
	}

	out, err := g.Generate(context.Background(), env, failed)
	require.NoError(t, err)

	assert.Equal(t, "", out.Sender)
	assert.True(t, out.IsNullSender())
	assert.Equal(t, []string{"sender@origin.example"}, out.Recipients)
	assert.True(t, out.NonBounceEligible)
	assert.False(t, out.BounceEligible())
	assert.Equal(t, env.ID, out.DSNFor)
	assert.NotEqual(t, env.ID, out.ID)

	hdr, parts := readReport(t, blobs, out.BlobRef)
	assert.Equal(t, "Undelivered Mail Returned to Sender", hdr.Get("Subject"))
	assert.Equal(t, "<sender@origin.example>", hdr.Get("To"))
	assert.Contains(t, hdr.Get("From"), "MAILER-DAEMON@mx.origin.example")
	assert.Equal(t, "auto-replied", hdr.Get("Auto-Submitted"))
	assert.NotEmpty(t, hdr.Get("Message-Id"))

	require.Len(t, parts, 3)
	assert.Equal(t, "text/plain", parts[0].contentType)
	assert.Contains(t, parts[0].body, "<a@dest.example>: host mx.dest.example said: 550 5.1.1 no such user")

	assert.Equal(t, "message/delivery-status", parts[1].contentType)
	status := parts[1].body
	assert.Contains(t, status, "Reporting-MTA: dns; mx.origin.example")
	assert.Contains(t, status, "X-Elemta-Queue-ID: "+env.ID)
	assert.Contains(t, status, "Final-Recipient: rfc822; a@dest.example")
	assert.Contains(t, status, "Action: failed")
	assert.Contains(t, status, "Status: 5.1.1")
	assert.Contains(t, status, "Remote-MTA: dns; mx.dest.example")
	assert.Contains(t, status, "Diagnostic-Code: smtp; 550 5.1.1 no such user")
	assert.Contains(t, status, "Last-Attempt-Date: ")
	assert.NotContains(t, status, "b@dest.example")

	assert.Equal(t, "text/rfc822-headers", parts[2].contentType)
	assert.Contains(t, parts[2].body, "Subject: quarterly numbers")
	assert.NotContains(t, parts[2].body, "body text")
}

func TestGenerateSuppressed(t *testing.T) {
	g, blobs, env := setup(t)
	failed := []scheduler.BouncedRecipient{bounce("a@dest.example", delivery.Outcome{Kind: delivery.PermanentFailure, Code: 550})}

	t.Run("null sender", func(t *testing.T) {
		nullEnv, err := envelope.New("<>", []string{"a@dest.example"}, env.BlobRef, epoch)
		require.NoError(t, err)

		out, err := g.Generate(context.Background(), nullEnv, failed)
		assert.ErrorIs(t, err, ErrSuppressed)
		assert.Nil(t, out)
		assert.Equal(t, 1, blobs.Len())
	})

	t.Run("notification", func(t *testing.T) {
		dsnEnv := *env
		dsnEnv.NonBounceEligible = true

		out, err := g.Generate(context.Background(), &dsnEnv, failed)
		assert.ErrorIs(t, err, ErrSuppressed)
		assert.Nil(t, out)
		assert.Equal(t, 1, blobs.Len())
	})

	t.Run("delay warning", func(t *testing.T) {
		nullEnv, err := envelope.New("", []string{"a@dest.example"}, env.BlobRef, epoch)
		require.NoError(t, err)
		_, err = g.GenerateDelay(context.Background(), nullEnv, scheduler.State{Pending: []string{"a@dest.example"}})
		assert.ErrorIs(t, err, ErrSuppressed)
	})
}

func TestGenerateExpired(t *testing.T) {
	g, blobs, env := setup(t)

	failed := []scheduler.BouncedRecipient{
		bounce("a@dest.example", delivery.Outcome{
			Kind:    delivery.PermanentFailure,
			Reason:  delivery.ReasonExpired,
			Code:    450,
			Message: "delivery time expired; last error: greylisted",
		}),
		bounce("b@dest.example", delivery.Outcome{
			Kind:    delivery.PermanentFailure,
			Reason:  delivery.ReasonResolution,
			Message: "no usable endpoints",
		}),
	}

	out, err := g.Generate(context.Background(), env, failed)
	require.NoError(t, err)

	_, parts := readReport(t, blobs, out.BlobRef)
	require.Len(t, parts, 3)
	status := parts[1].body
	assert.Contains(t, status, "Final-Recipient: rfc822; a@dest.example")
	assert.Contains(t, status, "Status: 4.4.7")
	assert.Contains(t, status, "Final-Recipient: rfc822; b@dest.example")
	assert.Contains(t, status, "Status: 5.1.2")
	assert.Contains(t, parts[0].body, "<b@dest.example>: no usable endpoints")
}

func TestGenerateDelay(t *testing.T) {
	g, blobs, env := setup(t)

	st := scheduler.NewState(env.ID, envelope.DomainGroup{Domain: "dest.example", Recipients: env.Recipients}, epoch, 120*time.Hour)
	st.LastFailure = &scheduler.Failure{
		Outcome: delivery.Outcome{Kind: delivery.TransientFailure, Code: 451, EnhancedCode: "4.7.1", Message: "greylisted"},
		At:      epoch.Add(4 * time.Hour),
	}

	out, err := g.GenerateDelay(context.Background(), env, st)
	require.NoError(t, err)
	assert.True(t, out.NonBounceEligible)

	hdr, parts := readReport(t, blobs, out.BlobRef)
	assert.Contains(t, hdr.Get("Subject"), "Delayed Mail")
	require.Len(t, parts, 3)
	assert.Contains(t, parts[0].body, "You do not need to resend the message.")

	status := parts[1].body
	assert.Contains(t, status, "Action: delayed")
	assert.Contains(t, status, "Status: 4.7.1")
	assert.Contains(t, status, "Will-Retry-Until: ")
	assert.Contains(t, status, "Final-Recipient: rfc822; a@dest.example")
	assert.Contains(t, status, "Final-Recipient: rfc822; b@dest.example")
}

func TestGenerateWithoutOriginal(t *testing.T) {
	g, blobs, env := setup(t)
	require.NoError(t, blobs.Delete(context.Background(), env.BlobRef))

	out, err := g.Generate(context.Background(), env, []scheduler.BouncedRecipient{
		bounce("a@dest.example", delivery.Outcome{Kind: delivery.PermanentFailure, Code: 550, Message: "rejected"}),
	})
	require.NoError(t, err)

	_, parts := readReport(t, blobs, out.BlobRef)
	assert.Len(t, parts, 2)
}

func TestGenerateNothingToReport(t *testing.T) {
	g, _, env := setup(t)
	_, err := g.Generate(context.Background(), env, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSuppressed)
}

func TestSetFields(t *testing.T) {
	var h textproto.Header
	setFields(&h,
		"Reporting-MTA", "dns; mx.origin.example",
		"MIME-Version", "1.0",
		"Message-ID", "<id@origin.example>",
		"Diagnostic-Code", "smtp; 550 first\r\nsecond "+strings.Repeat("x", 100),
	)
	var b strings.Builder
	require.NoError(t, textproto.WriteHeader(&b, h))
	out := b.String()

	assert.True(t, strings.HasPrefix(out, "Reporting-MTA: dns; mx.origin.example\r\nMIME-Version: 1.0\r\nMessage-ID: <id@origin.example>\r\n"), out)
	assert.Contains(t, out, "Diagnostic-Code: smtp; 550 first second")
	assert.NotContains(t, out, "first\r\nsecond")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	assert.Equal(t, "1.0", h.Get("Mime-Version"))
}

func TestGenerateKeepsFieldSpelling(t *testing.T) {
	g, blobs, env := setup(t)
	out, err := g.Generate(context.Background(), env, []scheduler.BouncedRecipient{
		bounce("a@dest.example", delivery.Outcome{Kind: delivery.PermanentFailure, Code: 550, EnhancedCode: "5.1.1", Message: "no such user"}),
	})
	require.NoError(t, err)

	rc, err := blobs.Open(context.Background(), out.BlobRef)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Contains(t, string(raw), "\r\nMIME-Version: 1.0\r\n")
	assert.Contains(t, string(raw), "\r\nMessage-ID: <")
	assert.Contains(t, string(raw), "Reporting-MTA: dns; mx.origin.example\r\n")
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		failure delivery.Outcome
		want    string
	}{
		{"enhanced code kept", ActionFailed, delivery.Outcome{EnhancedCode: "5.2.2"}, "5.2.2"},
		{"temporary code made permanent", ActionFailed, delivery.Outcome{EnhancedCode: "4.2.2"}, "5.2.2"},
		{"delayed keeps temporary code", ActionDelayed, delivery.Outcome{EnhancedCode: "4.2.2"}, "4.2.2"},
		{"delayed default", ActionDelayed, delivery.Outcome{}, "4.0.0"},
		{"expired", ActionFailed, delivery.Outcome{Reason: delivery.ReasonExpired, EnhancedCode: "4.7.1"}, "4.4.7"},
		{"resolution", ActionFailed, delivery.Outcome{Reason: delivery.ReasonResolution}, "5.1.2"},
		{"timeout", ActionFailed, delivery.Outcome{Reason: delivery.ReasonTimeout}, "4.4.1"},
		{"unknown", ActionFailed, delivery.Outcome{}, "5.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.action, scheduler.Failure{Outcome: tt.failure}))
		})
	}
}

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "mx.dest.example", remoteHost("mx.dest.example:25"))
	assert.Equal(t, "2001:db8::1", remoteHost("[2001:db8::1]:25"))
	assert.Equal(t, "", remoteHost(""))
	assert.Equal(t, "mx.dest.example", remoteHost("mx.dest.example"))
}

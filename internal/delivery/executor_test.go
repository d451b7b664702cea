package delivery

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-queue/internal/envelope"
)

const testMessage = "From: sender@origin.example\r\nSubject: test\r\n\r\nhello\r\n"

// memContent serves message bodies from memory.
type memContent map[string][]byte

func (m memContent) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	data, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type receivedMessage struct {
	From string
	To   []string
	Data []byte
	Helo string
	TLS  bool
}

// scriptedBackend is a go-smtp backend whose replies are set per test.
type scriptedBackend struct {
	mailErr error
	rcptErr map[string]error
	dataErr error

	mu       sync.Mutex
	received []receivedMessage
}

func (b *scriptedBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &scriptedSession{backend: b, conn: c}, nil
}

func (b *scriptedBackend) messages() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.received...)
}

type scriptedSession struct {
	backend *scriptedBackend
	conn    *smtp.Conn
	msg     receivedMessage
}

func (s *scriptedSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.mailErr != nil {
		return s.backend.mailErr
	}
	s.msg.From = from
	return nil
}

func (s *scriptedSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err, ok := s.backend.rcptErr[to]; ok {
		return err
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *scriptedSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.backend.dataErr != nil {
		return s.backend.dataErr
	}
	s.msg.Data = data
	s.msg.Helo = s.conn.Hostname()
	_, s.msg.TLS = s.conn.TLSConnectionState()
	s.backend.mu.Lock()
	s.backend.received = append(s.backend.received, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *scriptedSession) Reset() {
	s.msg = receivedMessage{}
}

func (s *scriptedSession) Logout() error {
	return nil
}

// startServer runs a scripted SMTP server on a loopback port and returns its
// endpoint.
func startServer(t *testing.T, be *scriptedBackend) Endpoint {
	t.Helper()
	return startServerTLS(t, be, nil)
}

// startServerTLS is startServer with STARTTLS offered when tlsConfig is set.
func startServerTLS(t *testing.T, be *scriptedBackend, tlsConfig *tls.Config) Endpoint {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := smtp.NewServer(be)
	s.TLSConfig = tlsConfig
	s.Domain = "mx.test"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second

	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() { s.Close() })

	return endpointFor(t, l.Addr())
}

// selfSignedTLS returns a server config with a throwaway certificate for
// 127.0.0.1.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// startSilentServer accepts connections and never speaks.
func startSilentServer(t *testing.T) Endpoint {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return endpointFor(t, l.Addr())
}

// closedEndpoint returns an endpoint nothing listens on.
func closedEndpoint(t *testing.T) Endpoint {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := endpointFor(t, l.Addr())
	require.NoError(t, l.Close())
	return ep
}

func endpointFor(t *testing.T, addr net.Addr) Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Endpoint{Host: host, Port: p}
}

func staticResolver(eps ...Endpoint) Resolver {
	return ResolverFunc(func(ctx context.Context, domain string) ([]Endpoint, error) {
		return eps, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeloName = "queue.test"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.EndpointTimeout = 5 * time.Second
	cfg.StartTLS = false
	cfg.Breaker.FailureThreshold = 0
	return cfg
}

func newTestExecutor(cfg Config, r Resolver) *Executor {
	content := memContent{"blob-1": []byte(testMessage)}
	return NewExecutor(cfg, r, content, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testEnvelope(t *testing.T, rcpts ...string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("sender@origin.example", rcpts, "blob-1", time.Now())
	require.NoError(t, err)
	return env
}

func TestExecutorDelivered(t *testing.T) {
	be := &scriptedBackend{}
	ep := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	rcpts := []string{"alice@dest.example", "bob@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, Delivered, res.Outcome.Kind)
	require.NotNil(t, res.Endpoint)
	assert.Equal(t, ep.Port, res.Endpoint.Port)
	for _, r := range rcpts {
		assert.Equal(t, Delivered, res.For(r).Kind, r)
	}
	require.Len(t, res.Attempts, 1)

	msgs := be.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sender@origin.example", msgs[0].From)
	assert.ElementsMatch(t, rcpts, msgs[0].To)
	assert.Contains(t, string(msgs[0].Data), "Subject: test")
}

func TestExecutorStartTLS(t *testing.T) {
	rcpts := []string{"alice@dest.example"}

	t.Run("upgrades when offered", func(t *testing.T) {
		be := &scriptedBackend{}
		ep := startServerTLS(t, be, selfSignedTLS(t))
		cfg := testConfig()
		cfg.StartTLS = true
		cfg.VerifyTLS = false
		ex := newTestExecutor(cfg, staticResolver(ep))

		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		require.Equal(t, Delivered, res.Outcome.Kind, res.Outcome.Message)

		msgs := be.messages()
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].TLS)
		assert.Equal(t, "queue.test", msgs[0].Helo)
	})

	t.Run("continues in the clear when not offered", func(t *testing.T) {
		be := &scriptedBackend{}
		ep := startServer(t, be)
		cfg := testConfig()
		cfg.StartTLS = true
		ex := newTestExecutor(cfg, staticResolver(ep))

		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		require.Equal(t, Delivered, res.Outcome.Kind, res.Outcome.Message)

		msgs := be.messages()
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].TLS)
		assert.Equal(t, "queue.test", msgs[0].Helo)
	})

	t.Run("untrusted certificate fails when verifying", func(t *testing.T) {
		be := &scriptedBackend{}
		ep := startServerTLS(t, be, selfSignedTLS(t))
		cfg := testConfig()
		cfg.StartTLS = true
		cfg.VerifyTLS = true
		ex := newTestExecutor(cfg, staticResolver(ep))

		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		assert.Equal(t, TransientFailure, res.Outcome.Kind)
		assert.Empty(t, be.messages())
	})
}

func TestExecutorNullSender(t *testing.T) {
	be := &scriptedBackend{}
	ep := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	env, err := envelope.New("", []string{"alice@dest.example"}, "blob-1", time.Now())
	require.NoError(t, err)

	res := ex.Attempt(context.Background(), "dest.example", env.Recipients, env)
	require.Equal(t, Delivered, res.Outcome.Kind)

	msgs := be.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].From)
}

func TestExecutorPartialRecipients(t *testing.T) {
	be := &scriptedBackend{rcptErr: map[string]error{
		"alice@dest.example": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		"carol@dest.example": &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"},
	}}
	ep := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	rcpts := []string{"alice@dest.example", "bob@dest.example", "carol@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, Delivered, res.Outcome.Kind)

	alice := res.For("alice@dest.example")
	assert.Equal(t, PermanentFailure, alice.Kind)
	assert.Equal(t, 550, alice.Code)
	assert.Equal(t, "5.1.1", alice.EnhancedCode)
	assert.Equal(t, "no such user", alice.Message)

	assert.Equal(t, Delivered, res.For("bob@dest.example").Kind)
	assert.Equal(t, TransientFailure, res.For("carol@dest.example").Kind)

	msgs := be.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"bob@dest.example"}, msgs[0].To)
}

func TestExecutorAllRecipientsRejected(t *testing.T) {
	be := &scriptedBackend{rcptErr: map[string]error{
		"alice@dest.example": &smtp.SMTPError{Code: 550, Message: "no such user"},
	}}
	ep := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	rcpts := []string{"alice@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, PermanentFailure, res.Outcome.Kind)
	assert.Equal(t, PermanentFailure, res.For("alice@dest.example").Kind)
	assert.Empty(t, be.messages())
}

func TestExecutorTransientEverywhere(t *testing.T) {
	greylist := &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "greylisted"}
	ep1 := startServer(t, &scriptedBackend{mailErr: greylist})
	ep2 := startServer(t, &scriptedBackend{mailErr: greylist})
	ex := newTestExecutor(testConfig(), staticResolver(ep1, ep2))

	rcpts := []string{"alice@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, EndpointExhausted, res.Outcome.Kind)
	assert.Equal(t, 450, res.Outcome.Code)
	assert.True(t, res.For("alice@dest.example").Kind.Transient())
	assert.Len(t, res.Attempts, 2)
	assert.Nil(t, res.Endpoint)
}

func TestExecutorPermanentDominates(t *testing.T) {
	ep1 := startServer(t, &scriptedBackend{mailErr: &smtp.SMTPError{Code: 550, Message: "policy rejection"}})
	ep2 := startServer(t, &scriptedBackend{mailErr: &smtp.SMTPError{Code: 451, Message: "try later"}})
	ex := newTestExecutor(testConfig(), staticResolver(ep1, ep2))

	rcpts := []string{"alice@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, PermanentFailure, res.Outcome.Kind)
	assert.Equal(t, 550, res.Outcome.Code)
	assert.Equal(t, PermanentFailure, res.For("alice@dest.example").Kind)
	assert.Len(t, res.Attempts, 2)
}

func TestExecutorFallsBackToNextEndpoint(t *testing.T) {
	be := &scriptedBackend{}
	down := closedEndpoint(t)
	up := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(down, up))

	rcpts := []string{"alice@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, Delivered, res.Outcome.Kind)
	require.NotNil(t, res.Endpoint)
	assert.Equal(t, up.Port, res.Endpoint.Port)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, TransientFailure, res.Attempts[0].Outcome.Kind)
	assert.Equal(t, ReasonTransport, res.Attempts[0].Outcome.Reason)
	assert.Len(t, be.messages(), 1)
}

func TestExecutorDataRejected(t *testing.T) {
	be := &scriptedBackend{dataErr: &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "content rejected"}}
	ep := startServer(t, be)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	rcpts := []string{"alice@dest.example", "bob@dest.example"}
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Equal(t, PermanentFailure, res.Outcome.Kind)
	for _, r := range rcpts {
		o := res.For(r)
		assert.Equal(t, PermanentFailure, o.Kind, r)
		assert.Equal(t, 554, o.Code, r)
	}
}

func TestExecutorTimeout(t *testing.T) {
	ep := startSilentServer(t)
	cfg := testConfig()
	cfg.EndpointTimeout = 200 * time.Millisecond
	ex := newTestExecutor(cfg, staticResolver(ep))

	rcpts := []string{"alice@dest.example"}
	start := time.Now()
	res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, EndpointExhausted, res.Outcome.Kind)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, TransientFailure, res.Attempts[0].Outcome.Kind)
	assert.Equal(t, ReasonTimeout, res.Attempts[0].Outcome.Reason)
	assert.True(t, res.For("alice@dest.example").Kind.Transient())
}

func TestExecutorCancelled(t *testing.T) {
	ep := startSilentServer(t)
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	rcpts := []string{"alice@dest.example"}
	start := time.Now()
	res := ex.Attempt(ctx, "dest.example", rcpts, testEnvelope(t, rcpts...))

	assert.Less(t, time.Since(start), 4*time.Second)
	assert.True(t, res.Outcome.Kind.Transient())
}

func TestExecutorResolutionFailure(t *testing.T) {
	rcpts := []string{"alice@dest.example", "bob@dest.example"}

	t.Run("transient", func(t *testing.T) {
		ex := newTestExecutor(testConfig(), ResolverFunc(func(ctx context.Context, domain string) ([]Endpoint, error) {
			return nil, &ResolutionError{Domain: domain, Err: errors.New("SERVFAIL")}
		}))
		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		assert.Equal(t, TransientFailure, res.Outcome.Kind)
		assert.Equal(t, ReasonResolution, res.Outcome.Reason)
		for _, r := range rcpts {
			assert.Equal(t, ReasonResolution, res.For(r).Reason)
		}
	})

	t.Run("no endpoints", func(t *testing.T) {
		ex := newTestExecutor(testConfig(), staticResolver())
		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		assert.Equal(t, TransientFailure, res.Outcome.Kind)
		assert.Equal(t, ReasonResolution, res.Outcome.Reason)
	})

	t.Run("null mx", func(t *testing.T) {
		ex := newTestExecutor(testConfig(), ResolverFunc(func(ctx context.Context, domain string) ([]Endpoint, error) {
			return nil, &ResolutionError{Domain: domain, Err: errors.New("null MX"), Permanent: true}
		}))
		res := ex.Attempt(context.Background(), "dest.example", rcpts, testEnvelope(t, rcpts...))
		assert.Equal(t, PermanentFailure, res.Outcome.Kind)
		assert.Equal(t, ReasonResolution, res.Outcome.Reason)
	})
}

func TestExecutorMissingContent(t *testing.T) {
	ep := startServer(t, &scriptedBackend{})
	ex := newTestExecutor(testConfig(), staticResolver(ep))

	env, err := envelope.New("sender@origin.example", []string{"alice@dest.example"}, "missing-blob", time.Now())
	require.NoError(t, err)

	res := ex.Attempt(context.Background(), "dest.example", env.Recipients, env)
	assert.Equal(t, EndpointExhausted, res.Outcome.Kind)
	assert.Equal(t, ReasonLocal, res.Outcome.Reason)
}

func TestExecutorCircuitBreaker(t *testing.T) {
	down := closedEndpoint(t)
	cfg := testConfig()
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2}
	ex := newTestExecutor(cfg, staticResolver(down))

	rcpts := []string{"alice@dest.example"}
	env := testEnvelope(t, rcpts...)

	for i := 0; i < 2; i++ {
		res := ex.Attempt(context.Background(), "dest.example", rcpts, env)
		require.Len(t, res.Attempts, 1)
		assert.Equal(t, ReasonTransport, res.Attempts[0].Outcome.Reason)
	}
	assert.Equal(t, "open", ex.BreakerState(down.Host))

	res := ex.Attempt(context.Background(), "dest.example", rcpts, env)
	assert.Equal(t, EndpointExhausted, res.Outcome.Kind)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, ReasonBreakerOpen, res.Attempts[0].Outcome.Reason)
}

func TestExecutorProtocolRepliesDoNotTripBreaker(t *testing.T) {
	ep := startServer(t, &scriptedBackend{mailErr: &smtp.SMTPError{Code: 451, Message: "later"}})
	cfg := testConfig()
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 1}
	ex := newTestExecutor(cfg, staticResolver(ep))

	rcpts := []string{"alice@dest.example"}
	env := testEnvelope(t, rcpts...)
	for i := 0; i < 3; i++ {
		res := ex.Attempt(context.Background(), "dest.example", rcpts, env)
		assert.Equal(t, ReasonProtocol, res.Outcome.Reason)
	}
	assert.Equal(t, "closed", ex.BreakerState(ep.Host))
}

func TestResultFinal(t *testing.T) {
	transient := Outcome{Kind: TransientFailure, Code: 451}
	assert.False(t, Uniform(transient, []string{"a@x.example"}).Final())

	res := Uniform(transient, []string{"a@x.example", "b@x.example"})
	res.Recipients["b@x.example"] = Outcome{Kind: Delivered, Code: 250}
	assert.True(t, res.Final())

	assert.True(t, Uniform(Outcome{Kind: PermanentFailure, Code: 550}, nil).Final())
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/elemta-queue/internal/cache"
)

// Resolver turns a destination domain into delivery endpoints ordered by
// priority.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]Endpoint, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, domain string) ([]Endpoint, error)

// Resolve calls f(ctx, domain).
func (f ResolverFunc) Resolve(ctx context.Context, domain string) ([]Endpoint, error) {
	return f(ctx, domain)
}

// DNSLookup is the subset of *net.Resolver the DNS resolver needs.
type DNSLookup interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DefaultLookupTimeout bounds a shared DNS lookup when no timeout is
// configured.
const DefaultLookupTimeout = 30 * time.Second

// ResolverConfig configures a DNSResolver.
type ResolverConfig struct {
	Routes      []Route
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	// LookupTimeout bounds a lookup shared by concurrent callers, which
	// runs detached from any single caller's context.
	LookupTimeout time.Duration
}

// DNSResolver resolves domains through MX records, falling back to the
// implicit MX of RFC 5321 section 5.1 and honouring null MX (RFC 7505).
// Static routes take precedence over DNS.
type DNSResolver struct {
	lookup  DNSLookup
	router  *Router
	cache   *endpointCache
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
}

// NewDNSResolver creates a resolver. lookup may be nil to use
// net.DefaultResolver; backend may be nil to disable caching.
func NewDNSResolver(cfg ResolverConfig, lookup DNSLookup, backend cache.Cache, logger *slog.Logger) *DNSResolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resolver")
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}

	return &DNSResolver{
		lookup: lookup,
		router: NewRouter(cfg.Routes),
		cache: &endpointCache{
			backend:     backend,
			ttl:         cfg.CacheTTL,
			negativeTTL: cfg.NegativeTTL,
			logger:      logger,
		},
		timeout: cfg.LookupTimeout,
		logger:  logger,
	}
}

// Resolve returns the endpoints for a domain. Endpoints with equal priority
// are shuffled on every call to spread load.
func (r *DNSResolver) Resolve(ctx context.Context, domain string) ([]Endpoint, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if eps, ok := r.router.Lookup(domain); ok {
		return eps, nil
	}

	if ans, ok := r.cache.get(ctx, domain); ok {
		r.logger.Debug("Resolver cache hit", "domain", domain)
		return r.answer(domain, ans)
	}

	// The lookup is shared, so one caller giving up must not fail the
	// others. Each caller still stops waiting when its own context ends.
	ch := r.group.DoChan(domain, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.lookupDomain(lctx, domain)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, &ResolutionError{Domain: domain, Err: ctx.Err()}
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, &ResolutionError{Domain: domain, Err: res.Err}
	}

	ans := res.Val.(cachedAnswer)
	r.cache.put(ctx, domain, ans)
	return r.answer(domain, ans)
}

func (r *DNSResolver) answer(domain string, ans cachedAnswer) ([]Endpoint, error) {
	switch {
	case ans.NullMX:
		return nil, &ResolutionError{Domain: domain, Err: errors.New("domain does not accept mail (null MX)"), Permanent: true}
	case ans.Negative || len(ans.Endpoints) == 0:
		return nil, &ResolutionError{Domain: domain, Err: ErrNoEndpoints}
	}

	eps := append([]Endpoint(nil), ans.Endpoints...)
	shuffleEqualPriority(eps)
	return eps, nil
}

// lookupDomain performs the DNS queries. Only definitive answers are
// returned without error so that temporary failures are never cached.
func (r *DNSResolver) lookupDomain(ctx context.Context, domain string) (cachedAnswer, error) {
	mxs, err := r.lookup.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		r.logger.Warn("MX lookup failed", "domain", domain, "error", err)
		return cachedAnswer{}, fmt.Errorf("MX lookup: %w", err)
	}

	if len(mxs) == 1 && (mxs[0].Host == "." || mxs[0].Host == "") {
		return cachedAnswer{NullMX: true}, nil
	}

	if len(mxs) == 0 {
		// Implicit MX: the domain itself, if it has an address.
		addrs, err := r.lookup.LookupHost(ctx, domain)
		if err != nil {
			if isNotFound(err) {
				return cachedAnswer{Negative: true}, nil
			}
			return cachedAnswer{}, fmt.Errorf("address lookup: %w", err)
		}
		if len(addrs) == 0 {
			return cachedAnswer{Negative: true}, nil
		}
		return cachedAnswer{Endpoints: []Endpoint{{Host: domain}}}, nil
	}

	eps := make([]Endpoint, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		eps = append(eps, Endpoint{Host: host, Priority: int(mx.Pref)})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	r.logger.Debug("Resolved domain", "domain", domain, "endpoints", len(eps))
	return cachedAnswer{Endpoints: eps, Negative: len(eps) == 0}, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// shuffleEqualPriority randomizes the order of endpoints that share a
// priority. eps must be sorted by priority.
func shuffleEqualPriority(eps []Endpoint) {
	for start := 0; start < len(eps); {
		end := start + 1
		for end < len(eps) && eps[end].Priority == eps[start].Priority {
			end++
		}
		group := eps[start:end]
		rand.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		start = end
	}
}

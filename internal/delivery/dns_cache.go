package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/busybox42/elemta-queue/internal/cache"
)

// cachedAnswer is what the resolver stores per domain. A negative answer
// records a domain that resolved to nothing.
type cachedAnswer struct {
	Endpoints []Endpoint `json:"endpoints,omitempty"`
	Negative  bool       `json:"negative,omitempty"`
	NullMX    bool       `json:"null_mx,omitempty"`
}

// endpointCache wraps a cache.Cache with the encoding and TTL policy for
// resolver answers. A nil backend disables caching.
type endpointCache struct {
	backend     cache.Cache
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

func (c *endpointCache) key(domain string) string {
	return "mx:" + domain
}

func (c *endpointCache) get(ctx context.Context, domain string) (cachedAnswer, bool) {
	if c == nil || c.backend == nil {
		return cachedAnswer{}, false
	}

	data, err := c.backend.Get(ctx, c.key(domain))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Warn("Resolver cache read failed", "domain", domain, "error", err)
		}
		return cachedAnswer{}, false
	}

	var ans cachedAnswer
	if err := json.Unmarshal(data, &ans); err != nil {
		c.logger.Warn("Discarding undecodable resolver cache entry", "domain", domain, "error", err)
		_ = c.backend.Delete(ctx, c.key(domain))
		return cachedAnswer{}, false
	}
	return ans, true
}

func (c *endpointCache) put(ctx context.Context, domain string, ans cachedAnswer) {
	if c == nil || c.backend == nil {
		return
	}

	ttl := c.ttl
	if ans.Negative || ans.NullMX {
		ttl = c.negativeTTL
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(ans)
	if err != nil {
		return
	}
	if err := c.backend.Set(ctx, c.key(domain), data, ttl); err != nil {
		c.logger.Warn("Resolver cache write failed", "domain", domain, "error", err)
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client *memcache.Client
	config Config
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 11211 // Default Memcached port
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.client != nil {
		return nil
	}

	client := memcache.New(fmt.Sprintf("%s:%d", m.config.Host, m.config.Port))
	client.Timeout = 2 * time.Second

	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.client = client
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.client = nil
	return nil
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(ctx context.Context, key string) ([]byte, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}

	it, err := m.client.Get(prefixed(m.config.Prefix, key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return it.Value, nil
}

// Set stores a value in the cache with an optional expiration
func (m *Memcached) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if m.client == nil {
		return ErrNotConnected
	}

	// Memcached expirations are whole seconds; round short TTLs up so they
	// are not treated as "never expire".
	var seconds int32
	if expiration > 0 {
		seconds = int32((expiration + time.Second - 1) / time.Second)
	}

	return m.client.Set(&memcache.Item{
		Key:        prefixed(m.config.Prefix, key),
		Value:      value,
		Expiration: seconds,
	})
}

// Delete removes a value from the cache
func (m *Memcached) Delete(ctx context.Context, key string) error {
	if m.client == nil {
		return ErrNotConnected
	}

	err := m.client.Delete(prefixed(m.config.Prefix, key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a byte-oriented key/value cache with per-entry expiry. The
// resolver keeps MX answers in it so that several queue processes can share
// lookups.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a value, returning ErrNotFound on a miss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an expiration; zero means no expiry
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string `toml:"type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	Database int    `toml:"database"`
	Prefix   string `toml:"prefix"`
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

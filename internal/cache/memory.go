package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      []byte
	expiration int64 // unix nanoseconds, 0 for none
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory implements Cache in process memory
type Memory struct {
	config   Config
	items    map[string]item
	mu       sync.RWMutex
	janitor  *time.Ticker
	stopChan chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
	}
}

// Connect starts the janitor that drops expired entries
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopChan != nil {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})
	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}(m.janitor, m.stopChan)

	return nil
}

// Close stops the janitor and drops all entries
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
	m.items = make(map[string]item)
	return nil
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from memory
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[prefixed(m.config.Prefix, key)]
	m.mu.RUnlock()

	if !ok || it.expired(time.Now().UnixNano()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value in memory
func (m *Memory) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	m.mu.Lock()
	m.items[prefixed(m.config.Prefix, key)] = item{value: append([]byte(nil), value...), expiration: exp}
	m.mu.Unlock()
	return nil
}

// Delete removes a value from memory
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, prefixed(m.config.Prefix, key))
	m.mu.Unlock()
	return nil
}

func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}

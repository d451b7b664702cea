package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/elemta-queue/internal/api"
	"github.com/busybox42/elemta-queue/internal/cache"
	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/logging"
	"github.com/busybox42/elemta-queue/internal/queue"
	"github.com/busybox42/elemta-queue/internal/scheduler"
)

// ErrNoConfigFile is returned by FindConfigFile when no file exists in any
// of the default locations.
var ErrNoConfigFile = errors.New("no config file found")

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Queue    QueueConfig    `toml:"queue"`
	Delivery DeliveryConfig `toml:"delivery"`
	Resolver ResolverConfig `toml:"resolver"`
	Store    StoreConfig    `toml:"store"`
	Logging  logging.Config `toml:"logging"`
	API      APIConfig      `toml:"api"`
	Metrics  MetricsConfig  `toml:"metrics"`

	// Path is the file the configuration was loaded from, if any.
	Path string `toml:"-"`
}

type ServerConfig struct {
	Hostname string `toml:"hostname"`
}

// QueueConfig holds the in-flight limits, the retry policy and the
// processor timing.
type QueueConfig struct {
	MaxInFlight        int      `toml:"max_in_flight"`
	MaxPerDomain       int      `toml:"max_per_domain"`
	BaseBackoff        Duration `toml:"base_backoff"`
	MaxBackoff         Duration `toml:"max_backoff"`
	AttemptCap         int      `toml:"attempt_cap"`
	Jitter             float64  `toml:"jitter"`
	Expiry             Duration `toml:"expiry"`
	ResolutionAttempts int      `toml:"resolution_attempts"`
	DelayWarning       Duration `toml:"delay_warning"`
	TickInterval       Duration `toml:"tick_interval"`
	RefreshInterval    Duration `toml:"refresh_interval"`
	ShutdownGrace      Duration `toml:"shutdown_grace"`
	BatchSize          int      `toml:"batch_size"`
}

type DeliveryConfig struct {
	Port            int               `toml:"port"`
	ConnectTimeout  Duration          `toml:"connect_timeout"`
	EndpointTimeout Duration          `toml:"endpoint_timeout"`
	StartTLS        bool              `toml:"starttls"`
	VerifyTLS       bool              `toml:"verify_tls"`
	HeloName        string            `toml:"helo_name"`
	ReplyOverrides  map[string]string `toml:"reply_overrides"`
	Routes          []delivery.Route  `toml:"routes"`
	Breaker         BreakerConfig     `toml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32   `toml:"max_requests"`
	Interval         Duration `toml:"interval"`
	Timeout          Duration `toml:"timeout"`
	FailureThreshold uint32   `toml:"failure_threshold"`
}

type ResolverConfig struct {
	CacheTTL      Duration     `toml:"cache_ttl"`
	NegativeTTL   Duration     `toml:"negative_ttl"`
	LookupTimeout Duration     `toml:"lookup_timeout"`
	Cache         cache.Config `toml:"cache"`
}

type StoreConfig struct {
	Driver  string `toml:"driver"`
	DSN     string `toml:"dsn"`
	BlobDir string `toml:"blob_dir"`
}

type APIConfig struct {
	Enabled    bool                `toml:"enabled"`
	ListenAddr string              `toml:"listen_addr"`
	CORS       api.CORSConfig      `toml:"cors"`
	RateLimit  api.RateLimitConfig `toml:"rate_limit"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	policy := scheduler.DefaultPolicy()
	proc := queue.DefaultProcessorConfig()
	limits := queue.DefaultConfig()
	exec := delivery.DefaultConfig()

	cfg := &Config{}
	cfg.Server.Hostname = "localhost"

	cfg.Queue = QueueConfig{
		MaxInFlight:        limits.MaxInFlight,
		MaxPerDomain:       limits.MaxPerDomain,
		BaseBackoff:        Duration(policy.BaseBackoff),
		MaxBackoff:         Duration(policy.MaxBackoff),
		AttemptCap:         policy.AttemptCap,
		Jitter:             policy.Jitter,
		Expiry:             Duration(policy.Expiry),
		ResolutionAttempts: policy.ResolutionAttempts,
		DelayWarning:       Duration(policy.DelayWarningAfter),
		TickInterval:       Duration(proc.TickInterval),
		RefreshInterval:    Duration(proc.RefreshInterval),
		ShutdownGrace:      Duration(30 * time.Second),
		BatchSize:          proc.BatchSize,
	}

	cfg.Delivery = DeliveryConfig{
		Port:            exec.Port,
		ConnectTimeout:  Duration(exec.ConnectTimeout),
		EndpointTimeout: Duration(exec.EndpointTimeout),
		StartTLS:        exec.StartTLS,
		Breaker: BreakerConfig{
			MaxRequests:      exec.Breaker.MaxRequests,
			Interval:         Duration(exec.Breaker.Interval),
			Timeout:          Duration(exec.Breaker.Timeout),
			FailureThreshold: exec.Breaker.FailureThreshold,
		},
	}

	cfg.Resolver = ResolverConfig{
		CacheTTL:      Duration(time.Hour),
		NegativeTTL:   Duration(5 * time.Minute),
		LookupTimeout: Duration(30 * time.Second),
		Cache:         cache.Config{Type: "memory", Prefix: "elemta-queue:"},
	}

	cfg.Store = StoreConfig{
		Driver:  "sqlite3",
		DSN:     "/var/spool/elemta-queue/queue.db",
		BlobDir: "/var/spool/elemta-queue/blobs",
	}

	cfg.Logging = logging.DefaultConfig()
	cfg.API = APIConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:8025",
		RateLimit:  api.RateLimitConfig{Enabled: true, RequestsPerSecond: 10, Burst: 20},
	}
	cfg.Metrics.Enabled = true
	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found at specified path: %s", configPath)
		}
		return configPath, nil
	}

	locations := []string{
		"./elemta-queue.toml",
		"./config/elemta-queue.toml",
		os.ExpandEnv("$HOME/.elemta-queue.toml"),
		"/etc/elemta/elemta-queue.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", ErrNoConfigFile
}

// LoadConfig reads the configuration at configPath, or from the first
// default location that exists. Without a file the defaults are returned.
// The result is validated; warnings are left to the caller.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if errors.Is(err, ErrNoConfigFile) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	sv := NewSecurityValidator()
	if err := sv.ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := gotoml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	cfg.Path = configFile

	// Relative directories are relative to the config file.
	if cfg.Store.BlobDir != "" && !filepath.IsAbs(cfg.Store.BlobDir) {
		cfg.Store.BlobDir = filepath.Join(filepath.Dir(configFile), cfg.Store.BlobDir)
	}

	if result := cfg.Validate(); !result.Valid {
		return nil, result.Err()
	}
	return cfg, nil
}

// SaveConfig writes the configuration in TOML format. Files holding
// credentials are only readable by their owner.
func (c *Config) SaveConfig(configPath string) error {
	var buf bytes.Buffer
	buf.WriteString("# elemta-queue configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeConfigFile(configPath, buf.Bytes(), c.hasSecrets())
}

func (c *Config) hasSecrets() bool {
	return c.Resolver.Cache.Password != "" || ContainsSensitiveData([]byte(c.Store.DSN))
}

// Policy returns the retry policy.
func (c *Config) Policy() scheduler.Policy {
	return scheduler.Policy{
		BaseBackoff:        c.Queue.BaseBackoff.Std(),
		MaxBackoff:         c.Queue.MaxBackoff.Std(),
		AttemptCap:         c.Queue.AttemptCap,
		Jitter:             c.Queue.Jitter,
		Expiry:             c.Queue.Expiry.Std(),
		ResolutionAttempts: c.Queue.ResolutionAttempts,
		DelayWarningAfter:  c.Queue.DelayWarning.Std(),
	}
}

// ManagerConfig returns the queue manager configuration.
func (c *Config) ManagerConfig() queue.Config {
	return queue.Config{
		MaxInFlight:  c.Queue.MaxInFlight,
		MaxPerDomain: c.Queue.MaxPerDomain,
		Policy:       c.Policy(),
	}
}

// ProcessorConfig returns the queue processor configuration.
func (c *Config) ProcessorConfig() queue.ProcessorConfig {
	return queue.ProcessorConfig{
		TickInterval:    c.Queue.TickInterval.Std(),
		RefreshInterval: c.Queue.RefreshInterval.Std(),
		BatchSize:       c.Queue.BatchSize,
		MaxConcurrent:   c.Queue.MaxInFlight,
		ReportTimeout:   queue.DefaultProcessorConfig().ReportTimeout,
	}
}

// ExecutorConfig returns the delivery executor configuration.
func (c *Config) ExecutorConfig() (delivery.Config, error) {
	replies := delivery.DefaultReplyPolicy()
	overrides, err := c.Delivery.replyOverrides()
	if err != nil {
		return delivery.Config{}, err
	}
	replies.Overrides = overrides

	helo := c.Delivery.HeloName
	if helo == "" {
		helo = c.Server.Hostname
	}
	return delivery.Config{
		HeloName:        helo,
		Port:            c.Delivery.Port,
		ConnectTimeout:  c.Delivery.ConnectTimeout.Std(),
		EndpointTimeout: c.Delivery.EndpointTimeout.Std(),
		StartTLS:        c.Delivery.StartTLS,
		VerifyTLS:       c.Delivery.VerifyTLS,
		Replies:         replies,
		Breaker: delivery.BreakerConfig{
			MaxRequests:      c.Delivery.Breaker.MaxRequests,
			Interval:         c.Delivery.Breaker.Interval.Std(),
			Timeout:          c.Delivery.Breaker.Timeout.Std(),
			FailureThreshold: c.Delivery.Breaker.FailureThreshold,
		},
	}, nil
}

// ResolverConfig returns the MX resolver configuration.
func (c *Config) ResolverConfig() delivery.ResolverConfig {
	return delivery.ResolverConfig{
		Routes:        c.Delivery.Routes,
		CacheTTL:      c.Resolver.CacheTTL.Std(),
		NegativeTTL:   c.Resolver.NegativeTTL.Std(),
		LookupTimeout: c.Resolver.LookupTimeout.Std(),
	}
}

// APIServerConfig returns the admin API server configuration.
func (c *Config) APIServerConfig() api.Config {
	return api.Config{
		ListenAddr: c.API.ListenAddr,
		CORS:       c.API.CORS,
		RateLimit:  c.API.RateLimit,
	}
}

func (d DeliveryConfig) replyOverrides() (map[int]delivery.Kind, error) {
	if len(d.ReplyOverrides) == 0 {
		return nil, nil
	}
	out := make(map[int]delivery.Kind, len(d.ReplyOverrides))
	for code, kind := range d.ReplyOverrides {
		n, err := strconv.Atoi(code)
		if err != nil || n < 200 || n > 599 {
			return nil, fmt.Errorf("invalid reply code %q", code)
		}
		k, err := delivery.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("reply code %d: %w", n, err)
		}
		out[n] = k
	}
	return out, nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Err joins the validation errors, or returns nil.
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks the configuration for values the queue cannot run with.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServer(result, sv)
	c.validateQueue(result)
	c.validateDelivery(result, sv)
	c.validateResolver(result, sv)
	c.validateStore(result, sv)
	c.validateLogging(result, sv)
	c.validateAPI(result, sv)
	return result
}

func (c *Config) validateServer(result *ValidationResult, sv *SecurityValidator) {
	c.Server.Hostname = sv.SanitizeString(c.Server.Hostname)
	if err := sv.ValidateHostname(c.Server.Hostname, "server.hostname"); err != nil {
		result.AddError("server.hostname", c.Server.Hostname, err.Error())
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	q := c.Queue
	positive := []struct {
		field string
		value int
	}{
		{"queue.max_in_flight", q.MaxInFlight},
		{"queue.max_per_domain", q.MaxPerDomain},
		{"queue.resolution_attempts", q.ResolutionAttempts},
		{"queue.batch_size", q.BatchSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			result.AddError(p.field, p.value, "must be greater than zero")
		}
	}
	if q.MaxPerDomain > q.MaxInFlight {
		result.AddWarning("queue.max_per_domain", q.MaxPerDomain, "exceeds max_in_flight and has no effect")
	}

	if q.AttemptCap < 0 {
		result.AddError("queue.attempt_cap", q.AttemptCap, "must not be negative")
	}
	if q.Jitter < 0 || q.Jitter > 1 {
		result.AddError("queue.jitter", q.Jitter, "must be between 0 and 1")
	}
	for field, d := range map[string]Duration{
		"queue.base_backoff":     q.BaseBackoff,
		"queue.expiry":           q.Expiry,
		"queue.tick_interval":    q.TickInterval,
		"queue.refresh_interval": q.RefreshInterval,
	} {
		if d <= 0 {
			result.AddError(field, d.Std(), "must be greater than zero")
		}
	}
	if q.MaxBackoff < q.BaseBackoff {
		result.AddError("queue.max_backoff", q.MaxBackoff.Std(), "must not be less than base_backoff")
	}
	if q.DelayWarning < 0 {
		result.AddError("queue.delay_warning", q.DelayWarning.Std(), "must not be negative")
	} else if q.DelayWarning >= q.Expiry && q.DelayWarning > 0 {
		result.AddWarning("queue.delay_warning", q.DelayWarning.Std(), "is not shorter than expiry; no delay warning will be sent")
	}
	if q.ShutdownGrace < 0 {
		result.AddError("queue.shutdown_grace", q.ShutdownGrace.Std(), "must not be negative")
	}
}

func (c *Config) validateDelivery(result *ValidationResult, sv *SecurityValidator) {
	d := c.Delivery
	if err := sv.ValidatePort(d.Port, "delivery.port"); err != nil {
		result.AddError("delivery.port", d.Port, err.Error())
	}
	if d.ConnectTimeout <= 0 {
		result.AddError("delivery.connect_timeout", d.ConnectTimeout.Std(), "must be greater than zero")
	}
	if d.EndpointTimeout <= 0 {
		result.AddError("delivery.endpoint_timeout", d.EndpointTimeout.Std(), "must be greater than zero")
	}
	if d.HeloName != "" {
		if err := sv.ValidateHostname(d.HeloName, "delivery.helo_name"); err != nil {
			result.AddError("delivery.helo_name", d.HeloName, err.Error())
		}
	}
	if _, err := d.replyOverrides(); err != nil {
		result.AddError("delivery.reply_overrides", d.ReplyOverrides, err.Error())
	}
	for i, rt := range d.Routes {
		field := fmt.Sprintf("delivery.routes[%d]", i)
		if rt.Domain == "" {
			result.AddError(field+".domain", rt.Domain, "domain is required")
		}
		if err := sv.ValidateHostname(rt.Host, field+".host"); err != nil {
			result.AddError(field+".host", rt.Host, err.Error())
		}
		if rt.Port != 0 {
			if err := sv.ValidatePort(rt.Port, field+".port"); err != nil {
				result.AddError(field+".port", rt.Port, err.Error())
			}
		}
	}
	if d.Breaker.FailureThreshold == 0 {
		result.AddError("delivery.breaker.failure_threshold", d.Breaker.FailureThreshold, "must be greater than zero")
	}
	if d.StartTLS && !d.VerifyTLS {
		result.AddWarning("delivery.verify_tls", d.VerifyTLS, "STARTTLS certificates are not verified")
	}
}

func (c *Config) validateResolver(result *ValidationResult, sv *SecurityValidator) {
	r := c.Resolver
	if r.CacheTTL < 0 {
		result.AddError("resolver.cache_ttl", r.CacheTTL.Std(), "must not be negative")
	}
	if r.NegativeTTL < 0 {
		result.AddError("resolver.negative_ttl", r.NegativeTTL.Std(), "must not be negative")
	}
	switch r.Cache.Type {
	case "", "memory":
	case "redis", "memcached":
		if err := sv.ValidateHostname(r.Cache.Host, "resolver.cache.host"); err != nil {
			result.AddError("resolver.cache.host", r.Cache.Host, err.Error())
		}
		if err := sv.ValidatePort(r.Cache.Port, "resolver.cache.port"); err != nil {
			result.AddError("resolver.cache.port", r.Cache.Port, err.Error())
		}
	default:
		result.AddError("resolver.cache.type", r.Cache.Type, "must be memory, redis or memcached")
	}
}

func (c *Config) validateStore(result *ValidationResult, sv *SecurityValidator) {
	s := c.Store
	switch s.Driver {
	case "memory":
		result.AddWarning("store.driver", s.Driver, "queued mail is lost on restart")
	case "sqlite3", "postgres", "mysql":
		if s.DSN == "" {
			result.AddError("store.dsn", s.DSN, "dsn is required")
		}
	default:
		result.AddError("store.driver", s.Driver, "must be sqlite3, postgres, mysql or memory")
	}

	if s.BlobDir == "" {
		result.AddError("store.blob_dir", s.BlobDir, "blob directory is required")
		return
	}
	if err := sv.ValidatePath(s.BlobDir, "store.blob_dir"); err != nil {
		result.AddError("store.blob_dir", s.BlobDir, err.Error())
		return
	}
	c.Store.BlobDir = sv.SanitizePath(s.BlobDir)
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, err.Error())
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	if c.Logging.File != "" {
		if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
			result.AddError("logging.file", c.Logging.File, err.Error())
		}
	}
}

func (c *Config) validateAPI(result *ValidationResult, sv *SecurityValidator) {
	if !c.API.Enabled {
		if c.Metrics.Enabled {
			result.AddWarning("metrics.enabled", c.Metrics.Enabled, "metrics are only served by the API listener")
		}
		return
	}
	if err := sv.ValidateNetworkAddress(c.API.ListenAddr, "api.listen_addr"); err != nil {
		result.AddError("api.listen_addr", c.API.ListenAddr, err.Error())
	}
	if rl := c.API.RateLimit; rl.Enabled && (rl.RequestsPerSecond < 0 || rl.Burst < 0) {
		result.AddError("api.rate_limit", rl, "requests_per_second and burst must not be negative")
	}
	if c.API.CORS.Enabled && len(c.API.CORS.AllowedOrigins) == 0 {
		result.AddWarning("api.cors.allowed_origins", c.API.CORS.AllowedOrigins, "CORS is enabled but no origin is allowed")
	}
	if c.API.CORS.Enabled && c.API.CORS.AllowCredentials && slices.Contains(c.API.CORS.AllowedOrigins, "*") {
		result.AddWarning("api.cors.allow_credentials", true, "credentials are never allowed for the wildcard origin")
	}
}

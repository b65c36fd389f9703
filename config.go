package tether

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	// TenantID is the authenticated tenant context. Required. No core
	// operation crosses tenants.
	TenantID string

	// ClientID identifies this client in vector clocks and conflict
	// tiebreaks. Required.
	ClientID string

	// Endpoint is the base URL of the replication server.
	Endpoint string

	// AuthToken is the bearer token attached to every replication and
	// realtime request.
	AuthToken string

	// Store holds local store settings.
	Store LocalStoreConfig

	// Connectivity holds probe and debounce settings.
	Connectivity ConnectivityConfig

	// Sync holds replication settings.
	Sync SyncConfig

	// Realtime holds the optional realtime channel settings. A zero URL
	// leaves the channel disabled; the engine then runs purely on the
	// replication path.
	Realtime RealtimeConfig

	// Archive optionally persists applied snapshots to an external
	// backend for audit and re-bootstrap.
	Archive ArchiveBackend

	// HTTPClient overrides the transport's HTTP client. Used in tests.
	HTTPClient HTTPDoer

	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// SyncConfig groups replication settings.
type SyncConfig struct {
	// SyncInterval is the background sync cadence while online.
	// Default: 30s.
	SyncInterval time.Duration

	// PushBatchSize is the maximum number of mutations drained per push
	// phase. Default: 50.
	PushBatchSize int

	// PullMaxChanges is the maximum number of changes requested per pull.
	// Default: 500.
	PullMaxChanges int

	// MaxRetries bounds push attempts per mutation before it is
	// quarantined. Default: 3.
	MaxRetries int

	// InitialBackoff is the first retry delay. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 30s.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between retries. Default: 2.0.
	BackoffMultiplier float64

	// MutationTTL is the age past which a pending mutation is reported as
	// stuck. It also bounds Class B queue residency. Default: 24h.
	MutationTTL time.Duration

	// ResolverStrategy is the default conflict strategy. Default:
	// last-write-wins.
	ResolverStrategy ResolveStrategy

	// SnapshotDivergenceThreshold is the pull size beyond which the
	// engine prefers a snapshot over applying deltas. Default: 1000.
	SnapshotDivergenceThreshold int

	// Compression enables snappy compression of push payloads.
	Compression bool

	// RequestTimeout bounds each replication request. Default: 30s.
	RequestTimeout time.Duration
}

// DefaultSyncConfig returns replication defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SyncInterval:                30 * time.Second,
		PushBatchSize:               50,
		PullMaxChanges:              500,
		MaxRetries:                  3,
		InitialBackoff:              500 * time.Millisecond,
		MaxBackoff:                  30 * time.Second,
		BackoffMultiplier:           2.0,
		MutationTTL:                 24 * time.Hour,
		ResolverStrategy:            ResolveLastWriteWins,
		SnapshotDivergenceThreshold: 1000,
		Compression:                 true,
		RequestTimeout:              30 * time.Second,
	}
}

// ConnectivityConfig groups effective-online derivation settings.
type ConnectivityConfig struct {
	// ProbeInterval is the cadence of the active HEAD probe.
	// Default: 15s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each probe request. Default: 5s.
	ProbeTimeout time.Duration

	// DwellTime is the minimum time a state must persist before a
	// transition is published. Prevents flapping-driven sync storms.
	// Default: 2s.
	DwellTime time.Duration
}

// DefaultConnectivityConfig returns connectivity defaults.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		DwellTime:     2 * time.Second,
	}
}

// RealtimeConfig groups realtime channel settings shared by the client
// channel and the server hub.
type RealtimeConfig struct {
	// URL is the websocket endpoint. Empty disables the channel.
	URL string

	// HeartbeatInterval is the liveness ping cadence. Default: 30s.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for a pong before declaring
	// the connection dead. Default: 2x HeartbeatInterval.
	HeartbeatTimeout time.Duration

	// WriteTimeout bounds each websocket write. Default: 10s.
	WriteTimeout time.Duration

	// ReconnectBackoff is the initial delay before a reconnect attempt.
	// Grows exponentially up to MaxReconnectBackoff. Default: 1s.
	ReconnectBackoff time.Duration

	// MaxReconnectBackoff caps the reconnect delay. Default: 1m.
	MaxReconnectBackoff time.Duration

	// QueueSizeLimit caps each per-recipient durable queue used by the
	// Class B fallback. Default: 1000.
	QueueSizeLimit int

	// QueueTTL bounds how long a queued Class B message waits for
	// delivery before expiring (never silently: expiry is reported).
	// Default: 24h.
	QueueTTL time.Duration

	// RateLimitPerWindow is the per-connection message ceiling within
	// RateWindow. Default: 100.
	RateLimitPerWindow int

	// RateWindow is the sliding window for rate accounting. Default: 10s.
	RateWindow time.Duration

	// BufferSize is the per-connection outbound channel depth.
	// Default: 256.
	BufferSize int
}

// DefaultRealtimeConfig returns realtime defaults.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReconnectBackoff:    time.Second,
		MaxReconnectBackoff: time.Minute,
		QueueSizeLimit:      1000,
		QueueTTL:            24 * time.Hour,
		RateLimitPerWindow:  100,
		RateWindow:          10 * time.Second,
		BufferSize:          256,
	}
}

// DefaultConfig returns a configuration with all defaults applied. TenantID,
// ClientID, and Endpoint still need to be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		Store:        DefaultLocalStoreConfig(),
		Connectivity: DefaultConnectivityConfig(),
		Sync:         DefaultSyncConfig(),
		Realtime:     DefaultRealtimeConfig(),
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = def.Connectivity.ProbeInterval
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = def.Connectivity.ProbeTimeout
	}
	if c.Connectivity.DwellTime < 0 {
		c.Connectivity.DwellTime = def.Connectivity.DwellTime
	}
	if c.Sync.SyncInterval <= 0 {
		c.Sync.SyncInterval = def.Sync.SyncInterval
	}
	if c.Sync.PushBatchSize <= 0 {
		c.Sync.PushBatchSize = def.Sync.PushBatchSize
	}
	if c.Sync.PullMaxChanges <= 0 {
		c.Sync.PullMaxChanges = def.Sync.PullMaxChanges
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = def.Sync.MaxRetries
	}
	if c.Sync.InitialBackoff <= 0 {
		c.Sync.InitialBackoff = def.Sync.InitialBackoff
	}
	if c.Sync.MaxBackoff <= 0 {
		c.Sync.MaxBackoff = def.Sync.MaxBackoff
	}
	if c.Sync.BackoffMultiplier <= 0 {
		c.Sync.BackoffMultiplier = def.Sync.BackoffMultiplier
	}
	if c.Sync.MutationTTL <= 0 {
		c.Sync.MutationTTL = def.Sync.MutationTTL
	}
	if c.Sync.ResolverStrategy == "" {
		c.Sync.ResolverStrategy = def.Sync.ResolverStrategy
	}
	if c.Sync.SnapshotDivergenceThreshold <= 0 {
		c.Sync.SnapshotDivergenceThreshold = def.Sync.SnapshotDivergenceThreshold
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = def.Sync.RequestTimeout
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		c.Realtime.HeartbeatInterval = def.Realtime.HeartbeatInterval
	}
	if c.Realtime.HeartbeatTimeout <= 0 {
		c.Realtime.HeartbeatTimeout = 2 * c.Realtime.HeartbeatInterval
	}
	if c.Realtime.WriteTimeout <= 0 {
		c.Realtime.WriteTimeout = def.Realtime.WriteTimeout
	}
	if c.Realtime.ReconnectBackoff <= 0 {
		c.Realtime.ReconnectBackoff = def.Realtime.ReconnectBackoff
	}
	if c.Realtime.MaxReconnectBackoff <= 0 {
		c.Realtime.MaxReconnectBackoff = def.Realtime.MaxReconnectBackoff
	}
	if c.Realtime.QueueSizeLimit <= 0 {
		c.Realtime.QueueSizeLimit = def.Realtime.QueueSizeLimit
	}
	if c.Realtime.QueueTTL <= 0 {
		c.Realtime.QueueTTL = def.Realtime.QueueTTL
	}
	if c.Realtime.RateLimitPerWindow <= 0 {
		c.Realtime.RateLimitPerWindow = def.Realtime.RateLimitPerWindow
	}
	if c.Realtime.RateWindow <= 0 {
		c.Realtime.RateWindow = def.Realtime.RateWindow
	}
	if c.Realtime.BufferSize <= 0 {
		c.Realtime.BufferSize = def.Realtime.BufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate checks required fields.
func (c *Config) validate() error {
	if c.TenantID == "" {
		return errors.New("config: TenantID is required")
	}
	if c.ClientID == "" {
		return errors.New("config: ClientID is required")
	}
	return nil
}

// fileConfig is the YAML shape of the recognized configuration surface.
// Durations are expressed in milliseconds to match the option names.
type fileConfig struct {
	TenantID  string `yaml:"tenantId"`
	ClientID  string `yaml:"clientId"`
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"authToken"`
	StorePath string `yaml:"storePath"`

	RealtimeURL string `yaml:"realtimeUrl"`

	ProbeIntervalMs int `yaml:"probeIntervalMs"`
	SyncIntervalMs  int `yaml:"syncIntervalMs"`

	MaxRetries        int     `yaml:"maxRetries"`
	InitialBackoffMs  int     `yaml:"initialBackoffMs"`
	MaxBackoffMs      int     `yaml:"maxBackoffMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`

	PushBatchSize  int `yaml:"pushBatchSize"`
	PullMaxChanges int `yaml:"pullMaxChanges"`

	MutationTTLms  int `yaml:"mutationTTLms"`
	QueueSizeLimit int `yaml:"queueSizeLimit"`

	ResolverStrategy            string `yaml:"resolverStrategy"`
	SnapshotDivergenceThreshold int    `yaml:"snapshotDivergenceThreshold"`

	RateLimitPerWindow int `yaml:"rateLimitPerWindow"`
	RateWindowMs       int `yaml:"rateWindowMs"`
}

// ParseConfig decodes a YAML configuration document into a Config with
// defaults applied to unset options.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}

	cfg := DefaultConfig()
	cfg.TenantID = fc.TenantID
	cfg.ClientID = fc.ClientID
	cfg.Endpoint = fc.Endpoint
	cfg.AuthToken = fc.AuthToken
	if fc.StorePath != "" {
		cfg.Store.Path = fc.StorePath
	}
	cfg.Realtime.URL = fc.RealtimeURL

	if fc.ProbeIntervalMs > 0 {
		cfg.Connectivity.ProbeInterval = time.Duration(fc.ProbeIntervalMs) * time.Millisecond
	}
	if fc.SyncIntervalMs > 0 {
		cfg.Sync.SyncInterval = time.Duration(fc.SyncIntervalMs) * time.Millisecond
	}
	if fc.MaxRetries > 0 {
		cfg.Sync.MaxRetries = fc.MaxRetries
	}
	if fc.InitialBackoffMs > 0 {
		cfg.Sync.InitialBackoff = time.Duration(fc.InitialBackoffMs) * time.Millisecond
	}
	if fc.MaxBackoffMs > 0 {
		cfg.Sync.MaxBackoff = time.Duration(fc.MaxBackoffMs) * time.Millisecond
	}
	if fc.BackoffMultiplier > 0 {
		cfg.Sync.BackoffMultiplier = fc.BackoffMultiplier
	}
	if fc.PushBatchSize > 0 {
		cfg.Sync.PushBatchSize = fc.PushBatchSize
	}
	if fc.PullMaxChanges > 0 {
		cfg.Sync.PullMaxChanges = fc.PullMaxChanges
	}
	if fc.MutationTTLms > 0 {
		ttl := time.Duration(fc.MutationTTLms) * time.Millisecond
		cfg.Sync.MutationTTL = ttl
		cfg.Realtime.QueueTTL = ttl
	}
	if fc.QueueSizeLimit > 0 {
		cfg.Realtime.QueueSizeLimit = fc.QueueSizeLimit
	}
	if fc.ResolverStrategy != "" {
		strategy := ResolveStrategy(fc.ResolverStrategy)
		if !strategy.Valid() {
			return Config{}, fmt.Errorf("unknown resolver strategy %q", fc.ResolverStrategy)
		}
		cfg.Sync.ResolverStrategy = strategy
	}
	if fc.SnapshotDivergenceThreshold > 0 {
		cfg.Sync.SnapshotDivergenceThreshold = fc.SnapshotDivergenceThreshold
	}
	if fc.RateLimitPerWindow > 0 {
		cfg.Realtime.RateLimitPerWindow = fc.RateLimitPerWindow
	}
	if fc.RateWindowMs > 0 {
		cfg.Realtime.RateWindow = time.Duration(fc.RateWindowMs) * time.Millisecond
	}

	return cfg, nil
}

// LoadConfigFile reads and parses a YAML configuration file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

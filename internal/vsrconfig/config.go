// Package vsrconfig loads a replica's cluster configuration from YAML with
// environment-variable overrides, following the struct-of-structs
// YAML-plus-env-override-plus-singleton pattern of internal/config/config.go
// in the teacher repository. Unlike that config, a replica's identity (its
// index, its peers' keys, its quorum geometry) is load-bearing for safety —
// so Load fails fast on anything that would let a misconfigured replica
// corrupt the log, rather than silently falling back to zero values.
package vsrconfig

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// GroupSize is the fixed replica count of a VSR group (N=3, f=1, Q=2).
const GroupSize = 3

// Config is a single replica's view of its own cluster.
type Config struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Replica  ReplicaConfig  `yaml:"replica"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Limits   LimitsConfig   `yaml:"limits"`
	WAL      WALConfig      `yaml:"wal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Notify   NotifyConfig   `yaml:"notify"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ClusterConfig identifies the replica group this process belongs to.
type ClusterConfig struct {
	ID    string        `yaml:"id"`
	Peers [GroupSize]Peer `yaml:"peers"`
}

// Peer describes one member of the replica group: its dispatch address and
// its Ed25519 public key for envelope verification.
type Peer struct {
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"` // hex-encoded ed25519.PublicKey
}

// ReplicaConfig identifies this process within the group and carries its
// own signing key.
type ReplicaConfig struct {
	Index      uint8  `yaml:"index"`
	PrivateKey string `yaml:"private_key"` // hex-encoded ed25519.PrivateKey
}

// TimeoutConfig holds the timeout hierarchy that drives view changes.
// ViewChangeTimeoutMS must exceed PrepareTimeoutMS: a replica must give the
// primary strictly longer to reach quorum than a single prepare round-trip
// budget before it gives up on the view, or every missed prepare would
// trigger a view change on its own.
type TimeoutConfig struct {
	PrepareTimeoutMS    int `yaml:"prepare_timeout_ms"`
	ViewChangeTimeoutMS int `yaml:"view_change_timeout_ms"`
}

// LimitsConfig bounds resource usage per replica.
type LimitsConfig struct {
	// MaxConnections is validated but not passed to the server; the
	// dispatch pool always admits up to dispatch.MaxConnections (64).
	MaxConnections        int `yaml:"max_connections"`
	MaxInFlightPrepares   int `yaml:"max_in_flight_prepares"`
	MaxMessagesPerRoom    int `yaml:"max_messages_per_room"`
	MaxIdempotencyPerRoom int `yaml:"max_idempotency_per_room"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Path          string `yaml:"path"`
	SizeLimitByte int64  `yaml:"size_limit_bytes"`
	// MaxEntries bounds the log's entry count (spec: max_entries per WAL
	// <= 10,000,000): the WAL is opened with a byte limit equal to the
	// smaller of MaxEntries entries and SizeLimitByte. The size-threshold
	// hook (wal.SetSizeThreshold) fires once the entry count reaches
	// SizeThresholdFraction of MaxEntries; with the default 1 GiB
	// SizeLimitByte, the byte limit (about 451,000 entries) is reached first.
	MaxEntries            uint64  `yaml:"max_entries"`
	SizeThresholdFraction float64 `yaml:"size_threshold_fraction"`
}

// MetricsConfig configures the Prometheus exposition surface.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NotifyConfig selects and configures the commit fan-out transport.
type NotifyConfig struct {
	Backend string       `yaml:"backend"` // "pubsub", "redis", or "" (disabled)
	PubSub  PubSubConfig `yaml:"pubsub"`
	Redis   RedisConfig  `yaml:"redis"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// AdminConfig configures the read-only status HTTP surface.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the process-wide singleton config, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() (*Config, error) {
	once.Do(func() {
		path := getEnv("CONFIG_PATH", "config.yaml")
		instance, loadErr = Load(path)
	})
	return instance, loadErr
}

// Load reads path as YAML, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vsrconfig: open %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("vsrconfig: decode %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Cluster.ID = getEnv("VSR_CLUSTER_ID", c.Cluster.ID)

	if v := getEnvInt("VSR_REPLICA_INDEX", -1); v >= 0 {
		c.Replica.Index = uint8(v)
	}
	c.Replica.PrivateKey = getEnv("VSR_REPLICA_PRIVATE_KEY", c.Replica.PrivateKey)

	for i := range c.Cluster.Peers {
		addrKey := fmt.Sprintf("VSR_PEER_%d_ADDRESS", i)
		keyKey := fmt.Sprintf("VSR_PEER_%d_PUBLIC_KEY", i)
		c.Cluster.Peers[i].Address = getEnv(addrKey, c.Cluster.Peers[i].Address)
		c.Cluster.Peers[i].PublicKey = getEnv(keyKey, c.Cluster.Peers[i].PublicKey)
	}

	if v := getEnvInt("VSR_PREPARE_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.PrepareTimeoutMS = v
	}
	if v := getEnvInt("VSR_VIEW_CHANGE_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.ViewChangeTimeoutMS = v
	}

	if v := getEnvInt("VSR_MAX_CONNECTIONS", 0); v > 0 {
		c.Limits.MaxConnections = v
	}
	if v := getEnvInt("VSR_MAX_IN_FLIGHT_PREPARES", 0); v > 0 {
		c.Limits.MaxInFlightPrepares = v
	}
	if v := getEnvInt("VSR_MAX_MESSAGES_PER_ROOM", 0); v > 0 {
		c.Limits.MaxMessagesPerRoom = v
	}
	if v := getEnvInt("VSR_MAX_IDEMPOTENCY_PER_ROOM", 0); v > 0 {
		c.Limits.MaxIdempotencyPerRoom = v
	}

	c.WAL.Path = getEnv("VSR_WAL_PATH", c.WAL.Path)
	if v := getEnvInt("VSR_WAL_SIZE_LIMIT_BYTES", 0); v > 0 {
		c.WAL.SizeLimitByte = int64(v)
	}
	if v := getEnvInt("VSR_WAL_MAX_ENTRIES", 0); v > 0 {
		c.WAL.MaxEntries = uint64(v)
	}

	c.Metrics.Enabled = getEnvBool("VSR_METRICS_ENABLED", c.Metrics.Enabled)

	c.Notify.Backend = getEnv("VSR_NOTIFY_BACKEND", c.Notify.Backend)
	c.Notify.PubSub.ProjectID = getEnv("VSR_PUBSUB_PROJECT_ID", c.Notify.PubSub.ProjectID)
	c.Notify.PubSub.TopicID = getEnv("VSR_PUBSUB_TOPIC_ID", c.Notify.PubSub.TopicID)
	c.Notify.Redis.Addr = getEnv("VSR_REDIS_ADDR", c.Notify.Redis.Addr)
	c.Notify.Redis.ChannelPrefix = getEnv("VSR_REDIS_CHANNEL_PREFIX", c.Notify.Redis.ChannelPrefix)

	c.Admin.ListenAddr = getEnv("VSR_ADMIN_LISTEN_ADDR", c.Admin.ListenAddr)
}

func (c *Config) applyDefaults() {
	if c.Timeouts.PrepareTimeoutMS == 0 {
		c.Timeouts.PrepareTimeoutMS = 100
	}
	if c.Timeouts.ViewChangeTimeoutMS == 0 {
		c.Timeouts.ViewChangeTimeoutMS = 500
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = 64
	}
	if c.Limits.MaxInFlightPrepares == 0 {
		c.Limits.MaxInFlightPrepares = 1024
	}
	if c.Limits.MaxMessagesPerRoom == 0 {
		c.Limits.MaxMessagesPerRoom = 1_000_000
	}
	if c.Limits.MaxIdempotencyPerRoom == 0 {
		c.Limits.MaxIdempotencyPerRoom = 100_000
	}
	if c.WAL.Path == "" {
		c.WAL.Path = "vsr.wal"
	}
	if c.WAL.SizeLimitByte == 0 {
		c.WAL.SizeLimitByte = 1 << 30 // 1 GiB
	}
	if c.WAL.MaxEntries == 0 {
		c.WAL.MaxEntries = 10_000_000
	}
	if c.WAL.SizeThresholdFraction == 0 {
		c.WAL.SizeThresholdFraction = 0.9
	}
	if c.Notify.Redis.ChannelPrefix == "" {
		c.Notify.Redis.ChannelPrefix = "vsr:commits:"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":9090"
	}
}

// Validate checks invariants a misconfigured replica could otherwise
// silently violate: a wrong replica index or a peer table swapped between
// two replicas would let this process sign or verify as the wrong member
// of the group, defeating the transport layer's authentication entirely.
func (c *Config) Validate() error {
	if c.Cluster.ID == "" {
		return fmt.Errorf("vsrconfig: cluster.id must be set")
	}
	if c.Replica.Index >= GroupSize {
		return fmt.Errorf("vsrconfig: replica.index must be in [0,%d), got %d", GroupSize, c.Replica.Index)
	}
	if c.Replica.PrivateKey == "" {
		return fmt.Errorf("vsrconfig: replica.private_key must be set")
	}
	if _, err := c.PrivateKey(); err != nil {
		return fmt.Errorf("vsrconfig: replica.private_key: %w", err)
	}

	seenAddrs := make(map[string]struct{}, GroupSize)
	for i, p := range c.Cluster.Peers {
		if p.Address == "" {
			return fmt.Errorf("vsrconfig: cluster.peers[%d].address must be set", i)
		}
		if _, dup := seenAddrs[p.Address]; dup {
			return fmt.Errorf("vsrconfig: cluster.peers[%d].address %q duplicates another peer", i, p.Address)
		}
		seenAddrs[p.Address] = struct{}{}

		if p.PublicKey == "" {
			return fmt.Errorf("vsrconfig: cluster.peers[%d].public_key must be set", i)
		}
		if _, err := p.DecodePublicKey(); err != nil {
			return fmt.Errorf("vsrconfig: cluster.peers[%d].public_key: %w", i, err)
		}
	}

	if c.Timeouts.PrepareTimeoutMS <= 0 {
		return fmt.Errorf("vsrconfig: timeouts.prepare_timeout_ms must be positive")
	}
	if c.Timeouts.ViewChangeTimeoutMS <= c.Timeouts.PrepareTimeoutMS {
		return fmt.Errorf("vsrconfig: timeouts.view_change_timeout_ms (%d) must exceed prepare_timeout_ms (%d)",
			c.Timeouts.ViewChangeTimeoutMS, c.Timeouts.PrepareTimeoutMS)
	}

	if c.Limits.MaxConnections <= 0 {
		return fmt.Errorf("vsrconfig: limits.max_connections must be positive")
	}
	if c.Limits.MaxInFlightPrepares <= 0 {
		return fmt.Errorf("vsrconfig: limits.max_in_flight_prepares must be positive")
	}
	if c.Limits.MaxMessagesPerRoom <= 0 {
		return fmt.Errorf("vsrconfig: limits.max_messages_per_room must be positive")
	}
	if c.Limits.MaxIdempotencyPerRoom <= 0 {
		return fmt.Errorf("vsrconfig: limits.max_idempotency_per_room must be positive")
	}

	if c.WAL.SizeThresholdFraction <= 0 || c.WAL.SizeThresholdFraction > 1 {
		return fmt.Errorf("vsrconfig: wal.size_threshold_fraction must be in (0,1], got %v", c.WAL.SizeThresholdFraction)
	}

	switch c.Notify.Backend {
	case "", "pubsub", "redis":
	default:
		return fmt.Errorf("vsrconfig: notify.backend must be one of \"\", \"pubsub\", \"redis\", got %q", c.Notify.Backend)
	}
	if c.Notify.Backend == "pubsub" && (c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicID == "") {
		return fmt.Errorf("vsrconfig: notify.pubsub.project_id and topic_id must be set when backend is \"pubsub\"")
	}
	if c.Notify.Backend == "redis" && c.Notify.Redis.Addr == "" {
		return fmt.Errorf("vsrconfig: notify.redis.addr must be set when backend is \"redis\"")
	}

	return nil
}

// PrivateKey decodes the replica's hex-encoded Ed25519 private key.
func (c *Config) PrivateKey() (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(c.Replica.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodePublicKey decodes a peer's hex-encoded Ed25519 public key.
func (p Peer) DecodePublicKey() (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ClusterIDBytes returns the cluster ID truncated/padded into the wire
// transport header's fixed 16-byte field.
func (c *Config) ClusterIDBytes() [16]byte {
	var out [16]byte
	copy(out[:], c.Cluster.ID)
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

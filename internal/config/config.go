// Package config loads the YAML configuration shared by the node and the
// client. The file is named by the --config flag or, failing that, the
// E2E_GROUP_CONFIG environment variable. Without either the defaults are
// used as-is.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "E2E_GROUP_CONFIG"

type (
	RecoveryPolicy string
	BackendMode    string
)

const (
	RecoveryNone              RecoveryPolicy = "none"
	RecoveryAllowlistedGroups RecoveryPolicy = "allowlisted_groups"
	RecoveryAll               RecoveryPolicy = "all"
)

const (
	BackendSingle    BackendMode = "single"
	BackendReadWrite BackendMode = "read_write"
	BackendMultiNode BackendMode = "multi_node"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Backend  BackendConfig  `yaml:"backend"`
	Groups   GroupsConfig   `yaml:"groups"`
	Ordering OrderingConfig `yaml:"ordering"`
	Workers  WorkersConfig  `yaml:"workers"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Node     NodeConfig     `yaml:"node"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig configures the client's SQLite database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// BackendConfig configures how the client reaches the delivery nodes.
type BackendConfig struct {
	Mode BackendMode `yaml:"mode"`

	// Nodes lists node base URLs. single uses the first entry, multi_node
	// probes them all.
	Nodes []string `yaml:"nodes"`

	// ReadNode and WriteNode are used by read_write.
	ReadNode  string `yaml:"read_node"`
	WriteNode string `yaml:"write_node"`

	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxClockSkew     time.Duration `yaml:"max_clock_skew"`

	// NodeKeys pins the hex PKIX DER proof key of each originator node.
	NodeKeys map[uint32]string `yaml:"node_keys"`
	// TrustNodeDirectory lets keys of nodes missing from NodeKeys be taken
	// from the backend's node list, pinned on first use.
	TrustNodeDirectory bool `yaml:"trust_node_directory"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxAttempts     int           `yaml:"max_attempts"`
	// Cooldown is how long a node that exhausted its retries is skipped.
	Cooldown time.Duration `yaml:"cooldown"`
}

type GroupsConfig struct {
	MaxPublishAttempts int `yaml:"max_publish_attempts"`
	MaxPastEpochs      int `yaml:"max_past_epochs"`
	// PublishRetryInterval is the first pause between sync rounds while a
	// local operation waits on a failed publish. It doubles per round.
	PublishRetryInterval time.Duration `yaml:"publish_retry_interval"`
}

type OrderingConfig struct {
	MaxOrphans int `yaml:"max_orphans"`
}

type WorkersConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	CommitLogInterval time.Duration `yaml:"commit_log_interval"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
}

type RecoveryConfig struct {
	Policy RecoveryPolicy `yaml:"policy"`
	// Allowlist holds hex group ids for allowlisted_groups.
	Allowlist        []string      `yaml:"allowlist"`
	DisableResponses bool          `yaml:"disable_responses"`
	Interval         time.Duration `yaml:"interval"`
}

// NodeConfig configures an originator node.
type NodeConfig struct {
	Listen string `yaml:"listen"`
	NodeID uint32 `yaml:"node_id"`
	// SigningKey is the hex SEC1 P-256 key used for envelope proofs. A
	// fresh key is generated when empty.
	SigningKey    string        `yaml:"signing_key"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	NATSURL       string        `yaml:"nats_url"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
}

func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Path: "e2e_group.db", PoolSize: 4},
		Backend: BackendConfig{
			Mode:             BackendSingle,
			Nodes:            []string{"http://localhost:8080"},
			LatencyThreshold: time.Second,
			HealthTimeout:    5 * time.Second,
			RequestTimeout:   10 * time.Second,
			MaxClockSkew:     30 * time.Minute,
			Retry: RetryConfig{
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      2,
				MaxAttempts:     5,
				Cooldown:        30 * time.Second,
			},
		},
		Groups:   GroupsConfig{MaxPublishAttempts: 3, MaxPastEpochs: 3, PublishRetryInterval: 100 * time.Millisecond},
		Ordering: OrderingConfig{MaxOrphans: 1024},
		Workers: WorkersConfig{
			TickInterval:      time.Second,
			CommitLogInterval: 5 * time.Second,
			RestartDelay:      2 * time.Second,
		},
		Recovery: RecoveryConfig{
			Policy:   RecoveryNone,
			Interval: 30 * time.Second,
		},
		Node: NodeConfig{
			Listen:        ":8080",
			NodeID:        100,
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "e2e_group",
			RedisAddr:     "localhost:6379",
			NATSURL:       "nats://localhost:4222",
			MaxClockSkew:  30 * time.Minute,
		},
	}
}

// Load reads the file named by flagPath, or by E2E_GROUP_CONFIG when
// flagPath is empty, over the defaults.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, errors.New("store.pool_size must be at least 1"))
	}

	switch c.Backend.Mode {
	case BackendSingle, BackendMultiNode:
		if len(c.Backend.Nodes) == 0 {
			errs = append(errs, fmt.Errorf("backend.nodes is required for mode %s", c.Backend.Mode))
		}
	case BackendReadWrite:
		if c.Backend.ReadNode == "" || c.Backend.WriteNode == "" {
			errs = append(errs, errors.New("backend.read_node and backend.write_node are required for mode read_write"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.mode %q is not one of single, read_write, multi_node", c.Backend.Mode))
	}
	if c.Backend.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("backend.retry.multiplier must be at least 1"))
	}
	if c.Backend.MaxClockSkew <= 0 {
		errs = append(errs, errors.New("backend.max_clock_skew must be positive"))
	}
	for id, key := range c.Backend.NodeKeys {
		if _, err := hex.DecodeString(key); err != nil {
			errs = append(errs, fmt.Errorf("backend.node_keys[%d] is not hex", id))
		}
	}

	if c.Groups.MaxPublishAttempts < 1 {
		errs = append(errs, errors.New("groups.max_publish_attempts must be at least 1"))
	}
	if c.Groups.MaxPastEpochs < 0 {
		errs = append(errs, errors.New("groups.max_past_epochs must not be negative"))
	}
	if c.Groups.PublishRetryInterval < 0 {
		errs = append(errs, errors.New("groups.publish_retry_interval must not be negative"))
	}
	if c.Ordering.MaxOrphans < 1 {
		errs = append(errs, errors.New("ordering.max_orphans must be at least 1"))
	}
	if c.Workers.TickInterval <= 0 || c.Workers.CommitLogInterval <= 0 {
		errs = append(errs, errors.New("workers intervals must be positive"))
	}

	switch c.Recovery.Policy {
	case RecoveryNone, RecoveryAll:
	case RecoveryAllowlistedGroups:
		if len(c.Recovery.Allowlist) == 0 {
			errs = append(errs, errors.New("recovery.allowlist is required for policy allowlisted_groups"))
		}
	default:
		errs = append(errs, fmt.Errorf("recovery.policy %q is not one of none, allowlisted_groups, all", c.Recovery.Policy))
	}
	for _, id := range c.Recovery.Allowlist {
		if _, err := hex.DecodeString(id); err != nil {
			errs = append(errs, fmt.Errorf("recovery.allowlist entry %q is not hex", id))
		}
	}
	if c.Recovery.Interval <= 0 {
		errs = append(errs, errors.New("recovery.interval must be positive"))
	}

	if c.Node.MaxClockSkew <= 0 {
		errs = append(errs, errors.New("node.max_clock_skew must be positive"))
	}

	return errors.Join(errs...)
}

// Package config holds the immutable broker configuration and the single
// definition of the Redis key layout. Every key string the broker touches is
// derived here; no other package formats keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Defaults applied when neither the environment nor the optional YAML file
// provides a value.
const (
	DefaultRedisHost       = "localhost"
	DefaultRedisPort       = 6379
	DefaultRedisDB         = 0
	DefaultKeyPrefix       = "coord"
	DefaultMessageTTLDays  = 30
	DefaultPresenceTimeout = 5 * time.Minute
	DefaultTimelineMax     = 1000

	// DefaultNotifyFetch bounds pop_notifications when the caller does not
	// pass a limit; MaxNotifyFetch is the hard cap regardless of input.
	DefaultNotifyFetch = 100
	MaxNotifyFetch     = 1000
)

// Config is the immutable broker configuration. Construct it with Load (or
// literal values in tests) and treat it as read-only thereafter.
type Config struct {
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`
	RedisDB   int    `yaml:"redis_db"`

	KeyPrefix string `yaml:"key_prefix"`

	// MessageTTL is the envelope retention window. COORD_MESSAGE_TTL_DAYS
	// (days, converted to a duration) is authoritative.
	MessageTTL time.Duration `yaml:"-"`

	// PresenceTimeout is the staleness threshold: an instance whose last
	// heartbeat is at least this old counts as inactive.
	PresenceTimeout time.Duration `yaml:"-"`

	// TimelineMax caps the global timeline; publishes beyond the cap drop
	// the lowest-scored entries.
	TimelineMax int `yaml:"timeline_max_size"`
}

// fileConfig is the YAML shape of the optional defaults file. Durations are
// carried in the same units as the corresponding env vars.
type fileConfig struct {
	RedisHost              string `yaml:"redis_host"`
	RedisPort              int    `yaml:"redis_port"`
	RedisDB                int    `yaml:"redis_db"`
	KeyPrefix              string `yaml:"key_prefix"`
	MessageTTLDays         int    `yaml:"message_ttl_days"`
	PresenceTimeoutMinutes int    `yaml:"presence_timeout_minutes"`
	TimelineMaxSize        int    `yaml:"timeline_max_size"`
}

// Load builds the configuration from the process environment. A `.env` file
// in the working directory is honored if present (never an error when
// absent). If COORD_CONFIG_FILE names a YAML file, its values serve as
// defaults; environment variables always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RedisHost:       DefaultRedisHost,
		RedisPort:       DefaultRedisPort,
		RedisDB:         DefaultRedisDB,
		KeyPrefix:       DefaultKeyPrefix,
		MessageTTL:      DefaultMessageTTLDays * 24 * time.Hour,
		PresenceTimeout: DefaultPresenceTimeout,
		TimelineMax:     DefaultTimelineMax,
	}

	if path := os.Getenv("COORD_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	var err error
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if v := os.Getenv("COORD_KEY_PREFIX"); v != "" {
		cfg.KeyPrefix = v
	}
	ttlDays, err := envInt("COORD_MESSAGE_TTL_DAYS", int(cfg.MessageTTL/(24*time.Hour)))
	if err != nil {
		return nil, err
	}
	cfg.MessageTTL = time.Duration(ttlDays) * 24 * time.Hour
	timeoutMin, err := envInt("COORD_PRESENCE_TIMEOUT_MINUTES", int(cfg.PresenceTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	cfg.PresenceTimeout = time.Duration(timeoutMin) * time.Minute
	if cfg.TimelineMax, err = envInt("COORD_TIMELINE_MAX_SIZE", cfg.TimelineMax); err != nil {
		return nil, err
	}
	if cfg.TimelineMax < 1 {
		return nil, fmt.Errorf("COORD_TIMELINE_MAX_SIZE must be positive, got %d", cfg.TimelineMax)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.RedisHost != "" {
		c.RedisHost = fc.RedisHost
	}
	if fc.RedisPort != 0 {
		c.RedisPort = fc.RedisPort
	}
	if fc.RedisDB != 0 {
		c.RedisDB = fc.RedisDB
	}
	if fc.KeyPrefix != "" {
		c.KeyPrefix = fc.KeyPrefix
	}
	if fc.MessageTTLDays > 0 {
		c.MessageTTL = time.Duration(fc.MessageTTLDays) * 24 * time.Hour
	}
	if fc.PresenceTimeoutMinutes > 0 {
		c.PresenceTimeout = time.Duration(fc.PresenceTimeoutMinutes) * time.Minute
	}
	if fc.TimelineMaxSize > 0 {
		c.TimelineMax = fc.TimelineMaxSize
	}
	return nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// Addr returns the host:port Redis endpoint.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ============================================================================
// KEY LAYOUT
// ============================================================================

// MessageKey is the envelope hash for one message id.
func (c *Config) MessageKey(id string) string {
	return c.KeyPrefix + ":msg:" + id
}

// TimelineKey is the global sorted set ordered by publish epoch seconds.
func (c *Config) TimelineKey() string {
	return c.KeyPrefix + ":timeline"
}

// InboxKey is the per-instance set of addressed message ids.
func (c *Config) InboxKey(instance string) string {
	return c.KeyPrefix + ":inbox:" + instance
}

// PendingKey is the set of message ids awaiting acknowledgment.
func (c *Config) PendingKey() string {
	return c.KeyPrefix + ":pending"
}

// PresenceKey is the single hash holding all per-instance presence fields.
func (c *Config) PresenceKey() string {
	return c.KeyPrefix + ":presence"
}

// NotifyQueueKey is the per-instance FIFO list of offline notifications.
func (c *Config) NotifyQueueKey(instance string) string {
	return c.KeyPrefix + ":notify_queue:" + instance
}

// NotifyChannel is the live pub/sub fan-out channel for an instance; pass
// model.TargetAll for the broadcast channel.
func (c *Config) NotifyChannel(instance string) string {
	return c.KeyPrefix + ":notify:" + instance
}

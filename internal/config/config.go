package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ROOMRELAY"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultHTTPRateLimit      = 50.0
	defaultLogLevel           = "info"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "roomrelay.db"
	defaultBusDriver          = "memory"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultHistoryLimit       = 100
	defaultMaxMessages        = 5000
	defaultInactiveTTL        = 720 * time.Hour
	defaultCleanupInterval    = 24 * time.Hour
	defaultHeartbeatInterval  = 30 * time.Second
	defaultDecryptConcurrency = 16
	defaultFrameRate          = 20.0
	defaultFrameBurst         = 40
	defaultMaxFrameBytes      = 10 << 20
	defaultCacheMaxEntries    = 50000
	defaultCacheTTL           = 5 * time.Minute
	defaultAppendTimeout      = 5 * time.Second
	defaultMaxInflightAppends = 256
	defaultVoiceTokenTTL      = time.Hour
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress   string
	HTTPRateLimit float64
	LogLevel      string

	DatabaseDriver string
	DatabaseDSN    string

	BusDriver string
	RedisURL  string

	Room     RoomConfig
	Session  SessionConfig
	Cache    CacheConfig
	LogStore LogStoreConfig
	Voice    VoiceConfig
	Push     PushConfig
	WS       WebsocketConfig
}

// RoomConfig bounds room history and retention.
type RoomConfig struct {
	HistoryLimit    int
	MaxMessages     int
	InactiveTTL     time.Duration
	CleanupInterval time.Duration
}

// SessionConfig tunes each websocket session.
type SessionConfig struct {
	HeartbeatInterval  time.Duration
	DecryptConcurrency int
	FrameRate          float64
	FrameBurst         int
	MaxFrameBytes      int64
}

// CacheConfig bounds the shared decrypt cache.
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// LogStoreConfig bounds message log appends.
type LogStoreConfig struct {
	AppendTimeout      time.Duration
	MaxInflightAppends int
}

// VoiceConfig configures voice token issuance. An empty signing secret disables it.
type VoiceConfig struct {
	AppID         string
	SigningSecret string
	TokenTTL      time.Duration
}

// PushConfig points at the push delivery proxy. An empty URL disables delivery.
type PushConfig struct {
	ProxyURL string
}

// WebsocketConfig controls websocket origin checks.
type WebsocketConfig struct {
	AllowedOrigins     []string
	InsecureSkipVerify bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.rate_limit", defaultHTTPRateLimit)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("bus.driver", defaultBusDriver)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("room.history_limit", defaultHistoryLimit)
	configViper.SetDefault("room.max_messages", defaultMaxMessages)
	configViper.SetDefault("room.inactive_ttl", defaultInactiveTTL)
	configViper.SetDefault("room.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("session.decrypt_concurrency", defaultDecryptConcurrency)
	configViper.SetDefault("session.frame_rate", defaultFrameRate)
	configViper.SetDefault("session.frame_burst", defaultFrameBurst)
	configViper.SetDefault("session.max_frame_bytes", defaultMaxFrameBytes)
	configViper.SetDefault("cache.max_entries", defaultCacheMaxEntries)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("log_store.append_timeout", defaultAppendTimeout)
	configViper.SetDefault("log_store.max_inflight_appends", defaultMaxInflightAppends)
	configViper.SetDefault("voice.app_id", "")
	configViper.SetDefault("voice.signing_secret", "")
	configViper.SetDefault("voice.token_ttl", defaultVoiceTokenTTL)
	configViper.SetDefault("push.proxy_url", "")
	configViper.SetDefault("ws.allowed_origins", []string{})
	configViper.SetDefault("ws.insecure_skip_verify", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		HTTPRateLimit:  configViper.GetFloat64("http.rate_limit"),
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		BusDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("bus.driver"))),
		RedisURL:       configViper.GetString("redis.url"),
		Room: RoomConfig{
			HistoryLimit:    configViper.GetInt("room.history_limit"),
			MaxMessages:     configViper.GetInt("room.max_messages"),
			InactiveTTL:     configViper.GetDuration("room.inactive_ttl"),
			CleanupInterval: configViper.GetDuration("room.cleanup_interval"),
		},
		Session: SessionConfig{
			HeartbeatInterval:  configViper.GetDuration("session.heartbeat_interval"),
			DecryptConcurrency: configViper.GetInt("session.decrypt_concurrency"),
			FrameRate:          configViper.GetFloat64("session.frame_rate"),
			FrameBurst:         configViper.GetInt("session.frame_burst"),
			MaxFrameBytes:      configViper.GetInt64("session.max_frame_bytes"),
		},
		Cache: CacheConfig{
			MaxEntries: configViper.GetInt("cache.max_entries"),
			TTL:        configViper.GetDuration("cache.ttl"),
		},
		LogStore: LogStoreConfig{
			AppendTimeout:      configViper.GetDuration("log_store.append_timeout"),
			MaxInflightAppends: configViper.GetInt("log_store.max_inflight_appends"),
		},
		Voice: VoiceConfig{
			AppID:         configViper.GetString("voice.app_id"),
			SigningSecret: configViper.GetString("voice.signing_secret"),
			TokenTTL:      configViper.GetDuration("voice.token_ttl"),
		},
		Push: PushConfig{
			ProxyURL: strings.TrimSpace(configViper.GetString("push.proxy_url")),
		},
		WS: WebsocketConfig{
			AllowedOrigins:     splitList(configViper.GetStringSlice("ws.allowed_origins")),
			InsecureSkipVerify: configViper.GetBool("ws.insecure_skip_verify"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	switch c.BusDriver {
	case BusMemory:
	case BusRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required when bus.driver is redis")
		}
	default:
		return fmt.Errorf("bus.driver must be memory or redis, got %q", c.BusDriver)
	}
	positiveDurations := map[string]time.Duration{
		"room.inactive_ttl":          c.Room.InactiveTTL,
		"room.cleanup_interval":      c.Room.CleanupInterval,
		"session.heartbeat_interval": c.Session.HeartbeatInterval,
		"cache.ttl":                  c.Cache.TTL,
		"log_store.append_timeout":   c.LogStore.AppendTimeout,
		"voice.token_ttl":            c.Voice.TokenTTL,
	}
	for key, value := range positiveDurations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	positiveLimits := map[string]float64{
		"http.rate_limit":                c.HTTPRateLimit,
		"room.history_limit":             float64(c.Room.HistoryLimit),
		"room.max_messages":              float64(c.Room.MaxMessages),
		"session.decrypt_concurrency":    float64(c.Session.DecryptConcurrency),
		"session.frame_rate":             c.Session.FrameRate,
		"session.frame_burst":            float64(c.Session.FrameBurst),
		"session.max_frame_bytes":        float64(c.Session.MaxFrameBytes),
		"cache.max_entries":              float64(c.Cache.MaxEntries),
		"log_store.max_inflight_appends": float64(c.LogStore.MaxInflightAppends),
	}
	for key, value := range positiveLimits {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if strings.TrimSpace(c.Voice.SigningSecret) != "" && strings.TrimSpace(c.Voice.AppID) == "" {
		return fmt.Errorf("voice.app_id is required when voice.signing_secret is set")
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN  = errors.New("DB_DSN is required")
	ErrInvalidHistoryLimit = errors.New("HISTORY_LIMIT must be one of 5, 10, 20, 50, 100, 200, 500")
	ErrMissingMasterKey    = errors.New("at least one master key is required")
)

// RetentionLimits is the set of values HISTORY_LIMIT may take.
var RetentionLimits = []int{5, 10, 20, 50, 100, 200, 500}

type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	History   HistoryConfig
	Search    SearchConfig
	TagLookup TagLookupConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GatewayConfig struct {
	BaseURL        string
	APIKeyFallback string
	TextModel      string
	VisionModel    string
	ClientTimeout  time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	WarmupDelay    time.Duration
}

type HistoryConfig struct {
	Enabled        bool
	RetentionLimit int
}

type SearchConfig struct {
	Debounce    time.Duration
	MinQueryLen int
}

type TagLookupConfig struct {
	BaseURL  string
	AppID    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "screenlens.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Gateway: GatewayConfig{
			BaseURL:        mustEnv("GATEWAY_BASE_URL", "https://api.siliconflow.cn"),
			APIKeyFallback: mustEnv("GATEWAY_API_KEY", ""),
			TextModel:      mustEnv("GATEWAY_TEXT_MODEL", "Qwen/Qwen2.5-7B-Instruct"),
			VisionModel:    mustEnv("GATEWAY_VISION_MODEL", "Qwen/Qwen2-VL-72B-Instruct"),
			ClientTimeout:  mustDuration("HTTP_TIMEOUT", 60*time.Second),
			MaxRetries:     mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:    mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			WarmupDelay:    mustDuration("GATEWAY_WARMUP_DELAY", 2*time.Second),
		},
		History: HistoryConfig{
			Enabled:        mustBool("HISTORY_ENABLED", true),
			RetentionLimit: mustInt("HISTORY_LIMIT", 20),
		},
		Search: SearchConfig{
			Debounce:    mustDuration("SEARCH_DEBOUNCE", 200*time.Millisecond),
			MinQueryLen: mustInt("SEARCH_MIN_QUERY_LEN", 2),
		},
		TagLookup: TagLookupConfig{
			BaseURL:  mustEnv("TAG_LOOKUP_URL", ""),
			AppID:    mustEnv("TAG_LOOKUP_APP_ID", ""),
			Timeout:  mustDuration("TAG_LOOKUP_TIMEOUT", 5*time.Second),
			CacheTTL: mustDuration("TAG_CACHE_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if !validRetentionLimit(cfg.History.RetentionLimit) {
		return nil, ErrInvalidHistoryLimit
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func validRetentionLimit(n int) bool {
	for _, v := range RetentionLimits {
		if n == v {
			return true
		}
	}
	return false
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

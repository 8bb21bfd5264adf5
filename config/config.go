// Package config loads the control-plane configuration from an optional
// config.json base file with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	AIConfig           AIConfig           `json:"ai"`
	PredictionConfig   PredictionConfig   `json:"prediction"`
	StrategyConfig     StrategyConfig     `json:"strategy"`
	OrchestratorConfig OrchestratorConfig `json:"orchestrator"`
	NewsConfig         NewsConfig         `json:"news"`
	LicenseConfig      LicenseConfig      `json:"license"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// ServerConfig holds the HTTP control-surface settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL      string `json:"url"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds the Redis connection for the job queue and caches.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the secret-store settings for exchange credentials.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// ExchangeConfig holds gateway-wide and per-venue settings. MinGapMs is the
// default minimum spacing between REST dispatches; per-venue overrides come
// from <VENUE>_MIN_GAP_MS.
type ExchangeConfig struct {
	CallTimeout  time.Duration  `json:"-"`
	MinGapMs     int            `json:"min_gap_ms"`
	VenueGapMs   map[string]int `json:"venue_gap_ms"`
	VenueBaseURL map[string]string `json:"venue_base_url"`
}

// MinGapFor returns the dispatch gap for one venue.
func (e ExchangeConfig) MinGapFor(venue string) time.Duration {
	if ms, ok := e.VenueGapMs[strings.ToLower(venue)]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if e.MinGapMs > 0 {
		return time.Duration(e.MinGapMs) * time.Millisecond
	}
	return 120 * time.Millisecond
}

// BaseURLFor returns the endpoint override for one venue, empty for the
// production default.
func (e ExchangeConfig) BaseURLFor(venue string) string {
	return e.VenueBaseURL[strings.ToLower(venue)]
}

// AIConfig holds the explainer and AI-guard settings.
type AIConfig struct {
	Enabled         bool          `json:"enabled"`
	OpenAIAPIKey    string        `json:"openai_api_key"`
	Model           string        `json:"model"`
	ExplainTimeout  time.Duration `json:"-"`
	CacheTTLSec     int           `json:"cache_ttl_sec"`
	RateLimitPerMin int           `json:"rate_limit_per_min"`
	MaxCallsPerHour int           `json:"max_calls_per_hour"`
}

// PredictionConfig holds the refresh-service and trigger-engine tuning.
type PredictionConfig struct {
	AICooldownSec      int     `json:"ai_cooldown_sec"`
	EventThrottleSec   int     `json:"event_throttle_sec"`
	TriggerDebounceSec int     `json:"trigger_debounce_sec"`
	HysteresisRatio    float64 `json:"hysteresis_ratio"`
	// Scheduled refresh intervals per timeframe, seconds.
	RefreshIntervalSec map[string]int `json:"refresh_interval_sec"`
}

// RefreshIntervalFor returns the scheduled interval for a timeframe.
func (p PredictionConfig) RefreshIntervalFor(tf string) time.Duration {
	if sec, ok := p.RefreshIntervalSec[tf]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 600 * time.Second
}

// StrategyConfig holds the python-sidecar dispatch settings.
type StrategyConfig struct {
	PythonEnabled   bool          `json:"python_enabled"`
	PythonURL       string        `json:"python_url"`
	PythonTimeout   time.Duration `json:"-"`
	ShadowMode      bool          `json:"shadow_mode"`
	BreakerFailures int           `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"-"`
}

// OrchestratorConfig holds the bot-runtime scheduling settings.
type OrchestratorConfig struct {
	QueueMode    string        `json:"queue_mode"` // "redis" or "poll"
	TickInterval time.Duration `json:"-"`
	TickTimeout  time.Duration `json:"-"`
	Workers      int           `json:"workers"`
}

// NewsConfig holds the economic-calendar overlay settings.
type NewsConfig struct {
	Enabled     bool     `json:"enabled"`
	CalendarURL string   `json:"calendar_url"`
	Currencies  []string `json:"currencies"`
	ImpactMin   string   `json:"impact_min"`
	PreMinutes  int      `json:"pre_minutes"`
	PostMinutes int      `json:"post_minutes"`
}

// LicenseConfig holds the entitlement-gate settings.
type LicenseConfig struct {
	Enforcement   bool   `json:"enforcement"`
	CacheTTLSec   int    `json:"cache_ttl_sec"`
	ServerURL     string `json:"server_url"`
	SigningKey    string `json:"signing_key"`
	OfflineGraceH int    `json:"offline_grace_hours"`
}

// NotificationConfig holds the outbound notification settings.
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat("config.json"); err == nil {
		loaded, err := loadFromFile("config.json")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Every key from the deployment contract is surfaced here with its default.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8088)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DATABASE_MAX_CONNS", 10)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "control-plane/exchange-keys")

	// Exchange gateway config
	cfg.ExchangeConfig.CallTimeout = time.Duration(getEnvIntOrDefault("EXCHANGE_CALL_TIMEOUT_MS", 12000)) * time.Millisecond
	cfg.ExchangeConfig.MinGapMs = getEnvIntOrDefault("EXCHANGE_MIN_GAP_MS", 120)
	if cfg.ExchangeConfig.VenueGapMs == nil {
		cfg.ExchangeConfig.VenueGapMs = map[string]int{}
	}
	for _, venue := range []string{"binance", "bingx", "bitget", "bitmart", "coinstore", "kucoin", "mexc", "p2b", "pionex"} {
		key := strings.ToUpper(venue) + "_MIN_GAP_MS"
		if ms := getEnvIntOrDefault(key, 0); ms > 0 {
			cfg.ExchangeConfig.VenueGapMs[venue] = ms
		}
	}

	// AI config
	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", "true") == "true"
	cfg.AIConfig.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AIConfig.OpenAIAPIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_MODEL", "gpt-4o-mini")
	cfg.AIConfig.ExplainTimeout = time.Duration(getEnvIntOrDefault("AI_EXPLAIN_TIMEOUT_MS", 12000)) * time.Millisecond
	cfg.AIConfig.CacheTTLSec = getEnvIntOrDefault("AI_CACHE_TTL_SEC", 300)
	cfg.AIConfig.RateLimitPerMin = getEnvIntOrDefault("AI_RATE_LIMIT_PER_MIN", 60)
	cfg.AIConfig.MaxCallsPerHour = getEnvIntOrDefault("AI_MAX_CALLS_PER_HOUR", 120)

	// Prediction config
	cfg.PredictionConfig.AICooldownSec = getEnvIntOrDefault("PRED_AI_COOLDOWN_SEC", 300)
	cfg.PredictionConfig.EventThrottleSec = getEnvIntOrDefault("PRED_EVENT_THROTTLE_SEC", 180)
	cfg.PredictionConfig.TriggerDebounceSec = getEnvIntOrDefault("PRED_TRIGGER_DEBOUNCE_SEC", 90)
	cfg.PredictionConfig.HysteresisRatio = getEnvFloatOrDefault("PRED_HYSTERESIS_RATIO", 0.6)
	cfg.PredictionConfig.RefreshIntervalSec = map[string]int{
		"5m":  getEnvIntOrDefault("PREDICTION_REFRESH_5M_SECONDS", 180),
		"15m": getEnvIntOrDefault("PREDICTION_REFRESH_15M_SECONDS", 300),
		"1h":  getEnvIntOrDefault("PREDICTION_REFRESH_1H_SECONDS", 600),
		"4h":  getEnvIntOrDefault("PREDICTION_REFRESH_4H_SECONDS", 1800),
		"1d":  getEnvIntOrDefault("PREDICTION_REFRESH_1D_SECONDS", 10800),
	}

	// Strategy sidecar config
	cfg.StrategyConfig.PythonEnabled = getEnvOrDefault("PY_STRATEGY_ENABLED", "false") == "true"
	cfg.StrategyConfig.PythonURL = getEnvOrDefault("PY_STRATEGY_URL", "http://localhost:9000")
	cfg.StrategyConfig.PythonTimeout = boundedDuration(
		time.Duration(getEnvIntOrDefault("PY_STRATEGY_TIMEOUT_MS", 1200))*time.Millisecond,
		200*time.Millisecond, 10*time.Second)
	cfg.StrategyConfig.ShadowMode = getEnvOrDefault("PY_STRATEGY_SHADOW_MODE", "false") == "true"
	cfg.StrategyConfig.BreakerFailures = getEnvIntOrDefault("PY_STRATEGY_BREAKER_FAILURES", 5)
	cfg.StrategyConfig.BreakerCooldown = getEnvDurationOrDefault("PY_STRATEGY_BREAKER_COOLDOWN", 30*time.Second)

	// Orchestrator config
	cfg.OrchestratorConfig.QueueMode = getEnvOrDefault("ORCH_QUEUE_MODE", "redis")
	cfg.OrchestratorConfig.TickInterval = getEnvDurationOrDefault("ORCH_TICK_INTERVAL", 15*time.Second)
	cfg.OrchestratorConfig.TickTimeout = getEnvDurationOrDefault("ORCH_TICK_TIMEOUT", 60*time.Second)
	cfg.OrchestratorConfig.Workers = getEnvIntOrDefault("ORCH_WORKERS", 8)

	// News config
	cfg.NewsConfig.Enabled = getEnvOrDefault("ECON_NEWS_RISK_ENABLED", "true") == "true"
	cfg.NewsConfig.CalendarURL = getEnvOrDefault("ECON_CALENDAR_URL", cfg.NewsConfig.CalendarURL)
	cfg.NewsConfig.Currencies = splitCSV(getEnvOrDefault("ECON_NEWS_CURRENCIES", "USD,EUR"))
	cfg.NewsConfig.ImpactMin = getEnvOrDefault("ECON_NEWS_IMPACT_MIN", "high")
	cfg.NewsConfig.PreMinutes = getEnvIntOrDefault("ECON_NEWS_PRE_MINUTES", 30)
	cfg.NewsConfig.PostMinutes = getEnvIntOrDefault("ECON_NEWS_POST_MINUTES", 30)

	// License config
	cfg.LicenseConfig.Enforcement = getEnvOrDefault("LICENSE_ENFORCEMENT", "true") == "true"
	cfg.LicenseConfig.CacheTTLSec = getEnvIntOrDefault("LICENSE_CACHE_TTL_SECONDS", 600)
	cfg.LicenseConfig.ServerURL = getEnvOrDefault("LICENSE_SERVER_URL", cfg.LicenseConfig.ServerURL)
	cfg.LicenseConfig.SigningKey = getEnvOrDefault("LICENSE_SIGNING_KEY", cfg.LicenseConfig.SigningKey)
	cfg.LicenseConfig.OfflineGraceH = getEnvIntOrDefault("LICENSE_OFFLINE_GRACE_HOURS", 24)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boundedDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(strings.ToUpper(p)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

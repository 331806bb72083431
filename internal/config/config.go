package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddress     = "127.0.0.1:3000"
	DefaultRestBaseURL = "https://api.binance.com"
	DefaultWSBaseURL   = "wss://ws-api.binance.com/ws-api/v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Simulation     SimulationConfig     `yaml:"simulation"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Journal        JournalConfig        `yaml:"journal"`
	Log            LogConfig            `yaml:"log"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ServerConfig struct {
	Address         string   `yaml:"address"`
	CertPath        string   `yaml:"cert_path"`
	KeyPath         string   `yaml:"key_path"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ReadTimeoutSec  int64    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int64    `yaml:"write_timeout_sec"`
}

// TLS reports whether both halves of the certificate pair are set.
func (s ServerConfig) TLS() bool {
	return s.CertPath != "" && s.KeyPath != ""
}

type ExchangeConfig struct {
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	RecvWindowMs        int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	OrderWSKeepaliveSec int64  `yaml:"order_ws_keepalive_sec"`
	ClientOrderPrefix   string `yaml:"client_order_prefix"`
	// DisableWS routes orders over REST only.
	DisableWS bool `yaml:"disable_ws"`
}

type SimulationConfig struct {
	Commission Decimal `yaml:"commission"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxPlaceFailures int   `yaml:"max_place_failures"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
}

type JournalConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	// AlertCoalesceSec folds repeats of one event and symbol; 0 sends all.
	AlertCoalesceSec int64 `yaml:"alert_coalesce_sec"`
}

// Load reads path (empty means no file), overlays the environment and
// validates. envFile is loaded first when set; a missing default .env is
// not an error.
func Load(path, envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a single strict YAML document without defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Server.Address, "HARMONY_ADDRESS", "ADDRESS")
	str(&c.Server.CertPath, "HARMONY_CERT_PATH", "CERT_PATH")
	str(&c.Server.KeyPath, "HARMONY_KEY_PATH", "KEY_PATH")
	str(&c.Exchange.RestBaseURL, "HARMONY_REST_BASE_URL")
	str(&c.Exchange.WSBaseURL, "HARMONY_WS_BASE_URL")
	str(&c.Log.Level, "HARMONY_LOG_LEVEL")
	str(&c.Journal.Dir, "HARMONY_JOURNAL_DIR")
	str(&c.Observability.Telegram.BotToken, "HARMONY_TELEGRAM_BOT_TOKEN")
	str(&c.Observability.Telegram.ChatID, "HARMONY_TELEGRAM_CHAT_ID")
	if v, ok := lookup("HARMONY_SIM_COMMISSION"); ok {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			c.Simulation.Commission = Decimal{Decimal: d, set: true}
		}
	}
}

func (c *Config) normalize() {
	c.Server.Address = strings.TrimSpace(c.Server.Address)
	c.Server.CertPath = strings.TrimSpace(c.Server.CertPath)
	c.Server.KeyPath = strings.TrimSpace(c.Server.KeyPath)
	origins := c.Server.CORSOrigins[:0]
	for _, o := range c.Server.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.CORSOrigins = origins
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.ClientOrderPrefix = strings.ToLower(strings.TrimSpace(c.Exchange.ClientOrderPrefix))
	c.Journal.Dir = strings.TrimSpace(c.Journal.Dir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 60
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = DefaultRestBaseURL
	}
	if c.Exchange.WSBaseURL == "" && !c.Exchange.DisableWS {
		c.Exchange.WSBaseURL = DefaultWSBaseURL
	}
	if c.Exchange.DisableWS {
		c.Exchange.WSBaseURL = ""
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.OrderWSKeepaliveSec == 0 {
		c.Exchange.OrderWSKeepaliveSec = 30
	}
	if !c.Simulation.Commission.set {
		c.Simulation.Commission = Decimal{Decimal: decimal.RequireFromString("0.001"), set: true}
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if (c.Server.CertPath == "") != (c.Server.KeyPath == "") {
		return fmt.Errorf("server.cert_path and server.key_path must be set together")
	}
	if c.Server.ReadTimeoutSec < 1 || c.Server.ReadTimeoutSec > 600 {
		return fmt.Errorf("server.read_timeout_sec must be between 1 and 600")
	}
	if c.Server.WriteTimeoutSec < 1 || c.Server.WriteTimeoutSec > 600 {
		return fmt.Errorf("server.write_timeout_sec must be between 1 and 600")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if c.Exchange.WSBaseURL != "" {
		if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("exchange ws_base_url %v", err)
		}
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.OrderWSKeepaliveSec < 1 || c.Exchange.OrderWSKeepaliveSec > 300 {
		return fmt.Errorf("exchange order_ws_keepalive_sec must be between 1 and 300")
	}
	if p := c.Exchange.ClientOrderPrefix; p != "" && !isValidPrefix(p) {
		return fmt.Errorf("exchange client_order_prefix must match [a-z0-9_], length 1..12")
	}
	if c.Simulation.Commission.Sign() < 0 || c.Simulation.Commission.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("simulation.commission must be in [0, 1)")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertCoalesceSec < 0 || c.Observability.Runtime.AlertCoalesceSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_coalesce_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidPrefix(v string) bool {
	if len(v) < 1 || len(v) > 12 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}

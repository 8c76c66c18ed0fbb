package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

type Config struct {
	Mode          Mode                `yaml:"mode"`
	Symbol        string              `yaml:"symbol"`
	Interval      string              `yaml:"interval"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Stream        StreamConfig        `yaml:"stream"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Order         OrderConfig         `yaml:"order"`
	Portfolio     PortfolioConfig     `yaml:"portfolio"`
	Polling       PollingConfig       `yaml:"polling"`
	State         StateConfig         `yaml:"state"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ExchangeConfig struct {
	RestBaseURL       string  `yaml:"rest_base_url"`
	WSBaseURL         string  `yaml:"ws_base_url"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
}

type StreamConfig struct {
	ReconnectDelayMs    int64 `yaml:"reconnect_delay_ms"`
	ReadLimitBytes      int64 `yaml:"read_limit_bytes"`
	HandshakeTimeoutSec int64 `yaml:"handshake_timeout_sec"`
	HistoryLimit        int   `yaml:"history_limit"`
}

// CredentialsConfig names the environment variables used as defaults when nothing is persisted.
type CredentialsConfig struct {
	EnvAPIKey    string `yaml:"env_api_key"`
	EnvSecretKey string `yaml:"env_secret_key"`
	EnvFile      string `yaml:"env_file"`
}

type OrderConfig struct {
	// MaxNotional rejects orders worth more than this locally. Zero disables the cap.
	MaxNotional Decimal `yaml:"max_notional"`
}

type PortfolioConfig struct {
	KnownQuotes []string `yaml:"known_quotes"`
}

type PollingConfig struct {
	AccountSec    int64 `yaml:"account_sec"`
	OpenOrdersSec int64 `yaml:"open_orders_sec"`
	TradesSec     int64 `yaml:"trades_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
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
}

var defaultKnownQuotes = []string{"USDT", "BUSD", "BTC", "ETH", "BNB", "TRY", "USD"}

// Load reads a single YAML document from path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
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
	}
	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve normalizes c, fills defaults, and validates the result. Load calls it; programs that
// build a Config from flags call it directly.
func (c *Config) Resolve() error {
	c.normalize()
	c.applyDefaults()
	return c.Validate()
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Interval = strings.TrimSpace(c.Interval)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Credentials.EnvAPIKey = strings.TrimSpace(c.Credentials.EnvAPIKey)
	c.Credentials.EnvSecretKey = strings.TrimSpace(c.Credentials.EnvSecretKey)
	c.Credentials.EnvFile = strings.TrimSpace(c.Credentials.EnvFile)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.OutputFile = strings.TrimSpace(c.Log.OutputFile)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	quotes := c.Portfolio.KnownQuotes[:0]
	for _, q := range c.Portfolio.KnownQuotes {
		q = strings.ToUpper(strings.TrimSpace(q))
		if q != "" {
			quotes = append(quotes, q)
		}
	}
	c.Portfolio.KnownQuotes = quotes
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 10
	}
	if c.Exchange.RequestBurst == 0 {
		c.Exchange.RequestBurst = 5
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision/api/v3"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com/api/v3"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://testnet.binance.vision"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
		}
	}
	if c.Stream.ReconnectDelayMs == 0 {
		c.Stream.ReconnectDelayMs = 5000
	}
	if c.Stream.ReadLimitBytes == 0 {
		c.Stream.ReadLimitBytes = 2 << 20
	}
	if c.Stream.HandshakeTimeoutSec == 0 {
		c.Stream.HandshakeTimeoutSec = 15
	}
	if c.Stream.HistoryLimit == 0 {
		c.Stream.HistoryLimit = 500
	}
	if c.Credentials.EnvAPIKey == "" {
		c.Credentials.EnvAPIKey = "BINANCE_API_KEY"
	}
	if c.Credentials.EnvSecretKey == "" {
		c.Credentials.EnvSecretKey = "BINANCE_SECRET_KEY"
	}
	if c.Credentials.EnvFile == "" {
		c.Credentials.EnvFile = ".env"
	}
	if len(c.Portfolio.KnownQuotes) == 0 {
		c.Portfolio.KnownQuotes = append([]string(nil), defaultKnownQuotes...)
	}
	if c.Polling.AccountSec == 0 {
		c.Polling.AccountSec = 10
	}
	if c.Polling.OpenOrdersSec == 0 {
		c.Polling.OpenOrdersSec = 3
	}
	if c.Polling.TradesSec == 0 {
		c.Polling.TradesSec = 5
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
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
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 5..20")
	}
	if !isValidInterval(c.Interval) {
		return fmt.Errorf("interval %q is not a supported kline interval", c.Interval)
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RequestsPerSecond < 0 {
		return fmt.Errorf("exchange requests_per_second must be >= 0")
	}
	if c.Exchange.RequestBurst < 1 {
		return fmt.Errorf("exchange request_burst must be >= 1")
	}
	if c.Stream.ReconnectDelayMs < 100 || c.Stream.ReconnectDelayMs > 600000 {
		return fmt.Errorf("stream reconnect_delay_ms must be between 100 and 600000")
	}
	if c.Stream.ReadLimitBytes < 1024 {
		return fmt.Errorf("stream read_limit_bytes must be >= 1024")
	}
	if c.Stream.HandshakeTimeoutSec < 1 || c.Stream.HandshakeTimeoutSec > 120 {
		return fmt.Errorf("stream handshake_timeout_sec must be between 1 and 120")
	}
	if c.Stream.HistoryLimit < 1 || c.Stream.HistoryLimit > 1000 {
		return fmt.Errorf("stream history_limit must be between 1 and 1000")
	}
	if c.Credentials.EnvAPIKey == c.Credentials.EnvSecretKey {
		return fmt.Errorf("credentials env_api_key and env_secret_key must differ")
	}
	if c.Order.MaxNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("order max_notional must be >= 0")
	}
	for _, interval := range []struct {
		name string
		sec  int64
	}{
		{"polling.account_sec", c.Polling.AccountSec},
		{"polling.open_orders_sec", c.Polling.OpenOrdersSec},
		{"polling.trades_sec", c.Polling.TradesSec},
	} {
		if interval.sec < 1 || interval.sec > 3600 {
			return fmt.Errorf("%s must be between 1 and 3600", interval.name)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
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

var klineIntervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

func isValidInterval(v string) bool {
	_, ok := klineIntervals[v]
	return ok
}

func isValidSymbol(v string) bool {
	if len(v) < 5 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
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

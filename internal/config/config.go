package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-market/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	Logging logging.Config `mapstructure:"logging"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Storage StorageConfig  `mapstructure:"storage"`
	Oracle  OracleConfig   `mapstructure:"oracle"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Poller  PollerConfig   `mapstructure:"poller"`
	Notify  NotifyConfig   `mapstructure:"notify"`
	Export  ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig selects and parameterises the persistence backend.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// OracleConfig covers on-chain price feed access.
type OracleConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	FallbackRPCs   []string      `mapstructure:"fallback_rpcs"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Network        string        `mapstructure:"network"`
}

// AuthConfig governs the wallet sign-in handshake.
type AuthConfig struct {
	NonceTTL       time.Duration `mapstructure:"nonce_ttl"`
	NonceBackend   string        `mapstructure:"nonce_backend"`
	StartingPoints float64       `mapstructure:"starting_points"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// RedisConfig describes the shared nonce table.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PollerConfig governs the oracle auto-resolution loop.
type PollerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// NotifyConfig routes resolution notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// DefaultFallbackRPCs are public Ethereum mainnet endpoints tried after the configured one.
var DefaultFallbackRPCs = []string{
	"https://eth.llamarpc.com",
	"https://rpc.ankr.com/eth",
	"https://cloudflare-eth.com",
	"https://ethereum-rpc.publicnode.com",
}

// MaxNonceTTL caps auth.nonce_ttl; a sign-in nonce never outlives five minutes.
const MaxNonceTTL = 5 * time.Minute

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("oracle.rpc_url", "ORACLEMARKET_ORACLE_RPC_URL", "WEB3_PROVIDER_URL"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclemarket")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/oracle-market.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")

	v.SetDefault("oracle.fallback_rpcs", DefaultFallbackRPCs)
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.network", "Ethereum Mainnet")

	v.SetDefault("auth.nonce_ttl", "5m")
	v.SetDefault("auth.nonce_backend", "memory")
	v.SetDefault("auth.starting_points", 1000.0)
	v.SetDefault("auth.redis.addr", "localhost:6379")
	v.SetDefault("auth.redis.prefix", "oraclemarket:nonce:")

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "1m")
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.advisory_lock_key", int64(0x6f726163))

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, sqlite, postgres; got %q", c.Storage.Driver)
	}
	if c.Oracle.RequestTimeout <= 0 {
		return fmt.Errorf("oracle.request_timeout must be greater than zero")
	}
	if c.Oracle.RPCURL == "" && len(c.Oracle.FallbackRPCs) == 0 {
		return fmt.Errorf("oracle needs rpc_url or at least one fallback rpc")
	}
	if c.Auth.NonceTTL <= 0 || c.Auth.NonceTTL > MaxNonceTTL {
		return fmt.Errorf("auth.nonce_ttl must be greater than zero and at most %s", MaxNonceTTL)
	}
	if c.Auth.StartingPoints < 0 {
		return fmt.Errorf("auth.starting_points cannot be negative")
	}
	switch c.Auth.NonceBackend {
	case "memory":
	case "redis":
		if c.Auth.Redis.Addr == "" {
			return fmt.Errorf("auth.redis.addr is required when auth.nonce_backend is redis")
		}
	default:
		return fmt.Errorf("auth.nonce_backend must be memory or redis; got %q", c.Auth.NonceBackend)
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required")
		}
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		return fmt.Errorf("export chart dimensions must be positive")
	}
	return nil
}

// RPCEndpoints returns the ordered endpoint list: the configured primary first,
// then the fallbacks, without duplicates.
func (c OracleConfig) RPCEndpoints() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(c.FallbackRPCs)+1)
	add := func(url string) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	add(c.RPCURL)
	for _, url := range c.FallbackRPCs {
		add(url)
	}
	return out
}

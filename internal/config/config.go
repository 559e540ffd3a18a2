package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"medallion-etl/internal/logging"
)

// ErrConfig marks missing or malformed configuration. No retry helps.
var ErrConfig = errors.New("config error")

// requiredKeys have no defaults; their absence is fatal.
var requiredKeys = []string{
	"database.dsn",
	"source.base_url",
	"source.endpoints.simple_price",
	"source.coins",
	"source.rate_limit_delay",
	"pipeline.retry_attempts",
	"pipeline.retry_delay",
}

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Source     SourceConfig     `mapstructure:"source"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Warehouse  WarehouseConfig  `mapstructure:"warehouse"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Completion CompletionConfig `mapstructure:"completion"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// SourceConfig describes the upstream price API.
type SourceConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	Endpoints      EndpointsConfig `mapstructure:"endpoints"`
	Coins          []CoinConfig    `mapstructure:"coins"`
	VSCurrencies   []string        `mapstructure:"vs_currencies"`
	RateLimitDelay time.Duration   `mapstructure:"rate_limit_delay"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	UserAgent      string          `mapstructure:"user_agent"`
	APIKey         string          `mapstructure:"api_key"`
}

// EndpointsConfig holds path templates relative to the base URL.
type EndpointsConfig struct {
	SimplePrice string `mapstructure:"simple_price"`
}

// CoinConfig identifies one tracked coin.
type CoinConfig struct {
	ID     string `mapstructure:"id"`
	Symbol string `mapstructure:"symbol"`
}

// PipelineConfig carries retry tunables for the capture stage.
type PipelineConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// WarehouseConfig names the three layer tables.
type WarehouseConfig struct {
	BronzeTable string `mapstructure:"bronze_table"`
	SilverTable string `mapstructure:"silver_table"`
	GoldTable   string `mapstructure:"gold_table"`
	BatchSize   int    `mapstructure:"batch_size"`
}

// SchedulerConfig governs the daily trigger.
type SchedulerConfig struct {
	Cron       string        `mapstructure:"cron"`
	Timezone   string        `mapstructure:"timezone"`
	RunOnStart bool          `mapstructure:"run_on_start"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// CompletionConfig routes the end-of-pipeline signal.
type CompletionConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// KafkaConfig describes the completion topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelegramConfig describes the Telegram completion message.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDALLION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	if missing := missingKeys(v); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required keys: %s", ErrConfig, strings.Join(missing, ", "))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
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
		return fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}
	return nil
}

func missingKeys(v *viper.Viper) []string {
	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "medallion")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.query_timeout", "30s")

	v.SetDefault("source.vs_currencies", []string{"usd"})
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.user_agent", "medallion/1.0")

	v.SetDefault("warehouse.bronze_table", "bronze_raw_prices")
	v.SetDefault("warehouse.silver_table", "silver_clean_prices")
	v.SetDefault("warehouse.gold_table", "gold_daily_metrics")
	v.SetDefault("warehouse.batch_size", 100)

	v.SetDefault("scheduler.cron", "5 0 * * *")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.retries", 2)
	v.SetDefault("scheduler.retry_delay", "5m")

	v.SetDefault("completion.kafka.enabled", false)
	v.SetDefault("completion.kafka.topic", "medallion.pipeline.completed")
	v.SetDefault("completion.kafka.write_timeout", "10s")
	v.SetDefault("completion.telegram.enabled", false)
	v.SetDefault("completion.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 1000)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", ErrConfig)
	}
	if err := c.ValidateSource(); err != nil {
		return err
	}
	if err := c.ValidateRetry(); err != nil {
		return err
	}
	if err := c.ValidateWarehouse(); err != nil {
		return err
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("%w: export.max_data_points must be greater than zero", ErrConfig)
	}
	if c.Scheduler.Retries < 0 {
		return fmt.Errorf("%w: scheduler.retries cannot be negative", ErrConfig)
	}
	if c.Completion.Kafka.Enabled {
		if len(c.Completion.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: completion.kafka.brokers must be set when kafka is enabled", ErrConfig)
		}
		if c.Completion.Kafka.Topic == "" {
			return fmt.Errorf("%w: completion.kafka.topic must be set when kafka is enabled", ErrConfig)
		}
	}
	if c.Completion.Telegram.Enabled {
		if c.Completion.Telegram.BotToken == "" {
			return fmt.Errorf("%w: completion.telegram.bot_token is required", ErrConfig)
		}
		if c.Completion.Telegram.ChatID == "" {
			return fmt.Errorf("%w: completion.telegram.chat_id is required", ErrConfig)
		}
	}
	return nil
}

// ValidateSource checks the keys the capture and normalize stages depend on.
func (c *Config) ValidateSource() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("%w: source.base_url is required", ErrConfig)
	}
	if strings.TrimSpace(c.Source.Endpoints.SimplePrice) == "" {
		return fmt.Errorf("%w: source.endpoints.simple_price is required", ErrConfig)
	}
	if len(c.CoinIDs()) == 0 {
		return fmt.Errorf("%w: source.coins must list at least one coin id", ErrConfig)
	}
	if c.Source.RateLimitDelay < 0 {
		return fmt.Errorf("%w: source.rate_limit_delay cannot be negative", ErrConfig)
	}
	return nil
}

// ValidateRetry checks the capture retry tunables.
func (c *Config) ValidateRetry() error {
	if c.Pipeline.RetryAttempts < 1 {
		return fmt.Errorf("%w: pipeline.retry_attempts must be at least 1", ErrConfig)
	}
	if c.Pipeline.RetryDelay < 0 {
		return fmt.Errorf("%w: pipeline.retry_delay cannot be negative", ErrConfig)
	}
	return nil
}

// ValidateWarehouse checks table names and write batching.
func (c *Config) ValidateWarehouse() error {
	tables := map[string]string{
		"warehouse.bronze_table": c.Warehouse.BronzeTable,
		"warehouse.silver_table": c.Warehouse.SilverTable,
		"warehouse.gold_table":   c.Warehouse.GoldTable,
	}
	for key, name := range tables {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrConfig, key)
		}
	}
	if c.Warehouse.BatchSize <= 0 {
		return fmt.Errorf("%w: warehouse.batch_size must be greater than zero", ErrConfig)
	}
	return nil
}

// CoinIDs returns the tracked coin identifiers in configuration order.
func (c *Config) CoinIDs() []string {
	ids := make([]string, 0, len(c.Source.Coins))
	for _, coin := range c.Source.Coins {
		if id := strings.TrimSpace(coin.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Currencies returns the configured target currencies, defaulting to usd.
func (c *Config) Currencies() []string {
	out := make([]string, 0, len(c.Source.VSCurrencies))
	for _, cur := range c.Source.VSCurrencies {
		if cur = strings.ToLower(strings.TrimSpace(cur)); cur != "" {
			out = append(out, cur)
		}
	}
	if len(out) == 0 {
		return []string{"usd"}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

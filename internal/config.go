package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env           string              `mapstructure:"env"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Payout        PayoutConfig        `mapstructure:"payout"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Referral      ReferralConfig      `mapstructure:"referral"`
	Premium       PremiumConfig       `mapstructure:"premium"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// ProviderConfig describes one inbound payment provider.
type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url" validate:"required,url"`
	APIKey        string `mapstructure:"api_key"`
	SiteID        string `mapstructure:"site_id"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required"`
}

type PaymentConfig struct {
	Currency           string          `mapstructure:"currency" validate:"required,len=3"`
	AmountEpsilon      decimal.Decimal `mapstructure:"-"`
	RequestTimeout     time.Duration   `mapstructure:"request_timeout"`
	SignatureTolerance time.Duration   `mapstructure:"signature_tolerance"`
	FedaPay            ProviderConfig  `mapstructure:"fedapay"`
	CinetPay           ProviderConfig  `mapstructure:"cinetpay"`
}

type PayoutConfig struct {
	Provider        string        `mapstructure:"provider"`
	ProviderURL     string        `mapstructure:"provider_url" validate:"required,url"`
	APIKey          string        `mapstructure:"api_key"`
	CallbackSecret  string        `mapstructure:"callback_secret" validate:"required"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	FeeRate         float64       `mapstructure:"fee_rate" validate:"gte=0,lt=1"`
}

type QueueConfig struct {
	Driver         string        `mapstructure:"driver" validate:"oneof=memory redis"`
	Workers        int           `mapstructure:"workers" validate:"min=1"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	RelayInterval  time.Duration `mapstructure:"relay_interval"`
	InflightLockTT time.Duration `mapstructure:"inflight_lock_ttl"`
}

type ReferralConfig struct {
	Rate           float64       `mapstructure:"rate" validate:"gte=0,lte=1"`
	EligibleLevels []string      `mapstructure:"eligible_levels"`
	BonusTTL       time.Duration `mapstructure:"bonus_ttl"`
}

type PremiumConfig struct {
	Period time.Duration `mapstructure:"period"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ApplyDefaults fills values left empty by the config source.
func (c *Config) ApplyDefaults() {
	if c.Payment.Currency == "" {
		c.Payment.Currency = "XOF"
	}
	if c.Payment.AmountEpsilon.IsZero() {
		c.Payment.AmountEpsilon = decimal.NewFromFloat(0.01)
	}
	if c.Payment.RequestTimeout <= 0 {
		c.Payment.RequestTimeout = 15 * time.Second
	}
	if c.Payout.Provider == "" {
		c.Payout.Provider = "fedapay"
	}
	if c.Payout.MaxAttempts <= 0 {
		c.Payout.MaxAttempts = 3
	}
	if c.Payout.BackoffBase <= 0 {
		c.Payout.BackoffBase = 30 * time.Second
	}
	if c.Payout.TransferTimeout <= 0 {
		c.Payout.TransferTimeout = 20 * time.Second
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 10
	}
	if c.Queue.QueueSize <= 0 {
		c.Queue.QueueSize = 100
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = 5 * time.Second
	}
	if c.Queue.RelayInterval <= 0 {
		c.Queue.RelayInterval = time.Second
	}
	if c.Queue.InflightLockTT <= 0 {
		c.Queue.InflightLockTT = time.Minute
	}
	if c.Referral.Rate == 0 {
		c.Referral.Rate = 0.03
	}
	if len(c.Referral.EligibleLevels) == 0 {
		c.Referral.EligibleLevels = []string{"bronze", "platine"}
	}
	if c.Referral.BonusTTL <= 0 {
		c.Referral.BonusTTL = 30 * 24 * time.Hour
	}
	if c.Premium.Period <= 0 {
		c.Premium.Period = 30 * 24 * time.Hour
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the config from environment variables, reading an
// optional .env file first.
func LoadConfigFromEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DB_SOURCE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnv("METRICS_ENABLED", "true") == "true",
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Payment: PaymentConfig{
			Currency:           getEnv("PAYMENT_CURRENCY", "XOF"),
			RequestTimeout:     getEnvAsDuration("PAYMENT_REQUEST_TIMEOUT", 15*time.Second),
			SignatureTolerance: getEnvAsDuration("PAYMENT_SIGNATURE_TOLERANCE", 5*time.Minute),
			FedaPay: ProviderConfig{
				BaseURL:       getEnv("FEDAPAY_BASE_URL", "https://api.fedapay.com"),
				APIKey:        getEnv("FEDAPAY_API_KEY", ""),
				WebhookSecret: getEnv("FEDAPAY_WEBHOOK_SECRET", ""),
			},
			CinetPay: ProviderConfig{
				BaseURL:       getEnv("CINETPAY_BASE_URL", "https://api-checkout.cinetpay.com"),
				APIKey:        getEnv("CINETPAY_API_KEY", ""),
				SiteID:        getEnv("CINETPAY_SITE_ID", ""),
				WebhookSecret: getEnv("CINETPAY_WEBHOOK_SECRET", ""),
			},
		},
		Payout: PayoutConfig{
			Provider:        getEnv("PAYOUT_PROVIDER", "fedapay"),
			ProviderURL:     getEnv("PAYOUT_PROVIDER_URL", ""),
			APIKey:          getEnv("PAYOUT_API_KEY", ""),
			CallbackSecret:  getEnv("PAYOUT_CALLBACK_SECRET", ""),
			MaxAttempts:     getEnvAsInt("PAYOUT_MAX_ATTEMPTS", 3),
			BackoffBase:     getEnvAsDuration("PAYOUT_BACKOFF_BASE", 30*time.Second),
			TransferTimeout: getEnvAsDuration("PAYOUT_TRANSFER_TIMEOUT", 20*time.Second),
			FeeRate:         getEnvAsFloat("PAYOUT_FEE_RATE", 0),
		},
		Queue: QueueConfig{
			Driver:      getEnv("QUEUE_DRIVER", "redis"),
			Workers:     getEnvAsInt("QUEUE_WORKERS", 10),
			QueueSize:   getEnvAsInt("QUEUE_SIZE", 100),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase: getEnvAsDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
		},
	}
	cfg.Referral.Rate = getEnvAsFloat("REFERRAL_RATE", 0)
	if levels := getEnv("REFERRAL_ELIGIBLE_LEVELS", ""); levels != "" {
		cfg.Referral.EligibleLevels = strings.Split(levels, ",")
	}

	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err.Error())
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if c.Queue.Driver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "queue config: redis driver requires redis.addr")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url %s: %w", c.BaseURL, err)
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

// Package config loads and validates docgate configuration from the environment and an
// optional .env file using Viper, and hands each component its immutable settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"docgate/internal/anomaly"
	"docgate/internal/blocking"
	"docgate/internal/session"
	"docgate/internal/token"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR" validate:"required"`
	// DatabaseURL is the Postgres DSN. Required with the postgres driver.
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	// StoreDriver selects postgres or memory; empty picks postgres when DATABASE_URL is set.
	StoreDriver  string        `mapstructure:"STORE_DRIVER" validate:"oneof=postgres memory"`
	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT" validate:"gt=0"`

	// MasterSecret is the server secret the token and audit keys are derived from.
	MasterSecret string `mapstructure:"MASTER_SECRET" validate:"required,min=32"`
	// JWTPublicKey verifies caller bearer tokens (PEM or path). JWTPrivateKey is only used by cmd/seed.
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER" validate:"required"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE" validate:"required"`

	UserSessionTTL    time.Duration `mapstructure:"USER_SESSION_TTL" validate:"gt=0"`
	AdminSessionTTL   time.Duration `mapstructure:"ADMIN_SESSION_TTL" validate:"gt=0"`
	PendingSessionTTL time.Duration `mapstructure:"PENDING_SESSION_TTL" validate:"gt=0"`
	// TokenTTL is the capability token lifetime; zero means USER_SESSION_TTL.
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL" validate:"gte=0"`
	TokenSingleUse bool          `mapstructure:"TOKEN_SINGLE_USE"`
	// ResourceIDs is the comma-separated resource catalog used when no external catalog is wired.
	ResourceIDs string `mapstructure:"RESOURCE_IDS"`

	FailureWindow    time.Duration `mapstructure:"FAILURE_WINDOW" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"FAILURE_THRESHOLD" validate:"min=1"`
	BlockDuration    time.Duration `mapstructure:"BLOCK_DURATION" validate:"gt=0"`

	AdminSessionCap      int    `mapstructure:"ADMIN_SESSION_CAP" validate:"min=1"`
	AdminCapMode         string `mapstructure:"ADMIN_CAP_MODE" validate:"oneof=rotate refuse"`
	SuperAdminSessionCap int    `mapstructure:"SUPER_ADMIN_SESSION_CAP" validate:"min=0"`
	UserSessionCeiling   int    `mapstructure:"USER_SESSION_CEILING" validate:"min=1"`

	ClockSkew        time.Duration `mapstructure:"CLOCK_SKEW" validate:"gte=0"`
	ReverifyInterval time.Duration `mapstructure:"REVERIFY_INTERVAL" validate:"gt=0"`
	BindSessionIP    bool          `mapstructure:"BIND_SESSION_IP"`
	ChurnWindow      time.Duration `mapstructure:"CHURN_WINDOW" validate:"gt=0"`
	ChurnThreshold   int           `mapstructure:"CHURN_THRESHOLD" validate:"min=2"`
	ChurnAutoLock    bool          `mapstructure:"CHURN_AUTO_LOCK"`

	AnomalyWindow          time.Duration `mapstructure:"ANOMALY_WINDOW" validate:"gt=0"`
	AnomalyAlertThreshold  float64       `mapstructure:"ANOMALY_ALERT_THRESHOLD" validate:"gt=0,lte=100"`
	AnomalyLockThreshold   float64       `mapstructure:"ANOMALY_LOCK_THRESHOLD" validate:"gtefield=AnomalyAlertThreshold,lte=100"`
	AnomalyBaselinePerHour float64       `mapstructure:"ANOMALY_BASELINE_PER_HOUR" validate:"gt=0"`
	// AnomalyPolicyFile is a Rego module replacing the built-in response policy.
	AnomalyPolicyFile  string `mapstructure:"ANOMALY_POLICY_FILE"`
	BusinessHoursStart int    `mapstructure:"BUSINESS_HOURS_START" validate:"min=0,max=23"`
	BusinessHoursEnd   int    `mapstructure:"BUSINESS_HOURS_END" validate:"min=0,max=24"`
	BusinessTimezone   string `mapstructure:"BUSINESS_TIMEZONE" validate:"required"`

	AuditRetention  time.Duration `mapstructure:"AUDIT_RETENTION" validate:"gt=0"`
	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"gt=0"`
	ScanInterval    time.Duration `mapstructure:"SCAN_INTERVAL" validate:"gt=0"`
	VerifyInterval  time.Duration `mapstructure:"VERIFY_INTERVAL" validate:"gt=0"`
	VerifyBatchSize int           `mapstructure:"VERIFY_BATCH_SIZE" validate:"min=1"`

	// OTelEndpoint is the OTLP gRPC collector; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated broker list; when set, events are published to EventsKafkaTopic.
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC" validate:"required"`
	// KafkaGroupID is the consumer group of the worker's event relay.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID" validate:"required"`
	// LokiURL is where the worker relays events (e.g. http://localhost:3100).
	LokiURL            string  `mapstructure:"LOKI_URL" validate:"omitempty,url"`
	AlertRatePerMinute float64 `mapstructure:"ALERT_RATE_PER_MINUTE" validate:"gte=0"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	location *time.Location
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("STORE_DRIVER", "")
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("MASTER_SECRET", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "docgate-auth")
	v.SetDefault("JWT_AUDIENCE", "docgate-api")
	v.SetDefault("USER_SESSION_TTL", "72h")
	v.SetDefault("ADMIN_SESSION_TTL", "12h")
	v.SetDefault("PENDING_SESSION_TTL", "10m")
	v.SetDefault("TOKEN_TTL", "0s")
	v.SetDefault("TOKEN_SINGLE_USE", false)
	v.SetDefault("RESOURCE_IDS", "")
	v.SetDefault("FAILURE_WINDOW", "10m")
	v.SetDefault("FAILURE_THRESHOLD", 5)
	v.SetDefault("BLOCK_DURATION", "30m")
	v.SetDefault("ADMIN_SESSION_CAP", 10)
	v.SetDefault("ADMIN_CAP_MODE", session.CapModeRotate)
	v.SetDefault("SUPER_ADMIN_SESSION_CAP", 0)
	v.SetDefault("USER_SESSION_CEILING", 100)
	v.SetDefault("CLOCK_SKEW", "5m")
	v.SetDefault("REVERIFY_INTERVAL", "15m")
	v.SetDefault("BIND_SESSION_IP", false)
	v.SetDefault("CHURN_WINDOW", "10m")
	v.SetDefault("CHURN_THRESHOLD", 5)
	v.SetDefault("CHURN_AUTO_LOCK", true)
	v.SetDefault("ANOMALY_WINDOW", "60m")
	v.SetDefault("ANOMALY_ALERT_THRESHOLD", 60)
	v.SetDefault("ANOMALY_LOCK_THRESHOLD", 85)
	v.SetDefault("ANOMALY_BASELINE_PER_HOUR", 30)
	v.SetDefault("ANOMALY_POLICY_FILE", "")
	v.SetDefault("BUSINESS_HOURS_START", 7)
	v.SetDefault("BUSINESS_HOURS_END", 20)
	v.SetDefault("BUSINESS_TIMEZONE", "UTC")
	v.SetDefault("AUDIT_RETENTION", "8760h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("SCAN_INTERVAL", "5m")
	v.SetDefault("VERIFY_INTERVAL", "1h")
	v.SetDefault("VERIFY_BATCH_SIZE", 500)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "docgate-events")
	v.SetDefault("KAFKA_GROUP_ID", "docgate-event-relay")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("ALERT_RATE_PER_MINUTE", 6)
	v.SetDefault("APP_ENV", "")
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules validator tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q validation", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.Env == "production" && c.StoreDriver == DriverMemory {
		return errors.New("config: STORE_DRIVER=memory is not allowed when APP_ENV=production")
	}
	if c.BusinessHoursStart == c.BusinessHoursEnd {
		return errors.New("config: BUSINESS_HOURS_START and BUSINESS_HOURS_END must differ")
	}
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return fmt.Errorf("config: BUSINESS_TIMEZONE: %w", err)
	}
	c.location = loc
	return nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka broadcaster and the worker relay.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// ResourceIDList returns the static resource catalog.
func (c *Config) ResourceIDList() []string {
	return splitList(c.ResourceIDs)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TokenSettings returns the TokenService configuration.
func (c *Config) TokenSettings() token.Settings {
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = c.UserSessionTTL
	}
	return token.Settings{DefaultTTL: ttl, SingleUse: c.TokenSingleUse, StoreTimeout: c.StoreTimeout}
}

// BlockSettings returns the failure tracker configuration.
func (c *Config) BlockSettings() blocking.Settings {
	return blocking.Settings{
		Window:        c.FailureWindow,
		Threshold:     c.FailureThreshold,
		BlockDuration: c.BlockDuration,
		StoreTimeout:  c.StoreTimeout,
	}
}

// SessionSettings returns the session registry configuration.
func (c *Config) SessionSettings() session.Settings {
	return session.Settings{
		UserTTL:          c.UserSessionTTL,
		AdminTTL:         c.AdminSessionTTL,
		PendingTTL:       c.PendingSessionTTL,
		AdminCap:         c.AdminSessionCap,
		AdminCapMode:     c.AdminCapMode,
		SuperAdminCap:    c.SuperAdminSessionCap,
		UserCeiling:      c.UserSessionCeiling,
		ClockSkew:        c.ClockSkew,
		ReverifyInterval: c.ReverifyInterval,
		BindIP:           c.BindSessionIP,
		ChurnWindow:      c.ChurnWindow,
		ChurnThreshold:   c.ChurnThreshold,
		ChurnAutoLock:    c.ChurnAutoLock,
		StoreTimeout:     c.StoreTimeout,
	}
}

// AnomalySettings returns the scorer configuration.
func (c *Config) AnomalySettings() anomaly.Settings {
	loc := c.location
	if loc == nil {
		loc = time.UTC
	}
	return anomaly.Settings{
		Window:          c.AnomalyWindow,
		AlertThreshold:  c.AnomalyAlertThreshold,
		LockThreshold:   c.AnomalyLockThreshold,
		BaselinePerHour: c.AnomalyBaselinePerHour,
		BusinessHours:   anomaly.BusinessHours{Start: c.BusinessHoursStart, End: c.BusinessHoursEnd, Location: loc},
	}
}

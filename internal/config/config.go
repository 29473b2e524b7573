package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "LEDGERSYNC"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultRequestTimeout     = 30 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "ledgersync.db"
	defaultXeroAPIBaseURL     = "https://api.xero.com/api.xro/2.0"
	defaultXeroAuthURL        = "https://login.xero.com/identity/connect/authorize"
	defaultXeroTokenURL       = "https://identity.xero.com/connect/token"
	defaultXeroRevokeURL      = "https://identity.xero.com/connect/revocation"
	defaultXeroConnectionsURL = "https://api.xero.com/connections"
	defaultXeroJWKSURL        = "https://identity.xero.com/.well-known/openid-configuration/jwks"
	defaultXeroIssuer         = "https://identity.xero.com"
	defaultXeroScopes         = "openid profile email offline_access accounting.transactions accounting.contacts accounting.settings"
	defaultProcessInterval    = 15 * time.Second
	defaultBatchSize          = 50
	defaultMaxAttempts        = 5
	defaultStaleAfter         = 5 * time.Minute
	defaultRefreshMargin      = 60 * time.Second
	defaultMinuteLimit        = 60
	defaultDayLimit           = 5000
	defaultRateLimitBackend   = "memory"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultSyncMaxAttempts    = 3
	defaultSyncBaseDelay      = time.Second
	defaultSyncMaxDelay       = 2 * time.Minute
	defaultCallTimeout        = 30 * time.Second
	defaultMaxRateLimitWait   = 5 * time.Second
)

// AppConfig captures runtime configuration for the service.
type AppConfig struct {
	HTTPAddress    string        `validate:"required"`
	RequestTimeout time.Duration `validate:"gt=0"`
	LogLevel       string        `validate:"oneof=debug info warn warning error"`
	LogFormat      string        `validate:"oneof=json console"`

	DatabaseDriver string `validate:"oneof=sqlite postgres"`
	DatabaseDSN    string `validate:"required"`

	XeroClientID       string   `validate:"required"`
	XeroClientSecret   string   `validate:"required"`
	XeroRedirectURL    string   `validate:"required,url"`
	XeroScopes         []string `validate:"min=1"`
	XeroAPIBaseURL     string   `validate:"required,url"`
	XeroAuthURL        string   `validate:"required,url"`
	XeroTokenURL       string   `validate:"required,url"`
	XeroRevokeURL      string   `validate:"omitempty,url"`
	XeroConnectionsURL string   `validate:"required,url"`
	XeroJWKSURL        string   `validate:"omitempty,url"`
	XeroIssuer         string

	WebhookSecret          string        `validate:"required"`
	WebhookProcessInterval time.Duration `validate:"gt=0"`
	WebhookBatchSize       int           `validate:"gt=0,lte=500"`
	WebhookMaxAttempts     int           `validate:"gt=0"`
	WebhookStaleAfter      time.Duration `validate:"gt=0"`

	TokenEncryptionKey string        `validate:"required,min=32"`
	TokenRefreshMargin time.Duration `validate:"gte=0"`

	RateLimitMinute   int           `validate:"gt=0"`
	RateLimitDay      int           `validate:"gt=0"`
	RateLimitBackend  string        `validate:"oneof=memory redis"`
	RateLimitMaxWait  time.Duration `validate:"gte=0"`
	RedisAddress      string        `validate:"required_if=RateLimitBackend redis"`
	RedisPassword     string
	RedisDB           int           `validate:"gte=0"`
	SyncMaxAttempts   int           `validate:"gt=0"`
	SyncBaseDelay     time.Duration `validate:"gt=0"`
	SyncMaxDelay      time.Duration `validate:"gtefield=SyncBaseDelay"`
	SyncCallTimeout   time.Duration `validate:"gt=0"`
	AuthSigningSecret string        `validate:"required,min=16"`
}

// ConfigError lists every configuration key that failed validation.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// keyNames maps struct fields to configuration keys for error messages.
var keyNames = map[string]string{
	"HTTPAddress":            "http.address",
	"RequestTimeout":         "http.request_timeout",
	"LogLevel":               "log.level",
	"LogFormat":              "log.format",
	"DatabaseDriver":         "database.driver",
	"DatabaseDSN":            "database.dsn",
	"XeroClientID":           "xero.client_id",
	"XeroClientSecret":       "xero.client_secret",
	"XeroRedirectURL":        "xero.redirect_url",
	"XeroScopes":             "xero.scopes",
	"XeroAPIBaseURL":         "xero.api_base_url",
	"XeroAuthURL":            "xero.auth_url",
	"XeroTokenURL":           "xero.token_url",
	"XeroRevokeURL":          "xero.revoke_url",
	"XeroConnectionsURL":     "xero.connections_url",
	"XeroJWKSURL":            "xero.jwks_url",
	"WebhookSecret":          "webhook.secret",
	"WebhookProcessInterval": "webhook.process_interval",
	"WebhookBatchSize":       "webhook.batch_size",
	"WebhookMaxAttempts":     "webhook.max_attempts",
	"WebhookStaleAfter":      "webhook.stale_after",
	"TokenEncryptionKey":     "tokens.encryption_key",
	"TokenRefreshMargin":     "tokens.refresh_margin",
	"RateLimitMinute":        "ratelimit.minute_limit",
	"RateLimitDay":           "ratelimit.day_limit",
	"RateLimitBackend":       "ratelimit.backend",
	"RateLimitMaxWait":       "ratelimit.max_wait",
	"RedisAddress":           "redis.address",
	"RedisDB":                "redis.db",
	"SyncMaxAttempts":        "sync.max_attempts",
	"SyncBaseDelay":          "sync.base_delay",
	"SyncMaxDelay":           "sync.max_delay",
	"SyncCallTimeout":        "sync.call_timeout",
	"AuthSigningSecret":      "auth.signing_secret",
}

var structValidator = validator.New()

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// LoadDotEnv loads a .env file into the process environment when one exists.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("xero.client_id", "")
	configViper.SetDefault("xero.client_secret", "")
	configViper.SetDefault("xero.redirect_url", "")
	configViper.SetDefault("xero.scopes", defaultXeroScopes)
	configViper.SetDefault("xero.api_base_url", defaultXeroAPIBaseURL)
	configViper.SetDefault("xero.auth_url", defaultXeroAuthURL)
	configViper.SetDefault("xero.token_url", defaultXeroTokenURL)
	configViper.SetDefault("xero.revoke_url", defaultXeroRevokeURL)
	configViper.SetDefault("xero.connections_url", defaultXeroConnectionsURL)
	configViper.SetDefault("xero.jwks_url", defaultXeroJWKSURL)
	configViper.SetDefault("xero.issuer", defaultXeroIssuer)
	configViper.SetDefault("webhook.secret", "")
	configViper.SetDefault("webhook.process_interval", defaultProcessInterval)
	configViper.SetDefault("webhook.batch_size", defaultBatchSize)
	configViper.SetDefault("webhook.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("webhook.stale_after", defaultStaleAfter)
	configViper.SetDefault("tokens.encryption_key", "")
	configViper.SetDefault("tokens.refresh_margin", defaultRefreshMargin)
	configViper.SetDefault("ratelimit.minute_limit", defaultMinuteLimit)
	configViper.SetDefault("ratelimit.day_limit", defaultDayLimit)
	configViper.SetDefault("ratelimit.backend", defaultRateLimitBackend)
	configViper.SetDefault("ratelimit.max_wait", defaultMaxRateLimitWait)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("sync.base_delay", defaultSyncBaseDelay)
	configViper.SetDefault("sync.max_delay", defaultSyncMaxDelay)
	configViper.SetDefault("sync.call_timeout", defaultCallTimeout)
	configViper.SetDefault("auth.signing_secret", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		RequestTimeout: configViper.GetDuration("http.request_timeout"),
		LogLevel:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),

		XeroClientID:       strings.TrimSpace(configViper.GetString("xero.client_id")),
		XeroClientSecret:   strings.TrimSpace(configViper.GetString("xero.client_secret")),
		XeroRedirectURL:    strings.TrimSpace(configViper.GetString("xero.redirect_url")),
		XeroScopes:         strings.Fields(configViper.GetString("xero.scopes")),
		XeroAPIBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("xero.api_base_url")), "/"),
		XeroAuthURL:        strings.TrimSpace(configViper.GetString("xero.auth_url")),
		XeroTokenURL:       strings.TrimSpace(configViper.GetString("xero.token_url")),
		XeroRevokeURL:      strings.TrimSpace(configViper.GetString("xero.revoke_url")),
		XeroConnectionsURL: strings.TrimSpace(configViper.GetString("xero.connections_url")),
		XeroJWKSURL:        strings.TrimSpace(configViper.GetString("xero.jwks_url")),
		XeroIssuer:         strings.TrimSpace(configViper.GetString("xero.issuer")),

		WebhookSecret:          configViper.GetString("webhook.secret"),
		WebhookProcessInterval: configViper.GetDuration("webhook.process_interval"),
		WebhookBatchSize:       configViper.GetInt("webhook.batch_size"),
		WebhookMaxAttempts:     configViper.GetInt("webhook.max_attempts"),
		WebhookStaleAfter:      configViper.GetDuration("webhook.stale_after"),

		TokenEncryptionKey: configViper.GetString("tokens.encryption_key"),
		TokenRefreshMargin: configViper.GetDuration("tokens.refresh_margin"),

		RateLimitMinute:   configViper.GetInt("ratelimit.minute_limit"),
		RateLimitDay:      configViper.GetInt("ratelimit.day_limit"),
		RateLimitBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.backend"))),
		RateLimitMaxWait:  configViper.GetDuration("ratelimit.max_wait"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		SyncMaxAttempts:   configViper.GetInt("sync.max_attempts"),
		SyncBaseDelay:     configViper.GetDuration("sync.base_delay"),
		SyncMaxDelay:      configViper.GetDuration("sync.max_delay"),
		SyncCallTimeout:   configViper.GetDuration("sync.call_timeout"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return &ConfigError{Problems: []string{err.Error()}}
	}
	problems := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		key, ok := keyNames[fieldErr.StructField()]
		if !ok {
			key = fieldErr.StructField()
		}
		problems = append(problems, describe(key, fieldErr))
	}
	sort.Strings(problems)
	return &ConfigError{Problems: problems}
}

func describe(key string, fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", key)
	case "url":
		return fmt.Sprintf("%s must be an absolute URL", key)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", key, fieldErr.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s characters", key, fieldErr.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", key, fieldErr.Tag())
	}
}

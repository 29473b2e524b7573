package main

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/server"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/synclog"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	operatorIssuer   = "ledgersync"
	operatorAudience = "ledgersync-operator"
	redisKeyPrefix   = "ledgersync:ratelimit"
)

type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	redis      *redis.Client
	oauth      *oauth2.Config
	tokens     *tokens.Manager
	limiter    *ratelimit.Limiter
	api        *accounting.Client
	mappings   *mapping.Store
	syncLog    *synclog.Logger
	dispatcher *events.Dispatcher
	engine     *syncer.Engine
	receiver   *webhook.Receiver
	processor  *webhook.Processor
	worker     *webhook.Worker
	operators  *auth.TokenIssuer
	states     *auth.StateCodec
	idVerifier *auth.IDTokenVerifier
	httpClient *http.Client
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}

func newOperatorIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        operatorIssuer,
		Audience:      operatorAudience,
	})
}

// buildApplication wires every component from configuration. The caller must Close it.
func buildApplication() (*application, error) {
	appConfig, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	app := &application{
		config:     appConfig,
		logger:     logger,
		dispatcher: events.NewDispatcher(),
		httpClient: &http.Client{Timeout: appConfig.SyncCallTimeout},
	}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.config

	db, err := database.Open(database.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN, Logger: a.logger})
	if err != nil {
		return err
	}
	a.db = db

	a.oauth = &oauth2.Config{
		ClientID:     cfg.XeroClientID,
		ClientSecret: cfg.XeroClientSecret,
		RedirectURL:  cfg.XeroRedirectURL,
		Scopes:       cfg.XeroScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.XeroAuthURL,
			TokenURL: cfg.XeroTokenURL,
		},
	}

	cipher, err := tokens.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}
	a.tokens, err = tokens.NewManager(tokens.ManagerConfig{
		Database:      db,
		OAuth:         a.oauth,
		Cipher:        cipher,
		RevokeURL:     cfg.XeroRevokeURL,
		HTTPClient:    a.httpClient,
		RefreshMargin: cfg.TokenRefreshMargin,
		Logger:        a.logger.Named("tokens"),
	})
	if err != nil {
		return err
	}

	limits := ratelimit.Limits{PerMinute: cfg.RateLimitMinute, PerDay: cfg.RateLimitDay}
	var store ratelimit.Store
	switch cfg.RateLimitBackend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store = ratelimit.NewRedisStore(a.redis, limits, redisKeyPrefix)
	default:
		store = ratelimit.NewMemoryStore(limits)
	}
	a.limiter, err = ratelimit.NewLimiter(ratelimit.Config{
		Store:          store,
		DefaultMaxWait: cfg.RateLimitMaxWait,
		Logger:         a.logger.Named("ratelimit"),
	})
	if err != nil {
		return err
	}

	a.api = accounting.NewClient(accounting.ClientConfig{
		BaseURL:        cfg.XeroAPIBaseURL,
		ConnectionsURL: cfg.XeroConnectionsURL,
		HTTPClient:     a.httpClient,
		Quota:          a.limiter,
		Logger:         a.logger.Named("accounting"),
	})

	a.mappings, err = mapping.NewStore(mapping.StoreConfig{Database: db, Publisher: a.dispatcher, Logger: a.logger.Named("mapping")})
	if err != nil {
		return err
	}
	a.syncLog, err = synclog.NewLogger(synclog.LoggerConfig{Database: db, Logger: a.logger.Named("synclog")})
	if err != nil {
		return err
	}

	a.engine, err = syncer.NewEngine(syncer.EngineConfig{
		Tokens:   a.tokens,
		API:      a.api,
		Limiter:  a.limiter,
		Mappings: a.mappings,
		SyncLog:  a.syncLog,
		Retry: syncer.RetryPolicy{
			MaxAttempts: cfg.SyncMaxAttempts,
			BaseDelay:   cfg.SyncBaseDelay,
			MaxDelay:    cfg.SyncMaxDelay,
		},
		CallTimeout: cfg.SyncCallTimeout,
		MaxWait:     cfg.RateLimitMaxWait,
		Logger:      a.logger.Named("syncer"),
	})
	if err != nil {
		return err
	}

	webhookStore, err := webhook.NewStore(db, nil)
	if err != nil {
		return err
	}
	registry := webhook.NewRegistry()
	syncer.RegisterWebhookHandlers(registry, a.engine, nil)

	a.receiver, err = webhook.NewReceiver(webhook.ReceiverConfig{
		Secret: cfg.WebhookSecret,
		Store:  webhookStore,
		Logger: a.logger.Named("webhook"),
	})
	if err != nil {
		return err
	}
	a.processor, err = webhook.NewProcessor(webhook.ProcessorConfig{
		Store:       webhookStore,
		Registry:    registry,
		MaxAttempts: cfg.WebhookMaxAttempts,
		StaleAfter:  cfg.WebhookStaleAfter,
		Publisher:   a.dispatcher,
		Logger:      a.logger.Named("webhook"),
	})
	if err != nil {
		return err
	}
	a.worker, err = webhook.NewWorker(webhook.WorkerConfig{
		Processor: a.processor,
		Interval:  cfg.WebhookProcessInterval,
		BatchSize: cfg.WebhookBatchSize,
		Logger:    a.logger.Named("webhook"),
	})
	if err != nil {
		return err
	}

	a.operators, err = newOperatorIssuer(cfg)
	if err != nil {
		return err
	}
	a.states, err = auth.NewStateCodec(auth.StateCodecConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        operatorIssuer,
	})
	if err != nil {
		return err
	}
	if cfg.XeroJWKSURL != "" {
		verifierConfig := auth.IDTokenVerifierConfig{
			Audience:   cfg.XeroClientID,
			JWKSURL:    cfg.XeroJWKSURL,
			HTTPClient: a.httpClient,
			Logger:     a.logger.Named("auth"),
		}
		if cfg.XeroIssuer != "" {
			verifierConfig.AllowedIssuers = []string{cfg.XeroIssuer}
		}
		a.idVerifier, err = auth.NewIDTokenVerifier(verifierConfig)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *application) httpHandler() (http.Handler, error) {
	oauthDeps := server.OAuthDependencies{
		OAuth:         a.oauth,
		States:        a.states,
		Connections:   a.api,
		SecureCookies: secureRedirect(a.config.XeroRedirectURL),
	}
	if a.idVerifier != nil {
		oauthDeps.Identity = a.idVerifier
	}
	return server.NewHTTPHandler(server.Dependencies{
		Receiver:  a.receiver,
		Processor: a.processor,
		Operators: a.operators,
		Tokens:    a.tokens,
		Mappings:  a.mappings,
		SyncLog:   a.syncLog,
		Limiter:   a.limiter,
		Events:    a.dispatcher,
		OAuth:     oauthDeps,
		Logger:    a.logger.Named("server"),
	})
}

// Close releases the database and redis connections and flushes the logger.
func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = a.logger.Sync()
}

func secureRedirect(redirectURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return true
	}
	return parsed.Scheme != "http"
}

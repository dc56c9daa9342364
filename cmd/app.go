package cmd

import (
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	"github.com/frahmantamala/listing-payment/internal/core/events"
	"github.com/frahmantamala/listing-payment/internal/crypto"
	"github.com/frahmantamala/listing-payment/internal/listing"
	"github.com/frahmantamala/listing-payment/internal/metrics"
	"github.com/frahmantamala/listing-payment/internal/notification"
	"github.com/frahmantamala/listing-payment/internal/payment"
	paymentRepo "github.com/frahmantamala/listing-payment/internal/payment/postgres"
	"github.com/frahmantamala/listing-payment/internal/paymentgateway"
	"github.com/frahmantamala/listing-payment/internal/retry"
	"github.com/frahmantamala/listing-payment/pkg/logger"
)

// Dependencies is the wired application shared by the server and worker commands.
type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Redis    *redis.Client
	Logger   *slog.Logger
	Metrics  *metrics.Counters
	Gateway  *paymentgateway.Client
	Auth     *auth.Service
	Notifier *notification.Dispatcher
	Payments *payment.Service
}

func initializeDependencies() (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	deps := &Dependencies{
		Config:  cfg,
		DB:      db,
		Logger:  lg,
		Metrics: metrics.NewCounters(),
	}

	master, err := cfg.Security.MasterKey()
	if err != nil {
		deps.Close()
		return nil, err
	}
	envelope, err := crypto.NewEnvelope(master)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize crypto envelope: %w", err)
	}

	policy := retryPolicy(cfg.Retry)

	tokenCache, err := deps.tokenCache(cfg.Redis)
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.Auth = auth.NewService(auth.ServiceConfig{
		UserManagementURL: cfg.Services.UserManagementURL,
		JWTSecret:         cfg.Security.JWTSecret,
		ServiceAPIKey:     cfg.Security.ServiceAPIKey,
		Timeout:           cfg.Services.Timeout,
		CacheTTL:          cfg.Redis.TokenTTL,
	}, tokenCache, policy, lg)

	deps.Gateway = paymentgateway.NewClient(paymentgateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		APIKey:        cfg.Gateway.APIKey,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Timeout:       cfg.Gateway.Timeout,
	}, policy, lg)

	catalog, err := notification.NewCatalog()
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to load notification templates: %w", err)
	}
	deps.Notifier = notification.NewDispatcher(notification.Config{
		BaseURL: cfg.Services.NotificationURL,
		Timeout: cfg.Services.Timeout,
	}, catalog, policy, lg)

	approver := listing.NewApprover(listing.Config{
		BaseURL: cfg.Services.PropertyListingURL,
		APIKey:  cfg.Security.ServiceAPIKey,
		Timeout: cfg.Services.Timeout,
	}, policy, lg)

	bus := events.NewEventBus(lg)
	payment.NewFulfillment(deps.Auth, deps.Notifier, approver, lg).RegisterEventHandlers(bus)

	deps.Payments = payment.NewService(payment.Config{
		Currency:          cfg.Gateway.Currency,
		CallbackURL:       cfg.CallbackURL(),
		ReturnURL:         cfg.ReturnURL(),
		FrontendReturnURL: cfg.Payment.FrontendReturnURL,
		ScanLimit:         cfg.Payment.ScanLimit,
		SweepConcurrency:  cfg.Payment.SweepConcurrency,
		ReservationWait:   cfg.Payment.ReservationWait,
	}, paymentRepo.NewPaymentRepository(gormDB), deps.Gateway, envelope, deps.Auth, bus, deps.Metrics, lg)

	return deps, nil
}

// tokenCache uses redis when an address is configured and the in-process cache otherwise.
func (d *Dependencies) tokenCache(cfg internal.RedisConfig) (auth.TokenCache, error) {
	if cfg.Addr == "" {
		d.Logger.Info("redis not configured, using in-process token cache")
		return auth.NewMemoryTokenCache(0), nil
	}

	client, err := auth.NewRedisClient(cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.Redis = client
	return auth.NewRedisTokenCache(client), nil
}

func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error("redis close error", "error", err)
		}
	}
	if err := d.DB.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
}

func retryPolicy(cfg internal.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

// initDB opens the shared pgx pool; gorm and the health check both use it.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return dbConn, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/creditledger/pkg/billing"
	billingprom "github.com/mihaimyh/creditledger/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/creditledger/pkg/billing/stripe"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	zerologadapter "github.com/mihaimyh/creditledger/pkg/ledger/logger/zerolog"
	ledgerprom "github.com/mihaimyh/creditledger/pkg/ledger/metrics/prometheus"
	firestorestore "github.com/mihaimyh/creditledger/storage/firestore"
	"github.com/mihaimyh/creditledger/storage/memory"
	"github.com/mihaimyh/creditledger/storage/postgres"
	redisstore "github.com/mihaimyh/creditledger/storage/redis"
)

// backend is a store serving both the ledger and the billing layer
type backend interface {
	ledger.Storage
	billing.Store
}

// app holds the wired components shared by the commands
type app struct {
	config   *Config
	log      zerolog.Logger
	logger   ledger.Logger
	registry *prometheus.Registry
	metrics  ledger.Metrics
	store    backend
	engine   *ledger.Engine
	service  *billing.Service
	provider billing.Provider
	closers  []func()
}

func newLogger(cfg *Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log.level: %w", err)
	}
	var out io.Writer = os.Stderr
	switch cfg.Log.Format {
	case "json", "":
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log.format %q", cfg.Log.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "creditledger").Logger(), nil
}

// newApp connects the configured store and builds the engine and service
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	zl, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		config:   cfg,
		log:      zl,
		logger:   zerologadapter.NewLogger(zl),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = ledgerprom.NewMetrics(a.registry, cfg.Metrics.Namespace)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	engineConfig := ledger.DefaultConfig()
	engineConfig.Logger = a.logger
	engineConfig.Metrics = a.metrics
	if ts, ok := a.store.(ledger.TimeSource); ok {
		engineConfig.TimeSource = ts
	}
	a.engine, err = ledger.NewEngine(a.store, engineConfig)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	catalog := cfg.BuildCatalog()
	if cfg.Stripe.APIKey != "" {
		a.provider, err = stripe.NewProvider(stripe.Config{Config: billing.Config{
			Engine:        a.engine,
			Store:         a.store,
			Catalog:       catalog,
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Logger:        a.logger,
			Metrics:       billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace),
		}})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create stripe provider: %w", err)
		}
	} else {
		zl.Warn().Msg("stripe.api_key not set, checkout and webhooks are disabled")
	}

	a.service, err = billing.NewService(billing.ServiceConfig{
		Engine:     a.engine,
		Store:      a.store,
		Authorizer: cfg.BuildMemberships(),
		Catalog:    catalog,
		Provider:   a.provider,
		Logger:     a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.config
	switch cfg.Storage.Driver {
	case DriverMemory:
		a.log.Warn().Msg("using in-memory storage, data is lost on exit")
		a.store = memory.New()

	case DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.AutoMigrate = cfg.Postgres.AutoMigrate
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)

	case DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisConfig := redisstore.DefaultConfig()
		redisConfig.KeyPrefix = cfg.Redis.KeyPrefix
		s, err := redisstore.New(client, redisConfig)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() { _ = s.Close() })

	case DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() { _ = s.Close() })

	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}

	a.log.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")
	return nil
}

// Close releases the store's connections
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

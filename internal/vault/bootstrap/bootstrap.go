// Package bootstrap assembles the vault from configuration. The server and
// the operator CLI share it so both see the same store and lineage rules.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"identity-vault/internal/platform/config"
	"identity-vault/internal/platform/dynamo"
	"identity-vault/internal/platform/kafka"
	"identity-vault/internal/platform/postgres"
	platformredis "identity-vault/internal/platform/redis"
	"identity-vault/internal/vault/events"
	"identity-vault/internal/vault/metrics"
	"identity-vault/internal/vault/profile"
	"identity-vault/internal/vault/service"
	"identity-vault/internal/vault/status"
	"identity-vault/internal/vault/store"
	dynamostore "identity-vault/internal/vault/store/dynamo"
	"identity-vault/internal/vault/store/memory"
	pgstore "identity-vault/internal/vault/store/postgres"
	redisstore "identity-vault/internal/vault/store/redis"
	"identity-vault/internal/verifier"
)

const topicPartitions = 3

// App holds the wired vault components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Adapter  store.Adapter
	Profiles *profile.Store
	Status   *status.Checker
	Service  *service.Service

	kafka   *kgo.Client
	migrate func(context.Context) error
	health  []func(context.Context) error
	closers []func() error
}

// New connects the configured backend and builds the services on top of it.
// A nil reg registers metrics with the default registerer.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(reg),
	}
	if err := app.connectStore(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Profiles = profile.New(app.Adapter,
		profile.WithTransactions(cfg.CIS.Transactions),
		profile.WithLogger(logger),
		profile.WithMetrics(app.Metrics),
	)
	app.Status = status.New(app.Adapter,
		status.WithLogger(logger),
		status.WithMetrics(app.Metrics),
	)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(app.Metrics),
	}
	if cfg.Kafka.Enabled() {
		client, err := kafka.New(ctx, cfg.Kafka)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.kafka = client
		app.closers = append(app.closers, func() error { client.Close(); return nil })
		opts = append(opts, service.WithPublisher(events.NewPublisher(client, cfg.Kafka.Topic, events.WithLogger(logger))))
	}

	svc, err := service.New(app.Profiles, verifier.New(app.publisherKeys()), service.Config{
		VerifyPublishers: cfg.CIS.VerifyPublishers,
		VerifySignatures: cfg.CIS.VerifySignatures,
		SigningIdentity:  cfg.CIS.SigningIdentity,
		PublisherRules:   verifier.PublisherRules(cfg.CIS.PublisherRules),
	}, opts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("build profile service: %w", err)
	}
	app.Service = svc

	logger.InfoContext(ctx, "identity vault ready",
		"backend", cfg.Store.Backend,
		"table", cfg.Store.Table,
		"transactions", cfg.CIS.Transactions,
		"verify_publishers", cfg.CIS.VerifyPublishers,
		"verify_signatures", cfg.CIS.VerifySignatures,
		"kafka", cfg.Kafka.Enabled(),
	)
	return app, nil
}

func (a *App) connectStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		a.Adapter = memory.New(cfg.Store.Table)
	case config.BackendDynamoDB:
		client, err := dynamo.New(ctx, cfg.DynamoDB)
		if err != nil {
			return err
		}
		a.Adapter = dynamostore.New(client, cfg.Store.Table)
		a.migrate = func(ctx context.Context) error {
			return dynamostore.CreateTable(ctx, client, cfg.Store.Table)
		}
		if cfg.DynamoDB.CreateTable {
			if err := a.migrate(ctx); err != nil {
				return err
			}
		}
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.health = append(a.health, db.PingContext)
		pg := pgstore.NewPostgres(db, cfg.Store.Table)
		a.Adapter = pg
		a.migrate = pg.EnsureSchema
	case config.BackendRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.health = append(a.health, client.Health)
		a.Adapter = redisstore.New(client.Client, cfg.Store.Table, redisstore.WithRetries(cfg.Redis.TxRetries))
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

// publisherKeys returns the configured keys, adding an ephemeral key for the
// signing identity when none is configured.
func (a *App) publisherKeys() map[string]string {
	keys := make(map[string]string, len(a.Config.CIS.PublisherKeys)+1)
	for name, key := range a.Config.CIS.PublisherKeys {
		keys[name] = key
	}
	if _, ok := keys[a.Config.CIS.SigningIdentity]; !ok {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		keys[a.Config.CIS.SigningIdentity] = hex.EncodeToString(buf)
		a.Logger.Warn("no key configured for signing identity, using an ephemeral key",
			"signing_identity", a.Config.CIS.SigningIdentity,
		)
	}
	return keys
}

// Migrate creates the table, indexes and change topic the configuration
// refers to. Backends without a schema are a no-op.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate != nil {
		if err := a.migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", a.Config.Store.Backend, err)
		}
	}
	if a.kafka != nil {
		if err := kafka.EnsureTopic(ctx, a.kafka, a.Config.Kafka.Topic, topicPartitions); err != nil {
			return err
		}
	}
	return nil
}

// Health pings the backend connections. Backends without a connection are
// always healthy.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	for _, check := range a.health {
		errs = append(errs, check(ctx))
	}
	return errors.Join(errs...)
}

// Close releases every connection opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

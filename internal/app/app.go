// Package app wires configuration into the concrete adapters and services
// shared by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"giftcard-service/config"
	"giftcard-service/internal/broker"
	"giftcard-service/internal/chain"
	"giftcard-service/internal/matching"
	"giftcard-service/internal/models"
	"giftcard-service/internal/notify"
	"giftcard-service/internal/redisclient"
	"giftcard-service/internal/service"
	"giftcard-service/internal/store"
	"giftcard-service/internal/util"
	"giftcard-service/internal/verify"
	"giftcard-service/internal/worker"

	"go.uber.org/zap"
)

// Store is everything the service, the engine and the workers need from a
// persistence backend. Both store.Store and store.MemoryStore satisfy it.
type Store interface {
	service.Store
	matching.Store
	worker.EventLog

	Migrate(ctx context.Context) error
	Close() error
	CreateUnit(ctx context.Context, u *models.InventoryUnit) error
	ListUnits(ctx context.Context, merchant string, onlyAvailable bool) ([]models.InventoryUnit, error)
}

type App struct {
	Config   *config.Config
	Store    Store
	Chain    chain.Client
	Verifier *verify.Verifier
	Engine   *matching.Engine
	Intents  *service.IntentService
	// Events dispatches consumed or in-process events to the notifier.
	Events *broker.EventHandler
	// Redis is nil when disabled.
	Redis *redisclient.Client

	logger  *zap.Logger
	closers []func() error
}

// New connects every backend selected by cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		Events: broker.NewEventHandler(),
		logger: util.GetLogger(),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "giftcard:")
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}
	if err := a.openChain(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Verifier = verify.NewVerifier(a.Chain, cfg.Chain.PaymentContract, cfg.Chain.RequiredConfirmations)
	a.Engine = matching.NewEngine(a.Store)

	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		a.closers = append(a.closers, producer.Close)
		publisher = broker.NewEventPublisher(producer)
		a.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	} else {
		publisher = broker.NewInProcessPublisher(a.Events)
	}

	var opts []service.Option
	if a.Redis != nil {
		opts = append(opts, service.WithPollLocker(a.Redis))
	}
	a.Intents = service.NewIntentService(a.Store, a.Verifier, a.Engine, publisher, service.Config{
		IntentTTL:         cfg.Business.IntentTTL,
		DedupWindow:       cfg.Business.DedupWindow,
		AllowPartial:      cfg.Business.AllowPartialFulfillment,
		PollLockTTL:       cfg.Business.PollLockTTL,
		ConfirmationGrace: cfg.Business.ConfirmationGrace,
		Token:             cfg.Chain.PaymentToken,
	}, opts...)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Backend {
	case "memory":
		a.Store = store.NewMemoryStore()
		a.logger.Warn("Using in-memory store; state is lost on exit")
		return nil
	case "postgres", "":
		db, err := store.NewStore(a.Config.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Store = db

		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := db.Migrate(migrateCtx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		a.logger.Info("Database connected")
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", a.Config.Database.Backend)
	}
}

func (a *App) openChain(ctx context.Context) error {
	cfg := a.Config.Chain

	var client chain.Client
	switch cfg.Adapter {
	case "explorer":
		explorer, err := chain.NewExplorerClient(chain.ExplorerConfig{
			BaseURL: cfg.ExplorerURL,
			APIKey:  cfg.ExplorerAPIKey,
			Timeout: cfg.AdapterTimeout,
		})
		if err != nil {
			return err
		}
		client = explorer
	case "rpc":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.AdapterTimeout)
		defer cancel()
		eth, err := chain.NewEthClient(dialCtx, cfg.RPCURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { eth.Close(); return nil })
		client = eth
	case "fake":
		a.logger.Warn("Using fake chain adapter; no transaction will ever verify")
		client = chain.NewFakeClient()
	default:
		return fmt.Errorf("unknown chain adapter %q", cfg.Adapter)
	}

	if a.Redis != nil && cfg.CacheTTL > 0 {
		client = chain.NewCachedClient(client, a.Redis, cfg.CacheTTL, a.logger)
	}
	a.Chain = client
	a.logger.Info("Chain adapter ready", zap.String("adapter", cfg.Adapter))
	return nil
}

// NotificationWorker returns the consumer side of the event flow. With
// Kafka disabled it serves in-process dispatch only.
func (a *App) NotificationWorker(notifier notify.Notifier) *worker.NotificationWorker {
	var consumer *broker.Consumer
	if a.Config.Kafka.Enabled {
		consumer = broker.NewConsumer(a.Config.Kafka.Brokers, a.Config.Kafka.TopicEvents, a.Config.Kafka.ConsumerGroup)
	}
	return worker.NewNotificationWorker(consumer, a.Events, a.Store, notifier)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

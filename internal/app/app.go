package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"OrderWallet/internal/config"
	"OrderWallet/internal/db"
	"OrderWallet/internal/events"
	"OrderWallet/internal/lock"
	"OrderWallet/internal/notify"
	"OrderWallet/internal/refund"
	"OrderWallet/internal/services"
	"OrderWallet/internal/store"
	"OrderWallet/internal/wallet"
	"OrderWallet/internal/worker"
)

// Storage is implemented by both store.Store and store.Memory.
type Storage interface {
	services.OrderStore
	refund.OrderStore
	refund.Transactor
	wallet.Store
	worker.CandidateStore
}

// App holds the components shared by the api and worker binaries.
type App struct {
	Store   Storage
	Bus     *events.Bus
	Ledger  *wallet.Ledger
	Refunds *refund.Coordinator
	Orders  services.OrderService
	Logger  *zap.Logger

	closers []func()
}

func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Logger: logger}

	if cfg.UseMemoryStore() {
		logger.Warn("using in-memory store; state is lost on restart and not shared between processes")
		a.Store = store.NewMemory()
	} else {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = store.New(pool)
	}

	locker, err := a.buildLocker(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = wallet.NewLedger(a.Store, logger)
	a.Refunds = refund.NewCoordinator(refund.Deps{
		Orders:   a.Store,
		Ledger:   a.Ledger,
		Tx:       a.Store,
		Locker:   locker,
		Notifier: a.buildNotifier(cfg),
		Logger:   logger,
	}, refund.Config{
		MarkerRetryAttempts: cfg.Refund.MarkerRetryAttempts,
		MarkerRetryBackoff:  cfg.MarkerRetryBackoff(),
		NotifyTimeout:       cfg.NotifyTimeout(),
	})

	a.Bus = events.NewBus(logger)
	a.Bus.Subscribe("refund", a.Refunds.Handle)
	a.Orders = services.OrderService{Store: a.Store, Events: a.Bus, Logger: logger}
	return a, nil
}

func (a *App) buildLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	if cfg.Redis.URL == "" {
		a.Logger.Info("refund lock: in-process")
		return lock.NewLocal(), nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Logger.Info("refund lock: redis", zap.String("addr", opts.Addr))
	return lock.NewRedis(client, cfg.Redis.LockPrefix, cfg.LockTTL(), a.Logger), nil
}

// buildNotifier never fails: without a reachable broker refunds are still
// issued and the notification is only logged.
func (a *App) buildNotifier(cfg *config.Config) notify.Notifier {
	fallback := notify.Fallback{Logger: a.Logger}
	if cfg.RabbitMQ.URL == "" {
		return fallback
	}
	pub, err := notify.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, a.Logger)
	if err != nil {
		a.Logger.Warn("rabbitmq unavailable, refund notifications will only be logged", zap.Error(err))
		return fallback
	}
	a.closers = append(a.closers, pub.Close)
	return pub
}

// Close waits for in-flight refund notifications, then releases connections
// in reverse order of creation.
func (a *App) Close() {
	if a.Refunds != nil {
		a.Refunds.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

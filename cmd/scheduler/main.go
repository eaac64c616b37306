package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/app"
	"github.com/Freeeeeet/expert_scheduler/internal/cache"
	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/config"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/noshow"
	"github.com/Freeeeeet/expert_scheduler/internal/notify"
	"github.com/Freeeeeet/expert_scheduler/internal/payment"
	"github.com/Freeeeeet/expert_scheduler/internal/realtime"
	"github.com/Freeeeeet/expert_scheduler/internal/repository"
	"github.com/Freeeeeet/expert_scheduler/internal/service"
	"github.com/Freeeeeet/expert_scheduler/migrations"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.Environment)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Scheduler stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting expert scheduler",
		zap.String("environment", cfg.Environment),
		zap.String("cache_backend", cfg.CacheBackend))

	pool, err := pgxpool.New(ctx, cfg.GetDBDSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrationsEnabled {
		migrator, err := app.NewMigrator(pool, migrations.FS, logger)
		if err != nil {
			return err
		}
		err = migrator.Run(ctx)
		_ = migrator.Close()
		if err != nil {
			return err
		}
	}

	// Репозитории
	availabilityRepo := repository.NewAvailabilityRepository(pool)
	appointmentRepo := repository.NewAppointmentRepository(pool)
	callSessionRepo := repository.NewCallSessionRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	reconciliationRepo := repository.NewReconciliationRepository(pool)

	clk := clock.Real{}

	sessionCache, closeCache, err := newSessionCache(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeCache()

	// Лента изменений
	bus := realtime.NewBus()
	listener := realtime.NewPGListener(pool, bus, logger)

	// Платёжный шлюз подключается, только если задан ключ
	var gateway payment.Gateway
	if cfg.StripeKey != "" {
		gateway = payment.NewStripeGateway(cfg.StripeKey, logger)
	} else {
		logger.Warn("STRIPE_KEY is not set, gateway payments are disabled")
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	// Сервисы
	slotService := service.NewSlotService(availabilityRepo, appointmentRepo, clk, logger)
	bookingService := service.NewBookingService(slotService, appointmentRepo, walletRepo, reconciliationRepo, gateway, clk, cfg.Currency, logger)
	refundService := service.NewRefundService(walletRepo, logger)
	reconciliationService := service.NewReconciliationService(reconciliationRepo, gateway, logger)

	hub := noshow.NewHub(appointmentRepo, callSessionRepo, walletRepo, refundService, notifier, bus, sessionCache, clk, cfg.MaxConsecutiveFailures, logger)
	scheduler := app.NewScheduler(appointmentRepo, hub, reconciliationService, bookingService, clk, cfg.MonitorTick, cfg.MonitorLookahead, cfg.ReconcileInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		listener.Run(gctx)
		return nil
	})

	if cfg.RabbitURL != "" {
		consumer, err := payment.NewCallbackConsumer(cfg.RabbitURL, cfg.PaymentExchange, cfg.PaymentQueue, bookingService, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		g.Go(func() error {
			return consumer.Run(gctx)
		})
	} else {
		logger.Warn("RABBIT_URL is not set, gateway payment results are not consumed")
	}

	scheduler.Start(gctx)

	logger.Info("Expert scheduler started")

	err = g.Wait()
	scheduler.Stop()

	if pending := bookingService.PendingCheckouts(); pending > 0 {
		logger.Warn("Stopping with unconfirmed gateway checkouts", zap.Int("pending", pending))
	}
	logger.Info("Expert scheduler stopped")

	return err
}

func newSessionCache(ctx context.Context, cfg *config.Config, clk clock.Clock) (cache.Store[uuid.UUID, *model.CallSession], func(), error) {
	if cfg.CacheBackend != config.CacheBackendRedis {
		return cache.NewMemory[uuid.UUID, *model.CallSession](cfg.CacheTTL, clk), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	store := cache.NewRedis[uuid.UUID, *model.CallSession](client, "call_session:", cfg.CacheTTL)
	return store, func() { _ = client.Close() }, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger) (noshow.Notifier, error) {
	if cfg.TelegramToken == "" {
		logger.Warn("TELEGRAM_TOKEN is not set, alerts go to the log")
		return notify.NewLog(logger), nil
	}

	tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.AlertChatID, logger)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

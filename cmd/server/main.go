package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"bookingrelay/internal/config"
	"bookingrelay/internal/handler"
	"bookingrelay/internal/infrastructure/cache"
	"bookingrelay/internal/infrastructure/database"
	"bookingrelay/internal/infrastructure/lock"
	"bookingrelay/internal/infrastructure/logger"
	"bookingrelay/internal/infrastructure/metrics"
	"bookingrelay/internal/infrastructure/mq"
	"bookingrelay/internal/job"
	"bookingrelay/internal/repository"
	"bookingrelay/internal/service"
	"bookingrelay/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ids, err := idgen.New(cfg.Server.WorkerID)
	if err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	bus, err := mq.InitKafka(&cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("close kafka bus", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheus(registry)

	txManager := database.NewTxManager(db)
	outboxRepo := repository.NewOutboxRepository(db)
	ledgerRepo := repository.NewIdempotencyRepository(db)

	outboxService := service.NewOutboxService(outboxRepo, ids, cfg.Outbox.MaxRetries, log)
	ledger := service.NewIdempotencyService(ledgerRepo, txManager, cfg.Idempotency, recorder, log)
	wallet := service.NewAccountService(repository.NewAccountRepository(db), outboxService, txManager, cfg.Business.WalletTopic, log)
	dlqService := service.NewDlqService(bus.Consumer, bus.Producer, cfg.Dlq, cfg.Alerting.Topics, recorder, log)

	lease := lock.NewLease(redisClient, cfg.Outbox.Lease.Name, cfg.Outbox.Lease.MinHold, cfg.Outbox.Lease.MaxHold)
	publisher := job.NewOutboxPublisher(outboxRepo, bus.Producer, lease, cfg.Outbox, recorder, log)

	var cooldown cache.Cooldown = cache.NewMemoryCooldown(nil)
	if cfg.Alerting.SharedCooldown {
		cooldown = cache.NewRedisCooldown(redisClient, "dlq-alert:")
	}
	notifiers := []job.AlertNotifier{job.NewLogNotifier(log.Named("dlq-alerts"))}
	if cfg.Alerting.AlertTopic != "" {
		notifiers = append(notifiers, job.NewBusNotifier(bus.Producer, cfg.Alerting.AlertTopic, cfg.Dlq.SendTimeout))
	}
	monitor := job.NewDlqAlertMonitor(dlqService, cooldown, notifiers, cfg.Alerting, recorder, log)

	retention := job.NewRetentionJob(outboxRepo, ledgerRepo, cfg.Retention, cfg.Idempotency.Retention, log)

	jobs := job.NewRunner(publisher, monitor, retention)
	jobs.Start(context.Background())

	router := handler.SetupRouter(handler.NewHandler(handler.Services{
		Wallet:    wallet,
		Ledger:    ledger,
		Outbox:    outboxService,
		Publisher: publisher,
		Dlq:       dlqService,
		Alerts:    monitor,
	}, log), registry, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
	}

	dlqService.CancelReprocessing()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	// The publish cycle in flight is allowed to finish.
	jobs.Shutdown()

	log.Info("service stopped")
	return nil
}

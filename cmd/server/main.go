package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circlefund/internal/config"
	"circlefund/internal/handler"
	"circlefund/internal/infrastructure/cache"
	"circlefund/internal/infrastructure/database"
	"circlefund/internal/infrastructure/gate"
	"circlefund/internal/infrastructure/lock"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/internal/infrastructure/mq"
	"circlefund/internal/job"
	"circlefund/internal/service"
	"circlefund/pkg/idgen"
	"circlefund/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("CIRCLEFUND_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level)

	idgen.Init(cfg.Server.WorkerID)

	db, err := database.NewMySQL(&cfg.MySQL)
	if err != nil {
		slog.Error("connect mysql", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.NewRedis(&cfg.Redis)
	if err != nil {
		slog.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		slog.Error("connect kafka", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	locker := lock.NewRedisLocker(redisClient, time.Duration(cfg.Business.CircleLockTTLSeconds)*time.Second)

	ledger := service.NewLedgerService(db, cfg, locker, recorder)
	voting := service.NewVotingService(db, cfg, recorder)
	membership := service.NewMembershipService(db, cfg, voting)
	proposals := service.NewProposalService(db, cfg, recorder)
	disbursement := service.NewDisbursementService(db, cfg, ledger, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, publisher, cfg)
	go outboxSender.Start(ctx)

	penaltyJob := job.NewPenaltyAccrualJob(disbursement, cfg)
	go penaltyJob.Start(ctx)

	timeoutJob := job.NewContributionTimeoutJob(ledger, cfg)
	go timeoutJob.Start(ctx)

	h := handler.NewHandler(membership, ledger, proposals, voting, disbursement)
	router := handler.SetupRouter(h, cfg, handler.RouterDeps{
		Gate:     gate.NewFromConfig(redisClient, cfg.Gate),
		Metrics:  recorder,
		Gatherer: registry,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	slog.Info("server exited")
}

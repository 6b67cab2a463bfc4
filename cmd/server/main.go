package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/storm-beyndtech/instantglobal-server/internal/api"
	"github.com/storm-beyndtech/instantglobal-server/internal/audit"
	"github.com/storm-beyndtech/instantglobal-server/internal/config"
	"github.com/storm-beyndtech/instantglobal-server/internal/handler"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/kafka"
	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/redis"
	"github.com/storm-beyndtech/instantglobal-server/internal/notify"
	"github.com/storm-beyndtech/instantglobal-server/internal/observability"
	"github.com/storm-beyndtech/instantglobal-server/internal/provider/payout"
	core "github.com/storm-beyndtech/instantglobal-server/internal/repository/postgres"
	"github.com/storm-beyndtech/instantglobal-server/internal/scheduler"
	service "github.com/storm-beyndtech/instantglobal-server/internal/services"
)

func main() {
	shutdown, metricsHandler := observability.Setup("ledger-service")
	defer shutdown(context.Background())

	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	accountRepo := core.NewPostgresAccountRepository(db)
	transactionRepo := core.NewPostgresTransactionRepository(db)
	ledgerStore := core.NewPostgresLedgerStore(db)
	giftCardRepo := core.NewPostgresGiftCardRepository(db)
	virtualCardRepo := core.NewPostgresVirtualCardRepository(db)

	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	throttle := redis.NewThrottle(redisClient, cfg.ThrottleInterval)

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	notifier := notify.NewKafkaNotifier(producer)
	auditor := audit.NewKafkaRecorder(producer)

	var provider payout.Provider
	if cfg.ProviderStub {
		log.Println("No payout provider credentials, using stub provider")
		provider = payout.NewStub()
	} else {
		provider = payout.NewHTTPClient(cfg.ProviderURL, cfg.ProviderKey, cfg.PayoutTimeout)
	}

	accountSvc := service.NewAccountService(accountRepo, transactionRepo, redisClient, cfg.JWTSecret)
	ledgerSvc := service.NewLedgerService(accountRepo, transactionRepo, ledgerStore, redisClient, throttle, notifier, auditor)
	reviewSvc := service.NewTransactionService(accountRepo, transactionRepo, ledgerStore, notifier, auditor, cfg.ReferralRate)
	payoutSvc := service.NewPayoutService(transactionRepo, ledgerStore, provider, notifier, cfg.PayoutTimeout, cfg.MaxPayoutAttempts)
	giftCardSvc := service.NewGiftCardService(giftCardRepo, notifier)
	virtualCardSvc := service.NewVirtualCardService(virtualCardRepo, ledgerStore)
	contractSvc := service.NewContractService(transactionRepo, ledgerStore, notifier)

	sched := scheduler.New(contractSvc, giftCardSvc, payoutSvc)
	if err := sched.Start(cfg.ContractCron, cfg.GiftCardCron, cfg.PayoutCron); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	h := handler.NewHandler(accountSvc, ledgerSvc, reviewSvc, payoutSvc, giftCardSvc, virtualCardSvc, contractSvc)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret, metricsHandler)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/refdrop/internal/api"
	"github.com/punchamoorthee/refdrop/internal/config"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/lock"
	"github.com/punchamoorthee/refdrop/internal/logging"
	"github.com/punchamoorthee/refdrop/internal/scheduler"
	"github.com/punchamoorthee/refdrop/internal/service"
	"github.com/punchamoorthee/refdrop/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logging.New(false).Fatal(err)
	}

	logger := logging.New(cfg.Debug)
	logger.Info("Starting...")
	defer logger.Info("Stopping...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accountStore, err := store.NewPostgresStore(cfg.DBSource)
	if err != nil {
		logger.Fatalf("Unable to connect to database: %v", err)
	}
	defer accountStore.Close()

	if cfg.Migrate {
		if err := accountStore.Migrate(ctx); err != nil {
			logger.Fatalf("Migration failed: %v", err)
		}
	}
	if err := accountStore.EnsureRoot(ctx); err != nil {
		logger.Fatalf("Unable to provision root account: %v", err)
	}

	chain, err := ledger.NewClient(ledger.Config{
		AlgodURL:   cfg.AlgodURL,
		IndexerURL: cfg.IndexerURL,
		Token:      cfg.AlgodToken,
		Timeout:    cfg.LedgerTimeout,
	})
	if err != nil {
		logger.Fatalf("Invalid ledger config: %v", err)
	}

	var signer *ledger.Signer
	if cfg.SenderSeed != "" {
		signer, err = ledger.NewSigner(cfg.SenderSeed)
		if err != nil {
			logger.Fatalf("Invalid SENDER_SEED: %v", err)
		}
		logger.WithField("sender", signer.Address()).Info("payout signer loaded")
	} else {
		logger.Warn("SENDER_SEED not set, payout runs are disabled")
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.RedisURL != "" {
		redisLock, err := lock.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Unable to connect to redis: %v", err)
		}
		defer redisLock.Close()
		locker = redisLock
	}

	// Initialize Layers
	referrals := service.NewReferralService(accountStore, service.ReferralConfig{
		Bonus:       cfg.ReferralBonus,
		SignupBonus: cfg.SignupBonus,
		Depth:       cfg.ReferralDepth,
	}, logger)
	engine := service.NewSettlementEngine(accountStore, chain, signer, locker, service.SettlementConfig{
		AssetID:       cfg.AssetID,
		AssetDecimals: cfg.AssetDecimals,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		DefaultLimit:  cfg.PayoutLimit,
		ConfirmRounds: cfg.ConfirmRounds,
	}, logger)
	verifier := service.NewVerificationService(accountStore, chain, service.VerificationConfig{
		AssetID:     cfg.AssetID,
		FeeReceiver: cfg.FeeReceiver,
		FeeAmount:   cfg.FeeAmount,
	}, logger)
	campaigns := service.NewCampaignService(accountStore, chain, signer, cfg.ConfirmRounds, logger)
	handler := api.NewHandler(referrals, engine, verifier, campaigns, service.NewOperatorAuth(cfg.PayoutPasswordHash), logger)

	if cfg.PayoutSchedule != "" {
		sched, err := scheduler.New(cfg.PayoutSchedule, engine, cfg.PayoutLimit, logger)
		if err != nil {
			logger.Fatal(err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		logger.WithField("schedule", cfg.PayoutSchedule).Info("scheduled payouts enabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server stopped with error")
	}
}

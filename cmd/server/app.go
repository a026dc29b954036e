package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/auth"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/config"
	"chainshare.app/backend/internal/core"
	"chainshare.app/backend/internal/logger"
	"chainshare.app/backend/internal/store"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store.SQLStore

	rag    *clients.RAGServer
	payout *clients.HederaPayout

	locks      *core.UserLocks
	pricer     core.Pricer
	rates      *core.ExchangeRate
	notifier   *core.NotificationWorker
	sessions   *core.SessionService
	reconciler *core.DepositReconciler // nil when the rail account is not configured
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New("chainshare-backend", cfg.LogLevel)

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	payout, err := clients.NewHederaPayout(clients.HederaConfig{
		Network:     cfg.HederaNetwork,
		OperatorID:  cfg.HederaOperatorID,
		OperatorKey: cfg.HederaOperatorKey,
		ContractID:  cfg.TokenContractID,
		Timeout:     cfg.PayoutTimeout,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: log,
		store:  db,
		rag:    clients.NewRAGServer(cfg.RAGServerURL, cfg.RAGServerSecret, cfg.CollaboratorTimeout, log),
		payout: payout,
		locks:  core.NewUserLocks(),
		pricer: core.NewPricer(cfg.MaxChunkPrice, cfg.FlatDocumentChunkPrice),
		rates:  core.NewExchangeRate(clients.NewCoinGecko(cfg.CoinGeckoURL, cfg.CollaboratorTimeout, log), log),
	}
	a.notifier = core.NewNotificationWorker(db, a.rag, core.NotifierConfig{
		BatchSize: cfg.OutboxBatchSize,
		Interval:  cfg.OutboxInterval,
	}, log)
	a.sessions = core.NewSessionService(db, auth.NewTokenIssuer(cfg.JWTSecret, cfg.SessionTTL), log)

	if cfg.ReconcilerEnabled() {
		a.reconciler = core.NewDepositReconciler(db, a.locks,
			clients.NewMirrorNode(cfg.MirrorNodeURL, cfg.CollaboratorTimeout, log),
			a.rates,
			core.ReconcilerConfig{
				OperatorAccount: strings.TrimSpace(cfg.HederaOperatorID),
				Interval:        cfg.ReconcileInterval,
				Backoff:         cfg.ReconcileBackoff,
			}, log)
	}
	return a, nil
}

func (a *app) close() {
	if err := a.payout.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close Hedera client")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close database")
	}
}

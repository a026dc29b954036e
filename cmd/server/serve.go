package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chainshare.app/backend/internal/api"
	"chainshare.app/backend/internal/core"
	"chainshare.app/backend/internal/store"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.logger

	llm, err := core.NewLLMService(ctx, core.LLMConfig{
		APIKey:          cfg.GeminiAPIKey,
		ChatModel:       cfg.ChatModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}, log)
	if err != nil {
		return err
	}
	defer llm.Close()

	baseFee, err := store.TokensFromDecimal(cfg.BaseFee)
	if err != nil {
		return fmt.Errorf("invalid BASE_FEE: %w", err)
	}
	gate := core.NewFundsGate(a.store, baseFee)
	settlement := core.NewSettlement(a.store, a.locks, a.pricer, a.notifier, log)
	chats := core.NewChatService(a.store, a.rag, llm, log)
	defer chats.Wait()

	handler := api.NewAPIHandler(api.Services{
		Store:       a.store,
		Sessions:    a.sessions,
		Chats:       chats,
		Turns:       core.NewChatTurnOrchestrator(a.store, a.locks, gate, a.rag, settlement, llm, core.TurnTimeouts{
			Embed:      cfg.CollaboratorTimeout,
			StreamIdle: cfg.StreamIdleTimeout,
		}, log),
		Documents:   core.NewDocumentService(a.store, a.locks, a.pricer, a.rag, a.notifier, log),
		Withdrawals: core.NewWithdrawalProcessor(a.store, a.locks, a.payout, cfg.TokenDecimals, cfg.PayoutTimeout, log),
		Rates:       a.rates,
		Reconciler:  a.reconciler,
	}, log)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(handler, cfg.CORSAllowedOrigins, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // chat streams clear their own deadline
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error { return stopped(a.rates.Run(gctx, cfg.RateRefreshInterval)) })
	g.Go(func() error { return stopped(a.notifier.Run(gctx)) })
	g.Go(func() error { return stopped(a.sessions.Run(gctx, cfg.SessionResetInterval)) })
	if a.reconciler != nil {
		g.Go(func() error { return stopped(a.reconciler.Run(gctx)) })
	} else {
		log.Warn().Msg("HEDERA_OPERATOR_ID is not set; deposit reconciliation is disabled")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

// stopped treats cancellation as a clean worker exit.
func stopped(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

type buyChunksPayload struct {
	ChunkIDs []string       `json:"chunkIds"`
	Prices   []store.Tokens `json:"prices"`
}

type buyDocumentPayload struct {
	DocumentID string `json:"documentId"`
}

// NotifierConfig controls the outbox poll and the inline delivery attempt.
type NotifierConfig struct {
	BatchSize     int
	Interval      time.Duration
	InlineTimeout time.Duration // bound on one delivery, inline or from the poll
	Lease         time.Duration // how long a claimed row stays out of the due set
	MaxBackoff    time.Duration // cap on next_attempt_at spacing
}

// NotificationWorker delivers content provider callbacks recorded in the
// outbox. Ledger writes never wait on it.
type NotificationWorker struct {
	store    *store.SQLStore
	provider ContentProvider
	cfg      NotifierConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewNotificationWorker(s *store.SQLStore, provider ContentProvider, cfg NotifierConfig, logger zerolog.Logger) *NotificationWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.InlineTimeout <= 0 {
		cfg.InlineTimeout = 5 * time.Second
	}
	if cfg.Lease < 2*cfg.InlineTimeout {
		cfg.Lease = max(time.Minute, 2*cfg.InlineTimeout)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	return &NotificationWorker{
		store:    s,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "notifier").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the outbox until ctx is cancelled.
func (w *NotificationWorker) Run(ctx context.Context) error {
	w.logger.Info().Int("batch", w.cfg.BatchSize).Dur("interval", w.cfg.Interval).Msg("Notification worker starting")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Notification worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Outbox pass failed")
			}
		}
	}
}

// ProcessOnce delivers one batch of due notifications and returns how many
// succeeded.
func (w *NotificationWorker) ProcessOnce(ctx context.Context) (int, error) {
	due, err := w.store.DueNotifications(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range due {
		n := &due[i]
		claimed, err := w.store.ClaimNotification(ctx, n.ID, w.cfg.Lease)
		if err != nil {
			return delivered, err
		}
		if !claimed {
			continue
		}
		deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.InlineTimeout)
		err = w.deliver(deliverCtx, n)
		cancel()
		if err != nil {
			w.markFailed(ctx, n, err)
			continue
		}
		if err := w.store.MarkNotificationDone(ctx, n.ID); err != nil {
			w.logger.Error().Err(err).Str("notification_id", n.ID).Msg("Failed to mark notification done")
			continue
		}
		delivered++
	}

	w.refreshGauge(ctx)
	return delivered, nil
}

// DeliverNow makes the short inline attempt that follows a settlement
// commit. A failure leaves the row pending for Run. When the poll has
// already claimed the row, DeliverNow leaves it alone and returns nil.
func (w *NotificationWorker) DeliverNow(ctx context.Context, n *store.Notification) error {
	claimed, err := w.store.ClaimNotification(ctx, n.ID, w.cfg.Lease)
	if err != nil {
		return err
	}
	if !claimed {
		w.logger.Debug().Str("notification_id", n.ID).Msg("Notification held by another deliverer")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.InlineTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = w.cfg.InlineTimeout

	err = backoff.Retry(func() error {
		err := w.deliver(ctx, n)
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidRequest) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))

	// Bookkeeping must survive the inline deadline.
	bookCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.markFailed(bookCtx, n, err)
		w.refreshGauge(bookCtx)
		return err
	}
	if err := w.store.MarkNotificationDone(bookCtx, n.ID); err != nil {
		return fmt.Errorf("failed to mark notification done: %w", err)
	}
	w.refreshGauge(bookCtx)
	return nil
}

func (w *NotificationWorker) deliver(ctx context.Context, n *store.Notification) error {
	switch n.Kind {
	case store.NotificationBuyChunks:
		var p buyChunksPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return apperr.Invalid("bad %s payload: %v", n.Kind, err)
		}
		return w.provider.BuyChunks(ctx, p.ChunkIDs, p.Prices)
	case store.NotificationBuyDocument:
		var p buyDocumentPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return apperr.Invalid("bad %s payload: %v", n.Kind, err)
		}
		return w.provider.BuyDocument(ctx, p.DocumentID)
	default:
		return apperr.Invalid("unknown notification kind %q", n.Kind)
	}
}

func (w *NotificationWorker) markFailed(ctx context.Context, n *store.Notification, cause error) {
	next := w.now().Add(w.nextDelay(n.Attempts))
	w.logger.Warn().Err(cause).Str("notification_id", n.ID).Str("kind", n.Kind).
		Int("attempts", n.Attempts+1).Time("next_attempt_at", next).Msg("Notification delivery failed")
	if err := w.store.MarkNotificationFailed(ctx, n.ID, cause.Error(), next); err != nil {
		w.logger.Error().Err(err).Str("notification_id", n.ID).Msg("Failed to reschedule notification")
	}
}

// nextDelay doubles from 2s per prior attempt, capped at MaxBackoff.
func (w *NotificationWorker) nextDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts && d < w.cfg.MaxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *NotificationWorker) refreshGauge(ctx context.Context) {
	if n, err := w.store.PendingNotificationCount(ctx); err == nil {
		notificationsPending.Set(float64(n))
	}
}

// enqueue records a notification inside the caller's transaction.
func enqueue(ctx context.Context, tx *store.SQLStore, kind, publicKey string, payload any) (*store.Notification, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	n := &store.Notification{Kind: kind, PublicKey: publicKey, Payload: raw}
	if err := tx.EnqueueNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

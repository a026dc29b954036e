package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

const (
	// Stream error codes.
	CodeInsufficientFunds       = "insufficient_funds"
	CodeModelError              = "model_error"
	CodeCollaboratorUnavailable = "collaborator_unavailable"
	CodeInternal                = "internal"

	msgInsufficientFunds = "Insufficient funds"

	historyWindow = 3
	historyKeep   = 2
	queryResults  = 2
)

var errStreamIdle = errors.New("model stream produced no output before the idle deadline")

// TurnTimeouts bound the model calls of a turn. Zero values use defaults.
type TurnTimeouts struct {
	Embed      time.Duration // whole embedding request
	StreamIdle time.Duration // longest gap between streamed deltas
}

// TurnSink receives the events of one chat turn in order.
type TurnSink interface {
	Delta(text string) error
	Error(code, message string) error
	Done() error
}

type ChatTurnRequest struct {
	User           string
	ConversationID string
	Message        string
	EmbeddedPrompt []float32
}

// ChatTurnOrchestrator runs one chat turn: gate, retrieve, settle, stream,
// persist, bill.
type ChatTurnOrchestrator struct {
	store      *store.SQLStore
	locks      *UserLocks
	gate       *FundsGate
	retriever  Retriever
	settlement *Settlement
	model      ChatModel
	timeouts   TurnTimeouts
	logger     zerolog.Logger
}

func NewChatTurnOrchestrator(s *store.SQLStore, locks *UserLocks, gate *FundsGate, retriever Retriever, settlement *Settlement, model ChatModel, timeouts TurnTimeouts, logger zerolog.Logger) *ChatTurnOrchestrator {
	if timeouts.Embed <= 0 {
		timeouts.Embed = 15 * time.Second
	}
	if timeouts.StreamIdle <= 0 {
		timeouts.StreamIdle = time.Minute
	}
	return &ChatTurnOrchestrator{
		store:      s,
		locks:      locks,
		gate:       gate,
		retriever:  retriever,
		settlement: settlement,
		model:      model,
		timeouts:   timeouts,
		logger:     logger.With().Str("component", "chat-turn").Logger(),
	}
}

// Run executes a turn. An error is returned only when the request is rejected
// before anything was sent to sink; every later outcome is reported through
// sink.
func (o *ChatTurnOrchestrator) Run(ctx context.Context, req ChatTurnRequest, sink TurnSink) error {
	user := strings.ToLower(req.User)
	if strings.TrimSpace(req.Message) == "" {
		return apperr.Invalid("message is required")
	}
	if req.ConversationID == "" {
		return apperr.Invalid("conversation_id is required")
	}
	conv, err := o.store.GetConversation(ctx, req.ConversationID, user)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s: %w", req.ConversationID, apperr.ErrNotFound)
	}

	log := o.logger.With().Str("user", user).Str("conversation_id", req.ConversationID).Logger()
	outcome := o.turn(ctx, log, user, req, sink)
	chatTurnsTotal.WithLabelValues(outcome).Inc()
	return nil
}

func (o *ChatTurnOrchestrator) turn(ctx context.Context, log zerolog.Logger, user string, req ChatTurnRequest, sink TurnSink) string {
	// Gating
	ok, err := o.gate.CheckTurnEligibility(ctx, user)
	if err != nil {
		o.fail(log, sink, err)
		return "error"
	}
	if !ok {
		_ = sink.Error(CodeInsufficientFunds, msgInsufficientFunds)
		return "aborted_funds"
	}

	// Retrieving
	embedding := req.EmbeddedPrompt
	if len(embedding) == 0 {
		if embedding, err = o.embed(ctx, req.Message); err != nil {
			o.fail(log, sink, apperr.Unavailable("embedding", err))
			return "error"
		}
	}
	retrieved, err := o.retriever.Query(ctx, embedding, user, queryResults)
	if err != nil {
		o.fail(log, sink, err)
		return "error"
	}

	// Settling
	messageID := uuid.NewString()
	settled, err := o.settlement.Settle(ctx, SettleRequest{
		User:            user,
		Candidates:      retrieved.Chunks,
		AlreadyOwnedIDs: retrieved.ChunkIDsOwned,
		MessageID:       messageID,
		Reserve:         o.gate.BaseFee(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			_ = sink.Error(CodeInsufficientFunds, err.Error())
			return "aborted_funds"
		}
		o.fail(log, sink, err)
		return "error"
	}

	// Streaming
	history, err := o.history(ctx, req.ConversationID, req.Message)
	if err != nil {
		log.Warn().Err(err).Msg("Proceeding without conversation history")
	}
	contents := make([]string, 0, len(retrieved.Chunks))
	for _, c := range retrieved.Chunks {
		contents = append(contents, c.Content)
	}
	prompt := fmt.Sprintf("Context: %s\n\n Question: %s", strings.Join(contents, "\n"), req.Message)

	outcome := "ok"
	var (
		full    strings.Builder
		sinkErr error
	)
	err = o.stream(ctx, history, prompt, func(delta string) error {
		full.WriteString(delta)
		sinkErr = sink.Delta(delta)
		return sinkErr
	})
	if err != nil {
		switch {
		case sinkErr != nil || ctx.Err() != nil:
			log.Info().Int("chars", full.Len()).Msg("Client went away during stream")
			outcome = "disconnected"
		case errors.Is(err, errStreamIdle):
			log.Warn().Dur("idle", o.timeouts.StreamIdle).Int("chars", full.Len()).Msg("Model stream stalled")
			_ = sink.Error(CodeCollaboratorUnavailable, "model stream timed out")
			outcome = CodeCollaboratorUnavailable
		default:
			log.Warn().Err(err).Int("chars", full.Len()).Msg("Model stream failed")
			_ = sink.Error(CodeModelError, err.Error())
			outcome = CodeModelError
		}
	}

	// Persisting and billing finish even when the client is gone.
	bg := context.WithoutCancel(ctx)
	if err := o.store.CreateMessage(bg, &store.Message{
		ID:             messageID,
		ConversationID: req.ConversationID,
		SenderPK:       store.SenderAI,
		Body:           full.String(),
	}); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Str("fragments_cost", settled.TotalCost.String()).
			Msg("charged-but-unresponded")
		_ = sink.Error(CodeInternal, "failed to store response")
		return "error"
	}

	if err := o.bill(bg, user); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Str("fee", o.gate.BaseFee().String()).
			Msg("charged-but-unbilled")
		_ = sink.Error(apperr.Code(err), "failed to bill turn")
		return "unbilled"
	}

	log.Info().Str("message_id", messageID).Int("new_fragments", len(settled.NewPurchases)).
		Str("fragments_cost", settled.TotalCost.String()).Str("fee", o.gate.BaseFee().String()).Msg("Chat turn completed")
	_ = sink.Done()
	return outcome
}

func (o *ChatTurnOrchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Embed)
	defer cancel()
	return o.model.Embed(ctx, text)
}

// stream cancels the model call with errStreamIdle once StreamIdle passes
// without a delta.
func (o *ChatTurnOrchestrator) stream(ctx context.Context, history []ChatMessage, prompt string, onDelta func(string) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(o.timeouts.StreamIdle, func() { cancel(errStreamIdle) })
	defer idle.Stop()

	err := o.model.StreamChat(ctx, chatSystemInstruction, history, prompt, func(delta string) error {
		idle.Reset(o.timeouts.StreamIdle)
		return onDelta(delta)
	})
	if err != nil && errors.Is(context.Cause(ctx), errStreamIdle) {
		return fmt.Errorf("%w: %v", errStreamIdle, err)
	}
	return err
}

// history returns at most two prior turns, oldest first, excluding the
// question being answered.
func (o *ChatTurnOrchestrator) history(ctx context.Context, conversationID, pending string) ([]ChatMessage, error) {
	recent, err := o.store.LastMessages(ctx, conversationID, historyWindow)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 && recent[0].SenderPK != store.SenderAI && recent[0].Body == pending {
		recent = recent[1:]
	}
	if len(recent) > historyKeep {
		recent = recent[:historyKeep]
	}

	history := make([]ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		role := RoleUser
		if recent[i].SenderPK == store.SenderAI {
			role = RoleAssistant
		}
		history = append(history, ChatMessage{Role: role, Content: recent[i].Body})
	}
	return history, nil
}

// bill charges the per-turn fee and records it as a withdraw row.
func (o *ChatTurnOrchestrator) bill(ctx context.Context, user string) error {
	fee := o.gate.BaseFee()
	if fee == 0 {
		return nil
	}

	unlock := o.locks.Lock(user)
	defer unlock()

	err := o.store.InTx(ctx, func(tx *store.SQLStore) error {
		if err := tx.Debit(ctx, user, fee); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &store.Transaction{
			Type:      store.TransactionWithdraw,
			Amount:    fee,
			PublicKey: user,
		})
	})
	if err != nil {
		return err
	}
	tokensChargedTotal.Add(fee.Decimal().InexactFloat64())
	return nil
}

func (o *ChatTurnOrchestrator) fail(log zerolog.Logger, sink TurnSink, err error) {
	code := CodeInternal
	if errors.Is(err, apperr.ErrCollaboratorUnavailable) {
		code = CodeCollaboratorUnavailable
	}
	log.Error().Err(err).Str("code", code).Msg("Chat turn aborted")
	_ = sink.Error(code, err.Error())
}

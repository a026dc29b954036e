package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/core"
	"chainshare.app/backend/internal/store"
)

// Services are the core components the HTTP layer dispatches to.
// Reconciler is nil when the payment rail is not configured.
type Services struct {
	Store       *store.SQLStore
	Sessions    *core.SessionService
	Chats       *core.ChatService
	Turns       *core.ChatTurnOrchestrator
	Documents   *core.DocumentService
	Withdrawals *core.WithdrawalProcessor
	Rates       *core.ExchangeRate
	Reconciler  *core.DepositReconciler
}

type APIHandler struct {
	store       *store.SQLStore
	sessions    *core.SessionService
	chats       *core.ChatService
	turns       *core.ChatTurnOrchestrator
	documents   *core.DocumentService
	withdrawals *core.WithdrawalProcessor
	rates       *core.ExchangeRate
	reconciler  *core.DepositReconciler

	// Guards the on-demand reconciliation trigger.
	triggerLimiter *rate.Limiter
	logger         zerolog.Logger
}

func NewAPIHandler(svc Services, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		store:          svc.Store,
		sessions:       svc.Sessions,
		chats:          svc.Chats,
		turns:          svc.Turns,
		documents:      svc.Documents,
		withdrawals:    svc.Withdrawals,
		rates:          svc.Rates,
		reconciler:     svc.Reconciler,
		triggerLimiter: rate.NewLimiter(rate.Every(10*time.Second), 2),
		logger:         logger.With().Str("component", "api").Logger(),
	}
}

type LoginRequest struct {
	Address   string `json:"address" validate:"required,eth_addr"`
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	token, err := h.sessions.Login(r.Context(), req.Address, req.Message, req.Signature)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type VerifyTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *APIHandler) VerifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req VerifyTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	address, err := h.sessions.Verify(req.Token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "address": address})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) HbarConversionHandler(w http.ResponseWriter, r *http.Request) {
	cents, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || cents.IsNegative() {
		writeError(w, h.logger, apperr.Invalid("amount must be a non-negative number of euro cents"))
		return
	}
	hbar, err := h.rates.HbarForCents(cents)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hbarAmount": hbar})
}

type userInfoResponse struct {
	PublicKey   string       `json:"publicKey"`
	TokenAmount store.Tokens `json:"tokenAmount"`
	Expiration  *time.Time   `json:"expiration"`
}

func (h *APIHandler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	writeJSON(w, http.StatusOK, userInfoResponse{
		PublicKey:   user.PublicKey,
		TokenAmount: user.TokenAmount,
		Expiration:  user.Expiration,
	})
}

func (h *APIHandler) PublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": currentUser(r).PublicKey})
}

func (h *APIHandler) UserTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := h.store.ListTransactions(r.Context(), currentUser(r).PublicKey)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if txs == nil {
		txs = []store.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *APIHandler) UserPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	groups, err := h.documents.UserPurchases(r.Context(), currentUser(r).PublicKey)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if groups == nil {
		groups = []core.DocumentPurchases{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chats.ListConversations(r.Context(), currentUser(r).PublicKey)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type CreateConversationRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.Body != http.NoBody {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	conv, err := h.chats.CreateConversation(r.Context(), currentUser(r).PublicKey, req.ID, req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.DeleteConversation(r.Context(), currentUser(r).PublicKey, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	views, err := h.chats.Messages(r.Context(), currentUser(r).PublicKey, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if views == nil {
		views = []core.MessageView{}
	}
	writeJSON(w, http.StatusOK, views)
}

type PostMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Body           string `json:"body" validate:"required"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	msg, err := h.chats.PostMessage(r.Context(), currentUser(r).PublicKey, req.ConversationID, req.Body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type ChatRequest struct {
	ConversationID string          `json:"conversation_id" validate:"required"`
	Message        string          `json:"message" validate:"required"`
	EmbeddedPrompt promptEmbedding `json:"embeddedPrompt"`
	Embedding      promptEmbedding `json:"embedded_prompt"`
}

func (req *ChatRequest) embedding() []float32 {
	if len(req.EmbeddedPrompt) > 0 {
		return req.EmbeddedPrompt
	}
	return req.Embedding
}

// promptEmbedding accepts a flat vector or the [[...]] batch shape the web
// client sends; only the first vector of a batch is used.
type promptEmbedding []float32

func (p *promptEmbedding) UnmarshalJSON(b []byte) error {
	var batch [][]float32
	if err := json.Unmarshal(b, &batch); err == nil {
		*p = nil
		if len(batch) > 0 {
			*p = batch[0]
		}
		return nil
	}
	var flat []float32
	if err := json.Unmarshal(b, &flat); err != nil {
		return fmt.Errorf("embedding must be a number array: %w", err)
	}
	*p = flat
	return nil
}

// ChatHandler streams one chat turn as server-sent events.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	sink := newSSESink(w)
	err := h.turns.Run(r.Context(), core.ChatTurnRequest{
		User:           currentUser(r).PublicKey,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		EmbeddedPrompt: req.embedding(),
	}, sink)
	if err == nil {
		return
	}
	if sink.started {
		h.logger.Error().Err(err).Msg("Chat turn failed after stream start")
		return
	}
	writeError(w, h.logger, err)
}

type DocumentRequest struct {
	DocumentID string `json:"documentId" validate:"required"`
}

func (h *APIHandler) DocumentPriceHandler(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	quote, err := h.documents.QuoteDocument(r.Context(), req.DocumentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *APIHandler) BuyDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.documents.BuyDocument(r.Context(), currentUser(r).PublicKey, req.DocumentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) GetChunkHandler(w http.ResponseWriter, r *http.Request) {
	chunkID := r.URL.Query().Get("chunkId")
	if chunkID == "" {
		writeError(w, h.logger, apperr.Invalid("chunkId is required"))
		return
	}
	raw, err := h.documents.GetChunk(r.Context(), currentUser(r).PublicKey, chunkID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

type RateChunkRequest struct {
	ChunkID string `json:"chunkId" validate:"required"`
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
}

func (h *APIHandler) RateChunkHandler(w http.ResponseWriter, r *http.Request) {
	var req RateChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	raw, err := h.documents.RateChunk(r.Context(), currentUser(r).PublicKey, req.ChunkID, req.Rating)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

type ChunkRatingsRequest struct {
	ChunkIDs []string `json:"chunkIds" validate:"required,min=1,dive,required"`
}

func (h *APIHandler) ChunkRatingsHandler(w http.ResponseWriter, r *http.Request) {
	var req ChunkRatingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ratings, err := h.documents.ChunkRatings(r.Context(), currentUser(r).PublicKey, req.ChunkIDs)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ratings)
}

type UploadRequest struct {
	Chunks             json.RawMessage `json:"chunks" validate:"required"`
	EncryptedDocument  string          `json:"encryptedDocument" validate:"required"`
	DocumentID         string          `json:"documentId" validate:"required"`
	DocumentTitle      string          `json:"documentTitle" validate:"required"`
	KeyServerPublicKey string          `json:"keyServerPublicKey"`
}

func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := decodeJSONLimit(r, &req, maxUploadBytes); err != nil {
		writeError(w, h.logger, err)
		return
	}
	raw, err := h.documents.UploadDocument(r.Context(), currentUser(r).PublicKey, clients.DocumentUpload{
		Chunks:             req.Chunks,
		EncryptedDocument:  req.EncryptedDocument,
		DocumentID:         req.DocumentID,
		DocumentTitle:      req.DocumentTitle,
		KeyServerPublicKey: req.KeyServerPublicKey,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documents.ListDocuments(r.Context(), currentUser(r).PublicKey)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *APIHandler) DocumentPDFHandler(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		writeError(w, h.logger, apperr.Invalid("documentId is required"))
		return
	}
	pdf, err := h.documents.DocumentPDF(r.Context(), currentUser(r).PublicKey, documentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		h.logger.Warn().Err(err).Str("document_id", documentID).Msg("Failed to write document PDF")
	}
}

type DeleteDocumentRequest struct {
	DocumentName string `json:"documentName" validate:"required"`
}

func (h *APIHandler) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	raw, err := h.documents.DeleteDocument(r.Context(), currentUser(r).PublicKey, req.DocumentName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (h *APIHandler) DocumentRatingsHandler(w http.ResponseWriter, r *http.Request) {
	ratings, err := h.documents.DocumentRatings(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentRatings": ratings})
}

type WithdrawRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient" validate:"required,eth_addr"`
}

func (h *APIHandler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.withdrawals.Withdraw(r.Context(), currentUser(r).PublicKey, req.Amount, req.Recipient)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TriggerTransferUpdateHandler runs a reconciliation pass on demand.
// Concurrent calls share one pass.
func (h *APIHandler) TriggerTransferUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, h.logger, apperr.Unavailable("payment-rail", errors.New("deposit reconciliation is not configured")))
		return
	}
	if !h.triggerLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many reconciliation requests", Code: "rate_limited"})
		return
	}
	credited, err := h.reconciler.Trigger(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info().Str("user", currentUser(r).PublicKey).Int("credited", credited).Msg("Transfer update triggered")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "credited": credited})
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainshare.app/backend/internal/auth"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/core"
	"chainshare.app/backend/internal/store"
)

// steppingClock advances one millisecond per reading so rows written in a
// row keep their order.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type stubRAG struct {
	mu        sync.Mutex
	chunks    []clients.Chunk
	quote     *clients.DocumentQuote
	embedding []float32
	owned     map[string][]clients.OwnedDocument
	deleted   []string
}

func (s *stubRAG) Query(ctx context.Context, embedding []float32, publicKey string, nResults int) (*clients.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedding = embedding
	return &clients.QueryResult{Chunks: s.chunks}, nil
}

func (s *stubRAG) lastEmbedding() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embedding
}

func (s *stubRAG) BuyChunks(ctx context.Context, chunkIDs []string, prices []store.Tokens) error {
	return nil
}

func (s *stubRAG) BuyDocument(ctx context.Context, documentID string) error { return nil }

func (s *stubRAG) DocumentQuote(ctx context.Context, documentID string) (*clients.DocumentQuote, error) {
	q := *s.quote
	q.DocumentID = documentID
	return &q, nil
}

func (s *stubRAG) GetChunk(ctx context.Context, chunkID string) (json.RawMessage, error) {
	return json.RawMessage(`{"chunk_id":"` + chunkID + `"}`), nil
}

func (s *stubRAG) RateChunk(ctx context.Context, publicKey, chunkID string, rating int) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (s *stubRAG) ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(chunkIDs))
	for _, id := range chunkIDs {
		out[id] = 3
	}
	return out, nil
}

func (s *stubRAG) DocumentRating(ctx context.Context, documentID string) (float64, error) {
	return 0, nil
}

func (s *stubRAG) DocumentRatings(ctx context.Context) ([]clients.DocumentRatingEntry, error) {
	return []clients.DocumentRatingEntry{{DocumentID: "d1", DocumentName: "Whitepaper", Rating: 4.5}}, nil
}

func (s *stubRAG) Upload(ctx context.Context, publicKey string, doc clients.DocumentUpload) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned == nil {
		s.owned = make(map[string][]clients.OwnedDocument)
	}
	s.owned[publicKey] = append(s.owned[publicKey], clients.OwnedDocument{DocumentID: doc.DocumentID, Name: doc.DocumentTitle})
	return json.RawMessage(`{"message":"Document uploaded"}`), nil
}

func (s *stubRAG) ListDocuments(ctx context.Context, publicKey string) ([]clients.OwnedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clients.OwnedDocument{}, s.owned[publicKey]...), nil
}

func (s *stubRAG) DocumentPDF(ctx context.Context, documentID string) ([]byte, error) {
	return []byte("%PDF-1.4 " + documentID), nil
}

func (s *stubRAG) DeleteDocument(ctx context.Context, publicKey, documentName string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, documentName)
	return json.RawMessage(`{"message":"Document deleted"}`), nil
}

type stubModel struct{}

func (stubModel) StreamChat(ctx context.Context, system string, history []core.ChatMessage, prompt string, onDelta func(string) error) error {
	for _, d := range []string{"Hello", " there"} {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (stubModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type stubRail struct {
	transfers []clients.IncomingTransfer
	addresses map[string]string
}

func (r *stubRail) RecentTransfers(ctx context.Context, account string) ([]clients.IncomingTransfer, error) {
	return r.transfers, nil
}

func (r *stubRail) ResolveAddress(ctx context.Context, accountID string) (string, error) {
	return r.addresses[accountID], nil
}

type stubRates struct{ rate decimal.Decimal }

func (s stubRates) HbarEUR(ctx context.Context) (decimal.Decimal, error) { return s.rate, nil }

type stubPayout struct {
	mu      sync.Mutex
	amounts []*big.Int
}

func (p *stubPayout) Payout(ctx context.Context, recipient string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amounts = append(p.amounts, amount)
	return nil
}

type apiEnv struct {
	store   *store.SQLStore
	rag     *stubRAG
	payout  *stubPayout
	rates   *core.ExchangeRate
	router  http.Handler
	address string
	token   string
}

type envOptions struct {
	withReconciler bool
	rail           *stubRail
}

func newAPIEnv(t *testing.T, opts envOptions) *apiEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := &steppingClock{t: time.Now().UTC()}
	s.SetClock(clock.now)

	log := zerolog.Nop()
	rag := &stubRAG{quote: &clients.DocumentQuote{DocumentName: "Whitepaper", ChunkCount: 2}}
	payout := &stubPayout{}
	locks := core.NewUserLocks()
	pricer := core.NewPricer(decimal.NewFromInt(5), decimal.NewFromInt(2))
	notifier := core.NewNotificationWorker(s, rag, core.NotifierConfig{InlineTimeout: time.Second}, log)
	settlement := core.NewSettlement(s, locks, pricer, notifier, log)
	gate := core.NewFundsGate(s, 100000000) // 1 token
	rates := core.NewExchangeRate(stubRates{rate: decimal.RequireFromString("0.25")}, log)

	svc := Services{
		Store:       s,
		Sessions:    core.NewSessionService(s, auth.NewTokenIssuer("test-secret", time.Hour), log),
		Chats:       core.NewChatService(s, rag, nil, log),
		Turns:       core.NewChatTurnOrchestrator(s, locks, gate, rag, settlement, stubModel{}, core.TurnTimeouts{}, log),
		Documents:   core.NewDocumentService(s, locks, pricer, rag, notifier, log),
		Withdrawals: core.NewWithdrawalProcessor(s, locks, payout, 2, time.Second, log),
		Rates:       rates,
	}
	if opts.withReconciler {
		svc.Reconciler = core.NewDepositReconciler(s, locks, opts.rail, rates, core.ReconcilerConfig{
			OperatorAccount: "0.0.100",
			Interval:        time.Minute,
			Backoff:         time.Millisecond,
		}, log)
	}

	env := &apiEnv{
		store:  s,
		rag:    rag,
		payout: payout,
		rates:  rates,
		router: NewRouter(NewAPIHandler(svc, log), "*", log),
	}
	env.login(t)
	return env
}

func (e *apiEnv) login(t *testing.T) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message := "Sign in to ChainShare"
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := e.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"address":   address,
		"message":   hexutil.Encode([]byte(message)),
		"signature": hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	e.address = strings.ToLower(address)
	e.token = body["token"]
}

func (e *apiEnv) fund(t *testing.T, amount string) {
	t.Helper()
	tokens, err := store.ParseTokens(amount)
	require.NoError(t, err)
	require.NoError(t, e.store.Credit(context.Background(), e.address, tokens))
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) authed(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, e.token, body)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthAndMetrics(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chainshare_")
}

func TestLoginAndSession(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.authed(t, http.MethodGet, "/api/user-info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, env.address, info["publicKey"])
	assert.EqualValues(t, 0, info["tokenAmount"])

	rec = env.do(t, http.MethodGet, "/api/user-info", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/verify-token", "", map[string]string{"token": env.token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"address":"`+env.address+`"}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/verify-token", "", map[string]string{"token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginValidation(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"address":   "not-an-address",
		"message":   "0x00",
		"signature": "0x00",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "invalid_request", body.Code)
	assert.Contains(t, body.Error, "address must be an EVM address")

	rec = env.do(t, http.MethodPost, "/api/login", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamsEvents(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")
	env.rag.chunks = []clients.Chunk{{ChunkID: "c1", DocumentID: "d1", DocumentName: "Doc", Content: "body", Distance: 1}}

	rec := env.authed(t, http.MethodPost, "/api/conversations", map[string]string{"name": "research"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	rec = env.authed(t, http.MethodPost, "/api/messages", map[string]string{"conversation_id": conv.ID, "body": "what?"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/chat", map[string]string{"conversation_id": conv.ID, "message": "what?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t,
		"data: {\"delta\":\"Hello\"}\n\ndata: {\"delta\":\" there\"}\n\ndata: [DONE]\n\n",
		rec.Body.String())

	// 10 - 2.5 for the fragment - 1 fee
	balance, err := env.store.Balance(context.Background(), env.address)
	require.NoError(t, err)
	assert.Equal(t, "6.5", balance.String())

	rec = env.authed(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []core.MessageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "Hello there", views[1].Body)
	require.Len(t, views[1].Purchases, 1)
	assert.Equal(t, "c1", views[1].Purchases[0].ChunkID)
}

func TestChatInsufficientFundsEvent(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.authed(t, http.MethodPost, "/api/conversations", map[string]string{"id": "conv-1", "name": "x"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/chat", map[string]string{"conversation_id": "conv-1", "message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {\"error\":\"Insufficient funds\",\"code\":\"insufficient_funds\"}\n\n", rec.Body.String())
}

func TestChatUnknownConversationIsPlainError(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")

	rec := env.authed(t, http.MethodPost, "/api/chat", map[string]string{"conversation_id": "missing", "message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestDocumentPurchaseEndpoints(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")

	rec := env.authed(t, http.MethodPost, "/api/get_document_price", map[string]string{"documentId": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":"d1","document_name":"Whitepaper","chunk_count":2,"price":4}`, rec.Body.String())

	rec = env.authed(t, http.MethodPost, "/api/buy_document", map[string]string{"documentId": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"remainingBalance":6}`, rec.Body.String())

	rec = env.authed(t, http.MethodPost, "/api/buy_document", map[string]string{"documentId": "d1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_purchase", decodeError(t, rec).Code)

	rec = env.authed(t, http.MethodGet, "/api/get_chunk?chunkId=c9", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/rate-chunk-id", map[string]any{"chunkId": "c1", "rating": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.authed(t, http.MethodGet, "/api/user-purchases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []core.DocumentPurchases
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.True(t, groups[0].FullDoc)
}

func TestChatAcceptsBatchedEmbeddedPrompt(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")

	rec := env.authed(t, http.MethodPost, "/api/conversations", map[string]string{"id": "conv-1", "name": "x"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": "conv-1",
		"message":         "hi",
		"embeddedPrompt":  [][]float32{{0.5, 0.25}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
	assert.Equal(t, []float32{0.5, 0.25}, env.rag.lastEmbedding())

	rec = env.authed(t, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": "conv-1",
		"message":         "again",
		"embedded_prompt": []float32{0.75},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []float32{0.75}, env.rag.lastEmbedding())

	rec = env.authed(t, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": "conv-1",
		"message":         "bad",
		"embeddedPrompt":  "not a vector",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromptEmbeddingShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []float32
	}{
		{name: "batch", in: `[[1,2],[3]]`, want: []float32{1, 2}},
		{name: "flat", in: `[1,2]`, want: []float32{1, 2}},
		{name: "empty batch", in: `[]`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p promptEmbedding
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			if tt.want == nil {
				assert.Empty(t, p)
				return
			}
			assert.Equal(t, tt.want, []float32(p))
		})
	}

	var p promptEmbedding
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &p))
}

func TestDocumentCatalogEndpoints(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")

	rec := env.authed(t, http.MethodPost, "/api/upload", map[string]any{
		"documentId":        "d7",
		"documentTitle":     "Field Notes",
		"encryptedDocument": "ciphertext",
		"chunks":            []map[string]string{{"chunk_id": "c1", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Document uploaded"}`, rec.Body.String())

	rec = env.authed(t, http.MethodPost, "/api/upload", map[string]any{
		"documentId":        "d8",
		"documentTitle":     "Empty",
		"encryptedDocument": "ciphertext",
		"chunks":            []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.authed(t, http.MethodGet, "/api/get_documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Documents []clients.OwnedDocument `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Documents, 1)
	assert.Equal(t, "Field Notes", listed.Documents[0].Name)

	rec = env.authed(t, http.MethodPost, "/api/delete_document", map[string]string{"documentName": "Someone Else"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.rag.deleted)

	rec = env.authed(t, http.MethodPost, "/api/delete_document", map[string]string{"documentName": "Field Notes"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Field Notes"}, env.rag.deleted)

	rec = env.authed(t, http.MethodGet, "/api/get_document_pdf?documentId=d1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/buy_document", map[string]string{"documentId": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.authed(t, http.MethodGet, "/api/get_document_pdf?documentId=d1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 d1", rec.Body.String())

	rec = env.authed(t, http.MethodGet, "/api/get_document_pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.authed(t, http.MethodGet, "/api/document-ratings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentRatings":[{"document_id":"d1","document_name":"Whitepaper","rating":4.5}]}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/get_documents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithdrawEndpoint(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	env.fund(t, "10")
	recipient := "0x52908400098527886E0F7030069857D2E4169EE7"

	rec := env.authed(t, http.MethodPost, "/api/withdraw-request", map[string]any{"amount": 4, "recipient": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.authed(t, http.MethodPost, "/api/withdraw-request", map[string]any{"amount": 20, "recipient": recipient})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Empty(t, env.payout.amounts)

	rec = env.authed(t, http.MethodPost, "/api/withdraw-request", map[string]any{"amount": "4.25", "recipient": recipient})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.payout.amounts, 1)
	assert.Equal(t, int64(425), env.payout.amounts[0].Int64())

	rec = env.authed(t, http.MethodGet, "/api/user-transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "withdraw", txs[0]["type"])
}

func TestHbarConversion(t *testing.T) {
	env := newAPIEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/api/hbar-conversion?amount=100", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "collaborator_unavailable", decodeError(t, rec).Code)

	require.NoError(t, env.rates.Refresh(context.Background()))

	rec = env.do(t, http.MethodGet, "/api/hbar-conversion?amount=100", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hbarAmount":"4.00000000"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/hbar-conversion?amount=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerTransferUpdate(t *testing.T) {
	env := newAPIEnv(t, envOptions{})
	rec := env.authed(t, http.MethodGet, "/api/trigger-transfer-update", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rail := &stubRail{addresses: map[string]string{}}
	env = newAPIEnv(t, envOptions{withReconciler: true, rail: rail})
	rail.addresses["0.0.7"] = env.address
	rail.transfers = []clients.IncomingTransfer{{
		ExternalID:    "0.0.7@1700000000.000000001",
		Timestamp:     time.Unix(1700000000, 1).UTC(),
		SenderAccount: "0.0.7",
		Tinybars:      100000000,
	}}
	require.NoError(t, env.rates.Refresh(context.Background()))

	rec = env.authed(t, http.MethodGet, "/api/trigger-transfer-update", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true,"credited":1}`, rec.Body.String())

	balance, err := env.store.Balance(context.Background(), env.address)
	require.NoError(t, err)
	assert.Equal(t, "25", balance.String())

	rec = env.authed(t, http.MethodGet, "/api/trigger-transfer-update", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"credited":0}`, rec.Body.String())

	rec = env.authed(t, http.MethodGet, "/api/trigger-transfer-update", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRecovererReturnsJSON(t *testing.T) {
	h := recoverer(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error","code":"internal"}`, rec.Body.String())
}

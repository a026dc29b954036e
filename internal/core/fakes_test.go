package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

const (
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var errUnknownAccount = errors.New("unknown account")

type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func tok(s string) store.Tokens {
	v, err := store.ParseTokens(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeRAG implements RAGProvider.
type fakeRAG struct {
	mu sync.Mutex

	result   *clients.QueryResult
	queryErr error
	buyErr   error

	buyChunks [][]string
	buyPrices [][]store.Tokens
	buyDocs   []string
	buyCalls  int

	// When set, the next BuyChunks call signals entered and waits for release.
	release chan struct{}
	entered chan struct{}

	quote     *clients.DocumentQuote
	quoteErr  error
	chunk     json.RawMessage
	rated     []string
	ratings   map[string]float64
	ratingErr error
	docRating float64
	docErr    error

	owned    []clients.OwnedDocument
	uploads  []clients.DocumentUpload
	deleted  []string
	pdf      []byte
	docRates []clients.DocumentRatingEntry
}

func (f *fakeRAG) Query(ctx context.Context, embedding []float32, publicKey string, nResults int) (*clients.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.result == nil {
		return &clients.QueryResult{}, nil
	}
	return f.result, nil
}

func (f *fakeRAG) BuyChunks(ctx context.Context, chunkIDs []string, prices []store.Tokens) error {
	f.mu.Lock()
	f.buyCalls++
	release, entered := f.release, f.entered
	f.release, f.entered = nil, nil
	f.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buyErr != nil {
		return f.buyErr
	}
	f.buyChunks = append(f.buyChunks, chunkIDs)
	f.buyPrices = append(f.buyPrices, prices)
	return nil
}

func (f *fakeRAG) BuyDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buyErr != nil {
		return f.buyErr
	}
	f.buyDocs = append(f.buyDocs, documentID)
	return nil
}

func (f *fakeRAG) setBuyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyErr = err
}

func (f *fakeRAG) holdNextBuy(release, entered chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release, f.entered = release, entered
}

func (f *fakeRAG) buyChunkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buyCalls
}

func (f *fakeRAG) boughtChunks() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.buyChunks...)
}

func (f *fakeRAG) DocumentQuote(ctx context.Context, documentID string) (*clients.DocumentQuote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	q := *f.quote
	q.DocumentID = documentID
	return &q, nil
}

func (f *fakeRAG) GetChunk(ctx context.Context, chunkID string) (json.RawMessage, error) {
	return f.chunk, nil
}

func (f *fakeRAG) RateChunk(ctx context.Context, publicKey, chunkID string, rating int) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rated = append(f.rated, chunkID)
	return json.RawMessage(`{"success":true}`), nil
}

func (f *fakeRAG) ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]float64, error) {
	if f.ratingErr != nil {
		return nil, f.ratingErr
	}
	out := map[string]float64{}
	for _, id := range chunkIDs {
		if r, ok := f.ratings[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeRAG) DocumentRating(ctx context.Context, documentID string) (float64, error) {
	return f.docRating, f.docErr
}

func (f *fakeRAG) DocumentRatings(ctx context.Context) ([]clients.DocumentRatingEntry, error) {
	return f.docRates, nil
}

func (f *fakeRAG) Upload(ctx context.Context, publicKey string, doc clients.DocumentUpload) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, doc)
	f.owned = append(f.owned, clients.OwnedDocument{DocumentID: doc.DocumentID, Name: doc.DocumentTitle})
	return json.RawMessage(`{"message":"uploaded"}`), nil
}

func (f *fakeRAG) ListDocuments(ctx context.Context, publicKey string) ([]clients.OwnedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clients.OwnedDocument{}, f.owned...), nil
}

func (f *fakeRAG) DocumentPDF(ctx context.Context, documentID string) ([]byte, error) {
	return f.pdf, nil
}

func (f *fakeRAG) DeleteDocument(ctx context.Context, publicKey, documentName string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentName)
	return json.RawMessage(`{"message":"deleted"}`), nil
}

// fakeModel implements ChatModel and Titler.
type fakeModel struct {
	mu sync.Mutex

	deltas    []string
	streamErr error
	embedErr  error
	title     string

	// Block until the call's context ends.
	embedBlocks  bool
	streamBlocks bool

	embedCalls int
	history    []ChatMessage
	prompt     string
}

func (m *fakeModel) StreamChat(ctx context.Context, system string, history []ChatMessage, prompt string, onDelta func(string) error) error {
	m.mu.Lock()
	m.history = history
	m.prompt = prompt
	m.mu.Unlock()
	for _, d := range m.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if m.streamBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.streamErr
}

func (m *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedCalls++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return []float32{0.1, 0.2}, nil
}

func (m *fakeModel) GenerateTitle(ctx context.Context, basis string) (string, error) {
	return m.title, nil
}

// fakeRail implements TransferSource.
type fakeRail struct {
	mu         sync.Mutex
	transfers  []clients.IncomingTransfer
	fetchErr   error
	addresses  map[string]string
	noAddress  map[string]bool // accounts the rail knows but cannot map to an address
	fetchCalls int
}

func (r *fakeRail) RecentTransfers(ctx context.Context, account string) ([]clients.IncomingTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCalls++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return append([]clients.IncomingTransfer(nil), r.transfers...), nil
}

func (r *fakeRail) ResolveAddress(ctx context.Context, accountID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.noAddress[accountID] {
		return "", fmt.Errorf("account %s has no evm address: %w", accountID, apperr.ErrNotFound)
	}
	addr, ok := r.addresses[accountID]
	if !ok {
		return "", errUnknownAccount
	}
	return addr, nil
}

type fakeRates struct {
	rate decimal.Decimal
	err  error
}

func (f *fakeRates) HbarEUR(ctx context.Context) (decimal.Decimal, error) {
	return f.rate, f.err
}

type payoutCall struct {
	recipient string
	amount    *big.Int
}

type fakePayout struct {
	err    error
	blocks bool // wait for ctx like a hung rail
	calls  []payoutCall
}

func (p *fakePayout) Payout(ctx context.Context, recipient string, amount *big.Int) error {
	p.calls = append(p.calls, payoutCall{recipient: recipient, amount: amount})
	if p.blocks {
		<-ctx.Done()
		return fmt.Errorf("payout timed out: %v: %w", ctx.Err(), apperr.ErrExternalPayoutFailed)
	}
	return p.err
}

type sinkEvent struct {
	kind string // delta, error or done
	code string
	text string
}

type recordingSink struct {
	events  []sinkEvent
	failOn  int // Delta returns an error from this call on (0 disables)
	deltaNo int
}

func (s *recordingSink) Delta(text string) error {
	s.deltaNo++
	if s.failOn > 0 && s.deltaNo >= s.failOn {
		return context.Canceled
	}
	s.events = append(s.events, sinkEvent{kind: "delta", text: text})
	return nil
}

func (s *recordingSink) Error(code, message string) error {
	s.events = append(s.events, sinkEvent{kind: "error", code: code, text: message})
	return nil
}

func (s *recordingSink) Done() error {
	s.events = append(s.events, sinkEvent{kind: "done"})
	return nil
}

func (s *recordingSink) kinds() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.kind)
	}
	return out
}

type testEnv struct {
	store      *store.SQLStore
	locks      *UserLocks
	rag        *fakeRAG
	pricer     Pricer
	notifier   *NotificationWorker
	settlement *Settlement
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	clock := &steppingClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.SetClock(clock.now)
	t.Cleanup(func() { s.Close() })

	rag := &fakeRAG{}
	locks := NewUserLocks()
	pricer := NewPricer(decimal.NewFromInt(5), decimal.NewFromInt(2))
	notifier := NewNotificationWorker(s, rag, NotifierConfig{InlineTimeout: 200 * time.Millisecond}, zerolog.Nop())
	// Rescheduled rows are immediately due against the store clock.
	notifier.now = func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }

	return &testEnv{
		store:      s,
		locks:      locks,
		rag:        rag,
		pricer:     pricer,
		notifier:   notifier,
		settlement: NewSettlement(s, locks, pricer, notifier, zerolog.Nop()),
	}
}

func (e *testEnv) fund(t *testing.T, user, amount string) {
	t.Helper()
	require.NoError(t, e.store.Credit(context.Background(), user, tok(amount)))
}

func (e *testEnv) balance(t *testing.T, user string) store.Tokens {
	t.Helper()
	b, err := e.store.Balance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func chunk(id, doc string, distance float64) clients.Chunk {
	return clients.Chunk{
		ChunkID:        id,
		DocumentID:     doc,
		DocumentName:   "Doc " + doc,
		Content:        "content of " + id,
		ContentPreview: "preview of " + id,
		Distance:       distance,
	}
}

// seedMessage creates a conversation holding one message with the given id
// and returns the conversation id.
func (e *testEnv) seedMessage(t *testing.T, user, messageID string) string {
	t.Helper()
	ctx := context.Background()
	conv := &store.Conversation{Name: "seed", OwnerPK: user}
	require.NoError(t, e.store.CreateConversation(ctx, conv))
	require.NoError(t, e.store.CreateMessage(ctx, &store.Message{ID: messageID, ConversationID: conv.ID, SenderPK: user, Body: "q"}))
	return conv.ID
}

// cited counts the purchase rows, paid or not, tagged with messageID.
func (e *testEnv) cited(t *testing.T, conversationID, messageID string) int {
	t.Helper()
	thread, err := e.store.ListMessagesWithPurchases(context.Background(), conversationID)
	require.NoError(t, err)
	for _, m := range thread {
		if m.ID == messageID {
			return len(m.Purchases)
		}
	}
	return 0
}

// paid counts the user's charged purchases of one fragment.
func (e *testEnv) paid(t *testing.T, user, chunkID string) int {
	t.Helper()
	purchases, err := e.store.ListPurchases(context.Background(), user)
	require.NoError(t, err)
	n := 0
	for _, p := range purchases {
		if p.ChunkID != nil && *p.ChunkID == chunkID {
			n++
		}
	}
	return n
}

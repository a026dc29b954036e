package core

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"

	"chainshare.app/backend/internal/clients"
	"chainshare.app/backend/internal/store"
)

// Retriever returns the fragments closest to a query embedding.
type Retriever interface {
	Query(ctx context.Context, embedding []float32, publicKey string, nResults int) (*clients.QueryResult, error)
}

// ContentProvider is told about settled purchases so it can pay fragment
// owners.
type ContentProvider interface {
	BuyChunks(ctx context.Context, chunkIDs []string, prices []store.Tokens) error
	BuyDocument(ctx context.Context, documentID string) error
}

// Catalog covers the provider's document and rating endpoints.
type Catalog interface {
	DocumentQuote(ctx context.Context, documentID string) (*clients.DocumentQuote, error)
	GetChunk(ctx context.Context, chunkID string) (json.RawMessage, error)
	RateChunk(ctx context.Context, publicKey, chunkID string, rating int) (json.RawMessage, error)
	ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]float64, error)
	DocumentRating(ctx context.Context, documentID string) (float64, error)
	DocumentRatings(ctx context.Context) ([]clients.DocumentRatingEntry, error)

	Upload(ctx context.Context, publicKey string, doc clients.DocumentUpload) (json.RawMessage, error)
	ListDocuments(ctx context.Context, publicKey string) ([]clients.OwnedDocument, error)
	DocumentPDF(ctx context.Context, documentID string) ([]byte, error)
	DeleteDocument(ctx context.Context, publicKey, documentName string) (json.RawMessage, error)
}

// RAGProvider is everything the service needs from the RAG server.
type RAGProvider interface {
	Retriever
	ContentProvider
	Catalog
}

// TransferSource lists incoming transfers on the payment rail.
type TransferSource interface {
	RecentTransfers(ctx context.Context, account string) ([]clients.IncomingTransfer, error)
	ResolveAddress(ctx context.Context, accountID string) (string, error)
}

// RateSource supplies the HBAR price in euros.
type RateSource interface {
	HbarEUR(ctx context.Context) (decimal.Decimal, error)
}

// PayoutRail pays token base units out to an EVM address.
type PayoutRail interface {
	Payout(ctx context.Context, recipient string, amount *big.Int) error
}

// ChatMessage is one prior conversation turn handed to the model.
type ChatMessage struct {
	Role    string // RoleUser or RoleAssistant
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatModel streams completions and embeds queries.
type ChatModel interface {
	// StreamChat sends history plus prompt and calls onDelta for every text
	// delta in order. An error returned after deltas were delivered means the
	// stream broke mid-way.
	StreamChat(ctx context.Context, system string, history []ChatMessage, prompt string, onDelta func(string) error) error
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Titler names conversations.
type Titler interface {
	GenerateTitle(ctx context.Context, basis string) (string, error)
}

var (
	_ ChatModel      = (*LLMService)(nil)
	_ Titler         = (*LLMService)(nil)
	_ RAGProvider    = (*clients.RAGServer)(nil)
	_ TransferSource = (*clients.MirrorNode)(nil)
	_ RateSource     = (*clients.CoinGecko)(nil)
	_ PayoutRail     = (*clients.HederaPayout)(nil)
)

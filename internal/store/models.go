package store

import (
	"encoding/json"
	"time"
)

// SenderAI marks messages written by the assistant.
const SenderAI = "AI"

const (
	TransactionDeposit  = "deposit"
	TransactionWithdraw = "withdraw"
)

const (
	NotificationBuyChunks   = "buy_chunks"
	NotificationBuyDocument = "buy_document"

	NotificationPending = "pending"
	NotificationDone    = "done"
)

type User struct {
	PublicKey   string     `json:"publicKey"`
	Token       *string    `json:"-"`
	Expiration  *time.Time `json:"expiration"`
	TokenAmount Tokens     `json:"tokenAmount"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Conversation struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerPK     string    `json:"owner_pk"`
	CreatedAt   time.Time `json:"created_at"`
	LastMessage *string   `json:"last_message,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderPK       string    `json:"sender_pk"` // user public key or SenderAI
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// Purchase is an immutable ledger row. A nil ChunkID records a whole-document
// purchase.
type Purchase struct {
	ID             string    `json:"id"`
	ChunkID        *string   `json:"chunk_id"`
	DocumentID     string    `json:"document_id"`
	DocumentName   string    `json:"document_name"`
	ContentPreview string    `json:"content_preview"`
	PublicKey      string    `json:"-"`
	MessageID      *string   `json:"message_id,omitempty"`
	Price          Tokens    `json:"price"`
	Relevance      float64   `json:"relevance"`
	CreatedAt      time.Time `json:"timestamp"`
}

// CitedPurchase is a purchase row as cited by a message.
type CitedPurchase struct {
	ChunkID        string
	DocumentID     string
	DocumentName   string
	ContentPreview string
	Relevance      float64
}

type MessageWithPurchases struct {
	Message
	Purchases []CitedPurchase
}

type Transaction struct {
	ID         string    `json:"-"`
	Type       string    `json:"type"`
	Amount     Tokens    `json:"amount"`
	PublicKey  string    `json:"-"`
	ExternalID *string   `json:"-"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Notification is an outbox row for a content provider callback that has
// not been confirmed yet.
type Notification struct {
	ID            string
	Kind          string
	PublicKey     string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

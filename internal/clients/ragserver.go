package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/store"
)

const duplicateDocumentName = "Document with that name already exists"

// Chunk is one retrieved fragment as returned by the RAG server.
type Chunk struct {
	ChunkID            string  `json:"chunk_id"`
	DocumentID         string  `json:"document_id"`
	DocumentName       string  `json:"document_name"`
	Content            string  `json:"content"`
	ContentPreview     string  `json:"content_preview"`
	Encrypted          bool    `json:"encrypted"`
	PublicKey          string  `json:"public_key"`
	KeyServerPublicKey string  `json:"key_server_public_key"`
	Distance           float64 `json:"distance"`
}

type QueryResult struct {
	Chunks        []Chunk  `json:"chunks"`
	ChunkIDsOwned []string `json:"chunk_ids_owned"`
}

// DocumentQuote describes a whole document as priced by the RAG server.
type DocumentQuote struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	ChunkCount   int    `json:"chunk_count"`
}

// RAGServer talks to the external retrieval and content provider. Every call
// carries the shared ragServerSecret.
type RAGServer struct {
	http    *resty.Client
	secret  string
	breaker *breaker
}

func NewRAGServer(baseURL, secret string, timeout time.Duration, logger zerolog.Logger) *RAGServer {
	return &RAGServer{
		http:    newRestyClient(baseURL, timeout),
		secret:  secret,
		breaker: newBreaker(DefaultBreakerConfig("rag-server"), logger),
	}
}

type queryRequest struct {
	Secret         string    `json:"ragServerSecret"`
	QueryEmbedding []float32 `json:"query_embedding"`
	PublicKey      string    `json:"publicKey"`
	NResults       int       `json:"n_results,omitempty"`
}

// Query retrieves the fragments closest to embedding for the given user.
func (c *RAGServer) Query(ctx context.Context, embedding []float32, publicKey string, nResults int) (*QueryResult, error) {
	return execute(c.breaker, func() (*QueryResult, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(queryRequest{Secret: c.secret, QueryEmbedding: embedding, PublicKey: publicKey, NResults: nResults}).
			Post("/query")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var out QueryResult
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode query response: %w", err)
		}
		return &out, nil
	})
}

type buyChunksRequest struct {
	Secret   string         `json:"ragServerSecret"`
	ChunkIDs []string       `json:"chunkIds"`
	Prices   []store.Tokens `json:"prices"`
}

// BuyChunks tells the provider which fragments were newly charged and at what
// price so it can pay their owners.
func (c *RAGServer) BuyChunks(ctx context.Context, chunkIDs []string, prices []store.Tokens) error {
	_, err := execute(c.breaker, func() (struct{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(buyChunksRequest{Secret: c.secret, ChunkIDs: chunkIDs, Prices: prices}).
			Post("/buy-chunks")
		return struct{}{}, checkResponse(resp, err)
	})
	return err
}

// BuyDocument settles a whole-document purchase with the provider.
func (c *RAGServer) BuyDocument(ctx context.Context, documentID string) error {
	_, err := execute(c.breaker, func() (struct{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"ragServerSecret": c.secret, "documentId": documentID}).
			Get("/buy-document")
		return struct{}{}, checkResponse(resp, err)
	})
	return err
}

func (c *RAGServer) DocumentQuote(ctx context.Context, documentID string) (*DocumentQuote, error) {
	return execute(c.breaker, func() (*DocumentQuote, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"ragServerSecret": c.secret, "documentId": documentID}).
			Get("/get_document_price")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var out DocumentQuote
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode document price: %w", err)
		}
		if out.DocumentID == "" {
			out.DocumentID = documentID
		}
		return &out, nil
	})
}

// GetChunk returns the provider's JSON for one fragment unchanged.
func (c *RAGServer) GetChunk(ctx context.Context, chunkID string) (json.RawMessage, error) {
	return execute(c.breaker, func() (json.RawMessage, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"chunkId": chunkID, "ragServerSecret": c.secret}).
			Get("/get_chunk")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body()), nil
	})
}

type rateChunkRequest struct {
	Secret    string `json:"ragServerSecret"`
	PublicKey string `json:"publicKey"`
	ChunkID   string `json:"chunkId"`
	Rating    int    `json:"rating"`
}

func (c *RAGServer) RateChunk(ctx context.Context, publicKey, chunkID string, rating int) (json.RawMessage, error) {
	return execute(c.breaker, func() (json.RawMessage, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(rateChunkRequest{Secret: c.secret, PublicKey: publicKey, ChunkID: chunkID, Rating: rating}).
			Post("/rate-chunk-id")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body()), nil
	})
}

type chunkRatingsRequest struct {
	Secret    string   `json:"ragServerSecret"`
	ChunkIDs  []string `json:"chunkIds"`
	PublicKey string   `json:"publicKey"`
}

// ChunkRatings returns the known rating per fragment id. Fragments without a
// rating are absent from the map.
func (c *RAGServer) ChunkRatings(ctx context.Context, publicKey string, chunkIDs []string) (map[string]float64, error) {
	return execute(c.breaker, func() (map[string]float64, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(chunkRatingsRequest{Secret: c.secret, ChunkIDs: chunkIDs, PublicKey: publicKey}).
			Post("/get-chunk-ratings")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var out struct {
			Ratings map[string]float64 `json:"ratings"`
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode chunk ratings: %w", err)
		}
		if out.Ratings == nil {
			out.Ratings = map[string]float64{}
		}
		return out.Ratings, nil
	})
}

func (c *RAGServer) DocumentRating(ctx context.Context, documentID string) (float64, error) {
	return execute(c.breaker, func() (float64, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("ragServerSecret", c.secret).
			Get("/get_document_rating/" + url.PathEscape(documentID))
		if err := checkResponse(resp, err); err != nil {
			return 0, err
		}
		var out struct {
			Rating float64 `json:"rating"`
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return 0, fmt.Errorf("failed to decode document rating: %w", err)
		}
		return out.Rating, nil
	})
}

// DocumentUpload is a document prepared by its owner's client: encrypted
// fragments with their embeddings plus the encrypted source file.
type DocumentUpload struct {
	Chunks             json.RawMessage `json:"chunks"`
	EncryptedDocument  string          `json:"encryptedDocument"`
	DocumentID         string          `json:"documentId"`
	DocumentTitle      string          `json:"documentTitle"`
	KeyServerPublicKey string          `json:"keyServerPublicKey"`
}

type uploadRequest struct {
	DocumentUpload
	PublicKey string `json:"publicKey"`
	Secret    string `json:"ragServerSecret"`
}

// Upload stores a document owned by publicKey. A title already in use is
// reported as apperr.ErrConflict.
func (c *RAGServer) Upload(ctx context.Context, publicKey string, doc DocumentUpload) (json.RawMessage, error) {
	return execute(c.breaker, func() (json.RawMessage, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(uploadRequest{DocumentUpload: doc, PublicKey: publicKey, Secret: c.secret}).
			Post("/upload")
		if err == nil && (resp.StatusCode() == http.StatusConflict || strings.Contains(resp.String(), duplicateDocumentName)) {
			return nil, fmt.Errorf("document %q: %w", doc.DocumentTitle, apperr.ErrConflict)
		}
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body()), nil
	})
}

// OwnedDocument is one uploaded document with its earnings and votes.
type OwnedDocument struct {
	DocumentID          string  `json:"document_id"`
	Name                string  `json:"name"`
	EncryptedPercentage float64 `json:"encrypted_percentage"`
	TotalReward         float64 `json:"total_reward"`
	Rating              float64 `json:"rating"`
	Upvotes             int     `json:"upvotes"`
	Downvotes           int     `json:"downvotes"`
}

// ListDocuments returns the documents uploaded by publicKey.
func (c *RAGServer) ListDocuments(ctx context.Context, publicKey string) ([]OwnedDocument, error) {
	return execute(c.breaker, func() ([]OwnedDocument, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"publicKey": publicKey, "ragServerSecret": c.secret}).
			Get("/get_documents")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var out struct {
			Documents []OwnedDocument `json:"documents"`
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode documents: %w", err)
		}
		if out.Documents == nil {
			out.Documents = []OwnedDocument{}
		}
		return out.Documents, nil
	})
}

// DocumentPDF returns the decrypted file of a purchased document.
func (c *RAGServer) DocumentPDF(ctx context.Context, documentID string) ([]byte, error) {
	return execute(c.breaker, func() ([]byte, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Accept", "application/pdf").
			SetQueryParams(map[string]string{"documentId": documentID, "ragServerSecret": c.secret}).
			Get("/get_document_pdf")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		return resp.Body(), nil
	})
}

type deleteDocumentRequest struct {
	Secret       string `json:"ragServerSecret"`
	PublicKey    string `json:"publicKey"`
	DocumentName string `json:"documentName"`
}

func (c *RAGServer) DeleteDocument(ctx context.Context, publicKey, documentName string) (json.RawMessage, error) {
	return execute(c.breaker, func() (json.RawMessage, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(deleteDocumentRequest{Secret: c.secret, PublicKey: publicKey, DocumentName: documentName}).
			Post("/delete_document")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		return json.RawMessage(resp.Body()), nil
	})
}

// DocumentRatingEntry is the summed fragment rating of one document.
type DocumentRatingEntry struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Rating       float64 `json:"rating"`
}

// DocumentRatings lists every document with its rating.
func (c *RAGServer) DocumentRatings(ctx context.Context) ([]DocumentRatingEntry, error) {
	return execute(c.breaker, func() ([]DocumentRatingEntry, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("ragServerSecret", c.secret).
			Get("/get_document_ratings")
		if err := checkResponse(resp, err); err != nil {
			return nil, err
		}
		var out struct {
			Ratings []DocumentRatingEntry `json:"ratings"`
		}
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode document ratings: %w", err)
		}
		if out.Ratings == nil {
			out.Ratings = []DocumentRatingEntry{}
		}
		return out.Ratings, nil
	})
}

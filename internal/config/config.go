package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"chainshare.app/backend/internal/store"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Config struct {
	HTTPPort           string `envconfig:"PORT" default:"3001"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite3"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"chainshare.db"`

	JWTSecret  string        `envconfig:"JWT_SECRET_KEY"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"24h"`

	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	ChatModel       string `envconfig:"CHAT_MODEL" default:"gemini-1.5-flash-latest"`
	EmbeddingModel  string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	MaxOutputTokens int32  `envconfig:"MAX_OUTPUT_TOKENS" default:"1000"`

	RAGServerURL    string `envconfig:"RAG_SERVER_API"`
	RAGServerSecret string `envconfig:"RAG_SERVER_SECRET"`

	// Prices are in platform tokens.
	MaxChunkPrice          decimal.Decimal `envconfig:"MAX_CHUNK_PRICE" default:"5"`
	BaseFee                decimal.Decimal `envconfig:"BASE_FEE" default:"1"`
	FlatDocumentChunkPrice decimal.Decimal `envconfig:"FLAT_DOCUMENT_CHUNK_PRICE" default:"2"`

	HederaNetwork     string `envconfig:"HEDERA_NETWORK" default:"testnet"`
	HederaOperatorID  string `envconfig:"HEDERA_OPERATOR_ID"`
	HederaOperatorKey string `envconfig:"HEDERA_OPERATOR_LONG_PRIVATE_KEY"`
	TokenContractID   string `envconfig:"TOKEN_CONTRACT_ID"`
	TokenDecimals     int32  `envconfig:"TOKEN_DECIMALS" default:"0"`
	MirrorNodeURL     string `envconfig:"MIRROR_NODE_URL" default:"https://testnet.mirrornode.hedera.com/"`
	CoinGeckoURL      string `envconfig:"COINGECKO_API_URL" default:"https://api.coingecko.com/api/v3/"`

	CollaboratorTimeout  time.Duration `envconfig:"COLLABORATOR_TIMEOUT" default:"15s"`
	StreamIdleTimeout    time.Duration `envconfig:"MODEL_STREAM_IDLE_TIMEOUT" default:"60s"`
	PayoutTimeout        time.Duration `envconfig:"PAYOUT_TIMEOUT" default:"60s"`
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	ReconcileBackoff     time.Duration `envconfig:"RECONCILE_BACKOFF" default:"10s"`
	RateRefreshInterval  time.Duration `envconfig:"RATE_REFRESH_INTERVAL" default:"5m"`
	SessionResetInterval time.Duration `envconfig:"SESSION_RESET_INTERVAL" default:"24h"`
	OutboxInterval       time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	OutboxBatchSize      int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"JWT_SECRET_KEY":    c.JWTSecret,
		"GEMINI_API_KEY":    c.GeminiAPIKey,
		"RAG_SERVER_API":    c.RAGServerURL,
		"RAG_SERVER_SECRET": c.RAGServerSecret,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}
	if c.MaxChunkPrice.IsNegative() || c.BaseFee.IsNegative() || c.FlatDocumentChunkPrice.IsNegative() {
		return fmt.Errorf("prices must not be negative")
	}
	for name, price := range map[string]decimal.Decimal{
		"MAX_CHUNK_PRICE":           c.MaxChunkPrice,
		"BASE_FEE":                  c.BaseFee,
		"FLAT_DOCUMENT_CHUNK_PRICE": c.FlatDocumentChunkPrice,
	} {
		if _, err := store.TokensFromDecimal(price); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.TokenDecimals)
	}
	return nil
}

// ReconcilerEnabled reports whether the payment rail account is configured.
func (c *Config) ReconcilerEnabled() bool {
	return c.HederaOperatorID != ""
}

// NewForTesting returns a configuration with test-safe defaults and no
// external endpoints.
func NewForTesting() *Config {
	return &Config{
		HTTPPort:               "0",
		LogLevel:               "debug",
		CORSAllowedOrigins:     "*",
		DatabaseDriver:         DriverSQLite,
		DatabaseURL:            ":memory:",
		JWTSecret:              "test-secret",
		SessionTTL:             24 * time.Hour,
		GeminiAPIKey:           "test-key",
		ChatModel:              "gemini-1.5-flash-latest",
		EmbeddingModel:         "text-embedding-004",
		MaxOutputTokens:        1000,
		RAGServerURL:           "http://rag.invalid",
		RAGServerSecret:        "rag-secret",
		MaxChunkPrice:          decimal.NewFromInt(5),
		BaseFee:                decimal.NewFromInt(3),
		FlatDocumentChunkPrice: decimal.NewFromInt(2),
		HederaNetwork:          "testnet",
		CollaboratorTimeout:    2 * time.Second,
		StreamIdleTimeout:      5 * time.Second,
		PayoutTimeout:          5 * time.Second,
		ReconcileInterval:      5 * time.Minute,
		ReconcileBackoff:       10 * time.Millisecond,
		RateRefreshInterval:    5 * time.Minute,
		SessionResetInterval:   24 * time.Hour,
		OutboxInterval:         time.Second,
		OutboxBatchSize:        50,
	}
}

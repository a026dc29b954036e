package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter mounts the API under /api and the Prometheus handler at /metrics.
// allowedOrigins is a comma separated CORS origin list.
func NewRouter(h *APIHandler, allowedOrigins string, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(allowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/login", h.LoginHandler)
		r.Post("/verify-token", h.VerifyTokenHandler)
		r.Get("/health", h.HealthHandler)
		r.Get("/hbar-conversion", h.HbarConversionHandler)

		// Session-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/user-info", h.UserInfoHandler)
			r.Get("/public-key", h.PublicKeyHandler)
			r.Get("/user-transactions", h.UserTransactionsHandler)
			r.Get("/user-purchases", h.UserPurchasesHandler)

			r.Get("/conversations", h.ListConversationsHandler)
			r.Post("/conversations", h.CreateConversationHandler)
			r.Delete("/conversations/{id}", h.DeleteConversationHandler)
			r.Get("/conversations/{id}/messages", h.ConversationMessagesHandler)
			r.Post("/messages", h.PostMessageHandler)
			r.Post("/chat", h.ChatHandler)

			r.Post("/get_document_price", h.DocumentPriceHandler)
			r.Post("/buy_document", h.BuyDocumentHandler)
			r.Get("/get_chunk", h.GetChunkHandler)
			r.Post("/rate-chunk-id", h.RateChunkHandler)
			r.Post("/get-chunk-ratings", h.ChunkRatingsHandler)
			r.Get("/document-ratings", h.DocumentRatingsHandler)

			r.Post("/upload", h.UploadHandler)
			r.Get("/get_documents", h.ListDocumentsHandler)
			r.Get("/get_document_pdf", h.DocumentPDFHandler)
			r.Post("/delete_document", h.DeleteDocumentHandler)

			r.Post("/withdraw-request", h.WithdrawHandler)
			r.Get("/trigger-transfer-update", h.TriggerTransferUpdateHandler)
		})
	})

	return r
}

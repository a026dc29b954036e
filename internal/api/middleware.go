package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/store"
)

type userCtxKey struct{}

// requestLogger writes one access log line per request.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := logger.Info()
			if status >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// recoverer turns a handler panic into a JSON 500.
func recoverer(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error().
					Interface("panic", rec).
					Str("request_id", middleware.GetReqID(r.Context())).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves the bearer credential to a user and stores it in the
// request context.
func (h *APIHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		user, err := h.sessions.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser returns the user placed in the context by authenticate.
func currentUser(r *http.Request) *store.User {
	user, _ := r.Context().Value(userCtxKey{}).(*store.User)
	return user
}

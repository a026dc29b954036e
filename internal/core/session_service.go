package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
	"chainshare.app/backend/internal/auth"
	"chainshare.app/backend/internal/store"
)

// SessionService issues wallet-bound session credentials and resolves them
// back to a user.
type SessionService struct {
	store  *store.SQLStore
	tokens *auth.TokenIssuer
	logger zerolog.Logger
}

func NewSessionService(s *store.SQLStore, tokens *auth.TokenIssuer, logger zerolog.Logger) *SessionService {
	return &SessionService{
		store:  s,
		tokens: tokens,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
}

// Login verifies that signature over message was produced by address and
// stores a fresh session credential for it.
func (s *SessionService) Login(ctx context.Context, address, message, signature string) (string, error) {
	address = strings.ToLower(address)
	if err := auth.VerifySignature(address, message, signature); err != nil {
		s.logger.Debug().Err(err).Str("address", address).Msg("Signature rejected")
		return "", fmt.Errorf("invalid signature: %w", apperr.ErrUnauthorized)
	}

	token, exp, err := s.tokens.Generate(address)
	if err != nil {
		return "", err
	}
	if err := s.store.UpsertSession(ctx, address, token, exp); err != nil {
		return "", err
	}

	s.logger.Info().Str("address", address).Time("expiration", exp).Msg("User logged in")
	return token, nil
}

// Verify checks a credential's signature and expiry only.
func (s *SessionService) Verify(token string) (string, error) {
	address, err := s.tokens.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, apperr.ErrUnauthorized)
	}
	return address, nil
}

// Authenticate resolves a bearer credential to its user. The credential must
// validate and also match the unexpired session stored for that address.
func (s *SessionService) Authenticate(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, fmt.Errorf("missing credential: %w", apperr.ErrUnauthorized)
	}
	address, err := s.Verify(token)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserBySession(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PublicKey != strings.ToLower(address) {
		return nil, fmt.Errorf("session not found or expired: %w", apperr.ErrUnauthorized)
	}
	return user, nil
}

// ResetExpired clears credentials whose expiry has passed.
func (s *SessionService) ResetExpired(ctx context.Context) (int64, error) {
	n, err := s.store.ClearExpiredSessions(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("cleared", n).Msg("Expired sessions reset")
	return n, nil
}

// Run resets expired sessions on every tick until ctx is cancelled.
func (s *SessionService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ResetExpired(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Session reset failed")
			}
		}
	}
}

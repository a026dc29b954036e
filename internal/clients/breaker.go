// Package clients holds the outbound collaborators: the RAG server, the Hedera
// mirror node, CoinGecko and the Hedera payout rail.
package clients

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"chainshare.app/backend/internal/apperr"
)

// BreakerConfig tunes the circuit breaker placed in front of a collaborator.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func newBreaker(cfg BreakerConfig, logger zerolog.Logger) *breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
		// Caller faults say nothing about the collaborator's health.
		IsSuccessful: func(err error) bool {
			return err == nil || callerFault(err)
		},
	})
	return &breaker{name: cfg.Name, cb: cb}
}

// execute runs fn through the breaker. Transport failures, timeouts, 5xx
// responses and an open breaker all surface as ErrCollaboratorUnavailable.
func execute[T any](b *breaker, fn func() (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		if callerFault(err) {
			return zero, err
		}
		return zero, apperr.Unavailable(b.name, err)
	}
	return out.(T), nil
}

func callerFault(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidRequest) || errors.Is(err, apperr.ErrConflict)
}

func (b *breaker) State() gobreaker.State {
	return b.cb.State()
}

func newRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
}

// checkResponse turns a resty result into an error for non-2xx statuses.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", resp.Request.Method, resp.Request.URL, apperr.ErrNotFound)
	case resp.IsError():
		return fmt.Errorf("%s %s: unexpected status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

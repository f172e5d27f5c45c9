package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"ikid/internal/apperr"
)

// NewBreaker creates a circuit breaker that opens after 3 consecutive
// infrastructure failures. Domain rejections (not found, invalid transition,
// validation) and caller cancellations do not count against the breaker.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	timeout := 30 * time.Second
	if name == "postgres" {
		timeout = 10 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
				return true
			}
			switch apperr.KindOf(err) {
			case apperr.KindNotFound, apperr.KindInvalidTransition, apperr.KindValidation,
				apperr.KindUnauthorized, apperr.KindConflict:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

// Rejected reports whether err came from an open or saturated breaker.
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Guard runs fn through cb. Breaker rejections become StoreUnavailable.
func Guard(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if Rejected(err) {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "store circuit open")
	}
	return err
}

// Package client implements the connection retry contract widget clients
// follow for both the chat and voice sockets.
package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	baseDelay   = time.Second
	maxDelay    = 30 * time.Second
	maxFailures = 5
)

// ErrAbandoned is returned after maxFailures consecutive connection failures
var ErrAbandoned = errors.New("reconnect abandoned after repeated failures")

// DialFunc establishes a connection and blocks until it ends. A nil return
// means the connection was established and later dropped; an error means the
// attempt failed.
type DialFunc func(ctx context.Context) error

// Reconnector redials a dropped connection with exponential backoff. A
// client-initiated Close never triggers a reconnect; that intent is carried
// by an explicit flag, never inferred from close codes.
type Reconnector struct {
	dial   DialFunc
	closed atomic.Bool

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a reconnector around a dial function
func NewReconnector(dial DialFunc) *Reconnector {
	return &Reconnector{
		dial: dial,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Delay returns the backoff before the given retry attempt, counted from 0
func Delay(attempt int) time.Duration {
	d := baseDelay << uint(attempt)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// Close marks the connection as intentionally closed. Run stops after the
// current dial returns and never redials.
func (r *Reconnector) Close() {
	r.closed.Store(true)
}

// Run dials and keeps the connection alive until the client closes it, the
// context ends, or maxFailures consecutive attempts fail.
func (r *Reconnector) Run(ctx context.Context) error {
	failures := 0
	for {
		if r.closed.Load() {
			return nil
		}

		err := r.dial(ctx)
		if r.closed.Load() {
			return nil
		}
		if err == nil {
			// Served connection dropped; start a fresh backoff cycle
			failures = 0
			if err := r.sleep(ctx, Delay(0)); err != nil {
				return err
			}
			continue
		}

		failures++
		log.Warn().Err(err).Int("failures", failures).Msg("connection attempt failed")
		if failures >= maxFailures {
			return ErrAbandoned
		}
		if err := r.sleep(ctx, Delay(failures - 1)); err != nil {
			return err
		}
	}
}

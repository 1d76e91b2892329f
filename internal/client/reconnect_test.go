package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{63, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRunAbandonsAfterConsecutiveFailures(t *testing.T) {
	attempts := 0
	r := NewReconnector(func(ctx context.Context) error {
		attempts++
		return errors.New("connection refused")
	})

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := r.Run(context.Background())

	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, slept)
}

func TestRunResetsBackoffAfterSuccess(t *testing.T) {
	attempts := 0
	r := NewReconnector(func(ctx context.Context) error {
		attempts++
		switch attempts {
		case 1, 2:
			return errors.New("connection refused")
		case 3:
			// Connection established, later dropped
			return nil
		default:
			return errors.New("connection refused")
		}
	})

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := r.Run(context.Background())

	assert.ErrorIs(t, err, ErrAbandoned)
	// Two failures, a successful connection, then five fresh failures
	assert.Equal(t, 8, attempts)
	// Backoff restarts at one second after the successful connection
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		time.Second,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, slept)
}

func TestRunExplicitCloseNeverReconnects(t *testing.T) {
	attempts := 0
	var r *Reconnector
	r = NewReconnector(func(ctx context.Context) error {
		attempts++
		// Client hangs up while the connection is live
		r.Close()
		return nil
	})
	r.sleep = func(_ context.Context, d time.Duration) error {
		t.Fatal("should not back off after explicit close")
		return nil
	}

	err := r.Run(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconnector(func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	presencePrefix = "presence:"
	presenceTTL    = 60 * time.Second
)

// PresenceCache throttles last-seen writes. A session's presence key lives for
// presenceTTL; while it exists, further last-seen updates are skipped.
type PresenceCache struct {
	client *Client
}

// NewPresenceCache creates a new presence cache
func NewPresenceCache(client *Client) *PresenceCache {
	return &PresenceCache{client: client}
}

// Mark records the session as recently seen. Returns true when the caller
// should persist the last-seen timestamp, false when a recent write already
// covered it.
func (c *PresenceCache) Mark(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("%s%s", presencePrefix, sessionID.String())

	set, err := c.client.rdb.SetNX(ctx, key, time.Now().Unix(), presenceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark presence: %w", err)
	}
	return set, nil
}

// Clear drops the presence key so the next Mark persists immediately
func (c *PresenceCache) Clear(ctx context.Context, sessionID uuid.UUID) error {
	key := fmt.Sprintf("%s%s", presencePrefix, sessionID.String())
	return c.client.rdb.Del(ctx, key).Err()
}

// Package presence mirrors admin pool membership into Redis so the "admin
// online" badge stays correct when more than one chatd process serves
// traffic. The hub's local count remains the fast path; this mirror is
// telemetry-grade and its failures must never block chat traffic.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const adminSetKey = "chat:presence:admins"

// Tracker records admin console connections in a Redis set with a TTL that
// is refreshed on every heartbeat, so crashed processes age out.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTracker creates a tracker over an existing Redis client.
func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Tracker{rdb: rdb, ttl: ttl}
}

// AdminJoined records an admin connection.
func (t *Tracker) AdminJoined(ctx context.Context, connID string) error {
	if err := t.rdb.SAdd(ctx, adminSetKey, connID).Err(); err != nil {
		return err
	}
	return t.rdb.Expire(ctx, adminSetKey, t.ttl).Err()
}

// AdminLeft removes an admin connection.
func (t *Tracker) AdminLeft(ctx context.Context, connID string) error {
	return t.rdb.SRem(ctx, adminSetKey, connID).Err()
}

// Heartbeat refreshes the TTL for live memberships.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	return t.rdb.Expire(ctx, adminSetKey, t.ttl).Err()
}

// AdminOnline reports whether any admin console is connected anywhere.
func (t *Tracker) AdminOnline(ctx context.Context) (bool, error) {
	n, err := t.rdb.SCard(ctx, adminSetKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

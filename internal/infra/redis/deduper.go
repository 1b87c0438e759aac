package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultDedupTTL = 24 * time.Hour
	dedupKeyPrefix  = "webhook:event"
)

// EventDeduper remembers (tenant, event id) pairs so repeated triggers inside the TTL are dropped.
type EventDeduper struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewEventDeduper(client *goredis.Client, ttl time.Duration) (*EventDeduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &EventDeduper{client: client, ttl: ttl}, nil
}

// FirstSeen reports true only for the first caller claiming the pair within the TTL.
func (d *EventDeduper) FirstSeen(ctx context.Context, tenantID string, eventID string) (bool, error) {
	if d == nil || d.client == nil {
		return false, fmt.Errorf("event deduper is not initialized")
	}

	tenant := strings.TrimSpace(tenantID)
	id := strings.TrimSpace(eventID)
	if tenant == "" || id == "" {
		return false, fmt.Errorf("tenant id and event id are required")
	}

	key := fmt.Sprintf("%s:%s:%s", dedupKeyPrefix, tenant, id)
	ok, err := d.client.SetNX(ctx, key, time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event id: %w", err)
	}
	return ok, nil
}

// Forget releases a claimed pair, e.g. when routing could not start.
func (d *EventDeduper) Forget(ctx context.Context, tenantID string, eventID string) error {
	if d == nil || d.client == nil {
		return fmt.Errorf("event deduper is not initialized")
	}
	key := fmt.Sprintf("%s:%s:%s", dedupKeyPrefix, strings.TrimSpace(tenantID), strings.TrimSpace(eventID))
	return d.client.Del(ctx, key).Err()
}

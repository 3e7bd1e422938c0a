package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"buildflow/backend/pkg/models"
)

const (
	notificationList    = "workflow:notifications"
	notificationChannel = "workflow:events"
)

// RedisBus is a redis-backed Notifier and Claimer. Notifications land on a
// list the delivery worker drains and are also published for live dashboard
// subscribers; claims use SETNX with a TTL.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a RedisBus for the given server.
func NewRedisBus(addr, password string, db int) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (b *RedisBus) Notify(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := b.client.RPush(ctx, notificationList, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	// Best effort; list delivery is the durable path.
	b.client.Publish(ctx, notificationChannel, payload)
	return nil
}

func (b *RedisBus) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, "claim:"+key, "1", ttl).Result()
}

// Ping checks connectivity for the health endpoint.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

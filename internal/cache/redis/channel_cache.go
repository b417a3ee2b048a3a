package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// ChannelCache implements domain.ChannelCache with plain string keys.
//
// Key schema:
//
//	{ns}:channel:{wallet}:{chainID}:{token} - channel id
type ChannelCache struct {
	c *Client
}

// NewChannelCache creates a ChannelCache backed by the given Client.
func NewChannelCache(c *Client) *ChannelCache {
	return &ChannelCache{c: c}
}

// Get returns the cached channel id or domain.ErrNotFound.
func (cc *ChannelCache) Get(ctx context.Context, key string) (string, error) {
	id, err := cc.c.rdb.Get(ctx, cc.c.Key("channel", key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("redis: get channel %s: %w", key, err)
	}
	return id, nil
}

// Set stores channelID for ttl. A zero ttl keeps the key until invalidated.
func (cc *ChannelCache) Set(ctx context.Context, key, channelID string, ttl time.Duration) error {
	if err := cc.c.rdb.Set(ctx, cc.c.Key("channel", key), channelID, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set channel %s: %w", key, err)
	}
	return nil
}

// Invalidate removes the cached id.
func (cc *ChannelCache) Invalidate(ctx context.Context, key string) error {
	if err := cc.c.rdb.Del(ctx, cc.c.Key("channel", key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate channel %s: %w", key, err)
	}
	return nil
}

var _ domain.ChannelCache = (*ChannelCache)(nil)

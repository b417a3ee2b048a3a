package domain

import (
	"context"
	"time"
)

// ChannelCache remembers the channel id for a (wallet, chain, token) so a
// restarted client does not open a second channel.
type ChannelCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, channelID string, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter admits at most limit events per key per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes events and carries durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

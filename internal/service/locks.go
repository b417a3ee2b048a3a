package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const (
	lockShards    = 64
	lockTTL       = 5 * time.Minute
	lockRetryWait = 50 * time.Millisecond
)

// marketLocks serializes writers per market. A market always maps to the
// same local shard; the optional distributed lock extends the guarantee
// across processes sharing the store.
type marketLocks struct {
	shards [lockShards]sync.Mutex
	dist   domain.LockManager
}

func (l *marketLocks) shard(marketID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(marketID))
	return &l.shards[h.Sum32()%lockShards]
}

// lock blocks until the market is held locally and, if configured,
// remotely. The local shard is released if the remote lock cannot be had.
func (l *marketLocks) lock(ctx context.Context, marketID string) (func(), error) {
	mu := l.shard(marketID)
	mu.Lock()
	if l.dist == nil {
		return mu.Unlock, nil
	}

	for {
		unlock, err := l.dist.Acquire(ctx, "market:"+marketID, lockTTL)
		if err == nil {
			return func() {
				unlock()
				mu.Unlock()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			mu.Unlock()
			return nil, fmt.Errorf("lock market %s: %w", marketID, err)
		}
		select {
		case <-ctx.Done():
			mu.Unlock()
			return nil, fmt.Errorf("lock market %s: %w: %w", marketID, domain.ErrLockHeld, ctx.Err())
		case <-time.After(lockRetryWait):
		}
	}
}

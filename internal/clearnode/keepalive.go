package clearnode

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// maxReconnectDelay caps the exponential backoff between reconnects.
const maxReconnectDelay = 60 * time.Second

// KeepAlive keeps the session authenticated until ctx ends, checking every
// interval. A dropped or failed session is reconnected with exponential
// backoff starting at every; a session expiring within renewBefore is torn
// down and re-authenticated with a fresh session key. renewBefore <= 0
// disables renewal. It returns ctx's error.
//
// The channel is not reopened here; callers that need one run
// EnsureChannel or Restore after the state returns to authenticated.
func (c *Client) KeepAlive(ctx context.Context, every, renewBefore time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	delay := every
	var retryAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := c.now()
		if now.Before(retryAt) {
			continue
		}
		if sess, ok := c.Session(); ok && renewBefore > 0 && sess.ExpiresAt.Sub(now) < renewBefore {
			c.logger.InfoContext(ctx, "clearnode: renewing session",
				slog.Time("expires_at", sess.ExpiresAt),
			)
			_ = c.Disconnect()
		}

		switch st := c.State(); st {
		case domain.StateDisconnected, domain.StateError:
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.WarnContext(ctx, "clearnode: reconnect failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", delay),
				)
				retryAt = now.Add(delay)
				delay = min(delay*2, maxReconnectDelay)
				continue
			}
			c.logger.InfoContext(ctx, "clearnode: session re-established", slog.String("previous_state", string(st)))
			delay = every
			retryAt = time.Time{}
		}
	}
}

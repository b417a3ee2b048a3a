package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// streamLoop reads a stream in order and hands each entry to a handler.
// It is not safe for concurrent use; each consumer owns one.
type streamLoop struct {
	bus      domain.SignalBus
	stream   string
	lastID   string
	batch    int
	idleWait time.Duration
	logger   *slog.Logger

	cleanupInterval time.Duration
}

func newStreamLoop(bus domain.SignalBus, stream string, logger *slog.Logger) *streamLoop {
	return &streamLoop{
		bus:             bus,
		stream:          stream,
		lastID:          "$",
		batch:           32,
		idleWait:        100 * time.Millisecond,
		logger:          logger,
		cleanupInterval: 30 * time.Second,
	}
}

// run consumes the stream until ctx is cancelled. Read errors are logged
// and retried after a short pause. housekeeping, if set, runs every
// cleanupInterval between reads.
func (l *streamLoop) run(ctx context.Context, handle func(context.Context, domain.StreamMessage), housekeeping func()) error {
	l.logger.Info("stream consumer started", slog.String("stream", l.stream), slog.String("from", l.lastID))
	defer l.logger.Info("stream consumer stopped", slog.String("stream", l.stream))

	nextCleanup := time.Now().Add(l.cleanupInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := l.bus.StreamRead(ctx, l.stream, l.lastID, l.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("stream read failed", slog.String("stream", l.stream), slog.String("error", err.Error()))
			if !pause(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		for _, msg := range msgs {
			l.lastID = msg.ID
			handle(ctx, msg)
		}
		if housekeeping != nil && time.Now().After(nextCleanup) {
			housekeeping()
			nextCleanup = time.Now().Add(l.cleanupInterval)
		}
		if len(msgs) == 0 && !pause(ctx, l.idleWait) {
			return ctx.Err()
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

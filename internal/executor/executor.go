package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/service"
)

// RequestStream is the Redis stream trade requests are read from.
const RequestStream = "trade_requests"

// Trader settles one trade request. *service.SettlementService implements it.
type Trader interface {
	Trade(ctx context.Context, req domain.TradeRequest) (domain.TradeReceipt, error)
}

// Executor reads trade requests from a stream, applies deduplication and a
// per-participant rate limit, then settles them through the Trader. Outcomes
// of settled trades are published by the settlement service; requests
// rejected before settlement are published here on the same channel.
type Executor struct {
	loop    *streamLoop
	bus     domain.SignalBus
	trader  Trader
	limiter domain.RateLimiter
	dedup   *Dedup
	logger  *slog.Logger

	limit  int
	window time.Duration
}

// Option customises an Executor.
type Option func(*Executor)

// WithRateLimit admits at most limit requests per participant per window.
func WithRateLimit(rl domain.RateLimiter, limit int, window time.Duration) Option {
	return func(e *Executor) {
		e.limiter = rl
		e.limit = limit
		e.window = window
	}
}

// WithStartID sets the stream id reading starts after. "0" replays the whole
// stream; the default "$" only sees requests appended after Run starts.
func WithStartID(id string) Option {
	return func(e *Executor) {
		if id != "" {
			e.loop.lastID = id
		}
	}
}

// WithBatch sets how many entries one read returns at most.
func WithBatch(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.loop.batch = n
		}
	}
}

// NewExecutor creates an Executor that reads bus's request stream and
// settles through trader.
func NewExecutor(bus domain.SignalBus, trader Trader, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "executor"))
	e := &Executor{
		loop:   newStreamLoop(bus, RequestStream, logger),
		bus:    bus,
		trader: trader,
		dedup:  NewDedup(10 * time.Minute),
		logger: logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run consumes the stream until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	return e.loop.run(ctx, e.process, e.dedup.Cleanup)
}

// process handles a single stream entry.
func (e *Executor) process(ctx context.Context, msg domain.StreamMessage) {
	log := e.logger.With(slog.String("entry", msg.ID))

	// 1. Deduplication of re-read entries.
	if e.dedup.IsDuplicate(msg.ID) {
		log.Debug("entry already handled, skipping")
		return
	}

	// 2. Decode.
	var req domain.TradeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Warn("undecodable trade request", slog.String("error", err.Error()))
		e.reject(ctx, req, fmt.Errorf("%w: decode: %v", domain.ErrInvalidTrade, err))
		return
	}
	log = log.With(
		slog.String("market", req.MarketID),
		slog.String("participant", req.Participant),
		slog.String("nonce", req.Nonce),
	)

	// 3. Rate limit.
	if err := e.admit(ctx, req.Participant); err != nil {
		log.Warn("trade request rejected", slog.String("error", err.Error()))
		e.reject(ctx, req, err)
		return
	}

	// 4. Settle.
	receipt, err := e.trader.Trade(ctx, req)
	if err != nil {
		log.Warn("trade not settled",
			slog.String("status", string(receipt.Status)),
			slog.String("error", err.Error()),
		)
		if receipt.TradeID == "" {
			e.reject(ctx, req, err)
		}
		return
	}
	log.Info("trade settled",
		slog.String("trade_id", receipt.TradeID),
		slog.Int64("cost", receipt.Cost),
	)
}

func (e *Executor) admit(ctx context.Context, participant string) error {
	if e.limiter == nil || e.limit <= 0 {
		return nil
	}
	ok, err := e.limiter.Allow(ctx, "trade:"+strings.ToLower(participant), e.limit, e.window)
	if err != nil {
		// Limiter outages fail open.
		e.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: more than %d requests per %s", domain.ErrRateLimited, e.limit, e.window)
	}
	return nil
}

// reject publishes a request that never reached settlement.
func (e *Executor) reject(ctx context.Context, req domain.TradeRequest, cause error) {
	payload, _ := json.Marshal(service.TradeEvent{
		MarketID:    req.MarketID,
		Participant: req.Participant,
		Nonce:       req.Nonce,
		Outcome:     req.Outcome,
		Shares:      req.Shares,
		Status:      "rejected",
		Error:       cause.Error(),
	})
	if err := e.bus.Publish(ctx, service.TradesChannel, payload); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("publish rejection failed", slog.String("error", err.Error()))
	}
}

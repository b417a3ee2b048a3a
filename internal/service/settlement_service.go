package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ledgermarket/internal/amm"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/metrics"
	"github.com/alanyoungcy/ledgermarket/internal/notify"
)

// TradesChannel is the bus channel settlement outcomes are published on.
const TradesChannel = "trades"

// SettlementStores groups the stores a settlement touches.
type SettlementStores struct {
	Markets    domain.MarketStore
	Positions  domain.PositionStore
	Receipts   domain.ReceiptStore
	Settlement domain.SettlementStore
	Audit      domain.AuditStore
}

// SettlementService executes trades: price against the current pool, move
// the cost on the ledger, and only then commit pool, position and receipt
// together. One writer per market at a time.
type SettlementService struct {
	stores   SettlementStores
	payers   Payers
	treasury Ledger // pays sell refunds; nil disables sells
	locks    *marketLocks
	bus      domain.SignalBus
	notifier Notifier
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[domain.TradeKey]*call
}

// call is one in-progress trade that duplicates wait on.
type call struct {
	done    chan struct{}
	receipt domain.TradeReceipt
	err     error
}

// SettlementOption customises a SettlementService.
type SettlementOption func(*SettlementService)

// WithTreasury sets the session that pays sell refunds.
func WithTreasury(l Ledger) SettlementOption { return func(s *SettlementService) { s.treasury = l } }

// WithLockManager adds a distributed per-market lock.
func WithLockManager(lm domain.LockManager) SettlementOption {
	return func(s *SettlementService) { s.locks.dist = lm }
}

// WithBus publishes settlement outcomes.
func WithBus(b domain.SignalBus) SettlementOption { return func(s *SettlementService) { s.bus = b } }

// WithNotifier sends settlement alerts.
func WithNotifier(n Notifier) SettlementOption { return func(s *SettlementService) { s.notifier = n } }

// WithSettlementMetrics records trade outcomes.
func WithSettlementMetrics(r *metrics.Recorder) SettlementOption {
	return func(s *SettlementService) { s.metrics = r }
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(stores SettlementStores, payers Payers, logger *slog.Logger, opts ...SettlementOption) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SettlementService{
		stores:   stores,
		payers:   payers,
		locks:    &marketLocks{},
		logger:   logger.With(slog.String("component", "settlement")),
		now:      time.Now,
		inflight: make(map[domain.TradeKey]*call),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Trade settles req at most once per (market, participant, nonce). A
// repeated request returns the first receipt; a concurrent duplicate waits
// for the first call and shares its result. When the transfer outcome is
// unknown the receipt stays unknown and the error wraps both
// ErrSettlementFailed and the transport cause; ReconcileTrade resolves it.
func (s *SettlementService) Trade(ctx context.Context, req domain.TradeRequest) (domain.TradeReceipt, error) {
	if err := validateStruct(req); err != nil {
		return domain.TradeReceipt{}, &domain.OpError{Op: "trade", Nonce: req.Nonce, Err: err}
	}
	req = req.Normalized()
	key := req.Key()

	s.mu.Lock()
	if c, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.receipt, c.err
		case <-ctx.Done():
			return domain.TradeReceipt{}, &domain.OpError{Op: "trade", Nonce: req.Nonce, Err: fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())}
		}
	}
	c := &call{done: make(chan struct{})}
	s.inflight[key] = c
	s.mu.Unlock()

	start := s.now()
	c.receipt, c.err = s.settle(ctx, req)
	s.metrics.RecordTrade(req.MarketID, tradeOutcome(c.receipt, c.err), s.now().Sub(start))

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(c.done)
	return c.receipt, c.err
}

func (s *SettlementService) settle(ctx context.Context, req domain.TradeRequest) (domain.TradeReceipt, error) {
	key := req.Key()
	opErr := func(state string, err error) error {
		return &domain.OpError{Op: "trade", Nonce: req.Nonce, State: state, Err: err}
	}

	unlock, err := s.locks.lock(ctx, req.MarketID)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}
	defer unlock()

	existing, err := s.stores.Receipts.GetByKey(ctx, key)
	switch {
	case err == nil:
		switch existing.Status {
		case domain.ReceiptConfirmed:
			return existing, nil
		case domain.ReceiptTransferring, domain.ReceiptUnknown:
			return existing, opErr(string(existing.Status),
				fmt.Errorf("%w: trade awaits reconciliation", domain.ErrSettlementFailed))
		}
		// A failed receipt never moved value; the key may be retried.
	case !errors.Is(err, domain.ErrNotFound):
		return domain.TradeReceipt{}, opErr("", fmt.Errorf("load receipt: %w", err))
	}

	market, err := s.stores.Markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", fmt.Errorf("load market: %w", err))
	}
	if market.Status != domain.MarketStatusOpen {
		return domain.TradeReceipt{}, opErr(string(market.Status), domain.ErrMarketNotOpen)
	}

	position, err := s.position(ctx, req.MarketID, req.Participant)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}
	if req.Shares < 0 && position.Shares(req.Outcome) < -req.Shares {
		return domain.TradeReceipt{}, opErr("", fmt.Errorf("%w: holds %d %s shares, selling %d",
			domain.ErrInsufficientBalance, position.Shares(req.Outcome), req.Outcome, -req.Shares))
	}

	quote, err := amm.Quote(market, req.Outcome, req.Shares)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}
	if req.MaxCost > 0 && quote.Cost > req.MaxCost {
		return domain.TradeReceipt{}, opErr("", fmt.Errorf("%w: cost %d exceeds max %d",
			domain.ErrInvalidTrade, quote.Cost, req.MaxCost))
	}

	payer, dest, err := s.route(req, market, quote.Cost)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}

	receipt := domain.TradeReceipt{
		TradeID:     uuid.NewString(),
		MarketID:    req.MarketID,
		Participant: req.Participant,
		Nonce:       req.Nonce,
		Outcome:     req.Outcome,
		SharesDelta: req.Shares,
		Cost:        quote.Cost,
		Status:      domain.ReceiptTransferring,
	}
	if existing.TradeID != "" {
		// Retrying a failed key reuses its row.
		if err := s.stores.Receipts.Release(ctx, existing.TradeID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.TradeReceipt{}, opErr("", fmt.Errorf("release failed receipt: %w", err))
		}
	}
	receipt, created, err := s.stores.Receipts.Reserve(ctx, receipt)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", fmt.Errorf("reserve receipt: %w", err))
	}
	if !created {
		// Another process took the key between the lookup and here.
		return receipt, opErr(string(receipt.Status), fmt.Errorf("%w: trade already reserved", domain.ErrSettlementFailed))
	}

	s.logger.InfoContext(ctx, "settlement: transferring",
		slog.String("trade_id", receipt.TradeID),
		slog.String("market", req.MarketID),
		slog.String("outcome", string(req.Outcome)),
		slog.Int64("shares", req.Shares),
		slog.Int64("cost", quote.Cost),
	)

	var result domain.TransferResult
	if payer != nil {
		amount := quote.Cost
		if amount < 0 {
			amount = -amount
		}
		result, err = payer.Transfer(ctx, domain.TransferRequest{
			Destination: dest,
			Asset:       market.Asset,
			Amount:      big.NewInt(amount),
			Nonce:       key.String(),
		})
		if err != nil {
			return s.transferFailed(ctx, receipt, err)
		}
	}

	return s.commit(ctx, market, position, receipt, result)
}

// route picks who pays whom. Buys go from the participant to the market;
// sells are refunded by the treasury. A sell whose refund rounds to zero
// moves nothing.
func (s *SettlementService) route(req domain.TradeRequest, market domain.Market, cost int64) (Ledger, string, error) {
	if cost > 0 {
		payer, err := s.payers.PayerFor(req.Participant)
		if err != nil {
			return nil, "", err
		}
		return payer, market.LedgerAddress, nil
	}
	if cost == 0 {
		return nil, "", nil
	}
	if s.treasury == nil {
		return nil, "", fmt.Errorf("%w: sells need a treasury session", domain.ErrInvalidTrade)
	}
	if !strings.EqualFold(s.treasury.Address(), market.LedgerAddress) {
		return nil, "", fmt.Errorf("%w: treasury %s does not hold market %s", domain.ErrInvalidTrade, s.treasury.Address(), market.ID)
	}
	return s.treasury, req.Participant, nil
}

func (s *SettlementService) transferFailed(ctx context.Context, receipt domain.TradeReceipt, cause error) (domain.TradeReceipt, error) {
	state := domain.ReceiptFailed
	if domain.Retryable(cause) || errors.Is(cause, domain.ErrNonceConsumed) {
		state = domain.ReceiptUnknown
	}
	if err := s.stores.Receipts.SetStatus(ctx, receipt.TradeID, state, cause.Error()); err != nil {
		s.logger.ErrorContext(ctx, "settlement: record receipt status failed",
			slog.String("trade_id", receipt.TradeID),
			slog.String("error", err.Error()),
		)
	}
	receipt.Status = state
	receipt.Error = cause.Error()

	s.publish(ctx, receipt)
	s.auditLog(ctx, "trade."+string(state), receipt)

	var err error
	switch {
	case state == domain.ReceiptUnknown:
		s.alert(ctx, notify.EventSettlementUnknown, receipt)
		err = fmt.Errorf("%w: %w", domain.ErrSettlementFailed, cause)
	case isInsufficient(cause):
		err = fmt.Errorf("%w: %w", domain.ErrInsufficientBalance, cause)
	default:
		s.alert(ctx, notify.EventSettlementFailed, receipt)
		err = cause
	}
	return receipt, &domain.OpError{Op: "trade", Nonce: receipt.Nonce, State: string(state), Err: err}
}

func (s *SettlementService) commit(ctx context.Context, market domain.Market, position domain.Position, receipt domain.TradeReceipt, result domain.TransferResult) (domain.TradeReceipt, error) {
	now := s.now()
	market.Pools = market.Pools.Add(receipt.Outcome, receipt.SharesDelta)
	market.Collateral += receipt.Cost
	position = position.Apply(receipt.Outcome, receipt.SharesDelta, receipt.Cost)
	receipt.TransferID = result.TransferID
	receipt.ConfirmedAt = &now

	if err := s.stores.Settlement.CommitTrade(ctx, market, position, receipt); err != nil {
		// Value moved but the books did not; leave it for reconciliation.
		s.logger.ErrorContext(ctx, "settlement: commit after transfer failed",
			slog.String("trade_id", receipt.TradeID),
			slog.String("transfer_id", receipt.TransferID),
			slog.String("error", err.Error()),
		)
		_ = s.stores.Receipts.SetStatus(ctx, receipt.TradeID, domain.ReceiptUnknown, err.Error())
		receipt.Status = domain.ReceiptUnknown
		s.alert(ctx, notify.EventSettlementUnknown, receipt)
		return receipt, &domain.OpError{Op: "trade", Nonce: receipt.Nonce, State: string(domain.ReceiptUnknown),
			Err: fmt.Errorf("%w: commit: %w", domain.ErrSettlementFailed, err)}
	}
	receipt.Status = domain.ReceiptConfirmed

	s.logger.InfoContext(ctx, "settlement: confirmed",
		slog.String("trade_id", receipt.TradeID),
		slog.String("transfer_id", receipt.TransferID),
		slog.Int64("cost", receipt.Cost),
	)
	s.publish(ctx, receipt)
	s.auditLog(ctx, "trade.confirmed", receipt)
	return receipt, nil
}

// ReconcileTrade settles a receipt left unknown after the caller checked
// the ledger. applied=true commits it with transferID; applied=false marks
// it failed and frees the nonce for a retry.
func (s *SettlementService) ReconcileTrade(ctx context.Context, key domain.TradeKey, applied bool, transferID string) (domain.TradeReceipt, error) {
	key = key.Normalized()
	opErr := func(state string, err error) error {
		return &domain.OpError{Op: "reconcile_trade", Nonce: key.Nonce, State: state, Err: err}
	}

	unlock, err := s.locks.lock(ctx, key.MarketID)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}
	defer unlock()

	receipt, err := s.stores.Receipts.GetByKey(ctx, key)
	if err != nil {
		return domain.TradeReceipt{}, opErr("", err)
	}
	if receipt.Status != domain.ReceiptUnknown && receipt.Status != domain.ReceiptTransferring {
		return receipt, opErr(string(receipt.Status), domain.ErrInvalidState)
	}

	payer := s.treasury
	if receipt.Cost > 0 {
		if payer, err = s.payers.PayerFor(receipt.Participant); err != nil {
			payer = nil
		}
	}

	if !applied {
		if payer != nil {
			if err := payer.ReleaseNonce(key.String()); err != nil {
				return receipt, opErr(string(receipt.Status), err)
			}
		}
		if err := s.stores.Receipts.SetStatus(ctx, receipt.TradeID, domain.ReceiptFailed, "reconciled: not applied"); err != nil {
			return receipt, opErr(string(receipt.Status), err)
		}
		receipt.Status = domain.ReceiptFailed
		s.auditLog(ctx, "trade.reconciled", receipt)
		return receipt, nil
	}

	market, err := s.stores.Markets.GetByID(ctx, key.MarketID)
	if err != nil {
		return receipt, opErr(string(receipt.Status), err)
	}
	position, err := s.position(ctx, key.MarketID, key.Participant)
	if err != nil {
		return receipt, opErr(string(receipt.Status), err)
	}
	result := domain.TransferResult{TransferID: transferID, Nonce: key.String()}
	if payer != nil {
		payer.MarkNonceApplied(key.String(), result)
	}
	s.auditLog(ctx, "trade.reconciled", receipt)
	return s.commit(ctx, market, position, receipt, result)
}

// Receipt returns the receipt for key.
func (s *SettlementService) Receipt(ctx context.Context, key domain.TradeKey) (domain.TradeReceipt, error) {
	return s.stores.Receipts.GetByKey(ctx, key.Normalized())
}

func (s *SettlementService) position(ctx context.Context, marketID, participant string) (domain.Position, error) {
	participant = domain.NormalizeAddress(participant)
	p, err := s.stores.Positions.Get(ctx, marketID, participant)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Position{MarketID: marketID, Participant: participant}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("load position: %w", err)
	}
	return p, nil
}

// TradeEvent is the bus payload for a settlement outcome.
type TradeEvent struct {
	TradeID     string               `json:"trade_id"`
	MarketID    string               `json:"market_id"`
	Participant string               `json:"participant"`
	Nonce       string               `json:"nonce"`
	Outcome     domain.Outcome       `json:"outcome"`
	Shares      int64                `json:"shares"`
	Cost        int64                `json:"cost"`
	TransferID  string               `json:"transfer_id,omitempty"`
	Status      domain.ReceiptStatus `json:"status"`
	Error       string               `json:"error,omitempty"`
}

func eventFrom(r domain.TradeReceipt) TradeEvent {
	return TradeEvent{
		TradeID: r.TradeID, MarketID: r.MarketID, Participant: r.Participant, Nonce: r.Nonce,
		Outcome: r.Outcome, Shares: r.SharesDelta, Cost: r.Cost, TransferID: r.TransferID,
		Status: r.Status, Error: r.Error,
	}
}

func (s *SettlementService) publish(ctx context.Context, r domain.TradeReceipt) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(eventFrom(r))
	if err := s.bus.Publish(ctx, TradesChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "settlement: publish event failed",
			slog.String("trade_id", r.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) auditLog(ctx context.Context, event string, r domain.TradeReceipt) {
	if s.stores.Audit == nil {
		return
	}
	if err := s.stores.Audit.Log(ctx, event, map[string]any{
		"trade_id":    r.TradeID,
		"market_id":   r.MarketID,
		"participant": r.Participant,
		"nonce":       r.Nonce,
		"shares":      r.SharesDelta,
		"cost":        r.Cost,
		"transfer_id": r.TransferID,
	}); err != nil {
		s.logger.WarnContext(ctx, "settlement: audit log failed", slog.String("error", err.Error()))
	}
}

func (s *SettlementService) alert(ctx context.Context, event string, r domain.TradeReceipt) {
	if s.notifier == nil {
		return
	}
	msg := fmt.Sprintf("market %s participant %s nonce %s cost %d: %s",
		r.MarketID, r.Participant, r.Nonce, r.Cost, r.Error)
	if err := s.notifier.Notify(ctx, event, "Trade "+string(r.Status), msg); err != nil {
		s.logger.WarnContext(ctx, "settlement: notify failed", slog.String("error", err.Error()))
	}
}

func isInsufficient(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) ||
		(errors.Is(err, domain.ErrRemote) && strings.Contains(strings.ToLower(err.Error()), "insufficient"))
}

func tradeOutcome(r domain.TradeReceipt, err error) string {
	if err == nil {
		return string(domain.ReceiptConfirmed)
	}
	if r.Status != "" && r.Status != domain.ReceiptTransferring {
		return string(r.Status)
	}
	return "rejected"
}

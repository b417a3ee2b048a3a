package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByStatus(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// Transition moves a market forward one status step. Outcome is only
	// recorded when moving to resolved.
	Transition(ctx context.Context, id string, to MarketStatus, outcome Outcome) (Market, error)
}

// PositionStore reads positions. Writes happen only through
// SettlementStore.CommitTrade.
type PositionStore interface {
	Get(ctx context.Context, marketID, participant string) (Position, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// ReceiptStore persists trade receipts keyed by TradeKey.
type ReceiptStore interface {
	// Reserve inserts r if its key is unused and returns (r, true). If the
	// key exists the stored receipt is returned with false.
	Reserve(ctx context.Context, r TradeReceipt) (TradeReceipt, bool, error)
	GetByKey(ctx context.Context, key TradeKey) (TradeReceipt, error)
	SetStatus(ctx context.Context, tradeID string, status ReceiptStatus, errMsg string) error
	// Release deletes a reservation whose transfer definitely did not apply,
	// freeing the key for a retry.
	Release(ctx context.Context, tradeID string) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]TradeReceipt, error)
}

// SettlementStore commits the effects of a confirmed transfer.
type SettlementStore interface {
	// CommitTrade atomically writes the market pools and collateral, the
	// position, and marks the receipt confirmed.
	CommitTrade(ctx context.Context, m Market, p Position, r TradeReceipt) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

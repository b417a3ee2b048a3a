package domain

import (
	"strings"
	"time"
)

// TradeRequest asks to buy (Shares > 0) or sell (Shares < 0) raw shares of
// one outcome. Nonce is supplied by the client and scopes idempotency.
type TradeRequest struct {
	MarketID    string  `json:"market_id" validate:"required"`
	Participant string  `json:"participant" validate:"required,eth_addr"`
	Outcome     Outcome `json:"outcome" validate:"required,oneof=yes no"`
	Shares      int64   `json:"shares" validate:"ne=0"`
	Nonce       string  `json:"nonce" validate:"required,max=128"`
	MaxCost     int64   `json:"max_cost" validate:"gte=0"` // 0 disables the slippage guard
}

// Normalized returns r with the participant address in canonical form so
// that every casing of one account maps to the same key and position.
func (r TradeRequest) Normalized() TradeRequest {
	r.Participant = NormalizeAddress(r.Participant)
	return r
}

// Key returns the idempotency key of the request.
func (r TradeRequest) Key() TradeKey {
	return TradeKey{MarketID: r.MarketID, Participant: r.Participant, Nonce: r.Nonce}
}

// TradeKey identifies one logical trade: market + participant + nonce.
type TradeKey struct {
	MarketID    string
	Participant string
	Nonce       string
}

// Normalized returns k with the participant address in canonical form.
func (k TradeKey) Normalized() TradeKey {
	k.Participant = NormalizeAddress(k.Participant)
	return k
}

// String renders the key as a single token, also used as the transfer nonce.
func (k TradeKey) String() string {
	return k.MarketID + ":" + k.Participant + ":" + k.Nonce
}

// NormalizeAddress is the canonical (lowercase hex) form of an account
// address used in keys, nonces and positions.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ReceiptStatus is the settlement state of a trade.
type ReceiptStatus string

const (
	ReceiptTransferring ReceiptStatus = "transferring"
	ReceiptConfirmed    ReceiptStatus = "confirmed"
	ReceiptFailed       ReceiptStatus = "failed"
	// ReceiptUnknown marks a transfer that was sent but never confirmed.
	// It stays until the caller reconciles against the ledger.
	ReceiptUnknown ReceiptStatus = "unknown"
)

// TradeReceipt is the durable record of a settled (or settling) trade.
type TradeReceipt struct {
	TradeID     string
	MarketID    string
	Participant string
	Nonce       string
	Outcome     Outcome
	SharesDelta int64
	Cost        int64 // positive: paid by participant; negative: refunded
	TransferID  string
	Status      ReceiptStatus
	Error       string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// Key returns the idempotency key of the receipt.
func (r TradeReceipt) Key() TradeKey {
	return TradeKey{MarketID: r.MarketID, Participant: r.Participant, Nonce: r.Nonce}
}

// Quote is a priced but unsettled trade.
type Quote struct {
	MarketID   string
	Outcome    Outcome
	Shares     int64
	Cost       int64
	PriceAfter float64
}

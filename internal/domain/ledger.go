package domain

import (
	"math/big"
	"time"
)

// LedgerSnapshot is an immutable view of off-chain balances in raw units.
// It is always replaced wholesale, never patched.
type LedgerSnapshot struct {
	PerAsset   map[string]*big.Int
	ObservedAt time.Time
}

// Balance returns a copy of the raw balance for asset, zero when absent.
func (s LedgerSnapshot) Balance(asset string) *big.Int {
	if v, ok := s.PerAsset[asset]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Diff returns after-minus-before per asset for every asset present in
// either snapshot. Assets whose balance did not change are omitted.
func (s LedgerSnapshot) Diff(after LedgerSnapshot) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for asset := range s.PerAsset {
		d := new(big.Int).Sub(after.Balance(asset), s.Balance(asset))
		if d.Sign() != 0 {
			out[asset] = d
		}
	}
	for asset := range after.PerAsset {
		if _, seen := s.PerAsset[asset]; seen {
			continue
		}
		if d := after.Balance(asset); d.Sign() != 0 {
			out[asset] = d
		}
	}
	return out
}

// TransferRequest moves Amount raw units of Asset to Destination on the
// ledger. Nonce is the caller's idempotency key for the transfer.
type TransferRequest struct {
	Destination string
	Asset       string
	Amount      *big.Int
	Nonce       string
}

// TransferResult is the network's acknowledgement of an applied transfer.
type TransferResult struct {
	TransferID string
	Nonce      string
	From       string
	To         string
	Asset      string
	Amount     *big.Int
	CreatedAt  time.Time
}

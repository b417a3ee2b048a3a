package domain

import "time"

// MarketStatus represents the lifecycle state of a market. Transitions only
// move forward: open -> closed -> resolved.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

var marketStatusRank = map[MarketStatus]int{
	MarketStatusOpen:     0,
	MarketStatusClosed:   1,
	MarketStatusResolved: 2,
}

// Valid reports whether s is a known lifecycle state.
func (s MarketStatus) Valid() bool {
	_, ok := marketStatusRank[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal,
// forward-only step. Staying in place is not a transition.
func (s MarketStatus) CanTransition(next MarketStatus) bool {
	from, ok1 := marketStatusRank[s]
	to, ok2 := marketStatusRank[next]
	return ok1 && ok2 && to == from+1
}

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Valid reports whether o names a side of the market.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Pools holds outstanding shares per outcome in raw units.
type Pools struct {
	Yes int64
	No  int64
}

// Get returns the share count for o.
func (p Pools) Get(o Outcome) int64 {
	if o == OutcomeYes {
		return p.Yes
	}
	return p.No
}

// Add returns a copy of p with delta applied to outcome o.
func (p Pools) Add(o Outcome, delta int64) Pools {
	if o == OutcomeYes {
		p.Yes += delta
	} else {
		p.No += delta
	}
	return p
}

// Market is an LMSR-priced binary prediction market settled on the ledger.
type Market struct {
	ID            string
	Question      string
	Asset         string // ledger asset trades settle in
	LedgerAddress string // ledger account that receives trade payments
	B             int64  // liquidity parameter in raw units
	Pools         Pools
	Collateral    int64 // subsidy plus net collected cost, raw units
	Status        MarketStatus
	Outcome       Outcome // set only when resolved
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// CreateMarketParams is the admin input for a new market.
type CreateMarketParams struct {
	ID            string `validate:"omitempty,max=64"`
	Question      string `validate:"required,max=512"`
	Asset         string `validate:"required"`
	LedgerAddress string `validate:"required,eth_addr"`
	B             int64  `validate:"gt=0"`
}

package domain

import "time"

// Position is a participant's holdings in one market. CostBasis is the net
// raw amount paid in (refunds from sells reduce it).
type Position struct {
	MarketID    string
	Participant string
	YesShares   int64
	NoShares    int64
	CostBasis   int64
	UpdatedAt   time.Time
}

// Shares returns the holding for outcome o.
func (p Position) Shares(o Outcome) int64 {
	if o == OutcomeYes {
		return p.YesShares
	}
	return p.NoShares
}

// Apply returns p after buying (delta > 0) or selling (delta < 0) shares of
// o for a signed cost.
func (p Position) Apply(o Outcome, delta, cost int64) Position {
	if o == OutcomeYes {
		p.YesShares += delta
	} else {
		p.NoShares += delta
	}
	p.CostBasis += cost
	return p
}

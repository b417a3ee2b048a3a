package domain

import "time"

// Payout is one winner's settlement at resolution.
type Payout struct {
	Participant string `json:"participant"`
	Amount      int64  `json:"amount"`
	TransferID  string `json:"transfer_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ResolutionReport summarises a market resolution. Overdrawn is set when the
// payouts exceed the market's collateral, which indicates a pricing defect.
type ResolutionReport struct {
	MarketID    string    `json:"market_id"`
	Outcome     Outcome   `json:"outcome"`
	Collateral  int64     `json:"collateral"`
	TotalPayout int64     `json:"total_payout"`
	Overdrawn   bool      `json:"overdrawn"`
	Payouts     []Payout  `json:"payouts"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

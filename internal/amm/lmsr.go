// Package amm prices binary markets with the logarithmic market scoring
// rule. All quantities are raw ledger units held in int64; the formulas are
// scale-invariant, so b, pools and trade sizes only need to share a scale.
//
//	C(q) = b * ln(exp(q_yes/b) + exp(q_no/b))
//	p_x  = exp(q_x/b) / (exp(q_yes/b) + exp(q_no/b))
//
// Trade cost uses the equivalent form b*log1p(p_x*expm1(delta/b)), which
// stays accurate for trades that are small relative to b.
package amm

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

var (
	// ErrInvalidLiquidity is returned for b <= 0.
	ErrInvalidLiquidity = errors.New("amm: liquidity parameter must be positive")
	// ErrTradeTooLarge is returned when a cost does not fit the raw range.
	ErrTradeTooLarge = errors.New("amm: trade size out of range")
)

// Cost evaluates the LMSR cost function.
func Cost(b int64, pools domain.Pools) (float64, error) {
	if b <= 0 {
		return 0, ErrInvalidLiquidity
	}
	fb := float64(b)
	y, n := float64(pools.Yes)/fb, float64(pools.No)/fb
	m := math.Max(y, n)
	return fb * (m + math.Log(math.Exp(y-m)+math.Exp(n-m))), nil
}

// Price returns the instantaneous price of outcome o in [0, 1]. The two
// outcome prices always sum to one.
func Price(b int64, pools domain.Pools, o domain.Outcome) (float64, error) {
	if b <= 0 {
		return 0, ErrInvalidLiquidity
	}
	d := float64(pools.Get(o)-pools.Get(other(o))) / float64(b)
	return logistic(d), nil
}

// TradeCost returns the signed raw cost of changing outcome o's pool by
// delta shares. Buys (delta > 0) round up and cost at least 1; sells
// (delta < 0) return a negative cost whose magnitude is rounded down, so
// the market never pays out more than the formula allows.
func TradeCost(b int64, pools domain.Pools, o domain.Outcome, delta int64) (int64, error) {
	if b <= 0 {
		return 0, ErrInvalidLiquidity
	}
	if !o.Valid() {
		return 0, fmt.Errorf("%w: outcome %q", domain.ErrInvalidTrade, o)
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero shares", domain.ErrInvalidTrade)
	}

	p, _ := Price(b, pools, o)
	fb := float64(b)
	x := fb * math.Log1p(p*math.Expm1(float64(delta)/fb))
	if math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) >= math.MaxInt64/2 {
		return 0, ErrTradeTooLarge
	}

	if delta > 0 {
		cost := int64(math.Ceil(x))
		if cost < 1 {
			cost = 1
		}
		return cost, nil
	}
	refund := int64(math.Floor(-x))
	if refund < 0 {
		refund = 0
	}
	return -refund, nil
}

// Subsidy is the market maker's worst-case loss, ceil(b * ln 2), which is
// the collateral a new market must hold before any trade.
func Subsidy(b int64) (int64, error) {
	if b <= 0 {
		return 0, ErrInvalidLiquidity
	}
	return int64(math.Ceil(float64(b) * math.Ln2)), nil
}

// Quote prices a trade against m's current pools.
func Quote(m domain.Market, o domain.Outcome, delta int64) (domain.Quote, error) {
	cost, err := TradeCost(m.B, m.Pools, o, delta)
	if err != nil {
		return domain.Quote{}, err
	}
	after, err := Price(m.B, m.Pools.Add(o, delta), o)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{MarketID: m.ID, Outcome: o, Shares: delta, Cost: cost, PriceAfter: after}, nil
}

// ResolutionPayout computes what each position is owed when outcome wins:
// one raw unit per winning share. Overdrawn reports payouts exceeding
// collateral. It is a flag, not a guard; callers decide what to do.
func ResolutionPayout(positions []domain.Position, outcome domain.Outcome, collateral int64) (payouts []domain.Payout, total int64, overdrawn bool) {
	for _, pos := range positions {
		shares := pos.Shares(outcome)
		if shares <= 0 {
			continue
		}
		payouts = append(payouts, domain.Payout{Participant: pos.Participant, Amount: shares})
		total += shares
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].Participant < payouts[j].Participant })
	return payouts, total, total > collateral
}

func other(o domain.Outcome) domain.Outcome {
	if o == domain.OutcomeYes {
		return domain.OutcomeNo
	}
	return domain.OutcomeYes
}

func logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

package amm_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/amm"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// b = 100 at 6 decimals.
const b = 100_000_000

func TestPrice_SumsToOne(t *testing.T) {
	pools := []domain.Pools{
		{}, {Yes: 10_000_000}, {No: 250_000_000}, {Yes: -5_000_000, No: 7},
		{Yes: 4_000_000_000, No: 1}, {Yes: 123_456_789, No: 987_654_321},
	}
	for _, p := range pools {
		yes, err := amm.Price(b, p, domain.OutcomeYes)
		require.NoError(t, err)
		no, err := amm.Price(b, p, domain.OutcomeNo)
		require.NoError(t, err)
		require.InDelta(t, 1.0, yes+no, 1e-12, "pools %+v", p)
		require.GreaterOrEqual(t, yes, 0.0)
		require.LessOrEqual(t, yes, 1.0)
	}
}

func TestTradeCost_ScenarioA(t *testing.T) {
	// Buying 10 YES shares from an empty b=100 pool costs about 5.12 and
	// moves the YES price to about 0.525.
	cost, err := amm.TradeCost(b, domain.Pools{}, domain.OutcomeYes, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(5_124_948), cost)
	require.InDelta(t, 5.12, float64(cost)/1e6, 0.01)

	q, err := amm.Quote(domain.Market{B: b}, domain.OutcomeYes, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, cost, q.Cost)
	require.InDelta(t, 0.525, q.PriceAfter, 0.001)

	// Cross-check against the cost function itself.
	before, err := amm.Cost(b, domain.Pools{})
	require.NoError(t, err)
	after, err := amm.Cost(b, domain.Pools{Yes: 10_000_000})
	require.NoError(t, err)
	require.InDelta(t, after-before, float64(cost), 1.0)
}

func TestTradeCost_PositiveAndIncreasing(t *testing.T) {
	pools := domain.Pools{Yes: 30_000_000, No: 12_000_000}
	prev := int64(0)
	for shares := int64(1_000_000); shares <= 50_000_000; shares += 1_000_000 {
		cost, err := amm.TradeCost(b, pools, domain.OutcomeNo, shares)
		require.NoError(t, err)
		require.Greater(t, cost, prev, "shares %d", shares)
		prev = cost
	}

	// Tiny trades still cost at least one unit.
	for _, shares := range []int64{1, 2, 3} {
		cost, err := amm.TradeCost(b, pools, domain.OutcomeYes, shares)
		require.NoError(t, err)
		require.GreaterOrEqual(t, cost, int64(1))
	}
}

func TestTradeCost_SlippageRaisesMarginalPrice(t *testing.T) {
	first, err := amm.TradeCost(b, domain.Pools{}, domain.OutcomeYes, 5_000_000)
	require.NoError(t, err)
	second, err := amm.TradeCost(b, domain.Pools{Yes: 5_000_000}, domain.OutcomeYes, 5_000_000)
	require.NoError(t, err)
	require.Greater(t, second, first)
}

func TestTradeCost_RoundTripNeverProfits(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		pools := domain.Pools{Yes: r.Int64N(400_000_000), No: r.Int64N(400_000_000)}
		o := domain.OutcomeYes
		if r.IntN(2) == 1 {
			o = domain.OutcomeNo
		}
		shares := 1 + r.Int64N(80_000_000)

		cost, err := amm.TradeCost(b, pools, o, shares)
		require.NoError(t, err)
		refund, err := amm.TradeCost(b, pools.Add(o, shares), o, -shares)
		require.NoError(t, err)
		require.LessOrEqual(t, refund, int64(0))

		net := cost + refund
		require.GreaterOrEqual(t, net, int64(0), "buy %d then sell returned more than paid", shares)
		require.LessOrEqual(t, net, int64(2))
	}
}

func TestTradeCost_Errors(t *testing.T) {
	_, err := amm.TradeCost(0, domain.Pools{}, domain.OutcomeYes, 1)
	require.ErrorIs(t, err, amm.ErrInvalidLiquidity)
	_, err = amm.TradeCost(b, domain.Pools{}, domain.OutcomeYes, 0)
	require.ErrorIs(t, err, domain.ErrInvalidTrade)
	_, err = amm.TradeCost(b, domain.Pools{}, domain.Outcome("maybe"), 1)
	require.ErrorIs(t, err, domain.ErrInvalidTrade)
	_, err = amm.TradeCost(1, domain.Pools{}, domain.OutcomeYes, math.MaxInt64)
	require.ErrorIs(t, err, amm.ErrTradeTooLarge)
}

func TestSubsidy(t *testing.T) {
	s, err := amm.Subsidy(b)
	require.NoError(t, err)
	require.Equal(t, int64(69_314_719), s)
	_, err = amm.Subsidy(-1)
	require.ErrorIs(t, err, amm.ErrInvalidLiquidity)
}

// Simulates random trading and checks that the winning side can always be
// paid from subsidy plus collected cost.
func TestResolutionPayout_BoundedBySubsidyPlusCost(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 50; round++ {
		subsidy, err := amm.Subsidy(b)
		require.NoError(t, err)
		collateral := subsidy
		pools := domain.Pools{}
		positions := map[string]domain.Position{}

		for i := 0; i < 40; i++ {
			who := []string{"0xa", "0xb", "0xc"}[r.IntN(3)]
			o := domain.OutcomeYes
			if r.IntN(2) == 1 {
				o = domain.OutcomeNo
			}
			pos := positions[who]
			pos.Participant = who
			shares := 1 + r.Int64N(40_000_000)
			if held := pos.Shares(o); held > 0 && r.IntN(3) == 0 {
				shares = -(1 + r.Int64N(held))
			}
			cost, err := amm.TradeCost(b, pools, o, shares)
			require.NoError(t, err)
			pools = pools.Add(o, shares)
			collateral += cost
			positions[who] = pos.Apply(o, shares, cost)
		}

		list := make([]domain.Position, 0, len(positions))
		for _, p := range positions {
			list = append(list, p)
		}
		for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
			payouts, total, overdrawn := amm.ResolutionPayout(list, outcome, collateral)
			require.False(t, overdrawn, "round %d outcome %s: payout %d > collateral %d", round, outcome, total, collateral)
			require.Equal(t, pools.Get(outcome), total)
			for _, p := range payouts {
				require.Positive(t, p.Amount)
			}
		}
	}
}

func TestResolutionPayout_FlagsOverdraw(t *testing.T) {
	positions := []domain.Position{
		{Participant: "0xb", YesShares: 70},
		{Participant: "0xa", YesShares: 50, NoShares: 10},
		{Participant: "0xc", NoShares: 5},
	}
	payouts, total, overdrawn := amm.ResolutionPayout(positions, domain.OutcomeYes, 100)
	require.Equal(t, int64(120), total)
	require.True(t, overdrawn)
	require.Len(t, payouts, 2)
	require.Equal(t, "0xa", payouts[0].Participant)
}

package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/store/memory"
)

func TestMarketLifecycle(t *testing.T) {
	ctx := context.Background()
	markets := memory.New().Markets()

	m := domain.Market{ID: "m1", Question: "q", B: 100, Status: domain.MarketStatusOpen}
	require.NoError(t, markets.Create(ctx, m))
	require.ErrorIs(t, markets.Create(ctx, m), domain.ErrAlreadyExists)

	_, err := markets.Transition(ctx, "m1", domain.MarketStatusResolved, domain.OutcomeYes)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	closed, err := markets.Transition(ctx, "m1", domain.MarketStatusClosed, "")
	require.NoError(t, err)
	require.Equal(t, domain.MarketStatusClosed, closed.Status)
	require.Nil(t, closed.ResolvedAt)

	resolved, err := markets.Transition(ctx, "m1", domain.MarketStatusResolved, domain.OutcomeNo)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNo, resolved.Outcome)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = markets.Transition(ctx, "m1", domain.MarketStatusOpen, "")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = markets.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	list, err := markets.ListByStatus(ctx, domain.MarketStatusResolved, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReceiptReserveIsKeyed(t *testing.T) {
	ctx := context.Background()
	receipts := memory.New().Receipts()

	first := domain.TradeReceipt{TradeID: "t1", MarketID: "m", Participant: "p", Nonce: "n", Status: domain.ReceiptTransferring}
	got, created, err := receipts.Reserve(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "t1", got.TradeID)

	dup := first
	dup.TradeID = "t2"
	got, created, err = receipts.Reserve(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "t1", got.TradeID)

	require.NoError(t, receipts.SetStatus(ctx, "t1", domain.ReceiptUnknown, "timeout"))
	byKey, err := receipts.GetByKey(ctx, first.Key())
	require.NoError(t, err)
	require.Equal(t, domain.ReceiptUnknown, byKey.Status)

	require.NoError(t, receipts.Release(ctx, "t1"))
	_, err = receipts.GetByKey(ctx, first.Key())
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, created, err = receipts.Reserve(ctx, dup)
	require.NoError(t, err)
	require.True(t, created)
}

func TestCommitTrade(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	m := domain.Market{ID: "m", B: 100, Status: domain.MarketStatusOpen}
	require.NoError(t, db.Markets().Create(ctx, m))

	r := domain.TradeReceipt{TradeID: "t", MarketID: "m", Participant: "p", Nonce: "1", Status: domain.ReceiptTransferring}
	_, _, err := db.Receipts().Reserve(ctx, r)
	require.NoError(t, err)

	m.Pools = m.Pools.Add(domain.OutcomeYes, 10)
	m.Collateral = 75
	p := domain.Position{MarketID: "m", Participant: "p"}.Apply(domain.OutcomeYes, 10, 6)
	r.Cost, r.SharesDelta, r.TransferID = 6, 10, "42"
	require.NoError(t, db.Settlement().CommitTrade(ctx, m, p, r))

	stored, err := db.Markets().GetByID(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, int64(10), stored.Pools.Yes)
	require.Equal(t, int64(75), stored.Collateral)

	pos, err := db.Positions().Get(ctx, "m", "p")
	require.NoError(t, err)
	require.Equal(t, int64(10), pos.YesShares)
	require.Equal(t, int64(6), pos.CostBasis)

	rec, err := db.Receipts().GetByKey(ctx, r.Key())
	require.NoError(t, err)
	require.Equal(t, domain.ReceiptConfirmed, rec.Status)
	require.NotNil(t, rec.ConfirmedAt)

	require.ErrorIs(t, db.Settlement().CommitTrade(ctx, m, p, r), domain.ErrAlreadyExists)
}

func TestAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	audit := memory.New().Audit()
	for i := 0; i < 5; i++ {
		require.NoError(t, audit.Log(ctx, fmt.Sprintf("e%d", i), map[string]any{"i": i}))
	}
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "e3", entries[0].Event)
	require.Equal(t, "e2", entries[1].Event)
}

package executor_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/executor"
	"github.com/alanyoungcy/ledgermarket/internal/service"
)

type memBus struct {
	mu        sync.Mutex
	entries   []domain.StreamMessage
	published [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, domain.StreamMessage{ID: strconv.Itoa(len(b.entries) + 1), Payload: payload})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after := 0
	if lastID != "$" {
		after, _ = strconv.Atoi(lastID)
	}
	var out []domain.StreamMessage
	for _, e := range b.entries {
		id, _ := strconv.Atoi(e.ID)
		if id > after && len(out) < count {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *memBus) events(t *testing.T) []service.TradeEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []service.TradeEvent
	for _, p := range b.published {
		var ev service.TradeEvent
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

type fakeTrader struct {
	mu    sync.Mutex
	calls []domain.TradeRequest
	err   error
}

func (f *fakeTrader) Trade(_ context.Context, req domain.TradeRequest) (domain.TradeReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return domain.TradeReceipt{}, f.err
	}
	return domain.TradeReceipt{TradeID: "t-" + req.Nonce, Status: domain.ReceiptConfirmed}, nil
}

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type denyAfter struct {
	mu   sync.Mutex
	seen map[string]int
}

func (d *denyAfter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]int)
	}
	d.seen[key]++
	return d.seen[key] <= limit, nil
}

const participant = "0x1111111111111111111111111111111111111111"

func appendRequest(t *testing.T, bus *memBus, nonce string) {
	t.Helper()
	payload, err := json.Marshal(domain.TradeRequest{
		MarketID: "m1", Participant: participant, Outcome: domain.OutcomeYes, Shares: 10, Nonce: nonce,
	})
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), executor.RequestStream, payload))
}

func runUntil(t *testing.T, e *executor.Executor, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	require.Eventually(t, done, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestExecutor_SettlesEachEntry(t *testing.T) {
	bus := &memBus{}
	trader := &fakeTrader{}
	appendRequest(t, bus, "1")
	appendRequest(t, bus, "2")

	e := executor.NewExecutor(bus, trader, nil, executor.WithStartID("0"))
	runUntil(t, e, func() bool { return trader.count() == 2 })

	require.Equal(t, "1", trader.calls[0].Nonce)
	require.Equal(t, "2", trader.calls[1].Nonce)
	require.Empty(t, bus.events(t))
}

func TestExecutor_RateLimitRejects(t *testing.T) {
	bus := &memBus{}
	trader := &fakeTrader{}
	for i := 1; i <= 3; i++ {
		appendRequest(t, bus, strconv.Itoa(i))
	}

	e := executor.NewExecutor(bus, trader, nil,
		executor.WithStartID("0"),
		executor.WithRateLimit(&denyAfter{}, 2, time.Minute),
	)
	runUntil(t, e, func() bool { return len(bus.events(t)) == 1 })

	require.Equal(t, 2, trader.count())
	ev := bus.events(t)[0]
	require.Equal(t, "3", ev.Nonce)
	require.Equal(t, domain.ReceiptStatus("rejected"), ev.Status)
	require.Contains(t, ev.Error, domain.ErrRateLimited.Error())
}

func TestExecutor_RejectsUndecodableAndUnsettled(t *testing.T) {
	bus := &memBus{}
	trader := &fakeTrader{err: domain.ErrMarketNotOpen}
	require.NoError(t, bus.StreamAppend(context.Background(), executor.RequestStream, []byte("{not json")))
	appendRequest(t, bus, "1")

	e := executor.NewExecutor(bus, trader, nil, executor.WithStartID("0"))
	runUntil(t, e, func() bool { return len(bus.events(t)) == 2 })

	evs := bus.events(t)
	require.Contains(t, evs[0].Error, domain.ErrInvalidTrade.Error())
	require.Equal(t, "1", evs[1].Nonce)
	require.Contains(t, evs[1].Error, domain.ErrMarketNotOpen.Error())
	require.Equal(t, 1, trader.count())
}

func TestDedup(t *testing.T) {
	d := executor.NewDedup(time.Hour)
	require.False(t, d.IsDuplicate("a"))
	require.True(t, d.IsDuplicate("a"))
	require.False(t, d.IsDuplicate("b"))

	short := executor.NewDedup(time.Nanosecond)
	require.False(t, short.IsDuplicate("a"))
	time.Sleep(time.Millisecond)
	short.Cleanup()
	require.Zero(t, short.Len())
	require.False(t, short.IsDuplicate("a"))
	require.Equal(t, 1, short.Len())
}

type fakeMarkets struct {
	created  []domain.CreateMarketParams
	resolved map[string]domain.Outcome
	listed   []domain.MarketStatus
	opts     domain.ListOpts
}

func (f *fakeMarkets) CreateMarket(_ context.Context, p domain.CreateMarketParams) (domain.Market, error) {
	f.created = append(f.created, p)
	return domain.Market{ID: p.ID, B: p.B, Asset: p.Asset, Status: domain.MarketStatusOpen}, nil
}

func (f *fakeMarkets) CloseMarket(_ context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeMarkets) ResolveMarket(_ context.Context, id string, o domain.Outcome) (domain.ResolutionReport, error) {
	if f.resolved == nil {
		f.resolved = make(map[string]domain.Outcome)
	}
	f.resolved[id] = o
	return domain.ResolutionReport{MarketID: id, Outcome: o}, nil
}

func (f *fakeMarkets) ListMarkets(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	f.listed = append(f.listed, status)
	f.opts = opts
	return []domain.Market{{ID: "m1", Status: status}}, nil
}

type fakeReconciler struct{ keys []domain.TradeKey }

func (f *fakeReconciler) ReconcileTrade(_ context.Context, key domain.TradeKey, applied bool, transferID string) (domain.TradeReceipt, error) {
	f.keys = append(f.keys, key)
	return domain.TradeReceipt{Status: domain.ReceiptConfirmed, TransferID: transferID}, nil
}

func TestAdmin_Apply(t *testing.T) {
	ctx := context.Background()
	markets := &fakeMarkets{}
	rec := &fakeReconciler{}
	a := executor.NewAdmin(&memBus{}, markets, rec, 5000, "usdc", nil)

	_, err := a.Apply(ctx, executor.Command{Op: executor.OpCreateMarket, MarketID: "m1", Question: "q"})
	require.NoError(t, err)
	require.Equal(t, int64(5000), markets.created[0].B)
	require.Equal(t, "usdc", markets.created[0].Asset)

	_, err = a.Apply(ctx, executor.Command{Op: executor.OpResolveMarket, MarketID: "m1", Outcome: domain.OutcomeNo})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNo, markets.resolved["m1"])

	_, err = a.Apply(ctx, executor.Command{Op: executor.OpReconcileTrade, MarketID: "m1", Participant: participant, Nonce: "7", Applied: true})
	require.NoError(t, err)
	require.Equal(t, domain.TradeKey{MarketID: "m1", Participant: participant, Nonce: "7"}, rec.keys[0])

	_, err = a.Apply(ctx, executor.Command{Op: "drop_tables"})
	require.ErrorIs(t, err, domain.ErrInvalidTrade)
}

func TestAdmin_ListMarkets(t *testing.T) {
	ctx := context.Background()
	markets := &fakeMarkets{}
	a := executor.NewAdmin(&memBus{}, markets, &fakeReconciler{}, 1, "usdc", nil)

	out, err := a.Apply(ctx, executor.Command{Op: executor.OpListMarkets})
	require.NoError(t, err)
	require.Equal(t, []domain.Market{{ID: "m1", Status: domain.MarketStatusOpen}}, out)

	_, err = a.Apply(ctx, executor.Command{Op: executor.OpListMarkets, Status: "resolved", Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.Equal(t, []domain.MarketStatus{domain.MarketStatusOpen, domain.MarketStatusResolved}, markets.listed)
	require.Equal(t, domain.ListOpts{Limit: 5, Offset: 10}, markets.opts)

	_, err = a.Apply(ctx, executor.Command{Op: executor.OpListMarkets, Status: "pending"})
	require.ErrorIs(t, err, domain.ErrInvalidTrade)
	require.Len(t, markets.listed, 2)
}

func TestAdmin_RunPublishesResults(t *testing.T) {
	bus := &memBus{}
	payload, _ := json.Marshal(executor.Command{ID: "c1", Op: executor.OpCloseMarket, MarketID: "m9"})
	require.NoError(t, bus.StreamAppend(context.Background(), executor.CommandStream, payload))

	a := executor.NewAdmin(bus, &fakeMarkets{}, &fakeReconciler{}, 1, "usdc", nil)
	a.SetStartID("0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.published) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	var res executor.CommandResult
	require.NoError(t, json.Unmarshal(bus.published[0], &res))
	require.Equal(t, "c1", res.ID)
	require.False(t, res.OK)
	require.Contains(t, res.Error, domain.ErrNotFound.Error())
}

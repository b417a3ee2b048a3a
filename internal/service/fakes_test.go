package service_test

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/service"
	"github.com/alanyoungcy/ledgermarket/internal/store/memory"
)

const (
	asset    = "usdc"
	alice    = "0xa11ce00000000000000000000000000000000001"
	bob      = "0xb0b0000000000000000000000000000000000002"
	treasury = "0x7ea5000000000000000000000000000000000003"
)

// fakeLedger applies each nonce once, like the clearing node's client.
type fakeLedger struct {
	mu        sync.Mutex
	addr      string
	balance   int64
	applied   map[string]domain.TransferResult
	transfers []domain.TransferRequest
	released  []string
	seq       int

	// failNext is returned by the next Transfer. With applyThenFail the
	// transfer moves value before failing, like a lost acknowledgement.
	failNext      error
	applyThenFail bool
	delay         time.Duration
}

func newLedger(addr string, balance int64) *fakeLedger {
	return &fakeLedger{addr: addr, balance: balance, applied: make(map[string]domain.TransferResult)}
}

func (l *fakeLedger) Address() string { return l.addr }

func (l *fakeLedger) Transfer(_ context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, ok := l.applied[req.Nonce]; ok {
		return res, nil
	}
	if err := l.failNext; err != nil {
		l.failNext = nil
		if l.applyThenFail {
			l.apply(req)
		}
		return domain.TransferResult{}, err
	}
	if req.Amount.Int64() > l.balance {
		return domain.TransferResult{}, fmt.Errorf("%w: remote error: insufficient funds", domain.ErrRemote)
	}
	return l.apply(req), nil
}

func (l *fakeLedger) apply(req domain.TransferRequest) domain.TransferResult {
	l.seq++
	l.balance -= req.Amount.Int64()
	l.transfers = append(l.transfers, req)
	res := domain.TransferResult{
		TransferID: fmt.Sprintf("tx-%d", l.seq),
		Nonce:      req.Nonce,
		From:       l.addr,
		To:         req.Destination,
		Asset:      req.Asset,
		Amount:     new(big.Int).Set(req.Amount),
	}
	l.applied[req.Nonce] = res
	return res
}

func (l *fakeLedger) GetLedgerBalances(context.Context) (domain.LedgerSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.LedgerSnapshot{PerAsset: map[string]*big.Int{asset: big.NewInt(l.balance)}}, nil
}

func (l *fakeLedger) ReleaseNonce(nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, nonce)
	delete(l.applied, nonce)
	return nil
}

func (l *fakeLedger) MarkNonceApplied(nonce string, result domain.TransferResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[nonce] = result
}

func (l *fakeLedger) sent() []domain.TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.TransferRequest(nil), l.transfers...)
}

// payers maps participants to their sessions.
type payers map[string]service.Ledger

func (p payers) PayerFor(participant string) (service.Ledger, error) {
	if l, ok := p[strings.ToLower(participant)]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: no session for %s", domain.ErrInvalidTrade, participant)
}

type recordedAlert struct{ event, title, msg string }

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (n *fakeNotifier) Notify(_ context.Context, event, title, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, recordedAlert{event, title, msg})
	return nil
}

func (n *fakeNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, a := range n.alerts {
		out = append(out, a.event)
	}
	return out
}

type memArchiver struct {
	mu      sync.Mutex
	reports map[string]domain.ResolutionReport
}

func (a *memArchiver) Archive(_ context.Context, r domain.ResolutionReport) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reports == nil {
		a.reports = make(map[string]domain.ResolutionReport)
	}
	a.reports[r.MarketID] = r
	return "resolutions/" + r.MarketID + "/report.json", nil
}

func (a *memArchiver) Load(_ context.Context, marketID string) (domain.ResolutionReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reports[marketID]
	if !ok {
		return domain.ResolutionReport{}, domain.ErrNotFound
	}
	return r, nil
}

type harness struct {
	db       *memory.DB
	stores   service.SettlementStores
	alice    *fakeLedger
	bob      *fakeLedger
	treasury *fakeLedger
	notifier *fakeNotifier
	archiver *memArchiver
	settle   *service.SettlementService
	markets  *service.MarketService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := memory.New()
	h := &harness{
		db: db,
		stores: service.SettlementStores{
			Markets:    db.Markets(),
			Positions:  db.Positions(),
			Receipts:   db.Receipts(),
			Settlement: db.Settlement(),
			Audit:      db.Audit(),
		},
		alice:    newLedger(alice, 1_000_000),
		bob:      newLedger(bob, 1_000_000),
		treasury: newLedger(treasury, 1_000_000),
		notifier: &fakeNotifier{},
		archiver: &memArchiver{},
	}
	h.settle = service.NewSettlementService(h.stores, payers{alice: h.alice, bob: h.bob}, nil,
		service.WithTreasury(h.treasury),
		service.WithNotifier(h.notifier),
	)
	h.markets = service.NewMarketService(h.settle, h.treasury, nil,
		service.WithArchiver(h.archiver),
		service.WithMarketNotifier(h.notifier),
	)
	return h
}

func (h *harness) market(t *testing.T, id string, b int64) domain.Market {
	t.Helper()
	m, err := h.markets.CreateMarket(context.Background(), domain.CreateMarketParams{
		ID: id, Question: "Will it rain?", Asset: asset, B: b,
	})
	require.NoError(t, err)
	return m
}

func buy(market, participant string, o domain.Outcome, shares int64, nonce string) domain.TradeRequest {
	return domain.TradeRequest{MarketID: market, Participant: participant, Outcome: o, Shares: shares, Nonce: nonce}
}

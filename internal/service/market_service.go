package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ledgermarket/internal/amm"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/metrics"
	"github.com/alanyoungcy/ledgermarket/internal/notify"
)

// MarketsChannel is the bus channel market lifecycle events go to.
const MarketsChannel = "markets"

// MarketService creates, closes and resolves markets. Resolution pays each
// winning position from the treasury session and archives a report.
type MarketService struct {
	stores     SettlementStores
	settlement *SettlementService // shares its per-market locks
	treasury   Ledger
	archiver   domain.ResolutionArchiver
	bus        domain.SignalBus
	notifier   Notifier
	metrics    *metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// MarketOption customises a MarketService.
type MarketOption func(*MarketService)

// WithArchiver stores resolution reports.
func WithArchiver(a domain.ResolutionArchiver) MarketOption {
	return func(s *MarketService) { s.archiver = a }
}

// WithMarketBus publishes market lifecycle events.
func WithMarketBus(b domain.SignalBus) MarketOption { return func(s *MarketService) { s.bus = b } }

// WithMarketNotifier sends resolution alerts.
func WithMarketNotifier(n Notifier) MarketOption { return func(s *MarketService) { s.notifier = n } }

// WithMarketMetrics records payouts.
func WithMarketMetrics(r *metrics.Recorder) MarketOption {
	return func(s *MarketService) { s.metrics = r }
}

// NewMarketService creates a MarketService. treasury may be nil, in which
// case markets can be created and closed but not resolved.
func NewMarketService(settlement *SettlementService, treasury Ledger, logger *slog.Logger, opts ...MarketOption) *MarketService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MarketService{
		stores:     settlement.stores,
		settlement: settlement,
		treasury:   treasury,
		logger:     logger.With(slog.String("component", "markets")),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateMarket opens a market seeded with the LMSR subsidy as collateral.
// With a treasury session the ledger address defaults to the treasury and
// its balance must cover the subsidy.
func (s *MarketService) CreateMarket(ctx context.Context, params domain.CreateMarketParams) (domain.Market, error) {
	if params.LedgerAddress == "" && s.treasury != nil {
		params.LedgerAddress = s.treasury.Address()
	}
	if err := validateStruct(params); err != nil {
		return domain.Market{}, &domain.OpError{Op: "create_market", Err: err}
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	subsidy, err := amm.Subsidy(params.B)
	if err != nil {
		return domain.Market{}, &domain.OpError{Op: "create_market", Err: fmt.Errorf("%w: %w", domain.ErrInvalidTrade, err)}
	}

	if s.treasury != nil && strings.EqualFold(s.treasury.Address(), params.LedgerAddress) {
		snap, err := s.treasury.GetLedgerBalances(ctx)
		if err != nil {
			return domain.Market{}, &domain.OpError{Op: "create_market", Err: fmt.Errorf("treasury balance: %w", err)}
		}
		if have := snap.Balance(params.Asset); have.Cmp(big.NewInt(subsidy)) < 0 {
			return domain.Market{}, &domain.OpError{Op: "create_market", Err: fmt.Errorf(
				"%w: treasury holds %s %s, subsidy needs %d", domain.ErrInsufficientBalance, have, params.Asset, subsidy)}
		}
	}

	now := s.now()
	m := domain.Market{
		ID:            params.ID,
		Question:      params.Question,
		Asset:         params.Asset,
		LedgerAddress: params.LedgerAddress,
		B:             params.B,
		Collateral:    subsidy,
		Status:        domain.MarketStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.stores.Markets.Create(ctx, m); err != nil {
		return domain.Market{}, &domain.OpError{Op: "create_market", Err: err}
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market", m.ID),
		slog.Int64("b", m.B),
		slog.Int64("subsidy", subsidy),
	)
	s.audit(ctx, "market.created", map[string]any{"market_id": m.ID, "b": m.B, "subsidy": subsidy, "asset": m.Asset})
	s.publish(ctx, "market_created", m)
	return m, nil
}

// CloseMarket stops trading on an open market.
func (s *MarketService) CloseMarket(ctx context.Context, id string) (domain.Market, error) {
	unlock, err := s.settlement.locks.lock(ctx, id)
	if err != nil {
		return domain.Market{}, &domain.OpError{Op: "close_market", Err: err}
	}
	defer unlock()

	m, err := s.stores.Markets.Transition(ctx, id, domain.MarketStatusClosed, "")
	if err != nil {
		return m, &domain.OpError{Op: "close_market", State: string(m.Status), Err: err}
	}
	s.audit(ctx, "market.closed", map[string]any{"market_id": id})
	s.publish(ctx, "market_closed", m)
	return m, nil
}

// ResolveMarket fixes the winning outcome and pays one raw unit per winning
// share from the treasury. An open market is closed first. Each payout uses
// the nonce "payout:{market}:{participant}", so re-running a resolution
// whose payouts partly failed never pays anyone twice. Payouts above the
// market's collateral are flagged in the report and alerted, not blocked.
func (s *MarketService) ResolveMarket(ctx context.Context, id string, outcome domain.Outcome) (domain.ResolutionReport, error) {
	opErr := func(state string, err error) error {
		return &domain.OpError{Op: "resolve_market", State: state, Err: err}
	}
	if !outcome.Valid() {
		return domain.ResolutionReport{}, opErr("", fmt.Errorf("%w: outcome %q", domain.ErrInvalidTrade, outcome))
	}
	if s.treasury == nil {
		return domain.ResolutionReport{}, opErr("", fmt.Errorf("%w: resolution needs a treasury session", domain.ErrInvalidState))
	}

	unlock, err := s.settlement.locks.lock(ctx, id)
	if err != nil {
		return domain.ResolutionReport{}, opErr("", err)
	}
	defer unlock()

	m, err := s.stores.Markets.GetByID(ctx, id)
	if err != nil {
		return domain.ResolutionReport{}, opErr("", err)
	}
	switch m.Status {
	case domain.MarketStatusResolved:
		if m.Outcome != outcome {
			return domain.ResolutionReport{}, opErr(string(m.Status),
				fmt.Errorf("%w: already resolved %s", domain.ErrInvalidState, m.Outcome))
		}
		if s.archiver != nil {
			if report, err := s.archiver.Load(ctx, id); err == nil && paidInFull(report) {
				return report, nil
			}
		}
	case domain.MarketStatusOpen:
		if m, err = s.stores.Markets.Transition(ctx, id, domain.MarketStatusClosed, ""); err != nil {
			return domain.ResolutionReport{}, opErr(string(m.Status), err)
		}
	}

	positions, err := s.stores.Positions.ListByMarket(ctx, id)
	if err != nil {
		return domain.ResolutionReport{}, opErr(string(m.Status), err)
	}
	payouts, total, overdrawn := amm.ResolutionPayout(positions, outcome, m.Collateral)
	if overdrawn {
		s.logger.ErrorContext(ctx, "resolution payouts exceed collateral",
			slog.String("market", id),
			slog.Int64("total", total),
			slog.Int64("collateral", m.Collateral),
		)
		s.alert(ctx, notify.EventPayoutOverdrawn, "Payout overdrawn",
			fmt.Sprintf("market %s pays %d against collateral %d", id, total, m.Collateral))
	}

	var failed int
	for i := range payouts {
		p := &payouts[i]
		res, err := s.treasury.Transfer(ctx, domain.TransferRequest{
			Destination: p.Participant,
			Asset:       m.Asset,
			Amount:      big.NewInt(p.Amount),
			Nonce:       payoutNonce(id, p.Participant),
		})
		if err != nil {
			failed++
			p.Error = err.Error()
			s.metrics.RecordPayout("failed")
			s.logger.WarnContext(ctx, "payout failed",
				slog.String("market", id),
				slog.String("participant", p.Participant),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.TransferID = res.TransferID
		s.metrics.RecordPayout("paid")
	}

	now := s.now()
	report := domain.ResolutionReport{
		MarketID:    id,
		Outcome:     outcome,
		Collateral:  m.Collateral,
		TotalPayout: total,
		Overdrawn:   overdrawn,
		Payouts:     payouts,
		ResolvedAt:  now,
	}

	if m.Status != domain.MarketStatusResolved {
		if m, err = s.stores.Markets.Transition(ctx, id, domain.MarketStatusResolved, outcome); err != nil {
			return report, opErr(string(m.Status), err)
		}
	}
	if m.ResolvedAt != nil {
		report.ResolvedAt = *m.ResolvedAt
	}

	if s.archiver != nil {
		if path, err := s.archiver.Archive(ctx, report); err != nil {
			s.logger.WarnContext(ctx, "archive resolution failed", slog.String("market", id), slog.String("error", err.Error()))
		} else {
			s.logger.InfoContext(ctx, "resolution archived", slog.String("path", path))
		}
	}
	s.audit(ctx, "market.resolved", map[string]any{
		"market_id": id, "outcome": string(outcome), "total_payout": total,
		"payouts": len(payouts), "failed": failed, "overdrawn": overdrawn,
	})
	s.publish(ctx, "market_resolved", m)
	s.alert(ctx, notify.EventMarketResolved, "Market resolved",
		fmt.Sprintf("market %s resolved %s: %d payouts totalling %d, %d failed", id, outcome, len(payouts), total, failed))

	if failed > 0 {
		return report, opErr(string(m.Status), fmt.Errorf("%w: %d of %d payouts failed", domain.ErrSettlementFailed, failed, len(payouts)))
	}
	return report, nil
}

// GetMarket returns a market by id.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.stores.Markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns markets in status.
func (s *MarketService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	return s.stores.Markets.ListByStatus(ctx, status, opts)
}

// GetPosition returns a participant's position, zero-valued if they never
// traded the market.
func (s *MarketService) GetPosition(ctx context.Context, marketID, participant string) (domain.Position, error) {
	return s.settlement.position(ctx, marketID, participant)
}

// Quote prices a trade without settling it.
func (s *MarketService) Quote(ctx context.Context, marketID string, outcome domain.Outcome, shares int64) (domain.Quote, error) {
	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Quote{}, err
	}
	return amm.Quote(m, outcome, shares)
}

func paidInFull(r domain.ResolutionReport) bool {
	for _, p := range r.Payouts {
		if p.Error != "" {
			return false
		}
	}
	return true
}

func payoutNonce(marketID, participant string) string {
	return "payout:" + marketID + ":" + strings.ToLower(participant)
}

type marketEvent struct {
	Event    string              `json:"event"`
	MarketID string              `json:"market_id"`
	Status   domain.MarketStatus `json:"status"`
	Outcome  domain.Outcome      `json:"outcome,omitempty"`
	PoolYes  int64               `json:"pool_yes"`
	PoolNo   int64               `json:"pool_no"`
}

func (s *MarketService) publish(ctx context.Context, event string, m domain.Market) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(marketEvent{
		Event: event, MarketID: m.ID, Status: m.Status, Outcome: m.Outcome,
		PoolYes: m.Pools.Yes, PoolNo: m.Pools.No,
	})
	if err := s.bus.Publish(ctx, MarketsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish market event failed", slog.String("error", err.Error()))
	}
}

func (s *MarketService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.stores.Audit == nil {
		return
	}
	if err := s.stores.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (s *MarketService) alert(ctx context.Context, event, title, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}


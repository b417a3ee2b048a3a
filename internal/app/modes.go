package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/executor"
	"github.com/alanyoungcy/ledgermarket/internal/notify"
	"github.com/alanyoungcy/ledgermarket/internal/service"
	"github.com/alanyoungcy/ledgermarket/internal/units"
)

// BalanceMode connects, prints the ledger balances and exits.
func (a *App) BalanceMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Client.Connect(ctx); err != nil {
		return fmt.Errorf("balance mode: connect: %w", err)
	}
	snap, err := deps.Client.GetLedgerBalances(ctx)
	if err != nil {
		return fmt.Errorf("balance mode: %w", err)
	}
	a.printBalances(deps.Client.Address(), snap)
	return nil
}

func (a *App) printBalances(owner string, snap domain.LedgerSnapshot) {
	assets := make([]string, 0, len(snap.PerAsset))
	for asset := range snap.PerAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	fmt.Fprintf(a.out, "ledger balances for %s\n", owner)
	if len(assets) == 0 {
		fmt.Fprintln(a.out, "  (none)")
	}
	for _, asset := range assets {
		fmt.Fprintf(a.out, "  %-10s %s\n", asset, units.ToDisplay(snap.Balance(asset), a.cfg.Chain.Decimals))
	}
}

// ChannelMode makes sure a funded channel exists, reusing a cached one when
// it is still open, and exits.
func (a *App) ChannelMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Client.Connect(ctx); err != nil {
		return fmt.Errorf("channel mode: connect: %w", err)
	}
	id, restored, err := deps.Client.Restore(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "restore channel failed, opening a new one", slog.String("error", err.Error()))
	}
	if !restored {
		if id, err = deps.Client.EnsureChannel(ctx); err != nil {
			return fmt.Errorf("channel mode: %w", err)
		}
		a.notify(ctx, deps, notify.EventChannelOpened, "Channel opened",
			fmt.Sprintf("channel %s opened for %s", id, deps.Client.Address()))
	}
	fmt.Fprintf(a.out, "channel %s (restored=%t)\n", id, restored)
	return nil
}

// CloseMode cooperatively closes the participant's open channel.
func (a *App) CloseMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Client.Connect(ctx); err != nil {
		return fmt.Errorf("close mode: connect: %w", err)
	}
	id, restored, err := deps.Client.Restore(ctx)
	if err != nil {
		return fmt.Errorf("close mode: restore: %w", err)
	}
	if !restored {
		return fmt.Errorf("close mode: %w: no open channel", domain.ErrNotFound)
	}
	if err := deps.Client.CloseChannel(ctx); err != nil {
		return fmt.Errorf("close mode: %w", err)
	}
	a.notify(ctx, deps, notify.EventChannelClosed, "Channel closed",
		fmt.Sprintf("channel %s closed for %s", id, deps.Client.Address()))
	fmt.Fprintf(a.out, "channel %s closed\n", id)
	return nil
}

// MarketMode runs the settlement engine: trade requests arrive on the
// trade_requests stream, operator commands on market_commands, and outcomes
// are published on the bus. It blocks until ctx is cancelled.
func (a *App) MarketMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting market mode")
	if deps.SignalBus == nil {
		return errors.New("market mode: redis must be enabled")
	}

	if err := deps.Client.Connect(ctx); err != nil {
		return fmt.Errorf("market mode: connect: %w", err)
	}
	var treasury service.Ledger
	if deps.Treasury != nil {
		if err := deps.Treasury.Connect(ctx); err != nil {
			return fmt.Errorf("market mode: connect treasury: %w", err)
		}
		treasury = deps.Treasury
	} else {
		a.logger.WarnContext(ctx, "no treasury session; sells and resolution are disabled")
	}

	settleOpts := []service.SettlementOption{
		service.WithBus(deps.SignalBus),
		service.WithNotifier(deps.Notifier),
		service.WithSettlementMetrics(deps.Metrics),
	}
	if treasury != nil {
		settleOpts = append(settleOpts, service.WithTreasury(treasury))
	}
	if deps.LockManager != nil {
		settleOpts = append(settleOpts, service.WithLockManager(deps.LockManager))
	}
	settlement := service.NewSettlementService(deps.Stores, service.SinglePayer{Ledger: deps.Client}, a.logger, settleOpts...)

	marketOpts := []service.MarketOption{
		service.WithMarketBus(deps.SignalBus),
		service.WithMarketNotifier(deps.Notifier),
		service.WithMarketMetrics(deps.Metrics),
	}
	if deps.Archiver != nil {
		marketOpts = append(marketOpts, service.WithArchiver(deps.Archiver))
	}
	markets := service.NewMarketService(settlement, treasury, a.logger, marketOpts...)

	exec := executor.NewExecutor(deps.SignalBus, settlement, a.logger,
		executor.WithStartID(a.cfg.Market.ReplayFrom),
		executor.WithRateLimit(deps.RateLimiter, a.cfg.Market.RateLimit, a.cfg.Market.RateWindow.Duration),
	)
	admin := executor.NewAdmin(deps.SignalBus, markets, settlement, a.cfg.Market.DefaultB, a.cfg.Chain.Asset, a.logger)
	admin.SetStartID(a.cfg.Market.ReplayFrom)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(ctx) })
	g.Go(func() error { return admin.Run(ctx) })
	renew := a.cfg.Clearnode.SessionTTL.Duration / 10
	g.Go(func() error { return deps.Client.KeepAlive(ctx, keepAliveInterval, renew) })
	if deps.Treasury != nil {
		g.Go(func() error { return deps.Treasury.KeepAlive(ctx, keepAliveInterval, renew) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("market mode: %w", err)
	}
	return nil
}

// keepAliveInterval is how often market mode checks its clearnode sessions.
const keepAliveInterval = 2 * time.Second

func (a *App) notify(ctx context.Context, deps *Dependencies, event, title, msg string) {
	if err := deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		a.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

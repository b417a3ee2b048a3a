package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const (
	// CommandStream carries operator commands for market lifecycle.
	CommandStream = "market_commands"
	// ResultsChannel receives one CommandResult per command.
	ResultsChannel = "market_command_results"
)

// Command ops.
const (
	OpCreateMarket   = "create_market"
	OpCloseMarket    = "close_market"
	OpResolveMarket  = "resolve_market"
	OpReconcileTrade = "reconcile_trade"
	OpListMarkets    = "list_markets"
)

// Command is one operator instruction read from CommandStream.
type Command struct {
	ID            string         `json:"id"`
	Op            string         `json:"op"`
	MarketID      string         `json:"market_id"`
	Question      string         `json:"question,omitempty"`
	Asset         string         `json:"asset,omitempty"`
	LedgerAddress string         `json:"ledger_address,omitempty"`
	B             int64          `json:"b,omitempty"`
	Outcome       domain.Outcome `json:"outcome,omitempty"`
	Participant   string         `json:"participant,omitempty"`
	Nonce         string         `json:"nonce,omitempty"`
	Applied       bool           `json:"applied,omitempty"`
	TransferID    string         `json:"transfer_id,omitempty"`
	Status        string         `json:"status,omitempty"` // list_markets filter, default open
	Limit         int            `json:"limit,omitempty"`
	Offset        int            `json:"offset,omitempty"`
}

// CommandResult reports how a command went.
type CommandResult struct {
	ID       string `json:"id"`
	Op       string `json:"op"`
	MarketID string `json:"market_id,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// Markets is the market lifecycle surface. *service.MarketService
// implements it.
type Markets interface {
	CreateMarket(ctx context.Context, params domain.CreateMarketParams) (domain.Market, error)
	CloseMarket(ctx context.Context, id string) (domain.Market, error)
	ResolveMarket(ctx context.Context, id string, outcome domain.Outcome) (domain.ResolutionReport, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
}

// Reconciler settles trades left unknown. *service.SettlementService
// implements it.
type Reconciler interface {
	ReconcileTrade(ctx context.Context, key domain.TradeKey, applied bool, transferID string) (domain.TradeReceipt, error)
}

// Admin applies operator commands from CommandStream.
type Admin struct {
	loop       *streamLoop
	bus        domain.SignalBus
	markets    Markets
	reconciler Reconciler
	defaultB   int64
	asset      string
	logger     *slog.Logger
}

// NewAdmin creates an Admin. Markets created without b or asset get
// defaultB and asset.
func NewAdmin(bus domain.SignalBus, markets Markets, reconciler Reconciler, defaultB int64, asset string, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "admin"))
	return &Admin{
		loop:       newStreamLoop(bus, CommandStream, logger),
		bus:        bus,
		markets:    markets,
		reconciler: reconciler,
		defaultB:   defaultB,
		asset:      asset,
		logger:     logger,
	}
}

// SetStartID sets the stream id reading starts after.
func (a *Admin) SetStartID(id string) {
	if id != "" {
		a.loop.lastID = id
	}
}

// Run consumes commands until ctx is cancelled.
func (a *Admin) Run(ctx context.Context) error {
	return a.loop.run(ctx, a.handle, nil)
}

func (a *Admin) handle(ctx context.Context, msg domain.StreamMessage) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		a.logger.Warn("undecodable command", slog.String("entry", msg.ID), slog.String("error", err.Error()))
		a.publish(ctx, CommandResult{ID: msg.ID, Error: err.Error()})
		return
	}
	if cmd.ID == "" {
		cmd.ID = msg.ID
	}

	result, err := a.Apply(ctx, cmd)
	res := CommandResult{ID: cmd.ID, Op: cmd.Op, MarketID: cmd.MarketID, OK: err == nil, Result: result}
	if err != nil {
		res.Error = err.Error()
		a.logger.Warn("command failed",
			slog.String("op", cmd.Op),
			slog.String("market", cmd.MarketID),
			slog.String("error", err.Error()),
		)
	} else {
		a.logger.Info("command applied", slog.String("op", cmd.Op), slog.String("market", cmd.MarketID))
	}
	a.publish(ctx, res)
}

// Apply runs one command and returns what it produced.
func (a *Admin) Apply(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Op {
	case OpCreateMarket:
		params := domain.CreateMarketParams{
			ID:            cmd.MarketID,
			Question:      cmd.Question,
			Asset:         cmd.Asset,
			LedgerAddress: cmd.LedgerAddress,
			B:             cmd.B,
		}
		if params.B == 0 {
			params.B = a.defaultB
		}
		if params.Asset == "" {
			params.Asset = a.asset
		}
		return a.markets.CreateMarket(ctx, params)
	case OpCloseMarket:
		return a.markets.CloseMarket(ctx, cmd.MarketID)
	case OpResolveMarket:
		return a.markets.ResolveMarket(ctx, cmd.MarketID, cmd.Outcome)
	case OpReconcileTrade:
		key := domain.TradeKey{MarketID: cmd.MarketID, Participant: cmd.Participant, Nonce: cmd.Nonce}
		return a.reconciler.ReconcileTrade(ctx, key, cmd.Applied, cmd.TransferID)
	case OpListMarkets:
		status := domain.MarketStatus(cmd.Status)
		if status == "" {
			status = domain.MarketStatusOpen
		}
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTrade, cmd.Status)
		}
		return a.markets.ListMarkets(ctx, status, domain.ListOpts{Limit: cmd.Limit, Offset: cmd.Offset})
	default:
		return nil, fmt.Errorf("%w: unknown op %q", domain.ErrInvalidTrade, cmd.Op)
	}
}

func (a *Admin) publish(ctx context.Context, res CommandResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		a.logger.Warn("encode command result failed", slog.String("error", err.Error()))
		return
	}
	if err := a.bus.Publish(ctx, ResultsChannel, payload); err != nil {
		a.logger.Warn("publish command result failed", slog.String("error", err.Error()))
	}
}

package clearnode

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
)

// GetLedgerBalances queries the node for the wallet's ledger balances. The
// cached snapshot is replaced on the read goroutine when the response
// arrives (see applyLedgerResponse), so a later balance push is never
// overwritten by this older answer. It does not require a channel.
func (c *Client) GetLedgerBalances(ctx context.Context) (domain.LedgerSnapshot, error) {
	op, err := c.begin("get_ledger_balances", ledgerStates...)
	if err != nil {
		return domain.LedgerSnapshot{}, err
	}

	resp, err := op.corr.Send(ctx, rpc.Request{
		Method: rpc.MethodGetLedger,
		Params: rpc.LedgerParams{Participant: c.Address()},
	}, []rpc.Method{rpc.MethodGetLedger}, c.cfg.QueryTimeout)
	if err != nil {
		return domain.LedgerSnapshot{}, &domain.OpError{Op: "get_ledger_balances", State: string(c.State()), Err: err}
	}

	var result rpc.LedgerResult
	if err := resp.Decode(&result); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("clearnode: get_ledger_balances: %w", err)
	}
	return c.snapshotFrom(result)
}

// applyLedgerResponse stores a get_ledger_balances answer. It runs on the
// read goroutine before the response is handed to the waiting caller, which
// orders it with balance pushes.
func (c *Client) applyLedgerResponse(resp rpc.Response) {
	var result rpc.LedgerResult
	if err := resp.Decode(&result); err != nil {
		return
	}
	snap, err := c.snapshotFrom(result)
	if err != nil {
		return
	}
	c.ledger.Store(&snap)
}

// Ledger returns the last observed snapshot without a round trip.
func (c *Client) Ledger() (domain.LedgerSnapshot, bool) {
	p := c.ledger.Load()
	if p == nil {
		return domain.LedgerSnapshot{}, false
	}
	return *p, true
}

// OnUpdate registers cb for balance pushes. cb runs on the read goroutine.
func (c *Client) OnUpdate(cb func(domain.LedgerSnapshot)) {
	c.mu.Lock()
	c.subs = append(c.subs, cb)
	c.mu.Unlock()
}

// snapshotFrom converts wire balances. Amounts must be raw integers; a
// decimal-formatted amount is rejected rather than guessed at.
func (c *Client) snapshotFrom(r rpc.LedgerResult) (domain.LedgerSnapshot, error) {
	per := make(map[string]*big.Int, len(r.LedgerBalances))
	for _, b := range r.LedgerBalances {
		amt, ok := new(big.Int).SetString(b.Amount, 10)
		if !ok {
			return domain.LedgerSnapshot{}, fmt.Errorf("clearnode: balance for %s is not a raw integer: %q: %w", b.Asset, b.Amount, rpc.ErrMalformed)
		}
		per[b.Asset] = amt
	}
	return domain.LedgerSnapshot{PerAsset: per, ObservedAt: c.now()}, nil
}

// handlePush receives every inbound message no request claimed.
func (c *Client) handlePush(resp rpc.Response) {
	switch resp.Method {
	case rpc.MethodBalanceUpdate:
		var result rpc.LedgerResult
		if err := resp.Decode(&result); err != nil {
			c.logger.Warn("clearnode: bad balance update", slog.String("error", err.Error()))
			return
		}
		snap, err := c.snapshotFrom(result)
		if err != nil {
			c.logger.Warn("clearnode: bad balance update", slog.String("error", err.Error()))
			return
		}
		c.ledger.Store(&snap)

		c.mu.Lock()
		subs := append([]func(domain.LedgerSnapshot){}, c.subs...)
		c.mu.Unlock()
		for _, cb := range subs {
			cb(snap)
		}

	case rpc.MethodChannelUpdate:
		var info rpc.ChannelInfo
		if err := resp.Decode(&info); err != nil {
			c.logger.Warn("clearnode: bad channel update", slog.String("error", err.Error()))
			return
		}
		c.applyChannelUpdate(info)

	case rpc.MethodTransferNotice:
		c.logger.Info("clearnode: transfer notice", slog.String("body", string(resp.Result)))

	case rpc.MethodError:
		c.logger.Warn("clearnode: unsolicited error",
			slog.Uint64("id", resp.ID),
			slog.String("error", resp.ErrorMessage()),
		)

	default:
		c.logger.Debug("clearnode: unmatched message",
			slog.Uint64("id", resp.ID),
			slog.String("method", string(resp.Method)),
		)
	}
}

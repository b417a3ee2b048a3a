package clearnode

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
)

const ensureKey = "ensure-channel"

// Channel returns a copy of the tracked channel.
func (c *Client) Channel() (domain.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return domain.Channel{}, false
	}
	return c.channel.Clone(), true
}

// EnsureChannel returns the open channel id, opening one if needed. While
// creation is in flight every caller shares the same attempt, so concurrent
// callers trigger a single on-chain deposit. If ctx ends first the caller
// gets ctx's error but the attempt keeps running to completion.
//
// Opening is two-phase: fund on chain (approve + deposit, awaited), then
// create_channel off chain. If the second phase fails the channel stays
// pending with Funded set and the next call skips straight to phase two.
func (c *Client) EnsureChannel(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == domain.StateChannelActive && c.channel != nil && c.channel.Status == domain.ChannelOpen {
		id := c.channel.ID
		c.mu.Unlock()
		return id, nil
	}
	st := c.state
	c.mu.Unlock()

	switch st {
	case domain.StateAuthenticated, domain.StateChannelPending, domain.StateClosed:
	default:
		return "", &domain.OpError{Op: "ensure_channel", State: string(st), Err: domain.ErrInvalidState}
	}

	ch := c.flight.DoChan(ensureKey, func() (any, error) {
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ChainTimeout+c.cfg.RequestTimeout)
		defer cancel()
		return c.openChannel(octx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &domain.OpError{Op: "ensure_channel", State: string(c.State()), Err: fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())}
	}
}

func (c *Client) openChannel(ctx context.Context) (string, error) {
	c.chanOp.Lock()
	defer c.chanOp.Unlock()

	c.mu.Lock()
	if c.channel != nil && c.channel.Status == domain.ChannelOpen && c.state == domain.StateChannelActive {
		id := c.channel.ID
		c.mu.Unlock()
		return id, nil
	}
	switch c.state {
	case domain.StateAuthenticated, domain.StateChannelPending, domain.StateClosed:
	default:
		st := c.state
		c.mu.Unlock()
		return "", &domain.OpError{Op: "ensure_channel", State: string(st), Err: domain.ErrInvalidState}
	}
	if c.corr == nil || c.key == nil {
		c.mu.Unlock()
		return "", &domain.OpError{Op: "ensure_channel", State: string(c.state), Err: domain.ErrInvalidState}
	}
	gen, corr := c.gen, c.corr
	sessionKey := c.key.Address().Hex()
	if c.channel == nil || c.channel.Status == domain.ChannelClosed {
		c.channel = &domain.Channel{
			Status:  domain.ChannelPending,
			ChainID: c.cfg.ChainID,
			Token:   c.cfg.Token,
		}
	}
	c.channel.Status = domain.ChannelPending
	c.channel.UpdatedAt = c.now()
	pending := c.channel
	funded := pending.Funded
	c.funding = !funded
	c.setStateLocked(domain.StateChannelPending)
	c.mu.Unlock()

	// Phase one: on-chain funding. The outcome is recorded on the pending
	// channel even if the connection dropped meanwhile: a confirmed deposit
	// must never be repeated.
	if !funded {
		receipt, err := c.requireOnChain().Deposit(ctx, c.cfg.Token, c.cfg.DepositAmount)
		if err == nil && !receipt.Succeeded() {
			err = fmt.Errorf("deposit %s reverted", receipt.TxHash)
		}
		c.settleFunding(pending, receipt.TxHash, err == nil)
		if err != nil {
			c.abandonPending(gen, false)
			return "", &domain.OpError{Op: "ensure_channel", State: string(domain.StateAuthenticated), Err: fmt.Errorf("fund: %w", err)}
		}
		c.logger.InfoContext(ctx, "clearnode: channel funded",
			slog.String("tx", receipt.TxHash),
			slog.Uint64("block", receipt.BlockNumber),
		)
	}

	// Phase two: off-chain creation.
	resp, err := corr.Send(ctx, rpc.Request{
		Method: rpc.MethodCreateChannel,
		Params: rpc.CreateChannelParams{
			ChainID:    c.cfg.ChainID,
			Token:      c.cfg.Token,
			Amount:     c.cfg.DepositAmount.String(),
			SessionKey: sessionKey,
		},
	}, []rpc.Method{rpc.MethodCreateChannel}, c.cfg.RequestTimeout)
	if err != nil {
		c.abandonPending(gen, true)
		return "", &domain.OpError{Op: "create_channel", State: string(domain.StateAuthenticated), Err: err}
	}
	var result rpc.ChannelResult
	if err := resp.Decode(&result); err != nil || result.ChannelID == "" {
		c.abandonPending(gen, true)
		return "", &domain.OpError{Op: "create_channel", Err: fmt.Errorf("%w: missing channel id", rpc.ErrMalformed)}
	}
	state, err := stateFrom(result)
	if err != nil {
		c.abandonPending(gen, true)
		return "", &domain.OpError{Op: "create_channel", Err: err}
	}

	c.mu.Lock()
	if c.gen != gen || c.channel == nil {
		c.mu.Unlock()
		return "", &domain.OpError{Op: "create_channel", State: string(domain.StateDisconnected), Err: domain.ErrTransport}
	}
	c.channel.ID = result.ChannelID
	c.channel.Status = domain.ChannelOpen
	c.channel.OffChainVersion = max(c.channel.OffChainVersion, state.Version)
	c.channel.Allocations = state.Allocations
	c.channel.UpdatedAt = c.now()
	c.setStateLocked(domain.StateChannelActive)
	c.mu.Unlock()

	c.cacheChannel(ctx, result.ChannelID)
	c.logger.InfoContext(ctx, "clearnode: channel open",
		slog.String("channel_id", result.ChannelID),
		slog.Uint64("version", state.Version),
	)
	return result.ChannelID, nil
}

// settleFunding records the deposit outcome on pending whatever the
// connection generation. A failed deposit forgets the record if it is still
// the tracked one.
func (c *Client) settleFunding(pending *domain.Channel, txHash string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funding = false
	if ok {
		pending.Funded = true
		pending.FundingTx = txHash
		pending.UpdatedAt = c.now()
		if c.channel == nil {
			c.channel = pending
		}
		return
	}
	if c.channel == pending {
		c.channel = nil
	}
}

// abandonPending returns the session to authenticated after a failed open.
// keepFunded retains the pending, funded channel record.
func (c *Client) abandonPending(gen uint64, keepFunded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if !keepFunded || c.channel == nil || !c.channel.Funded {
		c.channel = nil
	}
	c.setStateLocked(domain.StateAuthenticated)
}

// ResizeChannel changes the channel's funding by delta raw units (negative
// to withdraw). The node's signed state must be exactly one version ahead
// of the last known one; otherwise nothing is submitted on chain and
// ErrStaleState is returned.
func (c *Client) ResizeChannel(ctx context.Context, delta *big.Int) (domain.Channel, error) {
	c.chanOp.Lock()
	defer c.chanOp.Unlock()

	op, err := c.begin("resize_channel", domain.StateChannelActive)
	if err != nil {
		return domain.Channel{}, err
	}
	if delta == nil || delta.Sign() == 0 {
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: fmt.Errorf("%w: zero resize", domain.ErrInvalidTrade)}
	}

	c.mu.Lock()
	if c.channel == nil || c.channel.Status != domain.ChannelOpen {
		c.mu.Unlock()
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", State: string(domain.StateChannelActive), Err: domain.ErrInvalidState}
	}
	id := c.channel.ID
	lastVersion := c.channel.OffChainVersion
	c.channel.Status = domain.ChannelResizing
	c.mu.Unlock()

	restore := func() {
		c.mu.Lock()
		if c.gen == op.gen && c.channel != nil && c.channel.Status == domain.ChannelResizing {
			c.channel.Status = domain.ChannelOpen
		}
		c.mu.Unlock()
	}

	resp, err := op.corr.Send(ctx, rpc.Request{
		Method: rpc.MethodResizeChannel,
		Params: rpc.ResizeChannelParams{
			ChannelID:        id,
			ResizeAmount:     delta.String(),
			AllocateAmount:   "0",
			FundsDestination: c.Address(),
		},
	}, []rpc.Method{rpc.MethodResizeChannel}, c.cfg.RequestTimeout)
	if err != nil {
		restore()
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: err}
	}
	var result rpc.ChannelResult
	if err := resp.Decode(&result); err != nil {
		restore()
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: err}
	}
	state, err := stateFrom(result)
	if err != nil {
		restore()
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: err}
	}
	if state.Version != lastVersion+1 {
		restore()
		return domain.Channel{}, &domain.OpError{
			Op:  "resize_channel",
			Err: fmt.Errorf("%w: got version %d, want %d", domain.ErrStaleState, state.Version, lastVersion+1),
		}
	}
	state.ChannelID = id

	receipt, err := c.requireOnChain().Resize(ctx, state)
	if err == nil && !receipt.Succeeded() {
		err = fmt.Errorf("resize %s reverted", receipt.TxHash)
	}
	if err != nil {
		restore()
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: fmt.Errorf("on-chain: %w", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != op.gen || c.channel == nil {
		return domain.Channel{}, &domain.OpError{Op: "resize_channel", Err: domain.ErrTransport}
	}
	c.channel.Status = domain.ChannelOpen
	c.channel.OffChainVersion = max(c.channel.OffChainVersion, state.Version)
	c.channel.OnChainVersion = max(c.channel.OnChainVersion, state.Version)
	c.channel.Allocations = state.Allocations
	c.channel.UpdatedAt = c.now()
	return c.channel.Clone(), nil
}

// CloseChannel cooperatively closes the channel. The channel is marked
// closed only after the on-chain close is confirmed.
func (c *Client) CloseChannel(ctx context.Context) error {
	c.chanOp.Lock()
	defer c.chanOp.Unlock()

	op, err := c.begin("close_channel", domain.StateChannelActive)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != op.gen || c.channel == nil || c.channel.Status != domain.ChannelOpen {
		c.mu.Unlock()
		return &domain.OpError{Op: "close_channel", State: string(domain.StateChannelActive), Err: domain.ErrInvalidState}
	}
	id := c.channel.ID
	lastVersion := c.channel.OffChainVersion
	c.channel.Status = domain.ChannelClosing
	c.setStateLocked(domain.StateClosing)
	c.mu.Unlock()

	revert := func() {
		c.mu.Lock()
		if c.gen == op.gen && c.channel != nil {
			c.channel.Status = domain.ChannelOpen
			c.setStateLocked(domain.StateChannelActive)
		}
		c.mu.Unlock()
	}

	resp, err := op.corr.Send(ctx, rpc.Request{
		Method: rpc.MethodCloseChannel,
		Params: rpc.CloseChannelParams{ChannelID: id, FundsDestination: c.Address()},
	}, []rpc.Method{rpc.MethodCloseChannel}, c.cfg.RequestTimeout)
	if err != nil {
		revert()
		return &domain.OpError{Op: "close_channel", Err: err}
	}
	var result rpc.ChannelResult
	if err := resp.Decode(&result); err != nil {
		revert()
		return &domain.OpError{Op: "close_channel", Err: err}
	}
	state, err := stateFrom(result)
	if err != nil {
		revert()
		return &domain.OpError{Op: "close_channel", Err: err}
	}
	if state.Version <= lastVersion {
		revert()
		return &domain.OpError{
			Op:  "close_channel",
			Err: fmt.Errorf("%w: final version %d not after %d", domain.ErrStaleState, state.Version, lastVersion),
		}
	}
	state.ChannelID = id

	receipt, err := c.requireOnChain().Close(ctx, state)
	if err == nil && !receipt.Succeeded() {
		err = fmt.Errorf("close %s reverted", receipt.TxHash)
	}
	if err != nil {
		revert()
		return &domain.OpError{Op: "close_channel", Err: fmt.Errorf("on-chain: %w", err)}
	}

	c.mu.Lock()
	if c.gen == op.gen && c.channel != nil {
		c.channel.Status = domain.ChannelClosed
		c.channel.OffChainVersion = max(c.channel.OffChainVersion, state.Version)
		c.channel.OnChainVersion = max(c.channel.OnChainVersion, state.Version)
		c.channel.Allocations = state.Allocations
		c.channel.UpdatedAt = c.now()
		c.setStateLocked(domain.StateClosed)
	}
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, c.cacheKey()); err != nil {
			c.logger.WarnContext(ctx, "clearnode: channel cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	c.logger.InfoContext(ctx, "clearnode: channel closed",
		slog.String("channel_id", id),
		slog.String("tx", receipt.TxHash),
	)
	return nil
}

// Restore adopts an already-open channel instead of opening a new one. The
// cached id is preferred; it is trusted only if get_channels still lists it
// as open. Returns false when there is nothing to adopt.
func (c *Client) Restore(ctx context.Context) (string, bool, error) {
	c.chanOp.Lock()
	defer c.chanOp.Unlock()

	op, err := c.begin("restore_channel", domain.StateAuthenticated)
	if err != nil {
		return "", false, err
	}

	var cached string
	if c.cache != nil {
		cached, err = c.cache.Get(ctx, c.cacheKey())
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "clearnode: channel cache read failed", slog.String("error", err.Error()))
		}
	}

	resp, err := op.corr.Send(ctx, rpc.Request{
		Method: rpc.MethodGetChannels,
		Params: rpc.GetChannelsParams{Participant: c.Address(), Status: string(domain.ChannelOpen)},
	}, []rpc.Method{rpc.MethodGetChannels}, c.cfg.QueryTimeout)
	if err != nil {
		return "", false, &domain.OpError{Op: "get_channels", Err: err}
	}
	var list rpc.GetChannelsResult
	if err := resp.Decode(&list); err != nil {
		return "", false, &domain.OpError{Op: "get_channels", Err: err}
	}

	var found *rpc.ChannelInfo
	for i := range list.Channels {
		info := &list.Channels[i]
		if info.Status != string(domain.ChannelOpen) {
			continue
		}
		if !strings.EqualFold(info.Token, c.cfg.Token) || (info.ChainID != 0 && info.ChainID != c.cfg.ChainID) {
			continue
		}
		if cached != "" && info.ChannelID == cached {
			found = info
			break
		}
		if found == nil {
			found = info
		}
	}
	if found == nil {
		if cached != "" && c.cache != nil {
			_ = c.cache.Invalidate(ctx, c.cacheKey())
		}
		return "", false, nil
	}

	amount, _ := new(big.Int).SetString(found.Amount, 10)
	c.mu.Lock()
	if c.gen != op.gen {
		c.mu.Unlock()
		return "", false, &domain.OpError{Op: "restore_channel", Err: domain.ErrTransport}
	}
	c.channel = &domain.Channel{
		ID:              found.ChannelID,
		Status:          domain.ChannelOpen,
		ChainID:         c.cfg.ChainID,
		Token:           c.cfg.Token,
		Funded:          true,
		OnChainVersion:  found.Version,
		OffChainVersion: found.Version,
		UpdatedAt:       c.now(),
	}
	if amount != nil {
		c.channel.Allocations = []domain.Allocation{{Participant: c.Address(), Token: c.cfg.Token, Amount: amount}}
	}
	c.setStateLocked(domain.StateChannelActive)
	c.mu.Unlock()

	if found.ChannelID != cached {
		c.cacheChannel(ctx, found.ChannelID)
	}
	c.logger.InfoContext(ctx, "clearnode: channel restored", slog.String("channel_id", found.ChannelID))
	return found.ChannelID, true, nil
}

// applyChannelUpdate folds a "cu" push into the tracked channel. Versions
// never move backwards.
func (c *Client) applyChannelUpdate(info rpc.ChannelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil || c.channel.ID == "" || c.channel.ID != info.ChannelID {
		return
	}
	if info.Version <= c.channel.OffChainVersion {
		return
	}
	c.channel.OffChainVersion = info.Version
	c.channel.UpdatedAt = c.now()
	if amt, ok := new(big.Int).SetString(info.Amount, 10); ok {
		c.channel.Allocations = []domain.Allocation{{Participant: c.Address(), Token: c.channel.Token, Amount: amt}}
	}
}

func (c *Client) cacheKey() string {
	return fmt.Sprintf("%s:%d:%s", strings.ToLower(c.Address()), c.cfg.ChainID, strings.ToLower(c.cfg.Token))
}

func (c *Client) cacheChannel(ctx context.Context, id string) {
	if c.cache == nil {
		return
	}
	ttl := c.cfg.SessionTTL
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}
	if err := c.cache.Set(ctx, c.cacheKey(), id, ttl); err != nil {
		c.logger.WarnContext(ctx, "clearnode: channel cache write failed", slog.String("error", err.Error()))
	}
}

func (c *Client) requireOnChain() OnChain {
	if c.onchain == nil {
		return noOnChain{}
	}
	return c.onchain
}

type noOnChain struct{}

var errNoOnChain = errors.New("clearnode: no on-chain collaborator configured")

func (noOnChain) Deposit(context.Context, string, *big.Int) (domain.TxReceipt, error) {
	return domain.TxReceipt{}, errNoOnChain
}

func (noOnChain) Resize(context.Context, domain.ChannelState) (domain.TxReceipt, error) {
	return domain.TxReceipt{}, errNoOnChain
}

func (noOnChain) Close(context.Context, domain.ChannelState) (domain.TxReceipt, error) {
	return domain.TxReceipt{}, errNoOnChain
}

// stateFrom converts a node channel result into a domain state.
func stateFrom(r rpc.ChannelResult) (domain.ChannelState, error) {
	allocs := make([]domain.Allocation, 0, len(r.State.Allocations))
	for _, a := range r.State.Allocations {
		amt, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			return domain.ChannelState{}, fmt.Errorf("%w: allocation amount %q", rpc.ErrMalformed, a.Amount)
		}
		allocs = append(allocs, domain.Allocation{Participant: a.Participant, Token: a.Token, Amount: amt})
	}
	var data []byte
	if r.State.StateData != "" {
		d, err := hex.DecodeString(strings.TrimPrefix(r.State.StateData, "0x"))
		if err != nil {
			return domain.ChannelState{}, fmt.Errorf("%w: state_data: %v", rpc.ErrMalformed, err)
		}
		data = d
	}
	return domain.ChannelState{
		ChannelID:       r.ChannelID,
		Intent:          domain.StateIntent(r.State.Intent),
		Version:         r.State.Version,
		Data:            data,
		Allocations:     allocs,
		ServerSignature: r.ServerSignature,
	}, nil
}

package clearnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
)

// NonceStatus is the client's knowledge of a transfer nonce.
type NonceStatus string

const (
	NonceInFlight NonceStatus = "in_flight"
	NonceApplied  NonceStatus = "applied"
	// NonceUnknown means the request may or may not have been applied. The
	// nonce stays consumed until the caller reconciles through a ledger
	// query and calls ReleaseNonce or MarkNonceApplied.
	NonceUnknown NonceStatus = "unknown"
)

type nonceRecord struct {
	status NonceStatus
	result domain.TransferResult
}

// Transfer moves funds on the ledger. The nonce is consumed the moment the
// request is written: re-issuing an applied nonce returns the first result;
// re-issuing an in-flight or timed-out nonce fails with ErrNonceConsumed.
// A remote rejection releases the nonce.
func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	op, err := c.begin("transfer", ledgerStates...)
	if err != nil {
		return domain.TransferResult{}, withNonce(err, req.Nonce)
	}
	if err := validateTransfer(req); err != nil {
		return domain.TransferResult{}, &domain.OpError{Op: "transfer", Nonce: req.Nonce, Err: err}
	}

	c.mu.Lock()
	if rec, ok := c.nonces[req.Nonce]; ok {
		c.mu.Unlock()
		if rec.status == NonceApplied {
			return rec.result, nil
		}
		return domain.TransferResult{}, &domain.OpError{
			Op: "transfer", Nonce: req.Nonce, State: string(rec.status), Err: domain.ErrNonceConsumed,
		}
	}
	rec := &nonceRecord{status: NonceInFlight}
	c.nonces[req.Nonce] = rec
	c.mu.Unlock()

	resp, err := op.corr.Send(ctx, rpc.Request{
		Method: rpc.MethodTransfer,
		Params: rpc.TransferParams{
			Destination: common.HexToAddress(req.Destination).Hex(),
			Allocations: []rpc.TransferAllocation{{Asset: req.Asset, Amount: req.Amount.String()}},
			Nonce:       req.Nonce,
		},
	}, []rpc.Method{rpc.MethodTransfer}, c.cfg.RequestTimeout)
	if err != nil {
		c.mu.Lock()
		if errors.Is(err, domain.ErrRemote) {
			delete(c.nonces, req.Nonce)
		} else {
			rec.status = NonceUnknown
		}
		c.mu.Unlock()
		if domain.Retryable(err) {
			c.logger.WarnContext(ctx, "clearnode: transfer outcome unknown",
				slog.String("nonce", req.Nonce),
				slog.String("error", err.Error()),
			)
		}
		return domain.TransferResult{}, &domain.OpError{Op: "transfer", Nonce: req.Nonce, State: string(c.State()), Err: err}
	}

	var body rpc.TransferResult
	if err := resp.Decode(&body); err != nil {
		c.mu.Lock()
		rec.status = NonceUnknown
		c.mu.Unlock()
		return domain.TransferResult{}, &domain.OpError{Op: "transfer", Nonce: req.Nonce, Err: err}
	}
	result := transferResultFrom(req, body, c.now())

	c.mu.Lock()
	rec.status = NonceApplied
	rec.result = result
	c.mu.Unlock()
	return result, nil
}

// NonceState reports what the client knows about nonce.
func (c *Client) NonceState(nonce string) (NonceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.nonces[nonce]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// ReleaseNonce forgets an unknown nonce after the caller verified through a
// ledger query that the transfer was not applied.
func (c *Client) ReleaseNonce(nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.nonces[nonce]
	if !ok {
		return nil
	}
	if rec.status != NonceUnknown {
		return &domain.OpError{Op: "release_nonce", Nonce: nonce, State: string(rec.status), Err: domain.ErrInvalidState}
	}
	delete(c.nonces, nonce)
	return nil
}

// MarkNonceApplied records that an unknown transfer was in fact applied, so
// a re-issue returns result instead of failing.
func (c *Client) MarkNonceApplied(nonce string, result domain.TransferResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[nonce] = &nonceRecord{status: NonceApplied, result: result}
}

func validateTransfer(req domain.TransferRequest) error {
	switch {
	case req.Nonce == "":
		return fmt.Errorf("%w: nonce is required", domain.ErrInvalidTrade)
	case !common.IsHexAddress(req.Destination):
		return fmt.Errorf("%w: destination %q is not an address", domain.ErrInvalidTrade, req.Destination)
	case req.Asset == "":
		return fmt.Errorf("%w: asset is required", domain.ErrInvalidTrade)
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidTrade)
	}
	return nil
}

func transferResultFrom(req domain.TransferRequest, body rpc.TransferResult, now time.Time) domain.TransferResult {
	out := domain.TransferResult{
		Nonce:     req.Nonce,
		To:        req.Destination,
		Asset:     req.Asset,
		Amount:    new(big.Int).Set(req.Amount),
		CreatedAt: now,
	}
	for _, tx := range body.Transactions {
		if tx.Asset != "" && tx.Asset != req.Asset {
			continue
		}
		out.TransferID = strconv.FormatUint(tx.ID, 10)
		out.From = tx.FromAccount
		if tx.ToAccount != "" {
			out.To = tx.ToAccount
		}
		if tx.CreatedAt > 0 {
			out.CreatedAt = time.UnixMilli(tx.CreatedAt)
		}
		break
	}
	return out
}

func withNonce(err error, nonce string) error {
	var oe *domain.OpError
	if errors.As(err, &oe) && oe.Nonce == "" {
		oe.Nonce = nonce
	}
	return err
}

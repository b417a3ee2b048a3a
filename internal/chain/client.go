// Package chain submits and tracks transactions on an EVM chain and packs
// custody contract calls for channel funding, resize and close.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	gasHeadroomPct      = 20
)

const erc20ABI = `[{"type":"function","name":"approve","stateMutability":"nonpayable",
"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`

// Backend is the subset of ethclient.Client the chain client uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client implements domain.Chain with EIP-1559 transactions signed by one
// key. Nonces are assigned under a mutex so concurrent submissions from
// this process never collide.
type Client struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration
	erc20        abi.ABI
	logger       *slog.Logger

	nonceMu sync.Mutex
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, chainID int64, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewClient(ec, chainID, key, logger)
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID int64, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	if key == nil {
		return nil, errors.New("chain: signing key is required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:      backend,
		key:          key,
		from:         ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(chainID),
		pollInterval: defaultPollInterval,
		erc20:        parsed,
		logger:       logger.With(slog.String("component", "chain")),
	}, nil
}

// SetPollInterval changes how often AwaitConfirmation polls for receipts.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// From returns the sending address.
func (c *Client) From() common.Address { return c.from }

// SubmitTransaction signs and broadcasts a call to `to` with calldata data.
func (c *Client) SubmitTransaction(ctx context.Context, to string, data []byte) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("chain: invalid target address %q", to)
	}
	target := common.HexToAddress(to)

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("chain: latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &target,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      data,
	})
	if err != nil {
		return "", fmt.Errorf("chain: estimate gas: %w", err)
	}
	gas += gas * gasHeadroomPct / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &target,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign tx: %w: %v", domain.ErrSigningFailed, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send tx: %w", err)
	}

	c.logger.InfoContext(ctx, "chain: transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", target.Hex()),
		slog.Uint64("nonce", nonce),
	)
	return signed.Hash().Hex(), nil
}

// AwaitConfirmation polls until the transaction is mined or ctx ends.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			out := domain.TxReceipt{TxHash: txHash, Status: r.Status}
			if r.BlockNumber != nil {
				out.BlockNumber = r.BlockNumber.Uint64()
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return domain.TxReceipt{}, fmt.Errorf("chain: receipt %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return domain.TxReceipt{}, fmt.Errorf("chain: await %s: %w: %v", txHash, domain.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ApproveToken submits an ERC-20 approve(spender, amount).
func (c *Client) ApproveToken(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(spender) {
		return "", fmt.Errorf("chain: invalid spender %q", spender)
	}
	data, err := c.erc20.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack approve: %w", err)
	}
	return c.SubmitTransaction(ctx, token, data)
}

package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const custodyABI = `[
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
  {"name":"account","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"resize","stateMutability":"nonpayable","inputs":[
  {"name":"channelId","type":"bytes32"},
  {"name":"candidate","type":"tuple","components":[
    {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
    {"name":"allocations","type":"tuple[]","components":[
      {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
    {"name":"sigs","type":"bytes[]"}]},
  {"name":"proofs","type":"tuple[]","components":[
    {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
    {"name":"allocations","type":"tuple[]","components":[
      {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
    {"name":"sigs","type":"bytes[]"}]}],"outputs":[]},
{"type":"function","name":"close","stateMutability":"nonpayable","inputs":[
  {"name":"channelId","type":"bytes32"},
  {"name":"candidate","type":"tuple","components":[
    {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
    {"name":"allocations","type":"tuple[]","components":[
      {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
    {"name":"sigs","type":"bytes[]"}]},
  {"name":"proofs","type":"tuple[]","components":[
    {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
    {"name":"allocations","type":"tuple[]","components":[
      {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
    {"name":"sigs","type":"bytes[]"}]}],"outputs":[]}
]`

// abiAllocation and abiState mirror the custody contract's tuples. Field
// names must match the ABI component names.
type abiAllocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

type abiState struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []abiAllocation
	Sigs        [][]byte
}

// Custody drives the custody contract through a domain.Chain. Every method
// waits for confirmation before returning.
type Custody struct {
	chain   domain.Chain
	address string
	account common.Address
	key     *ecdsa.PrivateKey
	abi     abi.ABI
	logger  *slog.Logger
}

// NewCustody creates a Custody for the contract at address. key signs
// channel states on behalf of account.
func NewCustody(chain domain.Chain, address string, key *ecdsa.PrivateKey, logger *slog.Logger) (*Custody, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("chain/custody: invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("chain/custody: parse abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Custody{
		chain:   chain,
		address: common.HexToAddress(address).Hex(),
		account: ethcrypto.PubkeyToAddress(key.PublicKey),
		key:     key,
		abi:     parsed,
		logger:  logger.With(slog.String("component", "custody")),
	}, nil
}

// Deposit approves the custody contract for amount of token and deposits
// it. The approval must confirm before the deposit is sent.
func (c *Custody) Deposit(ctx context.Context, token string, amount *big.Int) (domain.TxReceipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.TxReceipt{}, fmt.Errorf("chain/custody: deposit amount must be positive")
	}

	approveTx, err := c.chain.ApproveToken(ctx, token, c.address, amount)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain/custody: approve: %w", err)
	}
	approval, err := c.chain.AwaitConfirmation(ctx, approveTx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain/custody: await approve: %w", err)
	}
	if !approval.Succeeded() {
		return approval, fmt.Errorf("chain/custody: approve %s reverted", approveTx)
	}

	data, err := c.PackDeposit(token, amount)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	return c.submit(ctx, "deposit", data)
}

// Resize submits the countersigned resize state.
func (c *Custody) Resize(ctx context.Context, state domain.ChannelState) (domain.TxReceipt, error) {
	data, err := c.PackState("resize", state)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	return c.submit(ctx, "resize", data)
}

// Close submits the countersigned final state.
func (c *Custody) Close(ctx context.Context, state domain.ChannelState) (domain.TxReceipt, error) {
	data, err := c.PackState("close", state)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	return c.submit(ctx, "close", data)
}

// PackDeposit returns calldata for deposit(account, token, amount).
func (c *Custody) PackDeposit(token string, amount *big.Int) ([]byte, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("chain/custody: invalid token %q", token)
	}
	data, err := c.abi.Pack("deposit", c.account, common.HexToAddress(token), amount)
	if err != nil {
		return nil, fmt.Errorf("chain/custody: pack deposit: %w", err)
	}
	return data, nil
}

// PackState returns calldata for resize or close with state as the
// candidate and no proofs. The candidate carries our signature followed by
// the node's.
func (c *Custody) PackState(method string, state domain.ChannelState) ([]byte, error) {
	id, err := hex.DecodeString(strings.TrimPrefix(state.ChannelID, "0x"))
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("chain/custody: channel id %q is not bytes32", state.ChannelID)
	}
	var channelID [32]byte
	copy(channelID[:], id)

	candidate := abiState{
		Intent:  uint8(state.Intent),
		Version: new(big.Int).SetUint64(state.Version),
		Data:    state.Data,
	}
	if candidate.Data == nil {
		candidate.Data = []byte{}
	}
	for _, a := range state.Allocations {
		amt := a.Amount
		if amt == nil {
			amt = new(big.Int)
		}
		candidate.Allocations = append(candidate.Allocations, abiAllocation{
			Destination: common.HexToAddress(a.Participant),
			Token:       common.HexToAddress(a.Token),
			Amount:      amt,
		})
	}
	if candidate.Allocations == nil {
		candidate.Allocations = []abiAllocation{}
	}

	ours, err := c.signState(channelID, candidate)
	if err != nil {
		return nil, err
	}
	candidate.Sigs = [][]byte{ours}
	if state.ServerSignature != "" {
		server, err := hex.DecodeString(strings.TrimPrefix(state.ServerSignature, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain/custody: server signature: %w", err)
		}
		candidate.Sigs = append(candidate.Sigs, server)
	}

	data, err := c.abi.Pack(method, channelID, candidate, []abiState{})
	if err != nil {
		return nil, fmt.Errorf("chain/custody: pack %s: %w", method, err)
	}
	return data, nil
}

// signState signs keccak256(abi.encode(channelId, intent, version, data,
// allocations)).
func (c *Custody) signState(channelID [32]byte, s abiState) ([]byte, error) {
	inputs := c.abi.Methods["resize"].Inputs
	elems := inputs[1].Type.TupleElems
	enc, err := abi.Arguments{
		{Type: inputs[0].Type},
		{Type: *elems[0]},
		{Type: *elems[1]},
		{Type: *elems[2]},
		{Type: *elems[3]},
	}.Pack(channelID, s.Intent, s.Version, s.Data, s.Allocations)
	if err != nil {
		return nil, fmt.Errorf("chain/custody: encode state: %w", err)
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(enc), c.key)
	if err != nil {
		return nil, fmt.Errorf("chain/custody: %w: %v", domain.ErrSigningFailed, err)
	}
	sig[64] += 27
	return sig, nil
}

func (c *Custody) submit(ctx context.Context, op string, data []byte) (domain.TxReceipt, error) {
	hash, err := c.chain.SubmitTransaction(ctx, c.address, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain/custody: %s: %w", op, err)
	}
	receipt, err := c.chain.AwaitConfirmation(ctx, hash)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain/custody: await %s: %w", op, err)
	}
	c.logger.InfoContext(ctx, "custody: transaction confirmed",
		slog.String("op", op),
		slog.String("tx", hash),
		slog.Uint64("status", receipt.Status),
		slog.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}

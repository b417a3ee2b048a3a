package chain_test

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgermarket/internal/chain"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const (
	testChainID = 11155111
	custodyAddr = "0x019B65A265EB3363822f2752141b3dF16131b262"
	tokenAddr   = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
)

type fakeBackend struct {
	mu         sync.Mutex
	nonce      uint64
	sent       []*types.Transaction
	misses     int // receipts reported as not found before success
	receiptErr error
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	if b.misses > 0 {
		b.misses--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(77)}, nil
}

func TestClient_SubmitTransactionSignsDynamicFeeTx(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{nonce: 5}
	c, err := chain.NewClient(backend, testChainID, key, nil)
	require.NoError(t, err)

	hash, err := c.SubmitTransaction(context.Background(), custodyAddr, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash().Hex())
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(5), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, big.NewInt(22_000_000_000), tx.GasFeeCap())
	require.Equal(t, common.HexToAddress(custodyAddr), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	require.Equal(t, c.From(), sender)

	_, err = c.SubmitTransaction(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestClient_AwaitConfirmationPolls(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{misses: 2}
	c, err := chain.NewClient(backend, testChainID, key, nil)
	require.NoError(t, err)
	c.SetPollInterval(5 * time.Millisecond)

	r, err := c.AwaitConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, r.Succeeded())
	require.Equal(t, uint64(77), r.BlockNumber)
}

func TestClient_AwaitConfirmationTimesOut(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	c, err := chain.NewClient(&fakeBackend{misses: 1 << 30}, testChainID, key, nil)
	require.NoError(t, err)
	c.SetPollInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.AwaitConfirmation(ctx, "0xabc")
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestClient_ApproveTokenCalldata(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{}
	c, err := chain.NewClient(backend, testChainID, key, nil)
	require.NoError(t, err)

	_, err = c.ApproveToken(context.Background(), tokenAddr, custodyAddr, big.NewInt(1_000_000))
	require.NoError(t, err)
	data := backend.sent[0].Data()
	require.Equal(t, ethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4], data[:4])
	require.Len(t, data, 4+64)
	require.Equal(t, common.HexToAddress(tokenAddr), *backend.sent[0].To())
}

// recordingChain is a domain.Chain that records calls.
type recordingChain struct {
	calls        []string
	submitted    [][]byte
	approveFails bool
}

func (r *recordingChain) SubmitTransaction(_ context.Context, to string, data []byte) (string, error) {
	r.calls = append(r.calls, "submit:"+to)
	r.submitted = append(r.submitted, data)
	return "0xsubmit", nil
}

func (r *recordingChain) AwaitConfirmation(_ context.Context, hash string) (domain.TxReceipt, error) {
	r.calls = append(r.calls, "await:"+hash)
	if hash == "0xapprove" && r.approveFails {
		return domain.TxReceipt{TxHash: hash, Status: 0}, nil
	}
	return domain.TxReceipt{TxHash: hash, Status: 1, BlockNumber: 3}, nil
}

func (r *recordingChain) ApproveToken(_ context.Context, token, spender string, _ *big.Int) (string, error) {
	r.calls = append(r.calls, "approve:"+token+"->"+spender)
	return "0xapprove", nil
}

func TestCustody_DepositApprovesThenDeposits(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	rc := &recordingChain{}
	cust, err := chain.NewCustody(rc, custodyAddr, key, nil)
	require.NoError(t, err)

	r, err := cust.Deposit(context.Background(), tokenAddr, big.NewInt(1_000_000))
	require.NoError(t, err)
	require.True(t, r.Succeeded())
	custody := common.HexToAddress(custodyAddr).Hex()
	require.Equal(t, []string{
		"approve:" + tokenAddr + "->" + custody,
		"await:0xapprove",
		"submit:" + custody,
		"await:0xsubmit",
	}, rc.calls)
	require.Equal(t, ethcrypto.Keccak256([]byte("deposit(address,address,uint256)"))[:4], rc.submitted[0][:4])
}

func TestCustody_RevertedApprovalStopsDeposit(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	rc := &recordingChain{approveFails: true}
	cust, err := chain.NewCustody(rc, custodyAddr, key, nil)
	require.NoError(t, err)

	_, err = cust.Deposit(context.Background(), tokenAddr, big.NewInt(1))
	require.Error(t, err)
	require.Empty(t, rc.submitted)
}

func TestCustody_PackState(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cust, err := chain.NewCustody(&recordingChain{}, custodyAddr, key, nil)
	require.NoError(t, err)

	state := domain.ChannelState{
		ChannelID: "0xab" + strings.Repeat("00", 31),
		Intent:    domain.IntentResize,
		Version:   2,
		Allocations: []domain.Allocation{
			{Participant: "0x00000000000000000000000000000000000000a1", Token: tokenAddr, Amount: big.NewInt(500)},
		},
		ServerSignature: "0x" + strings.Repeat("11", 65),
	}
	data, err := cust.PackState("resize", state)
	require.NoError(t, err)
	sel := ethcrypto.Keccak256([]byte("resize(bytes32,(uint8,uint256,bytes,(address,address,uint256)[],bytes[]),(uint8,uint256,bytes,(address,address,uint256)[],bytes[])[])"))[:4]
	require.Equal(t, sel, data[:4])

	closeData, err := cust.PackState("close", state)
	require.NoError(t, err)
	require.NotEqual(t, data[:4], closeData[:4])

	state.ChannelID = "0x1234"
	_, err = cust.PackState("resize", state)
	require.Error(t, err)
}

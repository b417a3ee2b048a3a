package clearnode_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ledgermarket/internal/clearnode"
	"github.com/alanyoungcy/ledgermarket/internal/crypto"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
	"github.com/alanyoungcy/ledgermarket/internal/transport"
)

// fakeNode is an in-process clearing node. It verifies the policy signature
// against the original auth_request and the session signature on every
// later request, and keeps a tiny ledger.
type fakeNode struct {
	t   *testing.T
	app string // application the node verifies against

	mu          sync.Mutex
	conn        *fakeConn
	auth        *rpc.AuthRequestParams
	challenge   string
	sessionKey  common.Address
	badSigs     int
	balances    map[string]map[string]*big.Int // account -> asset -> raw
	applied     map[string]rpc.TransferResult  // nonce -> result
	txSeq       uint64
	channelID   string
	channelOpen bool
	version     uint64

	creates        atomic.Int32
	failCreates    atomic.Int32
	dropTransfers  atomic.Bool
	resizeSkew     atomic.Uint64
	pushAfterQuery atomic.Pointer[rpc.LedgerResult] // bu sent right after a get_ledger_balances answer
	requestsByKind sync.Map // rpc.Method -> *atomic.Int32
}

func newFakeNode(t *testing.T, app string) *fakeNode {
	return &fakeNode{
		t:        t,
		app:      app,
		balances: make(map[string]map[string]*big.Int),
		applied:  make(map[string]rpc.TransferResult),
	}
}

func (n *fakeNode) fund(account, asset string, amount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := strings.ToLower(account)
	if n.balances[key] == nil {
		n.balances[key] = make(map[string]*big.Int)
	}
	cur := n.balances[key][asset]
	if cur == nil {
		cur = new(big.Int)
	}
	n.balances[key][asset] = new(big.Int).Add(cur, big.NewInt(amount))
}

func (n *fakeNode) balance(account, asset string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b := n.balances[strings.ToLower(account)][asset]; b != nil {
		return b.Int64()
	}
	return 0
}

func (n *fakeNode) count(m rpc.Method) int {
	v, ok := n.requestsByKind.Load(m)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

// Dial satisfies clearnode.DialFunc.
func (n *fakeNode) Dial(_ context.Context, _ string, h transport.Handler) (clearnode.Conn, error) {
	c := &fakeConn{node: n, h: h, inbox: make(chan []byte, 64), done: make(chan struct{})}
	go c.deliver()
	n.mu.Lock()
	n.conn = c
	n.auth = nil
	n.mu.Unlock()
	return c, nil
}

// push sends an unsolicited message to the current connection.
func (n *fakeNode) push(method rpc.Method, body any) {
	raw, err := rpc.EncodeResponse(0, method, body, time.Now().UnixMilli())
	if err != nil {
		n.t.Errorf("encode push: %v", err)
		return
	}
	n.mu.Lock()
	c := n.conn
	n.mu.Unlock()
	c.enqueue(raw)
}

// dropConnection simulates a transport failure.
func (n *fakeNode) dropConnection() {
	n.mu.Lock()
	c := n.conn
	n.mu.Unlock()
	c.terminate(fmt.Errorf("fake: reset by peer: %w", domain.ErrTransport))
}

type fakeConn struct {
	node  *fakeNode
	h     transport.Handler
	inbox chan []byte
	once  sync.Once
	done  chan struct{}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("fake: closed: %w", domain.ErrTransport)
	default:
	}
	go c.node.handle(c, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.terminate(nil)
	return nil
}

func (c *fakeConn) terminate(err error) {
	c.once.Do(func() {
		close(c.done)
		if c.h.OnClose != nil {
			c.h.OnClose(err)
		}
	})
}

func (c *fakeConn) enqueue(raw []byte) {
	select {
	case c.inbox <- raw:
	case <-c.done:
	}
}

// deliver plays the role of the transport read loop.
func (c *fakeConn) deliver() {
	for {
		select {
		case raw := <-c.inbox:
			c.h.OnMessage(raw)
		case <-c.done:
			return
		}
	}
}

func (n *fakeNode) reply(c *fakeConn, id uint64, method rpc.Method, body any) {
	raw, err := rpc.EncodeResponse(id, method, body, time.Now().UnixMilli())
	if err != nil {
		n.t.Errorf("encode reply: %v", err)
		return
	}
	c.enqueue(raw)
}

func (n *fakeNode) fail(c *fakeConn, id uint64, msg string) {
	n.reply(c, id, rpc.MethodError, rpc.ErrorResult{Error: msg})
}

func (n *fakeNode) handle(c *fakeConn, raw []byte) {
	var env struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		n.t.Errorf("fake node: bad frame: %v", err)
		return
	}
	req, params, err := rpc.ParseRequest(raw)
	if err != nil {
		n.t.Errorf("fake node: bad request: %v", err)
		return
	}
	counter, _ := n.requestsByKind.LoadOrStore(req.Method, new(atomic.Int32))
	counter.(*atomic.Int32).Add(1)

	switch req.Method {
	case rpc.MethodAuthRequest:
		var p rpc.AuthRequestParams
		_ = json.Unmarshal(params, &p)
		n.mu.Lock()
		n.auth = &p
		n.challenge = fmt.Sprintf("challenge-%d", req.ID)
		ch := n.challenge
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodAuthChallenge, rpc.AuthChallengeResult{ChallengeMessage: ch})
		return
	case rpc.MethodAuthVerify:
		n.verifyAuth(c, req, params, env.Sig)
		return
	}

	// Everything else must carry a valid session-key signature.
	n.mu.Lock()
	sk := n.sessionKey
	n.mu.Unlock()
	if len(env.Sig) != 1 {
		n.mu.Lock()
		n.badSigs++
		n.mu.Unlock()
		n.fail(c, req.ID, "missing signature")
		return
	}
	signer, err := crypto.RecoverAddress(ethcrypto.Keccak256(env.Req), env.Sig[0])
	if err != nil || signer != sk {
		n.mu.Lock()
		n.badSigs++
		n.mu.Unlock()
		n.fail(c, req.ID, "invalid signature")
		return
	}

	switch req.Method {
	case rpc.MethodGetLedger:
		var p rpc.LedgerParams
		_ = json.Unmarshal(params, &p)
		n.reply(c, req.ID, rpc.MethodGetLedger, n.ledgerOf(p.Participant))
		if bu := n.pushAfterQuery.Load(); bu != nil {
			raw, err := rpc.EncodeResponse(0, rpc.MethodBalanceUpdate, bu, time.Now().UnixMilli())
			if err != nil {
				n.t.Errorf("encode push: %v", err)
				return
			}
			c.enqueue(raw)
		}
	case rpc.MethodTransfer:
		n.transfer(c, req, params)
	case rpc.MethodCreateChannel:
		n.creates.Add(1)
		if n.failCreates.Load() > 0 {
			n.failCreates.Add(-1)
			n.fail(c, req.ID, "channel creation unavailable")
			return
		}
		n.mu.Lock()
		n.channelID = "0x" + strings.Repeat("ab", 32)
		n.channelOpen = true
		n.version = 0
		res := n.channelResultLocked(domain.IntentInitialize)
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodCreateChannel, res)
	case rpc.MethodResizeChannel:
		n.mu.Lock()
		n.version += 1 + n.resizeSkew.Load()
		res := n.channelResultLocked(domain.IntentResize)
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodResizeChannel, res)
	case rpc.MethodCloseChannel:
		n.mu.Lock()
		n.version++
		n.channelOpen = false
		res := n.channelResultLocked(domain.IntentFinalize)
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodCloseChannel, res)
	case rpc.MethodGetChannels:
		n.mu.Lock()
		var out rpc.GetChannelsResult
		if n.channelOpen {
			out.Channels = append(out.Channels, rpc.ChannelInfo{
				ChannelID: n.channelID, Status: "open", Token: testToken, ChainID: testChainID,
				Amount: "1000000", Version: n.version,
			})
		}
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodGetChannels, out)
	default:
		n.fail(c, req.ID, "unsupported method "+string(req.Method))
	}
}

func (n *fakeNode) verifyAuth(c *fakeConn, req rpc.Request, params json.RawMessage, sig []string) {
	var p rpc.AuthVerifyParams
	_ = json.Unmarshal(params, &p)

	n.mu.Lock()
	auth := n.auth
	challenge := n.challenge
	n.mu.Unlock()
	if auth == nil || p.Challenge != challenge || len(sig) != 1 {
		n.fail(c, req.ID, "no pending challenge")
		return
	}

	allowances := make([]crypto.PolicyAllowance, len(auth.Allowances))
	for i, a := range auth.Allowances {
		allowances[i] = crypto.PolicyAllowance{Asset: a.Asset, Amount: a.Amount}
	}
	digest, err := crypto.PolicyDigest(n.app, crypto.Policy{
		Challenge:  challenge,
		Scope:      auth.Scope,
		Wallet:     auth.Address,
		SessionKey: auth.SessionKey,
		ExpiresAt:  auth.ExpiresAt,
		Allowances: allowances,
	})
	if err != nil {
		n.fail(c, req.ID, err.Error())
		return
	}
	signer, err := crypto.RecoverAddress(digest, sig[0])
	if err != nil || signer != common.HexToAddress(auth.Address) {
		n.fail(c, req.ID, "invalid policy signature")
		return
	}

	n.mu.Lock()
	n.sessionKey = common.HexToAddress(auth.SessionKey)
	n.mu.Unlock()
	n.reply(c, req.ID, rpc.MethodAuthVerify, rpc.AuthVerifyResult{
		Address: auth.Address, SessionKey: auth.SessionKey, Success: true, JWTToken: "jwt",
	})
}

func (n *fakeNode) ledgerOf(account string) rpc.LedgerResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out rpc.LedgerResult
	for asset, amt := range n.balances[strings.ToLower(account)] {
		out.LedgerBalances = append(out.LedgerBalances, rpc.LedgerBalance{Asset: asset, Amount: amt.String()})
	}
	return out
}

func (n *fakeNode) transfer(c *fakeConn, req rpc.Request, params json.RawMessage) {
	var p rpc.TransferParams
	_ = json.Unmarshal(params, &p)

	n.mu.Lock()
	from := strings.ToLower(n.auth.Address)
	if res, ok := n.applied[p.Nonce]; ok {
		n.mu.Unlock()
		n.reply(c, req.ID, rpc.MethodTransfer, res)
		return
	}
	alloc := p.Allocations[0]
	amt, _ := new(big.Int).SetString(alloc.Amount, 10)
	bal := n.balances[from][alloc.Asset]
	if bal == nil || bal.Cmp(amt) < 0 {
		n.mu.Unlock()
		n.fail(c, req.ID, "insufficient funds")
		return
	}
	n.balances[from][alloc.Asset] = new(big.Int).Sub(bal, amt)
	to := strings.ToLower(p.Destination)
	if n.balances[to] == nil {
		n.balances[to] = make(map[string]*big.Int)
	}
	prev := n.balances[to][alloc.Asset]
	if prev == nil {
		prev = new(big.Int)
	}
	n.balances[to][alloc.Asset] = new(big.Int).Add(prev, amt)
	n.txSeq++
	res := rpc.TransferResult{Transactions: []rpc.LedgerTransaction{{
		ID: n.txSeq, TxType: "transfer", FromAccount: from, ToAccount: to,
		Asset: alloc.Asset, Amount: alloc.Amount, Nonce: p.Nonce, CreatedAt: time.Now().UnixMilli(),
	}}}
	n.applied[p.Nonce] = res
	n.mu.Unlock()

	if n.dropTransfers.Load() {
		return // applied, but the response is lost
	}
	n.reply(c, req.ID, rpc.MethodTransfer, res)
}

func (n *fakeNode) channelResultLocked(intent domain.StateIntent) rpc.ChannelResult {
	return rpc.ChannelResult{
		ChannelID: n.channelID,
		State: rpc.StateResult{
			Intent:  uint8(intent),
			Version: n.version,
			Allocations: []rpc.StateAllocation{
				{Participant: n.auth.Address, Token: testToken, Amount: "1000000"},
			},
		},
		ServerSignature: "0xserver",
	}
}

// fakeChain records on-chain calls.
type fakeChain struct {
	delay    time.Duration
	fail     atomic.Bool
	deposits atomic.Int32
	resizes  atomic.Int32
	closes   atomic.Int32
}

func (f *fakeChain) wait(ctx context.Context) error {
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeChain) Deposit(ctx context.Context, _ string, _ *big.Int) (domain.TxReceipt, error) {
	f.deposits.Add(1)
	if err := f.wait(ctx); err != nil {
		return domain.TxReceipt{}, err
	}
	if f.fail.Load() {
		return domain.TxReceipt{TxHash: "0xdead", Status: 0, BlockNumber: 1}, nil
	}
	return domain.TxReceipt{TxHash: "0xdeposit", Status: 1, BlockNumber: 10}, nil
}

func (f *fakeChain) Resize(ctx context.Context, _ domain.ChannelState) (domain.TxReceipt, error) {
	f.resizes.Add(1)
	if err := f.wait(ctx); err != nil {
		return domain.TxReceipt{}, err
	}
	return domain.TxReceipt{TxHash: "0xresize", Status: 1, BlockNumber: 11}, nil
}

func (f *fakeChain) Close(ctx context.Context, _ domain.ChannelState) (domain.TxReceipt, error) {
	f.closes.Add(1)
	if err := f.wait(ctx); err != nil {
		return domain.TxReceipt{}, err
	}
	return domain.TxReceipt{TxHash: "0xclose", Status: 1, BlockNumber: 12}, nil
}

// memCache is an in-memory domain.ChannelCache.
type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key, id string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]string)
	}
	c.m[key] = id
	return nil
}

func (c *memCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

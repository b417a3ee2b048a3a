// Package clearnode is the protocol session client for a clearing node. One
// Client owns one connection, one session key and at most one channel, and
// exposes the operations the rest of the system needs: connect and
// authenticate, query and move ledger balances, and manage the channel.
package clearnode

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/ledgermarket/internal/correlator"
	"github.com/alanyoungcy/ledgermarket/internal/crypto"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/metrics"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
	"github.com/alanyoungcy/ledgermarket/internal/transport"
)

// Wallet is the long-lived identity that authorizes session keys.
type Wallet interface {
	Address() common.Address
	SignPolicy(application string, p crypto.Policy) (string, error)
}

// OnChain funds, resizes and closes the channel on chain. Every method
// returns only after the transaction is confirmed or has failed.
type OnChain interface {
	Deposit(ctx context.Context, token string, amount *big.Int) (domain.TxReceipt, error)
	Resize(ctx context.Context, state domain.ChannelState) (domain.TxReceipt, error)
	Close(ctx context.Context, state domain.ChannelState) (domain.TxReceipt, error)
}

// Conn is an open transport connection.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a connection that reports inbound frames to h.
type DialFunc func(ctx context.Context, url string, h transport.Handler) (Conn, error)

// WebsocketDialer dials the real websocket transport.
func WebsocketDialer(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, url string, h transport.Handler) (Conn, error) {
		return transport.Dial(ctx, url, h, logger)
	}
}

// Config holds the session and channel parameters.
type Config struct {
	URL         string
	Application string
	Scope       string
	SessionTTL  time.Duration
	Allowances  []domain.Allowance

	QueryTimeout   time.Duration // balance and channel queries
	RequestTimeout time.Duration // auth, transfer and channel messages
	ChainTimeout   time.Duration // operations awaiting on-chain confirmation

	ChainID       int64
	Token         string
	DepositAmount *big.Int
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = 2 * time.Minute
	}
	if c.DepositAmount == nil {
		c.DepositAmount = new(big.Int)
	}
}

// Option configures optional collaborators.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d DialFunc) Option { return func(c *Client) { c.dial = d } }

// WithOnChain sets the on-chain collaborator used by the channel manager.
func WithOnChain(oc OnChain) Option { return func(c *Client) { c.onchain = oc } }

// WithChannelCache enables channel id caching across restarts.
func WithChannelCache(cc domain.ChannelCache) Option { return func(c *Client) { c.cache = cc } }

// WithMetrics attaches a metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(c *Client) { c.metrics = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// Client is a reusable protocol session client.
type Client struct {
	cfg     Config
	wallet  Wallet
	dial    DialFunc
	onchain OnChain
	cache   domain.ChannelCache
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	// mu guards everything below. It is never held across network I/O.
	mu      sync.Mutex
	state   domain.SessionState
	gen     uint64 // bumped on every connect/disconnect
	conn    Conn
	corr    *correlator.Correlator
	key     *crypto.SessionKey
	session *domain.Session
	channel *domain.Channel
	funding bool // an on-chain deposit for channel is in flight
	nonces  map[string]*nonceRecord
	subs    []func(domain.LedgerSnapshot)

	// chanOp serializes channel lifecycle operations.
	chanOp sync.Mutex
	flight singleflight.Group

	ledger atomic.Pointer[domain.LedgerSnapshot]
}

// New creates a disconnected client.
func New(cfg Config, wallet Wallet, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		wallet: wallet,
		state:  domain.StateDisconnected,
		nonces: make(map[string]*nonceRecord),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "clearnode"))
	if c.dial == nil {
		c.dial = WebsocketDialer(c.logger)
	}
	c.metrics.SetSessionState("", string(domain.StateDisconnected))
	return c
}

// Address returns the wallet identity this client acts for.
func (c *Client) Address() string {
	return c.wallet.Address().Hex()
}

// Session returns the current session, if authenticated.
func (c *Client) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.Session{}, false
	}
	return *c.session, true
}

// Connect dials the clearing node and authenticates a fresh session key.
// It is legal from disconnected and error. On authentication failure the
// session ends in the error state and the key is destroyed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateDisconnected && c.state != domain.StateError {
		st := c.state
		c.mu.Unlock()
		return &domain.OpError{Op: "connect", State: string(st), Err: domain.ErrInvalidState}
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(domain.StateConnecting)
	c.mu.Unlock()

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		c.fail(gen, domain.StateDisconnected)
		return fmt.Errorf("clearnode: connect: %w", err)
	}

	out := &lazySender{}
	corr := correlator.New(out, c.logger, c.metrics)
	corr.OnUnsolicited(c.handlePush)
	conn, err := c.dial(ctx, c.cfg.URL, transport.Handler{
		OnMessage: func(raw []byte) { c.onMessage(corr, raw) },
		OnClose:   func(err error) { c.onClose(gen, err) },
	})
	if err != nil {
		key.Destroy()
		c.fail(gen, domain.StateDisconnected)
		return &domain.OpError{Op: "connect", State: string(domain.StateConnecting), Err: err}
	}
	out.set(conn)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		key.Destroy()
		_ = conn.Close()
		return &domain.OpError{Op: "connect", State: string(domain.StateDisconnected), Err: domain.ErrTransport}
	}
	c.conn = conn
	c.corr = corr
	c.key = key
	c.setStateLocked(domain.StateAuthenticating)
	c.mu.Unlock()

	sess, err := c.authenticate(ctx, corr, key)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.gen++
			c.teardownLocked(domain.StateError)
		}
		c.mu.Unlock()
		c.closeResources(conn, corr, key)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return &domain.OpError{Op: "connect", State: string(c.state), Err: domain.ErrTransport}
	}
	c.session = &sess
	c.setStateLocked(domain.StateAuthenticated)
	c.logger.InfoContext(ctx, "clearnode: authenticated",
		slog.String("wallet", sess.Identity),
		slog.String("session_key", sess.SessionKey),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return nil
}

// Disconnect closes the connection and destroys the session key. The
// channel, if any, stays open on the network; only local state is dropped.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, corr, key := c.conn, c.corr, c.key
	c.gen++
	c.teardownLocked(domain.StateDisconnected)
	c.mu.Unlock()

	c.closeResources(conn, corr, key)
	return nil
}

// onMessage runs on the transport read goroutine.
func (c *Client) onMessage(corr *correlator.Correlator, raw []byte) {
	resp, err := rpc.Parse(raw)
	if err != nil {
		c.logger.Warn("clearnode: dropping malformed frame", slog.String("error", err.Error()))
		return
	}
	if resp.Method == rpc.MethodGetLedger {
		c.applyLedgerResponse(resp)
	}
	corr.Deliver(resp)
}

// onClose handles transport termination for connection generation gen.
func (c *Client) onClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	// The transport is already closed; it invokes this from its own
	// shutdown path, so conn.Close must not be called here.
	corr, key := c.corr, c.key
	c.gen++
	c.teardownLocked(domain.StateDisconnected)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("clearnode: transport closed", slog.String("error", err.Error()))
	}
	if corr != nil {
		corr.Fail(err)
	}
	if key != nil {
		key.Destroy()
	}
}

// fail moves a connect attempt of generation gen into state.
func (c *Client) fail(gen uint64, state domain.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.setStateLocked(state)
	}
}

// teardownLocked drops connection state. Caller holds c.mu and closes the
// returned resources outside the lock.
func (c *Client) teardownLocked(next domain.SessionState) {
	c.conn = nil
	c.corr = nil
	c.key = nil
	c.session = nil
	// A pending channel that is funded, or whose deposit is still being
	// awaited, survives so the next EnsureChannel does not fund twice.
	// Open channels are rediscovered.
	if c.channel != nil && !(c.channel.Status == domain.ChannelPending && (c.channel.Funded || c.funding)) {
		c.channel = nil
	}
	c.setStateLocked(next)
}

func (c *Client) closeResources(conn Conn, corr *correlator.Correlator, key *crypto.SessionKey) {
	if conn != nil {
		_ = conn.Close()
	}
	if corr != nil {
		corr.Fail(nil)
	}
	if key != nil {
		key.Destroy()
	}
}

// session snapshot used by every operation after auth.
type opContext struct {
	gen  uint64
	corr *correlator.Correlator
}

// begin checks that the session is in one of allowed and returns the
// correlator to use.
func (c *Client) begin(op string, allowed ...domain.SessionState) (opContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allowed {
		if c.state == s && c.corr != nil {
			return opContext{gen: c.gen, corr: c.corr}, nil
		}
	}
	return opContext{}, &domain.OpError{Op: op, State: string(c.state), Err: domain.ErrInvalidState}
}

// advance moves to next only if the connection that started the operation
// is still current.
func (c *Client) advance(gen uint64, next domain.SessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setStateLocked(next)
	return true
}

// lazySender lets the correlator exist before the connection it writes to,
// so the read loop never observes a half-built client.
type lazySender struct {
	mu   sync.RWMutex
	conn Conn
}

func (s *lazySender) set(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *lazySender) Send(ctx context.Context, data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("clearnode: not connected: %w", domain.ErrTransport)
	}
	return conn.Send(ctx, data)
}

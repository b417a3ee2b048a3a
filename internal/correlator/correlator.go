// Package correlator matches inbound clearing node messages to the requests
// that are waiting for them.
//
// Matching order for an inbound message:
//
//  1. a non-zero id selects the pending request with that id;
//  2. an id-less message selects the oldest pending request that declared
//     its method as an expected kind;
//  3. otherwise the oldest pending request that declared no kinds at all.
//
// Anything left over goes to the unsolicited observer. A response that
// carries an id nobody is waiting for (for example the late answer to a
// timed-out request) is never re-routed by kind.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/metrics"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
)

// Sender writes an encoded frame to the transport.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// SignFunc signs the canonical request payload.
type SignFunc func(payload []byte) (string, error)

type pending struct {
	id       uint64
	method   rpc.Method
	kinds    []rpc.Method
	issuedAt time.Time
	deadline time.Time
	slot     chan result
}

type result struct {
	resp rpc.Response
	err  error
}

// Correlator is the table of pending requests for one connection.
type Correlator struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	nextID atomic.Uint64

	mu          sync.Mutex
	pending     map[uint64]*pending
	order       []uint64 // issue order, for kind matching
	failed      error
	signer      SignFunc
	unsolicited func(rpc.Response)
}

// New creates a Correlator that writes through sender.
func New(sender Sender, logger *slog.Logger, rec *metrics.Recorder) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		sender:  sender,
		logger:  logger.With(slog.String("component", "correlator")),
		metrics: rec,
		now:     time.Now,
		pending: make(map[uint64]*pending),
	}
}

// SetSigner installs the signer used for requests that carry no signature.
// Passing nil sends subsequent requests unsigned.
func (c *Correlator) SetSigner(fn SignFunc) {
	c.mu.Lock()
	c.signer = fn
	c.mu.Unlock()
}

// OnUnsolicited installs the observer for unmatched inbound messages. It is
// called from the transport read goroutine.
func (c *Correlator) OnUnsolicited(fn func(rpc.Response)) {
	c.mu.Lock()
	c.unsolicited = fn
	c.mu.Unlock()
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send issues req and waits for the matching response. A zero req.ID is
// replaced with the next connection-unique id. kinds lists the response
// methods the caller accepts; an "error" response always matches by id.
//
// A response with method "error" is returned as an error wrapping
// domain.ErrRemote. When timeout elapses the entry is removed and the error
// wraps domain.ErrTimeout; the remote effect may still have happened.
func (c *Correlator) Send(ctx context.Context, req rpc.Request, kinds []rpc.Method, timeout time.Duration) (rpc.Response, error) {
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}
	if req.Timestamp == 0 {
		req.Timestamp = c.now().UnixMilli()
	}

	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return rpc.Response{}, fmt.Errorf("correlator: %s: %w", req.Method, err)
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return rpc.Response{}, fmt.Errorf("correlator: %s: duplicate request id %d: %w", req.Method, req.ID, domain.ErrAlreadyExists)
	}
	signer := c.signer
	c.mu.Unlock()

	if req.Sig == nil && signer != nil {
		payload, err := req.Payload()
		if err != nil {
			return rpc.Response{}, err
		}
		sig, err := signer(payload)
		if err != nil {
			return rpc.Response{}, fmt.Errorf("correlator: sign %s: %w: %v", req.Method, domain.ErrSigningFailed, err)
		}
		req.Sig = []string{sig}
	}
	frame, err := req.Marshal()
	if err != nil {
		return rpc.Response{}, fmt.Errorf("correlator: encode %s: %w", req.Method, err)
	}

	issued := c.now()
	p := &pending{
		id:       req.ID,
		method:   req.Method,
		kinds:    kinds,
		issuedAt: issued,
		deadline: issued.Add(timeout),
		slot:     make(chan result, 1),
	}

	// Register before writing so a fast response cannot be missed.
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return rpc.Response{}, fmt.Errorf("correlator: %s: %w", req.Method, err)
	}
	c.pending[p.id] = p
	c.order = append(c.order, p.id)
	c.metrics.SetPending(len(c.pending))
	c.mu.Unlock()

	if err := c.sender.Send(ctx, frame); err != nil {
		c.remove(p.id)
		c.metrics.RecordRequest(string(req.Method), "transport", c.now().Sub(issued))
		if errors.Is(err, domain.ErrTransport) {
			return rpc.Response{}, fmt.Errorf("correlator: send %s: %w", req.Method, err)
		}
		return rpc.Response{}, fmt.Errorf("correlator: send %s: %w: %v", req.Method, domain.ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.slot:
		c.record(req.Method, r.err, issued)
		return r.resp, r.err
	case <-timer.C:
		if r, ok := c.abandon(p); ok {
			c.record(req.Method, r.err, issued)
			return r.resp, r.err
		}
		c.metrics.RecordRequest(string(req.Method), "timeout", c.now().Sub(issued))
		return rpc.Response{}, fmt.Errorf("correlator: %s id=%d after %s: %w", req.Method, req.ID, timeout, domain.ErrTimeout)
	case <-ctx.Done():
		if r, ok := c.abandon(p); ok {
			c.record(req.Method, r.err, issued)
			return r.resp, r.err
		}
		c.metrics.RecordRequest(string(req.Method), "timeout", c.now().Sub(issued))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rpc.Response{}, fmt.Errorf("correlator: %s id=%d: %w", req.Method, req.ID, domain.ErrTimeout)
		}
		return rpc.Response{}, fmt.Errorf("correlator: %s id=%d: %w", req.Method, req.ID, ctx.Err())
	}
}

// Deliver routes one inbound message. It is called sequentially from the
// transport read goroutine.
func (c *Correlator) Deliver(resp rpc.Response) {
	c.mu.Lock()
	p := c.match(resp)
	if p != nil {
		c.removeLocked(p.id)
	}
	observer := c.unsolicited
	c.mu.Unlock()

	if p == nil {
		c.metrics.RecordUnsolicited(string(resp.Method))
		if observer != nil {
			observer(resp)
		} else {
			c.logger.Debug("correlator: dropped unmatched message",
				slog.String("method", string(resp.Method)),
				slog.Uint64("id", resp.ID),
			)
		}
		return
	}

	p.slot <- result{resp: resp, err: responseErr(p, resp)}
}

// Fail terminates every pending request with an error wrapping
// domain.ErrTransport and rejects future sends. cause may be nil.
func (c *Correlator) Fail(cause error) {
	err := fmt.Errorf("connection closed: %w", domain.ErrTransport)
	if cause != nil && errors.Is(cause, domain.ErrTransport) {
		err = cause
	} else if cause != nil {
		err = fmt.Errorf("%w: %v", domain.ErrTransport, cause)
	}

	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	victims := make([]*pending, 0, len(c.pending))
	for _, id := range c.order {
		if p, ok := c.pending[id]; ok {
			victims = append(victims, p)
		}
	}
	c.pending = make(map[uint64]*pending)
	c.order = nil
	c.metrics.SetPending(0)
	c.mu.Unlock()

	for _, p := range victims {
		p.slot <- result{err: err}
	}
}

// match finds the pending request for resp. Caller holds c.mu.
func (c *Correlator) match(resp rpc.Response) *pending {
	if resp.ID != 0 {
		return c.pending[resp.ID]
	}
	for _, id := range c.order {
		p := c.pending[id]
		if slices.Contains(p.kinds, resp.Method) {
			return p
		}
	}
	for _, id := range c.order {
		p := c.pending[id]
		if len(p.kinds) == 0 {
			return p
		}
	}
	return nil
}

// abandon removes p after a timeout. If a response raced in first it is
// returned instead.
func (c *Correlator) abandon(p *pending) (result, bool) {
	c.mu.Lock()
	_, still := c.pending[p.id]
	if still {
		c.removeLocked(p.id)
	}
	c.mu.Unlock()
	if still {
		return result{}, false
	}
	r := <-p.slot
	return r, true
}

func (c *Correlator) remove(id uint64) {
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
}

func (c *Correlator) removeLocked(id uint64) {
	delete(c.pending, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	c.metrics.SetPending(len(c.pending))
}

func (c *Correlator) record(method rpc.Method, err error, issued time.Time) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTransport):
		outcome = "transport"
	case errors.Is(err, domain.ErrRemote):
		outcome = "remote_error"
	default:
		outcome = "error"
	}
	c.metrics.RecordRequest(string(method), outcome, c.now().Sub(issued))
}

func responseErr(p *pending, resp rpc.Response) error {
	if resp.Method == rpc.MethodError {
		return &domain.OpError{
			Op:  string(p.method),
			Err: fmt.Errorf("%w: %s", domain.ErrRemote, resp.ErrorMessage()),
		}
	}
	if len(p.kinds) > 0 && !slices.Contains(p.kinds, resp.Method) {
		return &domain.OpError{
			Op:  string(p.method),
			Err: fmt.Errorf("%w: unexpected response %q", domain.ErrRemote, resp.Method),
		}
	}
	return nil
}

package clearnode

import (
	"log/slog"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// ledgerStates are the states in which ledger-only operations are legal.
// A channel is not required to query or move ledger funds.
var ledgerStates = []domain.SessionState{
	domain.StateAuthenticated,
	domain.StateChannelPending,
	domain.StateChannelActive,
	domain.StateClosing,
	domain.StateClosed,
}

// transitions lists the legal edges of the session lifecycle. Any state may
// also drop to disconnected.
var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StateDisconnected:   {domain.StateConnecting},
	domain.StateConnecting:     {domain.StateAuthenticating, domain.StateDisconnected},
	domain.StateAuthenticating: {domain.StateAuthenticated, domain.StateError},
	domain.StateAuthenticated:  {domain.StateChannelPending, domain.StateChannelActive},
	domain.StateChannelPending: {domain.StateChannelActive, domain.StateAuthenticated},
	domain.StateChannelActive:  {domain.StateClosing},
	domain.StateClosing:        {domain.StateClosed, domain.StateChannelActive},
	domain.StateClosed:         {domain.StateChannelPending, domain.StateChannelActive},
	domain.StateError:          {domain.StateConnecting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.SessionState) bool {
	if to == domain.StateDisconnected || from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State returns the current session state.
func (c *Client) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked applies a transition. Caller holds c.mu. An illegal edge
// is a programming error; it is logged and applied anyway so the client
// never wedges.
func (c *Client) setStateLocked(next domain.SessionState) {
	prev := c.state
	if prev == next {
		return
	}
	if !CanTransition(prev, next) {
		c.logger.Error("clearnode: illegal state transition",
			slog.String("from", string(prev)),
			slog.String("to", string(next)),
		)
	}
	c.state = next
	c.metrics.SetSessionState(string(prev), string(next))
	c.logger.Debug("clearnode: state",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
}

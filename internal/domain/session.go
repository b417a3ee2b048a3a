package domain

import (
	"math/big"
	"time"
)

// SessionState is a node in the session lifecycle.
type SessionState string

const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateChannelPending SessionState = "channel_pending"
	StateChannelActive  SessionState = "channel_active"
	StateClosing        SessionState = "closing"
	StateClosed         SessionState = "closed"
	StateError          SessionState = "error"
)

// Allowance caps how much of one asset the session key may spend. Amount is
// in raw ledger units.
type Allowance struct {
	Asset  string
	Amount *big.Int
}

// Session describes an authenticated session. The session key's private
// material never appears here; only its address.
type Session struct {
	Identity    string // long-lived wallet address
	SessionKey  string // ephemeral key address
	Application string
	Scope       string
	Allowances  []Allowance
	ExpiresAt   time.Time
	JWT         string
	StartedAt   time.Time
}

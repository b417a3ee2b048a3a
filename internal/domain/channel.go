package domain

import (
	"math/big"
	"time"
)

// ChannelStatus tracks where a channel is in its open/resize/close sequence.
type ChannelStatus string

const (
	ChannelNone     ChannelStatus = "none"
	ChannelPending  ChannelStatus = "pending"
	ChannelOpen     ChannelStatus = "open"
	ChannelResizing ChannelStatus = "resizing"
	ChannelClosing  ChannelStatus = "closing"
	ChannelClosed   ChannelStatus = "closed"
)

// StateIntent mirrors the custody contract's state intent enum.
type StateIntent uint8

const (
	IntentOperate    StateIntent = 0
	IntentInitialize StateIntent = 1
	IntentResize     StateIntent = 2
	IntentFinalize   StateIntent = 3
)

// Allocation is one participant's share of a channel for one token.
type Allocation struct {
	Participant string
	Token       string
	Amount      *big.Int
}

// Channel is the locally tracked view of the funded channel.
type Channel struct {
	ID              string
	Status          ChannelStatus
	ChainID         int64
	Token           string
	Funded          bool   // on-chain deposit confirmed
	FundingTx       string // hash of the deposit transaction
	OnChainVersion  uint64
	OffChainVersion uint64
	Allocations     []Allocation
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers never alias the manager's state.
func (c Channel) Clone() Channel {
	out := c
	if c.Allocations != nil {
		out.Allocations = make([]Allocation, len(c.Allocations))
		for i, a := range c.Allocations {
			out.Allocations[i] = a
			if a.Amount != nil {
				out.Allocations[i].Amount = new(big.Int).Set(a.Amount)
			}
		}
	}
	return out
}

// ChannelState is a server-countersigned channel state as returned by
// create/resize/close responses.
type ChannelState struct {
	ChannelID       string
	Intent          StateIntent
	Version         uint64
	Data            []byte
	Allocations     []Allocation
	ServerSignature string
}

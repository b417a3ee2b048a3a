package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// Ledger is the slice of the session client that moves value. Both the
// trader's and the market treasury's sessions satisfy it.
type Ledger interface {
	Address() string
	Transfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error)
	GetLedgerBalances(ctx context.Context) (domain.LedgerSnapshot, error)
	// ReleaseNonce and MarkNonceApplied settle a nonce whose transfer
	// timed out once the caller knows what happened on the ledger.
	ReleaseNonce(nonce string) error
	MarkNonceApplied(nonce string, result domain.TransferResult)
}

// Payers resolves the session that pays for a participant's buys.
type Payers interface {
	PayerFor(participant string) (Ledger, error)
}

// SinglePayer serves the one participant whose session it holds.
type SinglePayer struct {
	Ledger Ledger
}

// PayerFor returns the session when participant is its address.
func (p SinglePayer) PayerFor(participant string) (Ledger, error) {
	if p.Ledger == nil || !strings.EqualFold(p.Ledger.Address(), participant) {
		return nil, fmt.Errorf("%w: no session for participant %s", domain.ErrInvalidTrade, participant)
	}
	return p.Ledger, nil
}

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

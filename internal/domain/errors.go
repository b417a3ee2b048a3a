package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")
	ErrSigningFailed = errors.New("signing failed")

	// Session and protocol failures.
	ErrTransport            = errors.New("transport error")
	ErrTimeout              = errors.New("timeout")
	ErrInvalidState         = errors.New("invalid state")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrStaleState           = errors.New("stale channel state")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrNonceConsumed        = errors.New("nonce already consumed")
	ErrRemote               = errors.New("remote error")

	// Market failures.
	ErrMarketNotOpen = errors.New("market not open")
	ErrInvalidTrade  = errors.New("invalid trade")
)

// OpError decorates a sentinel with the operation, nonce and last-known
// state so a caller can decide whether a retry is safe.
type OpError struct {
	Op    string
	Nonce string
	State string
	Err   error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Nonce != "" {
		b.WriteString(" nonce=")
		b.WriteString(e.Nonce)
	}
	if e.State != "" {
		b.WriteString(" state=")
		b.WriteString(e.State)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

// Retryable reports whether err is a failure that is local to one operation
// (transport drop or timeout). The caller still has to reconcile through a
// ledger query before re-issuing anything that moves value.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

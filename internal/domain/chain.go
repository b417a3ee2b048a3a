package domain

import (
	"context"
	"math/big"
)

// TxReceipt is the confirmed outcome of an on-chain transaction.
type TxReceipt struct {
	TxHash      string
	Status      uint64 // 1 success, 0 reverted
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r TxReceipt) Succeeded() bool { return r.Status == 1 }

// Chain is the on-chain capability: submit, approve, and wait.
type Chain interface {
	SubmitTransaction(ctx context.Context, to string, data []byte) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string) (TxReceipt, error)
	ApproveToken(ctx context.Context, token, spender string, amount *big.Int) (string, error)
}

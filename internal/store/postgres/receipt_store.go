package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore using PostgreSQL. The
// (market_id, participant, nonce) unique constraint enforces idempotency.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a new ReceiptStore backed by the given connection pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

const receiptCols = `trade_id, market_id, participant, nonce, outcome,
	shares_delta, cost, transfer_id, status, error, created_at, confirmed_at`

func scanReceipt(row pgx.Row) (domain.TradeReceipt, error) {
	var r domain.TradeReceipt
	var outcome, status string
	err := row.Scan(
		&r.TradeID, &r.MarketID, &r.Participant, &r.Nonce, &outcome,
		&r.SharesDelta, &r.Cost, &r.TransferID, &status, &r.Error,
		&r.CreatedAt, &r.ConfirmedAt,
	)
	if err != nil {
		return domain.TradeReceipt{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	r.Status = domain.ReceiptStatus(status)
	return r, nil
}

// Reserve inserts r unless its trade key is taken, in which case the
// existing receipt is returned with created=false.
func (s *ReceiptStore) Reserve(ctx context.Context, r domain.TradeReceipt) (domain.TradeReceipt, bool, error) {
	const insert = `
		INSERT INTO trade_receipts (
			trade_id, market_id, participant, nonce, outcome,
			shares_delta, cost, transfer_id, status, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market_id, participant, nonce) DO NOTHING
		RETURNING ` + receiptCols

	out, err := scanReceipt(s.pool.QueryRow(ctx, insert,
		r.TradeID, r.MarketID, r.Participant, r.Nonce, string(r.Outcome),
		r.SharesDelta, r.Cost, r.TransferID, string(r.Status), r.Error,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			return domain.TradeReceipt{}, false, fmt.Errorf("postgres: receipt %s: %w", r.TradeID, domain.ErrAlreadyExists)
		}
		return domain.TradeReceipt{}, false, fmt.Errorf("postgres: reserve receipt %s: %w", r.Key(), err)
	}

	existing, err := s.GetByKey(ctx, r.Key())
	if err != nil {
		return domain.TradeReceipt{}, false, err
	}
	return existing, false, nil
}

// GetByKey returns the receipt for an idempotency key.
func (s *ReceiptStore) GetByKey(ctx context.Context, key domain.TradeKey) (domain.TradeReceipt, error) {
	r, err := scanReceipt(s.pool.QueryRow(ctx,
		`SELECT `+receiptCols+` FROM trade_receipts
		 WHERE market_id = $1 AND participant = $2 AND nonce = $3`,
		key.MarketID, key.Participant, key.Nonce))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeReceipt{}, domain.ErrNotFound
		}
		return domain.TradeReceipt{}, fmt.Errorf("postgres: get receipt %s: %w", key, err)
	}
	return r, nil
}

// SetStatus updates a receipt's status and error message.
func (s *ReceiptStore) SetStatus(ctx context.Context, tradeID string, status domain.ReceiptStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_receipts SET status = $2, error = $3 WHERE trade_id = $1`,
		tradeID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("postgres: set receipt status %s: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Release deletes an unconfirmed reservation.
func (s *ReceiptStore) Release(ctx context.Context, tradeID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trade_receipts WHERE trade_id = $1 AND status <> 'confirmed'`, tradeID)
	if err != nil {
		return fmt.Errorf("postgres: release receipt %s: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByMarket returns a market's receipts oldest first.
func (s *ReceiptStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeReceipt, error) {
	query, args := window(`SELECT `+receiptCols+` FROM trade_receipts WHERE market_id = $1`,
		"created_at", "created_at ASC, trade_id ASC", []any{marketID}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.TradeReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list receipts rows: %w", err)
	}
	return out, nil
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// CommitTrade writes the market pools, the position and the confirmed
// receipt in one transaction.
func (s *SettlementStore) CommitTrade(ctx context.Context, m domain.Market, p domain.Position, r domain.TradeReceipt) error {
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE markets SET pool_yes = $2, pool_no = $3, collateral = $4, updated_at = NOW()
			WHERE id = $1`,
			m.ID, m.Pools.Yes, m.Pools.No, m.Collateral)
		if err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market %s: %w", m.ID, domain.ErrNotFound)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO positions (market_id, participant, yes_shares, no_shares, cost_basis, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (market_id, participant) DO UPDATE SET
				yes_shares = EXCLUDED.yes_shares,
				no_shares  = EXCLUDED.no_shares,
				cost_basis = EXCLUDED.cost_basis,
				updated_at = NOW()`,
			p.MarketID, p.Participant, p.YesShares, p.NoShares, p.CostBasis); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE trade_receipts SET
				status = 'confirmed', error = '',
				cost = $2, shares_delta = $3, transfer_id = $4,
				confirmed_at = COALESCE($5, NOW())
			WHERE trade_id = $1 AND status <> 'confirmed'`,
			r.TradeID, r.Cost, r.SharesDelta, r.TransferID, r.ConfirmedAt)
		if err != nil {
			return fmt.Errorf("confirm receipt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("receipt %s not pending: %w", r.TradeID, domain.ErrAlreadyExists)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: commit trade %s: %w", r.TradeID, err)
	}
	return nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)

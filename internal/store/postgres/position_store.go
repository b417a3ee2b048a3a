package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `market_id, participant, yes_shares, no_shares, cost_basis, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.MarketID, &p.Participant, &p.YesShares, &p.NoShares, &p.CostBasis, &p.UpdatedAt)
	return p, err
}

// Get returns the participant's position in a market.
func (s *PositionStore) Get(ctx context.Context, marketID, participant string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND participant = $2`,
		marketID, participant))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", marketID, participant, err)
	}
	return p, nil
}

// ListByMarket returns every position in a market ordered by participant.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY participant`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

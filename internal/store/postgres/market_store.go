package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, asset, ledger_address, b,
	pool_yes, pool_no, collateral, status, outcome,
	created_at, updated_at, resolved_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, outcome string
	err := row.Scan(
		&m.ID, &m.Question, &m.Asset, &m.LedgerAddress, &m.B,
		&m.Pools.Yes, &m.Pools.No, &m.Collateral, &status, &outcome,
		&m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}

// Create inserts a new market. An existing id yields domain.ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, asset, ledger_address, b,
			pool_yes, pool_no, collateral, status, outcome
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Asset, m.LedgerAddress, m.B,
		m.Pools.Yes, m.Pools.No, m.Collateral, string(m.Status), string(m.Outcome),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByStatus returns markets in status, oldest first.
func (s *MarketStore) ListByStatus(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := window(`SELECT `+marketCols+` FROM markets WHERE status = $1`,
		"created_at", "created_at ASC, id ASC", []any{string(status)}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// Transition moves a market one status step forward under a row lock.
func (s *MarketStore) Transition(ctx context.Context, id string, to domain.MarketStatus, outcome domain.Outcome) (domain.Market, error) {
	var out domain.Market
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanMarket(tx.QueryRow(ctx,
			`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		if !cur.Status.CanTransition(to) {
			out = cur
			return fmt.Errorf("market %s %s -> %s: %w", id, cur.Status, to, domain.ErrInvalidState)
		}

		const update = `
			UPDATE markets SET
				status      = $2,
				outcome     = CASE WHEN $2 = 'resolved' THEN $3 ELSE outcome END,
				resolved_at = CASE WHEN $2 = 'resolved' THEN NOW() ELSE resolved_at END,
				updated_at  = NOW()
			WHERE id = $1
			RETURNING ` + marketCols
		out, err = scanMarket(tx.QueryRow(ctx, update, id, string(to), string(outcome)))
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState) {
			return out, fmt.Errorf("postgres: %w", err)
		}
		return domain.Market{}, fmt.Errorf("postgres: transition market %s: %w", id, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.MarketStore = (*MarketStore)(nil)

// Package memory implements the domain store interfaces in process memory.
// It backs tests and single-process runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// DB holds every table behind one mutex so CommitTrade is atomic across
// markets, positions and receipts.
type DB struct {
	mu        sync.RWMutex
	markets   map[string]domain.Market
	positions map[positionKey]domain.Position
	receipts  map[string]domain.TradeReceipt // by trade id
	byKey     map[domain.TradeKey]string     // trade key -> trade id
	audit     []domain.AuditEntry
	now       func() time.Time
}

type positionKey struct {
	market      string
	participant string
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		markets:   make(map[string]domain.Market),
		positions: make(map[positionKey]domain.Position),
		receipts:  make(map[string]domain.TradeReceipt),
		byKey:     make(map[domain.TradeKey]string),
		now:       time.Now,
	}
}

// Markets returns a domain.MarketStore view.
func (db *DB) Markets() *MarketStore { return &MarketStore{db: db} }

// Positions returns a domain.PositionStore view.
func (db *DB) Positions() *PositionStore { return &PositionStore{db: db} }

// Receipts returns a domain.ReceiptStore view.
func (db *DB) Receipts() *ReceiptStore { return &ReceiptStore{db: db} }

// Settlement returns a domain.SettlementStore view.
func (db *DB) Settlement() *SettlementStore { return &SettlementStore{db: db} }

// Audit returns a domain.AuditStore view.
func (db *DB) Audit() *AuditStore { return &AuditStore{db: db} }

// MarketStore implements domain.MarketStore.
type MarketStore struct{ db *DB }

func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.markets[m.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	now := s.db.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.db.markets[m.ID] = m
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) ListByStatus(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	s.db.mu.RLock()
	var out []domain.Market
	for _, m := range s.db.markets {
		if m.Status == status && inWindow(m.CreatedAt, opts) {
			out = append(out, m)
		}
	}
	s.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, opts), nil
}

func (s *MarketStore) Transition(_ context.Context, id string, to domain.MarketStatus, outcome domain.Outcome) (domain.Market, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if !m.Status.CanTransition(to) {
		return m, fmt.Errorf("memory: market %s %s -> %s: %w", id, m.Status, to, domain.ErrInvalidState)
	}
	now := s.db.now()
	m.Status = to
	m.UpdatedAt = now
	if to == domain.MarketStatusResolved {
		m.Outcome = outcome
		m.ResolvedAt = &now
	}
	s.db.markets[id] = m
	return m, nil
}

// PositionStore implements domain.PositionStore.
type PositionStore struct{ db *DB }

func (s *PositionStore) Get(_ context.Context, marketID, participant string) (domain.Position, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	p, ok := s.db.positions[positionKey{marketID, participant}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	s.db.mu.RLock()
	var out []domain.Position
	for k, p := range s.db.positions {
		if k.market == marketID {
			out = append(out, p)
		}
	}
	s.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out, nil
}

// ReceiptStore implements domain.ReceiptStore.
type ReceiptStore struct{ db *DB }

func (s *ReceiptStore) Reserve(_ context.Context, r domain.TradeReceipt) (domain.TradeReceipt, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if id, ok := s.db.byKey[r.Key()]; ok {
		return s.db.receipts[id], false, nil
	}
	if _, ok := s.db.receipts[r.TradeID]; ok {
		return domain.TradeReceipt{}, false, fmt.Errorf("memory: receipt %s: %w", r.TradeID, domain.ErrAlreadyExists)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.db.now()
	}
	s.db.receipts[r.TradeID] = r
	s.db.byKey[r.Key()] = r.TradeID
	return r, true, nil
}

func (s *ReceiptStore) GetByKey(_ context.Context, key domain.TradeKey) (domain.TradeReceipt, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	id, ok := s.db.byKey[key]
	if !ok {
		return domain.TradeReceipt{}, domain.ErrNotFound
	}
	return s.db.receipts[id], nil
}

func (s *ReceiptStore) SetStatus(_ context.Context, tradeID string, status domain.ReceiptStatus, errMsg string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.receipts[tradeID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.Error = errMsg
	s.db.receipts[tradeID] = r
	return nil
}

func (s *ReceiptStore) Release(_ context.Context, tradeID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.receipts[tradeID]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.db.receipts, tradeID)
	delete(s.db.byKey, r.Key())
	return nil
}

func (s *ReceiptStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeReceipt, error) {
	s.db.mu.RLock()
	var out []domain.TradeReceipt
	for _, r := range s.db.receipts {
		if r.MarketID == marketID && inWindow(r.CreatedAt, opts) {
			out = append(out, r)
		}
	}
	s.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return page(out, opts), nil
}

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct{ db *DB }

func (s *SettlementStore) CommitTrade(_ context.Context, m domain.Market, p domain.Position, r domain.TradeReceipt) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.markets[m.ID]; !ok {
		return fmt.Errorf("memory: commit market %s: %w", m.ID, domain.ErrNotFound)
	}
	stored, ok := s.db.receipts[r.TradeID]
	if !ok {
		return fmt.Errorf("memory: commit receipt %s: %w", r.TradeID, domain.ErrNotFound)
	}
	if stored.Status == domain.ReceiptConfirmed {
		return fmt.Errorf("memory: receipt %s already confirmed: %w", r.TradeID, domain.ErrAlreadyExists)
	}

	now := s.db.now()
	m.UpdatedAt = now
	p.UpdatedAt = now
	r.Status = domain.ReceiptConfirmed
	r.Error = ""
	if r.ConfirmedAt == nil {
		r.ConfirmedAt = &now
	}
	s.db.markets[m.ID] = m
	s.db.positions[positionKey{p.MarketID, p.Participant}] = p
	s.db.receipts[r.TradeID] = r
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *DB }

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        int64(len(s.db.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.db.now(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if e := s.db.audit[i]; inWindow(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	s.db.mu.RUnlock()
	return page(out, opts), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.ReceiptStore    = (*ReceiptStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
)

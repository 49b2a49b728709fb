package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position_bot/internal/models"
)

// Memory keeps everything in process. It is used in paper trading without a
// database and in tests.
type Memory struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	order     []string
	trades    []models.Trade
	balances  map[string][]float64
	states    map[string]models.BotState
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		positions: make(map[string]*models.Position),
		balances:  make(map[string][]float64),
		states:    make(map[string]models.BotState),
	}
}

func (m *Memory) SavePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("memory.SavePosition: duplicate id %s", p.ID)
	}
	m.positions[p.ID] = p.Clone()
	m.order = append(m.order, p.ID)
	return nil
}

func (m *Memory) UpdatePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[p.ID]; !ok {
		return fmt.Errorf("memory.UpdatePosition %s: %w", p.ID, ErrNotFound)
	}
	m.positions[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("memory.GetPosition %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *Memory) GetOpenPositions(_ context.Context, symbol string) ([]*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Position, 0)
	for _, id := range m.order {
		p := m.positions[id]
		if p.IsOpen() && (symbol == "" || p.Symbol == symbol) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *Memory) SaveTrade(_ context.Context, t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *t
	c.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, c)
	t.ID = c.ID
	return nil
}

func (m *Memory) GetTrades(_ context.Context, symbol string, limit int) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Trade, 0)
	for i := len(m.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if symbol == "" || m.trades[i].Symbol == symbol {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

func (m *Memory) SaveBalance(_ context.Context, currency string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[currency] = append(m.balances[currency], amount)
	return nil
}

func (m *Memory) BalanceHistory(_ context.Context, currency string, limit int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.balances[currency]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]float64(nil), h...), nil
}

func (m *Memory) LoadBotState(_ context.Context, symbol string) (*models.BotState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[symbol]
	if !ok {
		return nil, fmt.Errorf("memory.LoadBotState %s: %w", symbol, ErrNotFound)
	}
	return &s, nil
}

func (m *Memory) SaveBotState(_ context.Context, s models.BotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	m.states[s.Symbol] = s
	return nil
}

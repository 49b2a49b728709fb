// Package store persists positions, trades, balances and bot state.
package store

import (
	"context"
	"errors"

	"position_bot/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator of the portfolio. Rows are never
// deleted; closed positions stay with status closed.
type Store interface {
	SavePosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	GetOpenPositions(ctx context.Context, symbol string) ([]*models.Position, error)

	SaveTrade(ctx context.Context, t *models.Trade) error
	// GetTrades returns the newest limit trades of symbol, newest first.
	GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)

	SaveBalance(ctx context.Context, currency string, amount float64) error
	BalanceHistory(ctx context.Context, currency string, limit int) ([]float64, error)

	LoadBotState(ctx context.Context, symbol string) (*models.BotState, error)
	SaveBotState(ctx context.Context, s models.BotState) error
}

package store

import (
	"context"
	"fmt"
	"time"

	"position_bot/internal/models"
	"position_bot/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Postgres implements Store on top of the shared transaction manager. JSON
// columns are encoded with sonic.
type Postgres struct {
	db db.TxManager
}

var _ Store = (*Postgres)(nil)

func NewPostgres(tm db.TxManager) *Postgres {
	return &Postgres{db: tm}
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Conn().Exec(ctx, schema)
	return errors.Wrap(err, "postgres.Migrate")
}

func (s *Postgres) SavePosition(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("postgres.SavePosition: %w", err)
		}
	}()

	exits, info, err := positionJSON(p)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, insertPositionSQL,
			p.ID, p.Symbol, string(p.Side), p.Amount, p.EntryPrice, p.Leverage, p.OpenedAt,
			nullTime(p.ClosedAt), nullFloat(p.ExitPrice), p.PnL, string(p.Status),
			nullFloat(p.StopLoss), nullFloat(p.TakeProfit), p.AutoSLTP, p.TrailingStop,
			nullFloat(p.TrailingStopDistance), nullFloat(p.TrailingStopPrice),
			p.ContractSize, exits, info,
		)
		return err
	})
}

func (s *Postgres) UpdatePosition(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("postgres.UpdatePosition: %w", err)
		}
	}()

	exits, info, err := positionJSON(p)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctxTx, updatePositionSQL,
			p.ID, p.Amount, nullTime(p.ClosedAt), nullFloat(p.ExitPrice), p.PnL, string(p.Status),
			nullFloat(p.StopLoss), nullFloat(p.TakeProfit), p.AutoSLTP, p.TrailingStop,
			nullFloat(p.TrailingStopDistance), nullFloat(p.TrailingStopPrice),
			exits, info,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Postgres) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	rows, err := s.db.Conn().Query(ctx, selectPositionColumns+" WHERE id = $1", id)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetPosition")
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetPosition")
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres.GetPosition %s: %w", id, ErrNotFound)
	}
	return out[0], nil
}

func (s *Postgres) GetOpenPositions(ctx context.Context, symbol string) ([]*models.Position, error) {
	rows, err := s.db.Conn().Query(ctx,
		selectPositionColumns+" WHERE status = 'open' AND ($1::text = '' OR symbol = $1::text) ORDER BY opened_at, id",
		symbol,
	)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetOpenPositions")
	}
	out, err := scanPositions(rows)
	return out, errors.Wrap(err, "postgres.GetOpenPositions")
}

func (s *Postgres) SaveTrade(ctx context.Context, t *models.Trade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("postgres.SaveTrade: %w", err)
		}
	}()

	info, err := sonic.Marshal(nonNilMap(t.AdditionalInfo))
	if err != nil {
		return err
	}
	var positionID any
	if t.PositionID != "" {
		positionID = t.PositionID
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctxTx, insertTradeSQL,
			t.Symbol, string(t.Side), t.OrderType, t.Amount, t.Price, t.Cost, t.Fee,
			t.Timestamp, positionID, string(info),
		).Scan(&t.ID)
	})
}

func (s *Postgres) GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Conn().Query(ctx, selectTradesSQL, symbol, lim)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetTrades")
	}
	defer rows.Close()

	out := make([]models.Trade, 0)
	for rows.Next() {
		var (
			t          models.Trade
			side       string
			positionID *string
			info       []byte
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.OrderType, &t.Amount, &t.Price, &t.Cost,
			&t.Fee, &t.Timestamp, &positionID, &info); err != nil {
			return nil, errors.Wrap(err, "postgres.GetTrades: scan")
		}
		t.Side = models.OrderSide(side)
		if positionID != nil {
			t.PositionID = *positionID
		}
		if len(info) > 0 {
			if err := sonic.Unmarshal(info, &t.AdditionalInfo); err != nil {
				return nil, errors.Wrap(err, "postgres.GetTrades: additional_info")
			}
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "postgres.GetTrades")
}

func (s *Postgres) SaveBalance(ctx context.Context, currency string, amount float64) error {
	_, err := s.db.Conn().Exec(ctx, insertBalanceSQL, currency, amount)
	return errors.Wrapf(err, "postgres.SaveBalance %s", currency)
}

func (s *Postgres) BalanceHistory(ctx context.Context, currency string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Conn().Query(ctx, selectBalancesSQL, currency, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.BalanceHistory")
	}
	defer rows.Close()

	out := make([]float64, 0)
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "postgres.BalanceHistory: scan")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "postgres.BalanceHistory")
}

func (s *Postgres) LoadBotState(ctx context.Context, symbol string) (*models.BotState, error) {
	var (
		st     models.BotState
		signal string
		params []byte
	)
	err := s.db.Conn().QueryRow(ctx, selectBotStateSQL, symbol).
		Scan(&st.Symbol, &st.Exchange, &st.TestMode, &st.Running, &signal, &params, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres.LoadBotState %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres.LoadBotState")
	}
	st.LastSignal = models.SignalSide(signal)
	if len(params) > 0 {
		if err := sonic.Unmarshal(params, &st.Parameters); err != nil {
			return nil, errors.Wrap(err, "postgres.LoadBotState: parameters")
		}
	}
	return &st, nil
}

func (s *Postgres) SaveBotState(ctx context.Context, st models.BotState) error {
	params, err := sonic.Marshal(nonNilMap(st.Parameters))
	if err != nil {
		return errors.Wrap(err, "postgres.SaveBotState: parameters")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, upsertBotStateSQL,
			st.Symbol, st.Exchange, st.TestMode, st.Running, string(st.LastSignal), string(params), st.UpdatedAt)
		return err
	})
	return errors.Wrap(err, "postgres.SaveBotState")
}

func scanPositions(rows pgx.Rows) ([]*models.Position, error) {
	defer rows.Close()

	out := make([]*models.Position, 0)
	for rows.Next() {
		var (
			p                         models.Position
			side, status              string
			closedAt                  *time.Time
			exitPrice, stopLoss       *float64
			takeProfit, trailDistance *float64
			trailPrice                *float64
			exits, info               []byte
		)
		err := rows.Scan(&p.ID, &p.Symbol, &side, &p.Amount, &p.EntryPrice, &p.Leverage, &p.OpenedAt,
			&closedAt, &exitPrice, &p.PnL, &status, &stopLoss, &takeProfit, &p.AutoSLTP, &p.TrailingStop,
			&trailDistance, &trailPrice, &p.ContractSize, &exits, &info)
		if err != nil {
			return nil, err
		}

		p.Side = models.PositionSide(side)
		p.Status = models.PositionStatus(status)
		if closedAt != nil {
			p.ClosedAt = *closedAt
		}
		p.ExitPrice = deref(exitPrice)
		p.StopLoss = deref(stopLoss)
		p.TakeProfit = deref(takeProfit)
		p.TrailingStopDistance = deref(trailDistance)
		p.TrailingStopPrice = deref(trailPrice)

		p.PartialExits = []models.PartialExit{}
		if len(exits) > 0 {
			if err := sonic.Unmarshal(exits, &p.PartialExits); err != nil {
				return nil, fmt.Errorf("partial_exits of %s: %w", p.ID, err)
			}
		}
		p.AdditionalInfo = map[string]any{}
		if len(info) > 0 {
			if err := sonic.Unmarshal(info, &p.AdditionalInfo); err != nil {
				return nil, fmt.Errorf("additional_info of %s: %w", p.ID, err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func positionJSON(p *models.Position) (exits, info string, err error) {
	partial := p.PartialExits
	if partial == nil {
		partial = []models.PartialExit{}
	}
	b, err := sonic.Marshal(partial)
	if err != nil {
		return "", "", err
	}
	i, err := sonic.Marshal(nonNilMap(p.AdditionalInfo))
	if err != nil {
		return "", "", err
	}
	return string(b), string(i), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

package store

const schema = `
CREATE TABLE IF NOT EXISTS bot_state (
	symbol      TEXT PRIMARY KEY,
	exchange    TEXT NOT NULL,
	test_mode   BOOLEAN NOT NULL DEFAULT TRUE,
	is_running  BOOLEAN NOT NULL DEFAULT FALSE,
	last_signal TEXT NOT NULL DEFAULT '',
	parameters  JSONB NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
	id                     TEXT PRIMARY KEY,
	symbol                 TEXT NOT NULL,
	side                   TEXT NOT NULL,
	amount                 DOUBLE PRECISION NOT NULL,
	entry_price            DOUBLE PRECISION NOT NULL,
	leverage               DOUBLE PRECISION NOT NULL DEFAULT 1,
	opened_at              TIMESTAMPTZ NOT NULL,
	closed_at              TIMESTAMPTZ,
	exit_price             DOUBLE PRECISION,
	pnl                    DOUBLE PRECISION NOT NULL DEFAULT 0,
	status                 TEXT NOT NULL,
	stop_loss              DOUBLE PRECISION,
	take_profit            DOUBLE PRECISION,
	auto_sl_tp             BOOLEAN NOT NULL DEFAULT FALSE,
	trailing_stop          BOOLEAN NOT NULL DEFAULT FALSE,
	trailing_stop_distance DOUBLE PRECISION,
	trailing_stop_price    DOUBLE PRECISION,
	contract_size          DOUBLE PRECISION NOT NULL DEFAULT 1,
	partial_exits          JSONB NOT NULL DEFAULT '[]',
	additional_info        JSONB NOT NULL DEFAULT '{}',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS positions_symbol_status_idx ON positions (symbol, status);

CREATE TABLE IF NOT EXISTS trades (
	id              BIGSERIAL PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	amount          DOUBLE PRECISION NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	cost            DOUBLE PRECISION NOT NULL,
	fee             DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts              TIMESTAMPTZ NOT NULL,
	position_id     TEXT REFERENCES positions (id),
	additional_info JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS trades_symbol_ts_idx ON trades (symbol, ts DESC);

CREATE TABLE IF NOT EXISTS balance_history (
	id       BIGSERIAL PRIMARY KEY,
	ts       TIMESTAMPTZ NOT NULL DEFAULT now(),
	currency TEXT NOT NULL,
	amount   DOUBLE PRECISION NOT NULL
);
`

const (
	insertPositionSQL = `
INSERT INTO positions (
	id, symbol, side, amount, entry_price, leverage, opened_at, closed_at, exit_price, pnl, status,
	stop_loss, take_profit, auto_sl_tp, trailing_stop, trailing_stop_distance, trailing_stop_price,
	contract_size, partial_exits, additional_info
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	updatePositionSQL = `
UPDATE positions SET
	amount = $2, closed_at = $3, exit_price = $4, pnl = $5, status = $6,
	stop_loss = $7, take_profit = $8, auto_sl_tp = $9, trailing_stop = $10,
	trailing_stop_distance = $11, trailing_stop_price = $12,
	partial_exits = $13, additional_info = $14, updated_at = now()
WHERE id = $1`

	selectPositionColumns = `
SELECT id, symbol, side, amount, entry_price, leverage, opened_at, closed_at, exit_price, pnl, status,
	stop_loss, take_profit, auto_sl_tp, trailing_stop, trailing_stop_distance, trailing_stop_price,
	contract_size, partial_exits, additional_info
FROM positions`

	insertTradeSQL = `
INSERT INTO trades (symbol, side, order_type, amount, price, cost, fee, ts, position_id, additional_info)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id`

	selectTradesSQL = `
SELECT id, symbol, side, order_type, amount, price, cost, fee, ts, position_id, additional_info
FROM trades
WHERE ($1::text = '' OR symbol = $1::text)
ORDER BY ts DESC, id DESC
LIMIT $2`

	insertBalanceSQL = `INSERT INTO balance_history (currency, amount) VALUES ($1, $2)`

	selectBalancesSQL = `
SELECT amount FROM (
	SELECT id, amount FROM balance_history WHERE currency = $1 ORDER BY id DESC LIMIT $2
) h ORDER BY id`

	upsertBotStateSQL = `
INSERT INTO bot_state (symbol, exchange, test_mode, is_running, last_signal, parameters, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (symbol) DO UPDATE SET
	exchange = EXCLUDED.exchange, test_mode = EXCLUDED.test_mode, is_running = EXCLUDED.is_running,
	last_signal = EXCLUDED.last_signal, parameters = EXCLUDED.parameters, updated_at = EXCLUDED.updated_at`

	selectBotStateSQL = `
SELECT symbol, exchange, test_mode, is_running, last_signal, parameters, updated_at
FROM bot_state WHERE symbol = $1`
)

package store

var schema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
    symbol       TEXT             NOT NULL,
    tf           TEXT             NOT NULL,
    bucket_start BIGINT           NOT NULL,
    o            DOUBLE PRECISION NOT NULL,
    h            DOUBLE PRECISION NOT NULL,
    l            DOUBLE PRECISION NOT NULL,
    c            DOUBLE PRECISION NOT NULL,
    volume       BIGINT           NOT NULL,
    updated_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (symbol, tf, bucket_start)
)`,
	`CREATE TABLE IF NOT EXISTS trades (
    id           BIGSERIAL PRIMARY KEY,
    user_id      TEXT             NOT NULL,
    symbol       TEXT             NOT NULL,
    side         TEXT             NOT NULL CHECK (side IN ('BUY', 'SELL')),
    volume       DOUBLE PRECISION NOT NULL,
    entry_price  DOUBLE PRECISION NOT NULL,
    stop_loss    DOUBLE PRECISION,
    take_profit  DOUBLE PRECISION,
    status       TEXT             NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
    close_price  DOUBLE PRECISION,
    close_time   TIMESTAMPTZ,
    profit_loss  NUMERIC(38, 18),
    close_reason TEXT
)`,
	`CREATE INDEX IF NOT EXISTS trades_open_symbol_idx ON trades (symbol) WHERE status = 'open'`,
	`CREATE TABLE IF NOT EXISTS wallets (
    owner_id   TEXT            PRIMARY KEY,
    balance    NUMERIC(38, 18) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ     NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS wallet_settlements (
    trade_id   BIGINT          PRIMARY KEY REFERENCES trades (id),
    owner_id   TEXT            NOT NULL,
    amount     NUMERIC(38, 18) NOT NULL,
    settled_at TIMESTAMPTZ     NOT NULL DEFAULT now()
)`,
}

const upsertCandleSQL = `
INSERT INTO candles(symbol, tf, bucket_start, o, h, l, c, volume)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(symbol, tf, bucket_start) DO UPDATE
SET o = EXCLUDED.o,
    h = EXCLUDED.h,
    l = EXCLUDED.l,
    c = EXCLUDED.c,
    volume = EXCLUDED.volume,
    updated_at = now();
`


const selectOpenTradesSQL = `
SELECT id, user_id, symbol, side, volume, entry_price, stop_loss, take_profit
FROM trades
WHERE status = 'open'`

const closeTradeSQL = `
UPDATE trades
SET status = 'closed',
    close_price = $2,
    close_time = $3,
    profit_loss = $4::numeric,
    close_reason = $5
WHERE id = $1 AND status = 'open'
RETURNING user_id;
`

const insertSettlementSQL = `
INSERT INTO wallet_settlements(trade_id, owner_id, amount)
VALUES($1, $2, $3::numeric)
ON CONFLICT(trade_id) DO NOTHING;
`

const creditWalletSQL = `
INSERT INTO wallets(owner_id, balance)
VALUES($1, $2::numeric)
ON CONFLICT(owner_id) DO UPDATE
SET balance = wallets.balance + EXCLUDED.balance,
    updated_at = now();
`

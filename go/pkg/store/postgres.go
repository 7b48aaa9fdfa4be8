// Package store implements the persistence collaborators of the engine: candle upserts,
// conditional trade closure and idempotent wallet settlement.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrTradeNotFound = errors.New("trade not found")

// Postgres is the durable store, backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the engine tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertCandles writes the batch in one round trip. A conflicting row is overwritten, so
// writing the same candle twice leaves identical content.
func (p *Postgres) UpsertCandles(ctx context.Context, candles []shared.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertCandleSQL, c.Symbol, string(c.Interval), c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	br := conn.SendBatch(ctx, batch)
	defer br.Close()

	for range candles {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// OpenTrades lists open trades, optionally restricted to one symbol.
func (p *Postgres) OpenTrades(ctx context.Context, symbol string) ([]shared.Trade, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if symbol == "" {
		rows, err = p.pool.Query(ctx, selectOpenTradesSQL+` ORDER BY id`)
	} else {
		rows, err = p.pool.Query(ctx, selectOpenTradesSQL+` AND symbol = $1 ORDER BY id`, symbol)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]shared.Trade, 0)
	for rows.Next() {
		var (
			t    shared.Trade
			side string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &t.Volume, &t.EntryPrice, &t.StopLoss, &t.TakeProfit); err != nil {
			return nil, err
		}
		t.Side = shared.Side(side)
		t.Status = shared.TradeOpen
		out = append(out, t)
	}
	return out, rows.Err()
}

// CloseTrade closes the trade if it is still open and settles the PnL, in one transaction.
// It reports false when another evaluator already closed the trade.
func (p *Postgres) CloseTrade(ctx context.Context, c shared.TradeClosure) (bool, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx, closeTradeSQL, c.TradeID, c.ClosePrice, c.CloseTime.UTC(), c.ProfitLoss.String(), string(c.Reason)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, c.TradeID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrTradeNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("close trade %d: %w", c.TradeID, err)
	}

	if _, err := settle(ctx, tx, c.TradeID, owner, c.ProfitLoss); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit trade %d: %w", c.TradeID, err)
	}
	return true, nil
}

func settle(ctx context.Context, tx pgx.Tx, tradeID int64, owner string, amount decimal.Decimal) (bool, error) {
	tag, err := tx.Exec(ctx, insertSettlementSQL, tradeID, owner, amount.String())
	if err != nil {
		return false, fmt.Errorf("settlement %d: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, creditWalletSQL, owner, amount.String()); err != nil {
		return false, fmt.Errorf("wallet %s: %w", owner, err)
	}
	return true, nil
}

const pingTimeout = 2 * time.Second

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

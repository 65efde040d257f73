package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ees-trading/ees/internal/config"
)

// Trade is one closed round trip.
type Trade struct {
	PositionID  string
	Symbol      string
	Quantity    int64
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	EntryTime   time.Time
	ExitTime    time.Time
	RealizedPnL decimal.Decimal
	ExitReason  string
	FinalState  string
	Adopted     bool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS closed_trades (
	id            BIGSERIAL PRIMARY KEY,
	position_id   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	entry_price   NUMERIC(18,4) NOT NULL,
	exit_price    NUMERIC(18,4) NOT NULL,
	entry_time    TIMESTAMPTZ NOT NULL,
	exit_time     TIMESTAMPTZ NOT NULL,
	realized_pnl  NUMERIC(18,4) NOT NULL,
	exit_reason   TEXT NOT NULL,
	final_state   TEXT NOT NULL,
	adopted       BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertTradeSQL = `
INSERT INTO closed_trades
	(position_id, symbol, quantity, entry_price, exit_price, entry_time, exit_time, realized_pnl, exit_reason, final_state, adopted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// execer is the slice of the pool the archive uses.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Archive writes closed trades to Postgres. A nil *Archive is a valid
// no-op, so callers never branch on whether archiving is configured.
type Archive struct {
	db     execer
	logger zerolog.Logger
}

// New connects to the archive database and ensures the schema. Returns
// (nil, nil) when archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to archive db: %w", err)
	}

	a := &Archive{db: pool, logger: config.NewLogger("archive")}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB wires an existing connection, used by tests.
func NewWithDB(db execer) *Archive {
	return &Archive{db: db, logger: config.NewLogger("archive")}
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("creating closed_trades table: %w", err)
	}
	return nil
}

// Record inserts one closed trade. Archive failures are logged, never
// fatal: the trade already happened.
func (a *Archive) Record(ctx context.Context, t Trade) error {
	if a == nil {
		return nil
	}

	_, err := a.db.Exec(ctx, insertTradeSQL,
		t.PositionID, t.Symbol, t.Quantity,
		t.EntryPrice, t.ExitPrice,
		t.EntryTime, t.ExitTime,
		t.RealizedPnL, t.ExitReason, t.FinalState, t.Adopted)
	if err != nil {
		a.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("trade archive insert failed")
		return fmt.Errorf("archiving trade for %s: %w", t.Symbol, err)
	}

	a.logger.Info().
		Str("symbol", t.Symbol).
		Str("position", t.PositionID).
		Str("pnl", t.RealizedPnL.String()).
		Str("reason", t.ExitReason).
		Msg("trade archived")
	return nil
}

// Close releases the pool if one was opened.
func (a *Archive) Close() {
	if a == nil {
		return
	}
	if pool, ok := a.db.(*pgxpool.Pool); ok {
		pool.Close()
	}
}

package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"tradehelm/internal/trading/entity"
)

// TradeRepository is the ledger access the executor and monitor consume.
// A trade's lifecycle transition is always persisted as one atomic write:
// status together with every associated field.
type TradeRepository interface {
	Create(ctx context.Context, t *entity.ExecutedTrade) error
	Update(ctx context.Context, t *entity.ExecutedTrade) error
	GetByID(ctx context.Context, id int64) (*entity.ExecutedTrade, error)
	GetByStatus(ctx context.Context, statuses ...string) ([]*entity.ExecutedTrade, error)
	FindActiveBySymbolDirection(ctx context.Context, symbol, direction string) (*entity.ExecutedTrade, error)
	CountActive(ctx context.Context) (total, stock, option int, err error)
}

const tradeColumns = `
	id, signal_id, symbol, asset_type, direction, status, quantity,
	notional_value, is_fractional, client_order_id, entry_order_id, take_profit_order_id,
	stop_loss_order_id, exit_order_id, entry_price, entry_filled_at,
	exit_price, exit_filled_at, exit_reason, take_profit_price,
	stop_loss_price, trailing_stop_enabled, trailing_stop_pct,
	high_water_mark, needs_monitor, realized_pnl, realized_pnl_pct,
	hold_duration_sec, notes, option_symbol, option_type, strike_price,
	expiry, roll_alert_sent, created_at, updated_at`

type PostgresTradeRepo struct {
	DB *sqlx.DB
}

func NewPostgresTradeRepo(db *sqlx.DB) *PostgresTradeRepo {
	return &PostgresTradeRepo{DB: db}
}

// Create inserts a new ledger row; the caller sets status pending_entry
// before any broker submission so a mid-flight crash stays recoverable.
func (r *PostgresTradeRepo) Create(ctx context.Context, t *entity.ExecutedTrade) error {
	query := `
		INSERT INTO executed_trades (
			signal_id, symbol, asset_type, direction, status, quantity,
			notional_value, is_fractional, client_order_id, entry_order_id, take_profit_order_id,
			stop_loss_order_id, exit_order_id, entry_price, entry_filled_at,
			exit_price, exit_filled_at, exit_reason, take_profit_price,
			stop_loss_price, trailing_stop_enabled, trailing_stop_pct,
			high_water_mark, needs_monitor, realized_pnl, realized_pnl_pct,
			hold_duration_sec, notes, option_symbol, option_type, strike_price,
			expiry, roll_alert_sent, created_at, updated_at
		) VALUES (
			:signal_id, :symbol, :asset_type, :direction, :status, :quantity,
			:notional_value, :is_fractional, :client_order_id, :entry_order_id, :take_profit_order_id,
			:stop_loss_order_id, :exit_order_id, :entry_price, :entry_filled_at,
			:exit_price, :exit_filled_at, :exit_reason, :take_profit_price,
			:stop_loss_price, :trailing_stop_enabled, :trailing_stop_pct,
			:high_water_mark, :needs_monitor, :realized_pnl, :realized_pnl_pct,
			:hold_duration_sec, :notes, :option_symbol, :option_type, :strike_price,
			:expiry, :roll_alert_sent, NOW(), NOW()
		) RETURNING id`

	rows, err := r.DB.NamedQueryContext(ctx, query, t)
	if err != nil {
		return errors.Wrap(err, "failed to insert trade")
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&t.ID); err != nil {
			return errors.Wrap(err, "failed to read trade id")
		}
	}
	return nil
}

// Update persists the full row in one statement.
func (r *PostgresTradeRepo) Update(ctx context.Context, t *entity.ExecutedTrade) error {
	query := `
		UPDATE executed_trades SET
			status = :status,
			quantity = :quantity,
			notional_value = :notional_value,
			client_order_id = :client_order_id,
			entry_order_id = :entry_order_id,
			take_profit_order_id = :take_profit_order_id,
			stop_loss_order_id = :stop_loss_order_id,
			exit_order_id = :exit_order_id,
			entry_price = :entry_price,
			entry_filled_at = :entry_filled_at,
			exit_price = :exit_price,
			exit_filled_at = :exit_filled_at,
			exit_reason = :exit_reason,
			take_profit_price = :take_profit_price,
			stop_loss_price = :stop_loss_price,
			trailing_stop_enabled = :trailing_stop_enabled,
			trailing_stop_pct = :trailing_stop_pct,
			high_water_mark = :high_water_mark,
			needs_monitor = :needs_monitor,
			realized_pnl = :realized_pnl,
			realized_pnl_pct = :realized_pnl_pct,
			hold_duration_sec = :hold_duration_sec,
			notes = :notes,
			roll_alert_sent = :roll_alert_sent,
			updated_at = NOW()
		WHERE id = :id`

	_, err := r.DB.NamedExecContext(ctx, query, t)
	return errors.Wrap(err, "failed to update trade")
}

func (r *PostgresTradeRepo) GetByID(ctx context.Context, id int64) (*entity.ExecutedTrade, error) {
	trade := &entity.ExecutedTrade{}
	query := `SELECT ` + tradeColumns + ` FROM executed_trades WHERE id = $1`
	if err := r.DB.GetContext(ctx, trade, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get trade")
	}
	return trade, nil
}

func (r *PostgresTradeRepo) GetByStatus(ctx context.Context, statuses ...string) ([]*entity.ExecutedTrade, error) {
	query, args, err := sqlx.In(
		`SELECT `+tradeColumns+` FROM executed_trades WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build status query")
	}

	var trades []*entity.ExecutedTrade
	if err := r.DB.SelectContext(ctx, &trades, r.DB.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to query trades by status")
	}
	return trades, nil
}

// FindActiveBySymbolDirection backs the gateway's duplicate-position
// check. Returns nil when no active trade exists.
func (r *PostgresTradeRepo) FindActiveBySymbolDirection(ctx context.Context, symbol, direction string) (*entity.ExecutedTrade, error) {
	trade := &entity.ExecutedTrade{}
	query := `
		SELECT ` + tradeColumns + ` FROM executed_trades
		WHERE symbol = $1 AND direction = $2
		  AND status IN ('pending_entry', 'open', 'pending_exit')
		LIMIT 1`
	if err := r.DB.GetContext(ctx, trade, query, symbol, direction); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query active trade")
	}
	return trade, nil
}

// CountActive recomputes open-position counters from ledger truth; the
// monitor's health check uses it to overwrite drifted BotState counters.
func (r *PostgresTradeRepo) CountActive(ctx context.Context) (int, int, int, error) {
	var counts struct {
		Total  int `db:"total"`
		Stock  int `db:"stock"`
		Option int `db:"option"`
	}
	query := `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE asset_type = 'stock') AS stock,
		       COUNT(*) FILTER (WHERE asset_type = 'option') AS option
		FROM executed_trades
		WHERE status IN ('pending_entry', 'open', 'pending_exit')`
	if err := r.DB.GetContext(ctx, &counts, query); err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to count active trades")
	}
	return counts.Total, counts.Stock, counts.Option, nil
}

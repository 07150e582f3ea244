package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"tradehelm/internal/trading/entity"
)

// ErrVersionConflict is returned when a BotState write lost the
// compare-and-swap race; the caller reloads and retries.
var ErrVersionConflict = errors.New("bot state version conflict")

// StateRepository owns the single BotState row.
type StateRepository interface {
	Get(ctx context.Context) (*entity.BotState, error)
	Update(ctx context.Context, s *entity.BotState) error
	ResetDaily(ctx context.Context, tradingDay string, dayStartEquity float64) error
}

type PostgresStateRepo struct {
	DB *sqlx.DB
}

func NewPostgresStateRepo(db *sqlx.DB) *PostgresStateRepo {
	return &PostgresStateRepo{DB: db}
}

func (r *PostgresStateRepo) Get(ctx context.Context) (*entity.BotState, error) {
	state := &entity.BotState{}
	query := `
		SELECT id, version, status, breaker_level, breaker_reason, breaker_since,
		       day_start_equity, trading_day, daily_trade_count, daily_pnl,
		       daily_wins, daily_losses, open_positions_count, open_stock_count,
		       open_option_count, consecutive_errors, last_health_check
		FROM bot_state WHERE id = 1`
	if err := r.DB.GetContext(ctx, state, query); err != nil {
		return nil, errors.Wrap(err, "failed to get bot state")
	}
	return state, nil
}

// Update writes the whole row guarded by the version column. Zero rows
// affected means another writer won; the caller gets ErrVersionConflict.
func (r *PostgresStateRepo) Update(ctx context.Context, s *entity.BotState) error {
	query := `
		UPDATE bot_state SET
			version = version + 1,
			status = :status,
			breaker_level = :breaker_level,
			breaker_reason = :breaker_reason,
			breaker_since = :breaker_since,
			day_start_equity = :day_start_equity,
			trading_day = :trading_day,
			daily_trade_count = :daily_trade_count,
			daily_pnl = :daily_pnl,
			daily_wins = :daily_wins,
			daily_losses = :daily_losses,
			open_positions_count = :open_positions_count,
			open_stock_count = :open_stock_count,
			open_option_count = :open_option_count,
			consecutive_errors = :consecutive_errors,
			last_health_check = :last_health_check
		WHERE id = 1 AND version = :version`

	result, err := r.DB.NamedExecContext(ctx, query, s)
	if err != nil {
		return errors.Wrap(err, "failed to update bot state")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

// ResetDaily zeroes the daily counters and records the new trading day
// and its starting equity. Paused and halted breaker levels carry over
// (both require a manual reset); none and warning clear with the new
// day.
func (r *PostgresStateRepo) ResetDaily(ctx context.Context, tradingDay string, dayStartEquity float64) error {
	query := `
		UPDATE bot_state SET
			version = version + 1,
			trading_day = $1,
			day_start_equity = $2,
			daily_trade_count = 0,
			daily_pnl = 0,
			daily_wins = 0,
			daily_losses = 0,
			consecutive_errors = 0,
			breaker_level = CASE WHEN breaker_level IN ('paused', 'halted') THEN breaker_level ELSE 'none' END,
			breaker_reason = CASE WHEN breaker_level IN ('paused', 'halted') THEN breaker_reason ELSE '' END
		WHERE id = 1`
	_, err := r.DB.ExecContext(ctx, query, tradingDay, dayStartEquity)
	return errors.Wrap(err, "failed to reset daily state")
}

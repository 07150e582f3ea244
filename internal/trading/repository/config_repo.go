package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"tradehelm/internal/trading/entity"
)

// ConfigRepository reads the operator configuration. The trading core
// never writes it.
type ConfigRepository interface {
	Get(ctx context.Context) (*entity.BotConfiguration, error)
}

type PostgresConfigRepo struct {
	DB *sqlx.DB
}

func NewPostgresConfigRepo(db *sqlx.DB) *PostgresConfigRepo {
	return &PostgresConfigRepo{DB: db}
}

func (r *PostgresConfigRepo) Get(ctx context.Context) (*entity.BotConfiguration, error) {
	cfg := &entity.BotConfiguration{}
	query := `
		SELECT id, max_daily_trades, max_daily_loss, max_concurrent_trades,
		       max_stock_trade_value, max_option_trade_value, max_allocation_pct,
		       max_invested_pct, min_confidence, require_ai_review,
		       min_ai_conviction, allowed_strategies, max_bid_ask_spread_pct,
		       min_open_interest, default_take_profit_pct, default_stop_loss_pct,
		       trailing_stop_enabled, trailing_stop_pct, eod_close_enabled,
		       eod_close_lead_minutes, leaps_roll_alert_days, breaker_warn_pct,
		       breaker_pause_pct, breaker_halt_pct
		FROM bot_config WHERE id = 1`
	if err := r.DB.GetContext(ctx, cfg, query); err != nil {
		return nil, errors.Wrap(err, "failed to get bot config")
	}
	return cfg, nil
}

package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"tradehelm/internal/trading/entity"
)

// SignalRepository stores upstream signals so closed trades keep their
// provenance. Signals are immutable apart from the executed mark.
type SignalRepository interface {
	Save(ctx context.Context, s *entity.TradingSignal) error
	GetByID(ctx context.Context, id int64) (*entity.TradingSignal, error)
	MarkExecuted(ctx context.Context, signalID, tradeID int64) error
}

type PostgresSignalRepo struct {
	DB *sqlx.DB
}

func NewPostgresSignalRepo(db *sqlx.DB) *PostgresSignalRepo {
	return &PostgresSignalRepo{DB: db}
}

func (r *PostgresSignalRepo) Save(ctx context.Context, s *entity.TradingSignal) error {
	query := `
		INSERT INTO signals (
			symbol, direction, strategy, timeframe, confidence, entry_price,
			stop_loss, target_1, risk_reward, ai_reviewed, ai_conviction,
			executed, generated_at
		) VALUES (
			:symbol, :direction, :strategy, :timeframe, :confidence, :entry_price,
			:stop_loss, :target_1, :risk_reward, :ai_reviewed, :ai_conviction,
			false, :generated_at
		) RETURNING id`

	rows, err := r.DB.NamedQueryContext(ctx, query, s)
	if err != nil {
		return errors.Wrap(err, "failed to insert signal")
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&s.ID); err != nil {
			return errors.Wrap(err, "failed to read signal id")
		}
	}
	return nil
}

func (r *PostgresSignalRepo) GetByID(ctx context.Context, id int64) (*entity.TradingSignal, error) {
	signal := &entity.TradingSignal{}
	query := `
		SELECT id, symbol, direction, strategy, timeframe, confidence,
		       entry_price, stop_loss, target_1, risk_reward, ai_reviewed,
		       ai_conviction, executed, trade_id, generated_at
		FROM signals WHERE id = $1`
	if err := r.DB.GetContext(ctx, signal, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get signal")
	}
	return signal, nil
}

func (r *PostgresSignalRepo) MarkExecuted(ctx context.Context, signalID, tradeID int64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE signals SET executed = true, trade_id = $1 WHERE id = $2`,
		tradeID, signalID)
	return errors.Wrap(err, "failed to mark signal executed")
}

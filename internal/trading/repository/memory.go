package repository

import (
	"context"
	"sync"
	"time"

	"tradehelm/internal/trading/entity"
)

// In-memory repositories back the service tests and paper runs. They
// honor the same contracts as the Postgres implementations, including
// the BotState version compare-and-swap.

type MemoryTradeRepo struct {
	mu     sync.Mutex
	nextID int64
	trades map[int64]*entity.ExecutedTrade
}

func NewMemoryTradeRepo() *MemoryTradeRepo {
	return &MemoryTradeRepo{nextID: 1, trades: make(map[int64]*entity.ExecutedTrade)}
}

func (r *MemoryTradeRepo) Create(ctx context.Context, t *entity.ExecutedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = r.nextID
	r.nextID++
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	clone := *t
	r.trades[t.ID] = &clone
	return nil
}

func (r *MemoryTradeRepo) Update(ctx context.Context, t *entity.ExecutedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.UpdatedAt = time.Now()
	clone := *t
	r.trades[t.ID] = &clone
	return nil
}

func (r *MemoryTradeRepo) GetByID(ctx context.Context, id int64) (*entity.ExecutedTrade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (r *MemoryTradeRepo) GetByStatus(ctx context.Context, statuses ...string) ([]*entity.ExecutedTrade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []*entity.ExecutedTrade
	for id := int64(1); id < r.nextID; id++ {
		if t, ok := r.trades[id]; ok && want[t.Status] {
			clone := *t
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *MemoryTradeRepo) FindActiveBySymbolDirection(ctx context.Context, symbol, direction string) (*entity.ExecutedTrade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := int64(1); id < r.nextID; id++ {
		t, ok := r.trades[id]
		if ok && t.Symbol == symbol && t.Direction == direction && t.IsActive() {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *MemoryTradeRepo) CountActive(ctx context.Context) (int, int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total, stock, option int
	for _, t := range r.trades {
		if !t.IsActive() {
			continue
		}
		total++
		if t.AssetType == entity.AssetTypeOption {
			option++
		} else {
			stock++
		}
	}
	return total, stock, option, nil
}

type MemoryStateRepo struct {
	mu    sync.Mutex
	state entity.BotState
}

func NewMemoryStateRepo(initial entity.BotState) *MemoryStateRepo {
	if initial.ID == 0 {
		initial.ID = 1
	}
	return &MemoryStateRepo{state: initial}
}

func (r *MemoryStateRepo) Get(ctx context.Context) (*entity.BotState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := r.state
	return &clone, nil
}

func (r *MemoryStateRepo) Update(ctx context.Context, s *entity.BotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Version != r.state.Version {
		return ErrVersionConflict
	}
	clone := *s
	clone.Version++
	r.state = clone
	s.Version++
	return nil
}

func (r *MemoryStateRepo) ResetDaily(ctx context.Context, tradingDay string, dayStartEquity float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Version++
	r.state.TradingDay = tradingDay
	r.state.DayStartEquity = dayStartEquity
	r.state.DailyTradeCount = 0
	r.state.DailyPnL = 0
	r.state.DailyWins = 0
	r.state.DailyLosses = 0
	r.state.ConsecutiveErrors = 0
	// Paused and halted both require a manual reset; only the freely
	// oscillating levels clear with the day.
	if r.state.BreakerLevel != entity.BreakerLevelHalted && r.state.BreakerLevel != entity.BreakerLevelPaused {
		r.state.BreakerLevel = entity.BreakerLevelNone
		r.state.BreakerReason = ""
	}
	return nil
}

type MemoryConfigRepo struct {
	mu  sync.Mutex
	cfg entity.BotConfiguration
}

func NewMemoryConfigRepo(cfg entity.BotConfiguration) *MemoryConfigRepo {
	return &MemoryConfigRepo{cfg: cfg}
}

func (r *MemoryConfigRepo) Get(ctx context.Context) (*entity.BotConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := r.cfg
	return &clone, nil
}

type MemorySignalRepo struct {
	mu      sync.Mutex
	nextID  int64
	signals map[int64]*entity.TradingSignal
}

func NewMemorySignalRepo() *MemorySignalRepo {
	return &MemorySignalRepo{nextID: 1, signals: make(map[int64]*entity.TradingSignal)}
}

func (r *MemorySignalRepo) Save(ctx context.Context, s *entity.TradingSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.nextID
	r.nextID++
	clone := *s
	r.signals[s.ID] = &clone
	return nil
}

func (r *MemorySignalRepo) GetByID(ctx context.Context, id int64) (*entity.TradingSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return nil, nil
	}
	clone := *s
	return &clone, nil
}

func (r *MemorySignalRepo) MarkExecuted(ctx context.Context, signalID, tradeID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[signalID]; ok {
		s.Executed = true
		s.TradeID = &tradeID
	}
	return nil
}

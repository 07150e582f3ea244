package service

import (
	"context"

	"github.com/pkg/errors"

	"tradehelm/internal/trading/entity"
	"tradehelm/internal/trading/repository"
)

const stateRetries = 3

// mutateState applies fn to the freshest BotState under the repository's
// compare-and-swap, retrying a lost race. Counter adjustments always go
// through here so no component ever writes a stale aggregate.
func mutateState(ctx context.Context, states repository.StateRepository, fn func(*entity.BotState)) (*entity.BotState, error) {
	var lastErr error
	for attempt := 0; attempt < stateRetries; attempt++ {
		state, err := states.Get(ctx)
		if err != nil {
			return nil, err
		}
		fn(state)
		if err := states.Update(ctx, state); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return state, nil
	}
	return nil, errors.Wrap(lastErr, "bot state update kept losing the version race")
}

package conversations

import (
	"context"
	"errors"
	"fmt"

	"mailstate/internal/docstore"
	"mailstate/internal/models"
)

// mutateFunc computes the next record from a freshly read one. Returning
// commit=false skips the write and yields the current record unchanged
// (used when a re-delivered email is already in the history).
type mutateFunc func(current *models.Conversation) (next *models.Conversation, commit bool, err error)

// writeFunc performs the conditional write for the facet being mutated,
// returning docstore.ErrVersionMismatch when a concurrent writer won.
type writeFunc func(ctx context.Context, current, next *models.Conversation) error

// withOptimisticRetry runs the read, mutate, conditional-write cycle until
// the write commits or maxAttempts is exhausted. Every attempt re-reads the
// latest record and recomputes derived state from it; reusing a stale
// snapshot would silently lose the concurrent writer's contribution.
func withOptimisticRetry(ctx context.Context, maxAttempts int,
	read func(ctx context.Context) (*models.Conversation, error),
	mutate mutateFunc, write writeFunc) (*models.Conversation, error) {

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := read(ctx)
		if err != nil {
			return nil, err
		}

		next, commit, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if !commit {
			return current, nil
		}

		err = write(ctx, current, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, docstore.ErrVersionMismatch) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("optimistic write failed after %d attempts: %w", maxAttempts, ErrVersionConflict)
}

// Package pipeline: standard stages for common batch patterns.

package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Identity returns a stage that passes every item through unchanged.
// Useful as a no-op or placeholder in a plan.
func Identity() Stage {
	return StageFunc(func(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error) {
		return items, nil
	})
}

// ItemFunc processes a single item in place.
type ItemFunc func(ctx context.Context, it *Item, rc *RunContext) error

// ForEach returns a stage that applies fn to every item of the partition in
// order. The first error aborts the invocation and is returned to the
// scheduler, which treats it as an unexpected failure.
func ForEach(fn ItemFunc) Stage {
	return StageFunc(func(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error) {
		for i, it := range items {
			if err := fn(ctx, it, rc); err != nil {
				return nil, fmt.Errorf("item %d (%s): %w", i, it.TempID, err)
			}
		}
		return items, nil
	})
}

// WithTimeout wraps inner so it runs with a context deadline of now+timeout.
// The scheduler itself never cancels; this is for stages that want a bound.
func WithTimeout(inner Stage, timeout time.Duration) Stage {
	return StageFunc(func(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner.Execute(ctx, items, rc)
	})
}

package pipeline

import (
	"context"
	"errors"
	"time"
)

// Observer provides hooks around a run and each stage invocation so callers
// can persist run state (e.g. to a DB) for monitoring. BeforeRun is called
// before any stage runs. BeforeStage/AfterStage wrap every invocation,
// including repeated visits caused by refinement redirects. AfterRun is
// called once the plan is exhausted. Hook errors are logged by the scheduler
// and never stop the run.
type Observer interface {
	BeforeRun(ctx context.Context, runID, plan string, items []*Item) error
	AfterRun(ctx context.Context, res *Result) error
	BeforeStage(ctx context.Context, runID string, cursor int, spec StageSpec, items []*Item) error
	AfterStage(ctx context.Context, runID string, cursor int, spec StageSpec, report StageReport, items []*Item, duration time.Duration) error
}

// MultiObserver fans every hook out to each non-nil observer in order. All
// observers are called; their errors are joined.
func MultiObserver(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return multiObserver(list)
}

type multiObserver []Observer

func (m multiObserver) BeforeRun(ctx context.Context, runID, plan string, items []*Item) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeRun(ctx, runID, plan, items))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterRun(ctx context.Context, res *Result) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterRun(ctx, res))
	}
	return errors.Join(errs...)
}

func (m multiObserver) BeforeStage(ctx context.Context, runID string, cursor int, spec StageSpec, items []*Item) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeStage(ctx, runID, cursor, spec, items))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterStage(ctx context.Context, runID string, cursor int, spec StageSpec, report StageReport, items []*Item, d time.Duration) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterStage(ctx, runID, cursor, spec, report, items, d))
	}
	return errors.Join(errs...)
}

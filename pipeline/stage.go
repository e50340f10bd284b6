package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Stage is a named, pluggable processing step. Execute receives clones of the
// eligible items of one partition and must return every one of them, changed
// or not, without touching TempID. Business failures are expressed through
// item status and findings; a returned error means something unexpected
// happened and the scheduler marks the whole invocation fatal.
type Stage interface {
	Execute(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error)

// Execute implements Stage.
func (f StageFunc) Execute(ctx context.Context, items []*Item, rc *RunContext) ([]*Item, error) {
	return f(ctx, items, rc)
}

// ParamValidator is implemented by stages that can check their plan
// parameters before any item is processed.
type ParamValidator interface {
	ValidateParams(params map[string]any) error
}

// OnFail configures the refinement redirect for a validation stage.
type OnFail struct {
	Goto            string `json:"goto" yaml:"goto"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	ExhaustedStatus Status `json:"final_status_on_exhaustion,omitempty" yaml:"final_status_on_exhaustion,omitempty"`
}

// exhaustedStatus returns the configured exhaustion status or the default.
func (o *OnFail) exhaustedStatus() Status {
	if o.ExhaustedStatus == "" {
		return StatusExhaustedRefinement
	}
	return o.ExhaustedStatus
}

// StageSpec is one entry of a stage plan.
type StageSpec struct {
	// Name identifies the entry in the plan; goto targets refer to it.
	Name string `json:"name" yaml:"name"`
	// Uses names the registered implementation. Defaults to Name.
	Uses     string         `json:"uses,omitempty" yaml:"uses,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Parallel int            `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	OnFail   *OnFail        `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	// Timeout bounds each invocation of the stage when > 0.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Implementation returns the registry name for the spec.
func (s StageSpec) Implementation() string {
	if s.Uses != "" {
		return s.Uses
	}
	return s.Name
}

// Degree returns the parallel degree, at least 1.
func (s StageSpec) Degree() int {
	if s.Parallel < 1 {
		return 1
	}
	return s.Parallel
}

// Plan is an ordered list of stage specifications.
type Plan struct {
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Stages []StageSpec `json:"stages" yaml:"stages"`
}

// Index returns the position of the named stage, or -1.
func (p Plan) Index(name string) int {
	for i, s := range p.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// AbsorbingStatuses returns every status after which an item is never
// processed again: the builtin failure statuses plus each exhaustion status
// the plan configures.
func (p Plan) AbsorbingStatuses() map[Status]bool {
	set := map[Status]bool{
		StatusFatal:               true,
		StatusExhaustedRefinement: true,
		StatusNoRefinerFound:      true,
	}
	for _, s := range p.Stages {
		if s.OnFail != nil {
			set[s.OnFail.exhaustedStatus()] = true
		}
	}
	return set
}

// Validate checks the plan's structure. Stage implementations are resolved
// separately by New.
func (p Plan) Validate() error {
	if len(p.Stages) == 0 {
		return &PlanError{Index: -1, Err: ErrEmptyPlan}
	}
	seen := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			return &PlanError{Index: i, Err: fmt.Errorf("name required")}
		}
		if j, dup := seen[s.Name]; dup {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("name already used by stage %d", j)}
		}
		seen[s.Name] = i
		if s.Parallel < 0 {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("parallel must be >= 1, got %d", s.Parallel)}
		}
		if s.Timeout < 0 {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("timeout must not be negative, got %s", s.Timeout)}
		}
		if s.OnFail == nil {
			continue
		}
		if s.OnFail.Goto == "" {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("on_fail.goto required")}
		}
		if s.OnFail.MaxAttempts < 1 {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("on_fail.max_attempts must be >= 1, got %d", s.OnFail.MaxAttempts)}
		}
		if st := s.OnFail.ExhaustedStatus; st != "" && (st.Transient() || st == StatusTerminalSuccess) {
			return &PlanError{Index: i, Stage: s.Name, Err: fmt.Errorf("on_fail.final_status_on_exhaustion %q is not a terminal failure status", st)}
		}
	}
	return nil
}

type stageMetaKey struct{}

// StageMeta describes the invocation a stage is running in.
type StageMeta struct {
	RunID     string
	Spec      StageSpec
	Cursor    int
	Partition int
}

// StageFromContext returns the StageMeta injected by the scheduler.
func StageFromContext(ctx context.Context) (StageMeta, bool) {
	m, ok := ctx.Value(stageMetaKey{}).(StageMeta)
	return m, ok
}

// WithStageMeta returns ctx carrying m. Exported for stage tests.
func WithStageMeta(ctx context.Context, m StageMeta) context.Context {
	return context.WithValue(ctx, stageMetaKey{}, m)
}

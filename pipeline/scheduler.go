package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dcshock/contentpipe/internal/logging"
)

// SchedulerStage is the stage name recorded in audit entries written by the
// scheduler itself (settlement, cancellation, iteration limit).
const SchedulerStage = "scheduler"

// FailurePolicy decides what happens to the items of a stage invocation when
// one of its partitions returns an error or panics.
type FailurePolicy int

const (
	// FailInvocation marks every item submitted to the invocation fatal, the
	// items of partitions that succeeded included. The cursor stays put and
	// the drained eligible set advances it on the next pass.
	FailInvocation FailurePolicy = iota
	// FailPartition marks only the failing partitions' items fatal, merges
	// the other partitions' results and continues normally.
	FailPartition
)

func (p FailurePolicy) String() string {
	switch p {
	case FailInvocation:
		return "invocation"
	case FailPartition:
		return "partition"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy maps "invocation" or "partition" to a FailurePolicy.
// The empty string selects FailInvocation.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "invocation":
		return FailInvocation, nil
	case "partition":
		return FailPartition, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown failure policy %q (use \"invocation\" or \"partition\")", s)
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFailurePolicy selects how stage invocation failures are handled.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithMaxConcurrency caps how many partitions of one stage run at once.
// Values <= 0 mean every partition runs concurrently.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) { s.maxConcurrency = n }
}

// WithMaxIterations bounds the number of cursor iterations of one run. When
// the bound is hit every item still in flight is marked fatal. Values <= 0
// derive the bound from the plan and the batch size.
func WithMaxIterations(n int) Option {
	return func(s *Scheduler) { s.maxIterations = n }
}

// Scheduler drives a stage plan over a batch of items. A Scheduler holds no
// per-run state and may run several batches concurrently.
type Scheduler struct {
	plan           Plan
	stages         []Stage
	absorbing      map[Status]bool
	policy         FailurePolicy
	maxConcurrency int
	maxIterations  int
	logger         *slog.Logger
}

// New resolves every plan entry through the registry and validates stage
// parameters, so configuration errors surface before any item is processed.
// Redirect targets are not required to exist: a missing goto stage is handled
// at run time by the refinement controller.
func New(reg *Registry, plan Plan, opts ...Option) (*Scheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		plan:      plan,
		stages:    make([]Stage, len(plan.Stages)),
		absorbing: plan.AbsorbingStatuses(),
		logger:    logging.New("scheduler"),
	}
	for i, spec := range plan.Stages {
		stage, err := reg.Lookup(spec.Implementation())
		if err != nil {
			return nil, &PlanError{Index: i, Stage: spec.Name, Err: err}
		}
		if pv, ok := stage.(ParamValidator); ok {
			if err := pv.ValidateParams(spec.Params); err != nil {
				return nil, &PlanError{Index: i, Stage: spec.Name, Err: err}
			}
		}
		if spec.Timeout > 0 {
			stage = WithTimeout(stage, spec.Timeout)
		}
		s.stages[i] = stage
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Plan returns the scheduler's plan.
func (s *Scheduler) Plan() Plan { return s.plan }

// Absorbing reports whether items in status st are never processed again.
func (s *Scheduler) Absorbing(st Status) bool { return s.absorbing[st] }

// RunOptions is optional. If RunID is empty a new UUID is generated.
type RunOptions struct {
	RunID    string
	Observer Observer
}

// Result is the outcome of one run.
type Result struct {
	RunID      string
	Plan       string
	Items      []*Item
	Context    *RunContext
	Attempts   map[string]map[string]int
	Iterations int
	Duration   time.Duration
}

// Counts returns the number of items per final status.
func (r *Result) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, it := range r.Items {
		out[it.Status]++
	}
	return out
}

// Item returns the item with the given temp id, or nil.
func (r *Result) Item(tempID string) *Item {
	for _, it := range r.Items {
		if it.TempID == tempID {
			return it
		}
	}
	return nil
}

// Run drives the plan to completion over items. The inputs are cloned; the
// returned Result holds the final working set in input order. Run returns an
// error only for unusable input (nil items, duplicate temp ids). Stage
// failures never abort the run: they turn the affected items fatal.
func (s *Scheduler) Run(ctx context.Context, items []*Item, opts *RunOptions) (*Result, error) {
	r, err := s.newRun(items, opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	log := s.logger.With("run_id", r.id)
	if r.obs != nil {
		if err := r.obs.BeforeRun(ctx, r.id, s.plan.Name, r.snapshot(r.order)); err != nil {
			log.Warn("observer BeforeRun failed", "error", err)
		}
	}
	log.Info("run started", "plan", s.plan.Name, "items", len(r.order), "stages", len(s.plan.Stages), "failure_policy", s.policy.String())

	limit := s.maxIterations
	if limit <= 0 {
		limit = s.defaultIterationLimit(len(r.order))
	}
	iterations := 0
	cursor := 0
	for cursor < len(s.plan.Stages) {
		if err := ctx.Err(); err != nil {
			r.fatalRemaining("run_cancelled", fmt.Sprintf("run cancelled before stage %q: %v", s.plan.Stages[cursor].Name, err))
			log.Warn("run cancelled", "cursor", cursor, "error", err)
			break
		}
		if iterations >= limit {
			r.fatalRemaining("iteration_limit", fmt.Sprintf("iteration limit %d reached at stage %q", limit, s.plan.Stages[cursor].Name))
			log.Error("iteration limit reached", "limit", limit, "cursor", cursor)
			break
		}
		iterations++
		r.popFocus(cursor - 1)
		t := r.step(ctx, cursor)
		cursor = t.Next
	}
	r.settle()

	res := &Result{
		RunID:      r.id,
		Plan:       s.plan.Name,
		Items:      r.snapshot(r.order),
		Context:    r.rc,
		Attempts:   r.ctrl.Counter().Snapshot(),
		Iterations: iterations,
		Duration:   time.Since(start),
	}
	if r.obs != nil {
		if err := r.obs.AfterRun(ctx, res); err != nil {
			log.Warn("observer AfterRun failed", "error", err)
		}
	}
	log.Info("run finished", "iterations", iterations, "duration", res.Duration, "tokens", r.rc.Tokens())
	return res, nil
}

// defaultIterationLimit bounds a run generously: every redirect consumes at
// least one unit of some item's attempt budget, and each redirect can cost
// at most two passes over the plan.
func (s *Scheduler) defaultIterationLimit(n int) int {
	budget := 0
	for _, spec := range s.plan.Stages {
		if spec.OnFail != nil {
			budget += spec.OnFail.MaxAttempts + 1
		}
	}
	return (2*len(s.plan.Stages) + 1) * (1 + n*budget)
}

type run struct {
	s     *Scheduler
	id    string
	rc    *RunContext
	ctrl  *RefinementController
	obs   Observer
	log   *slog.Logger
	order []string
	items map[string]*Item

	focus  []focusFrame
	visits map[int]int
}

// focusFrame restricts eligibility to set until the stage at until has run.
// Frames nest: a redirect inside a frame pushes a subset that ends no later
// than the outer frame.
type focusFrame struct {
	set   map[string]bool
	until int
}

// focused returns the innermost focus set, or nil.
func (r *run) focused() map[string]bool {
	if len(r.focus) == 0 {
		return nil
	}
	return r.focus[len(r.focus)-1].set
}

// popFocus drops every frame whose last stage is at or before cursor.
func (r *run) popFocus(cursor int) {
	for n := len(r.focus); n > 0 && r.focus[n-1].until <= cursor; n-- {
		r.focus = r.focus[:n-1]
	}
}

func (s *Scheduler) newRun(items []*Item, opts *RunOptions) (*run, error) {
	r := &run{
		s:      s,
		ctrl:   NewRefinementController(NewAttemptCounter()),
		order:  make([]string, 0, len(items)),
		items:  make(map[string]*Item, len(items)),
		visits: make(map[int]int),
	}
	if opts != nil {
		r.id = opts.RunID
		r.obs = opts.Observer
	}
	if r.id == "" {
		r.id = uuid.New().String()
	}
	r.rc = newRunContext(r.id, s.plan)
	r.log = s.logger.With("run_id", r.id)
	for i, in := range items {
		if in == nil {
			return nil, fmt.Errorf("pipeline: item %d is nil", i)
		}
		it := in.Clone()
		if it.TempID == "" {
			it.TempID = uuid.NewString()
		}
		if it.Status == "" {
			it.Status = StatusPending
		}
		if _, dup := r.items[it.TempID]; dup {
			return nil, fmt.Errorf("pipeline: duplicate temp id %s at item %d", it.TempID, i)
		}
		r.items[it.TempID] = it
		r.order = append(r.order, it.TempID)
	}
	return r, nil
}

// eligible returns the working-set items the stage at the cursor may see:
// every non-absorbing item, restricted to the focus while one is active.
func (r *run) eligible() []*Item {
	out := make([]*Item, 0, len(r.order))
	focus := r.focused()
	for _, id := range r.order {
		it := r.items[id]
		if r.s.absorbing[it.Status] {
			continue
		}
		if focus != nil && !focus[id] {
			continue
		}
		out = append(out, it)
	}
	return out
}

type outcome struct {
	items []*Item
	err   error
}

// step runs the stage at cursor once and returns where to go next.
func (r *run) step(ctx context.Context, cursor int) Transition {
	spec := r.s.plan.Stages[cursor]
	eligible := r.eligible()
	if len(eligible) == 0 {
		r.popFocus(cursor)
		return Advance(cursor)
	}
	r.visits[cursor]++
	parts := Partition(eligible, spec.Degree())
	log := r.log.With("stage", spec.Name, "cursor", cursor, "visit", r.visits[cursor])

	if r.obs != nil {
		if err := r.obs.BeforeStage(ctx, r.id, cursor, spec, r.snapshot(ids(eligible))); err != nil {
			log.Warn("observer BeforeStage failed", "error", err)
		}
	}
	log.Debug("stage started", "eligible", len(eligible), "partitions", len(parts))
	start := time.Now()
	outcomes := r.fanOut(ctx, cursor, spec, parts)
	duration := time.Since(start)

	report := StageReport{
		Stage:      spec.Name,
		Cursor:     cursor,
		Visit:      r.visits[cursor],
		Eligible:   len(eligible),
		Partitions: len(parts),
		Duration:   duration,
	}
	var failures []string
	for i, o := range outcomes {
		if o.err != nil {
			report.Failed++
			failures = append(failures, o.err.Error())
			log.Error("stage invocation failed", "partition", i, "items", len(parts[i]), "error", o.err)
		}
	}

	var t Transition
	switch {
	case report.Failed > 0 && r.s.policy == FailInvocation:
		msg := strings.Join(failures, "; ")
		for _, it := range eligible {
			it.markFatal(spec.Name, "stage_failure", msg)
		}
		report.Error = msg
		t = Stay(cursor)
	default:
		for i, o := range outcomes {
			if o.err != nil {
				for _, it := range parts[i] {
					it.markFatal(spec.Name, "stage_failure", o.err.Error())
				}
				continue
			}
			r.merge(spec, parts[i], o.items, log)
		}
		if report.Failed > 0 {
			report.Error = strings.Join(failures, "; ")
		}
		t = r.decide(cursor, spec, ids(eligible), log)
	}
	report.Redirected = len(t.Redirected)
	report.Exhausted = len(t.Exhausted) + len(t.Orphaned)
	report.Statuses = make(map[Status]int)
	for _, id := range ids(eligible) {
		report.Statuses[r.items[id].Status]++
	}
	r.rc.appendReport(report)
	log.Info("stage finished", "eligible", report.Eligible, "partitions", report.Partitions,
		"failed_partitions", report.Failed, "duration", duration, "next", t.Next)

	if r.obs != nil {
		if err := r.obs.AfterStage(ctx, r.id, cursor, spec, report, r.snapshot(ids(eligible)), duration); err != nil {
			log.Warn("observer AfterStage failed", "error", err)
		}
	}
	return t
}

// decide applies the stage's OnFail configuration and updates the focus.
func (r *run) decide(cursor int, spec StageSpec, invoked []string, log *slog.Logger) Transition {
	if spec.OnFail == nil {
		return Advance(cursor)
	}
	batch := make([]*Item, 0, len(invoked))
	for _, id := range invoked {
		batch = append(batch, r.items[id])
	}
	t := r.ctrl.Decide(r.s.plan, cursor, batch)
	for _, id := range t.Exhausted {
		log.Warn("refinement exhausted", "item", id, "status", r.items[id].Status, "max_attempts", spec.OnFail.MaxAttempts)
	}
	if len(t.Orphaned) > 0 {
		log.Error("refinement target missing from plan", "goto", spec.OnFail.Goto, "items", len(t.Orphaned))
	}
	r.popFocus(cursor)
	if t.Redirecting() {
		set := make(map[string]bool, len(t.Focus))
		for _, id := range t.Focus {
			set[id] = true
		}
		r.focus = append(r.focus, focusFrame{set: set, until: t.FocusUntil})
		log.Info("refinement redirect", "goto", spec.OnFail.Goto, "items", len(t.Focus), "depth", len(r.focus))
	}
	return t
}

// fanOut invokes the stage once per partition, concurrently, and waits for
// all of them. Each partition receives clones of its items.
func (r *run) fanOut(ctx context.Context, cursor int, spec StageSpec, parts [][]*Item) []outcome {
	out := make([]outcome, len(parts))
	var g errgroup.Group
	if r.s.maxConcurrency > 0 {
		g.SetLimit(r.s.maxConcurrency)
	}
	stage := r.s.stages[cursor]
	for i, part := range parts {
		in := make([]*Item, len(part))
		for j, it := range part {
			in[j] = it.Clone()
		}
		meta := StageMeta{RunID: r.id, Spec: spec, Cursor: cursor, Partition: i}
		g.Go(func() error {
			out[i] = invoke(WithStageMeta(ctx, meta), stage, spec.Name, i, in, r.rc)
			return nil
		})
	}
	_ = g.Wait() // failures are captured per partition
	return out
}

func invoke(ctx context.Context, stage Stage, name string, partition int, in []*Item, rc *RunContext) (res outcome) {
	defer func() {
		if p := recover(); p != nil {
			res = outcome{err: &StageError{Stage: name, Partition: partition, Panicked: true, Err: fmt.Errorf("%v", p)}}
		}
	}()
	items, err := stage.Execute(ctx, in, rc)
	if err != nil {
		return outcome{err: &StageError{Stage: name, Partition: partition, Err: err}}
	}
	return outcome{items: items}
}

// merge replaces the working-set entries of one partition with what the stage
// returned, keyed by temp id, and enforces the stage contract.
func (r *run) merge(spec StageSpec, submitted, returned []*Item, log *slog.Logger) {
	byID := make(map[string]*Item, len(returned))
	dups := make(map[string]bool)
	want := make(map[string]bool, len(submitted))
	for _, it := range submitted {
		want[it.TempID] = true
	}
	for _, it := range returned {
		if it == nil {
			continue
		}
		if !want[it.TempID] {
			log.Warn("stage returned an item it was not given; discarded", "item", it.TempID)
			continue
		}
		if _, seen := byID[it.TempID]; seen {
			dups[it.TempID] = true
		}
		byID[it.TempID] = it
	}
	for _, orig := range submitted {
		id := orig.TempID
		got, ok := byID[id]
		switch {
		case !ok:
			orig.markFatal(spec.Name, "dropped_by_stage", "stage did not return the item")
			continue
		case dups[id]:
			orig.markFatal(spec.Name, "duplicate_output", "stage returned the item more than once")
			continue
		case len(got.Audit) < len(orig.Audit):
			orig.markFatal(spec.Name, "audit_truncated", "stage removed audit entries")
			continue
		}
		if got.Tokens < orig.Tokens {
			got.Tokens = orig.Tokens
		}
		if got.Status != orig.Status && !auditCovers(got, len(orig.Audit)) {
			got.Audit = append(got.Audit, AuditEntry{
				Stage: spec.Name, At: time.Now().UTC(),
				Summary: "status changed by stage", From: orig.Status, To: got.Status,
			})
		}
		if !stageReachable(orig.Status, got.Status) {
			got.markFatal(spec.Name, "illegal_transition",
				fmt.Sprintf("stage moved item from %s to %s", orig.Status, got.Status))
		} else if got.Status != StatusFatal && got.HasFindings(SeverityFatal) {
			got.force(spec.Name, StatusFatal, "fatal finding")
		}
		r.items[id] = got
	}
}

// auditCovers reports whether the entries appended after from record a
// transition into the item's current status.
func auditCovers(it *Item, from int) bool {
	for i := len(it.Audit) - 1; i >= from; i-- {
		if it.Audit[i].To == it.Status {
			return true
		}
	}
	return false
}

// settle moves every item left in a non-terminal status once the plan is
// exhausted: clean items succeed, unresolved ones become fatal.
func (r *run) settle() {
	for _, id := range r.order {
		it := r.items[id]
		switch it.Status {
		case StatusPending, StatusValidatedOK:
			it.force(SchedulerStage, StatusTerminalSuccess, "plan complete")
		case StatusNeedsRevision, StatusRefining:
			it.markFatal(SchedulerStage, "unresolved_at_end", fmt.Sprintf("plan ended with item in %s", it.Status))
		}
	}
}

func (r *run) fatalRemaining(code, msg string) {
	for _, id := range r.order {
		it := r.items[id]
		if r.s.absorbing[it.Status] || it.Status == StatusTerminalSuccess {
			continue
		}
		it.markFatal(SchedulerStage, code, msg)
	}
}

func (r *run) snapshot(order []string) []*Item {
	out := make([]*Item, 0, len(order))
	for _, id := range order {
		out = append(out, r.items[id].Clone())
	}
	return out
}

func ids(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.TempID
	}
	return out
}

package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// StageReport summarises one stage invocation.
type StageReport struct {
	Stage      string         `json:"stage"`
	Cursor     int            `json:"cursor"`
	Visit      int            `json:"visit"`
	Eligible   int            `json:"eligible"`
	Partitions int            `json:"partitions"`
	Duration   time.Duration  `json:"duration"`
	Statuses   map[Status]int `json:"statuses"`
	Failed     int            `json:"failed_partitions,omitempty"`
	Error      string         `json:"error,omitempty"`
	Redirected int            `json:"redirected,omitempty"`
	Exhausted  int            `json:"exhausted,omitempty"`
}

// Note is a free-form message a stage attaches to the run.
type Note struct {
	Stage   string    `json:"stage"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// RunContext is the mutable state shared by every stage of one run. Stages
// run on separate goroutines, so counters are atomic and logs are guarded.
// Stages may add to it but never replace it.
type RunContext struct {
	runID  string
	params map[string]map[string]any

	tokens atomic.Int64

	mu          sync.Mutex
	stageTokens map[string]int64
	reports     []StageReport
	notes       []Note
}

func newRunContext(runID string, plan Plan) *RunContext {
	params := make(map[string]map[string]any, len(plan.Stages))
	for _, s := range plan.Stages {
		params[s.Name] = cloneMap(s.Params)
	}
	return &RunContext{
		runID:       runID,
		params:      params,
		stageTokens: make(map[string]int64),
	}
}

// NewRunContext returns a standalone context for exercising a stage outside
// the scheduler.
func NewRunContext(runID string, plan Plan) *RunContext {
	return newRunContext(runID, plan)
}

// RunID returns the identifier of the run.
func (rc *RunContext) RunID() string { return rc.runID }

// Params returns a copy of the plan parameters of the named stage.
func (rc *RunContext) Params(stage string) map[string]any {
	return cloneMap(rc.params[stage])
}

// AddTokens adds n tokens to the run total and to the stage's tally.
func (rc *RunContext) AddTokens(stage string, n int64) {
	if n <= 0 {
		return
	}
	rc.tokens.Add(n)
	rc.mu.Lock()
	rc.stageTokens[stage] += n
	rc.mu.Unlock()
}

// Tokens returns the aggregate token usage of the run.
func (rc *RunContext) Tokens() int64 { return rc.tokens.Load() }

// StageTokens returns a copy of token usage per stage.
func (rc *RunContext) StageTokens() map[string]int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]int64, len(rc.stageTokens))
	for k, v := range rc.stageTokens {
		out[k] = v
	}
	return out
}

// AddNote appends a message to the run's notes.
func (rc *RunContext) AddNote(stage, msg string) {
	rc.mu.Lock()
	rc.notes = append(rc.notes, Note{Stage: stage, At: time.Now().UTC(), Message: msg})
	rc.mu.Unlock()
}

// Notes returns the notes in the order they were added.
func (rc *RunContext) Notes() []Note {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]Note(nil), rc.notes...)
}

func (rc *RunContext) appendReport(r StageReport) {
	rc.mu.Lock()
	rc.reports = append(rc.reports, r)
	rc.mu.Unlock()
}

// Reports returns the stage report log in invocation order.
func (rc *RunContext) Reports() []StageReport {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]StageReport(nil), rc.reports...)
}

// StageNames returns the names of the stages that have parameters, sorted.
func (rc *RunContext) StageNames() []string {
	names := make([]string, 0, len(rc.params))
	for n := range rc.params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the symbolic state of an Item. The set is closed apart from the
// exhaustion statuses a plan declares in OnFail.ExhaustedStatus.
type Status string

const (
	StatusPending             Status = "pending"
	StatusValidatedOK         Status = "validated_ok"
	StatusNeedsRevision       Status = "needs_revision"
	StatusRefining            Status = "refining"
	StatusExhaustedRefinement Status = "exhausted_refinement"
	StatusNoRefinerFound      Status = "no_refiner_found"
	StatusFatal               Status = "fatal"
	StatusTerminalSuccess     Status = "terminal_success"
)

// Builtin reports whether s is one of the statuses defined by this package.
func (s Status) Builtin() bool {
	switch s {
	case StatusPending, StatusValidatedOK, StatusNeedsRevision, StatusRefining,
		StatusExhaustedRefinement, StatusNoRefinerFound, StatusFatal, StatusTerminalSuccess:
		return true
	}
	return false
}

// Transient reports whether s is a status an item may still leave by normal
// stage processing.
func (s Status) Transient() bool {
	switch s {
	case StatusPending, StatusValidatedOK, StatusNeedsRevision, StatusRefining:
		return true
	}
	return false
}

// Severity grades a Finding.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Recoverable reports whether findings of this severity take part in the
// refinement loop.
func (s Severity) Recoverable() bool {
	return s == SeverityError || s == SeverityWarning
}

// Finding is a structured problem report attached to an item.
type Finding struct {
	Code     string   `json:"code" yaml:"code"`
	Message  string   `json:"message" yaml:"message"`
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Severity Severity `json:"severity" yaml:"severity"`
	FixHint  string   `json:"fix_hint,omitempty" yaml:"fix_hint,omitempty"`
}

// AuditEntry records one stage visit or status transition.
type AuditEntry struct {
	Stage       string    `json:"stage" yaml:"stage"`
	At          time.Time `json:"at" yaml:"at"`
	Summary     string    `json:"summary" yaml:"summary"`
	From        Status    `json:"from,omitempty" yaml:"from,omitempty"`
	To          Status    `json:"to,omitempty" yaml:"to,omitempty"`
	Corrections []string  `json:"corrections,omitempty" yaml:"corrections,omitempty"`
}

// Item is one unit of content moving through the pipeline.
type Item struct {
	TempID    string         `json:"temp_id" yaml:"temp_id"`
	DurableID string         `json:"durable_id,omitempty" yaml:"durable_id,omitempty"`
	Status    Status         `json:"status" yaml:"status"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Findings  []Finding      `json:"findings,omitempty" yaml:"findings,omitempty"`
	Audit     []AuditEntry   `json:"audit,omitempty" yaml:"audit,omitempty"`
	Tokens    int64          `json:"tokens" yaml:"tokens"`
}

// NewItem returns a pending item with a fresh temp identity.
func NewItem(payload map[string]any) *Item {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Item{
		TempID:  uuid.NewString(),
		Status:  StatusPending,
		Payload: payload,
	}
}

// Clone returns a deep copy of the item. Payload values that are maps or
// slices are copied recursively.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	c.Payload = cloneMap(it.Payload)
	if it.Findings != nil {
		c.Findings = append([]Finding(nil), it.Findings...)
	}
	if it.Audit != nil {
		c.Audit = make([]AuditEntry, len(it.Audit))
		for i, e := range it.Audit {
			e.Corrections = append([]string(nil), e.Corrections...)
			c.Audit[i] = e
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// AddFinding appends findings to the item.
func (it *Item) AddFinding(f ...Finding) {
	it.Findings = append(it.Findings, f...)
}

// HasFindings reports whether the item carries a finding of any of the given
// severities (any severity when none are given).
func (it *Item) HasFindings(sev ...Severity) bool {
	if len(sev) == 0 {
		return len(it.Findings) > 0
	}
	for _, f := range it.Findings {
		for _, s := range sev {
			if f.Severity == s {
				return true
			}
		}
	}
	return false
}

// CleanFindings removes the findings for which drop returns true and returns
// how many were removed. It is the only way findings leave an item.
func (it *Item) CleanFindings(drop func(Finding) bool) int {
	kept := it.Findings[:0]
	removed := 0
	for _, f := range it.Findings {
		if drop(f) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		kept = nil
	}
	it.Findings = kept
	return removed
}

// AddTokens increases the token counter. Negative values are ignored.
func (it *Item) AddTokens(n int64) {
	if n > 0 {
		it.Tokens += n
	}
}

// Advance records a stage visit and, when to differs from the current status,
// performs the transition. Only moves a stage may make are accepted: forward
// toward terminal_success, sideways into needs_revision, or into fatal.
// Exactly one audit entry is appended on success.
func (it *Item) Advance(stage string, to Status, summary string, corrections ...string) error {
	if to == "" {
		to = it.Status
	}
	if to != it.Status && !stageMayMove(it.Status, to) {
		return &TransitionError{TempID: it.TempID, Stage: stage, From: it.Status, To: to}
	}
	it.record(stage, to, summary, corrections)
	return nil
}

// Visit appends an audit entry without changing the status.
func (it *Item) Visit(stage, summary string, corrections ...string) {
	it.record(stage, it.Status, summary, corrections)
}

func (it *Item) record(stage string, to Status, summary string, corrections []string) {
	entry := AuditEntry{
		Stage:   stage,
		At:      time.Now().UTC(),
		Summary: summary,
	}
	if len(corrections) > 0 {
		entry.Corrections = append([]string(nil), corrections...)
	}
	if to != it.Status {
		entry.From = it.Status
		entry.To = to
		it.Status = to
	}
	it.Audit = append(it.Audit, entry)
}

// stageMoves lists the transitions a stage implementation may perform.
var stageMoves = map[Status][]Status{
	StatusPending:         {StatusValidatedOK, StatusNeedsRevision, StatusTerminalSuccess, StatusFatal},
	StatusValidatedOK:     {StatusNeedsRevision, StatusTerminalSuccess, StatusFatal},
	StatusNeedsRevision:   {StatusValidatedOK, StatusFatal},
	StatusRefining:        {StatusValidatedOK, StatusNeedsRevision, StatusFatal},
	StatusTerminalSuccess: {StatusFatal},
}

func stageMayMove(from, to Status) bool {
	for _, s := range stageMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stageReachable reports whether a chain of stage moves leads from one status
// to another. The scheduler uses it to check what a stage returned.
func stageReachable(from, to Status) bool {
	if from == to {
		return true
	}
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range stageMoves[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// force performs a transition on behalf of the scheduler or controller. The
// caller is responsible for checking legality.
func (it *Item) force(stage string, to Status, summary string, corrections ...string) {
	it.record(stage, to, summary, corrections)
}

// RevisionNotes returns the corrections attached to the most recent
// transition into refining: the messages of the findings that were cleared
// when the item was sent back. Refinement stages use them as instructions.
func (it *Item) RevisionNotes() []string {
	for i := len(it.Audit) - 1; i >= 0; i-- {
		if it.Audit[i].To == StatusRefining {
			return append([]string(nil), it.Audit[i].Corrections...)
		}
	}
	return nil
}

// markFatal moves the item to fatal with a finding explaining why.
func (it *Item) markFatal(stage, code, msg string) {
	it.AddFinding(Finding{Code: code, Message: msg, Severity: SeverityFatal})
	it.force(stage, StatusFatal, fmt.Sprintf("fatal: %s", msg))
}

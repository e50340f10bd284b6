package pipeline

import (
	"fmt"
	"sync"
)

type attemptKey struct {
	tempID string
	stage  string
}

// AttemptCounter tracks how often each item was redirected to refinement for
// each validation stage. It lives for a single run.
type AttemptCounter struct {
	mu     sync.Mutex
	counts map[attemptKey]int
}

// NewAttemptCounter returns an empty counter.
func NewAttemptCounter() *AttemptCounter {
	return &AttemptCounter{counts: make(map[attemptKey]int)}
}

// Increment bumps the (item, stage) count and returns the new value.
func (c *AttemptCounter) Increment(tempID, stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := attemptKey{tempID, stage}
	c.counts[k]++
	return c.counts[k]
}

// Get returns the current (item, stage) count.
func (c *AttemptCounter) Get(tempID, stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[attemptKey{tempID, stage}]
}

// Snapshot returns counts keyed by temp id, then stage name.
func (c *AttemptCounter) Snapshot() map[string]map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int)
	for k, n := range c.counts {
		if out[k.tempID] == nil {
			out[k.tempID] = make(map[string]int)
		}
		out[k.tempID][k.stage] = n
	}
	return out
}

// Transition is the outcome of one scheduler iteration: where the cursor goes
// next and which items, if any, the following stages are restricted to.
type Transition struct {
	Next int
	// Focus, when non-nil, holds the temp ids of the redirect batch. Stages
	// from Next through FocusUntil only see these items.
	Focus      []string
	FocusUntil int

	Redirected []string
	Exhausted  []string
	Orphaned   []string
}

// Advance returns the plain forward transition from cursor.
func Advance(cursor int) Transition { return Transition{Next: cursor + 1} }

// Stay returns a transition that re-evaluates the same cursor.
func Stay(cursor int) Transition { return Transition{Next: cursor} }

// Redirecting reports whether the transition sends items back to refinement.
func (t Transition) Redirecting() bool { return t.Focus != nil }

// RefinementController decides, after a validation stage with OnFail, which
// failing items go back to the refinement stage and which are exhausted.
type RefinementController struct {
	counter *AttemptCounter
}

// NewRefinementController returns a controller over the given counter.
func NewRefinementController(counter *AttemptCounter) *RefinementController {
	if counter == nil {
		counter = NewAttemptCounter()
	}
	return &RefinementController{counter: counter}
}

// Counter exposes the attempt counter.
func (c *RefinementController) Counter() *AttemptCounter { return c.counter }

// Decide handles the items of the stage at cursor. Only items in
// needs_revision are considered; they are mutated in place. The attempt
// counter is the loop-termination guarantee: an item is redirected at most
// OnFail.MaxAttempts times per stage.
func (c *RefinementController) Decide(plan Plan, cursor int, items []*Item) Transition {
	spec := plan.Stages[cursor]
	if spec.OnFail == nil {
		return Advance(cursor)
	}
	of := spec.OnFail
	var batch []*Item
	var t Transition
	for _, it := range items {
		if it.Status != StatusNeedsRevision {
			continue
		}
		n := c.counter.Increment(it.TempID, spec.Name)
		if n <= of.MaxAttempts {
			batch = append(batch, it)
			continue
		}
		it.force(spec.Name, of.exhaustedStatus(),
			fmt.Sprintf("refinement budget exhausted after %d attempts", of.MaxAttempts))
		t.Exhausted = append(t.Exhausted, it.TempID)
	}
	if len(batch) == 0 {
		t.Next = cursor + 1
		return t
	}

	target := plan.Index(of.Goto)
	if target < 0 {
		for _, it := range batch {
			it.AddFinding(Finding{
				Code:     "no_refiner_found",
				Message:  fmt.Sprintf("refinement stage %q is not part of the plan", of.Goto),
				Severity: SeverityFatal,
			})
			it.force(spec.Name, StatusNoRefinerFound, fmt.Sprintf("no refiner %q in plan", of.Goto))
			t.Orphaned = append(t.Orphaned, it.TempID)
		}
		t.Next = cursor + 1
		return t
	}

	t.Focus = make([]string, 0, len(batch))
	for _, it := range batch {
		var notes []string
		it.CleanFindings(func(f Finding) bool {
			if !f.Severity.Recoverable() {
				return false
			}
			notes = append(notes, findingNote(f))
			return true
		})
		it.force(spec.Name, StatusRefining,
			fmt.Sprintf("sent to %s (attempt %d/%d, %d findings cleared)",
				of.Goto, c.counter.Get(it.TempID, spec.Name), of.MaxAttempts, len(notes)),
			notes...)
		t.Focus = append(t.Focus, it.TempID)
	}
	t.Redirected = append([]string(nil), t.Focus...)
	t.Next = target
	t.FocusUntil = cursor
	return t
}

func findingNote(f Finding) string {
	note := f.Code + ": " + f.Message
	if f.Field != "" {
		note = f.Field + ": " + note
	}
	if f.FixHint != "" {
		note += " (hint: " + f.FixHint + ")"
	}
	return note
}

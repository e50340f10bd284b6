// Package pipeline runs batches of content items through an ordered stage
// plan. A Plan lists StageSpecs; each names a Stage registered in a Registry.
// The Scheduler walks the plan with a cursor, hands every stage the items that
// are still in flight, and merges what the stage returns back into the
// working set by temp id.
//
// # Items
//
// An Item carries a payload, findings, an append-only audit trail and a token
// counter. Its Status moves through a small state machine:
//
//	pending -> validated_ok -> terminal_success
//	   \            |
//	    +--> needs_revision --(controller)--> refining --> validated_ok
//
// Any status may move to fatal. fatal, exhausted_refinement, no_refiner_found
// and any exhaustion status a plan configures are absorbing: once there, an
// item is never handed to a stage again. Stages change status with
// Item.Advance, which rejects moves a stage may not make.
//
// # Parallelism
//
// A stage with Parallel > 1 receives its eligible items split into that many
// contiguous partitions (see Partition). The partitions run concurrently on
// clones of the items; the scheduler waits for all of them before merging.
// Shared counters live in the RunContext, which is safe for concurrent use.
//
// # Refinement
//
// A validation stage may declare OnFail{Goto, MaxAttempts}. After it runs,
// every item it left in needs_revision is either redirected to the Goto
// stage (status refining, recoverable findings cleared and kept as revision
// notes) or, once it has been redirected MaxAttempts times, moved to the
// configured exhaustion status. While a redirect is active only the
// redirected items are eligible, from the Goto stage up to and including the
// validator that issued it.
//
// # Failures
//
// A stage that returns an error or panics fails its invocation. The
// FailurePolicy decides the blast radius: FailInvocation (the default) marks
// every item submitted to the invocation fatal, FailPartition only the items
// of the failing partitions. Stage failures never abort the run.
//
// When the cursor passes the last stage, items still pending or validated_ok
// become terminal_success and items still awaiting revision become fatal.
//
// Pass RunOptions{Observer: obs} to Run to persist run and stage state while
// the run progresses.
package pipeline

// Package engine drives the task execution state machine.
//
// A session takes one task from selection through plan update. SELECT pops
// the next eligible task from the plan, PREP provisions a sandbox and
// materializes the repository on a task branch, IMPLEMENT hands the task to
// the code generator, VERIFY runs the configured build and test commands
// inside the sandbox, MERGE commits and fast-forwards the default branch,
// PUSH publishes both branches under an idempotency key, and UPDATE_PLAN
// records completion. The session ends in DONE, or in HUMAN_REVIEW when
// automation gives up.
//
// Failures do not crash the session. A failing step produces a classified
// failure record, ERROR_INJECT converts it into a priority-injected
// resolution task, and the machine re-enters SELECT so the resolution task
// runs next. Resolution attempts are counted against the original task;
// exceeding the retry ceiling routes to HUMAN_REVIEW instead of injecting
// again, as does a repeated injection failure.
//
// Every transition is published on the event channel. Sandbox teardown is
// guaranteed on all exit paths, including operator pause and cancellation.
package engine

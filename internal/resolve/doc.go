// Package resolve turns execution failures into plan tasks.
//
// There is no separate recovery workflow. When a step fails, the
// coordinator builds exactly one "Resolve Error: <id>" task carrying the
// originating task, the failure category, and scrubbed log tails, and
// priority-injects it through the plan store. The investigation then
// runs through the ordinary state machine like any other task; from the
// orchestrator's side it is one opaque task with a pass/fail outcome.
//
// The coordinator also counts resolution attempts per original task so
// the engine can enforce its retry ceiling. Consecutive semantics: a
// completed original task resets its count.
package resolve

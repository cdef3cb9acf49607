// Package sandbox manages disposable, resource-bounded workspaces for
// task attempts.
//
// Each attempt gets a private workspace directory, a scrubbed environment,
// and bounded execution time. A sandbox is never shared across sessions or
// reused across attempts, and teardown runs exactly once per sandbox no
// matter which execution path exits. Network and cgroup-level isolation
// are provider-dependent; the local provider bounds execution by wall
// clock and keeps workspaces under a private root.
package sandbox

// Package hosting provides the version-control collaborators the
// execution engine works against.
//
// The engine only ever needs five things from a host: a clone reference
// for sandbox materialization, a task branch, a commit of the sandbox
// changes, a fast-forward merge into the default branch, and a push.
// Host captures exactly that. LocalHost serves file-based repositories
// and is the default for single-machine deployments. GitHubHost layers
// token auth, client-side throttling, and a retried commit-status
// notification on top of the same local git operations.
//
// Push takes an idempotency key so redelivered work does not publish
// twice. The retry helper in this package backs off exponentially; that
// is transport-level HTTP retry and unrelated to the event channel's
// fixed-interval reconnect policy.
package hosting

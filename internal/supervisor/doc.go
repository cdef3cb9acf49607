// Package supervisor coordinates autonomous sessions across projects.
//
// Each initialized project gets one session loop goroutine that drives an
// engine: run a session, settle the outcome, run the next. A shared
// semaphore bounds how many sessions execute at once; projects waiting for
// a slot report idle. A session loop exits when the project completes,
// parks for human review, pauses, or its plan blocks, and Resume starts a
// fresh loop from wherever the plan left off.
//
// Control operations (initialize, pause, resume, stop) are idempotent when
// callers provide an idempotency key: replies are remembered in a bounded
// LRU cache and replayed on redelivery. The supervisor also consumes
// accepted automation requests from the taskd.requests queue subject, so
// control arrives over the event broker as well as the HTTP API.
package supervisor

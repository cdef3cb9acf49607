// Package codegen invokes the external code-generation collaborator.
//
// The daemon never generates code itself. It hands a task-scoped
// instruction to a configured external tool and collects the change the
// tool made to the sandbox workspace. The contract is deliberately
// narrow: instruction JSON on stdin, a {files, summary} JSON document on
// stdout, everything else is the tool's business.
//
// ExecGenerator is the process-based implementation. Runs are bounded by
// a timeout, output is capped, and reported file paths are confined to
// the workspace. Failures carry exit code and captured stderr so the
// error-resolution flow can build a resolution task from them.
package codegen

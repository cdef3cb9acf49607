// Package plan owns the ordered task plan for a project.
//
// The plan is a structured, versioned record persisted as JSON; YAML and
// TOML render views are derived from it and never parsed back. All
// mutations go through Store operations, which serialize per project and
// commit via an atomic file rewrite, so readers never observe a
// half-applied injection or status update.
package plan

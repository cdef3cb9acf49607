// Package secrets detects and redacts credentials in text.
//
// Generator output, build and test logs, and git transport errors pass
// through a Scrubber before they reach events, resolution submissions, or
// the request journal. Findings carry rule IDs and positions, never the
// matched text.
package secrets

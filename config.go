package trampoline

import "github.com/xyproto/env/v2"

// VerboseMode gates the per-token tracing that Writer prints to
// os.Stderr, one line per emitted token.
// Mirrors the teacher's package-level VerboseMode switch, but without
// a CLI to flip it (this package has none, per design) it is seeded
// once from the environment and otherwise left to the caller.
var VerboseMode = env.BoolOr("TRAMPOLINE_VERBOSE", false)

// DefaultCleanCall is seeded from TRAMPOLINE_CLEAN_CALLS (false unless
// set). Nothing in this package reads it: BuildMetadata uses
// Action.Clean exactly as the caller set it, so a zero-value Action is
// always a minimal-save call.
var DefaultCleanCall = env.BoolOr("TRAMPOLINE_CLEAN_CALLS", false)

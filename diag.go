package trampoline

import (
	"fmt"
	"strings"
)

// DiagLevel is the severity of one Diagnostic. Modeled on the
// teacher's ErrorLevel (errors.go), reduced to the three levels §7
// actually distinguishes.
type DiagLevel int

const (
	// LevelWarning marks a local encoding failure (§7): the encoder
	// substitutes a zero-load and the argument's Type becomes
	// NULL_PTR, but emission of the rest of the action continues.
	LevelWarning DiagLevel = iota
	// LevelError marks a failure local to resolving one symbol or
	// operand that still aborts only the current lookup, not the
	// whole emission (reserved for future use by callers).
	LevelError
	// LevelFatal marks a failure that aborts the whole emission: a
	// buffer/I/O failure, or failure to resolve the CALL target
	// symbol.
	LevelFatal
)

func (l DiagLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal error"
	default:
		return "unknown"
	}
}

// Diagnostic is one reported condition, anchored to the instruction
// address the emission was working on rather than a source position
// (this package has no source text — only InstrInfo.Address).
type Diagnostic struct {
	Level   DiagLevel
	Address uint64
	Message string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("0x%x: %s: %s", d.Address, d.Level, d.Message)
}

// Diagnostics collects everything reported while building one
// Metadata. It never panics and never stops emission itself; the
// caller checks HasFatal() after BuildMetadata returns and discards
// the partially built Metadata if true, per §7's recovery contract.
type Diagnostics struct {
	entries []Diagnostic
}

func (d *Diagnostics) Warnf(addr uint64, format string, args ...interface{}) {
	d.entries = append(d.entries, Diagnostic{LevelWarning, addr, fmt.Sprintf(format, args...)})
}

func (d *Diagnostics) Errorf(addr uint64, format string, args ...interface{}) {
	d.entries = append(d.entries, Diagnostic{LevelError, addr, fmt.Sprintf(format, args...)})
}

func (d *Diagnostics) Fatalf(addr uint64, format string, args ...interface{}) {
	d.entries = append(d.entries, Diagnostic{LevelFatal, addr, fmt.Sprintf(format, args...)})
}

// HasFatal reports whether a LevelFatal diagnostic was recorded.
func (d *Diagnostics) HasFatal() bool {
	for _, e := range d.entries {
		if e.Level == LevelFatal {
			return true
		}
	}
	return false
}

// Entries returns the recorded diagnostics in report order.
func (d *Diagnostics) Entries() []Diagnostic { return d.entries }

// Format renders every entry one per line, optionally with ANSI color
// for the level tag — the same useColor knob the teacher's
// CompilerError.Format exposes, kept here as ambient texture even
// though spec.md never calls for colored output.
func (d *Diagnostics) Format(useColor bool) string {
	var sb strings.Builder
	for _, e := range d.entries {
		if useColor {
			switch e.Level {
			case LevelFatal, LevelError:
				sb.WriteString("\033[1;31m")
			case LevelWarning:
				sb.WriteString("\033[1;33m")
			}
		}
		sb.WriteString(e.Level.String())
		if useColor {
			sb.WriteString("\033[0m")
		}
		sb.WriteString(": ")
		sb.WriteString(e.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

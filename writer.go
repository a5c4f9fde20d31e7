package trampoline

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Writer is the tiny assembler-token writer §9 calls for: a handful
// of primitives (byte, intN, relN, label, string) so that the memory-
// operand loader and argument materialiser stay free of ad-hoc string
// formatting. It accumulates one flat token stream for the whole
// action emission; named Metadata fragments are carved out of it by
// marking a cursor position and slicing back to it (§5: "a running
// cursor ... slice out named string fragments").
//
// Modeled on the teacher's BufferWrapper (emit.go) — byte-at-a-time
// writes, traced to os.Stderr when VerboseMode is set —
// except tokens here are the printable grammar §4/§6 specify, not raw
// bytes, since downstream relocations (rel8/rel32/labels) aren't
// known until the trampoline linker runs.
type Writer struct {
	tokens []string

	// Capacity bounds the token count the way a caller-provided
	// fixed-size buffer bounds real output bytes (§5). Zero means
	// unlimited. Exceeding it records a LevelFatal diagnostic exactly
	// once and further writes are dropped.
	Capacity int
	overflow bool

	diags *Diagnostics
	addr  uint64 // current instruction address, for diagnostic anchoring
}

// NewWriter creates a Writer that reports overflow through diags,
// anchored at addr. VerboseMode traces go to os.Stderr, not diags.
func NewWriter(diags *Diagnostics, addr uint64) *Writer {
	return &Writer{diags: diags, addr: addr}
}

func (w *Writer) push(tok string) {
	if w.overflow {
		return
	}
	if w.Capacity > 0 && len(w.tokens) >= w.Capacity {
		w.overflow = true
		w.diags.Fatalf(w.addr, "output buffer exhausted at %d tokens", w.Capacity)
		return
	}
	w.tokens = append(w.tokens, tok)
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "trampoline: 0x%x: %s\n", w.addr, tok)
	}
}

// Byte emits a raw decimal byte value (0..255).
func (w *Writer) Byte(b uint8) { w.push(strconv.Itoa(int(b))) }

// Bytes emits each element of bs via Byte, in order.
func (w *Writer) Bytes(bs []byte) {
	for _, b := range bs {
		w.Byte(b)
	}
}

// Int8/Int16/Int32/Int64 emit a sign-extended immediate escape the
// linker resolves to a fixed-width little-endian encode, e.g.
// {"int32":2147483647}.
func (w *Writer) Int8(v int8)   { w.pushJSON(map[string]int8{"int8": v}) }
func (w *Writer) Int16(v int16) { w.pushJSON(map[string]int16{"int16": v}) }
func (w *Writer) Int32(v int32) { w.pushJSON(map[string]int32{"int32": v}) }
func (w *Writer) Int64(v int64) { w.pushJSON(map[string]int64{"int64": v}) }

// RelTarget is either an already-known integer displacement or a
// not-yet-resolved label name; Rel8/Rel32 accept either.
type RelTarget = interface{}

// Rel8 emits a one-byte relative-displacement escape, target being an
// int (already-known offset) or a string label.
func (w *Writer) Rel8(target RelTarget) { w.pushJSON(map[string]interface{}{"rel8": target}) }

// Rel32 emits a four-byte relative-displacement escape.
func (w *Writer) Rel32(target RelTarget) { w.pushJSON(map[string]interface{}{"rel32": target}) }

// Label emits a double-quoted label defining a position in the
// emitted stream, e.g. ".Ltaken_rdi".
func (w *Writer) Label(name string) { w.pushJSON(name) }

// String emits a {"string": "..."} raw-text token (used for asmStr).
func (w *Writer) String(s string) { w.pushJSON(map[string]string{"string": s}) }

// Warnf records a LevelWarning diagnostic anchored at this writer's
// instruction address, for encoder-level failures (e.g. an operand
// shape the caller can't materialise) that have no ArgContext in
// scope to route through warnNullAndZero.
func (w *Writer) Warnf(format string, args ...interface{}) {
	w.diags.Warnf(w.addr, format, args...)
}

func (w *Writer) pushJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		w.diags.Fatalf(w.addr, "token encode failed: %v", err)
		return
	}
	w.push(string(b))
}

// Mark returns a cursor into the token stream; pair with Slice to
// carve out a named Metadata fragment.
func (w *Writer) Mark() int { return len(w.tokens) }

// Slice renders the tokens from mark to the current position as one
// comma-separated fragment body.
func (w *Writer) Slice(mark int) string {
	if mark > len(w.tokens) {
		mark = len(w.tokens)
	}
	return strings.Join(w.tokens[mark:], ",")
}

// Fragment is one named byte-string produced for the trampoline
// linker (§3's Metadata entries).
type Fragment struct {
	Name string
	Body string
}

// Metadata is the ordered list of named fragments BuildMetadata
// produces: loadArgs, function, restoreState, restoreRSP, data, or
// asmStr/asmStrLen for PRINT (§3, §4.7).
type Metadata []Fragment

// Get returns the body of the first fragment with the given name, and
// whether one was found.
func (m Metadata) Get(name string) (string, bool) {
	for _, f := range m {
		if f.Name == name {
			return f.Body, true
		}
	}
	return "", false
}

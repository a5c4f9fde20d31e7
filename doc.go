// Package trampoline is the instrumentation code generator for a
// binary rewriter: given one decoded x86-64 instruction and a
// user-requested action (call a function before/after/conditionally
// around the instruction, or print it), it synthesises the machine
// code fragment — argument loads, the call, and the register/flag
// restore epilogue — that the trampoline linker stitches into the
// patched binary.
//
// The package does not parse ELF files, disassemble instructions,
// decide which instructions receive an action, or link the resulting
// fragments into a patched executable; those are external
// collaborators (see ELF in elfmodel.go, MatchEvaluator in
// argument.go). Given one InstrInfo and one Action, BuildMetadata
// produces one Metadata.
package trampoline

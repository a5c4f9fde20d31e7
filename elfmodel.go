package trampoline

import (
	"debug/elf"
	"fmt"
	"hash/fnv"
	"sort"
)

// ±2 GiB is the reach of a 32-bit PC-relative displacement, the hard
// limit §4.7 step 5 and §4.4's SYMBOL dispatch both check a resolved
// address against.
const pcRel32Range = int64(1) << 31

// ELF is the host binary a CALL action's symbol resolves against.
// Grounded on the teacher's plt_got.go/elf_dynamic.go offset-arithmetic
// style, but reading rather than writing: this package instruments an
// existing binary, it never lays one out, so debug/elf's symbol/section
// tables stand in for the teacher's from-scratch ExecutableBuilder —
// there is no writer-side structure in the pack to adapt for a reader
// (DESIGN.md).
type ELF struct {
	file *elf.File

	symbols    []elf.Symbol
	dynSymbols []elf.Symbol

	gotEntries map[string]uint64 // symbol name -> GOT slot address
}

// OpenELF parses path's ELF headers, symbol table, and dynamic symbol
// table (if present) for later resolution.
func OpenELF(path string) (*ELF, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfmodel: open %s: %w", path, err)
	}

	m := &ELF{file: f, gotEntries: make(map[string]uint64)}

	if syms, err := f.Symbols(); err == nil {
		m.symbols = syms
	}
	if dynSyms, err := f.DynamicSymbols(); err == nil {
		m.dynSymbols = dynSyms
	}
	m.indexGOT()
	return m, nil
}

// indexGOT builds the by-name GOT/dynamic-symbol address table the
// same way plt_got.go's GetPLTOffset walks its own synthesised PLT
// entries, except here the table already exists on disk and this is
// locating it rather than laying it out. debug/elf exposes a
// resolved dynamic symbol's Value directly; there is no need to walk
// the raw .rela.plt/.rela.dyn relocation records by hand to recover
// what the symbol table already gives for free.
func (m *ELF) indexGOT() {
	for _, sym := range m.dynSymbols {
		if sym.Value != 0 {
			m.gotEntries[sym.Name] = sym.Value
		}
	}
}

// SymbolAddress resolves name to a definite virtual address, reporting
// whether it was found and whether that address came from the GOT
// (indirect, needs a MOV-deref) rather than a direct definition (LEA).
func (m *ELF) SymbolAddress(name string) (addr uint64, viaGOT, ok bool) {
	for _, sym := range m.symbols {
		if sym.Name == name && elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 {
			return sym.Value, false, true
		}
	}
	for _, sym := range m.symbols {
		if sym.Name == name && sym.Value != 0 {
			return sym.Value, false, true
		}
	}
	if addr, ok := m.gotEntries[name]; ok {
		return addr, true, true
	}
	return 0, false, false
}

// withinPCRel32 reports whether target is reachable from pc with a
// signed 32-bit displacement, the ±2 GiB check §4.7 step 5 and §4.4's
// SYMBOL dispatch both require before emitting a rel32 escape.
func withinPCRel32(pc, target uint64) bool {
	delta := int64(target) - int64(pc)
	return delta >= -pcRel32Range && delta < pcRel32Range
}

// resolveCallTarget implements §4.7 step 5: look up symbol in elfFile
// and fail fatally if it cannot be found or sits outside the island's
// PC-relative reach. typeSig is accepted for a future overload-aware
// lookup (ELF symbol tables carry no argument-type information to
// filter on today, so a single name-only match is never ambiguous in
// practice); it is accepted and ignored, so callers already pass the
// NewTypeSig value built from the call's argument Types.
func resolveCallTarget(elfFile *ELF, symbol string, typeSig TypeSig, pc uint64, diags *Diagnostics, instrAddr uint64) (target RelTarget, viaGOT bool, ok bool) {
	_ = typeSig
	if elfFile == nil {
		diags.Fatalf(instrAddr, "call target %q: no ELF object supplied", symbol)
		return nil, false, false
	}
	addr, indirect, found := elfFile.SymbolAddress(symbol)
	if !found {
		diags.Fatalf(instrAddr, "call target %q: symbol not found", symbol)
		return nil, false, false
	}
	if !withinPCRel32(pc, addr) {
		diags.Fatalf(instrAddr, "call target %q: resolved address 0x%x outside ±2GiB of 0x%x", symbol, addr, pc)
		return nil, false, false
	}
	return int32(int64(addr) - int64(pc)), indirect, true
}

// islandLabel builds a stable per-call label suffix so two branch
// islands emitted for nested or repeated actions on the same
// destination register never collide — grounded on the teacher's
// hashStringKey (internal/engine/utils.go), which solves the same
// "need a short deterministic tag derived from caller-supplied
// strings" problem for its own label/key generation.
func islandLabel(prefix string, parts ...string) string {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s%x", prefix, h.Sum32())
}

// sortedFragmentNames returns keys in a stable order, matching the
// teacher's use of sort to make the data-section flush order (§4.7
// step 8) deterministic across runs rather than dependent on Go's
// randomised map iteration.
func sortedFragmentNames(fragments map[string][]byte) []string {
	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

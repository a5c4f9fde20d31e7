package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// CallingConvention describes an ABI's argument-register assignment
// and caller/callee-save partition. Modeled on the teacher's
// CallingConvention interface (calling_convention.go); this package
// only ever instantiates SystemVAMD64, since x86-64 is the only ISA
// in scope (spec Non-goals), but keeping the lookup tables behind the
// interface still separates "what the ABI says" from CallInfo's
// bookkeeping logic, exactly as the teacher separates them.
type CallingConvention interface {
	IntegerArgReg(index int) archx86.Register
	CallerSaved() []archx86.Register
	CalleeSaved() []archx86.Register
	IntegerReturnReg() archx86.Register
}

// SystemVAMD64 implements the System V AMD64 ABI (Linux): the only
// calling convention a patched ELF executable on this platform uses.
type SystemVAMD64 struct{}

var sysVArgRegs = []archx86.Register{
	archx86.RDI, archx86.RSI, archx86.RDX, archx86.RCX, archx86.R8, archx86.R9,
}

var sysVCallerSaved = []archx86.Register{
	archx86.RAX, archx86.RCX, archx86.RDX, archx86.RSI, archx86.RDI,
	archx86.R8, archx86.R9, archx86.R10, archx86.R11,
}

var sysVCalleeSaved = []archx86.Register{
	archx86.RBX, archx86.RBP, archx86.R12, archx86.R13, archx86.R14, archx86.R15,
}

// IntegerArgReg returns the register System V assigns to the index-th
// (0-based) integer/pointer argument, or INVALID beyond the sixth —
// spilling to the stack is the caller's responsibility (§4.7 step 3).
func (SystemVAMD64) IntegerArgReg(index int) archx86.Register {
	if index < 0 || index >= len(sysVArgRegs) {
		return archx86.INVALID
	}
	return sysVArgRegs[index]
}

// CallerSaved returns the registers a callee may clobber freely.
func (SystemVAMD64) CallerSaved() []archx86.Register { return sysVCallerSaved }

// CalleeSaved returns the registers a callee must restore before
// returning.
func (SystemVAMD64) CalleeSaved() []archx86.Register { return sysVCalleeSaved }

// IntegerReturnReg returns the register carrying an integer/pointer
// return value.
func (SystemVAMD64) IntegerReturnReg() archx86.Register { return archx86.RAX }

// isCallerSave reports whether r (or its canonical 64-bit form) is in
// cc's caller-save set.
func isCallerSave(cc CallingConvention, r archx86.Register) bool {
	canon := r.Canonical64()
	for _, cs := range cc.CallerSaved() {
		if cs == canon {
			return true
		}
	}
	return false
}

func isCalleeSave(cc CallingConvention, r archx86.Register) bool {
	canon := r.Canonical64()
	for _, cs := range cc.CalleeSaved() {
		if cs == canon {
			return true
		}
	}
	return false
}

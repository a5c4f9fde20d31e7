package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// Access is a bitmask over whether an operand is read, written, or
// both by the instruction it belongs to.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Mnemonic enumerates the decoded instruction's operation, with every
// jump/call/return form distinguished individually — the branch-next
// emitter (branch.go) dispatches on exactly this distinction.
type Mnemonic int

const (
	MnemUnknown Mnemonic = iota

	MnemRet
	MnemCall
	MnemJmp // unconditional jump

	// Conditional jumps, named after their x86-64 mnemonic.
	MnemJe
	MnemJne
	MnemJl
	MnemJle
	MnemJg
	MnemJge
	MnemJb
	MnemJbe
	MnemJa
	MnemJae
	MnemJs
	MnemJns
	MnemJo
	MnemJno
	MnemJp
	MnemJnp
	MnemJecxz
	MnemJrcxz

	MnemLea
	MnemNop

	MnemOther // any mnemonic not otherwise distinguished
)

// IsConditionalJump reports whether m is one of the Jcc/JECXZ/JRCXZ
// forms that the branch-next emitter must synthesise an island for.
func (m Mnemonic) IsConditionalJump() bool {
	switch m {
	case MnemJe, MnemJne, MnemJl, MnemJle, MnemJg, MnemJge,
		MnemJb, MnemJbe, MnemJa, MnemJae, MnemJs, MnemJns,
		MnemJo, MnemJno, MnemJp, MnemJnp, MnemJecxz, MnemJrcxz:
		return true
	default:
		return false
	}
}

// IsUnconditionalBranch reports whether m always transfers control
// (RET/CALL/JMP) — the branch-next emitter treats these identically
// to TARGET (§4.5): load the single destination, no fall-through arm.
func (m Mnemonic) IsUnconditionalBranch() bool {
	return m == MnemRet || m == MnemCall || m == MnemJmp
}

// OpKind is the variant tag of one OpInfo.
type OpKind int

const (
	OpAbsent OpKind = iota
	OpRegister
	OpImmediate
	OpMemory
)

// OpInfo is one decoded operand (§3). Only the fields relevant to the
// variant in Kind are meaningful; the rest are zero.
type OpInfo struct {
	Kind   OpKind
	Size   int    // 1, 2, 4, or 8 bytes
	Access Access // read/write bitmask

	Reg archx86.Register // OpRegister

	Imm int64 // OpImmediate, sign-extended to 64 bits

	// OpMemory
	Seg   archx86.Register // FS, GS, or INVALID for no segment override
	Base  archx86.Register // INVALID for none (absolute addressing)
	Index archx86.Register // INVALID for none
	Scale uint8            // 1, 2, 4, or 8 (meaningless if Index == INVALID)
	Disp  int32
}

// IsMemory reports whether this operand is a memory reference.
func (o OpInfo) IsMemory() bool { return o.Kind == OpMemory }

// IsImmediate reports whether this operand is an immediate.
func (o OpInfo) IsImmediate() bool { return o.Kind == OpImmediate }

// IsRegister reports whether this operand is a register.
func (o OpInfo) IsRegister() bool { return o.Kind == OpRegister }

// InstrInfo is one decoded instruction (§3), as produced by the
// external disassembler. This package only ever reads it.
type InstrInfo struct {
	Address  uint64
	Size     int
	Data     []byte
	Text     string // source-text rendering, e.g. "mov %eax, 0x10(%rbx)"
	Mnemonic Mnemonic
	Ops      [4]OpInfo
	NumOps   int
}

// Op returns the i-th operand (0-based) and whether i was in range.
func (ii *InstrInfo) Op(i int) (OpInfo, bool) {
	if i < 0 || i >= ii.NumOps || i >= len(ii.Ops) {
		return OpInfo{}, false
	}
	return ii.Ops[i], true
}

// NextAddress returns the address of the instruction immediately
// following this one in program order (the fall-through address).
func (ii *InstrInfo) NextAddress() uint64 {
	return ii.Address + uint64(ii.Size)
}

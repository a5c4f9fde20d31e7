package trampoline

import (
	"fmt"
	"math/rand"

	"github.com/xyproto/trampoline/internal/archx86"
)

// MatchEvaluator is the external match-expression engine (§6): the
// frontend that both decides which instructions receive an action and
// evaluates a USER argument's CSV lookup expression against the
// instruction currently being instrumented, returning the matched
// row's columns.
type MatchEvaluator interface {
	Eval(expr string, instr *InstrInfo, basename string) (record []int64, ok bool)
}

// DataSection accumulates the labelled byte blobs §4.7 step 8
// collects alongside the load-argument code: the ASM source text
// (.LasmStr) and the raw instruction bytes (.Lbytes). Immediate
// operands are loaded inline and never get a data blob here. Flushed in sorted label order by BuildMetadata via
// sortedFragmentNames, matching the teacher's use of sort for
// deterministic output.
type DataSection struct {
	fragments map[string][]byte
	seen      map[string]bool // duplicate-flagged labels already emitted once
}

// NewDataSection returns an empty DataSection.
func NewDataSection() *DataSection {
	return &DataSection{fragments: make(map[string][]byte), seen: make(map[string]bool)}
}

// Put records label's bytes unless duplicate is set and label was
// already recorded, matching §4.4/§4.7's "Duplicate marks that the
// data this argument references is already emitted elsewhere".
func (d *DataSection) Put(label string, data []byte, duplicate bool) {
	if duplicate && d.seen[label] {
		return
	}
	d.fragments[label] = data
	d.seen[label] = true
}

// ArgContext bundles everything one Argument materialisation needs:
// the shared CallInfo/Writer for the action being emitted, the
// instruction under instrumentation, and the well-known labels and
// external collaborators §4.4's dispatch table references by name.
type ArgContext struct {
	CI         *CallInfo
	W          *Writer
	CC         CallingConvention
	Instr      *InstrInfo
	Discipline CallDiscipline
	ELFFile    *ELF
	Matcher    MatchEvaluator
	Diags      *Diagnostics
	Data       *DataSection

	ContinueLabel    string // .Lcontinue
	InstructionLabel string // .Linstruction
	TrampolineLabel  string // .Ltrampoline
	BaseLabel        string // well-known BASE address label
	ActionID         int64
	Basename         string // CSV lookup file basename for USER
}

// MaterializeArgument implements §4.4: loads arg's value into dest,
// records dest as saved/clobbered/used/live on ctx.CI, and returns the
// Type the loaded value carries.
func MaterializeArgument(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	sendTemporarySaveReg(ctx.CI, ctx.W, dest)

	var t Type
	if arg.Ptr {
		t = materializePointerArg(ctx, dest, arg)
	} else {
		t = dispatchKind(ctx, dest, arg)
	}

	ctx.CI.Clobber(dest)
	ctx.CI.Use(dest)
	ctx.CI.MarkArgLive(dest)
	return t
}

func dispatchKind(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	switch arg.Kind {
	case ArgUser:
		return materializeUser(ctx, dest, arg)
	case ArgInteger:
		SExtI32ToR64(ctx.W, dest, int32(arg.Value))
		return INT64
	case ArgRandom:
		SExtI32ToR64(ctx.W, dest, rand.Int31())
		return INT64
	case ArgOffset:
		SExtI32ToR64(ctx.W, dest, int32(ctx.Instr.Size))
		return INT32
	case ArgAddr:
		LeaPCRelToR64(ctx.W, dest, ctx.InstructionLabel)
		return INT64.WithPointer()
	case ArgStaticAddr:
		MovI64ToR64(ctx.W, dest, arg.Value)
		return INT64.WithPointer().WithConst()
	case ArgBase:
		LeaPCRelToR64(ctx.W, dest, ctx.BaseLabel)
		return INT64.WithPointer()
	case ArgTrampoline:
		LeaPCRelToR64(ctx.W, dest, ctx.TrampolineLabel)
		return INT64.WithPointer()
	case ArgID:
		SExtI32ToR64(ctx.W, dest, int32(ctx.ActionID))
		return INT64
	case ArgNext:
		return materializeNext(ctx, dest, arg)
	case ArgTarget:
		return materializeTarget(ctx, dest, arg)
	case ArgAsm:
		return materializeAsmRef(ctx, dest)
	case ArgAsmSize, ArgAsmLen:
		SExtI32ToR64(ctx.W, dest, int32(len(ctx.Instr.Text)+1))
		return INT32
	case ArgBytes:
		return materializeBytesRef(ctx, dest, arg)
	case ArgBytesSize:
		SExtI32ToR64(ctx.W, dest, int32(ctx.Instr.Size))
		return INT32
	case ArgRegister:
		return materializeRegisterByValue(ctx, dest, arg)
	case ArgState:
		LeaStackToR64(ctx.W, dest, ctx.CI.GetOffset(archx86.EFLAGS))
		return VOID.WithPointer()
	case ArgSymbol:
		return materializeSymbol(ctx, dest, arg)
	case ArgMemOp:
		return materializeOperandByIndex(ctx, dest, arg, FieldNone, true)
	case ArgOp, ArgSrc, ArgDst, ArgImm, ArgReg, ArgMem:
		return materializeOperandByIndex(ctx, dest, arg, arg.Field, arg.Kind == ArgMem)
	default:
		return ctx.warnNullAndZero(ctx.W, dest, "argument kind %d not recognised", int(arg.Kind))
	}
}

func materializeUser(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	if ctx.Matcher == nil {
		return ctx.warnNullAndZero(ctx.W, dest, "USER argument %q: no match evaluator configured", arg.Name)
	}
	record, ok := ctx.Matcher.Eval(arg.Name, ctx.Instr, ctx.Basename)
	if !ok {
		return ctx.warnNullAndZero(ctx.W, dest, "USER argument %q: CSV lookup failed", arg.Name)
	}
	idx := int(arg.Value)
	if idx < 0 || idx >= len(record) {
		return ctx.warnNullAndZero(ctx.W, dest, "USER argument %q: column %d out of range (%d columns)", arg.Name, idx, len(record))
	}
	SExtI32ToR64(ctx.W, dest, int32(record[idx]))
	return INT64
}

func (c *ArgContext) warnNullAndZero(w *Writer, dest archx86.Register, format string, args ...interface{}) Type {
	c.Diags.Warnf(c.Instr.Address, format, args...)
	SExtI32ToR64(w, dest, 0)
	return NULL_PTR
}

// materializeNext implements §4.4's NEXT dispatch: an AFTER-discipline
// call already knows execution resumes at .Lcontinue, so it loads that
// label directly. RET/CALL/unconditional JMP load their single target
// exactly as TARGET does; any other non-jump mnemonic loads
// .Lcontinue; conditional jumps defer to the branch-next emitter
// (§4.5) since the resume address depends on a runtime condition.
func materializeNext(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	if ctx.Discipline == CallAfter {
		LeaPCRelToR64(ctx.W, dest, ctx.ContinueLabel)
		return INT64.WithPointer()
	}

	m := ctx.Instr.Mnemonic
	if m.IsUnconditionalBranch() {
		return materializeTarget(ctx, dest, arg)
	}
	if !m.IsConditionalJump() {
		EmitTargetLoad(ctx.W, dest, ctx.ContinueLabel)
		return INT64.WithPointer()
	}

	op0, hasOp0 := ctx.Instr.Op(0)
	if !hasOp0 {
		return ctx.warnNullAndZero(ctx.W, dest, "conditional jump at 0x%x has no target operand", ctx.Instr.Address)
	}
	takenTarget := branchTargetOf(ctx, op0)

	labelTaken := islandLabel(".Ltaken", archx86.Name(dest), fmt.Sprintf("%x", ctx.Instr.Address))
	labelNext := islandLabel(".Lnext", archx86.Name(dest), fmt.Sprintf("%x", ctx.Instr.Address))
	EmitNextLoad(ctx.CI, ctx.W, m, dest, ctx.ContinueLabel, takenTarget, labelTaken, labelNext)
	return INT64.WithPointer()
}

// materializeTarget implements the TARGET-only case of §4.4/§4.5: the
// single known destination, with no fall-through arm, regardless of
// mnemonic.
func materializeTarget(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	op0, hasOp0 := ctx.Instr.Op(0)
	if !hasOp0 {
		return ctx.warnNullAndZero(ctx.W, dest, "instruction at 0x%x has no target operand", ctx.Instr.Address)
	}
	EmitTargetLoad(ctx.W, dest, branchTargetOf(ctx, op0))
	return INT64.WithPointer()
}

// branchTargetOf resolves a jump's own target operand to a RelTarget.
// The decoded immediate already carries the branch's absolute
// destination address (the trampoline linker, not this package, does
// the final relative-displacement arithmetic against the patched-in
// location, per §4.7 step 5's `{"rel32": addr}` convention). An
// indirect jump's target isn't known until runtime, so it has no
// address to LEA here; NEXT/TARGET on such an instruction falls back
// to .Lcontinue with a warning.
func branchTargetOf(ctx *ArgContext, op OpInfo) RelTarget {
	if op.IsImmediate() {
		return int32(op.Imm)
	}
	ctx.Diags.Warnf(ctx.Instr.Address, "indirect jump target cannot be resolved statically")
	return ctx.ContinueLabel
}

func materializeAsmRef(ctx *ArgContext, dest archx86.Register) Type {
	label := ".LasmStr"
	ctx.Data.Put(label, append([]byte(ctx.Instr.Text), 0), false)
	LeaPCRelToR64(ctx.W, dest, label)
	return INT64.WithPointer()
}

func materializeBytesRef(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	label := ".Lbytes"
	ctx.Data.Put(label, ctx.Instr.Data, arg.Duplicate)
	LeaPCRelToR64(ctx.W, dest, label)
	return INT64.WithPointer()
}

// materializeRegisterByValue implements §4.4's REGISTER (by-value)
// special forms.
func materializeRegisterByValue(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	reg := archx86.Register(arg.Value)
	switch reg.Canonical64() {
	case archx86.RIP:
		// RIP(AFTER) open question (§9): decided to still load
		// .Linstruction, not .Lcontinue (SPEC_FULL.md).
		LeaPCRelToR64(ctx.W, dest, ctx.InstructionLabel)
		return INT64.WithPointer()
	case archx86.RSP:
		LeaStackToR64(ctx.W, dest, compensateStackDisp(ctx.CI, archx86.RSP, 0))
		return TypeForWidth(reg.Size())
	case archx86.EFLAGS:
		return materializeEflags(ctx, dest)
	default:
		if !reg.IsValid() {
			return ctx.warnNullAndZero(ctx.W, dest, "REGISTER argument: invalid register value %d", arg.Value)
		}
		if restoreLiveRegisterValue(ctx, dest, reg) {
			return TypeForWidth(reg.Size())
		}
		return ctx.warnNullAndZero(ctx.W, dest, "REGISTER argument: %s has no saved value to load", reg)
	}
}

// restoreLiveRegisterValue loads reg's program-original value into
// dest at dest's own width (§4.1), reloading reg from its saved slot
// first if the call has already clobbered it.
func restoreLiveRegisterValue(ctx *ArgContext, dest, reg archx86.Register) bool {
	if ctx.CI.IsClobbered(reg) && ctx.CI.HasSlot(reg) {
		sendTemporaryRestoreReg(ctx.CI, ctx.W, reg, dest)
		ctx.CI.Restore(reg)
	}
	switch {
	case reg.Size() == dest.Size():
		MovRegToReg(ctx.W, dest, reg)
	case reg.Size() < dest.Size():
		MovZxToR64(ctx.W, dest, reg)
	default:
		MovRegToReg(ctx.W, archx86.WidthFor(dest.Canonical64(), reg.Size()), reg)
	}
	return true
}

// materializeEflags implements the EFLAGS special form: load from its
// saved slot if one exists, otherwise synthesise the low byte via
// SETO/LAHF around a temporary save of RAX (§4.4).
func materializeEflags(ctx *ArgContext, dest archx86.Register) Type {
	if ctx.CI.HasSlot(archx86.EFLAGS) && ctx.CI.IsSaved(archx86.EFLAGS) {
		MovStackToR64(ctx.W, dest, ctx.CI.GetOffset(archx86.EFLAGS), 8, false)
		return INT64
	}

	tag := sendTemporaryMovReg(ctx.CI, ctx.W, archx86.RAX, dest)
	if tag.NoOp {
		// RAX still holds the program's own value: park it in a red-zone
		// slot so the SETO/LAHF below don't destroy it.
		tag = TempTag{Scratch: archx86.INVALID, Slot: ctx.CI.allocRedZoneSlot()}
		MovR64ToStack(ctx.W, archx86.RAX, tag.Slot)
	}
	ctx.W.Byte(0x0F)
	ctx.W.Byte(0x90) // SETO r/m8
	ctx.W.Byte(modrmDirect(0, archx86.AL.Index()))
	ctx.W.Byte(0x9F) // LAHF
	MovRegToReg(ctx.W, archx86.WidthFor(dest.Canonical64(), 2), archx86.AX)
	sendUndoTemporaryMovReg(ctx.W, archx86.RAX, tag)
	return INT16
}

// materializePointerArg implements the by-pointer path for any
// argument kind: REGISTER reuses (or creates) that register's own
// saved-state slot, adjusting by +1 for an AH-style high-byte alias
// (§4.4); MEMOP LEAs the referenced operand's own effective address
// directly, rather than a copy of its value; every other kind
// materialises its value into a scratch register, spills it to a
// fresh red-zone slot, and LEAs that slot.
func materializePointerArg(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	if arg.Kind == ArgMemOp {
		idx, op, ok := selectOperand(ctx, arg)
		if !ok {
			return ctx.warnNullAndZero(ctx.W, dest, "operand index %d out of range", arg.Value)
		}
		if !op.IsMemory() {
			return ctx.warnNullAndZero(ctx.W, dest, "operand %d is not a memory operand", idx)
		}
		LoadMemOperand(ctx.CI, ctx.W, dest, op, true, false)
		return TypeForWidth(op.Size).WithPointer()
	}

	if arg.Kind == ArgRegister {
		reg := archx86.Register(arg.Value)
		if !reg.IsValid() {
			return ctx.warnNullAndZero(ctx.W, dest, "REGISTER-by-pointer argument: invalid register value %d", arg.Value)
		}
		canon := reg.Canonical64()
		if !ctx.CI.HasSlot(canon) {
			scratch := ctx.CI.GetScratch(canon, dest)
			ok, _ := PushReg(ctx.W, canon, scratch)
			if !ok {
				return ctx.warnNullAndZero(ctx.W, dest, "REGISTER-by-pointer argument: no scratch register free to push %s", canon)
			}
			ctx.CI.Push(canon)
		}
		var highByteAdjust int32
		if reg.IsHighByte() {
			highByteAdjust = 1
		}
		LeaStackToR64(ctx.W, dest, ctx.CI.GetOffset(canon)+highByteAdjust)
		return INT64.WithPointer()
	}

	scratch := ctx.CI.GetScratch(dest)
	if !scratch.IsValid() {
		return ctx.warnNullAndZero(ctx.W, dest, "argument kind %d: no scratch register free for by-pointer materialisation", int(arg.Kind))
	}
	t := dispatchKind(ctx, scratch, arg)
	ctx.CI.Clobber(scratch)
	slot := ctx.CI.allocRedZoneSlot()
	MovR64ToStack(ctx.W, scratch, slot)
	LeaStackToR64(ctx.W, dest, slot)
	return t.WithPointer()
}

// materializeSymbol implements §4.4's SYMBOL dispatch: a locally
// defined symbol within PC-relative reach loads via LEA; a GOT-only
// symbol within reach loads via a dereferencing MOV; anything else
// warns and loads null.
func materializeSymbol(ctx *ArgContext, dest archx86.Register, arg Argument) Type {
	if ctx.ELFFile == nil {
		return ctx.warnNullAndZero(ctx.W, dest, "SYMBOL argument %q: no ELF object supplied", arg.Name)
	}
	addr, viaGOT, ok := ctx.ELFFile.SymbolAddress(arg.Name)
	if !ok {
		return ctx.warnNullAndZero(ctx.W, dest, "SYMBOL argument %q: not found", arg.Name)
	}
	if !withinPCRel32(ctx.Instr.Address, addr) {
		return ctx.warnNullAndZero(ctx.W, dest, "SYMBOL argument %q: resolved address 0x%x outside ±2GiB", arg.Name, addr)
	}
	delta := int32(int64(addr) - int64(ctx.Instr.Address))
	if viaGOT {
		MovPCRelToR64(ctx.W, dest, delta)
		return INT64.WithPointer()
	}
	LeaPCRelToR64(ctx.W, dest, delta)
	return INT64.WithPointer()
}

// materializeOperandByIndex implements the OP/SRC/DST/IMM/REG/MEM/
// MEMOP dispatch, including the field sub-selector for displacement,
// base, index, scale, size, type, and access (§4.4).
func materializeOperandByIndex(ctx *ArgContext, dest archx86.Register, arg Argument, field Field, memOnly bool) Type {
	idx, op, ok := selectOperand(ctx, arg)
	if !ok {
		return ctx.warnNullAndZero(ctx.W, dest, "operand index %d out of range", arg.Value)
	}
	if memOnly && !op.IsMemory() {
		return ctx.warnNullAndZero(ctx.W, dest, "operand %d is not a memory operand", idx)
	}
	if arg.Kind == ArgImm && !op.IsImmediate() {
		return ctx.warnNullAndZero(ctx.W, dest, "operand %d is not an immediate", idx)
	}
	if arg.Kind == ArgReg && !op.IsRegister() {
		return ctx.warnNullAndZero(ctx.W, dest, "operand %d is not a register", idx)
	}
	if op.Access == 0 {
		return ctx.warnNullAndZero(ctx.W, dest, "operand %d has no declared access", idx)
	}

	if field != FieldNone {
		return materializeOperandField(ctx, dest, op, field)
	}

	if op.IsMemory() {
		if ctx.Discipline == CallAfter {
			return ctx.warnNullAndZero(ctx.W, dest, "operand %d: memory pass-by-value rejected for AFTER calls", idx)
		}
		if ctx.Instr.Mnemonic == MnemLea || ctx.Instr.Mnemonic == MnemNop {
			return ctx.warnNullAndZero(ctx.W, dest, "operand %d: never accessed by %v", idx, ctx.Instr.Mnemonic)
		}
		LoadMemOperand(ctx.CI, ctx.W, dest, op, false, false)
		return TypeForWidth(op.Size)
	}
	if op.IsImmediate() {
		SExtI32ToR64(ctx.W, dest, int32(op.Imm))
		return TypeForWidth(op.Size)
	}
	if !restoreLiveRegisterValue(ctx, dest, op.Reg) {
		return ctx.warnNullAndZero(ctx.W, dest, "operand %d: register load failed", idx)
	}
	return TypeForWidth(op.Reg.Size())
}

func selectOperand(ctx *ArgContext, arg Argument) (int, OpInfo, bool) {
	idx := int(arg.Value)
	op, ok := ctx.Instr.Op(idx)
	return idx, op, ok
}

func materializeOperandField(ctx *ArgContext, dest archx86.Register, op OpInfo, field Field) Type {
	switch field {
	case FieldBase:
		if !op.Base.IsValid() {
			return ctx.warnNullAndZero(ctx.W, dest, "operand has no base register")
		}
		return materializeRegisterByValue(ctx, dest, Argument{Kind: ArgRegister, Value: int64(op.Base)})
	case FieldIndex:
		if !op.Index.IsValid() {
			return ctx.warnNullAndZero(ctx.W, dest, "operand has no index register")
		}
		return materializeRegisterByValue(ctx, dest, Argument{Kind: ArgRegister, Value: int64(op.Index)})
	case FieldScale:
		SExtI32ToR64(ctx.W, dest, int32(op.Scale))
		return INT8
	case FieldDisplacement:
		SExtI32ToR64(ctx.W, dest, op.Disp)
		return INT32
	case FieldSize:
		SExtI32ToR64(ctx.W, dest, int32(op.Size))
		return INT8
	case FieldType:
		SExtI32ToR64(ctx.W, dest, int32(op.Kind))
		return INT8
	case FieldAccess:
		SExtI32ToR64(ctx.W, dest, int32(op.Access))
		return INT8
	default:
		return ctx.warnNullAndZero(ctx.W, dest, "unrecognised field selector %d", int(field))
	}
}

package trampoline

import (
	"github.com/xyproto/trampoline/internal/archx86"
)

// redZoneUnwindDelta is the fixed stack slack §4.7 step 7's
// `LEA 0x4000(%rsp),%rsp` unwinds when the trampoline's own temporary
// spills (sendTemporaryMovReg's red-zone slots) were never matched by
// an explicit pop — the trampoline linker reserves this much scratch
// stack beneath every instrumentation site for exactly that purpose.
const redZoneUnwindDelta = 0x4000

// hasState reports whether action declares a STATE argument, which
// forces CallInfo to reserve the full saved-register block (§4.7
// step 1).
func hasState(action Action) bool {
	for _, a := range action.Args {
		if a.Kind == ArgState {
			return true
		}
	}
	return false
}

func isConditionalDiscipline(d CallDiscipline) bool {
	return d == CallConditional || d == CallConditionalJump
}

// BuildMetadata drives the §4.7 PRINT/CALL assembly and returns the
// keyed fragment list plus whatever Diagnostics accumulated along the
// way. Callers must check diags.HasFatal() before trusting the
// returned Metadata — a fatal diagnostic (only possible for CALL's
// unresolved target symbol) means the fragments are incomplete.
func BuildMetadata(cc CallingConvention, instr *InstrInfo, action Action, elfFile *ELF, matcher MatchEvaluator) (Metadata, *Diagnostics) {
	diags := &Diagnostics{}

	if action.Kind == ActionPrint {
		return buildPrintMetadata(instr, diags), diags
	}

	ci := NewCallInfo(cc, action.Clean, hasState(action), isConditionalDiscipline(action.Discipline), len(action.Args))
	w := NewWriter(diags, instr.Address)
	data := NewDataSection()

	ctx := &ArgContext{
		CI: ci, W: w, CC: cc, Instr: instr, Discipline: action.Discipline,
		ELFFile: elfFile, Matcher: matcher, Diags: diags, Data: data,
		ContinueLabel:    ".Lcontinue",
		InstructionLabel: ".Linstruction",
		TrampolineLabel:  ".Ltrampoline",
		BaseLabel:        ".Lbase",
	}

	loadArgsMark := w.Mark()
	types, stackArgRegs := emitArgumentLoads(ctx, cc, action.Args)
	emitStackArgPushes(ci, w, stackArgRegs)
	loadArgsFrag := w.Slice(loadArgsMark)

	restoreMark := w.Mark()
	if !action.Clean {
		restoreClobberedCalleeSaved(cc, ci, w)
	}
	restoreStateFrag := w.Slice(restoreMark)

	typeSig := NewTypeSig(types...)
	functionMark := w.Mark()
	target, _, resolved := resolveCallTarget(elfFile, action.TargetSymbol, typeSig, instr.Address, diags, instr.Address)
	if resolved {
		w.Rel32(target)
	}
	functionFrag := w.Slice(functionMark)

	ci.Call(isConditionalDiscipline(action.Discipline))

	restoreRSPMark := w.Mark()
	emitEpilogue(ci, w, len(stackArgRegs)*8)
	restoreRSPFrag := w.Slice(restoreRSPMark)

	dataFrag := flushDataSection(data)

	md := Metadata{
		{Name: "loadArgs", Body: loadArgsFrag},
		{Name: "function", Body: functionFrag},
		{Name: "restoreState", Body: restoreStateFrag},
		{Name: "restoreRSP", Body: restoreRSPFrag},
		{Name: "data", Body: dataFrag},
	}
	return md, diags
}

// emitArgumentLoads implements §4.7 step 2: materialise every argument
// in declaration order. Arguments beyond the ABI's six integer
// registers are loaded into a scratch register instead, to be pushed
// onto the stack afterward (step 3); their registers are returned in
// declaration order so the caller can push them in reverse.
func emitArgumentLoads(ctx *ArgContext, cc CallingConvention, args []Argument) ([]Type, []archx86.Register) {
	types := make([]Type, 0, len(args))
	var stackArgRegs []archx86.Register

	for i, arg := range args {
		dest := cc.IntegerArgReg(i)
		if !dest.IsValid() {
			dest = ctx.CI.GetScratch()
			if !dest.IsValid() {
				ctx.Diags.Warnf(ctx.Instr.Address, "argument %d: no scratch register free for stack-passed argument", i)
				types = append(types, NULL_PTR)
				continue
			}
			stackArgRegs = append(stackArgRegs, dest)
		}
		types = append(types, MaterializeArgument(ctx, dest, arg))
	}
	return types, stackArgRegs
}

// emitStackArgPushes implements §4.7 step 3: PUSH each stack-bound
// argument register in the reverse of its declared order, matching
// the ABI's right-to-left stack-argument layout.
func emitStackArgPushes(ci *CallInfo, w *Writer, regs []archx86.Register) {
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		ok, _ := PushReg(w, reg, ci.GetScratch(reg))
		if ok {
			ci.Push(reg)
		}
	}
}

// restoreClobberedCalleeSaved implements §4.7 step 4: reload every
// callee-save register the argument loads clobbered, from its saved
// slot, now correctly offset by however many bytes emitStackArgPushes
// just added to %rsp.
func restoreClobberedCalleeSaved(cc CallingConvention, ci *CallInfo, w *Writer) {
	for _, r := range cc.CalleeSaved() {
		if ci.IsClobbered(r) && ci.HasSlot(r) {
			sendTemporaryRestoreReg(ci, w, r)
			ci.Restore(r)
		}
	}
}

// emitEpilogue implements §4.7 step 7: drop the stack-bound arguments
// with a single LEA rather than popping them one at a time (their
// values were already consumed by the call), drain every remaining
// ad-hoc push (preserving RAX across the drain if it is currently
// live, since POP into a scratch register could otherwise clobber a
// return value the caller still needs), and unwind either by popping
// a pushed %rsp back or by an explicit red-zone-sized LEA.
func emitEpilogue(ci *CallInfo, w *Writer, rspArgsOffset int) {
	if rspArgsOffset != 0 {
		LeaStackToR64(w, archx86.RSP, int32(rspArgsOffset))
		for i := 0; i < rspArgsOffset/8; i++ {
			ci.Pop()
		}
	}

	var raxTag TempTag
	raxLive := ci.IsUsed(archx86.RAX) && ci.PendingPops() > 0
	if raxLive {
		raxTag = sendTemporaryMovReg(ci, w, archx86.RAX)
	}

	poppedRSP := false
	for ci.PendingPops() > 0 {
		reg, ok := ci.Pop()
		if !ok {
			break
		}
		if reg.Canonical64() == archx86.RSP {
			poppedRSP = true
		}
		PopReg(w, reg)
	}

	if raxLive {
		sendUndoTemporaryMovReg(w, archx86.RAX, raxTag)
	}

	if !poppedRSP {
		LeaStackToR64(w, archx86.RSP, redZoneUnwindDelta)
	}
}

// flushDataSection implements §4.7 step 8: emit every accumulated
// label/bytes pair, in the sorted order sortedFragmentNames enforces
// for determinism, as one concatenated comma-separated byte stream.
func flushDataSection(data *DataSection) string {
	names := sortedFragmentNames(data.fragments)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	for _, name := range names {
		w.Label(name)
		w.Bytes(data.fragments[name])
	}
	return w.Slice(0)
}

// buildPrintMetadata implements §4.7's PRINT case: the instruction's
// source-text rendering, JSON-escaped, plus its length including the
// trailing newline.
func buildPrintMetadata(instr *InstrInfo, diags *Diagnostics) Metadata {
	text := instr.Text + "\n"

	strWriter := NewWriter(diags, instr.Address)
	strWriter.String(text)

	lenWriter := NewWriter(diags, instr.Address)
	lenWriter.Int32(int32(len(text)))

	return Metadata{
		{Name: "asmStr", Body: strWriter.Slice(0)},
		{Name: "asmStrLen", Body: lenWriter.Slice(0)},
	}
}

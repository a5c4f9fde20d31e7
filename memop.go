package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// This file is the memory-operand loader §4.3 describes: turning one
// decoded OpInfo (segment override, base, index, scale, displacement)
// into the handful of instructions that either compute its effective
// address (LEA) or load/store through it, while accounting for a base
// or index register the call emission has already clobbered, and for
// the net %rsp shift all the call's own pushes have introduced so far.
//
// Grounded on the teacher's mem_ops.go ModR/M-and-SIB construction
// (the rsp/r12-needs-SIB and rbp/r13-needs-forced-disp special cases
// below are exactly its offset==0 branching, generalised from a fixed
// RSP base to an arbitrary base/index pair with RIP and absolute
// addressing folded in).

func scaleToBits(scale uint8) uint8 {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// writeMemOperand emits the ModR/M byte, any SIB byte, and any
// displacement for a [base + index*scale + disp] operand. base and/or
// index may be archx86.INVALID; base and index absent together means
// an absolute [disp32] address.
func writeMemOperand(w *Writer, regField uint8, base, index archx86.Register, scale uint8, disp int32) {
	hasBase := base.IsValid()
	hasIndex := index.IsValid()
	scaleBits := scaleToBits(scale)

	var baseIdx uint8
	if hasBase {
		baseIdx = base.Index() & 7
	}
	var indexIdx uint8 = 4
	if hasIndex {
		indexIdx = index.Index() & 7
	}

	switch {
	case !hasBase && !hasIndex:
		w.Byte(0x04 | (regField&7)<<3) // mod00, rm=100 (SIB follows)
		w.Byte(0x05)                   // SIB: no index, base=101 -> disp32, no base
		w.Int32(disp)

	case hasIndex:
		switch {
		case !hasBase:
			w.Byte(0x04 | (regField&7)<<3) // mod00, rm=100
			w.Byte(scaleBits<<6 | (indexIdx&7)<<3 | 0x05)
			w.Int32(disp)
		case disp == 0 && baseIdx != 5:
			w.Byte(0x04 | (regField&7)<<3)
			w.Byte(scaleBits<<6 | (indexIdx&7)<<3 | baseIdx)
		case disp >= -128 && disp <= 127:
			w.Byte(0x44 | (regField&7)<<3)
			w.Byte(scaleBits<<6 | (indexIdx&7)<<3 | baseIdx)
			w.Byte(uint8(int8(disp)))
		default:
			w.Byte(0x84 | (regField&7)<<3)
			w.Byte(scaleBits<<6 | (indexIdx&7)<<3 | baseIdx)
			w.Int32(disp)
		}

	case baseIdx == 4: // RSP/R12 as sole base: SIB mandatory
		switch {
		case disp == 0:
			w.Byte(0x04 | (regField&7)<<3)
			w.Byte(0x24)
		case disp >= -128 && disp <= 127:
			w.Byte(0x44 | (regField&7)<<3)
			w.Byte(0x24)
			w.Byte(uint8(int8(disp)))
		default:
			w.Byte(0x84 | (regField&7)<<3)
			w.Byte(0x24)
			w.Int32(disp)
		}

	default: // plain base, no SIB
		switch {
		case disp == 0 && baseIdx != 5: // RBP/R13 needs forced disp8
			w.Byte((regField&7)<<3 | baseIdx)
		case disp >= -128 && disp <= 127:
			w.Byte(0x40 | (regField&7)<<3 | baseIdx)
			w.Byte(uint8(int8(disp)))
		default:
			w.Byte(0x80 | (regField&7)<<3 | baseIdx)
			w.Int32(disp)
		}
	}
}

func memREXExt(base, index archx86.Register) (xExt, bExt bool) {
	if index.IsValid() {
		xExt = index.NeedsREXExtension()
	}
	if base.IsValid() {
		bExt = base.NeedsREXExtension()
	}
	return
}

// compensateStackDisp adjusts a RSP-based displacement decoded against
// the trampoline's entry-time %rsp so it still addresses the same
// absolute location now that this call's own pushes have shifted the
// runtime %rsp by ci.RSPOffset() (§4.3 point 5).
func compensateStackDisp(ci *CallInfo, base archx86.Register, disp int32) int32 {
	if base.Canonical64() != archx86.RSP {
		return disp
	}
	return disp - int32(ci.RSPOffset())
}

// restoreOperandRegs temporarily reloads base/index if the call has
// already clobbered them for an earlier argument, so the address this
// loader computes still reflects the instrumented instruction's
// original operand (§4.3 point 10). dest is excluded from scratch
// selection since it's about to be overwritten with the loaded
// address or value and must not be mistaken for a free register. The
// returned tags undo via undoOperandRegs once the operand's bytes are
// fully emitted.
func restoreOperandRegs(ci *CallInfo, w *Writer, dest, base, index archx86.Register) (baseTag, indexTag TempTag) {
	baseTag, indexTag = TempTag{NoOp: true}, TempTag{NoOp: true}
	if base.IsValid() && ci.IsClobbered(base) && ci.HasSlot(base) {
		baseTag = sendTemporaryRestoreReg(ci, w, base, dest, index)
	}
	if index.IsValid() && ci.IsClobbered(index) && ci.HasSlot(index) {
		indexTag = sendTemporaryRestoreReg(ci, w, index, dest, base)
	}
	return
}

// undoOperandRegs reverses restoreOperandRegs in strict reverse order
// (index before base), putting each register's clobbered live value
// back exactly as it was before the address computation borrowed it
// (§4.3 point 10: "sendUndoTemporaryMovReg in reverse").
func undoOperandRegs(w *Writer, base, index archx86.Register, baseTag, indexTag TempTag) {
	if index.IsValid() {
		sendUndoTemporaryMovReg(w, index, indexTag)
	}
	if base.IsValid() {
		sendUndoTemporaryMovReg(w, base, baseTag)
	}
}

// LoadMemOperand emits the instruction(s) that compute op's effective
// address into dst (lea == true) or load the width-sized value at that
// address into dst, sign- or zero-extending to 64 bits per
// signExtend. It is the encoder-level counterpart of §4.4's MEM/OP
// argument materialisation.
func LoadMemOperand(ci *CallInfo, w *Writer, dst archx86.Register, op OpInfo, lea, signExtend bool) {
	if lea && (op.Seg == archx86.FS || op.Seg == archx86.GS) {
		w.Warnf("LEA of an FS/GS-relative operand ignores the segment override and would silently compute the wrong effective address")
		SExtI32ToR64(w, dst, 0)
		return
	}

	baseTag, indexTag := restoreOperandRegs(ci, w, dst, op.Base, op.Index)

	if op.Seg == archx86.FS {
		w.Byte(0x64)
	} else if op.Seg == archx86.GS {
		w.Byte(0x65)
	}
	if op.Base.Is32Bit() || op.Index.Is32Bit() {
		w.Byte(0x67)
	}

	if op.Base == archx86.RIP {
		emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
		if lea {
			w.Byte(0x8D)
		} else {
			w.Byte(0x8B)
		}
		memModRMRIP(w, dst.Index(), op.Disp)
		undoOperandRegs(w, op.Base, op.Index, baseTag, indexTag)
		return
	}

	disp := compensateStackDisp(ci, op.Base, op.Disp)
	xExt, bExt := memREXExt(op.Base, op.Index)

	switch {
	case lea:
		emitREX(w, true, dst.NeedsREXExtension(), xExt, bExt, false)
		w.Byte(0x8D)
		writeMemOperand(w, dst.Index(), op.Base, op.Index, op.Scale, disp)
	case op.Size == 8:
		emitREX(w, true, dst.NeedsREXExtension(), xExt, bExt, false)
		w.Byte(0x8B)
		writeMemOperand(w, dst.Index(), op.Base, op.Index, op.Scale, disp)
	case op.Size == 4 && !signExtend:
		emitREX(w, false, dst.NeedsREXExtension(), xExt, bExt, false)
		w.Byte(0x8B)
		writeMemOperand(w, dst.Index(), op.Base, op.Index, op.Scale, disp)
	case op.Size == 4 && signExtend:
		emitREX(w, true, dst.NeedsREXExtension(), xExt, bExt, false)
		w.Byte(0x63)
		writeMemOperand(w, dst.Index(), op.Base, op.Index, op.Scale, disp)
	default: // 1 or 2 bytes, always via MOVZX/MOVSX into the 64-bit dst
		emitREX(w, true, dst.NeedsREXExtension(), xExt, bExt, false)
		w.Byte(0x0F)
		switch {
		case op.Size == 1 && signExtend:
			w.Byte(0xBE)
		case op.Size == 1 && !signExtend:
			w.Byte(0xB6)
		case op.Size == 2 && signExtend:
			w.Byte(0xBF)
		default:
			w.Byte(0xB7)
		}
		writeMemOperand(w, dst.Index(), op.Base, op.Index, op.Scale, disp)
	}

	undoOperandRegs(w, op.Base, op.Index, baseTag, indexTag)
}

// StoreMemOperand stores src (64-bit) into op's address, writing back
// through a memory operand rather than reading it. No argument loader
// in this package calls it.
func StoreMemOperand(ci *CallInfo, w *Writer, op OpInfo, src archx86.Register) {
	baseTag, indexTag := restoreOperandRegs(ci, w, src, op.Base, op.Index)

	if op.Seg == archx86.FS {
		w.Byte(0x64)
	} else if op.Seg == archx86.GS {
		w.Byte(0x65)
	}
	if op.Base.Is32Bit() || op.Index.Is32Bit() {
		w.Byte(0x67)
	}

	disp := compensateStackDisp(ci, op.Base, op.Disp)
	xExt, bExt := memREXExt(op.Base, op.Index)
	emitREX(w, true, src.NeedsREXExtension(), xExt, bExt, false)
	w.Byte(0x89)
	writeMemOperand(w, src.Index(), op.Base, op.Index, op.Scale, disp)

	undoOperandRegs(w, op.Base, op.Index, baseTag, indexTag)
}

package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// This file is the instruction-encoder primitive set §4.1 describes:
// byte-at-a-time x86-64 emission with no assembler library underneath,
// exactly the way the teacher's mov.go/lea.go/push.go/movzx.go encode
// instructions directly against REX/ModR/M/SIB fields. Every function
// here writes through a *Writer rather than returning []byte, since
// some fields (RIP-relative displacements, immediates) are linker
// escapes rather than literal bytes (writer.go).

func emitREX(w *Writer, wBit, rExt, xExt, bExt, mandatory bool) {
	if !wBit && !rExt && !xExt && !bExt && !mandatory {
		return
	}
	rex := uint8(0x40)
	if wBit {
		rex |= 0x08
	}
	if rExt {
		rex |= 0x04
	}
	if xExt {
		rex |= 0x02
	}
	if bExt {
		rex |= 0x01
	}
	w.Byte(rex)
}

func modrmDirect(regField, rmField uint8) uint8 {
	return 0xC0 | (regField&7)<<3 | (rmField & 7)
}

// memModRMStack emits the ModR/M and SIB bytes (and any displacement)
// for a [rsp+disp] memory operand with regField as the reg/opcode-
// extension field. RSP as a base always requires an explicit SIB byte
// (ModR/M.rm == 100 means "SIB follows", never "direct RSP"), so every
// stack-relative load or store in this package goes through here.
func memModRMStack(w *Writer, regField uint8, disp int32) {
	const sibBaseRSP = 0x24 // scale=00, index=100 (none), base=100 (RSP)
	switch {
	case disp == 0:
		w.Byte(0x04 | (regField&7)<<3) // mod00, rm=100
		w.Byte(sibBaseRSP)
	case disp >= -128 && disp <= 127:
		w.Byte(0x44 | (regField&7)<<3) // mod01, rm=100
		w.Byte(sibBaseRSP)
		w.Byte(uint8(int8(disp)))
	default:
		w.Byte(0x84 | (regField&7)<<3) // mod10, rm=100
		w.Byte(sibBaseRSP)
		w.Int32(disp)
	}
}

// memModRMRIP emits the ModR/M byte and rel32 escape for a [rip+disp]
// memory operand, target being an already-known int32 displacement or
// a not-yet-resolved label (Writer.RelTarget).
func memModRMRIP(w *Writer, regField uint8, target RelTarget) {
	w.Byte(0x05 | (regField&7)<<3) // mod00, rm=101 ([rip+disp32] in 64-bit mode)
	w.Rel32(target)
}

// MovRegToReg emits a same-width register-to-register MOV. dst and src
// must report the same Size(); width mismatches go through MovZxToR64
// or MovSxToR64 instead.
func MovRegToReg(w *Writer, dst, src archx86.Register) {
	size := dst.Size()
	if size == 2 {
		w.Byte(0x66)
	}
	mandatory := dst.RequiresMandatoryREX() || src.RequiresMandatoryREX()
	emitREX(w, size == 8, src.NeedsREXExtension(), false, dst.NeedsREXExtension(), mandatory)
	if size == 1 {
		w.Byte(0x88)
	} else {
		w.Byte(0x89)
	}
	w.Byte(modrmDirect(src.Index(), dst.Index()))
}

// MovZxToR64 zero-extends src (8, 16, or 32 bits) into the full 64-bit
// dst. A 32-bit source uses a plain 32-bit MOV into dst's 32-bit
// alias, since the x86-64 architecture itself zero-extends the upper
// 32 bits on any 32-bit register write — no MOVZX opcode exists for
// that width.
func MovZxToR64(w *Writer, dst archx86.Register, src archx86.Register) {
	switch src.Size() {
	case 4:
		MovRegToReg(w, archx86.WidthFor(dst.Canonical64(), 4), src)
	case 1, 2:
		emitREX(w, true, dst.NeedsREXExtension(), false, src.NeedsREXExtension(), src.RequiresMandatoryREX())
		w.Byte(0x0F)
		if src.Size() == 1 {
			w.Byte(0xB6)
		} else {
			w.Byte(0xB7)
		}
		w.Byte(modrmDirect(dst.Index(), src.Index()))
	}
}

// MovSxToR64 sign-extends src (8, 16, or 32 bits) into the full 64-bit
// dst.
func MovSxToR64(w *Writer, dst archx86.Register, src archx86.Register) {
	switch src.Size() {
	case 4:
		emitREX(w, true, dst.NeedsREXExtension(), false, src.NeedsREXExtension(), false)
		w.Byte(0x63) // MOVSXD
		w.Byte(modrmDirect(dst.Index(), src.Index()))
	case 1, 2:
		emitREX(w, true, dst.NeedsREXExtension(), false, src.NeedsREXExtension(), src.RequiresMandatoryREX())
		w.Byte(0x0F)
		if src.Size() == 1 {
			w.Byte(0xBE)
		} else {
			w.Byte(0xBF)
		}
		w.Byte(modrmDirect(dst.Index(), src.Index()))
	}
}

// MovStackToR64 loads the value at [rsp+disp] into the full 64-bit
// dst, sign- or zero-extending from width bytes (1, 2, 4, or 8) as
// signExtend requests. width 8 ignores signExtend (nothing to extend).
func MovStackToR64(w *Writer, dst archx86.Register, disp int32, width int, signExtend bool) {
	switch width {
	case 8:
		emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
		w.Byte(0x8B)
		memModRMStack(w, dst.Index(), disp)
	case 4:
		if signExtend {
			emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
			w.Byte(0x63)
			memModRMStack(w, dst.Index(), disp)
		} else {
			// 32-bit load into dst's 32-bit alias zero-extends the
			// upper 32 bits for free.
			emitREX(w, false, dst.NeedsREXExtension(), false, false, false)
			w.Byte(0x8B)
			memModRMStack(w, dst.Index(), disp)
		}
	case 1, 2:
		emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
		w.Byte(0x0F)
		switch {
		case width == 1 && signExtend:
			w.Byte(0xBE)
		case width == 1 && !signExtend:
			w.Byte(0xB6)
		case width == 2 && signExtend:
			w.Byte(0xBF)
		default:
			w.Byte(0xB7)
		}
		memModRMStack(w, dst.Index(), disp)
	}
}

// MovR64ToStack stores the 64-bit src into [rsp+disp].
func MovR64ToStack(w *Writer, src archx86.Register, disp int32) {
	emitREX(w, true, src.NeedsREXExtension(), false, false, false)
	w.Byte(0x89)
	memModRMStack(w, src.Index(), disp)
}

// LeaStackToR64 computes the address rsp+disp into the 64-bit dst.
func LeaStackToR64(w *Writer, dst archx86.Register, disp int32) {
	emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
	w.Byte(0x8D)
	memModRMStack(w, dst.Index(), disp)
}

// LeaPCRelToR64 computes a RIP-relative address into the 64-bit dst.
func LeaPCRelToR64(w *Writer, dst archx86.Register, target RelTarget) {
	emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
	w.Byte(0x8D)
	memModRMRIP(w, dst.Index(), target)
}

// MovPCRelToR64 loads (dereferences) a RIP-relative 8-byte quantity
// into the 64-bit dst — used for GOT-entry loads, where LeaPCRelToR64
// would hand back the GOT slot's own address instead of its contents.
func MovPCRelToR64(w *Writer, dst archx86.Register, target RelTarget) {
	emitREX(w, true, dst.NeedsREXExtension(), false, false, false)
	w.Byte(0x8B)
	memModRMRIP(w, dst.Index(), target)
}

// SExtI32ToR64 materialises imm, sign-extended, into the 64-bit dst.
// MOV r/m64, imm32 (opcode 0xC7 /0) sign-extends its 32-bit immediate
// to 64 bits as part of the opcode's own semantics.
func SExtI32ToR64(w *Writer, dst archx86.Register, imm int32) {
	emitREX(w, true, false, false, dst.NeedsREXExtension(), false)
	w.Byte(0xC7)
	w.Byte(modrmDirect(0, dst.Index()))
	w.Int32(imm)
}

// ZExtI32ToR64 materialises imm, zero-extended, into the 64-bit dst
// via a 32-bit immediate MOV into dst's 32-bit alias (which, like
// MovZxToR64's 32-bit case, zero-extends the upper half for free).
func ZExtI32ToR64(w *Writer, dst archx86.Register, imm uint32) {
	emitREX(w, false, false, false, dst.NeedsREXExtension(), false)
	w.Byte(0xB8 + dst.Index()&7)
	w.Int32(int32(imm))
}

// MovI64ToR64 materialises a full 64-bit immediate into dst (MOVABS).
func MovI64ToR64(w *Writer, dst archx86.Register, imm int64) {
	emitREX(w, true, false, false, dst.NeedsREXExtension(), false)
	w.Byte(0xB8 + dst.Index()&7)
	w.Int64(imm)
}

// PushReg pushes reg onto the stack. PUSH only has a compact 64-bit
// form in long mode, so a narrower reg (or a high-byte alias) is first
// widened into scratch and scratch is pushed instead; usedScratch
// reports whether that expansion happened, so the caller knows to pop
// into scratch and narrow back down rather than popping reg directly.
// ok is false only when reg needs scratch and none was supplied.
func PushReg(w *Writer, reg, scratch archx86.Register) (ok, usedScratch bool) {
	if reg.Size() == 8 {
		emitREX(w, false, false, false, reg.NeedsREXExtension(), false)
		w.Byte(0x50 + reg.Index()&7)
		return true, false
	}
	if !scratch.IsValid() || scratch.Size() != 8 {
		return false, false
	}
	MovRegToReg(w, archx86.WidthFor(scratch.Canonical64(), reg.Size()), reg)
	emitREX(w, false, false, false, scratch.NeedsREXExtension(), false)
	w.Byte(0x50 + scratch.Index()&7)
	return true, true
}

// PopReg pops the top of the stack into the 64-bit reg.
func PopReg(w *Writer, reg archx86.Register) {
	emitREX(w, false, false, false, reg.NeedsREXExtension(), false)
	w.Byte(0x58 + reg.Index()&7)
}

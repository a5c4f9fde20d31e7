package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// This file is the branch-next emitter §4.5 describes. NEXT and TARGET
// are argument kinds, not control transfers: they load, into an ABI
// argument register, the address the CPU will execute after (NEXT) or
// instead of (TARGET) the instrumented instruction. For a conditional
// jump that address depends on a runtime condition, so NEXT becomes a
// miniature island that tests the condition and LEAs one of two
// addresses into the same destination register:
//
//	Jcc .Ltaken              (short, same condition as the original Jcc)
//	LEA .Lcontinue(%rip), dest
//	JMP .Lnext               (short)
//
// .Ltaken:
//
//	LEA <taken-target>(%rip), dest
//
// .Lnext:
//
// RET/CALL/unconditional JMP, and the TARGET kind on any mnemonic,
// have exactly one possible address, so they collapse to the single
// LEA under ".Ltaken" with no test and no fall-through arm.
//
// Grounded on the teacher's jmp.go condition/opcode table (the same
// JO..JG condition space), narrowed to the short (rel8) encodings
// these islands use — confirmed against the spec's own worked example
// of a `jne` NEXT load, which is one byte (0x75) plus an 8-bit label
// escape, not a near Jcc.
func jccShortOpcode(m Mnemonic) (uint8, bool) {
	switch m {
	case MnemJo:
		return 0x70, true
	case MnemJno:
		return 0x71, true
	case MnemJb:
		return 0x72, true
	case MnemJae:
		return 0x73, true
	case MnemJe:
		return 0x74, true
	case MnemJne:
		return 0x75, true
	case MnemJbe:
		return 0x76, true
	case MnemJa:
		return 0x77, true
	case MnemJs:
		return 0x78, true
	case MnemJns:
		return 0x79, true
	case MnemJp:
		return 0x7A, true
	case MnemJnp:
		return 0x7B, true
	case MnemJl:
		return 0x7C, true
	case MnemJge:
		return 0x7D, true
	case MnemJle:
		return 0x7E, true
	case MnemJg:
		return 0x7F, true
	default:
		return 0, false
	}
}

// EmitTargetLoad loads the single known destination address — TARGET
// on any mnemonic, or NEXT on RET/CALL/unconditional JMP — as a
// PC-relative LEA into dest. target is either an already-resolved
// int32 displacement or a not-yet-linked label.
func EmitTargetLoad(w *Writer, dest archx86.Register, target RelTarget) {
	LeaPCRelToR64(w, dest, target)
}

// EmitNextLoad implements the full NEXT island for a conditional-jump
// mnemonic: fallthroughTarget is typically the well-known ".Lcontinue"
// label, takenTarget the jump's own destination; takenLabel/nextLabel
// are this island's private label names (the spec's convention is
// ".Ltaken<regname>"/".Lnext<regname>", one instance per destination
// register so nested/repeated islands in the same action don't
// collide). Unrecognised mnemonics fall back to EmitTargetLoad with
// fallthroughTarget, matching "for unknown mnemonics load .Lcontinue
// and return" (§4.5).
//
// JECXZ/JRCXZ test %ecx/%rcx itself, so if an earlier argument has
// already clobbered RCX (it's SysV's 4th integer argument register),
// ci restores RCX's program-original value immediately before the
// 0xE3 opcode and undoes the restore once both arms of the island
// have rejoined at nextLabel, so the JECXZ/JRCXZ instruction and its
// rel8 stay contiguous, mirroring the memory-operand base/index
// restoration in memop.go.
func EmitNextLoad(ci *CallInfo, w *Writer, m Mnemonic, dest archx86.Register, fallthroughTarget, takenTarget RelTarget, takenLabel, nextLabel string) {
	if m == MnemJecxz || m == MnemJrcxz {
		var tag TempTag
		if ci.IsClobbered(archx86.RCX) && ci.HasSlot(archx86.RCX) {
			tag = sendTemporaryRestoreReg(ci, w, archx86.RCX, dest)
		} else {
			tag = TempTag{NoOp: true}
		}
		if m == MnemJecxz {
			w.Byte(0x67)
		}
		w.Byte(0xE3)
		w.Rel8(takenLabel)
		EmitTargetLoad(w, dest, fallthroughTarget)
		w.Byte(0xEB)
		w.Rel8(nextLabel)
		w.Label(takenLabel)
		EmitTargetLoad(w, dest, takenTarget)
		w.Label(nextLabel)
		sendUndoTemporaryMovReg(w, archx86.RCX, tag)
		return
	}

	opcode, ok := jccShortOpcode(m)
	if !ok {
		EmitTargetLoad(w, dest, fallthroughTarget)
		return
	}

	w.Byte(opcode)
	w.Rel8(takenLabel)
	EmitTargetLoad(w, dest, fallthroughTarget)
	w.Byte(0xEB)
	w.Rel8(nextLabel)
	w.Label(takenLabel)
	EmitTargetLoad(w, dest, takenTarget)
	w.Label(nextLabel)
}

package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// TempTag records how sendTemporaryMovReg displaced a register's live
// value so sendTemporaryRestoreReg (or sendUndoTemporaryMovReg) can put
// it back. Unlike the teacher's register_tracker.go, which packs this
// into a single integer tag (a scratch-register index, a negative
// slot, or a sentinel), this package spells the three cases out as
// struct fields — clearer at the call sites that switch on it, and the
// packing trick bought the C history nothing Go a type can't say
// directly.
type TempTag struct {
	NoOp    bool             // nothing was displaced; reg was never live
	Scratch archx86.Register // INVALID unless a scratch register was used
	Slot    int32            // valid (possibly 0) iff Scratch is INVALID and !NoOp
}

// sendTemporaryMovReg displaces reg's current live value so the caller
// can clobber reg for its own purposes, preferring a free caller-save
// scratch register and falling back to a red-zone stack slot when the
// scratch set is exhausted (§4.3/§4.6). exclude lists registers that
// must not be chosen as scratch (the memory operand's own base/index,
// any already-materialised argument register).
func sendTemporaryMovReg(ci *CallInfo, w *Writer, reg archx86.Register, exclude ...archx86.Register) TempTag {
	if !ci.IsUsed(reg) && !ci.IsClobbered(reg) {
		return TempTag{NoOp: true}
	}
	scratch := ci.GetScratch(append(exclude, reg)...)
	if scratch.IsValid() {
		MovRegToReg(w, archx86.WidthFor(scratch.Canonical64(), 8), archx86.WidthFor(reg.Canonical64(), 8))
		ci.Clobber(scratch)
		return TempTag{Scratch: scratch}
	}
	slot := ci.allocRedZoneSlot()
	MovR64ToStack(w, reg.Canonical64(), slot)
	return TempTag{Slot: slot}
}

// sendTemporaryRestoreReg displaces reg's current live value via
// sendTemporaryMovReg, then reloads reg's program-original value —
// from wherever the construction-time saved-state block (or an
// earlier sendTemporarySaveReg) put it — so the caller can read or
// address through reg's real value. exclude is forwarded to the
// displacement step so a register the caller is about to use
// alongside reg (an operand's other base/index, a destination) is
// never picked as scratch.
//
// The returned tag is for sendUndoTemporaryMovReg: a caller that only
// needs reg's original value for the span of a few bytes undoes
// immediately afterward, putting the displaced live value back. A
// caller that wants the restore to stick instead calls CallInfo.Restore
// itself and discards the tag.
func sendTemporaryRestoreReg(ci *CallInfo, w *Writer, reg archx86.Register, exclude ...archx86.Register) TempTag {
	if !ci.HasSlot(reg) {
		return TempTag{NoOp: true}
	}
	tag := sendTemporaryMovReg(ci, w, reg, exclude...)
	MovStackToR64(w, reg.Canonical64(), ci.GetOffset(reg), 8, false)
	return tag
}

// sendTemporarySaveReg writes reg's current live value into its
// reserved saved-state slot, for the construction-time block entries
// CallInfo didn't populate eagerly.
func sendTemporarySaveReg(ci *CallInfo, w *Writer, reg archx86.Register) {
	if !ci.HasSlot(reg) || ci.IsSaved(reg) {
		return
	}
	MovR64ToStack(w, reg.Canonical64(), ci.GetOffset(reg))
	ci.MarkSaved(reg)
}

// sendUndoTemporaryMovReg reverses a sendTemporaryMovReg or
// sendTemporaryRestoreReg displacement: moves the scratch register's
// value (or the red-zone slot's value) back into reg. Pair it with
// whichever of the two produced tag.
func sendUndoTemporaryMovReg(w *Writer, reg archx86.Register, tag TempTag) {
	switch {
	case tag.NoOp:
		return
	case tag.Scratch.IsValid():
		MovRegToReg(w, archx86.WidthFor(reg.Canonical64(), 8), archx86.WidthFor(tag.Scratch.Canonical64(), 8))
	default:
		MovStackToR64(w, reg.Canonical64(), tag.Slot, 8, false)
	}
}

package trampoline

import "github.com/xyproto/trampoline/internal/archx86"

// CallInfo tracks, for the duration of emitting one CALL action, which
// registers hold their program-original value, which have been
// clobbered, which argument materialisation has already claimed, and
// where on the stack the signed %rsp delta currently sits. Every other
// component in this package (the memory-operand loader, the argument
// materialiser, the branch-next emitter) reads and updates one shared
// *CallInfo rather than threading four separate maps around.
//
// Modeled on the teacher's register_tracker.go/register_allocator.go
// (the same saved/clobbered/scratch-selection shape), generalised from
// "which SSA values are live in which physical register" to "which
// ABI registers hold their pre-call original value".
type CallInfo struct {
	cc CallingConvention

	clean       bool
	state       bool
	conditional bool
	argCount    int

	saved     map[archx86.Register]bool
	clobbered map[archx86.Register]bool
	used      map[archx86.Register]bool

	// slotOffset maps a canonical register to the byte offset of its
	// saved-original slot, expressed relative to the %rsp value the
	// trampoline was entered with (i.e. as if rspOffset were 0). Every
	// register in this map has a reserved 8-byte slot somewhere in the
	// saved-state block or among the ad-hoc pushes recorded below.
	slotOffset map[archx86.Register]int

	// rspOffset is the signed delta between the current runtime %rsp
	// and the %rsp value the trampoline was entered with. It starts at
	// 0 and every PUSH/POP/LEA-adjustment this package emits updates
	// it, so GetOffset can always translate a slot's fixed position
	// into "bytes above the current %rsp".
	rspOffset int

	// pushedStack is the LIFO of ad-hoc register pushes (e.g. a
	// REGISTER-by-pointer argument spilling a register that has no
	// pre-reserved block slot). The epilogue drains it in reverse push
	// order; RSP itself, if ever pushed, is always popped last.
	pushedStack []archx86.Register

	// liveArgRegs holds the argument registers whose final value has
	// already been materialised for the current call; GetScratch never
	// returns one of these, so a later argument can't clobber an
	// earlier one.
	liveArgRegs []archx86.Register

	flagsClobbered bool

	redZoneNext int // next free red-zone slot offset, reset only at construction
}

const redZoneBase = -8 // first red-zone slot sits 8 bytes below the current %rsp

// NewCallInfo builds the saved-state block layout for one CALL action.
// clean requests every caller-save register be preserved regardless of
// use; state requests the full general-purpose register file (§4.7
// step 1: STATE needs a materialised block to hand the user a pointer
// into); argCount bounds how many ABI argument registers need their
// original displaced even in the minimal case, since those are about
// to be overwritten with the call's actual arguments.
func NewCallInfo(cc CallingConvention, clean, state, conditional bool, argCount int) *CallInfo {
	ci := &CallInfo{
		cc:          cc,
		clean:       clean,
		state:       state,
		conditional: conditional,
		argCount:    argCount,
		saved:       make(map[archx86.Register]bool),
		clobbered:   make(map[archx86.Register]bool),
		used:        make(map[archx86.Register]bool),
		slotOffset:  make(map[archx86.Register]int),
	}

	reserved := []archx86.Register{archx86.EFLAGS}
	switch {
	case state:
		reserved = append(reserved,
			archx86.RAX, archx86.RCX, archx86.RDX, archx86.RBX, archx86.RBP,
			archx86.RSI, archx86.RDI,
			archx86.R8, archx86.R9, archx86.R10, archx86.R11,
			archx86.R12, archx86.R13, archx86.R14, archx86.R15)
	case clean:
		reserved = append(reserved, cc.CallerSaved()...)
	default:
		for i := 0; i < argCount && i < 6; i++ {
			r := cc.IntegerArgReg(i)
			if r.IsValid() {
				reserved = append(reserved, r)
			}
		}
	}

	offset := 0
	seen := make(map[archx86.Register]bool)
	for _, r := range reserved {
		canon := r.Canonical64()
		if seen[canon] {
			continue
		}
		seen[canon] = true
		ci.slotOffset[canon] = offset
		offset += 8
	}

	ci.resetRedZone()
	return ci
}

// Clobber records that r's live value is no longer its program-original.
func (ci *CallInfo) Clobber(r archx86.Register) { ci.clobbered[r.Canonical64()] = true }

// Use records that r currently holds a value this call's emission
// depends on (either its original, reloaded, or a freshly computed
// argument value).
func (ci *CallInfo) Use(r archx86.Register) { ci.used[r.Canonical64()] = true }

// Restore records that r's program-original value has been reloaded
// into r, so it is simultaneously "used" (safe to read) and no longer
// "clobbered" (its live value matches its original again).
func (ci *CallInfo) Restore(r archx86.Register) {
	c := r.Canonical64()
	ci.clobbered[c] = false
	ci.used[c] = true
}

// MarkSaved records that the 8-byte slot at GetOffset(r) now holds r's
// program-original value.
func (ci *CallInfo) MarkSaved(r archx86.Register) { ci.saved[r.Canonical64()] = true }

func (ci *CallInfo) IsSaved(r archx86.Register) bool     { return ci.saved[r.Canonical64()] }
func (ci *CallInfo) IsClobbered(r archx86.Register) bool { return ci.clobbered[r.Canonical64()] }
func (ci *CallInfo) IsUsed(r archx86.Register) bool      { return ci.used[r.Canonical64()] }

// IsCallerSave reports whether r belongs to the active calling
// convention's caller-save set.
func (ci *CallInfo) IsCallerSave(r archx86.Register) bool { return isCallerSave(ci.cc, r) }

// IsCalleeSave reports whether r belongs to the active calling
// convention's callee-save set.
func (ci *CallInfo) IsCalleeSave(r archx86.Register) bool { return isCalleeSave(ci.cc, r) }

// HasSlot reports whether r has a reserved saved-original slot,
// whether from the construction-time block or a later ad-hoc push.
func (ci *CallInfo) HasSlot(r archx86.Register) bool {
	_, ok := ci.slotOffset[r.Canonical64()]
	return ok
}

// GetOffset returns the signed byte offset of r's saved-original slot
// relative to the current %rsp. The caller must have verified HasSlot.
func (ci *CallInfo) GetOffset(r archx86.Register) int32 {
	return int32(ci.slotOffset[r.Canonical64()] - ci.rspOffset)
}

// RSPOffset returns the current signed delta between the runtime %rsp
// and the %rsp the trampoline was entered with.
func (ci *CallInfo) RSPOffset() int { return ci.rspOffset }

// AdjustRSP folds an %rsp-moving emission (an explicit LEA delta(%rsp),
// %rsp, or any push/pop not routed through Push/Pop below) into the
// offset bookkeeping.
func (ci *CallInfo) AdjustRSP(delta int) { ci.rspOffset += delta }

// Push records that reg has just been pushed onto the real stack: its
// saved-original slot is the current %rsp, and the LIFO epilogue order
// gains one more entry. The caller is responsible for emitting the
// actual PUSH; this only updates bookkeeping.
func (ci *CallInfo) Push(reg archx86.Register) {
	ci.rspOffset -= 8
	c := reg.Canonical64()
	ci.slotOffset[c] = ci.rspOffset
	ci.saved[c] = true
	ci.pushedStack = append(ci.pushedStack, reg)
}

// Pop removes and returns the most recently pushed register, or
// (INVALID, false) if nothing is pending. RSP, if it was ever pushed,
// sorts last by virtue of being pushed first (callers push it before
// anything else that must come off after it).
func (ci *CallInfo) Pop() (archx86.Register, bool) {
	if len(ci.pushedStack) == 0 {
		return archx86.INVALID, false
	}
	n := len(ci.pushedStack) - 1
	reg := ci.pushedStack[n]
	ci.pushedStack = ci.pushedStack[:n]
	ci.rspOffset += 8
	return reg, true
}

// PendingPops reports how many ad-hoc pushes the epilogue still needs
// to unwind.
func (ci *CallInfo) PendingPops() int { return len(ci.pushedStack) }

// MarkArgLive records that argReg now holds a materialised argument
// value; GetScratch will not hand it back to a later argument.
func (ci *CallInfo) MarkArgLive(argReg archx86.Register) {
	ci.liveArgRegs = append(ci.liveArgRegs, argReg.Canonical64())
}

// GetScratch returns a caller-save register that is neither in exclude
// nor already holding a materialised argument value, or INVALID if the
// caller-save set is exhausted. Registers are tried in the calling
// convention's CallerSaved order, so the choice is deterministic.
func (ci *CallInfo) GetScratch(exclude ...archx86.Register) archx86.Register {
	blocked := make(map[archx86.Register]bool, len(exclude)+len(ci.liveArgRegs))
	for _, r := range exclude {
		blocked[r.Canonical64()] = true
	}
	for _, r := range ci.liveArgRegs {
		blocked[r] = true
	}
	for _, r := range ci.cc.CallerSaved() {
		if !blocked[r] {
			return r
		}
	}
	return archx86.INVALID
}

// Call marks the effect of the instrumented call itself: every
// caller-save register becomes clobbered, and (unless conditional,
// meaning the user function's own call sequence is what's being
// modeled and EFLAGS must survive for the branch decision) RFLAGS is
// clobbered too.
func (ci *CallInfo) Call(conditional bool) {
	for _, r := range ci.cc.CallerSaved() {
		ci.clobbered[r] = true
	}
	if !conditional {
		ci.flagsClobbered = true
	}
}

// FlagsClobbered reports whether the most recent Call clobbered RFLAGS.
func (ci *CallInfo) FlagsClobbered() bool { return ci.flagsClobbered }

// Clean reports whether this call requested the clean-call discipline.
func (ci *CallInfo) Clean() bool { return ci.clean }

// WantsState reports whether this call requested a STATE argument.
func (ci *CallInfo) WantsState() bool { return ci.state }

// Conditional reports whether this call's predicate controls the
// instrumented instruction's effect.
func (ci *CallInfo) Conditional() bool { return ci.conditional }

// ArgCount returns the number of arguments this call was constructed
// for.
func (ci *CallInfo) ArgCount() int { return ci.argCount }

// resetRedZone starts a fresh red-zone slot allocation sequence. It is
// called only by NewCallInfo, so every red-zone slot handed out during
// one call's argument loads is distinct; no slot is reused within a
// call.
func (ci *CallInfo) resetRedZone() { ci.redZoneNext = redZoneBase }

// allocRedZoneSlot returns the next free red-zone offset (relative to
// the current %rsp) for a transient register spill that doesn't need a
// durable saved-original slot.
func (ci *CallInfo) allocRedZoneSlot() int32 {
	slot := ci.redZoneNext
	ci.redZoneNext -= 8
	return int32(slot)
}

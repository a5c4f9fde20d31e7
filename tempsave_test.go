package trampoline

import (
	"testing"

	"github.com/xyproto/trampoline/internal/archx86"
)

func TestSendTemporaryMovRegNoOpWhenNeverLive(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	tag := sendTemporaryMovReg(ci, w, archx86.RBX)
	if !tag.NoOp {
		t.Error("expected NoOp when the register was never used or clobbered")
	}
	if w.Slice(0) != "" {
		t.Errorf("expected no bytes emitted, got %q", w.Slice(0))
	}
}

func TestSendTemporaryMovRegPrefersScratch(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	ci.Use(archx86.RDI)
	tag := sendTemporaryMovReg(ci, w, archx86.RDI)
	if tag.NoOp || !tag.Scratch.IsValid() {
		t.Fatalf("expected a scratch-register tag, got %+v", tag)
	}
	if !ci.IsClobbered(tag.Scratch) {
		t.Error("the scratch register chosen must be marked clobbered")
	}
	if w.Slice(0) == "" {
		t.Error("expected a MOV into the scratch register to be emitted")
	}
}

func TestSendTemporaryMovRegFallsBackToRedZone(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	// Exhaust every caller-save register as a live argument so GetScratch
	// has nothing left to offer.
	for _, r := range cc.CallerSaved() {
		ci.MarkArgLive(r)
	}
	ci.Use(archx86.RDI)
	tag := sendTemporaryMovReg(ci, w, archx86.RDI)
	if tag.NoOp || tag.Scratch.IsValid() {
		t.Fatalf("expected a red-zone slot tag, got %+v", tag)
	}
	if tag.Slot != -8 {
		t.Errorf("first red-zone slot = %d, want -8", tag.Slot)
	}
}

func TestSendTemporarySaveAndRestoreReg(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, true, false, 0) // state=true reserves a slot for every GP register
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	sendTemporarySaveReg(ci, w, archx86.RBX)
	if !ci.IsSaved(archx86.RBX) {
		t.Fatal("expected RBX marked saved")
	}
	saveBytes := w.Slice(0)
	if saveBytes == "" {
		t.Fatal("expected a store to RBX's slot")
	}

	// Saving again must be a no-op.
	sendTemporarySaveReg(ci, w, archx86.RBX)
	if w.Slice(0) != saveBytes {
		t.Error("saving an already-saved register must not emit a second store")
	}

	ci.Clobber(archx86.RBX)
	tag := sendTemporaryRestoreReg(ci, w, archx86.RBX)
	if tag.NoOp {
		t.Error("expected a non-NoOp tag since RBX was live when restored")
	}
	if !ci.IsClobbered(archx86.RBX) {
		t.Error("sendTemporaryRestoreReg alone must not clear the clobbered flag; only a caller that discards the tag via CallInfo.Restore makes the restore stick")
	}
	ci.Restore(archx86.RBX)
	if ci.IsClobbered(archx86.RBX) {
		t.Error("CallInfo.Restore must clear the clobbered flag")
	}
}

func TestSendTemporaryRestoreRegWithoutSlotIsNoOp(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	sendTemporaryRestoreReg(ci, w, archx86.RBX)
	if w.Slice(0) != "" {
		t.Error("a register with no reserved slot must not emit a restore")
	}
}

func TestSendUndoTemporaryMovRegScratch(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	tag := TempTag{Scratch: archx86.RCX}
	sendUndoTemporaryMovReg(w, archx86.RDI, tag)
	if w.Slice(0) == "" {
		t.Error("expected a MOV back from the scratch register")
	}
}

func TestSendUndoTemporaryMovRegRedZoneSlot(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	tag := TempTag{Scratch: archx86.INVALID, Slot: -8}
	sendUndoTemporaryMovReg(w, archx86.RDI, tag)
	if w.Slice(0) == "" {
		t.Error("expected a MOV back from the red-zone slot")
	}
}

func TestSendUndoTemporaryMovRegNoOp(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	sendUndoTemporaryMovReg(w, archx86.RDI, TempTag{NoOp: true})
	if w.Slice(0) != "" {
		t.Error("a NoOp tag must not emit anything")
	}
}

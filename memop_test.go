package trampoline

import (
	"testing"

	"github.com/xyproto/trampoline/internal/archx86"
)

func TestWriteMemOperandAbsolute(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	writeMemOperand(w, 0, archx86.INVALID, archx86.INVALID, 0, 0x1234)
	got := bytesOf(t, w)
	// mod00 rm=100 (SIB follows) = 0x04=4, SIB no-index-no-base=0x05=5, disp32
	if len(got) < 2 || got[0] != "4" || got[1] != "5" {
		t.Fatalf("absolute operand leading bytes = %v, want [4 5 ...]", got)
	}
}

func TestWriteMemOperandRSPSoleBaseForcesSIB(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	writeMemOperand(w, 0, archx86.RSP, archx86.INVALID, 0, 0)
	got := bytesOf(t, w)
	want := []string{"4", "36"} // mod00 rm=100 (4), SIB base=rsp index=none (0x24=36)
	if !equalSlices(got, want) {
		t.Errorf("RSP sole base disp=0 = %v, want %v", got, want)
	}
}

func TestWriteMemOperandRBPForcesDisp8(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	writeMemOperand(w, 0, archx86.RBP, archx86.INVALID, 0, 0)
	got := bytesOf(t, w)
	// RBP as sole base with disp=0 must be forced to disp8=0, not omitted,
	// since ModRM mod00 rm=101 means [rip+disp32] / no-base, not [rbp].
	want := []string{"69", "0"} // 0x40|(0<<3)|5=0x45=69, disp8=0
	if !equalSlices(got, want) {
		t.Errorf("RBP sole base disp=0 = %v, want %v (forced disp8)", got, want)
	}
}

func TestWriteMemOperandPlainBaseNoSIB(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	writeMemOperand(w, 0, archx86.RAX, archx86.INVALID, 0, 0)
	got := bytesOf(t, w)
	want := []string{"0"} // mod00, reg=0, rm=rax(0): no SIB, no disp
	if !equalSlices(got, want) {
		t.Errorf("plain RAX base disp=0 = %v, want %v", got, want)
	}
}

func TestWriteMemOperandWithIndexAndScale(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	// [rax + rcx*4]
	writeMemOperand(w, 0, archx86.RAX, archx86.RCX, 4, 0)
	got := bytesOf(t, w)
	// mod00 rm=100(SIB)=4, SIB: scale=10(2 bits)<<6 | index=001<<3 | base=000 = 0x88=136
	want := []string{"4", "136"}
	if !equalSlices(got, want) {
		t.Errorf("[rax+rcx*4] = %v, want %v", got, want)
	}
}

func TestCompensateStackDisp(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	ci.AdjustRSP(-16)

	got := compensateStackDisp(ci, archx86.RSP, 8)
	if got != 24 {
		t.Errorf("compensateStackDisp with rspOffset=-16 and disp=8 = %d, want 24", got)
	}
	got = compensateStackDisp(ci, archx86.RAX, 8)
	if got != 8 {
		t.Errorf("compensateStackDisp for a non-RSP base must pass disp through unchanged, got %d", got)
	}
}

func TestLoadMemOperandRIPRelative(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	op := OpInfo{Kind: OpMemory, Size: 8, Access: AccessRead, Base: archx86.RIP, Disp: int32(0x100)}
	LoadMemOperand(ci, w, archx86.RAX, op, false, false)
	got := w.Slice(0)
	// REX.W(72), MOV r64,r/m64 (0x8B=139), modrm mod00 rm101=5, rel32 escape
	want := `72,139,5,{"rel32":256}`
	if got != want {
		t.Errorf("LoadMemOperand(RIP+0x100) = %q, want %q", got, want)
	}
}

func TestLoadMemOperandSegmentOverride(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	op := OpInfo{Kind: OpMemory, Size: 8, Access: AccessRead, Seg: archx86.FS, Base: archx86.INVALID, Index: archx86.INVALID, Disp: 0}
	LoadMemOperand(ci, w, archx86.RAX, op, false, false)
	got := bytesOf(t, w)
	if len(got) == 0 || got[0] != "100" { // 0x64 FS override = 100
		t.Errorf("expected leading FS override byte 100, got %v", got)
	}
}

// LEA has no encoding that folds in a segment override, so it would
// silently compute the wrong address for an FS/GS-relative operand.
// LoadMemOperand must reject it rather than emit a LEA that ignores
// the segment.
func TestLoadMemOperandRejectsLEAWithSegmentOverride(t *testing.T) {
	cc := SystemVAMD64{}
	ci := NewCallInfo(cc, false, false, false, 0)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	op := OpInfo{Kind: OpMemory, Size: 8, Access: AccessRead, Seg: archx86.GS, Base: archx86.INVALID, Index: archx86.INVALID, Disp: 0}
	LoadMemOperand(ci, w, archx86.RAX, op, true, false)

	want := `72,199,192,{"int32":0}`
	if w.Slice(0) != want {
		t.Errorf("bytes = %q, want %q (warn and zero, not an incorrect LEA)", w.Slice(0), want)
	}
	if len(diags.Entries()) == 0 {
		t.Error("expected a warning diagnostic for LEA of a GS-relative operand")
	}
}

func TestLoadMemOperandRestoresClobberedBase(t *testing.T) {
	cc := SystemVAMD64{}
	// state=true reserves a slot for every GP register, including the
	// callee-saved RBX this test clobbers — the minimal/clean layouts
	// only reserve argument or caller-save registers, never RBX.
	ci := NewCallInfo(cc, false, true, false, 1)
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)

	sendTemporarySaveReg(ci, w, archx86.RBX)
	ci.Clobber(archx86.RBX)
	op := OpInfo{Kind: OpMemory, Size: 8, Access: AccessRead, Base: archx86.RBX, Index: archx86.INVALID, Disp: 0}
	before := w.Mark()
	LoadMemOperand(ci, w, archx86.RAX, op, false, false)
	emitted := w.Slice(before)

	if !ci.IsClobbered(archx86.RBX) {
		t.Error("the restore around the address computation must be undone, leaving RBX's call-site value clobbered afterward")
	}
	if emitted == "72,139,3" {
		t.Error("LoadMemOperand must restore RBX's original value before addressing through it, not address through the clobbered value")
	}
}

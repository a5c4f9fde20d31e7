package trampoline

import (
	"strings"
	"testing"

	"github.com/xyproto/trampoline/internal/archx86"
)

func bytesOf(t *testing.T, w *Writer) []string {
	t.Helper()
	s := w.Slice(0)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func TestMovRegToRegREXCorrectness(t *testing.T) {
	// mov %rax, %r8 (dst=rax, src=r8): REX.WR (0x4C=76, R set since the
	// reg field holds src=r8), opcode 0x89(137), ModRM 11 000 000=192
	// (reg field masks off the REX.R bit, rm field is plain rax=0).
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	MovRegToReg(w, archx86.RAX, archx86.R8)
	got := bytesOf(t, w)
	want := []string{"76", "137", "192"}
	if !equalSlices(got, want) {
		t.Errorf("MovRegToReg(rax, r8) = %v, want %v", got, want)
	}
}

func TestMovRegToRegNoREXWhenUnneeded(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	MovRegToReg(w, archx86.EAX, archx86.ECX)
	got := bytesOf(t, w)
	// 32-bit mov, no REX needed: opcode 0x89(137), modrm 11 001 000 = 0xC8 = 200
	if len(got) != 2 {
		t.Fatalf("MovRegToReg(eax, ecx) produced %d bytes, want 2 (no REX): %v", len(got), got)
	}
	if got[0] != "137" || got[1] != "200" {
		t.Errorf("got %v, want [137 200]", got)
	}
}

func TestMovZxToR64From32BitIsPlainMov(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	MovZxToR64(w, archx86.RAX, archx86.EBX)
	got := bytesOf(t, w)
	// zero-extend from 32 to 64 is a plain 32-bit mov into eax: 0x89(137), modrm 11 011 000=216
	if len(got) != 2 || got[0] != "137" || got[1] != "216" {
		t.Errorf("MovZxToR64(rax, ebx) = %v, want [137 216]", got)
	}
}

func TestMovZxToR64From8Bit(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	MovZxToR64(w, archx86.RAX, archx86.CL)
	got := bytesOf(t, w)
	// REX.W (0x48=72), 0x0F, 0xB6(182), modrm 11 000 001 = 193
	want := []string{"72", "15", "182", "193"}
	if !equalSlices(got, want) {
		t.Errorf("MovZxToR64(rax, cl) = %v, want %v", got, want)
	}
}

func TestMovSxToR64From32Bit(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	MovSxToR64(w, archx86.RAX, archx86.EBX)
	got := bytesOf(t, w)
	// REX.W, 0x63 MOVSXD, modrm 11 000 011 = 195
	want := []string{"72", "99", "195"}
	if !equalSlices(got, want) {
		t.Errorf("MovSxToR64(rax, ebx) = %v, want %v", got, want)
	}
}

func TestSExtI32ToR64(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	SExtI32ToR64(w, archx86.RDI, -1)
	got := w.Slice(0)
	// REX.W(72),0xC7(199),modrm 11 000 111=199,{"int32":-1}
	want := `72,199,199,{"int32":-1}`
	if got != want {
		t.Errorf("SExtI32ToR64(rdi, -1) = %q, want %q", got, want)
	}
}

func TestZExtI32ToR64UsesCompactForm(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	ZExtI32ToR64(w, archx86.RAX, 0x1000)
	got := w.Slice(0)
	// no REX needed (eax, not extended), opcode 0xB8+0=184, then int32 escape
	want := `184,{"int32":4096}`
	if got != want {
		t.Errorf("ZExtI32ToR64(rax, 0x1000) = %q, want %q", got, want)
	}
}

func TestPushRegCompactForm(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	ok, usedScratch := PushReg(w, archx86.RBX, archx86.INVALID)
	if !ok || usedScratch {
		t.Fatalf("PushReg(rbx) = (%v, %v), want (true, false)", ok, usedScratch)
	}
	got := bytesOf(t, w)
	if len(got) != 1 || got[0] != "83" { // 0x50+3=0x53=83
		t.Errorf("PushReg(rbx) = %v, want [83]", got)
	}
}

func TestPushRegNarrowNeedsScratch(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	ok, usedScratch := PushReg(w, archx86.AX, archx86.INVALID)
	if ok {
		t.Error("PushReg(ax, INVALID) should fail without scratch")
	}
	_ = usedScratch

	w2 := NewWriter(diags, 0)
	ok, usedScratch = PushReg(w2, archx86.AX, archx86.RCX)
	if !ok || !usedScratch {
		t.Fatalf("PushReg(ax, rcx) = (%v, %v), want (true, true)", ok, usedScratch)
	}
}

func TestPopReg(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	PopReg(w, archx86.R15)
	got := bytesOf(t, w)
	// REX.B(65=0x41), 0x58+7=0x5F=95
	want := []string{"65", "95"}
	if !equalSlices(got, want) {
		t.Errorf("PopReg(r15) = %v, want %v", got, want)
	}
}

func TestLeaStackToR64(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	LeaStackToR64(w, archx86.RDI, 16)
	got := bytesOf(t, w)
	// REX.W(72), 0x8D(141), modrm 01 111 100=0x7C=124, SIB 0x24=36, disp8=16
	want := []string{"72", "141", "124", "36", "16"}
	if !equalSlices(got, want) {
		t.Errorf("LeaStackToR64(rdi, 16) = %v, want %v", got, want)
	}
}

func TestLeaPCRelToR64(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	LeaPCRelToR64(w, archx86.RAX, ".Lcontinue")
	got := w.Slice(0)
	// REX.W(72), 0x8D(141), modrm 00 000 101=5
	want := `72,141,5,{"rel32":".Lcontinue"}`
	if got != want {
		t.Errorf("LeaPCRelToR64(rax, label) = %q, want %q", got, want)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

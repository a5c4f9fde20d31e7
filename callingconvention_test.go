package trampoline

import (
	"testing"

	"github.com/xyproto/trampoline/internal/archx86"
)

func TestSystemVAMD64IntegerArgReg(t *testing.T) {
	cc := SystemVAMD64{}
	if cc.IntegerArgReg(0) != archx86.RDI {
		t.Errorf("arg 0 = %v, want RDI", cc.IntegerArgReg(0))
	}
	if cc.IntegerArgReg(5) != archx86.R9 {
		t.Errorf("arg 5 = %v, want R9", cc.IntegerArgReg(5))
	}
	if cc.IntegerArgReg(6) != archx86.INVALID {
		t.Error("arg 6 must be INVALID, arguments beyond the sixth spill to the stack")
	}
	if cc.IntegerArgReg(-1) != archx86.INVALID {
		t.Error("a negative index must be INVALID")
	}
}

func TestIsCallerSaveAndCalleeSave(t *testing.T) {
	cc := SystemVAMD64{}
	if !isCallerSave(cc, archx86.EAX) {
		t.Error("EAX must canonicalize to RAX and report caller-save")
	}
	if isCallerSave(cc, archx86.RBX) {
		t.Error("RBX is callee-save, not caller-save")
	}
	if !isCalleeSave(cc, archx86.BPL) {
		t.Error("BPL must canonicalize to RBP and report callee-save")
	}
}

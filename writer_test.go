package trampoline

import "testing"

func TestWriterByteAndSlice(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0x1000)
	w.Byte(0x48)
	w.Byte(0x89)
	mark := w.Mark()
	w.Byte(0xC3)
	frag := w.Slice(mark)
	if frag != "195" {
		t.Errorf("Slice(mark) = %q, want %q", frag, "195")
	}
	full := w.Slice(0)
	if full != "72,137,195" {
		t.Errorf("Slice(0) = %q, want %q", full, "72,137,195")
	}
}

func TestWriterInt32Escape(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	w.Int32(-1)
	got := w.Slice(0)
	want := `{"int32":-1}`
	if got != want {
		t.Errorf("Int32(-1) token = %q, want %q", got, want)
	}
}

func TestWriterRel32Label(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	w.Rel32("target_fn")
	got := w.Slice(0)
	want := `{"rel32":"target_fn"}`
	if got != want {
		t.Errorf("Rel32(label) token = %q, want %q", got, want)
	}
}

func TestWriterRel32Numeric(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	w.Rel32(int32(42))
	got := w.Slice(0)
	want := `{"rel32":42}`
	if got != want {
		t.Errorf("Rel32(42) token = %q, want %q", got, want)
	}
}

func TestWriterLabel(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0)
	w.Label(".Lcontinue")
	got := w.Slice(0)
	if got != `".Lcontinue"` {
		t.Errorf("Label token = %q, want %q", got, `".Lcontinue"`)
	}
}

func TestWriterCapacityOverflow(t *testing.T) {
	diags := &Diagnostics{}
	w := NewWriter(diags, 0x2000)
	w.Capacity = 2
	w.Byte(1)
	w.Byte(2)
	w.Byte(3) // exceeds capacity
	if !diags.HasFatal() {
		t.Fatal("expected a fatal diagnostic on buffer overflow")
	}
	if got := w.Slice(0); got != "1,2" {
		t.Errorf("tokens after overflow = %q, want %q", got, "1,2")
	}
}

func TestMetadataGet(t *testing.T) {
	md := Metadata{
		{Name: "loadArgs", Body: "1,2,3"},
		{Name: "function", Body: `{"rel32":"f"}`},
	}
	body, ok := md.Get("function")
	if !ok || body != `{"rel32":"f"}` {
		t.Errorf("Get(function) = (%q, %v), want (%q, true)", body, ok, `{"rel32":"f"}`)
	}
	if _, ok := md.Get("missing"); ok {
		t.Error("Get(missing) reported found, want not found")
	}
}

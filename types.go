package trampoline

import "strings"

// Type is a bitmask describing the width and pointer-ness of a loaded
// argument, in the shape §3 specifies: a width enum packed into the
// low bits plus PTR/CONST/NULL_PTR flag bits. Modeled on the
// teacher's Vibe67Type width/kind split (types.go), but as a flat
// bitmask rather than a tagged struct — this domain has no container
// or foreign-type recursion to carry.
type Type uint8

const (
	widthMask Type = 0x0F

	VOID  Type = 0
	INT8  Type = 1
	INT16 Type = 2
	INT32 Type = 3
	INT64 Type = 4

	PTR      Type = 1 << 4
	CONST    Type = 1 << 5
	NULL_PTR Type = 1 << 6
)

// Width returns the bare width component (VOID/INT8/.../INT64),
// masking off PTR/CONST/NULL_PTR.
func (t Type) Width() Type { return t & widthMask }

// WidthBytes returns the width in bytes, or 0 for VOID.
func (t Type) WidthBytes() int {
	switch t.Width() {
	case INT8:
		return 1
	case INT16:
		return 2
	case INT32:
		return 4
	case INT64:
		return 8
	default:
		return 0
	}
}

// IsPointer reports whether PTR is set.
func (t Type) IsPointer() bool { return t&PTR != 0 }

// IsConst reports whether CONST is set.
func (t Type) IsConst() bool { return t&CONST != 0 }

// IsNullPtr reports whether this Type resulted from a failed load
// (§7: every local failure yields NULL_PTR).
func (t Type) IsNullPtr() bool { return t&NULL_PTR != 0 }

// WithPointer returns t with PTR set.
func (t Type) WithPointer() Type { return t | PTR }

// WithConst returns t with CONST set.
func (t Type) WithConst() Type { return t | CONST }

// TypeForWidth maps a byte width (1/2/4/8) to the bare Type, VOID for
// anything else.
func TypeForWidth(bytes int) Type {
	switch bytes {
	case 1:
		return INT8
	case 2:
		return INT16
	case 4:
		return INT32
	case 8:
		return INT64
	default:
		return VOID
	}
}

func (t Type) String() string {
	var sb strings.Builder
	switch t.Width() {
	case VOID:
		sb.WriteString("void")
	case INT8:
		sb.WriteString("int8")
	case INT16:
		sb.WriteString("int16")
	case INT32:
		sb.WriteString("int32")
	case INT64:
		sb.WriteString("int64")
	}
	if t.IsConst() {
		sb.WriteString(" const")
	}
	if t.IsPointer() {
		sb.WriteString("*")
	}
	if t.IsNullPtr() {
		sb.WriteString(" (null)")
	}
	return sb.String()
}

// TypeSig packs up to 6 argument Types into a single comparable value
// used to disambiguate overloaded user symbols (§3). Each Type is one
// byte; 6 args fit in 48 bits, but a uint64 leaves room without
// bit-packing tricks.
type TypeSig uint64

const maxTypeSigArgs = 6

// NewTypeSig packs the given Types into one TypeSig, least-significant
// byte first (types[0] in bits 0-7). More than maxTypeSigArgs Types are truncated to the first
// six — the ABI this targets never passes more than six integer
// arguments in registers (§6 GLOSSARY: "Argument register").
func NewTypeSig(types ...Type) TypeSig {
	var sig TypeSig
	n := len(types)
	if n > maxTypeSigArgs {
		n = maxTypeSigArgs
	}
	for i := 0; i < n; i++ {
		sig |= TypeSig(types[i]) << (8 * uint(i))
	}
	return sig
}

// At returns the Type packed at argument index i (0-based), or VOID
// if i is out of range.
func (s TypeSig) At(i int) Type {
	if i < 0 || i >= maxTypeSigArgs {
		return VOID
	}
	return Type(s >> (8 * uint(i)))
}

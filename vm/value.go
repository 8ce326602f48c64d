package vm

// Value is the Go-native stand-in for the tagged machine word described in
// the spec: every first-class value is either an unboxed integer or a
// boxed reference to a heap object owned by the runtime. Rather than
// reproduce the low-bit tagging trick on a raw uint32 (spec.md §3, §9
// "Tag-bit boxing"), we use a tagged-variant struct; Box/Unbox below mark
// the places where the reference interpreter boxes and unboxes, and no
// code in this package reconstructs the low-bit encoding itself.
type Kind uint8

const (
	KindInt Kind = iota
	KindRef
	KindAddr
)

// Region names the storage area an Addr designates, mirroring the
// GLOBAL/LOCAL/ARG/ACCESS designation byte from the instruction encoding.
type Region uint8

const (
	RegionGlobal Region = iota
	RegionLocal
	RegionArg
	RegionAccess
)

func (r Region) String() string {
	switch r {
	case RegionGlobal:
		return "G"
	case RegionLocal:
		return "L"
	case RegionArg:
		return "A"
	case RegionAccess:
		return "C"
	default:
		return "?"
	}
}

// Addr is what LDA pushes: the address of a variable cell, used later by
// STI. Only GLOBAL addresses are produced by the reference compiler (see
// DESIGN.md, Open Question 1), but all four designations decode and this
// type can represent any of them.
type Addr struct {
	Region Region
	Index  int32
}

// Value is a tagged union: exactly one of Int, Addr or Obj is meaningful,
// selected by Kind.
type Value struct {
	Kind Kind
	Int  int32
	Addr Addr
	Obj  HeapObject
}

// Int32 constructs an unboxed integer value.
func Int32(i int32) Value { return Value{Kind: KindInt, Int: i} }

// Ref constructs a boxed reference to a heap object.
func Ref(o HeapObject) Value { return Value{Kind: KindRef, Obj: o} }

// AddrOf constructs an address value, as produced by LDA.
func AddrOf(r Region, idx int32) Value { return Value{Kind: KindAddr, Addr: Addr{Region: r, Index: idx}} }

// Box mirrors byterun.c's BOX macro: it takes a raw 32-bit payload (as
// read directly from an instruction's immediate operand) and produces the
// boxed-integer Value the stack expects. There is no bit-shifting here
// because the Go representation already separates "kind" from "payload";
// Box exists so call sites read the same way the reference interpreter
// does at each BOX(...) site.
func Box(raw int32) Value { return Value{Kind: KindInt, Int: raw} }

// Unbox mirrors byterun.c's UNBOX macro: extracts the integer payload of
// an unboxed value. Calling it on a boxed reference or address is a
// programmer error in this implementation (the decoder/interpreter never
// does so outside of BINOP/CJMP* sites, which only ever operate on
// unboxed integers per spec.md §4.4.1).
func Unbox(v Value) int32 { return v.Int }

// Truthy treats the unboxed payload as a boolean the way BINOP's &&/||
// and CJMPz/CJMPnz do: zero is false, anything else is true.
func (v Value) Truthy() bool { return v.Int != 0 }

// IsInt reports whether v holds an unboxed integer.
func (v Value) IsInt() bool { return v.Kind == KindInt }

// IsRef reports whether v holds a boxed heap reference (of any kind,
// including closures) — this backs the runtime's is_ref/#ref predicate.
func (v Value) IsRef() bool { return v.Kind == KindRef }

// Bool boxes a Go bool the way every pattern/comparison opcode does:
// true -> 1, false -> 0.
func Bool(b bool) Value {
	if b {
		return Box(1)
	}
	return Box(0)
}

// zeroValue is what BEGIN/CBEGIN reserves for each local slot before the
// function body runs.
var zeroValue = Box(0)

package vm

import (
	"fmt"
	"strings"
)

// HeapObject is the marker interface for everything a boxed Value can
// point at. The reference runtime library owns all such objects (spec.md
// §3, §5); this Go implementation lets the host garbage collector do the
// actual memory management and limits itself to the object shapes and
// the root-enumeration contract the spec calls out (DESIGN NOTES,
// "Cyclic references").
type HeapObject interface {
	heapObject()
	String() string
}

// StringObj backs Bstring/make_string.
type StringObj struct {
	Bytes []byte
}

func (*StringObj) heapObject() {}
func (s *StringObj) String() string {
	return string(s.Bytes)
}

// ArrayObj backs make_array/Barray.
type ArrayObj struct {
	Elems []Value
}

func (*ArrayObj) heapObject() {}
func (a *ArrayObj) String() string {
	parts := make([]string, len(a.Elems))
	for i, e := range a.Elems {
		parts[i] = formatValue(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SexpObj backs make_sexp; Tag is the constructor name kept for display,
// TagHash is the hashed form used by TAG/SEXP comparisons.
type SexpObj struct {
	Tag     string
	TagHash int32
	Fields  []Value
}

func (*SexpObj) heapObject() {}
func (s *SexpObj) String() string {
	if len(s.Fields) == 0 {
		return s.Tag
	}
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = formatValue(f)
	}
	return s.Tag + " (" + strings.Join(parts, ", ") + ")"
}

// ClosureObj backs CLOSURE/CALLC/CBEGIN: a code entry point plus a
// snapshotted vector of captured values addressed by ACCESS(i).
type ClosureObj struct {
	Entry    int
	Captures []Value
}

func (*ClosureObj) heapObject() {}
func (c *ClosureObj) String() string {
	return fmt.Sprintf("<closure 0x%08x>", c.Entry)
}

func formatValue(v Value) string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindRef:
		if v.Obj == nil {
			return "<nil>"
		}
		return v.Obj.String()
	default:
		return fmt.Sprintf("<addr %s(%d)>", v.Addr.Region, v.Addr.Index)
	}
}

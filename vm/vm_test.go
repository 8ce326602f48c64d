package vm

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// --- tiny test-only assembler -------------------------------------------
//
// Several scenarios below need jump targets computed as absolute code
// offsets. Rather than hand-counting bytes (error-prone once an
// instruction's operand width changes), asmBuilder lets a test emit
// opcodes by name, mark labels, and reference a label before it has been
// placed; fix() patches every forward reference once all labels are
// known.

type asmBuilder struct {
	buf    []byte
	labels map[string]int
	fixups map[int]string
}

func newAsm() *asmBuilder {
	return &asmBuilder{labels: map[string]int{}, fixups: map[int]string{}}
}

func (a *asmBuilder) here() int { return len(a.buf) }

func (a *asmBuilder) label(name string) { a.labels[name] = a.here() }

func (a *asmBuilder) b(x byte) *asmBuilder {
	a.buf = append(a.buf, x)
	return a
}

func (a *asmBuilder) i32(v int32) *asmBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	a.buf = append(a.buf, tmp[:]...)
	return a
}

// ref reserves 4 bytes for a label's eventual absolute offset.
func (a *asmBuilder) ref(name string) *asmBuilder {
	a.fixups[a.here()] = name
	return a.i32(0)
}

func (a *asmBuilder) fix() []byte {
	for off, name := range a.fixups {
		target, ok := a.labels[name]
		if !ok {
			panic("undefined label: " + name)
		}
		binary.LittleEndian.PutUint32(a.buf[off:off+4], uint32(target))
	}
	return a.buf
}

// opcode byte helpers, named the way the mnemonics read.
func opConst() byte  { return 0x10 }
func opJmp() byte    { return 0x15 }
func opEnd() byte    { return 0x16 }
func opBegin() byte  { return 0x52 }
func opCall() byte   { return 0x56 }
func opCjmpz() byte  { return 0x50 }
func opLdArg() byte  { return 0x22 }
func opLwrite() byte { return 0x70 }
func opStop() byte   { return 0xF0 }

func buildImage(code []byte, globalsSize int) *BytecodeImage {
	return &BytecodeImage{Code: code, GlobalsSize: globalsSize}
}

func runProgram(t *testing.T, img *BytecodeImage, stdin string) string {
	t.Helper()
	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(stdin), &out, "test")
	m := NewMachine(img, rt)
	if err := m.Run(0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return out.String()
}

// Scenario 1 (spec §8.1): CONST 42; Lwrite; CONST 0; STOP.
func TestEndToEndWriteConstant(t *testing.T) {
	code := []byte{
		0x10, 0x2A, 0x00, 0x00, 0x00,
		0x70,
		0x10, 0x00, 0x00, 0x00, 0x00,
		0xF0,
	}
	got := runProgram(t, buildImage(code, 0), "")
	if got != "42\n" {
		t.Fatalf("stdout = %q, want %q", got, "42\n")
	}
}

// Scenario 2 (spec §8.2): CONST 2; CONST 3; BINOP +; Lwrite; STOP.
func TestEndToEndAddConstants(t *testing.T) {
	code := []byte{
		0x10, 0x02, 0x00, 0x00, 0x00,
		0x10, 0x03, 0x00, 0x00, 0x00,
		0x01,
		0x70,
		0xF0,
	}
	got := runProgram(t, buildImage(code, 0), "")
	if got != "5\n" {
		t.Fatalf("stdout = %q, want %q", got, "5\n")
	}
}

// Scenario 3 (spec §8.3): globals_size=1. CONST 7; ST GLOBAL 0;
// LD GLOBAL 0; Lwrite; STOP.
func TestEndToEndGlobalRoundTrip(t *testing.T) {
	code := []byte{
		0x10, 0x07, 0x00, 0x00, 0x00,
		0x40, 0x00, 0x00, 0x00, 0x00,
		0x20, 0x00, 0x00, 0x00, 0x00,
		0x70,
		0xF0,
	}
	got := runProgram(t, buildImage(code, 1), "")
	if got != "7\n" {
		t.Fatalf("stdout = %q, want %q", got, "7\n")
	}
}

// Scenario 4 (spec §8.4): push 0, branch, print 2.
//
// spec.md's literal hex for this scenario (jump targets 0x0B and 0x10)
// does not land on an instruction boundary once CONST/CJMPz are encoded
// at their declared 5-byte width (0x0B falls inside the "then" CONST's
// own operand bytes) — see DESIGN.md. This test reconstructs the
// described control flow (push 0 -> CJMPz takes the else branch -> print
// 2) with absolute offsets computed by the assembler above instead of
// the inconsistent literal bytes, preserving the scenario's behavior and
// expected output.
func TestEndToEndConditionalJump(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(0)
	a.b(opCjmpz()).ref("else")
	a.b(opConst()).i32(1)
	a.b(opJmp()).ref("end")
	a.label("else")
	a.b(opConst()).i32(2)
	a.label("end")
	a.b(opLwrite())
	a.b(opStop())

	got := runProgram(t, buildImage(a.fix(), 0), "")
	if got != "2\n" {
		t.Fatalf("stdout = %q, want %q", got, "2\n")
	}
}

// Scenario 5 (spec §8.5): a BEGIN 1 0 function that pushes its single arg
// and returns; caller pushes 9, CALL into it, Lwrite.
//
// The caller itself is wrapped in its own outer BEGIN 0 0 / END, matching
// how a real compiled top-level unit is laid out and resolving Open
// Question 3 (DESIGN.md): without an enclosing frame, the callee's END
// would have no caller frame below it and would incorrectly look
// "outermost" itself.
func TestEndToEndCallReturn(t *testing.T) {
	a := newAsm()
	a.b(opBegin()).i32(0).i32(0)
	a.b(opConst()).i32(9)
	a.b(opCall()).ref("fn").i32(1)
	a.b(opLwrite())
	a.b(opEnd())
	a.b(opStop())

	a.label("fn")
	a.b(opBegin()).i32(1).i32(0)
	a.b(opLdArg()).i32(0)
	a.b(opEnd())

	got := runProgram(t, buildImage(a.fix(), 0), "")
	if got != "9\n" {
		t.Fatalf("stdout = %q, want %q", got, "9\n")
	}
}

// Scenario 6 (spec §8.6): reaching FAIL with boxed 0 on the stack
// terminates non-zero with a diagnostic naming the source, line 3, col 5.
func TestEndToEndMatchFailure(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(0)
	a.b(0x59).i32(3).i32(5) // FAIL line col (GROUP2 FAIL = high5 low9)
	a.b(opStop())

	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(""), &out, "prog.bc")
	m := NewMachine(buildImage(a.fix(), 0), rt)
	err := m.Run(0)
	if err == nil {
		t.Fatal("expected match failure error, got nil")
	}
	rle, ok := err.(*RuntimeLibraryError)
	if !ok {
		t.Fatalf("error type = %T, want *RuntimeLibraryError", err)
	}
	msg := rle.Error()
	if !strings.Contains(msg, "prog.bc") || !strings.Contains(msg, "3:5") {
		t.Fatalf("diagnostic %q missing source name / line:col", msg)
	}
}

// Decoding is deterministic: decoding the same instruction twice from the
// same offset yields identical results, and decoding a whole program
// consumes exactly its length with no overlap or gap (the round-trip
// property spec.md §8 asks for, expressed without a text-to-bytecode
// reassembler).
func TestDecodeIsDeterministic(t *testing.T) {
	code := []byte{
		0x10, 0x02, 0x00, 0x00, 0x00,
		0x10, 0x03, 0x00, 0x00, 0x00,
		0x01,
		0x70,
		0xF0,
	}
	img := buildImage(code, 0)

	ip := 0
	for ip < len(code) {
		instr, next, err := DecodeAt(img, ip)
		if err != nil {
			t.Fatalf("decode at %d: %v", ip, err)
		}
		again, next2, err := DecodeAt(img, ip)
		if err != nil {
			t.Fatalf("re-decode at %d: %v", ip, err)
		}
		if instr.Op != again.Op || instr.Int1 != again.Int1 || instr.Int2 != again.Int2 ||
			instr.Str != again.Str || instr.Region != again.Region || next != next2 {
			t.Fatalf("decode at %d not deterministic: %+v/%d vs %+v/%d", ip, instr, next, again, next2)
		}
		if instr.Op == OpStop {
			if next != len(code) {
				t.Fatalf("STOP at %d did not consume to end of code (next=%d, len=%d)", ip, next, len(code))
			}
			break
		}
		ip = next
	}
}

func TestDupDropIsNoOp(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(11)
	a.b(0x19) // DUP: GROUP1 DUP=9 -> high1 low9
	a.b(0x18) // DROP: GROUP1 DROP=8 -> high1 low8
	a.b(opLwrite())
	a.b(opStop())

	got := runProgram(t, buildImage(a.fix(), 0), "")
	if got != "11\n" {
		t.Fatalf("stdout = %q, want %q", got, "11\n")
	}
}

func TestSwapTwiceIsNoOp(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(1)
	a.b(opConst()).i32(2)
	a.b(0x1A) // SWAP: GROUP1 SWAP=10 -> high1 lowA
	a.b(0x1A)
	a.b(opLwrite()) // prints top (2)
	a.b(0x18)       // DROP the box(0) Lwrite pushed as its result
	a.b(opLwrite()) // prints next (1)
	a.b(opStop())

	got := runProgram(t, buildImage(a.fix(), 0), "")
	if got != "2\n1\n" {
		t.Fatalf("stdout = %q, want %q", got, "2\n1\n")
	}
}

// STI then LD GLOBAL i (with matching cell) yields the value written
// (spec.md §8, round-trip property).
func TestStiThenLdGlobalRoundTrip(t *testing.T) {
	a := newAsm()
	a.b(0x30).i32(0)      // LDA GLOBAL 0: opcode LDA=3, designation GLOBAL=0 -> high3 low0; pushes the address twice
	a.b(opConst()).i32(99)
	a.b(0x13)             // STI: GROUP1 STI=3 -> high1 low3; consumes one copy of the address, leaves the stored value
	a.b(0x18)             // DROP the value STI pushed; the duplicate address LDA left stays beneath it
	a.b(0x20).i32(0)      // LD GLOBAL 0
	a.b(opLwrite())
	a.b(opStop())

	got := runProgram(t, buildImage(a.fix(), 1), "")
	if got != "99\n" {
		t.Fatalf("stdout = %q, want %q", got, "99\n")
	}
}

func TestDivByZero(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(1)
	a.b(opConst()).i32(0)
	a.b(0x04) // BINOP / : DIV=4
	a.b(opStop())

	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(""), &out, "test")
	m := NewMachine(buildImage(a.fix(), 0), rt)
	err := m.Run(0)
	if err == nil {
		t.Fatal("expected division by zero to be fatal")
	}
	re, ok := err.(*RuntimeError)
	if !ok || re.Kind != ErrDivByZero {
		t.Fatalf("error = %v, want RuntimeError.DivByZero", err)
	}
}

func TestModByZero(t *testing.T) {
	a := newAsm()
	a.b(opConst()).i32(1)
	a.b(opConst()).i32(0)
	a.b(0x05) // BINOP % : MOD=5
	a.b(opStop())

	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(""), &out, "test")
	m := NewMachine(buildImage(a.fix(), 0), rt)
	err := m.Run(0)
	if err == nil {
		t.Fatal("expected modulus by zero to be fatal")
	}
	re, ok := err.(*RuntimeError)
	if !ok || re.Kind != ErrDivByZero {
		t.Fatalf("error = %v, want RuntimeError.DivByZero", err)
	}
}

// Go's own division-overflow contract (SPEC_FULL.md §4.4): dividing
// math.MinInt32 by -1 wraps back to math.MinInt32 rather than aborting;
// only division by zero is fatal.
func TestIntMinDivNegOneWraps(t *testing.T) {
	const minInt32 = -2147483648
	a := newAsm()
	a.b(opConst()).i32(minInt32)
	a.b(opConst()).i32(-1)
	a.b(0x04) // DIV
	a.b(opLwrite())
	a.b(opStop())

	got := runProgram(t, buildImage(a.fix(), 0), "")
	want := "-2147483648\n"
	if got != want {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

// A JMP whose target lands outside the code region must abort as
// RuntimeError.BadJump (SPEC_FULL.md §4.1) rather than silently
// continuing execution at an out-of-range m.ip.
func TestJmpOutOfRangeIsBadJump(t *testing.T) {
	a := newAsm()
	a.b(opJmp()).i32(9999)
	a.b(opStop())

	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(""), &out, "test")
	m := NewMachine(buildImage(a.fix(), 0), rt)
	err := m.Run(0)
	if err == nil {
		t.Fatal("expected out-of-range jump to be fatal")
	}
	re, ok := err.(*RuntimeError)
	if !ok || re.Kind != ErrBadJump {
		t.Fatalf("error = %v, want RuntimeError.BadJump", err)
	}
}

// A negative jump target (e.g. decoded from a corrupt offset) must also
// be caught, not treated as "before the start of code."
func TestNegativeJmpIsBadJump(t *testing.T) {
	a := newAsm()
	a.b(opJmp()).i32(-1)
	a.b(opStop())

	var out bytes.Buffer
	rt := NewRuntime(strings.NewReader(""), &out, "test")
	m := NewMachine(buildImage(a.fix(), 0), rt)
	err := m.Run(0)
	if err == nil {
		t.Fatal("expected negative jump target to be fatal")
	}
	re, ok := err.(*RuntimeError)
	if !ok || re.Kind != ErrBadJump {
		t.Fatalf("error = %v, want RuntimeError.BadJump", err)
	}
}

// Disassemble must print string operands raw (spec.md §4.3: "no
// escaping"), and decoding its code twice with DecodeAt must yield the
// same []Instr sequence (SPEC_FULL.md §8).
func TestDisassembleRawStringsAndRoundTrip(t *testing.T) {
	str := `say "hi"` + "\n" + `tab	here`
	img := &BytecodeImage{
		StringTable: append([]byte(str), 0),
		GlobalsSize: 0,
	}
	a := newAsm()
	a.b(0x11).i32(0) // STRING, offset 0
	a.b(opStop())
	img.Code = a.fix()

	var out bytes.Buffer
	if err := Disassemble(img, &out); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	rendered := out.String()
	if !strings.Contains(rendered, str) {
		t.Fatalf("disassembly did not contain the raw string: %q", rendered)
	}
	if strings.Contains(rendered, `\"`) || strings.Contains(rendered, `\t`) || strings.Contains(rendered, `\n`) {
		t.Fatalf("disassembly escaped the string operand, want raw text: %q", rendered)
	}

	var decoded []Instr
	for ip := 0; ip < len(img.Code); {
		instr, next, err := DecodeAt(img, ip)
		if err != nil {
			t.Fatalf("decode at %d: %v", ip, err)
		}
		decoded = append(decoded, instr)
		if instr.Op == OpStop {
			break
		}
		ip = next
	}
	var redecoded []Instr
	for ip := 0; ip < len(img.Code); {
		instr, next, err := DecodeAt(img, ip)
		if err != nil {
			t.Fatalf("re-decode at %d: %v", ip, err)
		}
		redecoded = append(redecoded, instr)
		if instr.Op == OpStop {
			break
		}
		ip = next
	}
	if len(decoded) != len(redecoded) {
		t.Fatalf("decoded %d instructions, re-decoded %d", len(decoded), len(redecoded))
	}
	for i := range decoded {
		if decoded[i].Op != redecoded[i].Op || decoded[i].Int1 != redecoded[i].Int1 ||
			decoded[i].Int2 != redecoded[i].Int2 || decoded[i].Str != redecoded[i].Str ||
			decoded[i].Region != redecoded[i].Region {
			t.Fatalf("decode mismatch at instruction %d: %+v vs %+v", i, decoded[i], redecoded[i])
		}
	}
}

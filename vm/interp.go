package vm

import (
	"bufio"
	"fmt"
	"io"
	"runtime/debug"
)

// pendingCall is what CALL/CALLC hand off to the BEGIN/CBEGIN that
// follows at the callee's entry point: the address to resume at once the
// callee's frame closes, and — for a closure call — the closure whose
// capture vector ACCESS(i) will read from (DESIGN.md, Open Question 2).
type pendingCall struct {
	returnIP int
	closure  *ClosureObj
}

// frameDesc is one activation record. Unlike byterun.c's pointer
// arithmetic into a single operand stack, args/locals live in their own
// slices addressed by plain index (SPEC_FULL.md §9, "frame descriptors as
// an explicit stack").
type frameDesc struct {
	args      []Value
	locals    []Value
	returnIP  int
	closure   *ClosureObj
	outermost bool
}

// Machine is the interpreter core: the operand stack, the frame stack, the
// pending-call handoff stack, and the bound Runtime.
type Machine struct {
	img *BytecodeImage
	rt  *Runtime

	globals []Value
	stack   []Value

	frames    []*frameDesc
	callStack []pendingCall

	ip      int
	curIP   int
	curLine int32
	halted  bool
}

// NewMachine builds a Machine bound to img and rt, wiring the GC
// root-enumeration hook (spec.md §5) to this Machine's own live state.
func NewMachine(img *BytecodeImage, rt *Runtime) *Machine {
	m := &Machine{img: img, rt: rt, globals: img.NewGlobals()}
	rt.SetRoots(m.liveRoots)
	return m
}

func (m *Machine) liveRoots() []Value {
	roots := make([]Value, 0, len(m.globals)+len(m.stack))
	roots = append(roots, m.globals...)
	roots = append(roots, m.stack...)
	for _, f := range m.frames {
		roots = append(roots, f.args...)
		roots = append(roots, f.locals...)
		if f.closure != nil {
			roots = append(roots, f.closure.Captures...)
		}
	}
	return roots
}

// Run decodes and executes from entry until STOP or the outermost frame's
// END, returning the first fatal error encountered (a *DecodeError,
// *RuntimeError or *RuntimeLibraryError — spec.md §7). Like byterun.c's
// interpreter(), it disables the collector for the run's duration; here
// that collector is Go's own, so the knob is debug.SetGCPercent rather
// than a bespoke alloc arena.
func (m *Machine) Run(entry int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	old := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(old)

	m.rt.GCInit()
	m.ip = entry

	for !m.halted {
		instr, next, derr := DecodeAt(m.img, m.ip)
		if derr != nil {
			return derr
		}
		m.curIP = instr.IP
		m.ip = next
		m.exec(instr)
	}
	return m.rt.Flush()
}

func (m *Machine) push(v Value) { m.stack = append(m.stack, v) }

func (m *Machine) pop() Value {
	if len(m.stack) == 0 {
		panic(&RuntimeError{Kind: ErrStackUnderflow, IP: m.curIP})
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

// popN pops the top n values and returns them in push order: out[0] is
// the deepest (first pushed) of the n, out[n-1] is the value that was on
// top. This is exactly the order CALL's ARG(0..n-1), SEXP's field 0..n-1
// and BARRAY's element 0..n-1 all want (the value that was on top becomes
// the last field).
func (m *Machine) popN(n int) []Value {
	if len(m.stack) < n {
		panic(&RuntimeError{Kind: ErrStackUnderflow, IP: m.curIP})
	}
	start := len(m.stack) - n
	out := make([]Value, n)
	copy(out, m.stack[start:])
	m.stack = m.stack[:start]
	return out
}

func (m *Machine) pushN(vs []Value) { m.stack = append(m.stack, vs...) }

func (m *Machine) curFrame() *frameDesc {
	if len(m.frames) == 0 {
		panic(&RuntimeError{Kind: ErrOutermostUnderflow, IP: m.curIP})
	}
	return m.frames[len(m.frames)-1]
}

func (m *Machine) loadRegion(r Region, idx int32) Value {
	switch r {
	case RegionGlobal:
		return m.globals[idx]
	case RegionLocal:
		return m.curFrame().locals[idx]
	case RegionArg:
		return m.curFrame().args[idx]
	case RegionAccess:
		return m.curFrame().closure.Captures[idx]
	default:
		panic(&RuntimeError{Kind: ErrBadJump, IP: m.curIP})
	}
}

func (m *Machine) storeRegion(r Region, idx int32, v Value) {
	switch r {
	case RegionGlobal:
		m.globals[idx] = v
	case RegionLocal:
		m.curFrame().locals[idx] = v
	case RegionArg:
		m.curFrame().args[idx] = v
	case RegionAccess:
		m.curFrame().closure.Captures[idx] = v
	default:
		panic(&RuntimeError{Kind: ErrBadJump, IP: m.curIP})
	}
}

func (m *Machine) beginFrame(nargs, nlocals int32) {
	var pc pendingCall
	if len(m.callStack) > 0 {
		pc = m.callStack[len(m.callStack)-1]
		m.callStack = m.callStack[:len(m.callStack)-1]
	} else {
		pc = pendingCall{returnIP: -1}
	}

	args := m.popN(int(nargs))
	locals := make([]Value, nlocals)
	for i := range locals {
		locals[i] = zeroValue
	}

	m.frames = append(m.frames, &frameDesc{
		args:      args,
		locals:    locals,
		returnIP:  pc.returnIP,
		closure:   pc.closure,
		outermost: len(m.frames) == 0,
	})
}

// endFrame implements both END and RET (spec.md §4.4.6): pop the current
// frame, and either halt (the outermost frame closed — Open Question 3)
// or resume the caller with the single return value restored atop its
// operand stack.
func (m *Machine) endFrame() {
	if len(m.frames) == 0 {
		panic(&RuntimeError{Kind: ErrOutermostUnderflow, IP: m.curIP})
	}
	fr := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]

	if fr.outermost {
		m.halted = true
		return
	}

	result := m.pop()
	m.ip = fr.returnIP
	m.push(result)
}

func (m *Machine) binop(sym int, a, b Value) Value {
	x, y := Unbox(a), Unbox(b)
	switch sym {
	case 1:
		return Box(x + y)
	case 2:
		return Box(x - y)
	case 3:
		return Box(x * y)
	case 4:
		if y == 0 {
			panic(&RuntimeError{Kind: ErrDivByZero, IP: m.curIP})
		}
		return Box(x / y)
	case 5:
		if y == 0 {
			panic(&RuntimeError{Kind: ErrDivByZero, IP: m.curIP})
		}
		return Box(x % y)
	case 6:
		return Bool(x < y)
	case 7:
		return Bool(x <= y)
	case 8:
		return Bool(x > y)
	case 9:
		return Bool(x >= y)
	case 10:
		return Bool(x == y)
	case 11:
		return Bool(x != y)
	case 12:
		return Bool(a.Truthy() && b.Truthy())
	case 13:
		return Bool(a.Truthy() || b.Truthy())
	default:
		panic(&DecodeError{IP: m.curIP, Context: "unknown binop"})
	}
}

// jumpTarget validates a decoded jump/call offset before it is allowed
// into m.ip. SPEC_FULL.md §4.1 resolves spec.md's jump-target Open
// Question in favor of an explicit bounds check here, raising BadJump
// rather than letting an out-of-range offset surface as a confusing
// DecodeError on the next dispatch iteration.
func (m *Machine) jumpTarget(target int32) int {
	t := int(target)
	if t < 0 || t >= len(m.img.Code) {
		panic(&RuntimeError{Kind: ErrBadJump, IP: m.curIP})
	}
	return t
}

func (m *Machine) exec(instr Instr) {
	switch instr.Op {
	case OpStop:
		m.halted = true

	case OpBinop:
		b := m.pop()
		a := m.pop()
		m.push(m.binop(instr.Binop, a, b))

	case OpConst:
		m.push(Box(instr.Int1))

	case OpString:
		m.push(m.rt.MakeString([]byte(instr.Str)))

	case OpSexp:
		fields := m.popN(int(instr.Int1))
		m.push(m.rt.MakeSexp(instr.Str, fields))

	case OpSti:
		v := m.pop()
		addr := m.pop()
		if addr.Kind != KindAddr {
			panic(&RuntimeError{Kind: ErrBadJump, IP: m.curIP})
		}
		m.storeRegion(addr.Addr.Region, addr.Addr.Index, v)
		m.push(v)

	case OpSta:
		v := m.pop()
		idx := m.pop()
		container := m.pop()
		m.push(m.rt.Store(container, idx, v))

	case OpJmp:
		m.ip = m.jumpTarget(instr.Int1)

	case OpEnd, OpRet:
		m.endFrame()

	case OpDrop:
		m.pop()

	case OpDup:
		v := m.pop()
		m.push(v)
		m.push(v)

	case OpSwap:
		b := m.pop()
		a := m.pop()
		m.push(b)
		m.push(a)

	case OpElem:
		idx := m.pop()
		container := m.pop()
		m.push(m.rt.Elem(container, idx))

	case OpLd:
		m.push(m.loadRegion(instr.Region, instr.Int1))

	case OpLda:
		// LDA pushes the address twice (spec.md §4.4.4; byterun.c's LDA
		// case: PUSH(address); PUSH(address)) — once for STI to consume,
		// once left behind as the expression's value.
		addr := AddrOf(instr.Region, instr.Int1)
		m.push(addr)
		m.push(addr)

	case OpSt:
		v := m.pop()
		m.storeRegion(instr.Region, instr.Int1, v)
		m.push(v)

	case OpCjmpz:
		v := m.pop()
		if !v.Truthy() {
			m.ip = m.jumpTarget(instr.Int1)
		}

	case OpCjmpnz:
		v := m.pop()
		if v.Truthy() {
			m.ip = m.jumpTarget(instr.Int1)
		}

	case OpBegin:
		m.beginFrame(instr.Int1, instr.Int2)

	case OpCbegin:
		m.beginFrame(instr.Int1, instr.Int2)

	case OpClosure:
		caps := make([]Value, len(instr.Captures))
		for i, c := range instr.Captures {
			caps[i] = m.loadRegion(c.Region, c.Index)
		}
		m.push(Ref(&ClosureObj{Entry: int(instr.Int1), Captures: caps}))

	case OpCallc:
		n := int(instr.Int1)
		args := m.popN(n)
		closureVal := m.pop()
		closure, ok := closureVal.Obj.(*ClosureObj)
		if !ok {
			panic(&RuntimeLibraryError{Op: "callc", Msg: "value is not callable"})
		}
		m.pushN(args)
		m.callStack = append(m.callStack, pendingCall{returnIP: m.ip, closure: closure})
		m.ip = m.jumpTarget(int32(closure.Entry))

	case OpCall:
		m.callStack = append(m.callStack, pendingCall{returnIP: m.ip})
		m.ip = m.jumpTarget(instr.Int1)

	case OpTag:
		v := m.pop()
		m.push(m.rt.IsSexpWith(v, m.rt.TagHash(instr.Str), instr.Int1))

	case OpArrayPatt:
		v := m.pop()
		m.push(m.rt.IsArrayOfSize(v, instr.Int1))

	case OpFail:
		v := m.pop()
		m.rt.MatchFailure(v, instr.Int1, instr.Int2)

	case OpLine:
		m.curLine = instr.Int1

	case OpPattern:
		switch instr.Binop {
		case 0:
			pat := m.pop()
			v := m.pop()
			m.push(m.rt.StringEqPattern(pat, v))
		case 1:
			m.push(m.rt.IsString(m.pop()))
		case 2:
			m.push(m.rt.IsArray(m.pop()))
		case 3:
			m.push(m.rt.IsSexp(m.pop()))
		case 4:
			m.push(m.rt.IsRef(m.pop()))
		case 5:
			m.push(m.rt.IsVal(m.pop()))
		case 6:
			m.push(m.rt.IsFun(m.pop()))
		}

	case OpLread:
		m.push(m.rt.Read())

	case OpLwrite:
		v := m.pop()
		m.push(m.rt.Write(v))

	case OpLlength:
		m.push(m.rt.Length(m.pop()))

	case OpLstring:
		m.push(m.rt.ToString(m.pop()))

	case OpBarray:
		elems := m.popN(int(instr.Int1))
		m.push(m.rt.MakeArray(elems))

	default:
		panic(&DecodeError{IP: m.curIP, Context: "unhandled opcode in exec"})
	}
}

// Debug runs a single-step REPL over the same dispatch loop Run uses,
// adapted from the teacher's step/run/break debug console: "n"/"next"
// executes one instruction, "r"/"run" runs until the next breakpoint or
// completion, "b 0x<hex ip>" sets or clears a breakpoint, "q" quits. Each
// prompt prints the address of the next instruction about to execute,
// the current stack depth and the frame count.
func (m *Machine) Debug(entry int, in io.Reader, out io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	old := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(old)

	m.rt.GCInit()
	m.ip = entry

	scanner := bufio.NewScanner(in)
	breakpoints := map[int]bool{}
	running := false

	for !m.halted {
		instr, next, derr := DecodeAt(m.img, m.ip)
		if derr != nil {
			return derr
		}

		if !running || breakpoints[instr.IP] {
			running = false
			fmt.Fprintf(out, "0x%08x (stack depth %d, frames %d)\n", instr.IP, len(m.stack), len(m.frames))
			for {
				fmt.Fprint(out, "(byterun-debug) ")
				if !scanner.Scan() {
					return nil
				}
				line := scanner.Text()
				switch {
				case line == "n" || line == "next" || line == "":
				case line == "r" || line == "run":
					running = true
				case line == "q" || line == "quit":
					return nil
				case len(line) > 2 && line[0] == 'b' && line[1] == ' ':
					var addr int
					if _, err := fmt.Sscanf(line[2:], "0x%x", &addr); err == nil {
						breakpoints[addr] = !breakpoints[addr]
						fmt.Fprintf(out, "breakpoint at 0x%08x: %v\n", addr, breakpoints[addr])
						continue
					}
				default:
					fmt.Fprintln(out, "commands: n(ext) r(un) b <hex addr> q(uit)")
					continue
				}
				break
			}
		}

		m.curIP = instr.IP
		m.ip = next
		m.exec(instr)
	}
	return m.rt.Flush()
}

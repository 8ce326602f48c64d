package vm

import "encoding/binary"

// Opcode names every distinct decoded instruction shape. Several raw
// (high, low) nibble pairs from the on-disk encoding collapse onto the
// same Opcode (e.g. all thirteen BINOP low nibbles become OpBinop and
// every designation of LD becomes OpLd) so dispatch in interp.go can
// switch on something more readable than nibble pairs.
type Opcode int

const (
	OpBinop Opcode = iota
	OpConst
	OpString
	OpSexp
	OpSti
	OpSta
	OpJmp
	OpEnd
	OpRet
	OpDrop
	OpDup
	OpSwap
	OpElem
	OpLd
	OpLda
	OpSt
	OpCjmpz
	OpCjmpnz
	OpBegin
	OpCbegin
	OpClosure
	OpCallc
	OpCall
	OpTag
	OpArrayPatt
	OpFail
	OpLine
	OpPattern
	OpLread
	OpLwrite
	OpLlength
	OpLstring
	OpBarray
	OpStop
	OpNop // never produced by DecodeAt (unknown nibble pairs are DecodeErrors); unused
)

// binopSymbols indexes BINOP's low nibble (1..13) to its operator text,
// exactly as byterun.c's disassemble() does with its `ops` array.
var binopSymbols = [...]string{"", "+", "-", "*", "/", "%", "<", "<=", ">", ">=", "==", "!=", "&&", "||"}

// patternNames indexes the PATTERN opcode's low nibble (0..6).
var patternNames = [...]string{"=str", "#string", "#array", "#sexp", "#ref", "#val", "#fun"}

// ClosureCapture is one (designation, index) pair in a CLOSURE operand
// list.
type ClosureCapture struct {
	Region Region
	Index  int32
}

// Instr is a fully decoded instruction: which Opcode, its operands, and
// where in code it began. Not every field is meaningful for every
// Opcode — see decode.go's DecodeAt for which fields each Opcode fills.
type Instr struct {
	IP       int
	Op       Opcode
	Binop    int // BINOP low nibble (index into binopSymbols)
	Int1     int32
	Int2     int32
	Str      string
	Region   Region
	Captures []ClosureCapture
}

func regionFromByte(b byte, ip int) (Region, error) {
	switch b {
	case 0:
		return RegionGlobal, nil
	case 1:
		return RegionLocal, nil
	case 2:
		return RegionArg, nil
	case 3:
		return RegionAccess, nil
	default:
		return 0, &DecodeError{IP: ip, Low: b, Desig: true, Context: "designation"}
	}
}

// DecodeAt decodes exactly one instruction starting at code[ip] and
// returns it along with the offset of the next instruction (spec.md
// §4.2). img is needed to resolve string-table offsets.
func DecodeAt(img *BytecodeImage, ip int) (Instr, int, error) {
	code := img.Code
	if ip < 0 || ip >= len(code) {
		return Instr{}, 0, &DecodeError{IP: ip, Context: "instruction pointer out of range"}
	}

	start := ip
	x := code[ip]
	ip++
	h := (x & 0xF0) >> 4
	l := x & 0x0F

	readInt := func() (int32, error) {
		if ip+4 > len(code) {
			return 0, &DecodeError{IP: start, High: h, Low: l, Context: "truncated immediate"}
		}
		v := int32(binary.LittleEndian.Uint32(code[ip : ip+4]))
		ip += 4
		return v, nil
	}
	readByte := func() (byte, error) {
		if ip >= len(code) {
			return 0, &DecodeError{IP: start, High: h, Low: l, Context: "truncated immediate"}
		}
		b := code[ip]
		ip++
		return b, nil
	}
	readString := func() (string, error) {
		off, err := readInt()
		if err != nil {
			return "", err
		}
		s, err := img.String(int(off))
		if err != nil {
			return "", &DecodeError{IP: start, High: h, Low: l, Context: "bad string offset"}
		}
		return s, nil
	}

	instr := Instr{IP: start}

	switch h {
	case 15: // STOP
		instr.Op = OpStop
		return instr, ip, nil

	case 0: // BINOP
		if l < 1 || l > 13 {
			return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
		}
		instr.Op = OpBinop
		instr.Binop = int(l)
		return instr, ip, nil

	case 1: // GROUP1
		switch l {
		case 0: // CONST
			v, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpConst, v
		case 1: // STRING
			s, err := readString()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Str = OpString, s
		case 2: // SEXP
			s, err := readString()
			if err != nil {
				return Instr{}, 0, err
			}
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Str, instr.Int1 = OpSexp, s, n
		case 3:
			instr.Op = OpSti
		case 4:
			instr.Op = OpSta
		case 5: // JMP
			off, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpJmp, off
		case 6:
			instr.Op = OpEnd
		case 7:
			instr.Op = OpRet
		case 8:
			instr.Op = OpDrop
		case 9:
			instr.Op = OpDup
		case 10:
			instr.Op = OpSwap
		case 11:
			instr.Op = OpElem
		default:
			return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
		}
		return instr, ip, nil

	case 2, 3, 4: // LD, LDA, ST — designation is the low nibble itself
		region, err := regionFromByte(l, start)
		if err != nil {
			return Instr{}, 0, err
		}
		idx, err := readInt()
		if err != nil {
			return Instr{}, 0, err
		}
		switch h {
		case 2:
			instr.Op = OpLd
		case 3:
			instr.Op = OpLda
		case 4:
			instr.Op = OpSt
		}
		instr.Region, instr.Int1 = region, idx
		return instr, ip, nil

	case 5: // GROUP2
		switch l {
		case 0: // CJMPz
			off, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpCjmpz, off
		case 1: // CJMPnz
			off, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpCjmpnz, off
		case 2, 3: // BEGIN, CBEGIN
			a, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			nl, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			if l == 2 {
				instr.Op = OpBegin
			} else {
				instr.Op = OpCbegin
			}
			instr.Int1, instr.Int2 = a, nl
		case 4: // CLOSURE
			entry, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			caps := make([]ClosureCapture, n)
			for i := int32(0); i < n; i++ {
				db, err := readByte()
				if err != nil {
					return Instr{}, 0, err
				}
				region, err := regionFromByte(db, start)
				if err != nil {
					return Instr{}, 0, err
				}
				idx, err := readInt()
				if err != nil {
					return Instr{}, 0, err
				}
				caps[i] = ClosureCapture{Region: region, Index: idx}
			}
			instr.Op, instr.Int1, instr.Captures = OpClosure, entry, caps
		case 5: // CALLC
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpCallc, n
		case 6: // CALL
			entry, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1, instr.Int2 = OpCall, entry, n
		case 7: // TAG
			s, err := readString()
			if err != nil {
				return Instr{}, 0, err
			}
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Str, instr.Int1 = OpTag, s, n
		case 8: // ARRAY (pattern)
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpArrayPatt, n
		case 9: // FAIL
			line, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			col, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1, instr.Int2 = OpFail, line, col
		case 10: // LINE
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpLine, n
		default:
			return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
		}
		return instr, ip, nil

	case 6: // PATTERN
		if l > 6 {
			return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
		}
		instr.Op, instr.Binop = OpPattern, int(l)
		return instr, ip, nil

	case 7: // RUNTIME
		switch l {
		case 0:
			instr.Op = OpLwrite
		case 1:
			instr.Op = OpLread
		case 2:
			instr.Op = OpLlength
		case 3:
			instr.Op = OpLstring
		case 4: // Barray(n)
			n, err := readInt()
			if err != nil {
				return Instr{}, 0, err
			}
			instr.Op, instr.Int1 = OpBarray, n
		default:
			return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
		}
		return instr, ip, nil

	default:
		return Instr{}, 0, &DecodeError{IP: start, High: h, Low: l}
	}
}

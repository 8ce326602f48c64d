package vm

import (
	"fmt"
	"io"
)

// Disassemble prints img in the textual form spec.md §4.3 calls for: the
// header block first (mirroring byterun.c's dump_file preamble), then one
// line per decoded instruction until STOP.
func Disassemble(img *BytecodeImage, w io.Writer) error {
	if err := writeHeader(img, w); err != nil {
		return err
	}

	ip := 0
	for ip < len(img.Code) {
		instr, next, err := DecodeAt(img, ip)
		if err != nil {
			return err
		}
		if err := writeInstr(img, w, instr); err != nil {
			return err
		}
		if instr.Op == OpStop {
			break
		}
		ip = next
	}
	return nil
}

func writeHeader(img *BytecodeImage, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "string table size : %d\n", len(img.StringTable)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "global area size  : %d\n", img.GlobalsSize); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "public symbols    : %d\n", len(img.Publics)); err != nil {
		return err
	}
	for _, p := range img.Publics {
		name, err := img.String(p.NameOffset)
		if err != nil {
			name = "<bad name>"
		}
		if _, err := fmt.Fprintf(w, "  %s -> 0x%08x\n", name, p.Offset); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

func writeInstr(img *BytecodeImage, w io.Writer, instr Instr) error {
	prefix := fmt.Sprintf("0x%08x:\t", instr.IP)

	switch instr.Op {
	case OpStop:
		_, err := fmt.Fprintf(w, "%s<end>\n", prefix)
		return err
	case OpBinop:
		_, err := fmt.Fprintf(w, "%sBINOP\t%s\n", prefix, binopSymbols[instr.Binop])
		return err
	case OpConst:
		_, err := fmt.Fprintf(w, "%sCONST\t%d\n", prefix, instr.Int1)
		return err
	case OpString:
		_, err := fmt.Fprintf(w, "%sSTRING\t%s\n", prefix, instr.Str)
		return err
	case OpSexp:
		_, err := fmt.Fprintf(w, "%sSEXP\t%s %d\n", prefix, instr.Str, instr.Int1)
		return err
	case OpSti:
		_, err := fmt.Fprintf(w, "%sSTI\n", prefix)
		return err
	case OpSta:
		_, err := fmt.Fprintf(w, "%sSTA\n", prefix)
		return err
	case OpJmp:
		_, err := fmt.Fprintf(w, "%sJMP\t0x%08x\n", prefix, instr.Int1)
		return err
	case OpEnd:
		_, err := fmt.Fprintf(w, "%sEND\n", prefix)
		return err
	case OpRet:
		_, err := fmt.Fprintf(w, "%sRET\n", prefix)
		return err
	case OpDrop:
		_, err := fmt.Fprintf(w, "%sDROP\n", prefix)
		return err
	case OpDup:
		_, err := fmt.Fprintf(w, "%sDUP\n", prefix)
		return err
	case OpSwap:
		_, err := fmt.Fprintf(w, "%sSWAP\n", prefix)
		return err
	case OpElem:
		_, err := fmt.Fprintf(w, "%sELEM\n", prefix)
		return err
	case OpLd:
		_, err := fmt.Fprintf(w, "%sLD\t%s(%d)\n", prefix, instr.Region, instr.Int1)
		return err
	case OpLda:
		_, err := fmt.Fprintf(w, "%sLDA\t%s(%d)\n", prefix, instr.Region, instr.Int1)
		return err
	case OpSt:
		_, err := fmt.Fprintf(w, "%sST\t%s(%d)\n", prefix, instr.Region, instr.Int1)
		return err
	case OpCjmpz:
		_, err := fmt.Fprintf(w, "%sCJMPz\t0x%08x\n", prefix, instr.Int1)
		return err
	case OpCjmpnz:
		_, err := fmt.Fprintf(w, "%sCJMPnz\t0x%08x\n", prefix, instr.Int1)
		return err
	case OpBegin:
		_, err := fmt.Fprintf(w, "%sBEGIN\t%d %d\n", prefix, instr.Int1, instr.Int2)
		return err
	case OpCbegin:
		_, err := fmt.Fprintf(w, "%sCBEGIN\t%d %d\n", prefix, instr.Int1, instr.Int2)
		return err
	case OpClosure:
		s := fmt.Sprintf("%sCLOSURE\t0x%08x", prefix, instr.Int1)
		for _, c := range instr.Captures {
			s += fmt.Sprintf(" %s(%d)", c.Region, c.Index)
		}
		_, err := fmt.Fprintln(w, s)
		return err
	case OpCallc:
		_, err := fmt.Fprintf(w, "%sCALLC\t%d\n", prefix, instr.Int1)
		return err
	case OpCall:
		_, err := fmt.Fprintf(w, "%sCALL\t0x%08x %d\n", prefix, instr.Int1, instr.Int2)
		return err
	case OpTag:
		_, err := fmt.Fprintf(w, "%sTAG\t%s %d\n", prefix, instr.Str, instr.Int1)
		return err
	case OpArrayPatt:
		_, err := fmt.Fprintf(w, "%sARRAY\t%d\n", prefix, instr.Int1)
		return err
	case OpFail:
		_, err := fmt.Fprintf(w, "%sFAIL\t%d %d\n", prefix, instr.Int1, instr.Int2)
		return err
	case OpLine:
		_, err := fmt.Fprintf(w, "%sLINE\t%d\n", prefix, instr.Int1)
		return err
	case OpPattern:
		_, err := fmt.Fprintf(w, "%sPATT\t%s\n", prefix, patternNames[instr.Binop])
		return err
	case OpLread:
		_, err := fmt.Fprintf(w, "%sCALL\tLread\n", prefix)
		return err
	case OpLwrite:
		_, err := fmt.Fprintf(w, "%sCALL\tLwrite\n", prefix)
		return err
	case OpLlength:
		_, err := fmt.Fprintf(w, "%sCALL\tLlength\n", prefix)
		return err
	case OpLstring:
		_, err := fmt.Fprintf(w, "%sCALL\tLstring\n", prefix)
		return err
	case OpBarray:
		_, err := fmt.Fprintf(w, "%sCALL\tBarray\t%d\n", prefix, instr.Int1)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s<unknown>\n", prefix)
		return err
	}
}

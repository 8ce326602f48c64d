package vm

import (
	"encoding/binary"
	"os"
)

// PublicSymbol is one (name_offset, code_offset) pair from the file
// header's publics table (spec.md §3, §4.1).
type PublicSymbol struct {
	NameOffset int
	Offset     int
}

// BytecodeImage is the immutable, in-memory view of a loaded bytecode
// file (spec.md §3). It never changes after LoadImage returns; globals
// is the one mutable region owned by the interpreter for the run's
// lifetime.
type BytecodeImage struct {
	StringTable []byte
	Publics     []PublicSymbol
	Code        []byte
	GlobalsSize int
}

const headerFixedWords = 3 // stringtab_size, globals_size, n_publics

// LoadImage reads a bytecode file whole and validates it against the
// on-disk layout in spec.md §4.1:
//
//	stringtab_size | globals_size | n_publics | (name_off, code_off)×n_publics | string_table[...] | code[...]
func LoadImage(path string) (*BytecodeImage, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Kind: LoadIo, Msg: "could not read file", Err: err}
	}
	return parseImage(buf)
}

func parseImage(buf []byte) (*BytecodeImage, error) {
	if len(buf) < headerFixedWords*4 {
		return nil, &LoadError{Kind: LoadTruncated, Msg: "file shorter than fixed header"}
	}

	stringtabSize := int(binary.LittleEndian.Uint32(buf[0:4]))
	globalsSize := int(binary.LittleEndian.Uint32(buf[4:8]))
	nPublics := int(binary.LittleEndian.Uint32(buf[8:12]))

	if stringtabSize < 0 || globalsSize < 0 || nPublics < 0 {
		return nil, &LoadError{Kind: LoadHeaderInvalid, Msg: "negative size in header"}
	}

	publicsStart := headerFixedWords * 4
	publicsBytes := nPublics * 8
	publicsEnd := publicsStart + publicsBytes
	if publicsEnd < publicsStart || len(buf) < publicsEnd {
		return nil, &LoadError{Kind: LoadTruncated, Msg: "file truncated within publics table"}
	}

	publics := make([]PublicSymbol, nPublics)
	for i := 0; i < nPublics; i++ {
		off := publicsStart + i*8
		publics[i] = PublicSymbol{
			NameOffset: int(binary.LittleEndian.Uint32(buf[off : off+4])),
			Offset:     int(binary.LittleEndian.Uint32(buf[off+4 : off+8])),
		}
	}

	stringTableStart := publicsEnd
	stringTableEnd := stringTableStart + stringtabSize
	if stringTableEnd < stringTableStart || len(buf) < stringTableEnd {
		return nil, &LoadError{Kind: LoadTruncated, Msg: "file truncated within string table"}
	}

	stringTable := buf[stringTableStart:stringTableEnd]
	code := buf[stringTableEnd:]

	img := &BytecodeImage{
		StringTable: stringTable,
		Publics:     publics,
		Code:        code,
		GlobalsSize: globalsSize,
	}

	for i, pub := range publics {
		if pub.Offset < 0 || pub.Offset >= len(code) {
			return nil, &LoadError{Kind: LoadHeaderInvalid, Msg: "public symbol code offset out of range"}
		}
		if _, err := img.String(pub.NameOffset); err != nil {
			return nil, &LoadError{Kind: LoadHeaderInvalid, Msg: "public symbol name offset invalid", Err: err}
		}
		_ = i
	}

	return img, nil
}

// String reads a 0-terminated entry from the string table starting at
// offset, the same accessor byterun.c's get_string provides.
func (img *BytecodeImage) String(offset int) (string, error) {
	if offset < 0 || offset > len(img.StringTable) {
		return "", &LoadError{Kind: LoadHeaderInvalid, Msg: "string offset out of range"}
	}
	end := offset
	for end < len(img.StringTable) && img.StringTable[end] != 0 {
		end++
	}
	if end >= len(img.StringTable) {
		return "", &LoadError{Kind: LoadHeaderInvalid, Msg: "unterminated string table entry"}
	}
	return string(img.StringTable[offset:end]), nil
}

// PublicByOffset finds the public symbol whose code offset matches off.
// Nothing in this module calls it; the disassembler's header block walks
// Publics directly.
func (img *BytecodeImage) PublicByOffset(off int) (PublicSymbol, bool) {
	for _, p := range img.Publics {
		if p.Offset == off {
			return p, true
		}
	}
	return PublicSymbol{}, false
}

// NewGlobals allocates a zero-initialized globals vector sized for img,
// owned by the interpreter for the run's lifetime (spec.md §3).
func (img *BytecodeImage) NewGlobals() []Value {
	g := make([]Value, img.GlobalsSize)
	for i := range g {
		g[i] = zeroValue
	}
	return g
}

package lifter

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zboralski/vmprotect/internal/bytecode"
)

// DumpMode selects one of the three --expanded-so / debug dump
// representations described in spec.md §6.
type DumpMode int

const (
	// ModeUnencoded renders a human-readable text listing.
	ModeUnencoded DumpMode = iota
	// ModeUnencodedBin renders the raw field layout as fixed-width
	// little-endian words, unpacked (no 6-bit codec).
	ModeUnencodedBin
	// ModeEncoded renders the packed 6-bit wire form (bytecode.FunctionData.SerializeEncoded).
	ModeEncoded
)

// unencodedBinMagic tags a ModeUnencodedBin dump file: 0x4642555A ("ZUBF"),
// version 2, per spec.md §7.
const unencodedBinMagic = 0x4642555A
const unencodedBinVersion = 2

// Dump renders d in the requested mode.
func Dump(d *bytecode.FunctionData, mode DumpMode) ([]byte, error) {
	switch mode {
	case ModeUnencoded:
		return dumpUnencodedText(d), nil
	case ModeUnencodedBin:
		return dumpUnencodedBin(d), nil
	case ModeEncoded:
		return d.SerializeEncoded()
	default:
		return nil, fmt.Errorf("lifter: unknown dump mode %d", mode)
	}
}

func dumpUnencodedText(d *bytecode.FunctionData) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "function_offset=0x%x marker=%d registers=%d\n", d.FunctionOffset, d.Marker, d.RegisterCount)
	fmt.Fprintf(&b, "first_inst_count=%d init_value_count=%d\n", d.FirstInstCount, d.InitValueCount)
	for i, op := range d.FirstInstOpcodes {
		fmt.Fprintf(&b, "  prologue[%d] opcode=%d\n", i, op)
	}
	fmt.Fprintf(&b, "inst_count=%d\n", d.InstCount)
	for i := 0; i < len(d.InstWords); {
		word := d.InstWords[i]
		fmt.Fprintf(&b, "  inst_words[%d]=%d", i, word)
		i++
		if i < len(d.InstWords) && word != uint32(OP_RETURN) {
			b.WriteString("\n")
			continue
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "branch_count=%d branch_addrs=%d\n", d.BranchCount, len(d.BranchAddrs))
	return []byte(b.String())
}

func dumpUnencodedBin(d *bytecode.FunctionData) []byte {
	var buf []byte
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putU64 := func(v uint64) {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	putU32(unencodedBinMagic)
	putU32(unencodedBinVersion)
	putU32(d.Marker)
	putU32(d.RegisterCount)
	putU32(d.FirstInstCount)
	for _, v := range d.FirstInstOpcodes {
		putU32(v)
	}
	putU32(uint32(len(d.ExternalInitWords)))
	for _, v := range d.ExternalInitWords {
		putU32(v)
	}
	putU32(d.TypeCount)
	for _, v := range d.TypeTags {
		putU32(v)
	}
	putU32(d.InitValueCount)
	for _, v := range d.InitValueWords {
		putU32(v)
	}
	putU32(d.InstCount)
	for _, v := range d.InstWords {
		putU32(v)
	}
	putU32(d.BranchCount)
	for _, v := range d.BranchWords {
		putU32(v)
	}
	putU32(uint32(len(d.BranchAddrs)))
	for _, v := range d.BranchAddrs {
		putU64(v)
	}
	putU64(d.FunctionOffset)
	return buf
}

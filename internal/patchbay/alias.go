package patchbay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zboralski/vmprotect/internal/elfimage"
)

var (
	// ErrMissingSection reports a required section absent from the
	// input ELF (spec.md §4.6 step 1).
	ErrMissingSection = errors.New("patchbay: missing required section")
	// ErrDuplicateExport reports an alias name already present in .dynsym.
	ErrDuplicateExport = errors.New("patchbay: export name already exists")
	// ErrLayoutConflict reports an inability to preserve existing
	// PT_LOAD segments while relocating patched tables.
	ErrLayoutConflict = errors.New("patchbay: cannot preserve existing segment layout")
)

// AliasPair is one requested alias export (spec.md §4.6 inputs).
type AliasPair struct {
	ExportName string
	ExportKey  uint64
	// Shndx is the new symbol's st_shndx. Defaults to elfimage.SHN_ABS
	// when zero; set to a donor symbol's section index to mirror it.
	Shndx uint16
}

// aliasTables holds copies of dynsym/dynstr/versym with alias entries
// appended, grounded on
// original_source/VmProtect/modules/patchbay/domain/zPatchbayAliasTables.cpp.
type aliasTables struct {
	dynsym  []elfimage.Sym
	dynstr  []byte
	versym  []byte
}

func parseSymbols(sec elfimage.Section) []elfimage.Sym {
	count := sec.Header.Size / elfimage.SymEntSize
	out := make([]elfimage.Sym, 0, count)
	for i := uint64(0); i < count; i++ {
		b := sec.Bytes[i*elfimage.SymEntSize : i*elfimage.SymEntSize+elfimage.SymEntSize]
		out = append(out, elfimage.Sym{
			Name:  binary.LittleEndian.Uint32(b[0:4]),
			Info:  b[4],
			Other: b[5],
			Shndx: binary.LittleEndian.Uint16(b[6:8]),
			Value: binary.LittleEndian.Uint64(b[8:16]),
			Size:  binary.LittleEndian.Uint64(b[16:24]),
		})
	}
	return out
}

func cStringAt(b []byte, offset uint32) string {
	off := uint64(offset)
	if off >= uint64(len(b)) {
		return ""
	}
	end := off
	for end < uint64(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

// buildAliasTables appends pairs to copies of dynsym/dynstr/versym,
// implementing spec.md §4.6 steps 2-3.
func buildAliasTables(dynsymSec, dynstrSec, versymSec elfimage.Section, pairs []AliasPair) (*aliasTables, error) {
	if len(versymSec.Bytes)%2 != 0 {
		return nil, fmt.Errorf("patchbay: .gnu.version size is not 2-byte aligned")
	}

	out := &aliasTables{
		dynsym: parseSymbols(dynsymSec),
		dynstr: append([]byte(nil), dynstrSec.Bytes...),
		versym: append([]byte(nil), versymSec.Bytes...),
	}

	existing := make(map[string]bool, len(out.dynsym)+len(pairs))
	for _, sym := range out.dynsym {
		if sym.Name == 0 {
			continue
		}
		name := cStringAt(out.dynstr, sym.Name)
		if name != "" {
			existing[name] = true
		}
	}

	for _, pair := range pairs {
		if existing[pair.ExportName] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExport, pair.ExportName)
		}

		nameOffset := uint32(len(out.dynstr))
		out.dynstr = append(out.dynstr, []byte(pair.ExportName)...)
		out.dynstr = append(out.dynstr, 0)

		shndx := pair.Shndx
		if shndx == 0 {
			shndx = elfimage.SHN_ABS
		}

		out.dynsym = append(out.dynsym, elfimage.Sym{
			Name:  nameOffset,
			Info:  elfimage.MakeInfo(elfimage.STB_GLOBAL, elfimage.STT_FUNC),
			Other: 0,
			Shndx: shndx,
			Value: pair.ExportKey,
			Size:  0,
		})

		out.versym = append(out.versym, 0x01, 0x00)
		existing[pair.ExportName] = true
	}

	return out, nil
}

func serializeSymbols(syms []elfimage.Sym) []byte {
	out := make([]byte, 0, len(syms)*elfimage.SymEntSize)
	for _, s := range syms {
		var b [elfimage.SymEntSize]byte
		binary.LittleEndian.PutUint32(b[0:4], s.Name)
		b[4] = s.Info
		b[5] = s.Other
		binary.LittleEndian.PutUint16(b[6:8], s.Shndx)
		binary.LittleEndian.PutUint64(b[8:16], s.Value)
		binary.LittleEndian.PutUint64(b[16:24], s.Size)
		out = append(out, b[:]...)
	}
	return out
}

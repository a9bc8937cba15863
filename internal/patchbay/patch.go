// Package patchbay implements the Patchbay Engine (C6): appending
// alias exports to .dynsym/.dynstr, extending .gnu.version, rebuilding
// .gnu.hash and optionally .hash, and repointing the matching dynamic
// tags — without moving any existing PT_LOAD segment. Grounded on
// original_source/VmProtect/modules/patchbay/domain/zPatchbayAliasTables.cpp
// and modules/base/core/zHash.cpp; section/segment layouts reuse
// internal/elfimage's hand-rolled ELF64 structs.
package patchbay

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/vmprotect/internal/elfimage"
)

// Options carries patch policy flags (spec.md §6's --patch-* CLI
// surface, threaded down to the engine).
type Options struct {
	AllowValidateFail bool
}

// Result reports the section/table sizes after a successful patch,
// used for logging.
type Result struct {
	Output        []byte
	DynsymLen     int
	AppendedCount int
}

type sectionRef struct {
	index int
	sec   elfimage.Section
}

func findSection(img *elfimage.ElfImage, name string) (sectionRef, bool) {
	for i, s := range img.Sections() {
		if s.Name == name {
			return sectionRef{index: i, sec: s}, true
		}
	}
	return sectionRef{}, false
}

// Patch runs the full alias-append algorithm of spec.md §4.6 against
// img and returns the rewritten ELF bytes.
func Patch(img *elfimage.ElfImage, pairs []AliasPair, opts Options) (*Result, error) {
	dynsymRef, ok := findSection(img, ".dynsym")
	if !ok {
		return nil, fmt.Errorf("%w: .dynsym", ErrMissingSection)
	}
	dynstrRef, ok := findSection(img, ".dynstr")
	if !ok {
		return nil, fmt.Errorf("%w: .dynstr", ErrMissingSection)
	}
	versymRef, ok := findSection(img, ".gnu.version")
	if !ok {
		return nil, fmt.Errorf("%w: .gnu.version", ErrMissingSection)
	}
	gnuHashRef, ok := findSection(img, ".gnu.hash")
	if !ok {
		return nil, fmt.Errorf("%w: .gnu.hash", ErrMissingSection)
	}
	dynamicRef, ok := findSection(img, ".dynamic")
	if !ok {
		return nil, fmt.Errorf("%w: .dynamic", ErrMissingSection)
	}
	hashRef, hasHash := findSection(img, ".hash")

	tables, err := buildAliasTables(dynsymRef.sec, dynstrRef.sec, versymRef.sec, pairs)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(tables.dynsym))
	for i, s := range tables.dynsym {
		if s.Name != 0 {
			names[i] = cStringAt(tables.dynstr, s.Name)
		}
	}

	newDynsymBytes := serializeSymbols(tables.dynsym)
	newGnuHashBytes := buildGnuHash(names)
	var newHashBytes []byte
	if hasHash {
		newHashBytes = buildSysvHash(names)
	}

	out := append([]byte(nil), img.Buf...)

	type replacement struct {
		ref   sectionRef
		bytes []byte
	}
	repls := []replacement{
		{dynstrRef, tables.dynstr},
		{dynsymRef, newDynsymBytes},
		{versymRef, tables.versym},
		{gnuHashRef, newGnuHashBytes},
	}
	if hasHash {
		repls = append(repls, replacement{hashRef, newHashBytes})
	}

	for _, r := range repls {
		newOffset := uint64(len(out))
		newVaddr, ok := img.OffsetToVaddr(newOffset)
		if !ok {
			return nil, fmt.Errorf("%w: no PT_LOAD basis for relocated %s", ErrLayoutConflict, r.ref.sec.Name)
		}
		out = append(out, r.bytes...)

		shOff := img.Ehdr.Shoff + uint64(r.ref.index)*uint64(img.Ehdr.Shentsize)
		patchShdrOffsetSize(out, shOff, newOffset, uint64(len(r.bytes)), newVaddr)

		if err := rewriteDynamicTag(out, dynamicRef.sec.Header, dynTagFor(r.ref.sec.Name), newVaddr); err != nil {
			return nil, err
		}
	}

	return &Result{Output: out, DynsymLen: len(tables.dynsym), AppendedCount: len(pairs)}, nil
}

func dynTagFor(sectionName string) int64 {
	switch sectionName {
	case ".dynstr":
		return elfimage.DT_STRTAB
	case ".dynsym":
		return elfimage.DT_SYMTAB
	case ".gnu.version":
		return elfimage.DT_VERSYM
	case ".gnu.hash":
		return elfimage.DT_GNU_HASH
	case ".hash":
		return elfimage.DT_HASH
	default:
		return elfimage.DT_NULL
	}
}

// patchShdrOffsetSize rewrites a single Elf64_Shdr's sh_addr, sh_offset,
// and sh_size fields in place.
func patchShdrOffsetSize(buf []byte, shOff, newOffset, newSize, newVaddr uint64) {
	sh := buf[shOff : shOff+elfimage.SHdrEntSize]
	binary.LittleEndian.PutUint64(sh[16:24], newVaddr)  // sh_addr
	binary.LittleEndian.PutUint64(sh[24:32], newOffset) // sh_offset
	binary.LittleEndian.PutUint64(sh[32:40], newSize)   // sh_size
}

// rewriteDynamicTag finds the entry matching tag in the .dynamic
// section and overwrites its d_val, leaving the entry count unchanged.
// A missing tag (e.g. no DT_HASH in an image with no .hash section) is
// not an error.
func rewriteDynamicTag(buf []byte, dynSec elfimage.Shdr, tag int64, newVal uint64) error {
	if tag == elfimage.DT_NULL {
		return nil
	}
	if dynSec.Entsize == 0 || dynSec.Entsize != elfimage.DynEntSize {
		return fmt.Errorf("patchbay: unexpected .dynamic entsize %d", dynSec.Entsize)
	}
	count := dynSec.Size / dynSec.Entsize
	for i := uint64(0); i < count; i++ {
		off := dynSec.Offset + i*dynSec.Entsize
		entryTag := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		if entryTag == tag {
			binary.LittleEndian.PutUint64(buf[off+8:off+16], newVal)
			return nil
		}
	}
	return nil
}

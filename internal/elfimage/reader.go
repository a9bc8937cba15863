package elfimage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Section is a tagged variant collapsing the teacher's polymorphic
// section objects (spec.md §9) into one value carrying both its
// header and a byte-slice view of its payload.
type Section struct {
	Header Shdr
	Name   string
	Bytes  []byte // view into the owning ElfImage's buffer; do not retain past mutation
}

// SymbolInfo carries a resolved symbol's essential fields.
type SymbolInfo struct {
	Name   string
	Value  uint64
	Size   uint64
	Shndx  uint16
	Type   uint8
	Bind   uint8
	Found  bool
}

// FunctionView is a reference into an ElfImage by symbol name.
type FunctionView struct {
	Name   string
	Offset uint64 // file offset
	Size   uint64
	Data   []byte // view into the owning image's buffer, len == Size

	translated *Translation
}

// Translation is the lazily-attached lifter cache (populated by
// internal/lifter; declared here so FunctionView can hold it without
// an import cycle).
type Translation struct {
	Ready bool
	Err   error
	Any   any // *lifter.Result, stored as any to avoid an import cycle
}

// Cache returns the view's translation cache slot, allocating it on
// first access.
func (fv *FunctionView) Cache() *Translation {
	if fv.translated == nil {
		fv.translated = &Translation{}
	}
	return fv.translated
}

// ElfImage owns a byte buffer plus parsed views over an AArch64 ELF64
// image. Immutable after Load; all offsets/sizes are validated to lie
// within the buffer.
type ElfImage struct {
	Path     string
	Buf      []byte
	Ehdr     Ehdr
	Phdrs    []Phdr
	Shdrs    []Shdr
	sections []Section // parallel to Shdrs, named and typed
}

// Load reads path, validates it is an ELF64 little-endian AArch64
// image, and parses its program and section header tables.
func Load(path string) (*ElfImage, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: read %s: %w", path, err)
	}
	return Parse(path, buf)
}

// Parse validates and parses an in-memory ELF64 image, used by Load
// and directly by tests and the patchbay/PHT stages that already hold
// the bytes in memory.
func Parse(path string, buf []byte) (*ElfImage, error) {
	if len(buf) < EHdrSize {
		return nil, ErrNotElf
	}
	if buf[eiMag0] != elfMag0 || buf[eiMag1] != elfMag1 || buf[eiMag2] != elfMag2 || buf[eiMag3] != elfMag3 {
		return nil, ErrNotElf
	}
	if buf[eiClass] != ELFCLASS64 {
		return nil, ErrUnsupportedClass
	}
	if buf[eiData] != ELFDATA2LSB {
		return nil, ErrUnsupportedEndian
	}

	var ehdr Ehdr
	copy(ehdr.Ident[:], buf[0:16])
	ehdr.Type = binary.LittleEndian.Uint16(buf[16:18])
	ehdr.Machine = binary.LittleEndian.Uint16(buf[18:20])
	ehdr.Version = binary.LittleEndian.Uint32(buf[20:24])
	ehdr.Entry = binary.LittleEndian.Uint64(buf[24:32])
	ehdr.Phoff = binary.LittleEndian.Uint64(buf[32:40])
	ehdr.Shoff = binary.LittleEndian.Uint64(buf[40:48])
	ehdr.Flags = binary.LittleEndian.Uint32(buf[48:52])
	ehdr.Ehsize = binary.LittleEndian.Uint16(buf[52:54])
	ehdr.Phentsize = binary.LittleEndian.Uint16(buf[54:56])
	ehdr.Phnum = binary.LittleEndian.Uint16(buf[56:58])
	ehdr.Shentsize = binary.LittleEndian.Uint16(buf[58:60])
	ehdr.Shnum = binary.LittleEndian.Uint16(buf[60:62])
	ehdr.Shstrndx = binary.LittleEndian.Uint16(buf[62:64])

	if ehdr.Machine != EM_AARCH64 {
		return nil, ErrUnsupportedMachine
	}

	if err := checkTableBounds(uint64(len(buf)), ehdr.Phoff, uint64(ehdr.Phentsize), uint64(ehdr.Phnum)); err != nil {
		return nil, err
	}
	if err := checkTableBounds(uint64(len(buf)), ehdr.Shoff, uint64(ehdr.Shentsize), uint64(ehdr.Shnum)); err != nil {
		return nil, err
	}

	img := &ElfImage{Path: path, Buf: buf, Ehdr: ehdr}

	for i := uint16(0); i < ehdr.Phnum; i++ {
		off := ehdr.Phoff + uint64(i)*uint64(ehdr.Phentsize)
		img.Phdrs = append(img.Phdrs, parsePhdr(buf[off:]))
	}

	for i := uint16(0); i < ehdr.Shnum; i++ {
		off := ehdr.Shoff + uint64(i)*uint64(ehdr.Shentsize)
		img.Shdrs = append(img.Shdrs, parseShdr(buf[off:]))
	}

	if err := img.indexSections(); err != nil {
		return nil, err
	}

	return img, nil
}

// checkTableBounds implements the validation algorithm of spec.md
// §4.1: reject entsize==0 with count>0, reject overflow, reject any
// table that runs past the file.
func checkTableBounds(fileSize, offset, entsize, count uint64) error {
	if count == 0 {
		return nil
	}
	if entsize == 0 {
		return ErrTableOutOfBounds
	}
	total := entsize * count
	if entsize != 0 && total/entsize != count {
		return ErrTableOutOfBounds // overflow
	}
	end := offset + total
	if end < offset || end > fileSize {
		return ErrTableOutOfBounds
	}
	return nil
}

func parsePhdr(b []byte) Phdr {
	return Phdr{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
		Paddr:  binary.LittleEndian.Uint64(b[24:32]),
		Filesz: binary.LittleEndian.Uint64(b[32:40]),
		Memsz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  binary.LittleEndian.Uint64(b[48:56]),
	}
}

func parseShdr(b []byte) Shdr {
	return Shdr{
		Name:      binary.LittleEndian.Uint32(b[0:4]),
		Type:      binary.LittleEndian.Uint32(b[4:8]),
		Flags:     binary.LittleEndian.Uint64(b[8:16]),
		Addr:      binary.LittleEndian.Uint64(b[16:24]),
		Offset:    binary.LittleEndian.Uint64(b[24:32]),
		Size:      binary.LittleEndian.Uint64(b[32:40]),
		Link:      binary.LittleEndian.Uint32(b[40:44]),
		Info:      binary.LittleEndian.Uint32(b[44:48]),
		Addralign: binary.LittleEndian.Uint64(b[48:56]),
		Entsize:   binary.LittleEndian.Uint64(b[56:64]),
	}
}

func parseSym(b []byte) Sym {
	return Sym{
		Name:  binary.LittleEndian.Uint32(b[0:4]),
		Info:  b[4],
		Other: b[5],
		Shndx: binary.LittleEndian.Uint16(b[6:8]),
		Value: binary.LittleEndian.Uint64(b[8:16]),
		Size:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

// indexSections names every section via .shstrtab and materializes a
// byte-slice view for each, bounds-checked against the buffer.
func (img *ElfImage) indexSections() error {
	if int(img.Ehdr.Shstrndx) >= len(img.Shdrs) {
		// No section name string table; leave names empty.
		img.sections = make([]Section, len(img.Shdrs))
		for i, sh := range img.Shdrs {
			img.sections[i] = Section{Header: sh}
		}
		return nil
	}
	shstrtab := img.Shdrs[img.Ehdr.Shstrndx]
	if shstrtab.Offset+shstrtab.Size > uint64(len(img.Buf)) {
		return ErrTableOutOfBounds
	}
	strBytes := img.Buf[shstrtab.Offset : shstrtab.Offset+shstrtab.Size]

	img.sections = make([]Section, len(img.Shdrs))
	for i, sh := range img.Shdrs {
		name := cString(strBytes, uint64(sh.Name))
		var data []byte
		if sh.Type != SHT_NOBITS && sh.Size > 0 {
			if sh.Offset+sh.Size > uint64(len(img.Buf)) {
				return ErrTableOutOfBounds
			}
			data = img.Buf[sh.Offset : sh.Offset+sh.Size]
		}
		img.sections[i] = Section{Header: sh, Name: name, Bytes: data}
	}
	return nil
}

func cString(b []byte, offset uint64) string {
	if offset >= uint64(len(b)) {
		return ""
	}
	end := offset
	for end < uint64(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[offset:end])
}

// SectionByName performs a linear scan of the section table, matching
// spec.md §4.1's section_by_name operation.
func (img *ElfImage) SectionByName(name string) (*Section, bool) {
	for i := range img.sections {
		if img.sections[i].Name == name {
			return &img.sections[i], true
		}
	}
	return nil, false
}

// Sections returns every parsed section, in file order.
func (img *ElfImage) Sections() []Section {
	return img.sections
}

// symbolsIn parses an Elf64_Sym array from a SYMTAB/DYNSYM section
// paired with its STRTAB/DYNSTR link.
func (img *ElfImage) symbolsIn(symSec Section) ([]Sym, []byte, error) {
	if symSec.Header.Entsize == 0 || symSec.Header.Entsize != SymEntSize {
		return nil, nil, fmt.Errorf("elfimage: unexpected symbol entsize %d", symSec.Header.Entsize)
	}
	count := symSec.Header.Size / symSec.Header.Entsize
	syms := make([]Sym, 0, count)
	for i := uint64(0); i < count; i++ {
		off := i * symSec.Header.Entsize
		syms = append(syms, parseSym(symSec.Bytes[off:off+SymEntSize]))
	}

	if int(symSec.Header.Link) >= len(img.sections) {
		return nil, nil, fmt.Errorf("elfimage: symbol table link out of range")
	}
	strSec := img.sections[symSec.Header.Link]
	return syms, strSec.Bytes, nil
}

// ResolveSymbol consults .symtab/.strtab first, falling back to
// .dynsym/.dynstr, matching spec.md §4.1.
func (img *ElfImage) ResolveSymbol(name string) (SymbolInfo, bool) {
	if sec, ok := img.SectionByName(".symtab"); ok {
		if info, found := img.resolveIn(*sec, name); found {
			return info, true
		}
	}
	if sec, ok := img.SectionByName(".dynsym"); ok {
		if info, found := img.resolveIn(*sec, name); found {
			return info, true
		}
	}
	return SymbolInfo{}, false
}

func (img *ElfImage) resolveIn(symSec Section, name string) (SymbolInfo, bool) {
	syms, strBytes, err := img.symbolsIn(symSec)
	if err != nil {
		return SymbolInfo{}, false
	}
	for _, s := range syms {
		if s.Name == 0 {
			continue
		}
		symName := cString(strBytes, uint64(s.Name))
		if symName == name {
			return SymbolInfo{
				Name:  symName,
				Value: s.Value,
				Size:  s.Size,
				Shndx: s.Shndx,
				Type:  s.Type(),
				Bind:  s.Bind(),
				Found: true,
			}, true
		}
	}
	return SymbolInfo{}, false
}

// AllSymbolNames returns the names of every defined STT_FUNC symbol
// with a nonzero value across .symtab then .dynsym, deduplicated,
// used by --analyze-all.
func (img *ElfImage) AllSymbolNames() []string {
	var names []string
	seen := make(map[string]bool)
	add := func(secName string) {
		sec, ok := img.SectionByName(secName)
		if !ok {
			return
		}
		syms, strBytes, err := img.symbolsIn(*sec)
		if err != nil {
			return
		}
		for _, s := range syms {
			if s.Name == 0 || s.Value == 0 || s.Shndx == SHN_UNDEF {
				continue
			}
			if s.Type() != STT_FUNC {
				continue
			}
			name := cString(strBytes, uint64(s.Name))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	add(".symtab")
	add(".dynsym")
	return names
}

// firstLoadBasis returns the vaddr/offset pair of the first PT_LOAD
// segment, the single basis for all vaddr<->file-offset translation
// (spec.md §4.1).
func (img *ElfImage) firstLoadBasis() (vaddr, offset uint64, ok bool) {
	for _, p := range img.Phdrs {
		if p.Type == PT_LOAD {
			return p.Vaddr, p.Offset, true
		}
	}
	return 0, 0, false
}

// FunctionView resolves symbol and maps its st_value via the first
// PT_LOAD to a file offset, returning a view over Size bytes. Fails
// if the symbol does not resolve or has zero size.
func (img *ElfImage) FunctionView(symbol string) (*FunctionView, bool) {
	info, ok := img.ResolveSymbol(symbol)
	if !ok || info.Size == 0 {
		return nil, false
	}
	vaddr, offset, ok := img.firstLoadBasis()
	if !ok {
		return nil, false
	}
	if info.Value < vaddr {
		return nil, false
	}
	fileOff := info.Value - vaddr + offset
	if fileOff+info.Size > uint64(len(img.Buf)) {
		return nil, false
	}
	return &FunctionView{
		Name:   symbol,
		Offset: fileOff,
		Size:   info.Size,
		Data:   img.Buf[fileOff : fileOff+info.Size],
	}, true
}

// VaddrToOffset converts a virtual address to a file offset using the
// same first-PT_LOAD basis as FunctionView.
func (img *ElfImage) VaddrToOffset(vaddrTarget uint64) (uint64, bool) {
	vaddr, offset, ok := img.firstLoadBasis()
	if !ok || vaddrTarget < vaddr {
		return 0, false
	}
	return vaddrTarget - vaddr + offset, true
}

// OffsetToVaddr is the inverse of VaddrToOffset, used by the patchbay
// (C6) to recompute sh_addr/d_val after appending bytes past the end
// of the file.
func (img *ElfImage) OffsetToVaddr(offsetTarget uint64) (uint64, bool) {
	vaddr, offset, ok := img.firstLoadBasis()
	if !ok || offsetTarget < offset {
		return 0, false
	}
	return offsetTarget - offset + vaddr, true
}

// DynamicEntries parses the .dynamic section into Dyn records.
func (img *ElfImage) DynamicEntries() ([]Dyn, error) {
	sec, ok := img.SectionByName(".dynamic")
	if !ok {
		return nil, fmt.Errorf("elfimage: no .dynamic section")
	}
	if sec.Header.Entsize == 0 || sec.Header.Entsize != DynEntSize {
		return nil, fmt.Errorf("elfimage: unexpected .dynamic entsize %d", sec.Header.Entsize)
	}
	count := sec.Header.Size / sec.Header.Entsize
	out := make([]Dyn, 0, count)
	for i := uint64(0); i < count; i++ {
		off := i * sec.Header.Entsize
		out = append(out, Dyn{
			Tag: int64(binary.LittleEndian.Uint64(sec.Bytes[off : off+8])),
			Val: binary.LittleEndian.Uint64(sec.Bytes[off+8 : off+16]),
		})
	}
	return out, nil
}

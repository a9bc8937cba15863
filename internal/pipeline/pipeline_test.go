package pipeline

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/vmprotect/internal/config"
	"github.com/zboralski/vmprotect/internal/elfimage"
	"github.com/zboralski/vmprotect/internal/vlog"
)

// movzX0_42Ret is "movz x0, #42" followed by "ret", little-endian — the
// same minimal function body internal/lifter's own tests translate.
var movzX0_42Ret = []byte{
	0x40, 0x05, 0x80, 0xD2,
	0xC0, 0x03, 0x5F, 0xD6,
}

// namedExport is one extra .dynsym entry a fixture builder should add
// beyond the null symbol and the primary exported function.
type namedExport struct {
	name  string
	value uint64
	size  uint64
	shndx uint16
}

// buildFixtureSO assembles a minimal ELF64 AArch64 .so with one
// PT_LOAD identity-mapping the whole file (vaddr == file offset).
//
// funcName, when non-empty, is placed in .symtab/.strtab (not
// .dynsym) with its code right after the header: this mirrors the
// fun_*/Java_* internal functions spec.md §6 lifts, which are not
// themselves dynamic exports, so a later patchbay.Patch adding them as
// NEW .dynsym aliases never collides with a pre-existing export of the
// same name. extra entries are always dynamic exports (.dynsym),
// modeling a donor library's own published symbols (e.g. a vmengine's
// dispatcher). withPatchSections adds .gnu.version/.gnu.hash/.dynamic
// so the file can serve as a patchbay.Patch target.
func buildFixtureSO(t *testing.T, funcName string, code []byte, extra []namedExport, withPatchSections bool) []byte {
	t.Helper()

	mkSym := func(name uint32, value, size uint64, shndx uint16) []byte {
		b := make([]byte, elfimage.SymEntSize)
		binary.LittleEndian.PutUint32(b[0:4], name)
		b[4] = elfimage.MakeInfo(elfimage.STB_GLOBAL, elfimage.STT_FUNC)
		binary.LittleEndian.PutUint16(b[6:8], shndx)
		binary.LittleEndian.PutUint64(b[8:16], value)
		binary.LittleEndian.PutUint64(b[16:24], size)
		return b
	}

	var buf []byte
	buf = make([]byte, elfimage.EHdrSize)
	funcOff := uint64(len(buf))
	buf = append(buf, code...)

	strtab := []byte{0}
	symtab := append([]byte{}, make([]byte, elfimage.SymEntSize)...) // null symbol
	if funcName != "" {
		nameOff := uint32(len(strtab))
		strtab = append(strtab, append([]byte(funcName), 0)...)
		symtab = append(symtab, mkSym(nameOff, funcOff, uint64(len(code)), 1)...)
	}

	dynstr := []byte{0}
	dynsym := append([]byte{}, make([]byte, elfimage.SymEntSize)...) // null symbol
	for _, e := range extra {
		nameOff := uint32(len(dynstr))
		dynstr = append(dynstr, append([]byte(e.name), 0)...)
		dynsym = append(dynsym, mkSym(nameOff, e.value, e.size, e.shndx)...)
	}

	dynSymCount := len(dynsym) / int(elfimage.SymEntSize)
	versym := make([]byte, dynSymCount*2)
	for i := range versym {
		if i%2 == 0 {
			versym[i] = 1
		}
	}

	shstrtab := []byte{0}
	nameOff := func(name string) uint32 {
		o := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(name), 0)...)
		return o
	}

	var strtabOff, symtabOff uint64
	var nameStrtab, nameSymtab uint32
	haveSymtab := funcName != ""
	if haveSymtab {
		strtabOff = uint64(len(buf))
		buf = append(buf, strtab...)
		symtabOff = uint64(len(buf))
		buf = append(buf, symtab...)
		nameStrtab = nameOff(".strtab")
		nameSymtab = nameOff(".symtab")
	}

	dynsymOff := uint64(len(buf))
	buf = append(buf, dynsym...)
	dynstrOff := uint64(len(buf))
	buf = append(buf, dynstr...)
	nameDynsym := nameOff(".dynsym")
	nameDynstr := nameOff(".dynstr")

	var nameVersym, nameGnuHash, nameDynamic uint32
	var versymOff, gnuHashOff, dynamicOff uint64
	var dynamicSize uint64
	if withPatchSections {
		versymOff = uint64(len(buf))
		buf = append(buf, versym...)

		gnuHashOff = uint64(len(buf))
		buf = append(buf, []byte{0, 0, 0, 0, 0, 0, 0, 0}...) // placeholder, fully rebuilt by Patch

		dynamicOff = uint64(len(buf))
		appendDyn := func(tag int64, val uint64) {
			var e [elfimage.DynEntSize]byte
			binary.LittleEndian.PutUint64(e[0:8], uint64(tag))
			binary.LittleEndian.PutUint64(e[8:16], val)
			buf = append(buf, e[:]...)
		}
		appendDyn(elfimage.DT_SYMTAB, dynsymOff)
		appendDyn(elfimage.DT_STRTAB, dynstrOff)
		appendDyn(elfimage.DT_VERSYM, versymOff)
		appendDyn(elfimage.DT_GNU_HASH, gnuHashOff)
		appendDyn(elfimage.DT_NULL, 0)
		dynamicSize = uint64(len(buf)) - dynamicOff

		nameVersym = nameOff(".gnu.version")
		nameGnuHash = nameOff(".gnu.hash")
		nameDynamic = nameOff(".dynamic")
	}

	// Reserve .shstrtab's own name before the table is frozen and
	// written into buf, so no later nameOff call can invalidate bytes
	// already laid down.
	nameShstrtab := nameOff(".shstrtab")

	shstrtabOff := uint64(len(buf))
	buf = append(buf, shstrtab...)

	phdrOff := uint64(len(buf))
	var ph [elfimage.PHdrEntSize]byte
	binary.LittleEndian.PutUint32(ph[0:4], elfimage.PT_LOAD)
	binary.LittleEndian.PutUint32(ph[4:8], elfimage.PF_R|elfimage.PF_X)
	buf = append(buf, ph[:]...)

	shdrOff := uint64(len(buf))
	mkShdr := func(name, typ uint32, offset, size uint64, link, entsize uint64) []byte {
		sh := make([]byte, elfimage.SHdrEntSize)
		binary.LittleEndian.PutUint32(sh[0:4], name)
		binary.LittleEndian.PutUint32(sh[4:8], typ)
		binary.LittleEndian.PutUint64(sh[24:32], offset)
		binary.LittleEndian.PutUint64(sh[32:40], size)
		binary.LittleEndian.PutUint32(sh[40:44], uint32(link))
		binary.LittleEndian.PutUint64(sh[56:64], entsize)
		return sh
	}

	shdrs := [][]byte{mkShdr(0, elfimage.SHT_NULL, 0, 0, 0, 0)}
	var strtabIdx int
	if haveSymtab {
		strtabIdx = len(shdrs)
		shdrs = append(shdrs, mkShdr(nameStrtab, elfimage.SHT_STRTAB, strtabOff, uint64(len(strtab)), 0, 0))
		shdrs = append(shdrs, mkShdr(nameSymtab, elfimage.SHT_SYMTAB, symtabOff, uint64(len(symtab)), uint64(strtabIdx), elfimage.SymEntSize))
	}
	dynstrIdx := len(shdrs)
	shdrs = append(shdrs, mkShdr(nameDynstr, elfimage.SHT_STRTAB, dynstrOff, uint64(len(dynstr)), 0, 0))
	shdrs = append(shdrs, mkShdr(nameDynsym, elfimage.SHT_DYNSYM, dynsymOff, uint64(len(dynsym)), uint64(dynstrIdx), elfimage.SymEntSize))
	if withPatchSections {
		shdrs = append(shdrs, mkShdr(nameVersym, elfimage.SHT_GNU_VERSYM, versymOff, uint64(len(versym)), 0, 0))
		shdrs = append(shdrs, mkShdr(nameGnuHash, elfimage.SHT_GNU_HASH, gnuHashOff, 8, 0, 0))
		shdrs = append(shdrs, mkShdr(nameDynamic, elfimage.SHT_DYNAMIC, dynamicOff, dynamicSize, 0, elfimage.DynEntSize))
	}
	shstrIdx := len(shdrs)
	shdrs = append(shdrs, mkShdr(nameShstrtab, elfimage.SHT_STRTAB, shstrtabOff, uint64(len(shstrtab)), 0, 0))

	for _, sh := range shdrs {
		buf = append(buf, sh...)
	}

	total := uint64(len(buf))
	binary.LittleEndian.PutUint64(buf[phdrOff+32:phdrOff+40], total) // p_filesz
	binary.LittleEndian.PutUint64(buf[phdrOff+40:phdrOff+48], total) // p_memsz
	binary.LittleEndian.PutUint64(buf[phdrOff+48:phdrOff+56], 0x1000)

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = elfimage.ELFCLASS64
	buf[5] = elfimage.ELFDATA2LSB
	binary.LittleEndian.PutUint16(buf[16:18], elfimage.ET_DYN)
	binary.LittleEndian.PutUint16(buf[18:20], elfimage.EM_AARCH64)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[32:40], phdrOff)
	binary.LittleEndian.PutUint64(buf[40:48], shdrOff)
	binary.LittleEndian.PutUint16(buf[52:54], elfimage.EHdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], elfimage.PHdrEntSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)
	binary.LittleEndian.PutUint16(buf[58:60], elfimage.SHdrEntSize)
	binary.LittleEndian.PutUint16(buf[60:62], uint16(len(shdrs)))
	binary.LittleEndian.PutUint16(buf[62:64], uint16(shstrIdx))

	return buf
}

func writeFixture(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
	return path
}

func TestRunCoverageMode(t *testing.T) {
	dir := t.TempDir()
	inputSo := writeFixture(t, dir, "input.so", buildFixtureSO(t, "fun_ok", movzX0_42Ret, nil, true))

	outDir := filepath.Join(dir, "out")
	cfg := config.Default()
	cfg.InputSo = inputSo
	cfg.OutputDir = outDir
	cfg.Mode = config.ModeCoverage
	cfg.Functions = []string{"fun_ok"}

	if err := Run(cfg, vlog.NewNop()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report, err := os.ReadFile(filepath.Join(outDir, cfg.CoverageReport))
	if err != nil {
		t.Fatalf("read coverage report: %v", err)
	}
	if len(report) == 0 {
		t.Fatalf("coverage report is empty")
	}

	if _, err := os.Stat(filepath.Join(outDir, cfg.ExpandedSo)); err == nil {
		t.Fatalf("expanded.so should not be produced in coverage mode")
	}
}

func TestRunExportMode(t *testing.T) {
	dir := t.TempDir()
	inputSo := writeFixture(t, dir, "input.so", buildFixtureSO(t, "fun_ok", movzX0_42Ret, nil, true))

	outDir := filepath.Join(dir, "out")
	cfg := config.Default()
	cfg.InputSo = inputSo
	cfg.OutputDir = outDir
	cfg.Mode = config.ModeExport
	cfg.Functions = []string{"fun_ok"}

	if err := Run(cfg, vlog.NewNop()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{cfg.ExpandedSo, cfg.SharedBranchFile, "fun_ok.txt", "fun_ok.vmb", "fun_ok.bin"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected artifact %s: %v", name, err)
		}
	}
}

func TestRunProtectMode(t *testing.T) {
	dir := t.TempDir()
	inputSo := writeFixture(t, dir, "input.so", buildFixtureSO(t, "fun_ok", movzX0_42Ret, nil, true))
	vmengineSo := writeFixture(t, dir, "vmengine.so", buildFixtureSO(t, "", nil,
		[]namedExport{{name: "vm_dispatch", value: 0x9000, size: 4, shndx: 7}}, false))

	outDir := filepath.Join(dir, "out")
	cfg := config.Default()
	cfg.InputSo = inputSo
	cfg.OutputDir = outDir
	cfg.Mode = config.ModeProtect
	cfg.Functions = []string{"fun_ok"}
	cfg.VMEngineSo = vmengineSo
	cfg.PatchImplSymbol = "vm_dispatch"
	cfg.OutputSo = filepath.Join(outDir, "patched.so")

	if err := Run(cfg, vlog.NewNop()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	patched, err := os.ReadFile(cfg.OutputSo)
	if err != nil {
		t.Fatalf("read patched output: %v", err)
	}
	img, err := elfimage.Parse(cfg.OutputSo, patched)
	if err != nil {
		t.Fatalf("parse patched output: %v", err)
	}
	if _, ok := img.ResolveSymbol("fun_ok"); !ok {
		t.Fatalf("fun_ok alias not present in patched output")
	}

	// ResolveSymbol prefers .symtab, which still holds the input's own
	// fun_ok; the appended alias is the last fun_ok entry in .dynsym.
	dynsymSec, ok := img.SectionByName(".dynsym")
	if !ok {
		t.Fatalf(".dynsym missing from patched output")
	}
	dynstr := img.Sections()[dynsymSec.Header.Link].Bytes
	want := "fun_ok\x00"
	aliasShndx := -1
	for off := 0; off+elfimage.SymEntSize <= len(dynsymSec.Bytes); off += elfimage.SymEntSize {
		ent := dynsymSec.Bytes[off : off+elfimage.SymEntSize]
		nameOff := int(binary.LittleEndian.Uint32(ent[0:4]))
		if nameOff+len(want) <= len(dynstr) && string(dynstr[nameOff:nameOff+len(want)]) == want {
			aliasShndx = int(binary.LittleEndian.Uint16(ent[6:8]))
		}
	}
	if aliasShndx != 7 {
		t.Fatalf("expected alias shndx to mirror donor impl symbol (7), got %d", aliasShndx)
	}

	// The embed step writes its output to the default donor path
	// derived from cfg.VMEngineSo, a file separate from cfg.InputSo.
	donorPath := buildPatchSoDefaultPath(vmengineSo)
	if _, err := os.Stat(donorPath); err != nil {
		t.Fatalf("expected embedded donor artifact at %s: %v", donorPath, err)
	}
}

func TestRunFailsOnMissingFunction(t *testing.T) {
	dir := t.TempDir()
	inputSo := writeFixture(t, dir, "input.so", buildFixtureSO(t, "fun_ok", movzX0_42Ret, nil, true))

	cfg := config.Default()
	cfg.InputSo = inputSo
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Mode = config.ModeCoverage
	cfg.Functions = []string{"does_not_exist"}

	err := Run(cfg, vlog.NewNop())
	if !errors.Is(err, ErrCollect) {
		t.Fatalf("expected ErrCollect, got %v", err)
	}
}

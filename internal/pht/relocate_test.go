package pht

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/vmprotect/internal/elfimage"
)

// buildSevenPhdrFixture assembles a minimal ELF64 AArch64 image with
// seven program headers, one of them PT_PHDR, and no sections — the
// relocator only reads/writes Phdrs and the EHDR.
func buildSevenPhdrFixture(t *testing.T) []byte {
	t.Helper()

	const phNum = 7
	var buf []byte
	buf = make([]byte, elfimage.EHdrSize)

	phdrOff := uint64(len(buf))
	appendPhdr := func(typ uint32, filesz uint64) {
		var p [elfimage.PHdrEntSize]byte
		binary.LittleEndian.PutUint32(p[0:4], typ)
		binary.LittleEndian.PutUint64(p[32:40], filesz)
		buf = append(buf, p[:]...)
	}
	appendPhdr(elfimage.PT_PHDR, uint64(phNum)*elfimage.PHdrEntSize)
	appendPhdr(elfimage.PT_LOAD, 0x1000)
	for i := 0; i < phNum-2; i++ {
		appendPhdr(elfimage.PT_NULL, 0)
	}

	shdrOff := uint64(len(buf))
	var nullShdr [elfimage.SHdrEntSize]byte
	buf = append(buf, nullShdr[:]...)

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
	binary.LittleEndian.PutUint16(buf[56:58], phNum)
	binary.LittleEndian.PutUint16(buf[58:60], elfimage.SHdrEntSize)
	binary.LittleEndian.PutUint16(buf[60:62], 1)
	binary.LittleEndian.PutUint16(buf[62:64], 0)

	return buf
}

func TestRelocateS5Scenario(t *testing.T) {
	buf := buildSevenPhdrFixture(t)
	img, err := elfimage.Parse("fixture.so", buf)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if len(img.Phdrs) != 7 {
		t.Fatalf("fixture has %d phdrs, want 7", len(img.Phdrs))
	}

	res, err := Relocate(img, 3)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if res.NewPhNum != 10 {
		t.Fatalf("NewPhNum = %d, want 10", res.NewPhNum)
	}
	if res.PhdrIndex != 0 {
		t.Fatalf("PhdrIndex = %d, want 0", res.PhdrIndex)
	}

	out, err := elfimage.Parse("relocated.so", res.Output)
	if err != nil {
		t.Fatalf("parse relocated output: %v", err)
	}
	if out.Ehdr.Phoff != Anchor {
		t.Fatalf("e_phoff = 0x%x, want 0x%x", out.Ehdr.Phoff, uint64(Anchor))
	}
	if out.Ehdr.Phnum != 10 {
		t.Fatalf("e_phnum = %d, want 10", out.Ehdr.Phnum)
	}
	if out.Phdrs[0].Type != elfimage.PT_PHDR || out.Phdrs[0].Offset != Anchor {
		t.Fatalf("PT_PHDR not relocated: %+v", out.Phdrs[0])
	}

	last := out.Phdrs[9]
	if last.Type != elfimage.PT_LOAD || last.Flags != elfimage.PF_R || last.Offset != Anchor || last.Filesz != 10*56 {
		t.Fatalf("rescue PT_LOAD wrong: %+v", last)
	}

	if out.Phdrs[1].Type != elfimage.PT_LOAD {
		t.Fatalf("original PT_LOAD at index 1 was disturbed: %+v", out.Phdrs[1])
	}
}

func TestRelocateRejectsZeroExtraEntries(t *testing.T) {
	buf := buildSevenPhdrFixture(t)
	img, err := elfimage.Parse("fixture.so", buf)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if _, err := Relocate(img, 0); err == nil {
		t.Fatalf("expected error for extraEntries=0")
	}
}

func TestRelocateNoPTPHDR(t *testing.T) {
	buf := buildSevenPhdrFixture(t)
	// Clear the PT_PHDR entry's type to PT_NULL so no PT_PHDR is present.
	binary.LittleEndian.PutUint32(buf[elfimage.EHdrSize:elfimage.EHdrSize+4], elfimage.PT_NULL)
	img, err := elfimage.Parse("fixture.so", buf)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	res, err := Relocate(img, 1)
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if res.PhdrIndex != -1 {
		t.Fatalf("PhdrIndex = %d, want -1", res.PhdrIndex)
	}
}

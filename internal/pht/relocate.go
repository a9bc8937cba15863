// Package pht implements the PHT Relocator (C7): copying the Program
// Header Table to a fixed anchor offset, appending a rescue PT_LOAD
// that covers it, fixing up PT_PHDR, and rewriting the EHDR. Grounded
// on original_source/VmProtect/modules/elfkit/core/zElfLayout.cpp's
// relocateAndExpandPht, which this package calls the "surgical"
// strategy: existing segments are never moved, only the PHT itself is
// relocated and grown.
package pht

import (
	"encoding/binary"

	"github.com/zboralski/vmprotect/internal/elfimage"
)

const (
	// Anchor is the fixed file offset the relocated PHT is placed at.
	Anchor = 0x3000
	// PageSize is the alignment unit for the rescue PT_LOAD.
	PageSize = 0x1000
)

// Result reports the new layout.
type Result struct {
	Output      []byte
	OldPhNum    int
	NewPhNum    int
	RescueIndex int
	PhdrIndex   int // -1 if no PT_PHDR was present
}

// Relocate runs spec.md §4.7's algorithm against img, growing its
// Program Header Table by extraEntries and moving it to Anchor.
func Relocate(img *elfimage.ElfImage, extraEntries int) (*Result, error) {
	if extraEntries < 1 {
		return nil, ErrNoExtraEntries
	}
	if Anchor%PageSize != 0 {
		return nil, ErrMisaligned
	}

	oldPhNum := len(img.Phdrs)
	newPhNum := oldPhNum + extraEntries
	newPhtSize := uint64(newPhNum) * elfimage.PHdrEntSize

	newPht := make([]elfimage.Phdr, newPhNum)
	copy(newPht, img.Phdrs)
	for i := oldPhNum; i < newPhNum; i++ {
		newPht[i] = elfimage.Phdr{Type: elfimage.PT_NULL}
	}

	rescueIndex := newPhNum - 1
	newPht[rescueIndex] = elfimage.Phdr{
		Type:   elfimage.PT_LOAD,
		Offset: Anchor,
		Vaddr:  Anchor,
		Paddr:  Anchor,
		Filesz: newPhtSize,
		Memsz:  newPhtSize,
		Flags:  elfimage.PF_R,
		Align:  PageSize,
	}

	phdrIndex := -1
	for i := 0; i < oldPhNum; i++ {
		if newPht[i].Type == elfimage.PT_PHDR {
			phdrIndex = i
			break
		}
	}
	if phdrIndex != -1 {
		p := &newPht[phdrIndex]
		p.Offset = Anchor
		p.Vaddr = Anchor
		p.Paddr = Anchor
		p.Filesz = newPhtSize
		p.Memsz = newPhtSize
	}

	newFileSize := uint64(Anchor) + newPhtSize
	out := make([]byte, newFileSize)

	copySize := uint64(len(img.Buf))
	if copySize > Anchor {
		copySize = Anchor
	}
	copy(out[:copySize], img.Buf[:copySize])

	for i, p := range newPht {
		serializePhdr(out[uint64(Anchor)+uint64(i)*elfimage.PHdrEntSize:], p)
	}

	binary.LittleEndian.PutUint64(out[32:40], Anchor)           // e_phoff
	binary.LittleEndian.PutUint16(out[56:58], uint16(newPhNum)) // e_phnum

	if Anchor+newPhtSize > newFileSize {
		return nil, ErrExceedsFileSize
	}

	return &Result{
		Output:      out,
		OldPhNum:    oldPhNum,
		NewPhNum:    newPhNum,
		RescueIndex: rescueIndex,
		PhdrIndex:   phdrIndex,
	}, nil
}

func serializePhdr(b []byte, p elfimage.Phdr) {
	binary.LittleEndian.PutUint32(b[0:4], p.Type)
	binary.LittleEndian.PutUint32(b[4:8], p.Flags)
	binary.LittleEndian.PutUint64(b[8:16], p.Offset)
	binary.LittleEndian.PutUint64(b[16:24], p.Vaddr)
	binary.LittleEndian.PutUint64(b[24:32], p.Paddr)
	binary.LittleEndian.PutUint64(b[32:40], p.Filesz)
	binary.LittleEndian.PutUint64(b[40:48], p.Memsz)
	binary.LittleEndian.PutUint64(b[48:56], p.Align)
}

// Package bundle implements the Bundle Writer/Reader (C5): a framed
// container of per-function payloads and a shared branch-address
// table appended to a host ELF, discoverable from either end. Layout
// and writer/reader rules are grounded on
// original_source/VmProtect/modules/elfkit/core/zSoBinBundle.cpp;
// little-endian field packing follows the teacher's elfimage struct
// convention (internal/elfimage/types.go).
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerMagic = 0x48424D56 // "VMBH"
	footerMagic = 0x46424D56 // "VMBF"
	version     = 1

	headerSize = 16
	entrySize  = 24
	footerSize = 16
)

var (
	// ErrEmptyPayloads is returned when Write is given no payloads.
	ErrEmptyPayloads = errors.New("bundle: payload list is empty")
	// ErrZeroFunAddr is returned for a payload with fun_addr == 0.
	ErrZeroFunAddr = errors.New("bundle: fun_addr must not be zero")
	// ErrEmptyPayloadBytes is returned for a payload with no bytes.
	ErrEmptyPayloadBytes = errors.New("bundle: payload bytes must not be empty")
	// ErrDuplicateFunAddr is returned when two payloads share a fun_addr.
	ErrDuplicateFunAddr = errors.New("bundle: duplicate fun_addr")

	// ErrNotFound is returned when a trailing bundle cannot be discovered.
	ErrNotFound = errors.New("bundle: no bundle footer found")
	// ErrCorrupt is returned when a discovered bundle fails structural checks.
	ErrCorrupt = errors.New("bundle: corrupt bundle")
)

// Payload is one function's encoded bytecode keyed by its file offset.
type Payload struct {
	FunAddr uint64
	Bytes   []byte
}

// Entry mirrors the 24-byte on-disk bundle entry.
type Entry struct {
	FunAddr    uint64
	DataOffset uint64
	DataSize   uint64
}

// Bundle is a parsed, in-memory view of a discovered container.
type Bundle struct {
	Entries          []Entry
	SharedBranchAddrs []uint64
	Payloads         [][]byte
	Start            uint64
	Size             uint64
}

func putU32(out []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(out, tmp[:]...)
}

func putU64(out []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(out, tmp[:]...)
}

// Write appends a bundle built from payloads and sharedBranchAddrs to
// host, returning the full output bytes. It implements the writer
// rules of spec.md §4.5: fun_addr must be non-zero, unique, and every
// payload non-empty; data_offset of entry k is
// prefix_size + Σ_{j<k} data_size(j).
func Write(host []byte, payloads []Payload, sharedBranchAddrs []uint64) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyPayloads
	}

	seen := make(map[uint64]bool, len(payloads))
	entries := make([]Entry, len(payloads))

	prefixSize := uint64(headerSize) + uint64(len(payloads))*entrySize + uint64(len(sharedBranchAddrs))*8
	cursor := prefixSize

	for i, p := range payloads {
		if p.FunAddr == 0 {
			return nil, ErrZeroFunAddr
		}
		if len(p.Bytes) == 0 {
			return nil, ErrEmptyPayloadBytes
		}
		if seen[p.FunAddr] {
			return nil, fmt.Errorf("%w: 0x%x", ErrDuplicateFunAddr, p.FunAddr)
		}
		seen[p.FunAddr] = true

		entries[i] = Entry{FunAddr: p.FunAddr, DataOffset: cursor, DataSize: uint64(len(p.Bytes))}
		cursor += uint64(len(p.Bytes))
	}

	payloadBytesSize := cursor - prefixSize
	bundleSize := prefixSize + payloadBytesSize + footerSize

	out := make([]byte, 0, uint64(len(host))+bundleSize)
	out = append(out, host...)

	out = putU32(out, headerMagic)
	out = putU32(out, version)
	out = putU32(out, uint32(len(payloads)))
	out = putU32(out, uint32(len(sharedBranchAddrs)))

	for _, e := range entries {
		out = putU64(out, e.FunAddr)
		out = putU64(out, e.DataOffset)
		out = putU64(out, e.DataSize)
	}
	for _, a := range sharedBranchAddrs {
		out = putU64(out, a)
	}
	for _, p := range payloads {
		out = append(out, p.Bytes...)
	}

	out = putU32(out, footerMagic)
	out = putU32(out, version)
	out = putU64(out, bundleSize)

	return out, nil
}

// Discover locates and parses a trailing bundle in file, implementing
// the reader rules of spec.md §4.5.
func Discover(file []byte) (*Bundle, error) {
	if len(file) < footerSize {
		return nil, ErrNotFound
	}
	tail := file[len(file)-footerSize:]
	magic := binary.LittleEndian.Uint32(tail[0:4])
	ver := binary.LittleEndian.Uint32(tail[4:8])
	bundleSize := binary.LittleEndian.Uint64(tail[8:16])

	if magic != footerMagic || ver != version {
		return nil, ErrNotFound
	}
	if bundleSize > uint64(len(file)) {
		return nil, ErrNotFound
	}

	start := uint64(len(file)) - bundleSize
	end := uint64(len(file))
	body := file[start:end]

	if len(body) < headerSize {
		return nil, fmt.Errorf("%w: header truncated", ErrCorrupt)
	}
	hdrMagic := binary.LittleEndian.Uint32(body[0:4])
	if hdrMagic != headerMagic {
		return nil, fmt.Errorf("%w: bad header magic", ErrCorrupt)
	}
	hdrVersion := binary.LittleEndian.Uint32(body[4:8])
	if hdrVersion != version {
		return nil, fmt.Errorf("%w: unsupported header version %d", ErrCorrupt, hdrVersion)
	}
	payloadCount := binary.LittleEndian.Uint32(body[8:12])
	branchCount := binary.LittleEndian.Uint32(body[12:16])

	off := uint64(headerSize)
	entries := make([]Entry, payloadCount)
	for i := range entries {
		if off+entrySize > uint64(len(body)) {
			return nil, fmt.Errorf("%w: entry table truncated", ErrCorrupt)
		}
		e := body[off : off+entrySize]
		entries[i] = Entry{
			FunAddr:    binary.LittleEndian.Uint64(e[0:8]),
			DataOffset: binary.LittleEndian.Uint64(e[8:16]),
			DataSize:   binary.LittleEndian.Uint64(e[16:24]),
		}
		off += entrySize
	}

	branches := make([]uint64, branchCount)
	for i := range branches {
		if off+8 > uint64(len(body)) {
			return nil, fmt.Errorf("%w: shared branch table truncated", ErrCorrupt)
		}
		branches[i] = binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
	}

	bundleEnd := uint64(len(body)) - footerSize
	payloads := make([][]byte, payloadCount)
	for i, e := range entries {
		if e.DataOffset < uint64(headerSize) || e.DataOffset+e.DataSize > bundleEnd {
			return nil, fmt.Errorf("%w: entry %d data out of bounds", ErrCorrupt, i)
		}
		payloads[i] = body[e.DataOffset : e.DataOffset+e.DataSize]
	}

	return &Bundle{
		Entries:           entries,
		SharedBranchAddrs: branches,
		Payloads:          payloads,
		Start:             start,
		Size:              bundleSize,
	}, nil
}

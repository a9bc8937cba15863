// Package embed implements the Host Embed stage (C8): appending the
// expanded bundle library as a trailing payload inside a host image,
// sealed by a CRC32-checked footer, and reading it back out. The
// footer layout follows the same fixed-header-plus-magic discipline
// as internal/bundle, grounded on
// original_source/VmProtect/modules/elfkit/core/zSoBinBundle.cpp;
// CRC32 (IEEE 802.3) has no third-party equivalent anywhere in the
// pack, so this is the one place the package reaches for the standard
// library's hash/crc32 rather than an ecosystem dependency.
package embed

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	footerMagic   = 0x34454D56 // "VME4"
	footerVersion = 1
	footerSize    = 24
)

// Footer mirrors EmbeddedPayloadFooter (spec.md §3).
type Footer struct {
	Magic       uint32
	Version     uint32
	PayloadSize uint64
	PayloadCrc  uint32
	Reserved    uint32
}

func parseFooter(b []byte) Footer {
	return Footer{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		Version:     binary.LittleEndian.Uint32(b[4:8]),
		PayloadSize: binary.LittleEndian.Uint64(b[8:16]),
		PayloadCrc:  binary.LittleEndian.Uint32(b[16:20]),
		Reserved:    binary.LittleEndian.Uint32(b[20:24]),
	}
}

func serializeFooter(f Footer) []byte {
	b := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(b[0:4], f.Magic)
	binary.LittleEndian.PutUint32(b[4:8], f.Version)
	binary.LittleEndian.PutUint64(b[8:16], f.PayloadSize)
	binary.LittleEndian.PutUint32(b[16:20], f.PayloadCrc)
	binary.LittleEndian.PutUint32(b[20:24], f.Reserved)
	return b
}

// tryReadFooter checks whether host already carries a valid embedded
// payload, returning the base offset the new payload should replace
// the old one at. A missing or invalid footer is not an error: it
// just means base == len(host).
func tryReadFooter(host []byte) (base uint64, ok bool) {
	if len(host) < footerSize {
		return 0, false
	}
	f := parseFooter(host[len(host)-footerSize:])
	if f.Magic != footerMagic || f.Version != footerVersion {
		return 0, false
	}
	existingPayloadStart := uint64(len(host)) - footerSize - f.PayloadSize
	if existingPayloadStart > uint64(len(host))-footerSize {
		return 0, false // underflow: malformed size field
	}
	payload := host[existingPayloadStart : uint64(len(host))-footerSize]
	if crc32.ChecksumIEEE(payload) != f.PayloadCrc {
		return 0, false
	}
	return existingPayloadStart, true
}

// Write implements spec.md §4.8's writer: append payload to host,
// replacing any existing embedded payload in place, sealed by a fresh
// footer.
func Write(host, payload []byte) []byte {
	base := uint64(len(host))
	if existingBase, ok := tryReadFooter(host); ok {
		base = existingBase
	}

	out := make([]byte, 0, base+uint64(len(payload))+footerSize)
	out = append(out, host[:base]...)
	out = append(out, payload...)
	out = append(out, serializeFooter(Footer{
		Magic:       footerMagic,
		Version:     footerVersion,
		PayloadSize: uint64(len(payload)),
		PayloadCrc:  crc32.ChecksumIEEE(payload),
	})...)
	return out
}

// Read implements spec.md §4.8's reader: locate and CRC-verify the
// trailing payload, returning a view over it.
func Read(host []byte) ([]byte, error) {
	if len(host) < footerSize {
		return nil, ErrHostTooSmall
	}
	f := parseFooter(host[len(host)-footerSize:])
	if f.Magic != footerMagic || f.Version != footerVersion {
		return nil, ErrCorruptEmbed
	}
	end := uint64(len(host)) - footerSize
	if f.PayloadSize > end {
		return nil, fmt.Errorf("%w: payload size exceeds host", ErrCorruptEmbed)
	}
	base := end - f.PayloadSize
	payload := host[base:end]
	if crc32.ChecksumIEEE(payload) != f.PayloadCrc {
		return nil, ErrCorruptEmbed
	}
	return payload, nil
}

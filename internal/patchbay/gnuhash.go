package patchbay

import "encoding/binary"

// buildGnuHash rebuilds a minimal single-bucket .gnu.hash table from
// the full post-alias symbol name list, implementing spec.md §4.6
// step 4. names[0] is the null symbol and is skipped; symoffset is
// fixed at 1 to match the spec's worked parameters.
func buildGnuHash(names []string) []byte {
	const (
		nbuckets   = 1
		symoffset  = 1
		bloomSize  = 1
		bloomShift = 6
	)

	var bloom [bloomSize]uint64
	bucket := uint32(0)
	lastInBucket := uint32(0)

	for i := symoffset; i < len(names); i++ {
		if names[i] == "" {
			continue
		}
		h := GnuHash(names[i])
		bloom[0] |= (uint64(1) << (uint(h) % 64)) | (uint64(1) << ((uint(h) >> 6) % 64))
		bucket = symoffset
		lastInBucket = uint32(i)
	}

	chainLen := 0
	if len(names) > symoffset {
		chainLen = len(names) - symoffset
	}
	chain := make([]uint32, chainLen)
	for i := symoffset; i < len(names); i++ {
		h := GnuHash(names[i])
		chainIdx := i - symoffset
		val := h &^ 1
		if uint32(i) == lastInBucket {
			val |= 1
		}
		chain[chainIdx] = val
	}

	var out []byte
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	putU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	putU32(nbuckets)
	putU32(symoffset)
	putU32(bloomSize)
	putU32(bloomShift)
	for _, w := range bloom {
		putU64(w)
	}
	putU32(bucket)
	for _, c := range chain {
		putU32(c)
	}
	return out
}

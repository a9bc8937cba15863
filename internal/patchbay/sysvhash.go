package patchbay

import "encoding/binary"

// buildSysvHash rebuilds a classic SYSV .hash table from the full
// post-alias symbol name list, implementing spec.md §4.6 step 5.
// names[0] is the null symbol.
func buildSysvHash(names []string) []byte {
	nchain := uint32(len(names))
	nbucket := ChooseBucketCount(nchain)

	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)

	for i := uint32(1); i < nchain; i++ {
		h := SysvHash(names[i]) % nbucket
		if buckets[h] == 0 {
			buckets[h] = i
			continue
		}
		j := buckets[h]
		for chains[j] != 0 {
			j = chains[j]
		}
		chains[j] = i
	}

	var out []byte
	putU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	putU32(nbucket)
	putU32(nchain)
	for _, b := range buckets {
		putU32(b)
	}
	for _, c := range chains {
		putU32(c)
	}
	return out
}

package patchbay

// SysvHash implements the ELF SYSV symbol hash (spec.md §4.6), grounded
// on original_source/VmProtect/modules/base/core/zHash.cpp's
// elfSysvHash.
func SysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// GnuHash implements the GNU-style symbol hash (spec.md §4.6), grounded
// on the same zHash.cpp's elfGnuHash.
func GnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = (h << 5) + h + uint32(name[i])
	}
	return h
}

// bucketPrimes mirrors zHash.cpp's chooseBucketCount prime table.
var bucketPrimes = []uint32{
	3, 5, 7, 11, 17, 29, 53, 97, 193, 389, 769, 1543, 3079, 6151,
	12289, 24593, 49157, 98317, 196613, 393241, 786433,
}

// ChooseBucketCount picks the first prime >= max(8, nchain/2+1), per
// spec.md §4.6 step 5.
func ChooseBucketCount(nchain uint32) uint32 {
	target := nchain/2 + 1
	if target < 8 {
		target = 8
	}
	for _, p := range bucketPrimes {
		if p >= target {
			return p
		}
	}
	return bucketPrimes[len(bucketPrimes)-1]
}

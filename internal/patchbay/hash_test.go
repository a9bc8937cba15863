package patchbay

import "testing"

func TestHashVectors(t *testing.T) {
	if got := SysvHash(""); got != 0 {
		t.Fatalf("sysv_hash(\"\") = 0x%x, want 0", got)
	}
	if got := SysvHash("printf"); got != 0x077905A6 {
		t.Fatalf("sysv_hash(\"printf\") = 0x%x, want 0x077905A6", got)
	}
	if got := GnuHash(""); got != 5381 {
		t.Fatalf("gnu_hash(\"\") = %d, want 5381", got)
	}
	if got := GnuHash("printf"); got != 0x156B2BB8 {
		t.Fatalf("gnu_hash(\"printf\") = 0x%x, want 0x156B2BB8", got)
	}
}

func TestChooseBucketCount(t *testing.T) {
	cases := []struct {
		nchain uint32
		want   uint32
	}{
		{0, 11}, {7, 11}, {8, 11}, {20, 11}, {22, 17},
	}
	for _, c := range cases {
		if got := ChooseBucketCount(c.nchain); got != c.want {
			t.Fatalf("ChooseBucketCount(%d) = %d, want %d", c.nchain, got, c.want)
		}
	}
}

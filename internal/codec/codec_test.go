package codec

import "testing"

func TestVarintBoundaries(t *testing.T) {
	values := []uint32{0, 31, 32, 1023, 1024, 65535, (1 << 31) - 1}
	for _, v := range values {
		w := NewWriter()
		w.Write6Ext(v)
		encoded := w.Finish()

		r := NewReader(encoded)
		got, err := r.Read6Ext("v")
		if err != nil {
			t.Fatalf("v=%d: decode failed: %v", v, err)
		}
		if got != v {
			t.Fatalf("v=%d: roundtrip got %d", v, got)
		}

		if v < 32 {
			w2 := NewWriter()
			w2.Write6Ext(v)
			single := w2.Finish()
			if len(single) != 1 {
				t.Fatalf("v=%d: expected single-byte encoding, got %d bytes", v, len(single))
			}
		}
	}
}

func TestFixed6RoundTrip(t *testing.T) {
	w := NewWriter()
	for i := uint32(0); i < 64; i++ {
		w.Write6(i)
	}
	encoded := w.Finish()

	r := NewReader(encoded)
	for i := uint32(0); i < 64; i++ {
		got, err := r.Read6("fixed")
		if err != nil {
			t.Fatalf("i=%d: %v", i, err)
		}
		if got != i {
			t.Fatalf("i=%d: got %d", i, got)
		}
	}
}

func TestU64PairRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xDEADBEEF, 0x1122334455667788, ^uint64(0)}
	for _, v := range values {
		w := NewWriter()
		w.Write6ExtU64(v)
		encoded := w.Finish()

		r := NewReader(encoded)
		got, err := r.Read6ExtU64("u64")
		if err != nil {
			t.Fatalf("v=%d: %v", v, err)
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
}

func TestMalformedVarintAborts(t *testing.T) {
	w := NewWriter()
	for i := 0; i < 8; i++ {
		w.Write6(0x20) // continuation set, never terminates
	}
	encoded := w.Finish()

	r := NewReader(encoded)
	if _, err := r.Read6Ext("bad"); err != ErrMalformedVarint {
		t.Fatalf("expected ErrMalformedVarint, got %v", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	r := NewReader([]byte{})
	if _, err := r.Read6("x"); err == nil {
		t.Fatalf("expected truncation error on empty stream")
	}
}

package bytecode

import "testing"

// buildS1 constructs the S1 scenario from spec.md §8.
func buildS1() *FunctionData {
	return &FunctionData{
		Marker:            0,
		RegisterCount:     2,
		FirstInstCount:    1,
		FirstInstOpcodes:  []uint32{1},
		ExternalInitWords: []uint32{0, 0},
		TypeCount:         1,
		TypeTags:          []uint32{7},
		InitValueCount:    1,
		InitValueWords:    []uint32{0, 0xAABBCCDD, 0x11223344},
		InstCount:         2,
		InstWords:         []uint32{9, 16},
		BranchCount:       0,
		BranchWords:       []uint32{},
		BranchAddrs:       []uint64{},
		FunctionOffset:    0x4000,
	}
}

func TestRoundTripS1(t *testing.T) {
	d := buildS1()
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	encoded, err := d.SerializeEncoded()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	decoded, err := DeserializeEncoded(encoded)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if err := d.EncodedEquals(decoded); err != nil {
		t.Fatalf("encoded_equals: %v", err)
	}
}

func TestValidateRejectsMarkerOverflow(t *testing.T) {
	d := buildS1()
	d.Marker = 64
	if err := d.Validate(); err == nil {
		t.Fatalf("expected validation error for marker > 63")
	}
}

func TestValidateRejectsCountMismatch(t *testing.T) {
	d := buildS1()
	d.FirstInstCount = 2
	if err := d.Validate(); err == nil {
		t.Fatalf("expected validation error for first_inst_count mismatch")
	}
}

func TestEncodedEqualsFirstMismatch(t *testing.T) {
	d := buildS1()
	other := buildS1()
	other.Marker = 5
	other.RegisterCount = 99

	err := d.EncodedEquals(other)
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
	mm, ok := err.(*Mismatch)
	if !ok {
		t.Fatalf("expected *Mismatch, got %T", err)
	}
	if mm.Field != "marker" {
		t.Fatalf("expected first mismatch at marker, got %s", mm.Field)
	}
}

func TestDeserializeEmptyInput(t *testing.T) {
	if _, err := DeserializeEncoded(nil); err == nil {
		t.Fatalf("expected error decoding empty buffer")
	}
}

func TestSerializeInvalidRejected(t *testing.T) {
	d := buildS1()
	d.InitValueWords = []uint32{0, 1} // wrong length for opcode==1 entry
	if _, err := d.SerializeEncoded(); err == nil {
		t.Fatalf("expected serialize to reject invalid data")
	}
}

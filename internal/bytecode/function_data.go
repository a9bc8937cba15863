// Package bytecode defines the canonical FunctionData container for a
// lifted function plus its validation and codec bindings.
package bytecode

import (
	"fmt"

	"github.com/zboralski/vmprotect/internal/codec"
)

// FunctionData is the canonical record emitted by the lifter and
// consumed by the codec. Field shapes and invariants mirror spec.md §3.
type FunctionData struct {
	Marker             uint32
	RegisterCount      uint32
	FirstInstCount     uint32
	FirstInstOpcodes   []uint32
	ExternalInitWords  []uint32
	TypeCount          uint32
	TypeTags           []uint32
	InitValueCount     uint32
	InitValueWords     []uint32
	InstCount          uint32
	InstWords          []uint32
	BranchCount        uint32
	BranchWords        []uint32
	BranchAddrs        []uint64
	FunctionOffset     uint64
}

// ValidateError describes a FunctionData invariant violation.
type ValidateError struct {
	Reason string
}

func (e *ValidateError) Error() string {
	return "bytecode: invalid FunctionData: " + e.Reason
}

// Mismatch describes the first field at which two FunctionData values
// differ, carrying both sides' string representation.
type Mismatch struct {
	Field string
	Lhs   string
	Rhs   string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("encodedEquals mismatch: %s lhs=%s rhs=%s", m.Field, m.Lhs, m.Rhs)
}

// expectedInitWordCount mirrors expectedInitWordCount in the reference
// implementation: every init entry contributes a register index plus
// one value word, with a second (high32) value word when its matching
// first-instruction opcode equals 1.
func expectedInitWordCount(d *FunctionData) uint32 {
	var expected uint32
	for i := uint32(0); i < d.InitValueCount; i++ {
		opcode := d.FirstInstOpcodes[i]
		expected++
		if opcode == 1 {
			expected += 2
		} else {
			expected++
		}
	}
	return expected
}

// Validate checks the invariants listed in spec.md §3.
func (d *FunctionData) Validate() error {
	if d.Marker > 63 {
		return &ValidateError{Reason: "marker must fit into 6 bits"}
	}
	if d.FirstInstCount != uint32(len(d.FirstInstOpcodes)) {
		return &ValidateError{Reason: "first_inst_count does not match first_inst_opcodes length"}
	}
	if d.FirstInstCount == 0 {
		if len(d.ExternalInitWords) != 0 {
			return &ValidateError{Reason: "external_init_words must be empty when first_inst_count == 0"}
		}
	} else if uint32(len(d.ExternalInitWords)) != d.FirstInstCount*2 {
		return &ValidateError{Reason: "external_init_words length must be 2*first_inst_count"}
	}
	if d.TypeCount != uint32(len(d.TypeTags)) {
		return &ValidateError{Reason: "type_count does not match type_tags length"}
	}
	if d.InstCount != uint32(len(d.InstWords)) {
		return &ValidateError{Reason: "inst_count does not match inst_words length"}
	}
	if d.BranchCount != uint32(len(d.BranchWords)) {
		return &ValidateError{Reason: "branch_count does not match branch_words length"}
	}
	if d.InitValueCount > d.FirstInstCount {
		return &ValidateError{Reason: "init_value_count cannot exceed first_inst_count"}
	}
	if d.InitValueCount == 0 {
		if len(d.InitValueWords) != 0 {
			return &ValidateError{Reason: "init_value_words must be empty when init_value_count == 0"}
		}
		return nil
	}
	if uint32(len(d.FirstInstOpcodes)) < d.InitValueCount {
		return &ValidateError{Reason: "first_inst_opcodes is shorter than init_value_count"}
	}
	if uint32(len(d.InitValueWords)) != expectedInitWordCount(d) {
		return &ValidateError{Reason: "init_value_words has unexpected size for init opcode layout"}
	}
	return nil
}

// SerializeEncoded validates d and emits the packed 6-bit wire form
// described in spec.md §4.4, in the exact field order documented
// there.
func (d *FunctionData) SerializeEncoded() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	w := codec.NewWriter()
	w.Write6(d.Marker)
	w.Write6Ext(d.RegisterCount)
	w.Write6Ext(d.FirstInstCount)
	for _, v := range d.FirstInstOpcodes {
		w.Write6Ext(v)
	}
	for _, v := range d.ExternalInitWords {
		w.Write6Ext(v)
	}
	w.Write6Ext(d.TypeCount)
	for _, v := range d.TypeTags {
		w.Write6Ext(v)
	}
	w.Write6Ext(d.InitValueCount)
	for _, v := range d.InitValueWords {
		w.Write6Ext(v)
	}
	w.Write6Ext(d.InstCount)
	for _, v := range d.InstWords {
		w.Write6Ext(v)
	}
	w.Write6Ext(d.BranchCount)
	for _, v := range d.BranchWords {
		w.Write6Ext(v)
	}
	w.Write6Ext(uint32(len(d.BranchAddrs)))
	for _, v := range d.BranchAddrs {
		w.Write6ExtU64(v)
	}
	w.Write6ExtU64(d.FunctionOffset)

	return w.Finish(), nil
}

// DeserializeEncoded decodes the packed 6-bit wire form back into a
// FunctionData, then re-validates it (mirroring
// zFunctionData::deserializeEncoded's final validate() call).
func DeserializeEncoded(data []byte) (*FunctionData, error) {
	if len(data) == 0 {
		return nil, &ValidateError{Reason: "input buffer is empty"}
	}

	r := codec.NewReader(data)
	out := &FunctionData{}

	marker, err := r.Read6("marker")
	if err != nil {
		return nil, err
	}
	out.Marker = marker

	if out.RegisterCount, err = r.Read6Ext("register_count"); err != nil {
		return nil, err
	}
	if out.FirstInstCount, err = r.Read6Ext("first_inst_count"); err != nil {
		return nil, err
	}

	out.FirstInstOpcodes = make([]uint32, out.FirstInstCount)
	for i := range out.FirstInstOpcodes {
		if out.FirstInstOpcodes[i], err = r.Read6Ext("first_inst_opcodes"); err != nil {
			return nil, err
		}
	}

	if out.FirstInstCount > 0 {
		out.ExternalInitWords = make([]uint32, out.FirstInstCount*2)
		for i := range out.ExternalInitWords {
			if out.ExternalInitWords[i], err = r.Read6Ext("external_init_words"); err != nil {
				return nil, err
			}
		}
	}

	if out.TypeCount, err = r.Read6Ext("type_count"); err != nil {
		return nil, err
	}
	out.TypeTags = make([]uint32, out.TypeCount)
	for i := range out.TypeTags {
		if out.TypeTags[i], err = r.Read6Ext("type_tags"); err != nil {
			return nil, err
		}
	}

	if out.InitValueCount, err = r.Read6Ext("init_value_count"); err != nil {
		return nil, err
	}
	if out.InitValueCount > out.FirstInstCount {
		return nil, &ValidateError{Reason: "init_value_count exceeds first_inst_count"}
	}
	out.InitValueWords = make([]uint32, 0, out.InitValueCount*3)
	for i := uint32(0); i < out.InitValueCount; i++ {
		regIdx, err := r.Read6Ext("init reg idx")
		if err != nil {
			return nil, err
		}
		out.InitValueWords = append(out.InitValueWords, regIdx)

		word, err := r.Read6Ext("init value")
		if err != nil {
			return nil, err
		}
		out.InitValueWords = append(out.InitValueWords, word)

		if out.FirstInstOpcodes[i] == 1 {
			hi, err := r.Read6Ext("init high value")
			if err != nil {
				return nil, err
			}
			out.InitValueWords = append(out.InitValueWords, hi)
		}
	}

	if out.InstCount, err = r.Read6Ext("inst_count"); err != nil {
		return nil, err
	}
	out.InstWords = make([]uint32, out.InstCount)
	for i := range out.InstWords {
		if out.InstWords[i], err = r.Read6Ext("inst_words"); err != nil {
			return nil, err
		}
	}

	if out.BranchCount, err = r.Read6Ext("branch_count"); err != nil {
		return nil, err
	}
	out.BranchWords = make([]uint32, out.BranchCount)
	for i := range out.BranchWords {
		if out.BranchWords[i], err = r.Read6Ext("branch_words"); err != nil {
			return nil, err
		}
	}

	branchAddrCount, err := r.Read6Ext("branch_addr_count")
	if err != nil {
		return nil, err
	}
	out.BranchAddrs = make([]uint64, branchAddrCount)
	for i := range out.BranchAddrs {
		if out.BranchAddrs[i], err = r.Read6ExtU64("branch_addrs"); err != nil {
			return nil, err
		}
	}

	if out.FunctionOffset, err = r.Read6ExtU64("function_offset"); err != nil {
		return nil, err
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

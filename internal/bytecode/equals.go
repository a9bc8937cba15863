package bytecode

import (
	"fmt"
	"reflect"
)

// EncodedEquals compares d against other field by field and returns
// the first mismatched field, with both sides' string representation,
// mirroring zFunctionData::encodedEquals. Returns nil when equal.
func (d *FunctionData) EncodedEquals(other *FunctionData) error {
	if d.Marker != other.Marker {
		return mismatch("marker", d.Marker, other.Marker)
	}
	if d.RegisterCount != other.RegisterCount {
		return mismatch("register_count", d.RegisterCount, other.RegisterCount)
	}
	if d.FirstInstCount != other.FirstInstCount {
		return mismatch("first_inst_count", d.FirstInstCount, other.FirstInstCount)
	}
	if !reflect.DeepEqual(d.FirstInstOpcodes, other.FirstInstOpcodes) {
		return sliceMismatch("first_inst_opcodes", d.FirstInstOpcodes, other.FirstInstOpcodes)
	}
	if !reflect.DeepEqual(d.ExternalInitWords, other.ExternalInitWords) {
		return sliceMismatch("external_init_words", d.ExternalInitWords, other.ExternalInitWords)
	}
	if d.TypeCount != other.TypeCount {
		return mismatch("type_count", d.TypeCount, other.TypeCount)
	}
	if !reflect.DeepEqual(d.TypeTags, other.TypeTags) {
		return sliceMismatch("type_tags", d.TypeTags, other.TypeTags)
	}
	if d.InitValueCount != other.InitValueCount {
		return mismatch("init_value_count", d.InitValueCount, other.InitValueCount)
	}
	if !reflect.DeepEqual(d.InitValueWords, other.InitValueWords) {
		return sliceMismatch("init_value_words", d.InitValueWords, other.InitValueWords)
	}
	if d.InstCount != other.InstCount {
		return mismatch("inst_count", d.InstCount, other.InstCount)
	}
	if !reflect.DeepEqual(d.InstWords, other.InstWords) {
		return sliceMismatch("inst_words", d.InstWords, other.InstWords)
	}
	if d.BranchCount != other.BranchCount {
		return mismatch("branch_count", d.BranchCount, other.BranchCount)
	}
	if !reflect.DeepEqual(d.BranchWords, other.BranchWords) {
		return sliceMismatch("branch_words", d.BranchWords, other.BranchWords)
	}
	if !reflect.DeepEqual(d.BranchAddrs, other.BranchAddrs) {
		return sliceMismatch("branch_addrs", d.BranchAddrs, other.BranchAddrs)
	}
	if d.FunctionOffset != other.FunctionOffset {
		return mismatch("function_offset", d.FunctionOffset, other.FunctionOffset)
	}
	return nil
}

func mismatch[T any](field string, lhs, rhs T) error {
	return &Mismatch{Field: field, Lhs: fmt.Sprint(lhs), Rhs: fmt.Sprint(rhs)}
}

func sliceMismatch[T any](field string, lhs, rhs []T) error {
	return mismatch(field, lhs, rhs)
}

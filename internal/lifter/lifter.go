// Package lifter implements the Function Lifter (C2): disassembling an
// AArch64 function body into the register-VM intermediate
// representation carried by bytecode.FunctionData. It is grounded on
// cmd/galago/main.go's use of golang.org/x/arch/arm64/arm64asm and on
// the opcode/word layout of the zFunctionDump.cpp family under
// original_source/VmProtect/modules/elfkit/core.
package lifter

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/vmprotect/internal/bytecode"
	"github.com/zboralski/vmprotect/internal/elfimage"
)

const sentinel = 0xFFFFFFFF

// regTokenRe matches an AArch64 register operand token.
var regTokenRe = regexp.MustCompile(`(?i)^[wx](zr|sp|[0-9]{1,2})$|^(sp|lr|fp)$`)

// immTokenRe matches an immediate operand token, with or without the
// leading '#'.
var immTokenRe = regexp.MustCompile(`^#?-?(0[xX][0-9a-fA-F]+|[0-9]+)$`)

// regAlloc assigns stable virtual register ids to AArch64 register
// names in first-use order, mirroring how zFunctionDump.cpp builds its
// register table while walking a function body.
type regAlloc struct {
	ids   map[string]uint32
	order []string
}

func newRegAlloc() *regAlloc {
	return &regAlloc{ids: make(map[string]uint32)}
}

func (r *regAlloc) id(name string) uint32 {
	name = strings.ToLower(name)
	if id, ok := r.ids[name]; ok {
		return id
	}
	id := uint32(len(r.order))
	r.ids[name] = id
	r.order = append(r.order, name)
	return id
}

// typeTag reports a register's IR width class: 0 for 64-bit (x/sp/lr),
// 1 for 32-bit (w).
func typeTag(name string) uint32 {
	if strings.HasPrefix(name, "w") {
		return 1
	}
	return 0
}

type operand struct {
	isReg bool
	reg   string
	imm   uint64
}

// splitOperands tokenizes the comma-separated operand list out of an
// arm64asm.Inst's canonical text form. Memory operands ("[x1, #8]")
// are flattened to their constituent register/immediate tokens since
// the IR only tracks register/immediate operands, not addressing
// modes.
func splitOperands(text string) []operand {
	text = strings.TrimSpace(text)
	// drop everything up to and including the first space (mnemonic).
	if i := strings.IndexByte(text, ' '); i >= 0 {
		text = text[i+1:]
	} else {
		return nil
	}
	text = strings.NewReplacer("[", "", "]", "", "!", "").Replace(text)

	var ops []operand
	for _, raw := range strings.Split(text, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		// strip shift/extend qualifiers ("lsl #2") down to the base token.
		if sp := strings.IndexByte(tok, ' '); sp >= 0 {
			tok = tok[:sp]
		}
		switch {
		case regTokenRe.MatchString(tok):
			ops = append(ops, operand{isReg: true, reg: tok})
		case immTokenRe.MatchString(tok):
			v := strings.TrimPrefix(tok, "#")
			neg := strings.HasPrefix(v, "-")
			v = strings.TrimPrefix(v, "-")
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				continue
			}
			if neg {
				n = uint64(-int64(n))
			}
			ops = append(ops, operand{isReg: false, imm: n})
		}
	}
	return ops
}

func category(mnemonic string) string {
	switch {
	case arithmeticOps[mnemonic]:
		return "arith"
	case compareOps[mnemonic]:
		return "cmp"
	case condSelectOps[mnemonic]:
		return "condsel"
	case moveOps[mnemonic]:
		return "move"
	case loadOps[mnemonic]:
		return "load"
	case storeOps[mnemonic]:
		return "store"
	case branchOps[mnemonic]:
		return "branch"
	case addressOps[mnemonic]:
		return "address"
	case trapOps[mnemonic]:
		return "trap"
	default:
		return ""
	}
}

func opcodeFor(mnemonic, cat string) Opcode {
	switch cat {
	case "arith":
		return OP_BINARY
	case "cmp":
		return OP_CMP
	case "condsel":
		return OP_SELECT
	case "move":
		return OP_MOV
	case "load":
		return OP_READ
	case "store":
		return OP_WRITE
	case "address":
		if mnemonic == "ADRP" {
			return OP_ADRP
		}
		return OP_LEA
	case "trap":
		return OP_NOP
	default:
		return OP_UNREACHABLE
	}
}

// prologueLen returns the length of the leading run of plain register
// <- constant MOV/MOVZ/MOVN instructions, the window prepare_translation
// folds into first_inst_opcodes/init_value_words rather than the main
// inst_words stream.
func prologueLen(insts []arm64asm.Inst, texts []string) int {
	n := 0
	for i, inst := range insts {
		mnem := strings.ToUpper(inst.Op.String())
		if mnem != "MOVZ" && mnem != "MOVN" && (mnem != "MOV" || strings.Contains(texts[i], "#") == false) {
			break
		}
		ops := splitOperands(texts[i])
		if len(ops) != 2 || !ops[0].isReg || ops[1].isReg {
			break
		}
		n = i + 1
	}
	return n
}

// Translate disassembles a function's instruction bytes into a
// bytecode.FunctionData, implementing prepare_translation from
// spec.md §4.2. funcOffset is the function's file offset, used as the
// synthetic program counter baseline in place of an absolute vaddr.
func Translate(view *elfimage.FunctionView, funcOffset uint64) (*bytecode.FunctionData, error) {
	data := view.Data
	if len(data)%4 != 0 {
		data = data[:len(data)-(len(data)%4)]
	}

	var insts []arm64asm.Inst
	var texts []string
	var offsets []uint64

	for i := 0; i+4 <= len(data); i += 4 {
		off := funcOffset + uint64(i)
		inst, err := arm64asm.Decode(data[i : i+4])
		if err != nil {
			return nil, &DisassemblyFailed{Offset: off, Err: err}
		}
		mnem := strings.ToUpper(inst.Op.String())
		if !isSupported(mnem) {
			return nil, &UnsupportedInstruction{Mnemonic: mnem, Offset: off}
		}
		insts = append(insts, inst)
		texts = append(texts, inst.String())
		offsets = append(offsets, off)
	}

	regs := newRegAlloc()
	out := &bytecode.FunctionData{FunctionOffset: funcOffset}

	plen := prologueLen(insts, texts)
	out.FirstInstCount = uint32(plen)
	for i := 0; i < plen; i++ {
		ops := splitOperands(texts[i])
		dst := regs.id(ops[0].reg)
		val := ops[1].imm
		if val > 0xFFFFFFFF {
			out.FirstInstOpcodes = append(out.FirstInstOpcodes, uint32(OP_BINARY))
			out.InitValueWords = append(out.InitValueWords, dst, uint32(val), uint32(val>>32))
		} else {
			out.FirstInstOpcodes = append(out.FirstInstOpcodes, uint32(OP_LOAD_CONST))
			out.InitValueWords = append(out.InitValueWords, dst, uint32(val))
		}
		out.InitValueCount++
		// plain constant-load prologue entries carry no external
		// (reg, index) pair of their own, but the wire format has no
		// way to omit external_init_words once first_inst_count > 0
		// (spec.md §4.4), so every entry still contributes its
		// (reg, 0) placeholder pair.
		out.ExternalInitWords = append(out.ExternalInitWords, dst, 0)
	}

	var branchAddrs []uint64
	branchSeen := make(map[uint64]bool)
	localBranchIDs := make(map[uint64]uint32)

	funcStart := funcOffset
	funcEnd := funcOffset + uint64(len(data))

	for i := plen; i < len(insts); i++ {
		inst := insts[i]
		off := offsets[i]
		mnem := strings.ToUpper(inst.Op.String())
		cat := category(mnem)
		ops := splitOperands(texts[i])

		if cat == "branch" {
			switch mnem {
			case "B", "BL", "CBZ", "CBNZ", "TBZ", "TBNZ":
				var target uint64
				haveTarget := false
				for _, o := range ops {
					if !o.isReg {
						target = off + o.imm
						haveTarget = true
					}
				}
				if !haveTarget {
					return nil, &InvalidOperand{Mnemonic: mnem, Offset: off, Detail: "missing branch target immediate"}
				}
				if mnem == "BL" || target < funcStart || target >= funcEnd {
					if !branchSeen[target] {
						branchSeen[target] = true
						branchAddrs = append(branchAddrs, target)
					}
					out.InstWords = append(out.InstWords, uint32(OP_BL), uint32(target), uint32(target>>32))
					continue
				}
				id, ok := localBranchIDs[target]
				if !ok {
					id = uint32(len(localBranchIDs))
					localBranchIDs[target] = id
					out.BranchWords = append(out.BranchWords, id, uint32(target-funcStart))
				}
				out.InstWords = append(out.InstWords, uint32(OP_BRANCH), id)
			default: // BLR, BR, RET
				src := uint32(sentinel)
				for _, o := range ops {
					if o.isReg {
						src = regs.id(o.reg)
					}
				}
				if mnem == "RET" {
					out.InstWords = append(out.InstWords, uint32(OP_RETURN))
				} else {
					out.InstWords = append(out.InstWords, uint32(OP_CALL_INDIRECT), src)
				}
			}
			continue
		}

		opc := opcodeFor(mnem, cat)
		dst := uint32(sentinel)
		src1 := uint32(sentinel)
		src2 := uint32(sentinel)
		regIdx := 0
		for _, o := range ops {
			if o.isReg {
				id := regs.id(o.reg)
				switch regIdx {
				case 0:
					dst = id
				case 1:
					src1 = id
				case 2:
					src2 = id
				}
				regIdx++
			} else if regIdx >= 1 && src1 == sentinel {
				src1 = uint32(o.imm)
			} else {
				src2 = uint32(o.imm)
			}
		}
		out.InstWords = append(out.InstWords, uint32(opc), dst, src1, src2)
	}
	out.InstCount = uint32(len(out.InstWords))

	out.RegisterCount = uint32(len(regs.order))
	out.TypeCount = out.RegisterCount
	for _, name := range regs.order {
		out.TypeTags = append(out.TypeTags, typeTag(name))
	}
	out.BranchCount = uint32(len(out.BranchWords))
	out.BranchAddrs = branchAddrs

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// SharedBranchAddrs returns the deduplicated external call targets a
// translated function references, in discovery order, matching
// shared_branch_addrs() from spec.md §4.2.
func SharedBranchAddrs(d *bytecode.FunctionData) []uint64 {
	return append([]uint64(nil), d.BranchAddrs...)
}

// RemapBLToShared rewrites OP_BL operand words in d to index into a
// caller-wide shared branch table instead of carrying raw absolute
// addresses, per remap_bl_to_shared in spec.md §4.2. shared maps an
// absolute address to its index in the shared table.
func RemapBLToShared(d *bytecode.FunctionData, shared map[uint64]uint32) error {
	i := 0
	for i < len(d.InstWords) {
		if Opcode(d.InstWords[i]) != OP_BL {
			i++
			continue
		}
		addr := uint64(d.InstWords[i+1]) | uint64(d.InstWords[i+2])<<32
		idx, ok := shared[addr]
		if !ok {
			return &AddressNotInTable{Address: addr}
		}
		d.InstWords[i+1] = idx
		d.InstWords[i+2] = 0
		i += 3
	}
	return nil
}

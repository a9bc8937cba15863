package lifter

// Opcode is a virtual-machine instruction tag in the fixed runtime
// opcode space (0..56) enumerated by spec.md §4.2. The VM engine that
// executes this opcode space is an external collaborator; the lifter
// only needs to assign these tags consistently between encode and
// decode.
type Opcode uint32

const (
	OP_END            Opcode = 0
	OP_BINARY         Opcode = 1
	OP_TYPE_CONVERT   Opcode = 2
	OP_LOAD_CONST     Opcode = 3
	OP_STORE_CONST    Opcode = 4
	OP_GET_ELEMENT    Opcode = 5
	OP_ALLOC_RETURN   Opcode = 6
	OP_STORE          Opcode = 7
	OP_LOAD_CONST64   Opcode = 8
	OP_NOP            Opcode = 9
	OP_COPY           Opcode = 10
	OP_GET_FIELD      Opcode = 11
	OP_CMP            Opcode = 12
	OP_SET_FIELD      Opcode = 13
	OP_RESTORE_REG    Opcode = 14
	OP_CALL           Opcode = 15
	OP_RETURN         Opcode = 16
	OP_BRANCH         Opcode = 17
	OP_BRANCH_IF      Opcode = 18
	OP_ALLOC_MEMORY   Opcode = 19
	OP_MOV            Opcode = 20
	OP_LOAD_IMM       Opcode = 21
	OP_DYNAMIC_CAST   Opcode = 22
	OP_UNARY          Opcode = 23
	OP_PHI            Opcode = 24
	OP_SELECT         Opcode = 25
	OP_MEMCPY         Opcode = 26
	OP_MEMSET         Opcode = 27
	OP_STRLEN         Opcode = 28
	OP_FETCH_NEXT     Opcode = 29
	OP_CALL_INDIRECT  Opcode = 30
	OP_SWITCH         Opcode = 31
	OP_GET_PTR        Opcode = 32
	OP_BITCAST        Opcode = 33
	OP_SIGN_EXTEND    Opcode = 34
	OP_ZERO_EXTEND    Opcode = 35
	OP_TRUNCATE       Opcode = 36
	OP_FLOAT_EXTEND   Opcode = 37
	OP_FLOAT_TRUNCATE Opcode = 38
	OP_INT_TO_FLOAT   Opcode = 39
	OP_ARRAY_ELEM     Opcode = 40
	OP_FLOAT_TO_INT   Opcode = 41
	OP_READ           Opcode = 42
	OP_WRITE          Opcode = 43
	OP_LEA            Opcode = 44
	OP_ATOMIC_ADD     Opcode = 45
	OP_ATOMIC_SUB     Opcode = 46
	OP_ATOMIC_XCHG    Opcode = 47
	OP_ATOMIC_CAS     Opcode = 48
	OP_FENCE          Opcode = 49
	OP_UNREACHABLE    Opcode = 50
	OP_ALLOC_VSP      Opcode = 51
	OP_BINARY_IMM     Opcode = 52
	OP_BRANCH_IF_CC   Opcode = 53
	OP_SET_RETURN_PC  Opcode = 54
	OP_BL             Opcode = 55
	OP_ADRP           Opcode = 56
)

// supportedMnemonics is the closed whitelist of AArch64 mnemonics the
// lifter recognizes (spec.md §4.2). Any decoded instruction whose
// mnemonic is absent from this set causes UnsupportedInstruction.
var supportedMnemonics = map[string]bool{
	// arithmetic
	"ADD": true, "SUB": true, "ADDS": true, "SUBS": true,
	"MUL": true, "MADD": true, "MSUB": true, "UDIV": true, "SDIV": true,
	// logic
	"AND": true, "ORR": true, "EOR": true, "BIC": true, "ORN": true, "ANDS": true,
	// shifts
	"LSL": true, "LSR": true, "ASR": true, "ROR": true, "EXTR": true,
	// loads/stores
	"LDR": true, "LDRB": true, "LDRH": true, "LDRSW": true, "LDRSB": true, "LDRSH": true,
	"LDP": true, "LDUR": true, "LDURB": true, "LDURH": true, "LDURSW": true, "LDURSB": true, "LDURSH": true,
	"STR": true, "STRB": true, "STRH": true, "STP": true,
	"STUR": true, "STURB": true, "STURH": true,
	"LDAXR": true, "LDXR": true, "STLXR": true, "STXR": true,
	"LDAR": true, "LDARB": true, "LDARH": true,
	"STLR": true, "STLRB": true, "STLRH": true,
	// moves
	"MOV": true, "MOVZ": true, "MOVK": true, "MOVN": true, "MOVI": true,
	// comparisons
	"CMP": true, "CMN": true, "TST": true, "CCMP": true,
	// conditional selects
	"CSEL": true, "CSINC": true, "CNEG": true, "CINC": true, "CSETM": true,
	// branches
	"B": true, "BL": true, "BLR": true, "BR": true,
	"CBZ": true, "CBNZ": true, "TBZ": true, "TBNZ": true, "RET": true,
	// address formation
	"ADR": true, "ADRP": true,
	// bitfield
	"SBFM": true, "UBFM": true, "BFM": true,
	// trap / nop family
	"NOP": true, "HINT": true, "CLREX": true, "SVC": true, "BRK": true,
	"REV": true, "REV16": true,
}

func isSupported(mnemonic string) bool {
	return supportedMnemonics[mnemonic]
}

// IsSupported reports whether mnemonic is in the lifter's closed
// whitelist, exported for internal/coverage's per-instruction
// histogram.
func IsSupported(mnemonic string) bool {
	return isSupported(mnemonic)
}

var arithmeticOps = map[string]bool{
	"ADD": true, "SUB": true, "ADDS": true, "SUBS": true,
	"MUL": true, "MADD": true, "MSUB": true, "UDIV": true, "SDIV": true,
	"AND": true, "ORR": true, "EOR": true, "BIC": true, "ORN": true, "ANDS": true,
	"LSL": true, "LSR": true, "ASR": true, "ROR": true, "EXTR": true,
	"SBFM": true, "UBFM": true, "BFM": true,
}

var compareOps = map[string]bool{
	"CMP": true, "CMN": true, "TST": true, "CCMP": true,
}

var condSelectOps = map[string]bool{
	"CSEL": true, "CSINC": true, "CNEG": true, "CINC": true, "CSETM": true,
}

var moveOps = map[string]bool{
	"MOV": true, "MOVZ": true, "MOVK": true, "MOVN": true, "MOVI": true,
}

var loadOps = map[string]bool{
	"LDR": true, "LDRB": true, "LDRH": true, "LDRSW": true, "LDRSB": true, "LDRSH": true,
	"LDP": true, "LDUR": true, "LDURB": true, "LDURH": true, "LDURSW": true, "LDURSB": true, "LDURSH": true,
	"LDAXR": true, "LDXR": true, "LDAR": true, "LDARB": true, "LDARH": true,
}

var storeOps = map[string]bool{
	"STR": true, "STRB": true, "STRH": true, "STP": true,
	"STUR": true, "STURB": true, "STURH": true,
	"STLXR": true, "STXR": true, "STLR": true, "STLRB": true, "STLRH": true,
}

var branchOps = map[string]bool{
	"B": true, "BL": true, "BLR": true, "BR": true,
	"CBZ": true, "CBNZ": true, "TBZ": true, "TBNZ": true, "RET": true,
}

var trapOps = map[string]bool{
	"NOP": true, "HINT": true, "CLREX": true, "SVC": true, "BRK": true, "REV": true, "REV16": true,
}

var addressOps = map[string]bool{
	"ADR": true, "ADRP": true,
}

package ir

import "fmt"

type (
	Op uint8

	// Form is the operand layout of an opcode.
	// It drives operand validation, disassembly and assembly.
	Form uint8

	class uint8

	opFlags uint8

	opInfo struct {
		name  string
		form  Form
		class class
		flags opFlags
	}
)

const (
	NOP Op = iota
	LABEL
	GOTO
	GOTO_IF_Z
	GOTO_IF_NZ
	RETURN
	CHAIN
	CHAIN_RESOLVE
	ILLEGAL

	CALL
	LOAD_ARG

	MOVE
	SELECT
	LOAD_IMM
	SCAST
	ZCAST
	SEXT8
	SEXT16
	BITCAST

	ADD
	SUB
	NEG
	MUL
	MULHU
	MULHS
	DIVU
	DIVS
	MODU
	MODS
	AND
	OR
	XOR
	NOT
	ANDC
	ORC
	SLL
	SRL
	SRA
	ROL
	ROR
	CLZ
	BSWAP

	SEQ
	SLTU
	SLTS
	SGTU
	SGTS
	SEQI
	SLTUI
	SLTSI
	SGTUI
	SGTSI

	ADDI
	MULI
	ANDI
	ORI
	XORI
	SLLI
	SRLI
	SRAI
	RORI

	BFEXT
	BFINS

	LOAD
	LOAD_U8
	LOAD_S8
	LOAD_U16
	LOAD_S16
	STORE
	STORE_I8
	STORE_I16
	LOAD_BR
	LOAD_U16_BR
	LOAD_S16_BR
	STORE_BR
	STORE_I16_BR

	GET_ALIAS
	SET_ALIAS

	FCVT
	FSCAST
	FROUNDI
	FTRUNCI
	FADD
	FSUB
	FMUL
	FDIV
	FNEG
	FABS
	FSQRT
	FMADD
	FCMP
	FGETSTATE
	FSETSTATE

	VBUILD2
	VBROADCAST
	VEXTRACT
	VINSERT

	NumOps
)

const (
	FormNone    Form = iota
	FormNop          // [guest address]
	FormD            // rD
	FormS            // rS
	FormDS           // rD, rS
	FormDSS          // rD, rS, rT
	FormDSSS         // rD, rS, rT, rU
	FormDI           // rD, imm
	FormDSI          // rD, rS, imm
	FormDSSI         // rD, rS, rT, imm
	FormFCmp         // rD, rS, rT, COND
	FormLoad         // rD, off(rS)
	FormStore        // off(rS), rT
	FormBFExt        // rD, rS, start, count
	FormBFIns        // rD, rS, rT, start, count
	FormLabel        // L
	FormBranch       // rS, L
	FormGet          // rD, aN
	FormSet          // aN, rS
	FormCall         // rD|-, rS[, rT[, rU]]
	FormReturn       // [rS]
	FormChain        // rS, guest address
	FormResolve      // rS, @insn
)

const (
	cNone class = iota
	cIntBin
	cIntShift
	cIntUn
	cIntImm
	cCmp
	cCmpImm
	cIntCast
	cBitcast
	cMove
	cSelect
	cLoadImm
	cLoadArg
	cLoadAny
	cLoadInt
	cStoreAny
	cStoreInt
	cBitfield
	cBranch
	cGet
	cSet
	cCall
	cReturn
	cChain
	cResolve
	cFCvt
	cFSCast
	cFToInt
	cFArith
	cFCmp
	cFGetState
	cFSetState
	cVBuild
	cVBroadcast
	cVExtract
	cVInsert
)

const (
	// fTerm ends a block without fallthrough.
	fTerm opFlags = 1 << iota
	// fCond ends a block with a taken edge and a fallthrough.
	fCond
	// fSide marks instructions which must never be removed.
	fSide
	fLoad
	fStore
)

var ops = [NumOps]opInfo{
	NOP:           {"NOP", FormNop, cNone, 0},
	LABEL:         {"LABEL", FormLabel, cNone, fSide},
	GOTO:          {"GOTO", FormLabel, cNone, fTerm | fSide},
	GOTO_IF_Z:     {"GOTO_IF_Z", FormBranch, cBranch, fCond | fSide},
	GOTO_IF_NZ:    {"GOTO_IF_NZ", FormBranch, cBranch, fCond | fSide},
	RETURN:        {"RETURN", FormReturn, cReturn, fTerm | fSide},
	CHAIN:         {"CHAIN", FormChain, cChain, fTerm | fSide},
	CHAIN_RESOLVE: {"CHAIN_RESOLVE", FormResolve, cResolve, fSide},
	ILLEGAL:       {"ILLEGAL", FormNone, cNone, fTerm | fSide},

	CALL:     {"CALL", FormCall, cCall, fSide},
	LOAD_ARG: {"LOAD_ARG", FormDI, cLoadArg, 0},

	MOVE:     {"MOVE", FormDS, cMove, 0},
	SELECT:   {"SELECT", FormDSSS, cSelect, 0},
	LOAD_IMM: {"LOAD_IMM", FormDI, cLoadImm, 0},
	SCAST:    {"SCAST", FormDS, cIntCast, 0},
	ZCAST:    {"ZCAST", FormDS, cIntCast, 0},
	SEXT8:    {"SEXT8", FormDS, cIntUn, 0},
	SEXT16:   {"SEXT16", FormDS, cIntUn, 0},
	BITCAST:  {"BITCAST", FormDS, cBitcast, 0},

	ADD:   {"ADD", FormDSS, cIntBin, 0},
	SUB:   {"SUB", FormDSS, cIntBin, 0},
	NEG:   {"NEG", FormDS, cIntUn, 0},
	MUL:   {"MUL", FormDSS, cIntBin, 0},
	MULHU: {"MULHU", FormDSS, cIntBin, 0},
	MULHS: {"MULHS", FormDSS, cIntBin, 0},
	DIVU:  {"DIVU", FormDSS, cIntBin, 0},
	DIVS:  {"DIVS", FormDSS, cIntBin, 0},
	MODU:  {"MODU", FormDSS, cIntBin, 0},
	MODS:  {"MODS", FormDSS, cIntBin, 0},
	AND:   {"AND", FormDSS, cIntBin, 0},
	OR:    {"OR", FormDSS, cIntBin, 0},
	XOR:   {"XOR", FormDSS, cIntBin, 0},
	NOT:   {"NOT", FormDS, cIntUn, 0},
	ANDC:  {"ANDC", FormDSS, cIntBin, 0},
	ORC:   {"ORC", FormDSS, cIntBin, 0},
	SLL:   {"SLL", FormDSS, cIntShift, 0},
	SRL:   {"SRL", FormDSS, cIntShift, 0},
	SRA:   {"SRA", FormDSS, cIntShift, 0},
	ROL:   {"ROL", FormDSS, cIntShift, 0},
	ROR:   {"ROR", FormDSS, cIntShift, 0},
	CLZ:   {"CLZ", FormDS, cIntUn, 0},
	BSWAP: {"BSWAP", FormDS, cIntUn, 0},

	SEQ:   {"SEQ", FormDSS, cCmp, 0},
	SLTU:  {"SLTU", FormDSS, cCmp, 0},
	SLTS:  {"SLTS", FormDSS, cCmp, 0},
	SGTU:  {"SGTU", FormDSS, cCmp, 0},
	SGTS:  {"SGTS", FormDSS, cCmp, 0},
	SEQI:  {"SEQI", FormDSI, cCmpImm, 0},
	SLTUI: {"SLTUI", FormDSI, cCmpImm, 0},
	SLTSI: {"SLTSI", FormDSI, cCmpImm, 0},
	SGTUI: {"SGTUI", FormDSI, cCmpImm, 0},
	SGTSI: {"SGTSI", FormDSI, cCmpImm, 0},

	ADDI: {"ADDI", FormDSI, cIntImm, 0},
	MULI: {"MULI", FormDSI, cIntImm, 0},
	ANDI: {"ANDI", FormDSI, cIntImm, 0},
	ORI:  {"ORI", FormDSI, cIntImm, 0},
	XORI: {"XORI", FormDSI, cIntImm, 0},
	SLLI: {"SLLI", FormDSI, cIntImm, 0},
	SRLI: {"SRLI", FormDSI, cIntImm, 0},
	SRAI: {"SRAI", FormDSI, cIntImm, 0},
	RORI: {"RORI", FormDSI, cIntImm, 0},

	BFEXT: {"BFEXT", FormBFExt, cBitfield, 0},
	BFINS: {"BFINS", FormBFIns, cBitfield, 0},

	LOAD:         {"LOAD", FormLoad, cLoadAny, fLoad},
	LOAD_U8:      {"LOAD_U8", FormLoad, cLoadInt, fLoad},
	LOAD_S8:      {"LOAD_S8", FormLoad, cLoadInt, fLoad},
	LOAD_U16:     {"LOAD_U16", FormLoad, cLoadInt, fLoad},
	LOAD_S16:     {"LOAD_S16", FormLoad, cLoadInt, fLoad},
	STORE:        {"STORE", FormStore, cStoreAny, fStore | fSide},
	STORE_I8:     {"STORE_I8", FormStore, cStoreInt, fStore | fSide},
	STORE_I16:    {"STORE_I16", FormStore, cStoreInt, fStore | fSide},
	LOAD_BR:      {"LOAD_BR", FormLoad, cLoadInt, fLoad},
	LOAD_U16_BR:  {"LOAD_U16_BR", FormLoad, cLoadInt, fLoad},
	LOAD_S16_BR:  {"LOAD_S16_BR", FormLoad, cLoadInt, fLoad},
	STORE_BR:     {"STORE_BR", FormStore, cStoreInt, fStore | fSide},
	STORE_I16_BR: {"STORE_I16_BR", FormStore, cStoreInt, fStore | fSide},

	GET_ALIAS: {"GET_ALIAS", FormGet, cGet, 0},
	SET_ALIAS: {"SET_ALIAS", FormSet, cSet, fSide},

	FCVT:      {"FCVT", FormDS, cFCvt, 0},
	FSCAST:    {"FSCAST", FormDS, cFSCast, 0},
	FROUNDI:   {"FROUNDI", FormDS, cFToInt, 0},
	FTRUNCI:   {"FTRUNCI", FormDS, cFToInt, 0},
	FADD:      {"FADD", FormDSS, cFArith, 0},
	FSUB:      {"FSUB", FormDSS, cFArith, 0},
	FMUL:      {"FMUL", FormDSS, cFArith, 0},
	FDIV:      {"FDIV", FormDSS, cFArith, 0},
	FNEG:      {"FNEG", FormDS, cFArith, 0},
	FABS:      {"FABS", FormDS, cFArith, 0},
	FSQRT:     {"FSQRT", FormDS, cFArith, 0},
	FMADD:     {"FMADD", FormDSSS, cFArith, 0},
	FCMP:      {"FCMP", FormFCmp, cFCmp, 0},
	FGETSTATE: {"FGETSTATE", FormD, cFGetState, 0},
	FSETSTATE: {"FSETSTATE", FormS, cFSetState, fSide},

	VBUILD2:    {"VBUILD2", FormDSS, cVBuild, 0},
	VBROADCAST: {"VBROADCAST", FormDS, cVBroadcast, 0},
	VEXTRACT:   {"VEXTRACT", FormDSI, cVExtract, 0},
	VINSERT:    {"VINSERT", FormDSSI, cVInsert, 0},
}

func (op Op) Valid() bool { return op < NumOps }

func (op Op) String() string {
	if op.Valid() {
		return ops[op].name
	}

	return fmt.Sprintf("op(%d)", int(op))
}

func (op Op) Form() Form { return ops[op].form }

// IsTerminator reports whether op ends a block with no fallthrough.
func (op Op) IsTerminator() bool { return ops[op].flags&fTerm != 0 }

// IsCondBranch reports whether op is GOTO_IF_Z or GOTO_IF_NZ.
func (op Op) IsCondBranch() bool { return ops[op].flags&fCond != 0 }

// IsBranch reports whether op references a label as a jump target.
func (op Op) IsBranch() bool { return op == GOTO || op.IsCondBranch() }

// HasSideEffects reports whether removing the instruction
// changes behavior even if its result is never read.
func (op Op) HasSideEffects() bool { return ops[op].flags&fSide != 0 }

func (op Op) IsLoad() bool  { return ops[op].flags&fLoad != 0 }
func (op Op) IsStore() bool { return ops[op].flags&fStore != 0 }

// HasDest reports whether the form has a destination slot.
// For CALL the slot is optional.
func (f Form) HasDest() bool {
	switch f {
	case FormD, FormDS, FormDSS, FormDSSS, FormDI, FormDSI, FormDSSI, FormFCmp,
		FormLoad, FormBFExt, FormBFIns, FormGet, FormCall:
		return true
	}

	return false
}

// LookupOp finds an opcode by its name.
func LookupOp(name string) (Op, bool) {
	for op := Op(0); op < NumOps; op++ {
		if ops[op].name == name {
			return op, true
		}
	}

	return 0, false
}

// MemSize is the number of bytes a load or store accesses,
// or 0 if the size is that of the value type.
func (op Op) MemSize() int {
	switch op {
	case LOAD_U8, LOAD_S8, STORE_I8:
		return 1
	case LOAD_U16, LOAD_S16, STORE_I16, LOAD_U16_BR, LOAD_S16_BR, STORE_I16_BR:
		return 2
	}

	return 0
}

// FPStateMask selects the bits of the FP state FGETSTATE reads and FSETSTATE
// writes: exception masks, rounding control and flush to zero,
// in the host control register layout. Status flags are not part of the state.
const FPStateMask = 0xFF80

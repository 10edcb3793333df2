// Package x86 encodes the x86-64 instructions the backend emits.
//
// Every function appends one instruction to b and returns the extended slice.
// Memory operands are base plus displacement.
package x86

import (
	"encoding/binary"
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Reg is a general purpose register.
	Reg uint8

	// Xmm is an SSE register.
	Xmm uint8

	// Cond is a condition code as used by Jcc, SETcc and CMOVcc.
	Cond uint8

	// W selects the operand size of integer instructions.
	W bool

	// Mem is a [Base+Disp] operand.
	Mem struct {
		Base Reg
		Disp int32
	}

	opcode uint32
)

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumRegs = 16
)

const (
	X0 Xmm = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
)

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

const (
	W32 W = false
	W64 W = true
)

// Mandatory prefixes.
const (
	p66 = 0x66
	pF2 = 0xF2
	pF3 = 0xF3
)

var regNames = [NumRegs]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

// Not returns the opposite condition.
func (c Cond) Not() Cond { return c ^ 1 }

func (c Cond) String() string { return condNames[c&15] }

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}

	return fmt.Sprintf("reg(%d)", int(r))
}

func (x Xmm) String() string { return fmt.Sprintf("xmm%d", int(x)) }

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder
	return e.AppendString(b, r.String())
}

func (x Xmm) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder
	return e.AppendFormat(b, "xmm%d", int(x))
}

func (m Mem) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder
	return e.AppendFormat(b, "%d(%v)", m.Disp, m.Base)
}

// IsCalleeSaved reports whether the SysV ABI preserves r across calls.
func (r Reg) IsCalleeSaved() bool {
	switch r {
	case RBX, RBP, RSP, R12, R13, R14, R15:
		return true
	}

	return false
}

// Args are the SysV integer argument registers in order.
var Args = [...]Reg{RDI, RSI, RDX, RCX, R8, R9}

func rex(b []byte, w W, r, x, rm uint8, force bool) []byte {
	v := byte(0x40)

	if w {
		v |= 8
	}

	if r&8 != 0 {
		v |= 4
	}

	if x&8 != 0 {
		v |= 2
	}

	if rm&8 != 0 {
		v |= 1
	}

	if v != 0x40 || force {
		b = append(b, v)
	}

	return b
}

func appendOpcode(b []byte, op opcode) []byte {
	switch {
	case op > 0xFFFF:
		return append(b, byte(op>>16), byte(op>>8), byte(op))
	case op > 0xFF:
		return append(b, byte(op>>8), byte(op))
	default:
		return append(b, byte(op))
	}
}

// rr encodes a register direct form: reg is ModRM.reg, rm is ModRM.rm.
func rr(b []byte, pfx byte, w W, force bool, op opcode, reg, rm uint8) []byte {
	if pfx != 0 {
		b = append(b, pfx)
	}

	b = rex(b, w, reg, 0, rm, force)
	b = appendOpcode(b, op)

	return append(b, 0xC0|(reg&7)<<3|rm&7)
}

// rm encodes a memory form.
func rm(b []byte, pfx byte, w W, force bool, op opcode, reg uint8, m Mem) []byte {
	if pfx != 0 {
		b = append(b, pfx)
	}

	b = rex(b, w, reg, 0, uint8(m.Base), force)
	b = appendOpcode(b, op)

	return modrmMem(b, reg, m)
}

func modrmMem(b []byte, reg uint8, m Mem) []byte {
	base := uint8(m.Base) & 7

	var mod byte

	switch {
	case m.Disp == 0 && base != 5: // rbp and r13 always take a displacement
		mod = 0
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 1
	default:
		mod = 2
	}

	b = append(b, mod<<6|(reg&7)<<3|base)

	if base == 4 { // rsp and r12 need a SIB byte
		b = append(b, 0x24)
	}

	switch mod {
	case 1:
		b = append(b, byte(m.Disp))
	case 2:
		b = binary.LittleEndian.AppendUint32(b, uint32(m.Disp))
	}

	return b
}

// byteReg reports whether using r as a byte register needs a REX prefix
// to select spl, bpl, sil or dil instead of ah, ch, dh or bh.
func byteReg(r Reg) bool { return r >= RSP && r <= RDI }

func fitsInt8(v int64) bool  { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v < 1<<31 }

// FitsInt32 reports whether v can be a sign extended 32-bit immediate.
func FitsInt32(v int64) bool { return fitsInt32(v) }

// PatchRel32 points the rel32 field at b[at:at+4] to target.
func PatchRel32(b []byte, at, target int) {
	binary.LittleEndian.PutUint32(b[at:], uint32(int32(target-(at+4))))
}

// Rel32 reads back a rel32 field.
func Rel32(b []byte, at int) int32 {
	return int32(binary.LittleEndian.Uint32(b[at:]))
}

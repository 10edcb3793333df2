package x86

import "encoding/binary"

type (
	// AluOp is the /digit of the 0x81 group and selects the 0x01.. opcodes.
	AluOp uint8

	// UnOp is the /digit of the 0xF7 group.
	UnOp uint8

	// ShiftOp is the /digit of the 0xD3 and 0xC1 groups.
	ShiftOp uint8
)

const (
	ADD AluOp = 0
	OR  AluOp = 1
	AND AluOp = 4
	SUB AluOp = 5
	XOR AluOp = 6
	CMP AluOp = 7
)

const (
	NOT  UnOp = 2
	NEG  UnOp = 3
	MUL  UnOp = 4
	IMUL UnOp = 5
	DIV  UnOp = 6
	IDIV UnOp = 7
)

const (
	ROL ShiftOp = 0
	ROR ShiftOp = 1
	SHL ShiftOp = 4
	SHR ShiftOp = 5
	SAR ShiftOp = 7
)

// Mov copies src to dst. The 32-bit form zeroes the upper half.
func Mov(b []byte, w W, dst, src Reg) []byte {
	return rr(b, 0, w, false, 0x89, uint8(src), uint8(dst))
}

// MovImm loads a constant using the shortest exact form.
// The 32-bit form loads the low half of v.
func MovImm(b []byte, w W, dst Reg, v int64) []byte {
	switch {
	case !bool(w) || v >= 0 && v < 1<<32:
		b = rex(b, false, 0, 0, uint8(dst), false)
		b = append(b, 0xB8+byte(dst&7))

		return binary.LittleEndian.AppendUint32(b, uint32(v))
	case fitsInt32(v):
		b = rr(b, 0, W64, false, 0xC7, 0, uint8(dst))

		return binary.LittleEndian.AppendUint32(b, uint32(v))
	default:
		b = rex(b, W64, 0, 0, uint8(dst), false)
		b = append(b, 0xB8+byte(dst&7))

		return binary.LittleEndian.AppendUint64(b, uint64(v))
	}
}

// Load is mov dst, [m].
func Load(b []byte, w W, dst Reg, m Mem) []byte {
	return rm(b, 0, w, false, 0x8B, uint8(dst), m)
}

// Store is mov [m], src.
func Store(b []byte, w W, m Mem, src Reg) []byte {
	return rm(b, 0, w, false, 0x89, uint8(src), m)
}

// Store8 stores the low byte of src.
func Store8(b []byte, m Mem, src Reg) []byte {
	return rm(b, 0, W32, byteReg(src), 0x88, uint8(src), m)
}

// Store16 stores the low word of src.
func Store16(b []byte, m Mem, src Reg) []byte {
	return rm(b, p66, W32, false, 0x89, uint8(src), m)
}

// Movzx zero extends the low bits (8 or 16) of src.
func Movzx(b []byte, bits int, dst, src Reg) []byte {
	if bits == 8 {
		return rr(b, 0, W32, byteReg(src), 0x0FB6, uint8(dst), uint8(src))
	}

	return rr(b, 0, W32, false, 0x0FB7, uint8(dst), uint8(src))
}

// MovzxLoad loads 8 or 16 bits zero extended.
func MovzxLoad(b []byte, bits int, dst Reg, m Mem) []byte {
	if bits == 8 {
		return rm(b, 0, W32, false, 0x0FB6, uint8(dst), m)
	}

	return rm(b, 0, W32, false, 0x0FB7, uint8(dst), m)
}

// Movsx sign extends the low bits (8, 16 or 32) of src to w.
func Movsx(b []byte, w W, bits int, dst, src Reg) []byte {
	switch bits {
	case 8:
		return rr(b, 0, w, byteReg(src), 0x0FBE, uint8(dst), uint8(src))
	case 16:
		return rr(b, 0, w, false, 0x0FBF, uint8(dst), uint8(src))
	default:
		return rr(b, 0, W64, false, 0x63, uint8(dst), uint8(src))
	}
}

// MovsxLoad loads 8 or 16 bits sign extended to w.
func MovsxLoad(b []byte, w W, bits int, dst Reg, m Mem) []byte {
	if bits == 8 {
		return rm(b, 0, w, false, 0x0FBE, uint8(dst), m)
	}

	return rm(b, 0, w, false, 0x0FBF, uint8(dst), m)
}

// Alu is op dst, src.
func Alu(b []byte, op AluOp, w W, dst, src Reg) []byte {
	return rr(b, 0, w, false, opcode(0x01|op<<3), uint8(src), uint8(dst))
}

// AluImm is op dst, v. v is sign extended to w.
func AluImm(b []byte, op AluOp, w W, dst Reg, v int32) []byte {
	if fitsInt8(int64(v)) {
		b = rr(b, 0, w, false, 0x83, uint8(op), uint8(dst))

		return append(b, byte(v))
	}

	b = rr(b, 0, w, false, 0x81, uint8(op), uint8(dst))

	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// Test is test a, x.
func Test(b []byte, w W, a, x Reg) []byte {
	return rr(b, 0, w, false, 0x85, uint8(x), uint8(a))
}

// Imul is the two operand signed multiply dst *= src.
func Imul(b []byte, w W, dst, src Reg) []byte {
	return rr(b, 0, w, false, 0x0FAF, uint8(dst), uint8(src))
}

// ImulImm is dst = src * v.
func ImulImm(b []byte, w W, dst, src Reg, v int32) []byte {
	if fitsInt8(int64(v)) {
		b = rr(b, 0, w, false, 0x6B, uint8(dst), uint8(src))

		return append(b, byte(v))
	}

	b = rr(b, 0, w, false, 0x69, uint8(dst), uint8(src))

	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// Unary encodes the 0xF7 group: not, neg and the one operand
// multiply and divide working on rdx:rax.
func Unary(b []byte, op UnOp, w W, r Reg) []byte {
	return rr(b, 0, w, false, 0xF7, uint8(op), uint8(r))
}

// Shift shifts or rotates r by cl.
func Shift(b []byte, op ShiftOp, w W, r Reg) []byte {
	return rr(b, 0, w, false, 0xD3, uint8(op), uint8(r))
}

// ShiftImm shifts or rotates r by n.
func ShiftImm(b []byte, op ShiftOp, w W, r Reg, n uint8) []byte {
	b = rr(b, 0, w, false, 0xC1, uint8(op), uint8(r))

	return append(b, n)
}

// Cdq sign extends rax into rdx: cdq or cqo.
func Cdq(b []byte, w W) []byte {
	if w {
		return append(b, 0x48, 0x99)
	}

	return append(b, 0x99)
}

// Bsr finds the index of the highest set bit. ZF is set if src is zero.
func Bsr(b []byte, w W, dst, src Reg) []byte {
	return rr(b, 0, w, false, 0x0FBD, uint8(dst), uint8(src))
}

func Cmov(b []byte, c Cond, w W, dst, src Reg) []byte {
	return rr(b, 0, w, false, opcode(0x0F40|uint32(c)), uint8(dst), uint8(src))
}

// Setcc sets the low byte of r.
func Setcc(b []byte, c Cond, r Reg) []byte {
	return rr(b, 0, W32, byteReg(r), opcode(0x0F90|uint32(c)), 0, uint8(r))
}

func Bswap(b []byte, w W, r Reg) []byte {
	b = rex(b, w, 0, 0, uint8(r), false)

	return append(b, 0x0F, 0xC8+byte(r&7))
}

// Lea is lea dst, [m].
func Lea(b []byte, dst Reg, m Mem) []byte {
	return rm(b, 0, W64, false, 0x8D, uint8(dst), m)
}

// LeaRIP is lea dst, [rip+disp]. It returns the offset of the disp32 field.
func LeaRIP(b []byte, dst Reg, disp int32) ([]byte, int) {
	b = rex(b, W64, uint8(dst), 0, 0, false)
	b = append(b, 0x8D, 0x05|byte(dst&7)<<3)
	at := len(b)

	return binary.LittleEndian.AppendUint32(b, uint32(disp)), at
}

func Push(b []byte, r Reg) []byte {
	b = rex(b, false, 0, 0, uint8(r), false)

	return append(b, 0x50+byte(r&7))
}

func Pop(b []byte, r Reg) []byte {
	b = rex(b, false, 0, 0, uint8(r), false)

	return append(b, 0x58+byte(r&7))
}

// CallReg is call r.
func CallReg(b []byte, r Reg) []byte {
	return rr(b, 0, W32, false, 0xFF, 2, uint8(r))
}

func Ret(b []byte) []byte { return append(b, 0xC3) }

func Ud2(b []byte) []byte { return append(b, 0x0F, 0x0B) }

// Jmp appends jmp rel32 with a zero displacement.
// It returns the offset of the rel32 field.
func Jmp(b []byte) ([]byte, int) {
	b = append(b, 0xE9, 0, 0, 0, 0)

	return b, len(b) - 4
}

// Jcc appends a conditional jump with a zero rel32 displacement.
// It returns the offset of the rel32 field.
func Jcc(b []byte, c Cond) ([]byte, int) {
	b = append(b, 0x0F, 0x80|byte(c), 0, 0, 0, 0)

	return b, len(b) - 4
}

package x86

type (
	// Kind selects the scalar or packed form of an SSE instruction.
	Kind uint8

	// SseOp is the second opcode byte of a 0x0F arithmetic instruction.
	SseOp uint8
)

const (
	Single Kind = iota // ss
	Double             // sd
	Packed             // pd
)

const (
	SQRT SseOp = 0x51
	FADD SseOp = 0x58
	FMUL SseOp = 0x59
	FSUB SseOp = 0x5C
	FDIV SseOp = 0x5E
)

func (k Kind) prefix() byte {
	switch k {
	case Single:
		return pF3
	case Double:
		return pF2
	default:
		return p66
	}
}

// Movaps copies a whole register.
func Movaps(b []byte, dst, src Xmm) []byte {
	return rr(b, 0, W32, false, 0x0F28, uint8(dst), uint8(src))
}

// Movsd replaces the low lane of dst.
func Movsd(b []byte, dst, src Xmm) []byte {
	return rr(b, pF2, W32, false, 0x0F10, uint8(dst), uint8(src))
}

// LoadF loads a value of k: movss, movsd or movups.
func LoadF(b []byte, k Kind, dst Xmm, m Mem) []byte {
	if k == Packed {
		return rm(b, 0, W32, false, 0x0F10, uint8(dst), m)
	}

	return rm(b, k.prefix(), W32, false, 0x0F10, uint8(dst), m)
}

// StoreF stores a value of k.
func StoreF(b []byte, k Kind, m Mem, src Xmm) []byte {
	if k == Packed {
		return rm(b, 0, W32, false, 0x0F11, uint8(src), m)
	}

	return rm(b, k.prefix(), W32, false, 0x0F11, uint8(src), m)
}

// Arith is op dst, src in the k form.
func Arith(b []byte, op SseOp, k Kind, dst, src Xmm) []byte {
	return rr(b, k.prefix(), W32, false, opcode(0x0F00|uint32(op)), uint8(dst), uint8(src))
}

func Andpd(b []byte, dst, src Xmm) []byte {
	return rr(b, p66, W32, false, 0x0F54, uint8(dst), uint8(src))
}

func Xorpd(b []byte, dst, src Xmm) []byte {
	return rr(b, p66, W32, false, 0x0F57, uint8(dst), uint8(src))
}

// Unpcklpd puts the low lane of src into the high lane of dst.
func Unpcklpd(b []byte, dst, src Xmm) []byte {
	return rr(b, p66, W32, false, 0x0F14, uint8(dst), uint8(src))
}

// Unpckhpd puts the high lane of dst into its low lane
// and the high lane of src into its high lane.
func Unpckhpd(b []byte, dst, src Xmm) []byte {
	return rr(b, p66, W32, false, 0x0F15, uint8(dst), uint8(src))
}

// Cvtsd2ss converts double to single, Cvtss2sd the other way.
func Cvtsd2ss(b []byte, dst, src Xmm) []byte {
	return rr(b, pF2, W32, false, 0x0F5A, uint8(dst), uint8(src))
}

func Cvtss2sd(b []byte, dst, src Xmm) []byte {
	return rr(b, pF3, W32, false, 0x0F5A, uint8(dst), uint8(src))
}

// CvtInt converts a w sized signed integer to a k float.
func CvtInt(b []byte, k Kind, w W, dst Xmm, src Reg) []byte {
	return rr(b, k.prefix(), w, false, 0x0F2A, uint8(dst), uint8(src))
}

// CvtFloat converts a k float to a w sized signed integer,
// truncating or rounding by the current mode.
func CvtFloat(b []byte, k Kind, w W, trunc bool, dst Reg, src Xmm) []byte {
	op := opcode(0x0F2D)
	if trunc {
		op = 0x0F2C
	}

	return rr(b, k.prefix(), w, false, op, uint8(dst), uint8(src))
}

// Ucomi compares scalars setting ZF, PF and CF.
func Ucomi(b []byte, k Kind, a, x Xmm) []byte {
	if k == Single {
		return rr(b, 0, W32, false, 0x0F2E, uint8(a), uint8(x))
	}

	return rr(b, p66, W32, false, 0x0F2E, uint8(a), uint8(x))
}

// MovToXmm is movd or movq dst, src.
func MovToXmm(b []byte, w W, dst Xmm, src Reg) []byte {
	return rr(b, p66, w, false, 0x0F6E, uint8(dst), uint8(src))
}

// MovFromXmm is movd or movq dst, src.
func MovFromXmm(b []byte, w W, dst Reg, src Xmm) []byte {
	return rr(b, p66, w, false, 0x0F7E, uint8(src), uint8(dst))
}

func Stmxcsr(b []byte, m Mem) []byte {
	return rm(b, 0, W32, false, 0x0FAE, 3, m)
}

func Ldmxcsr(b []byte, m Mem) []byte {
	return rm(b, 0, W32, false, 0x0FAE, 2, m)
}

// Vfmadd231 is dst = a*x + dst in the k form. It needs the FMA extension.
func Vfmadd231(b []byte, k Kind, dst, a, x Xmm) []byte {
	r, v, m := uint8(dst), uint8(a), uint8(x)

	b1 := byte(0x02) // 0F38 map
	if r&8 == 0 {
		b1 |= 0x80
	}

	b1 |= 0x40 // no index

	if m&8 == 0 {
		b1 |= 0x20
	}

	b2 := (^v&15)<<3 | 0x01 // pp = 66
	if k != Single {
		b2 |= 0x80 // W1 is the double form
	}

	op := byte(0xB9)
	if k == Packed {
		op = 0xB8
	}

	return append(b, 0xC4, b1, b2, op, 0xC0|(r&7)<<3|m&7)
}

// Vfmadd231Mem is Vfmadd231 with x read from memory.
func Vfmadd231Mem(b []byte, k Kind, dst, a Xmm, x Mem) []byte {
	r, v, base := uint8(dst), uint8(a), uint8(x.Base)

	b1 := byte(0x02 | 0x40)
	if r&8 == 0 {
		b1 |= 0x80
	}

	if base&8 == 0 {
		b1 |= 0x20
	}

	b2 := (^v&15)<<3 | 0x01
	if k != Single {
		b2 |= 0x80
	}

	op := byte(0xB9)
	if k == Packed {
		op = 0xB8
	}

	b = append(b, 0xC4, b1, b2, op)

	return modrmMem(b, r, x)
}

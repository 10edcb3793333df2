package opt

import (
	"context"
	"math"
	"math/bits"

	"github.com/slowlang/ppcrec/compiler/ir"
)

// foldConstants evaluates integer instructions whose operands are all
// LOAD_IMM results and turns them into LOAD_IMM.
// A SELECT with a known condition becomes a MOVE.
// Blocks are visited in index order, so definitions are folded before uses.
func (o *optimizer) foldConstants(ctx context.Context) (n int) {
	u := o.u

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			in := u.Insns[i]

			if in.Dest == 0 || in.Op == ir.LOAD_IMM || in.Op.HasSideEffects() {
				continue
			}

			if in.Op == ir.SELECT {
				c, ok := o.constOf(in.Src3)
				if !ok {
					continue
				}

				src := in.Src2
				if c != 0 {
					src = in.Src1
				}

				u.Replace(i, ir.Insn{Op: ir.MOVE, Dest: in.Dest, Src1: src})
				n++

				continue
			}

			t := u.Reg(in.Dest).Type
			if !t.IsInt() {
				continue
			}

			v, ok := o.fold(&in, t)
			if !ok {
				continue
			}

			u.Replace(i, ir.Insn{Op: ir.LOAD_IMM, Dest: in.Dest, Imm: v})
			n++
		}

		return true
	})

	return n
}

func (o *optimizer) fold(in *ir.Insn, t ir.Type) (int64, bool) {
	switch in.Op.Form() {
	case ir.FormDS, ir.FormDSI, ir.FormBFExt:
		a, ok := o.constOf(in.Src1)
		if !ok {
			return 0, false
		}

		return Eval(in.Op, t, o.u.Reg(in.Src1).Type, a, in.Imm, in)
	case ir.FormDSS, ir.FormBFIns:
		a, ok := o.constOf(in.Src1)
		if !ok {
			return 0, false
		}

		c, ok := o.constOf(in.Src2)
		if !ok {
			return 0, false
		}

		return Eval(in.Op, t, o.u.Reg(in.Src1).Type, a, c, in)
	}

	return 0, false
}

// Eval computes an integer instruction result of type t.
// st is the type of the first source, a and b are the operand values
// (b is the immediate for immediate forms).
// Division by zero gives 0, the most negative value divided by -1 gives itself.
// Shift and rotate amounts are taken modulo the width.
func Eval(op ir.Op, t, st ir.Type, a, b int64, in *ir.Insn) (int64, bool) {
	w := width(t)

	ua := unsigned(st, a)
	ub := unsigned(t, b)

	amt := uint(b) & uint(w-1)

	var r uint64

	switch op {
	case ir.MOVE, ir.BITCAST:
		return norm(t, a), true
	case ir.SCAST:
		return norm(t, a), true
	case ir.ZCAST:
		return norm(t, int64(ua)), true
	case ir.SEXT8:
		return norm(t, int64(int8(a))), true
	case ir.SEXT16:
		return norm(t, int64(int16(a))), true

	case ir.ADD, ir.ADDI:
		r = uint64(a + b)
	case ir.SUB:
		r = uint64(a - b)
	case ir.NEG:
		r = uint64(-a)
	case ir.MUL, ir.MULI:
		r = uint64(a * b)
	case ir.MULHU:
		if w == 32 {
			r = (ua * ub) >> 32
		} else {
			r, _ = bits.Mul64(ua, ub)
		}
	case ir.MULHS:
		if w == 32 {
			r = uint64((int64(int32(a)) * int64(int32(b))) >> 32)
		} else {
			hi, _ := bits.Mul64(uint64(a), uint64(b))

			if a < 0 {
				hi -= uint64(b)
			}

			if b < 0 {
				hi -= uint64(a)
			}

			r = hi
		}
	case ir.DIVU:
		if ub != 0 {
			r = ua / ub
		}
	case ir.DIVS:
		r = uint64(divs(w, a, b, false))
	case ir.MODU:
		if ub != 0 {
			r = ua % ub
		}
	case ir.MODS:
		r = uint64(divs(w, a, b, true))
	case ir.AND, ir.ANDI:
		r = uint64(a & b)
	case ir.OR, ir.ORI:
		r = uint64(a | b)
	case ir.XOR, ir.XORI:
		r = uint64(a ^ b)
	case ir.NOT:
		r = ^uint64(a)
	case ir.ANDC:
		r = uint64(a &^ b)
	case ir.ORC:
		r = uint64(a | ^b)
	case ir.SLL, ir.SLLI:
		r = ua << amt
	case ir.SRL, ir.SRLI:
		r = ua >> amt
	case ir.SRA, ir.SRAI:
		r = uint64(norm(t, a) >> amt)
	case ir.ROL:
		r = rotl(w, ua, int(amt))
	case ir.ROR, ir.RORI:
		r = rotl(w, ua, -int(amt))
	case ir.CLZ:
		if w == 32 {
			r = uint64(bits.LeadingZeros32(uint32(ua)))
		} else {
			r = uint64(bits.LeadingZeros64(ua))
		}
	case ir.BSWAP:
		if w == 32 {
			r = uint64(bits.ReverseBytes32(uint32(ua)))
		} else {
			r = bits.ReverseBytes64(ua)
		}

	case ir.SEQ, ir.SEQI:
		r = b2u(unsigned(st, a) == unsigned(st, b))
	case ir.SLTU, ir.SLTUI:
		r = b2u(unsigned(st, a) < unsigned(st, b))
	case ir.SGTU, ir.SGTUI:
		r = b2u(unsigned(st, a) > unsigned(st, b))
	case ir.SLTS, ir.SLTSI:
		r = b2u(norm(st, a) < norm(st, b))
	case ir.SGTS, ir.SGTSI:
		r = b2u(norm(st, a) > norm(st, b))

	case ir.BFEXT:
		r = (ua >> in.Start) & mask(in.Count)
	case ir.BFINS:
		m := mask(in.Count) << in.Start
		r = ua&^m | (uint64(b)<<in.Start)&m
	default:
		return 0, false
	}

	return norm(t, int64(r)), true
}

func divs(w uint, a, b int64, mod bool) int64 {
	lo := int64(math.MinInt64)
	if w == 32 {
		a, b = int64(int32(a)), int64(int32(b))
		lo = math.MinInt32
	}

	switch {
	case b == 0:
		return 0
	case a == lo && b == -1:
		if mod {
			return 0
		}

		return lo
	case mod:
		return a % b
	default:
		return a / b
	}
}

func rotl(w uint, x uint64, k int) uint64 {
	if w == 32 {
		return uint64(bits.RotateLeft32(uint32(x), k))
	}

	return bits.RotateLeft64(x, k)
}

func width(t ir.Type) uint {
	if t == ir.Int32 {
		return 32
	}

	return 64
}

// norm brings v to the canonical representation of type t:
// 32-bit values are kept sign extended.
func norm(t ir.Type, v int64) int64 {
	if t == ir.Int32 {
		return int64(int32(v))
	}

	return v
}

func unsigned(t ir.Type, v int64) uint64 {
	if t == ir.Int32 {
		return uint64(uint32(v))
	}

	return uint64(v)
}

func mask(n uint8) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}

	return 1<<n - 1
}

func b2u(x bool) uint64 {
	if x {
		return 1
	}

	return 0
}

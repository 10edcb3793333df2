package back

import (
	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

var fArith = map[ir.Op]x86.SseOp{
	ir.FADD:  x86.FADD,
	ir.FSUB:  x86.FSUB,
	ir.FMUL:  x86.FMUL,
	ir.FDIV:  x86.FDIV,
	ir.FSQRT: x86.SQRT,
}

func (s *state) selectFP(in *ir.Insn) {
	d := in.Dest

	t := s.xDef(d, sX0)
	s.xInto(in.Src2, t)

	c := s.gpUse(in.Src3, sC)
	s.b = x86.Test(s.b, wOf(s.typ(in.Src3)), c, c)

	var over int
	s.b, over = x86.Jcc(s.b, x86.CondE)

	s.xInto(in.Src1, t)

	x86.PatchRel32(s.b, over, len(s.b))

	s.xPut(d, t)
}

func (s *state) fconv(in *ir.Insn) {
	d := in.Dest
	td, ts := s.typ(d), s.typ(in.Src1)

	switch in.Op {
	case ir.FCVT:
		t := s.xDef(d, sX0)
		a := s.xUse(in.Src1, sX1)

		switch {
		case td == ts:
			s.b = x86.Movaps(s.b, t, a)
		case td == ir.Float64:
			s.b = x86.Cvtss2sd(s.b, t, a)
		default:
			s.b = x86.Cvtsd2ss(s.b, t, a)
		}

		s.xPut(d, t)
	case ir.FSCAST:
		t := s.xDef(d, sX0)
		a := s.gpUse(in.Src1, sA)

		s.b = x86.Xorpd(s.b, t, t)
		s.b = x86.CvtInt(s.b, kindOf(td), wOf(ts), t, a)

		s.xPut(d, t)
	default:
		t := s.gpDef(d, sA)
		a := s.xUse(in.Src1, sX0)

		s.b = x86.CvtFloat(s.b, kindOf(ts), wOf(td), in.Op == ir.FTRUNCI, t, a)

		s.gpPut(d, t)
	}
}

func (s *state) farith(in *ir.Insn) {
	d := in.Dest
	k := kindOf(s.typ(d))

	t := s.xDef(d, sX0)

	if in.Op == ir.FSQRT {
		a := s.xUse(in.Src1, sX1)
		s.b = x86.Arith(s.b, x86.SQRT, k, t, a)
		s.xPut(d, t)

		return
	}

	s.xInto(in.Src1, t)
	x := s.xUse(in.Src2, sX1)

	s.b = x86.Arith(s.b, fArith[in.Op], k, t, x)

	s.xPut(d, t)
}

// fsign flips or clears the sign bits with a mask built in X1.
func (s *state) fsign(in *ir.Insn) {
	d := in.Dest
	td := s.typ(d)

	var m int64 = -1 << 63
	w := x86.W64

	if td == ir.Float32 {
		m, w = -1<<31, x86.W32
	}

	if in.Op == ir.FABS {
		m = ^m
		if td == ir.Float32 {
			m &= 0xffff_ffff
		}
	}

	s.b = x86.MovImm(s.b, w, sA, m)
	s.b = x86.MovToXmm(s.b, w, sX1, sA)

	if td == ir.V2Float64 {
		s.b = x86.Unpcklpd(s.b, sX1, sX1)
	}

	t := s.xDef(d, sX0)
	s.xInto(in.Src1, t)

	if in.Op == ir.FABS {
		s.b = x86.Andpd(s.b, t, sX1)
	} else {
		s.b = x86.Xorpd(s.b, t, sX1)
	}

	s.xPut(d, t)
}

// fmadd is d = s1*s2 + s3, fused if the host can.
func (s *state) fmadd(in *ir.Insn) {
	d := in.Dest
	k := kindOf(s.typ(d))

	t := s.xDef(d, sX0)

	if s.opts.Features&FMA == 0 {
		s.xInto(in.Src1, t)
		x := s.xUse(in.Src2, sX1)
		s.b = x86.Arith(s.b, x86.FMUL, k, t, x)

		x = s.xUse(in.Src3, sX1)
		s.b = x86.Arith(s.b, x86.FADD, k, t, x)

		s.xPut(d, t)

		return
	}

	s.xInto(in.Src3, t)
	a := s.xUse(in.Src1, sX1)

	if l := s.locs[in.Src2-1]; l.kind == locSlot {
		s.b = x86.Vfmadd231Mem(s.b, k, t, a, slotMem(l.slot))
	} else {
		s.b = x86.Vfmadd231(s.b, k, t, a, x86.Xmm(l.reg))
	}

	s.xPut(d, t)
}

// fcmp sets d to 1 if the condition holds. Unordered operands
// satisfy NE and UN only.
func (s *state) fcmp(in *ir.Insn) {
	k := kindOf(s.typ(in.Src1))

	a := s.xUse(in.Src1, sX0)
	x := s.xUse(in.Src2, sX1)

	c := ir.Cond(in.Imm)

	switch c {
	case ir.CondLT, ir.CondLE:
		s.b = x86.Ucomi(s.b, k, x, a)
	default:
		s.b = x86.Ucomi(s.b, k, a, x)
	}

	switch c {
	case ir.CondLT, ir.CondGT:
		s.setcc(in.Dest, x86.CondA)
	case ir.CondLE, ir.CondGE:
		s.setcc(in.Dest, x86.CondAE)
	case ir.CondUN:
		s.setcc(in.Dest, x86.CondP)
	case ir.CondEQ, ir.CondNE:
		c1, c2, op := x86.CondE, x86.CondNP, x86.AND
		if c == ir.CondNE {
			c1, c2, op = x86.CondNE, x86.CondP, x86.OR
		}

		s.b = x86.Setcc(s.b, c1, sA)
		s.b = x86.Setcc(s.b, c2, sC)
		s.b = x86.Alu(s.b, op, x86.W32, sA, sC)

		t := s.gpDef(in.Dest, sA)
		s.b = x86.Movzx(s.b, 8, t, sA)
		s.gpPut(in.Dest, t)
	}
}

func (s *state) fgetState(in *ir.Insn) {
	m := slotMem(s.mxcsr)

	s.b = x86.Stmxcsr(s.b, m)

	t := s.gpDef(in.Dest, sA)
	s.b = x86.Load(s.b, x86.W32, t, m)
	s.b = x86.AluImm(s.b, x86.AND, x86.W32, t, ir.FPStateMask)
	s.gpPut(in.Dest, t)
}

// fsetState replaces the controlled bits keeping the status flags.
func (s *state) fsetState(in *ir.Insn) {
	m := slotMem(s.mxcsr)

	s.b = x86.Stmxcsr(s.b, m)
	s.b = x86.Load(s.b, x86.W32, sA, m)
	s.b = x86.AluImm(s.b, x86.AND, x86.W32, sA, ^ir.FPStateMask&0xffff)

	s.gpInto(in.Src1, sC)
	s.b = x86.AluImm(s.b, x86.AND, x86.W32, sC, ir.FPStateMask)
	s.b = x86.Alu(s.b, x86.OR, x86.W32, sA, sC)

	s.b = x86.Store(s.b, x86.W32, m, sA)
	s.b = x86.Ldmxcsr(s.b, m)
}

func (s *state) vector(in *ir.Insn) {
	d := in.Dest

	switch in.Op {
	case ir.VBUILD2:
		t := s.xDef(d, sX0)
		s.xInto(in.Src1, t)

		x := s.xUse(in.Src2, sX1)
		s.b = x86.Unpcklpd(s.b, t, x)

		s.xPut(d, t)
	case ir.VBROADCAST:
		t := s.xDef(d, sX0)
		s.xInto(in.Src1, t)
		s.b = x86.Unpcklpd(s.b, t, t)

		s.xPut(d, t)
	case ir.VEXTRACT:
		t := s.xDef(d, sX0)

		l := s.locs[in.Src1-1]

		switch {
		case in.Imm == 0:
			s.xInto(in.Src1, t)
		case l.kind == locSlot:
			m := slotMem(l.slot)
			m.Disp += 8

			s.b = x86.LoadF(s.b, x86.Double, t, m)
		default:
			s.b = x86.Movaps(s.b, t, x86.Xmm(l.reg))
			s.b = x86.Unpckhpd(s.b, t, t)
		}

		s.xPut(d, t)
	case ir.VINSERT:
		t := s.xDef(d, sX0)
		s.xInto(in.Src1, t)

		x := s.xUse(in.Src2, sX1)

		if in.Imm == 0 {
			s.b = x86.Movsd(s.b, t, x)
		} else {
			// keep the low lane, take the new high one
			s.b = x86.Unpcklpd(s.b, t, x)
		}

		s.xPut(d, t)
	}
}

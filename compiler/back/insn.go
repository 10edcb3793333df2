package back

import (
	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

var aluOps = map[ir.Op]x86.AluOp{
	ir.ADD: x86.ADD,
	ir.SUB: x86.SUB,
	ir.AND: x86.AND,
	ir.OR:  x86.OR,
	ir.XOR: x86.XOR,

	ir.ADDI: x86.ADD,
	ir.ANDI: x86.AND,
	ir.ORI:  x86.OR,
	ir.XORI: x86.XOR,
}

var shiftOps = map[ir.Op]x86.ShiftOp{
	ir.SLL: x86.SHL,
	ir.SRL: x86.SHR,
	ir.SRA: x86.SAR,
	ir.ROL: x86.ROL,
	ir.ROR: x86.ROR,

	ir.SLLI: x86.SHL,
	ir.SRLI: x86.SHR,
	ir.SRAI: x86.SAR,
	ir.RORI: x86.ROR,
}

var cmpConds = map[ir.Op]x86.Cond{
	ir.SEQ:  x86.CondE,
	ir.SLTU: x86.CondB,
	ir.SLTS: x86.CondL,
	ir.SGTU: x86.CondA,
	ir.SGTS: x86.CondG,

	ir.SEQI:  x86.CondE,
	ir.SLTUI: x86.CondB,
	ir.SLTSI: x86.CondL,
	ir.SGTUI: x86.CondA,
	ir.SGTSI: x86.CondG,
}

// selectInsn emits the host code of one non-branch instruction.
func (s *state) selectInsn(b, i int, in *ir.Insn) error {
	switch in.Op {
	case ir.NOP, ir.LABEL:
	case ir.SET_ALIAS:
		s.pend[in.Alias-1] = in.Src1
	case ir.GET_ALIAS:
		s.getAlias(b, i, in)
	case ir.RETURN:
		s.emitReturn(in)
	case ir.CHAIN:
		return s.emitChain(i, in)
	case ir.CHAIN_RESOLVE:
		return s.emitResolve(i, in)
	case ir.ILLEGAL:
		s.flush()
		s.b = x86.Ud2(s.b)
	case ir.CALL:
		s.call(i, in)
	case ir.LOAD_ARG:
		t := s.gpDef(in.Dest, sA)
		s.b = x86.Load(s.b, wOf(s.typ(in.Dest)), t, slotMem(argSlot(int(in.Imm))))
		s.gpPut(in.Dest, t)
	case ir.MOVE:
		s.copyReg(in.Dest, in.Src1)
	case ir.LOAD_IMM:
		s.loadImm(in)
	case ir.SELECT:
		if s.typ(in.Dest).IsFP() {
			s.selectFP(in)
		} else {
			s.selectInt(in)
		}
	case ir.SCAST, ir.ZCAST, ir.SEXT8, ir.SEXT16:
		s.cast(in)
	case ir.BITCAST:
		s.bitcast(in)

	case ir.ADD, ir.SUB, ir.AND, ir.OR, ir.XOR, ir.MUL, ir.ANDC, ir.ORC:
		s.binary(in)
	case ir.MULHU, ir.MULHS:
		s.mulHigh(in)
	case ir.DIVU, ir.DIVS, ir.MODU, ir.MODS:
		s.div(in)
	case ir.SLL, ir.SRL, ir.SRA, ir.ROL, ir.ROR:
		s.shift(in)
	case ir.NEG, ir.NOT, ir.CLZ, ir.BSWAP:
		s.unary(in)
	case ir.ADDI, ir.ANDI, ir.ORI, ir.XORI, ir.MULI:
		s.binaryImm(in)
	case ir.SLLI, ir.SRLI, ir.SRAI, ir.RORI:
		s.shiftImm(in)
	case ir.SEQ, ir.SLTU, ir.SLTS, ir.SGTU, ir.SGTS,
		ir.SEQI, ir.SLTUI, ir.SLTSI, ir.SGTUI, ir.SGTSI:
		s.compare(in)
	case ir.BFEXT:
		s.bfext(in)
	case ir.BFINS:
		s.bfins(in)

	case ir.LOAD, ir.LOAD_U8, ir.LOAD_S8, ir.LOAD_U16, ir.LOAD_S16,
		ir.LOAD_BR, ir.LOAD_U16_BR, ir.LOAD_S16_BR:
		s.load(in)
	case ir.STORE, ir.STORE_I8, ir.STORE_I16, ir.STORE_BR, ir.STORE_I16_BR:
		s.store(in)

	case ir.FCVT, ir.FSCAST, ir.FROUNDI, ir.FTRUNCI:
		s.fconv(in)
	case ir.FADD, ir.FSUB, ir.FMUL, ir.FDIV, ir.FSQRT:
		s.farith(in)
	case ir.FNEG, ir.FABS:
		s.fsign(in)
	case ir.FMADD:
		s.fmadd(in)
	case ir.FCMP:
		s.fcmp(in)
	case ir.FGETSTATE:
		s.fgetState(in)
	case ir.FSETSTATE:
		s.fsetState(in)
	case ir.VBUILD2, ir.VBROADCAST, ir.VEXTRACT, ir.VINSERT:
		s.vector(in)
	default:
		return s.u.Fatalf("no host code for %v at %d", in.Op, i)
	}

	return nil
}

// call emits a native call. Caller saved registers holding values
// needed afterwards are saved to their slots around it.
func (s *state) call(i int, in *ir.Insn) {
	s.flush()

	s.saveAround(i, true)

	s.gpInto(in.Src1, sA)

	a1, a2 := in.Src2, in.Src3

	switch {
	case a2 != 0 && s.inReg(a1, x86.RSI) && s.inReg(a2, x86.RDI):
		s.b = x86.Mov(s.b, x86.W64, sB, x86.RSI)
		s.b = x86.Mov(s.b, x86.W64, x86.RSI, x86.RDI)
		s.b = x86.Mov(s.b, x86.W64, x86.RDI, sB)
	case a2 != 0 && s.inReg(a2, x86.RDI):
		s.gpInto(a2, x86.RSI)
		s.gpInto(a1, x86.RDI)
	default:
		if a1 != 0 {
			s.gpInto(a1, x86.RDI)
		}

		if a2 != 0 {
			s.gpInto(a2, x86.RSI)
		}
	}

	s.b = x86.CallReg(s.b, sA)

	if d := in.Dest; d != 0 {
		t := s.gpDef(d, sA)
		if t != sA {
			s.b = x86.Mov(s.b, wOf(s.typ(d)), t, sA)
		}

		s.gpPut(d, t)
	}

	s.saveAround(i, false)
}

func (s *state) saveAround(i int, save bool) {
	for r := range s.locs {
		if !s.crosses(ir.Reg(r+1), i) {
			continue
		}

		l := s.locs[r]
		t := s.u.Regs[r].Type
		m := slotMem(l.slot)

		switch {
		case l.kind == locXmm && save:
			s.b = x86.StoreF(s.b, kindOf(t), m, x86.Xmm(l.reg))
		case l.kind == locXmm:
			s.b = x86.LoadF(s.b, kindOf(t), x86.Xmm(l.reg), m)
		case save:
			s.b = x86.Store(s.b, x86.W64, m, x86.Reg(l.reg))
		default:
			s.b = x86.Load(s.b, x86.W64, x86.Reg(l.reg), m)
		}
	}
}

func (s *state) inReg(r ir.Reg, h x86.Reg) bool {
	if r == 0 {
		return false
	}

	l := s.locs[r-1]

	return l.kind == locGP && x86.Reg(l.reg) == h
}

func (s *state) loadImm(in *ir.Insn) {
	d := in.Dest
	t := s.typ(d)

	if !t.IsFP() {
		g := s.gpDef(d, sA)
		s.b = x86.MovImm(s.b, wOf(t), g, in.Imm)
		s.gpPut(d, g)

		return
	}

	x := s.xDef(d, sX0)

	if in.Imm == 0 {
		s.b = x86.Xorpd(s.b, x, x)
	} else {
		w := x86.W(t == ir.Float64)

		s.b = x86.MovImm(s.b, w, sA, in.Imm)
		s.b = x86.MovToXmm(s.b, w, x, sA)
	}

	s.xPut(d, x)
}

func (s *state) selectInt(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	t := s.gpDef(d, sA)
	s.gpInto(in.Src2, t)

	c := s.gpUse(in.Src3, sC)
	a := s.gpUse(in.Src1, sD)

	s.b = x86.Test(s.b, wOf(s.typ(in.Src3)), c, c)
	s.b = x86.Cmov(s.b, x86.CondNE, w, t, a)

	s.gpPut(d, t)
}

func (s *state) cast(in *ir.Insn) {
	d := in.Dest
	td, ts := s.typ(d), s.typ(in.Src1)

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	switch {
	case in.Op == ir.SEXT8:
		s.b = x86.Movsx(s.b, wOf(td), 8, t, a)
	case in.Op == ir.SEXT16:
		s.b = x86.Movsx(s.b, wOf(td), 16, t, a)
	case in.Op == ir.SCAST && ts == ir.Int32 && td != ir.Int32:
		s.b = x86.Movsx(s.b, x86.W64, 32, t, a)
	case ts == ir.Int32 || td == ir.Int32:
		s.b = x86.Mov(s.b, x86.W32, t, a)
	default:
		s.b = x86.Mov(s.b, x86.W64, t, a)
	}

	s.gpPut(d, t)
}

func (s *state) bitcast(in *ir.Insn) {
	d := in.Dest
	td, ts := s.typ(d), s.typ(in.Src1)
	w := x86.W(td.Size() == 8)

	switch {
	case td.IsFP() && ts.IsFP(), !td.IsFP() && !ts.IsFP():
		s.copyReg(d, in.Src1)
	case td.IsFP():
		a := s.gpUse(in.Src1, sA)
		x := s.xDef(d, sX0)

		s.b = x86.MovToXmm(s.b, w, x, a)
		s.xPut(d, x)
	default:
		a := s.xUse(in.Src1, sX0)
		t := s.gpDef(d, sA)

		s.b = x86.MovFromXmm(s.b, w, t, a)
		s.gpPut(d, t)
	}
}

func (s *state) binary(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)
	x := s.gpUse(in.Src2, sC)

	switch in.Op {
	case ir.MUL:
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Imul(s.b, w, t, x)
	case ir.ANDC, ir.ORC:
		op := x86.AND
		if in.Op == ir.ORC {
			op = x86.OR
		}

		s.b = x86.Mov(s.b, w, t, x)
		s.b = x86.Unary(s.b, x86.NOT, w, t)
		s.b = x86.Alu(s.b, op, w, t, a)
	default:
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Alu(s.b, aluOps[in.Op], w, t, x)
	}

	s.gpPut(d, t)
}

// mulHigh computes the upper half of the double width product.
func (s *state) mulHigh(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	s.gpInto(in.Src1, sA)
	x := s.gpUse(in.Src2, sC)

	op := x86.MUL
	if in.Op == ir.MULHS {
		op = x86.IMUL
	}

	s.b = x86.Unary(s.b, op, w, x)

	s.result(d, w, sD)
}

// div guards the host division: a zero divisor gives zero
// and the most negative value divided by -1 gives itself
// with a zero remainder.
func (s *state) div(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	signed := in.Op == ir.DIVS || in.Op == ir.MODS
	mod := in.Op == ir.MODU || in.Op == ir.MODS

	res := sA
	if mod {
		res = sD
	}

	s.gpInto(in.Src1, sA)
	x := s.gpUse(in.Src2, sC)

	var zero, neg, done1, done2 int

	s.b = x86.Test(s.b, w, x, x)
	s.b, zero = x86.Jcc(s.b, x86.CondE)

	if signed {
		s.b = x86.AluImm(s.b, x86.CMP, w, x, -1)
		s.b, neg = x86.Jcc(s.b, x86.CondE)

		s.b = x86.Cdq(s.b, w)
		s.b = x86.Unary(s.b, x86.IDIV, w, x)
	} else {
		s.b = x86.Alu(s.b, x86.XOR, x86.W32, sD, sD)
		s.b = x86.Unary(s.b, x86.DIV, w, x)
	}

	s.b, done1 = x86.Jmp(s.b)

	if signed {
		x86.PatchRel32(s.b, neg, len(s.b))

		if mod {
			s.b = x86.Alu(s.b, x86.XOR, x86.W32, sD, sD)
		} else {
			s.b = x86.Unary(s.b, x86.NEG, w, sA)
		}

		s.b, done2 = x86.Jmp(s.b)
	}

	x86.PatchRel32(s.b, zero, len(s.b))
	s.b = x86.Alu(s.b, x86.XOR, x86.W32, res, res)

	x86.PatchRel32(s.b, done1, len(s.b))

	if signed {
		x86.PatchRel32(s.b, done2, len(s.b))
	}

	s.result(d, w, res)
}

// result moves a value computed in a fixed register to d.
func (s *state) result(d ir.Reg, w x86.W, h x86.Reg) {
	t := s.gpDef(d, h)
	if t != h {
		s.b = x86.Mov(s.b, w, t, h)
	}

	s.gpPut(d, t)
}

func (s *state) shift(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	s.gpInto(in.Src2, sC)

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	s.b = x86.Mov(s.b, w, t, a)
	s.b = x86.Shift(s.b, shiftOps[in.Op], w, t)

	s.gpPut(d, t)
}

func (s *state) unary(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	switch in.Op {
	case ir.NEG, ir.NOT:
		op := x86.NEG
		if in.Op == ir.NOT {
			op = x86.NOT
		}

		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Unary(s.b, op, w, t)
	case ir.BSWAP:
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Bswap(s.b, w, t)
	case ir.CLZ:
		bits := int64(32)
		if w {
			bits = 64
		}

		// (2*bits-1) ^ (bits-1) == bits for a zero source
		s.b = x86.MovImm(s.b, x86.W32, sC, 2*bits-1)
		s.b = x86.Bsr(s.b, w, t, a)
		s.b = x86.Cmov(s.b, x86.CondE, w, t, sC)
		s.b = x86.AluImm(s.b, x86.XOR, w, t, int32(bits-1))
	}

	s.gpPut(d, t)
}

// imm returns the immediate of in as a sign extended 32-bit value
// for w wide operations, or false if it does not fit.
func imm(w x86.W, v int64) (int32, bool) {
	if !w {
		return int32(v), true
	}

	return int32(v), x86.FitsInt32(v)
}

func (s *state) binaryImm(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	v, ok := imm(w, in.Imm)

	switch {
	case in.Op == ir.MULI && ok:
		s.b = x86.ImulImm(s.b, w, t, a, v)
	case in.Op == ir.MULI:
		s.b = x86.MovImm(s.b, w, sC, in.Imm)
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Imul(s.b, w, t, sC)
	case ok:
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.AluImm(s.b, aluOps[in.Op], w, t, v)
	default:
		s.b = x86.MovImm(s.b, w, sC, in.Imm)
		s.b = x86.Mov(s.b, w, t, a)
		s.b = x86.Alu(s.b, aluOps[in.Op], w, t, sC)
	}

	s.gpPut(d, t)
}

func (s *state) shiftImm(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	n := uint8(in.Imm & 31)
	if w {
		n = uint8(in.Imm & 63)
	}

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	s.b = x86.Mov(s.b, w, t, a)

	if n != 0 {
		s.b = x86.ShiftImm(s.b, shiftOps[in.Op], w, t, n)
	}

	s.gpPut(d, t)
}

func (s *state) compare(in *ir.Insn) {
	w := wOf(s.typ(in.Src1))
	a := s.gpUse(in.Src1, sD)

	switch in.Op {
	case ir.SEQ, ir.SLTU, ir.SLTS, ir.SGTU, ir.SGTS:
		x := s.gpUse(in.Src2, sC)
		s.b = x86.Alu(s.b, x86.CMP, w, a, x)
	default:
		v, ok := imm(w, in.Imm)
		if ok {
			s.b = x86.AluImm(s.b, x86.CMP, w, a, v)
		} else {
			s.b = x86.MovImm(s.b, w, sC, in.Imm)
			s.b = x86.Alu(s.b, x86.CMP, w, a, sC)
		}
	}

	s.setcc(in.Dest, cmpConds[in.Op])
}

// setcc materializes condition c as 0 or 1 in d.
func (s *state) setcc(d ir.Reg, c x86.Cond) {
	s.b = x86.Setcc(s.b, c, sA)

	t := s.gpDef(d, sA)
	s.b = x86.Movzx(s.b, 8, t, sA)
	s.gpPut(d, t)
}

func (s *state) bfext(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	bits := uint8(32)
	if w {
		bits = 64
	}

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	s.b = x86.Mov(s.b, w, t, a)

	if n := bits - in.Start - in.Count; n != 0 {
		s.b = x86.ShiftImm(s.b, x86.SHL, w, t, n)
	}

	if n := bits - in.Count; n != 0 {
		s.b = x86.ShiftImm(s.b, x86.SHR, w, t, n)
	}

	s.gpPut(d, t)
}

func (s *state) bfins(in *ir.Insn) {
	d := in.Dest
	w := wOf(s.typ(d))

	m := uint64(1)<<in.Count - 1
	if in.Count >= 64 {
		m = ^uint64(0)
	}

	m <<= in.Start

	x := s.gpUse(in.Src2, sC)
	s.b = x86.Mov(s.b, w, sB, x)

	if in.Start != 0 {
		s.b = x86.ShiftImm(s.b, x86.SHL, w, sB, in.Start)
	}

	s.b = x86.MovImm(s.b, w, sC, int64(m))
	s.b = x86.Alu(s.b, x86.AND, w, sB, sC)

	t := s.gpDef(d, sA)
	a := s.gpUse(in.Src1, sD)

	s.b = x86.Mov(s.b, w, t, a)
	s.b = x86.MovImm(s.b, w, sC, int64(^m))
	s.b = x86.Alu(s.b, x86.AND, w, t, sC)
	s.b = x86.Alu(s.b, x86.OR, w, t, sB)

	s.gpPut(d, t)
}

func (s *state) load(in *ir.Insn) {
	d := in.Dest
	td := s.typ(d)
	w := wOf(td)

	base := s.gpUse(in.Src1, sB)
	m := x86.Mem{Base: base, Disp: int32(in.Imm)}

	if td.IsFP() {
		x := s.xDef(d, sX0)
		s.b = x86.LoadF(s.b, kindOf(td), x, m)
		s.xPut(d, x)

		return
	}

	t := s.gpDef(d, sA)

	switch in.Op {
	case ir.LOAD:
		s.b = x86.Load(s.b, w, t, m)
	case ir.LOAD_U8:
		s.b = x86.MovzxLoad(s.b, 8, t, m)
	case ir.LOAD_U16:
		s.b = x86.MovzxLoad(s.b, 16, t, m)
	case ir.LOAD_S8:
		s.b = x86.MovsxLoad(s.b, w, 8, t, m)
	case ir.LOAD_S16:
		s.b = x86.MovsxLoad(s.b, w, 16, t, m)
	case ir.LOAD_BR:
		s.b = x86.Load(s.b, w, t, m)
		s.b = x86.Bswap(s.b, w, t)
	case ir.LOAD_U16_BR, ir.LOAD_S16_BR:
		op := x86.SHR
		if in.Op == ir.LOAD_S16_BR {
			op = x86.SAR
		}

		s.b = x86.MovzxLoad(s.b, 16, t, m)
		s.b = x86.Bswap(s.b, x86.W32, t)
		s.b = x86.ShiftImm(s.b, op, x86.W32, t, 16)

		if in.Op == ir.LOAD_S16_BR && w {
			s.b = x86.Movsx(s.b, x86.W64, 32, t, t)
		}
	}

	s.gpPut(d, t)
}

func (s *state) store(in *ir.Insn) {
	tv := s.typ(in.Src2)

	base := s.gpUse(in.Src1, sB)
	m := x86.Mem{Base: base, Disp: int32(in.Imm)}

	if tv.IsFP() {
		x := s.xUse(in.Src2, sX0)
		s.b = x86.StoreF(s.b, kindOf(tv), m, x)

		return
	}

	w := wOf(tv)

	switch in.Op {
	case ir.STORE:
		v := s.gpUse(in.Src2, sA)
		s.b = x86.Store(s.b, w, m, v)
	case ir.STORE_I8:
		v := s.gpUse(in.Src2, sA)
		s.b = x86.Store8(s.b, m, v)
	case ir.STORE_I16:
		v := s.gpUse(in.Src2, sA)
		s.b = x86.Store16(s.b, m, v)
	case ir.STORE_BR:
		s.gpInto(in.Src2, sA)
		s.b = x86.Bswap(s.b, w, sA)
		s.b = x86.Store(s.b, w, m, sA)
	case ir.STORE_I16_BR:
		s.gpInto(in.Src2, sA)
		s.b = x86.Bswap(s.b, x86.W32, sA)
		s.b = x86.ShiftImm(s.b, x86.SHR, x86.W32, sA, 16)
		s.b = x86.Store16(s.b, m, sA)
	}
}

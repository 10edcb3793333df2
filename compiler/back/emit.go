package back

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/ir"
)

const (
	initialCode  = 256
	bytesPerInsn = 16

	// itemBytes bounds one move, load or store including a base reload.
	itemBytes = 24
)

// emit generates the code of all live blocks in order.
func (s *state) emit(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "back: emit", "blocks", len(s.u.Blocks))
	defer tr.Finish("err", &err)

	u := s.u

	size := initialCode + bytesPerInsn*len(u.Insns)

	s.b, err = s.env.Code.AllocCode(size)
	if err != nil {
		s.env.Errorf("Failed to allocate code buffer of %d bytes", size)
		return errors.Wrap(err, "code buffer")
	}

	s.b = s.b[:0]

	err = s.need(32 + 2*len(s.saved) + 8*s.nargs)
	if err != nil {
		return err
	}

	s.prologue()

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		s.starts[b] = len(s.b)

		err = s.block(b, blk)

		return err == nil
	})

	if err != nil {
		return err
	}

	for _, f := range s.fixes {
		x86.PatchRel32(s.b, f.at, s.starts[f.target])
	}

	err = s.linkChains()
	if err != nil {
		return err
	}

	if tr.If("dump_code") {
		tr.Printw("code", "bytes", len(s.b), "fixes", len(s.fixes), "chains", s.chains)
	}

	return nil
}

func (s *state) block(b int, blk *ir.Block) (err error) {
	u := s.u

	for i := blk.First; i <= blk.Last; i++ {
		in := &u.Insns[i]

		if i == blk.Last && in.Op.IsBranch() {
			break
		}

		err = s.insn(b, i, in)
		if err != nil {
			return err
		}
	}

	last := &u.Insns[blk.Last]

	if !last.Op.IsBranch() && last.Op.IsTerminator() {
		return nil
	}

	err = s.exit(b, blk, last)
	if err != nil {
		return err
	}

	return s.bad
}

// insn emits one instruction within its size budget.
func (s *state) insn(b, i int, in *ir.Insn) (err error) {
	budget := s.budget(in)

	err = s.need(budget)
	if err != nil {
		return err
	}

	start := len(s.b)

	err = s.selectInsn(b, i, in)
	if err != nil {
		return err
	}

	if s.bad != nil {
		return s.bad
	}

	if n := len(s.b) - start; n > budget {
		return s.u.Fatalf("%v at %d: %d bytes of host code exceed the budget of %d", in.Op, i, n, budget)
	}

	return nil
}

func (s *state) budget(in *ir.Insn) int {
	switch in.Op {
	case ir.NOP, ir.LABEL, ir.SET_ALIAS:
		return 0
	case ir.CALL:
		return 64 + itemBytes*(s.pending()+2*s.nlocs()+4)
	case ir.RETURN, ir.CHAIN, ir.ILLEGAL:
		return 64 + itemBytes*s.pending() + 8*s.nargs + s.epilogueSize()
	case ir.DIVU, ir.DIVS, ir.MODU, ir.MODS, ir.BFINS, ir.FCMP, ir.FSETSTATE, ir.FMADD:
		return 128
	default:
		return 96
	}
}

func (s *state) need(n int) error {
	if cap(s.b)-len(s.b) >= n {
		return nil
	}

	size := 2 * cap(s.b)
	if size < len(s.b)+n {
		size = len(s.b) + n
	}

	b, err := s.env.Code.ReallocCode(s.b, size)
	if err != nil {
		s.env.Errorf("Failed to extend code buffer to %d bytes", size)
		return errors.Wrap(err, "code buffer")
	}

	s.b = b

	return nil
}

func (s *state) pending() (n int) {
	for _, r := range s.pend {
		if r != 0 {
			n++
		}
	}

	return n
}

// nlocs is the number of registers which may need saving around a call.
func (s *state) nlocs() int {
	return len(gpPool) + len(xmmPool)
}

func wOf(t ir.Type) x86.W { return t != ir.Int32 }

func kindOf(t ir.Type) x86.Kind {
	switch t {
	case ir.Float32:
		return x86.Single
	case ir.Float64:
		return x86.Double
	default:
		return x86.Packed
	}
}

func (s *state) typ(r ir.Reg) ir.Type { return s.u.Reg(r).Type }

// gpUse returns the host register holding r,
// loading r into scratch if it lives in a slot.
func (s *state) gpUse(r ir.Reg, scratch x86.Reg) x86.Reg {
	l := s.locs[r-1]
	if l.kind == locGP {
		return x86.Reg(l.reg)
	}

	if !s.located(r) {
		return scratch
	}

	s.b = x86.Load(s.b, wOf(s.typ(r)), scratch, slotMem(l.slot))

	return scratch
}

// gpDef returns the host register to compute r in.
// A spilled r is computed in scratch and stored with gpPut.
func (s *state) gpDef(r ir.Reg, scratch x86.Reg) x86.Reg {
	if l := s.locs[r-1]; l.kind == locGP {
		return x86.Reg(l.reg)
	}

	return scratch
}

func (s *state) gpPut(r ir.Reg, t x86.Reg) {
	if l := s.locs[r-1]; l.kind == locSlot {
		s.b = x86.Store(s.b, wOf(s.typ(r)), slotMem(l.slot), t)
	}
}

// gpInto copies r into the host register t.
func (s *state) gpInto(r ir.Reg, t x86.Reg) {
	l := s.locs[r-1]

	switch {
	case !s.located(r):
	case l.kind == locGP && x86.Reg(l.reg) == t:
	case l.kind == locGP:
		s.b = x86.Mov(s.b, wOf(s.typ(r)), t, x86.Reg(l.reg))
	default:
		s.b = x86.Load(s.b, wOf(s.typ(r)), t, slotMem(l.slot))
	}
}

func (s *state) xUse(r ir.Reg, scratch x86.Xmm) x86.Xmm {
	l := s.locs[r-1]
	if l.kind == locXmm {
		return x86.Xmm(l.reg)
	}

	if !s.located(r) {
		return scratch
	}

	s.b = x86.LoadF(s.b, kindOf(s.typ(r)), scratch, slotMem(l.slot))

	return scratch
}

func (s *state) xDef(r ir.Reg, scratch x86.Xmm) x86.Xmm {
	if l := s.locs[r-1]; l.kind == locXmm {
		return x86.Xmm(l.reg)
	}

	return scratch
}

func (s *state) xPut(r ir.Reg, t x86.Xmm) {
	if l := s.locs[r-1]; l.kind == locSlot {
		s.b = x86.StoreF(s.b, kindOf(s.typ(r)), slotMem(l.slot), t)
	}
}

func (s *state) xInto(r ir.Reg, t x86.Xmm) {
	l := s.locs[r-1]

	switch {
	case !s.located(r):
	case l.kind == locXmm && x86.Xmm(l.reg) == t:
	case l.kind == locXmm:
		s.b = x86.Movaps(s.b, t, x86.Xmm(l.reg))
	default:
		s.b = x86.LoadF(s.b, kindOf(s.typ(r)), t, slotMem(l.slot))
	}
}

// located reports whether r has a host location.
// The first use of a register without one is recorded as an internal error.
func (s *state) located(r ir.Reg) bool {
	if s.locs[r-1].kind != locNone {
		return true
	}

	if s.bad == nil {
		s.bad = s.u.Fatalf("r%d used without a host location (birth %d)", r, s.u.Reg(r).Birth)
	}

	return false
}

// moveToReg copies an integer register to a fixed host register.
func (s *state) moveToReg(r ir.Reg, t x86.Reg) {
	s.gpInto(r, t)
}

// copyReg is d = src for any type.
func (s *state) copyReg(d, src ir.Reg) {
	if s.typ(d).IsFP() {
		x := s.xDef(d, sX0)
		s.xInto(src, x)
		s.xPut(d, x)

		return
	}

	g := s.gpDef(d, sA)
	s.gpInto(src, g)
	s.gpPut(d, g)
}

// homeMem is where alias a lives between blocks.
// The base of a bound alias is reloaded into sB if it was spilled.
func (s *state) homeMem(a ir.Alias) x86.Mem {
	ai := s.u.Alias(a)

	if !ai.Storage.Bound {
		return slotMem(s.home[a-1])
	}

	base := s.gpUse(ai.Storage.Base, sB)

	return x86.Mem{Base: base, Disp: ai.Storage.Offset}
}

// storeReg stores r of type t to m.
func (s *state) storeReg(t ir.Type, m x86.Mem, r ir.Reg) {
	if t.IsFP() {
		x := s.xUse(r, sX0)
		s.b = x86.StoreF(s.b, kindOf(t), m, x)

		return
	}

	g := s.gpUse(r, sA)
	s.b = x86.Store(s.b, wOf(t), m, g)
}

// flush makes the home storage of every alias current.
func (s *state) flush() {
	for a, r := range s.pend {
		if r == 0 {
			continue
		}

		alias := ir.Alias(a + 1)

		m := s.homeMem(alias)
		s.storeReg(s.u.Alias(alias).Type, m, r)

		s.pend[a] = 0
	}
}

func (s *state) getAlias(b, i int, in *ir.Insn) {
	d := in.Dest
	t := s.u.Alias(in.Alias).Type

	if r := s.pend[in.Alias-1]; r != 0 {
		s.copyReg(d, r)
		return
	}

	for _, bd := range s.bindings(b) {
		if bd.get != i {
			continue
		}

		if bd.xmm {
			x := s.xDef(d, x86.Xmm(bd.reg))
			if x != x86.Xmm(bd.reg) {
				s.b = x86.Movaps(s.b, x, x86.Xmm(bd.reg))
			}

			s.xPut(d, x)

			return
		}

		g := s.gpDef(d, x86.Reg(bd.reg))
		if g != x86.Reg(bd.reg) {
			s.b = x86.Mov(s.b, x86.W64, g, x86.Reg(bd.reg))
		}

		s.gpPut(d, g)

		return
	}

	if t.IsFP() {
		x := s.xDef(d, sX0)
		m := s.homeMem(in.Alias)
		s.b = x86.LoadF(s.b, kindOf(t), x, m)
		s.xPut(d, x)

		return
	}

	g := s.gpDef(d, sA)
	m := s.homeMem(in.Alias)
	s.b = x86.Load(s.b, wOf(t), g, m)
	s.gpPut(d, g)
}

func reserve[T any](s *state, x []T, n int, what string) ([]T, error) {
	return env.Reserve(s.env, x, n, 4, what)
}

package back

import (
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	// move loads an entry binding on a block edge.
	move struct {
		dst uint8
		xmm bool

		src   loc      // register or slot of the pending value
		alias ir.Alias // or the alias home if src is none
	}
)

const maxMoves = len(gpPool) + len(xmmPool)

// exit leaves block b: home storage is made current,
// the bindings of the successors are loaded and control is transferred.
func (s *state) exit(b int, blk *ir.Block, last *ir.Insn) (err error) {
	u := s.u

	budget := 64 + itemBytes*(s.pending()+4*maxMoves)

	err = s.need(budget)
	if err != nil {
		return err
	}

	start := len(s.b)

	switch {
	case last.Op.IsCondBranch():
		err = s.branch(blk, last, u.Labels[last.Label-1].Block)
	case last.Op == ir.GOTO:
		err = s.jump(blk, u.Labels[last.Label-1].Block)
	case blk.Next < 0:
		// fell off the end
		s.flush()
		s.b = x86.Alu(s.b, x86.XOR, x86.W32, sA, sA)
		s.epilogue()
		s.b = x86.Ret(s.b)
	default:
		err = s.jump(blk, blk.Next)
	}

	if err != nil {
		return err
	}

	if n := len(s.b) - start; n > budget {
		return u.Fatalf("exit of block %d: %d bytes of host code exceed the budget of %d", b, n, budget)
	}

	return nil
}

func (s *state) jump(blk *ir.Block, target int) error {
	ms := s.edge(target, s.mbuf[0][:0])

	s.flush()
	s.parallel(ms)

	if target == blk.Next {
		return nil
	}

	return s.jmp(target)
}

// branch emits a conditional branch to taken falling through to the next block.
//
// Bindings of the taken edge are loaded before the jump when that is
// harmless for the fall through path. Otherwise the polarity is flipped
// and they are loaded on the taken path only.
func (s *state) branch(blk *ir.Block, last *ir.Insn, taken int) error {
	fall := blk.Next

	if taken == fall {
		return s.jump(blk, taken)
	}

	tm := s.edge(taken, s.mbuf[0][:0])

	var fm []move
	if fall >= 0 {
		fm = s.edge(fall, s.mbuf[1][:0])
	}

	s.flush()

	c := s.gpUse(last.Src1, sA)
	s.b = x86.Test(s.b, wOf(s.typ(last.Src1)), c, c)

	cond := x86.CondNE
	if last.Op == ir.GOTO_IF_Z {
		cond = x86.CondE
	}

	switch {
	case len(tm) == 0 || !s.conflict(tm, fm, fall):
		s.parallel(tm)

		err := s.jcc(cond, taken)
		if err != nil {
			return err
		}
	default:
		tlog.V("branch").Printw("branch flipped", "op", last.Op.String(), "taken", taken, "fall", fall)

		var over int
		s.b, over = x86.Jcc(s.b, cond.Not())

		s.parallel(tm)

		err := s.jmp(taken)
		if err != nil {
			return err
		}

		x86.PatchRel32(s.b, over, len(s.b))
	}

	if fall < 0 {
		s.b = x86.Alu(s.b, x86.XOR, x86.W32, sA, sA)
		s.epilogue()
		s.b = x86.Ret(s.b)

		return nil
	}

	s.parallel(fm)

	return nil
}

// conflict reports whether loading the taken bindings
// would clobber something the fall through path needs.
func (s *state) conflict(tm, fm []move, fall int) bool {
	if fall < 0 {
		return false
	}

	first := s.u.Blocks[fall].First

	for _, m := range tm {
		for _, f := range fm {
			if s.reads(f, m.dst, m.xmm) {
				return true
			}
		}

		if s.liveIn(m.dst, m.xmm, first) {
			return true
		}
	}

	return false
}

func (s *state) reads(m move, reg uint8, xmm bool) bool {
	switch m.src.kind {
	case locGP:
		return !xmm && m.src.reg == reg
	case locXmm:
		return xmm && m.src.reg == reg
	}

	return false
}

// liveIn reports whether a register allocated to reg is live at first.
func (s *state) liveIn(reg uint8, xmm bool, first int) bool {
	kind := locGP
	if xmm {
		kind = locXmm
	}

	for r, l := range s.locs {
		if l.kind != kind || l.reg != reg {
			continue
		}

		if b := s.u.Regs[r].Birth; b >= 0 && b < first && s.ends[r] >= first {
			return true
		}
	}

	return false
}

// edge collects the moves loading the bindings of target.
func (s *state) edge(target int, ms []move) []move {
	for _, bd := range s.bindings(target) {
		m := move{dst: bd.reg, xmm: bd.xmm, alias: bd.alias}

		if r := s.pend[bd.alias-1]; r != 0 {
			m.src = s.locs[r-1]
		}

		ms = append(ms, m)
	}

	return ms
}

// parallel performs moves as if all of them happened at once.
// Register sources go first, so memory loads cannot clobber them.
func (s *state) parallel(ms []move) {
	var rm [maxMoves]move

	k := 0

	for _, m := range ms {
		if m.src.kind != locGP && m.src.kind != locXmm || m.src.reg == m.dst {
			continue
		}

		rm[k] = m
		k++
	}

	for k != 0 {
		progress := false

		for j := 0; j < k; j++ {
			if s.blocked(rm[:k], j) {
				continue
			}

			s.regMove(rm[j].xmm, rm[j].dst, rm[j].src.reg)

			rm[j] = rm[k-1]
			k--
			j--

			progress = true
		}

		if progress {
			continue
		}

		// a cycle: park the value of one destination in a scratch register
		m := rm[0]

		scratch := uint8(sB)
		if m.xmm {
			scratch = uint8(sX0)
		}

		s.regMove(m.xmm, scratch, m.dst)

		for j := range rm[:k] {
			if rm[j].xmm == m.xmm && rm[j].src.reg == m.dst {
				rm[j].src.reg = scratch
			}
		}
	}

	for _, m := range ms {
		switch m.src.kind {
		case locGP, locXmm:
		case locSlot:
			s.loadBinding(m, slotMem(m.src.slot))
		default:
			s.loadBinding(m, s.homeMem(m.alias))
		}
	}
}

func (s *state) blocked(rm []move, j int) bool {
	for o := range rm {
		if o != j && rm[o].xmm == rm[j].xmm && rm[o].src.reg == rm[j].dst {
			return true
		}
	}

	return false
}

func (s *state) regMove(xmm bool, dst, src uint8) {
	if xmm {
		s.b = x86.Movaps(s.b, x86.Xmm(dst), x86.Xmm(src))
		return
	}

	s.b = x86.Mov(s.b, x86.W64, x86.Reg(dst), x86.Reg(src))
}

func (s *state) loadBinding(m move, mem x86.Mem) {
	t := s.u.Alias(m.alias).Type

	if m.xmm {
		s.b = x86.LoadF(s.b, kindOf(t), x86.Xmm(m.dst), mem)
		return
	}

	s.b = x86.Load(s.b, wOf(t), x86.Reg(m.dst), mem)
}

func (s *state) jmp(target int) (err error) {
	var at int
	s.b, at = x86.Jmp(s.b)

	s.fixes, err = reserve(s, s.fixes, 1, "jump fixup")
	if err != nil {
		return err
	}

	s.fixes = append(s.fixes, fixup{at: at, target: target})

	return nil
}

func (s *state) jcc(c x86.Cond, target int) (err error) {
	var at int
	s.b, at = x86.Jcc(s.b, c)

	s.fixes, err = reserve(s, s.fixes, 1, "jump fixup")
	if err != nil {
		return err
	}

	s.fixes = append(s.fixes, fixup{at: at, target: target})

	return nil
}

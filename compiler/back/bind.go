package back

import (
	"context"

	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	// binding delivers an alias value in a host register
	// on entry to a merge block. Every predecessor loads it
	// before jumping in; it is consumed by the first GET_ALIAS.
	binding struct {
		alias ir.Alias
		get   int // first GET_ALIAS of the alias in the block
		reg   uint8
		xmm   bool
	}
)

// bindEntries chooses entry bindings for blocks with several predecessors.
//
// A register is chosen only if no interval allocated to it overlaps
// the block start up to the consuming GET, and nothing in it is live
// out of a predecessor. The choice only depends on the allocation,
// never on the order code is emitted in.
func (s *state) bindEntries(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "back: entry bindings")
	defer tr.Finish("err", &err)

	u := s.u
	first := true

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		s.bindAt[b] = int32(len(s.binds))

		if first || len(blk.Entries) < 2 {
			first = false
			return true
		}

		for i := blk.First; i <= blk.Last && err == nil; i++ {
			in := &u.Insns[i]

			if in.Op != ir.GET_ALIAS || !s.readFirst(blk, i, in.Alias) {
				continue
			}

			reg, xmm, ok := s.pickBinding(b, blk, i, in)
			if !ok {
				continue
			}

			s.binds, err = reserve(s, s.binds, 1, "entry binding")
			if err != nil {
				return false
			}

			s.binds = append(s.binds, binding{alias: in.Alias, get: i, reg: reg, xmm: xmm})

			tr.V("bind").Printw("entry binding", "block", b, "alias", in.Alias, "get", i, "reg", hostName(reg, xmm))
		}

		return err == nil
	})

	if err != nil {
		return err
	}

	s.bindAt[len(u.Blocks)] = int32(len(s.binds))

	// blocks after a dropped one keep their start index
	for b := len(u.Blocks) - 1; b >= 0; b-- {
		if u.Blocks[b].Dropped {
			s.bindAt[b] = s.bindAt[b+1]
		}
	}

	tr.Printw("bindings", "n", len(s.binds))

	return nil
}

// readFirst reports whether the GET at g is the first access to a in blk.
func (s *state) readFirst(blk *ir.Block, g int, a ir.Alias) bool {
	u := s.u

	for i := blk.First; i < g; i++ {
		in := &u.Insns[i]

		if (in.Op == ir.GET_ALIAS || in.Op == ir.SET_ALIAS) && in.Alias == a {
			return false
		}
	}

	return true
}

func (s *state) pickBinding(b int, blk *ir.Block, g int, in *ir.Insn) (reg uint8, xmm bool, ok bool) {
	u := s.u
	ai := u.Alias(in.Alias)

	call := false

	for i := blk.First; i < g; i++ {
		if u.Insns[i].Op == ir.CALL {
			call = true
		}
	}

	if ai.Storage.Bound {
		// a call may change the guest state
		if call {
			return 0, false, false
		}

		base := u.Reg(ai.Storage.Base).Birth
		if base < 0 || base >= blk.First {
			return 0, false, false
		}

		for _, p := range blk.Entries {
			if base >= u.Blocks[p].Last {
				return 0, false, false
			}
		}
	}

	xmm = ai.Type.IsFP()
	if xmm && call {
		return 0, false, false
	}

	// the GET destination register costs nothing
	if l := s.locs[in.Dest-1]; l.kind == locGP && !xmm || l.kind == locXmm && xmm {
		if s.bindable(b, blk, g, in.Dest, l.reg, xmm, call) {
			return l.reg, xmm, true
		}
	}

	if xmm {
		for _, x := range xmmPool {
			if s.bindable(b, blk, g, in.Dest, uint8(x), true, false) {
				return uint8(x), true, true
			}
		}

		return 0, false, false
	}

	for _, r := range gpPool {
		if s.bindable(b, blk, g, in.Dest, uint8(r), false, call) {
			return uint8(r), false, true
		}
	}

	return 0, false, false
}

func (s *state) bindable(b int, blk *ir.Block, g int, dest ir.Reg, reg uint8, xmm, call bool) bool {
	u := s.u

	if call && (xmm || !x86.Reg(reg).IsCalleeSaved()) {
		return false
	}

	for _, bd := range s.binds[s.bindAt[b]:] {
		if bd.reg == reg && bd.xmm == xmm {
			return false
		}
	}

	kind := locGP
	if xmm {
		kind = locXmm
	}

	for r := range s.locs {
		l := s.locs[r]

		if l.kind != kind || l.reg != reg || ir.Reg(r+1) == dest {
			continue
		}

		start, end := u.Regs[r].Birth, s.ends[r]

		if start <= g && end >= blk.First {
			return false
		}

		for _, p := range blk.Entries {
			last := u.Blocks[p].Last

			if start <= last && end > last {
				return false
			}
		}
	}

	return true
}

// bindings returns the entry bindings of block b.
func (s *state) bindings(b int) []binding {
	if len(s.binds) == 0 {
		return nil
	}

	return s.binds[s.bindAt[b]:s.bindAt[b+1]]
}

func hostName(reg uint8, xmm bool) string {
	if xmm {
		return x86.Xmm(reg).String()
	}

	return x86.Reg(reg).String()
}

func (bd binding) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 3)
	b = e.AppendKey(b, "alias")
	b = bd.alias.TlogAppend(b)
	b = e.AppendKeyInt(b, "get", bd.get)
	b = e.AppendKey(b, "reg")
	b = e.AppendString(b, hostName(bd.reg, bd.xmm))

	return b
}

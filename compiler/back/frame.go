package back

import (
	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

// Frame layout, from rsp up:
//
//	incoming arguments
//	FP state scratch
//	homes of unbound aliases
//	spill and call save slots
//	callee saved registers
//	rbp
//	return address

// layout reserves the fixed frame slots.
func (s *state) layout() {
	u := s.u

	s.nargs = s.opts.Args
	fpstate := false

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			in := &u.Insns[i]

			switch in.Op {
			case ir.LOAD_ARG:
				if n := int(in.Imm) + 1; n > s.nargs {
					s.nargs = n
				}
			case ir.FGETSTATE, ir.FSETSTATE:
				fpstate = true
			}
		}

		return true
	})

	if s.nargs > len(x86.Args) {
		s.nargs = len(x86.Args)
	}

	s.nslots = s.nargs

	if fpstate {
		s.mxcsr = s.newSlot(ir.Int32)
	}

	for a := range s.home {
		ai := &u.Aliases[a]

		if ai.Storage.Bound {
			continue
		}

		s.home[a] = s.newSlot(ai.Type)
	}
}

// frame decides which callee saved registers the prologue pushes.
func (s *state) frame() {
	used := s.used

	for _, bd := range s.binds {
		if !bd.xmm {
			used |= 1 << bd.reg
		}
	}

	for _, r := range gpPool {
		if used&(1<<r) != 0 && r.IsCalleeSaved() {
			s.saved = append(s.saved, r)
		}
	}
}

func (s *state) frameSize() int32 {
	size := 8 * s.nslots

	if (8*len(s.saved)+size)%16 != 0 {
		size += 8
	}

	return int32(size)
}

func slotMem(slot int32) x86.Mem {
	return x86.Mem{Base: x86.RSP, Disp: 8 * (slot - 1)}
}

func argSlot(n int) int32 { return int32(n) + 1 }

func (s *state) prologue() {
	b := s.b

	b = x86.Push(b, x86.RBP)
	b = x86.Mov(b, x86.W64, x86.RBP, x86.RSP)

	for _, r := range s.saved {
		b = x86.Push(b, r)
	}

	if size := s.frameSize(); size != 0 {
		b = x86.AluImm(b, x86.SUB, x86.W64, x86.RSP, size)
	}

	for n := 0; n < s.nargs; n++ {
		b = x86.Store(b, x86.W64, slotMem(argSlot(n)), x86.Args[n])
	}

	s.b = b
}

// epilogue restores the caller frame. The return itself is left to the caller.
func (s *state) epilogue() {
	b := s.b

	b = x86.Lea(b, x86.RSP, x86.Mem{Base: x86.RBP, Disp: int32(-8 * len(s.saved))})

	for k := len(s.saved) - 1; k >= 0; k-- {
		b = x86.Pop(b, s.saved[k])
	}

	b = x86.Pop(b, x86.RBP)

	s.b = b
}

func (s *state) epilogueSize() int {
	return 8 + 2*len(s.saved) + 1
}

func (s *state) emitReturn(in *ir.Insn) {
	s.flush()

	if in.Src1 != 0 {
		s.moveToReg(in.Src1, sA)
	}

	s.epilogue()
	s.b = x86.Ret(s.b)
}

// emitChain leaves the unit through a patchable jump.
// The incoming arguments are passed on unchanged.
func (s *state) emitChain(i int, in *ir.Insn) error {
	s.flush()

	s.moveToReg(in.Src1, sA)

	if !s.opts.Chaining {
		s.epilogue()
		s.b = x86.Ret(s.b)

		return nil
	}

	for n := 0; n < s.nargs; n++ {
		s.b = x86.Load(s.b, x86.W64, x86.Args[n], slotMem(argSlot(n)))
	}

	s.epilogue()

	var at int
	s.b, at = x86.Jmp(s.b)
	s.b = x86.Ret(s.b)

	var err error

	s.chains, err = reserve(s, s.chains, 1, "chain site")
	if err != nil {
		return err
	}

	s.chains = append(s.chains, ChainSite{
		Insn:        i,
		Resolve:     -1,
		PatchOffset: at,
		GuestAddr:   uint32(in.Imm),
	})

	return nil
}

// emitResolve stores the address of the patch site of the CHAIN at in.Imm
// into the record pointed to by in.Src1.
func (s *state) emitResolve(i int, in *ir.Insn) (err error) {
	if !s.opts.Chaining {
		return nil
	}

	var at int
	s.b, at = x86.LeaRIP(s.b, sA, 0)

	base := s.gpUse(in.Src1, sB)
	s.b = x86.Store(s.b, x86.W64, x86.Mem{Base: base}, sA)

	s.resolves, err = reserve(s, s.resolves, 1, "chain resolve")
	if err != nil {
		return err
	}

	s.resolves = append(s.resolves, fixup{at: at, target: int(in.Imm), from: i})

	return nil
}

// linkChains points resolves at their chain sites.
func (s *state) linkChains() error {
next:
	for _, f := range s.resolves {
		for k := range s.chains {
			site := &s.chains[k]

			if site.Insn != f.target {
				continue
			}

			x86.PatchRel32(s.b, f.at, site.PatchOffset)
			site.Resolve = f.from

			continue next
		}

		return s.u.Fatalf("CHAIN_RESOLVE at %d references instruction %d which is not a chain site", f.from, f.target)
	}

	return nil
}

package back

import (
	"context"
	"fmt"

	"nikand.dev/go/heap"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	locKind uint8

	// loc is where a register lives for its whole lifetime.
	loc struct {
		kind locKind
		reg  uint8 // x86.Reg or x86.Xmm

		// slot is the frame slot of a spilled value,
		// or the slot a register is saved to across calls.
		// Slots are numbered from 1, zero is none.
		slot int32
	}

	active struct {
		r   ir.Reg
		end int
	}

	heapActive = heap.Heap[active]
)

const (
	locNone locKind = iota
	locGP
	locXmm
	locSlot
)

// Allocation order. Callee saved registers go first
// so values survive calls without saving.
var gpPool = [...]x86.Reg{x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10}

var xmmPool = [...]x86.Xmm{x86.X2, x86.X3, x86.X4, x86.X5, x86.X6, x86.X7, x86.X8, x86.X9, x86.X10, x86.X11, x86.X12, x86.X13, x86.X14, x86.X15}

// Scratch registers. They never hold a value across instructions.
const (
	sA = x86.RAX
	sC = x86.RCX
	sD = x86.RDX
	sB = x86.R11 // base addresses

	sX0 = x86.X0
	sX1 = x86.X1
)

func activeLess(d []active, i, j int) bool {
	if d[i].end != d[j].end {
		return d[i].end < d[j].end
	}

	return d[i].r < d[j].r
}

// allocRegs assigns every register a host register or a frame slot
// by linear scan over [Birth, end] intervals in birth order.
// A register is free again only after the interval ends,
// so a destination never shares a host register with a source.
func (s *state) allocRegs(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "back: regalloc", "regs", s.u.NumRegs())
	defer tr.Finish("err", &err)

	u := s.u

	for r := range s.ends {
		s.ends[r] = u.Regs[r].Death
	}

	// SET_ALIAS is performed at the block end
	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			in := &u.Insns[i]

			if in.Op == ir.SET_ALIAS && s.ends[in.Src1-1] < blk.Last {
				s.ends[in.Src1-1] = blk.Last
			}
		}

		return true
	})

	var free uint32 = 1<<len(gpPool) - 1
	var xfree uint32 = 1<<len(xmmPool) - 1

	spills := 0

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			d := u.Insns[i].Dest
			if d == 0 || u.Reg(d).Birth != i {
				continue
			}

			free = s.expire(&s.gp, free, i)
			xfree = s.expire(&s.xmm, xfree, i)

			if u.Reg(d).Type.IsFP() {
				if s.assign(&s.xmm, &xfree, d, locXmm) {
					spills++
				}
			} else {
				if s.assign(&s.gp, &free, d, locGP) {
					spills++
				}
			}
		}

		return true
	})

	if tr.If("dump_regalloc") {
		for r := range s.locs {
			if u.Regs[r].Birth < 0 {
				continue
			}

			tr.Printw("reg", "reg", ir.Reg(r+1), "type", u.Regs[r].Type, "birth", u.Regs[r].Birth, "end", s.ends[r], "loc", s.locs[r])
		}
	}

	tr.V("regalloc").Printw("allocated", "spilled", spills, "slots", s.nslots)

	return nil
}

func (s *state) expire(h *heapActive, free uint32, i int) uint32 {
	for h.Len() != 0 && h.Data[0].end < i {
		a := h.Pop()

		free |= 1 << s.poolIndex(a.r)
	}

	return free
}

// assign gives d a pool register, taking it from the active interval
// ending last if there is none free. It reports whether something spilled.
func (s *state) assign(h *heapActive, free *uint32, d ir.Reg, kind locKind) bool {
	end := s.ends[d-1]
	size := len(gpPool)

	if kind == locXmm {
		size = len(xmmPool)
	}

	for k := 0; k < size; k++ {
		if *free&(1<<k) == 0 {
			continue
		}

		*free &^= 1 << k

		s.locs[d-1] = loc{kind: kind, reg: s.poolReg(kind, k)}
		h.Push(active{r: d, end: end})

		if kind == locGP {
			s.used |= 1 << s.poolReg(kind, k)
		}

		return false
	}

	victim := -1

	for j, a := range h.Data {
		if victim < 0 || a.end > h.Data[victim].end {
			victim = j
		}
	}

	if victim < 0 || h.Data[victim].end <= end {
		s.locs[d-1] = s.spillLoc(d)

		return true
	}

	v := h.Data[victim].r

	s.locs[d-1] = s.locs[v-1]
	s.locs[v-1] = s.spillLoc(v)

	h.Data[victim] = active{r: d, end: end}
	h.Fix(victim)

	tlog.V("spill").Printw("spilled", "reg", v, "for", d, "slot", s.locs[v-1].slot)

	return true
}

func (s *state) spillLoc(r ir.Reg) loc {
	return loc{kind: locSlot, slot: s.newSlot(s.u.Reg(r).Type)}
}

func (s *state) newSlot(t ir.Type) int32 {
	n := int32(s.nslots) + 1
	s.nslots += (t.Size() + 7) / 8

	return n
}

func (s *state) poolReg(kind locKind, k int) uint8 {
	if kind == locXmm {
		return uint8(xmmPool[k])
	}

	return uint8(gpPool[k])
}

func (s *state) poolIndex(r ir.Reg) int {
	l := s.locs[r-1]

	if l.kind == locXmm {
		for k, x := range xmmPool {
			if uint8(x) == l.reg {
				return k
			}
		}
	}

	for k, x := range gpPool {
		if uint8(x) == l.reg {
			return k
		}
	}

	panic(fmt.Sprintf("r%d is not in a pool register: %v", r, l))
}

// saveSlots gives every register crossing a CALL in a caller saved
// host register a slot to be saved to.
func (s *state) saveSlots() {
	u := s.u

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			if u.Insns[i].Op != ir.CALL {
				continue
			}

			for r := range s.locs {
				l := &s.locs[r]

				if !s.crosses(ir.Reg(r+1), i) || l.slot != 0 {
					continue
				}

				l.slot = s.newSlot(u.Regs[r].Type)
			}
		}

		return true
	})
}

// crosses reports whether r is in a caller saved register
// and is needed after the call at i.
func (s *state) crosses(r ir.Reg, i int) bool {
	l := s.locs[r-1]

	switch l.kind {
	case locGP:
		if x86.Reg(l.reg).IsCalleeSaved() {
			return false
		}
	case locXmm:
	default:
		return false
	}

	ri := s.u.Reg(r)

	return ri.Birth >= 0 && ri.Birth < i && s.ends[r-1] > i
}

func (l loc) String() string {
	switch l.kind {
	case locGP:
		return x86.Reg(l.reg).String()
	case locXmm:
		return x86.Xmm(l.reg).String()
	case locSlot:
		return fmt.Sprintf("slot%d", l.slot)
	default:
		return "none"
	}
}

func (l loc) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if l.kind == locNone {
		return e.AppendNil(b)
	}

	return e.AppendString(b, l.String())
}

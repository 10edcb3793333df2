package ir

import (
	"context"
	"slices"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/set"
)

// Finalize locks in the block graph.
// It checks every referenced label is bound, drops unreachable blocks,
// sorts edge lists and extends lifetimes over loops.
// On allocation failure the unit is left as it was and may be finalized again.
func (u *Unit) Finalize(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "ir: finalize", "insns", len(u.Insns), "blocks", len(u.Blocks))
	defer tr.Finish("err", &err)

	if u.err != nil {
		return errors.Wrap(ErrUnusable, "%v", u.err)
	}

	if u.finalized {
		return u.fatalf("unit finalized twice")
	}

	if len(u.pending) != 0 {
		return u.fatalf("label L%d referenced but never bound", u.pending[0].label)
	}

	seen, err := set.Alloc(u.env.Alloc, len(u.Blocks))
	if err != nil {
		u.env.Errorf("Failed to allocate reachability state for %d blocks", len(u.Blocks))
		return errors.Wrap(err, "reachability")
	}

	defer seen.Free(u.env.Alloc)

	stack, err := env.Make[int](u.env, len(u.Blocks), "block worklist")
	if err != nil {
		return err
	}

	defer env.Free(u.env, stack)

	// nothing below fails

	if len(u.Blocks) != 0 {
		stack = stack[:0]
		stack = append(stack, 0)
		seen.Set(0)

		for len(stack) != 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			for _, s := range u.Blocks[b].Exits {
				if seen.IsSet(s) {
					continue
				}

				seen.Set(s)
				stack = append(stack, s)
			}
		}
	}

	dropped := 0

	for b := range u.Blocks {
		if seen.IsSet(b) {
			continue
		}

		u.dropBlock(b)
		dropped++
	}

	u.relink()

	for b := range u.Blocks {
		slices.Sort(u.Blocks[b].Entries)
		slices.Sort(u.Blocks[b].Exits)
	}

	u.UpdateLifetimes()

	u.finalized = true

	if dropped != 0 {
		tr.Printw("unreachable blocks dropped", "n", dropped)
	}

	if tr.If("dump_blocks") {
		for b, blk := range u.Blocks {
			tr.Printw("block", "b", b, "first", blk.First, "last", blk.Last, "entries", blk.Entries, "exits", blk.Exits, "dropped", blk.Dropped)
		}
	}

	return nil
}

func (u *Unit) dropBlock(b int) {
	blk := &u.Blocks[b]

	for _, s := range blk.Exits {
		u.Blocks[s].Entries = removeInt(u.Blocks[s].Entries, b)
	}

	for _, p := range blk.Entries {
		u.Blocks[p].Exits = removeInt(u.Blocks[p].Exits, b)
	}

	blk.Entries = blk.Entries[:0]
	blk.Exits = blk.Exits[:0]
	blk.Dropped = true
}

// relink rebuilds the Next/Prev chain over live blocks.
func (u *Unit) relink() {
	prev := -1

	for b := range u.Blocks {
		blk := &u.Blocks[b]

		if blk.Dropped {
			blk.Next, blk.Prev = -1, -1
			continue
		}

		blk.Prev = prev
		blk.Next = -1

		if prev >= 0 {
			u.Blocks[prev].Next = b
		}

		prev = b
	}
}

// UpdateLifetimes recomputes every register death from the remaining uses
// in live blocks, then extends lifetimes crossing loop back edges and of
// alias base registers.
func (u *Unit) UpdateLifetimes() {
	for i := range u.Regs {
		r := &u.Regs[i]

		r.Death = r.Birth
	}

	u.LiveBlocks(func(b int, blk *Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			u.Insns[i].forSrcs(func(r Reg) {
				ri := u.Reg(r)

				if i > ri.Death {
					ri.Death = i
				}
			})
		}

		return true
	})

	u.extendLifetimes()
}

func (u *Unit) extendLifetimes() {
	for changed := true; changed; {
		changed = false

		u.LiveBlocks(func(b int, blk *Block) bool {
			for _, p := range blk.Entries {
				if p < b {
					continue
				}

				last := u.Blocks[p].Last

				for i := range u.Regs {
					r := &u.Regs[i]

					if r.Birth >= 0 && r.Birth < blk.First && r.Death >= blk.First && r.Death < last {
						r.Death = last
						changed = true
					}
				}
			}

			return true
		})
	}

	end := len(u.Insns) - 1

	for _, a := range u.Aliases {
		if !a.Storage.Bound {
			continue
		}

		r := u.Reg(a.Storage.Base)

		if r.Birth >= 0 && r.Death < end {
			r.Death = end
		}
	}
}

// KillInsn turns instruction i into a NOP.
// Source registers whose last use it was get their death rolled back
// to the previous use or to their birth. The destination becomes undefined;
// it must have no remaining uses.
func (u *Unit) KillInsn(i int) {
	in := u.Insns[i]

	u.Insns[i] = Insn{Op: NOP}

	if in.Dest != 0 {
		r := u.Reg(in.Dest)
		r.Birth, r.Death = -1, -1
	}

	in.forSrcs(func(r Reg) {
		u.dropUse(r, i)
	})
}

// Replace rewrites instruction i keeping lifetimes consistent.
// The new instruction must define the same register, if any.
func (u *Unit) Replace(i int, in Insn) {
	old := u.Insns[i]

	u.Insns[i] = in

	in.forSrcs(func(r Reg) {
		if ri := u.Reg(r); ri.Death < i {
			ri.Death = i
		}
	})

	old.forSrcs(func(r Reg) {
		if !in.Uses(r) {
			u.dropUse(r, i)
		}
	})
}

func (u *Unit) dropUse(r Reg, i int) {
	ri := u.Reg(r)

	if ri.Death != i {
		return
	}

	d := ri.Birth

	for j := i - 1; j > ri.Birth; j-- {
		if u.Insns[j].Uses(r) {
			d = j
			break
		}
	}

	tlog.V("lifetime").Printw("death rolled back", "reg", r, "from", i, "to", d)

	ri.Death = d
}

// BlockOf returns the live block containing instruction i, or -1.
func (u *Unit) BlockOf(i int) int {
	lo, hi := 0, len(u.Blocks)

	for lo < hi {
		m := (lo + hi) / 2

		if u.Blocks[m].First <= i {
			lo = m + 1
		} else {
			hi = m
		}
	}

	b := lo - 1
	if b < 0 || u.Blocks[b].Dropped || i > u.Blocks[b].Last {
		return -1
	}

	return b
}

func removeInt(s []int, x int) []int {
	j := 0

	for _, y := range s {
		if y == x {
			continue
		}

		s[j] = y
		j++
	}

	return s[:j]
}

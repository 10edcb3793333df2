package opt

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/df"
	"github.com/slowlang/ppcrec/compiler/ir"
)

// deadAliasStores removes SET_ALIAS whose value is never read.
//
// Each block is scanned backwards from the aliases live at its exit.
// Without liveness information every alias is assumed live at block exit,
// which still catches stores overwritten in the same block.
func (o *optimizer) deadAliasStores(ctx context.Context) (n int) {
	u := o.u

	if u.NumAliases() == 0 {
		return 0
	}

	l, err := df.AliasLiveness(ctx, u)
	if errors.Is(err, df.ErrNoMemory) {
		o.e.Warnf("Not enough memory for alias liveness, dead alias stores are removed within blocks only")
	}

	defer l.Free()

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		if l != nil {
			o.live.CopyFrom(l.Out.Row(b))
		} else {
			o.live.FillSet(0, u.NumAliases())
		}

		for i := blk.Last; i >= blk.First; i-- {
			in := &u.Insns[i]

			switch in.Op {
			case ir.SET_ALIAS:
				x := int(in.Alias) - 1

				if !o.live.IsSet(x) {
					tlog.SpanFromContext(ctx).V("opt").Printw("dead alias store", "insn", i, "alias", in.Alias)

					u.KillInsn(i)
					n++

					continue
				}

				o.live.Clear(x)
			case ir.GET_ALIAS:
				o.live.Set(int(in.Alias) - 1)
			case ir.CALL:
				for x := range u.Aliases {
					if u.Aliases[x].Storage.Bound {
						o.live.Set(x)
					}
				}
			}
		}

		return true
	})

	return n
}

// deadCode removes instructions without side effects whose result is unused,
// then whatever became unused by that.
func (o *optimizer) deadCode(ctx context.Context) (n int) {
	u := o.u

	clear(o.uses)
	o.work = o.work[:0]

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			u.Insns[i].Srcs(func(r ir.Reg) {
				o.uses[r-1]++
			})
		}

		return true
	})

	// bound alias storage keeps its base alive
	for x := range u.Aliases {
		if st := u.Aliases[x].Storage; st.Bound {
			o.uses[st.Base-1]++
		}
	}

	for x := range o.uses {
		r := ir.Reg(x + 1)

		if o.uses[x] == 0 && o.removable(r) {
			o.work = append(o.work, r)
		}
	}

	for len(o.work) != 0 {
		r := o.work[len(o.work)-1]
		o.work = o.work[:len(o.work)-1]

		i := u.Reg(r).Birth
		in := u.Insns[i]

		u.KillInsn(i)
		n++

		in.Srcs(func(s ir.Reg) {
			o.uses[s-1]--

			if o.uses[s-1] == 0 && o.removable(s) {
				o.work = append(o.work, s)
			}
		})
	}

	return n
}

func (o *optimizer) removable(r ir.Reg) bool {
	i := o.u.Reg(r).Birth
	if i < 0 {
		return false
	}

	in := &o.u.Insns[i]

	return in.Dest == r && !in.Op.HasSideEffects() && o.u.BlockOf(i) >= 0
}

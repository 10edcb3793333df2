package df

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/set"
)

type (
	// Liveness holds per block alias sets indexed by a-1.
	//
	// Use is the set of aliases read before written in the block,
	// Def is the set of aliases written in the block.
	// In and Out are the aliases live at block entry and exit.
	Liveness struct {
		Use set.Matrix
		Def set.Matrix
		In  set.Matrix
		Out set.Matrix

		// Iterations is the number of blocks processed until fixpoint.
		Iterations int

		a alloc.Allocator
	}
)

var ErrNoMemory = alloc.ErrNoMemory

// Summarize fills use and def for block b.
//
// CALL may read guest state, so it counts as a read
// of every bound alias not yet written in the block.
func Summarize(u *ir.Unit, b int, use, def set.Bitmap) {
	blk := &u.Blocks[b]

	use.Reset()
	def.Reset()

	for i := blk.First; i <= blk.Last; i++ {
		in := &u.Insns[i]

		switch in.Op {
		case ir.GET_ALIAS:
			x := int(in.Alias) - 1

			if !def.IsSet(x) {
				use.Set(x)
			}
		case ir.SET_ALIAS:
			def.Set(int(in.Alias) - 1)
		case ir.CALL:
			for x := range u.Aliases {
				if u.Aliases[x].Storage.Bound && !def.IsSet(x) {
					use.Set(x)
				}
			}
		}
	}
}

// Exit reports whether b leaves the unit.
func Exit(u *ir.Unit, b int) bool {
	return len(u.Blocks[b].Exits) == 0
}

// AliasLiveness solves backward alias liveness over live blocks of a finalized unit.
// Bound aliases are live at every unit exit, they are guest visible.
//
// All state is allocated before solving. On failure ErrNoMemory is returned
// and nothing is logged; callers decide whether that is fatal for them.
func AliasLiveness(ctx context.Context, u *ir.Unit) (_ *Liveness, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "df: alias liveness", "blocks", len(u.Blocks), "aliases", u.NumAliases())
	defer tr.Finish("err", &err)

	a := u.Env().Alloc
	nb, na := len(u.Blocks), u.NumAliases()

	l := &Liveness{a: a}

	defer func() {
		if err != nil {
			l.Free()
		}
	}()

	for _, m := range []*set.Matrix{&l.Use, &l.Def, &l.In, &l.Out} {
		*m, err = set.AllocMatrix(a, nb, na)
		if err != nil {
			return nil, errors.Wrap(err, "alias sets")
		}
	}

	onList, err := set.Alloc(a, nb)
	if err != nil {
		return nil, errors.Wrap(err, "worklist flags")
	}

	defer onList.Free(a)

	tmp, err := set.Alloc(a, na)
	if err != nil {
		return nil, errors.Wrap(err, "scratch set")
	}

	defer tmp.Free(a)

	list, err := alloc.Make[int](a, nb)
	if err != nil {
		return nil, errors.Wrap(err, "worklist")
	}

	defer alloc.Free(a, list)

	// nothing below fails

	list = list[:0]

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		Summarize(u, b, l.Use.Row(b), l.Def.Row(b))

		list = append(list, b)
		onList.Set(b)

		return true
	})

	// the list is popped from the end, so later blocks go first
	for len(list) != 0 {
		b := list[len(list)-1]
		list = list[:len(list)-1]
		onList.Clear(b)

		l.Iterations++

		out := l.Out.Row(b)

		if Exit(u, b) {
			for x := range u.Aliases {
				if u.Aliases[x].Storage.Bound {
					out.Set(x)
				}
			}
		}

		for _, s := range u.Blocks[b].Exits {
			out.Or(l.In.Row(s))
		}

		tmp.CopyFrom(out)
		tmp.AndNot(l.Def.Row(b))
		tmp.Or(l.Use.Row(b))

		in := l.In.Row(b)

		if in.Equal(tmp) {
			continue
		}

		in.CopyFrom(tmp)

		for _, p := range u.Blocks[b].Entries {
			if onList.IsSet(p) {
				continue
			}

			onList.Set(p)
			list = append(list, p)
		}
	}

	if tr.If("dump_liveness") {
		u.LiveBlocks(func(b int, _ *ir.Block) bool {
			tr.Printw("alias liveness", "block", b, "in", l.In.Row(b), "out", l.Out.Row(b))
			return true
		})
	}

	tr.V("df").Printw("alias liveness solved", "iterations", l.Iterations)

	return l, nil
}

// LiveOut reports whether alias a is live at the exit of block b.
func (l *Liveness) LiveOut(b int, a ir.Alias) bool {
	r := l.Out.Row(b)
	return r.IsSet(int(a) - 1)
}

// LiveIn reports whether alias a is live at the entry of block b.
func (l *Liveness) LiveIn(b int, a ir.Alias) bool {
	r := l.In.Row(b)
	return r.IsSet(int(a) - 1)
}

// Free releases the sets. It is safe on a partially allocated value.
func (l *Liveness) Free() {
	if l == nil {
		return
	}

	l.Use.Free(l.a)
	l.Def.Free(l.a)
	l.In.Free(l.a)
	l.Out.Free(l.a)
}

package opt

import (
	"context"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/set"
)

type (
	Flags uint32

	optimizer struct {
		u *ir.Unit
		e *env.Env

		uses []int32  // per register use counts
		work []ir.Reg // dead code worklist

		aliasVal []ir.Reg // register known to hold each alias value
		live     set.Bitmap

		facts []memFact
	}

	// memFact records that memory at off(base) holds val.
	memFact struct {
		base ir.Reg
		off  int64
		op   ir.Op // load opcode reading the value back
		t    ir.Type
		val  ir.Reg
	}

	pass struct {
		name string
		flag Flags
		run  func(o *optimizer, ctx context.Context) int
	}
)

const (
	FoldConstants Flags = 1 << iota
	DeadCode
	DeadAliasStores
	ForwardAliases

	FoldFPState
	ForwardLoads

	Common = FoldConstants | DeadCode | DeadAliasStores | ForwardAliases
	Guest  = FoldFPState | ForwardLoads
	All    = Common | Guest
)

const maxFacts = 16

var passes = []pass{
	{"fold_constants", FoldConstants, (*optimizer).foldConstants},
	{"forward_aliases", ForwardAliases, (*optimizer).forwardAliases},
	{"fold_fp_state", FoldFPState, (*optimizer).foldFPState},
	{"forward_loads", ForwardLoads, (*optimizer).forwardLoads},
	{"dead_alias_stores", DeadAliasStores, (*optimizer).deadAliasStores},
	{"dead_code", DeadCode, (*optimizer).deadCode},
}

var flagNames = []struct {
	name string
	f    Flags
}{
	{"fold", FoldConstants},
	{"dce", DeadCode},
	{"dead-stores", DeadAliasStores},
	{"forward-aliases", ForwardAliases},
	{"fp-state", FoldFPState},
	{"forward-loads", ForwardLoads},
}

// afterPass is called after every pass that ran. Tests hook it.
var afterPass func(name string, u *ir.Unit)

// Optimize rewrites a finalized unit in place.
//
// Instructions are never moved or removed, dead ones become NOP,
// so indices stay valid. Register lifetimes are consistent after every pass.
// Scratch memory is allocated before anything changes:
// on failure the unit is left as it was.
func Optimize(ctx context.Context, u *ir.Unit, flags Flags) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "opt: optimize", "flags", flags, "insns", len(u.Insns))
	defer tr.Finish("err", &err)

	if err = u.Usable(); err != nil {
		return err
	}

	if !u.Finalized() {
		return u.Fatalf("optimizing a unit which is not finalized")
	}

	if u.Optimized() {
		return u.Fatalf("unit optimized twice")
	}

	o := &optimizer{u: u, e: u.Env()}

	err = o.alloc()
	if err != nil {
		return errors.Wrap(err, "optimizer state")
	}

	defer o.free()

	for _, p := range passes {
		if flags&p.flag == 0 {
			continue
		}

		n := p.run(o, ctx)

		u.UpdateLifetimes()

		tr.V("opt").Printw("pass done", "pass", p.name, "changed", n)

		if afterPass != nil {
			afterPass(p.name, u)
		}
	}

	u.SetOptimized()

	return nil
}

func (o *optimizer) alloc() (err error) {
	nr, na := o.u.NumRegs(), o.u.NumAliases()

	defer func() {
		if err != nil {
			o.free()
		}
	}()

	o.uses, err = env.Make[int32](o.e, nr, "register use counts")
	if err != nil {
		return err
	}

	o.work, err = env.Make[ir.Reg](o.e, nr, "dead code worklist")
	if err != nil {
		return err
	}

	o.aliasVal, err = env.Make[ir.Reg](o.e, na, "alias value table")
	if err != nil {
		return err
	}

	o.live, err = set.Alloc(o.e.Alloc, na)
	if err != nil {
		o.e.Errorf("Failed to allocate alias liveness set (%d aliases)", na)
		return err
	}

	o.facts, err = env.Make[memFact](o.e, maxFacts, "memory fact table")
	if err != nil {
		return err
	}

	return nil
}

func (o *optimizer) free() {
	env.Free(o.e, o.uses)
	env.Free(o.e, o.work)
	env.Free(o.e, o.aliasVal)
	o.live.Free(o.e.Alloc)
	env.Free(o.e, o.facts)

	o.uses, o.work, o.aliasVal, o.facts = nil, nil, nil, nil
}

// chained reports whether blk is entered only by falling through
// from the previous live block, so facts known there still hold.
func chained(blk *ir.Block) bool {
	return len(blk.Entries) == 1 && blk.Entries[0] == blk.Prev
}

// constOf returns the value of an integer register defined by LOAD_IMM.
func (o *optimizer) constOf(r ir.Reg) (int64, bool) {
	ri := o.u.Reg(r)

	if ri.Birth < 0 || !ri.Type.IsInt() {
		return 0, false
	}

	in := &o.u.Insns[ri.Birth]
	if in.Op != ir.LOAD_IMM {
		return 0, false
	}

	return norm(ri.Type, in.Imm), true
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}

	var b strings.Builder

	for _, n := range flagNames {
		if f&n.f == 0 {
			continue
		}

		if b.Len() != 0 {
			b.WriteByte(',')
		}

		b.WriteString(n.name)
	}

	return b.String()
}

// ParseFlags parses a comma separated list of pass names.
// Group names common, guest, all and none are accepted too.
func ParseFlags(s string) (f Flags, err error) {
	for _, w := range strings.Split(s, ",") {
		w = strings.TrimSpace(w)

		switch w {
		case "", "none":
			continue
		case "common":
			f |= Common
			continue
		case "guest":
			f |= Guest
			continue
		case "all":
			f |= All
			continue
		}

		found := false

		for _, n := range flagNames {
			if n.name == w {
				f |= n.f
				found = true
			}
		}

		if !found {
			return 0, errors.New("unknown optimization: %q", w)
		}
	}

	return f, nil
}

func (f Flags) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

func (f *Flags) UnmarshalText(b []byte) (err error) {
	*f, err = ParseFlags(string(b))
	return err
}

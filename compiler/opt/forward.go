package opt

import (
	"context"

	"github.com/slowlang/ppcrec/compiler/ir"
)

// forwardAliases turns GET_ALIAS into MOVE from the register
// holding the last value set or read, within a block
// and along fallthrough chains with a single predecessor.
// CALL forgets bound aliases, the callee may change guest state.
func (o *optimizer) forwardAliases(ctx context.Context) (n int) {
	u := o.u

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		if !chained(blk) {
			clear(o.aliasVal)
		}

		for i := blk.First; i <= blk.Last; i++ {
			in := u.Insns[i]

			switch in.Op {
			case ir.SET_ALIAS:
				o.aliasVal[in.Alias-1] = in.Src1
			case ir.GET_ALIAS:
				v := o.aliasVal[in.Alias-1]
				if v == 0 {
					o.aliasVal[in.Alias-1] = in.Dest
					continue
				}

				u.Replace(i, ir.Insn{Op: ir.MOVE, Dest: in.Dest, Src1: v})
				n++
			case ir.CALL:
				o.forgetBound()
			}
		}

		return true
	})

	return n
}

func (o *optimizer) forgetBound() {
	for x := range o.aliasVal {
		if o.u.Aliases[x].Storage.Bound {
			o.aliasVal[x] = 0
		}
	}
}

// foldFPState tracks the FP control state through blocks.
// FGETSTATE after an FSETSTATE of a constant becomes LOAD_IMM,
// FSETSTATE of the value already in effect is removed.
func (o *optimizer) foldFPState(ctx context.Context) (n int) {
	u := o.u

	var (
		known  bool // state value is the constant c
		c      int64
		reg    ir.Reg
		masked bool // reg holds the state as FGETSTATE returns it
	)

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		if !chained(blk) {
			known, reg, masked = false, 0, false
		}

		for i := blk.First; i <= blk.Last; i++ {
			in := u.Insns[i]

			switch in.Op {
			case ir.FSETSTATE:
				v, isConst := o.constOf(in.Src1)
				v &= ir.FPStateMask

				if isConst && known && v == c || in.Src1 == reg {
					u.KillInsn(i)
					n++

					continue
				}

				known, c = isConst, v
				reg, masked = in.Src1, false
			case ir.FGETSTATE:
				switch {
				case known:
					u.Replace(i, ir.Insn{Op: ir.LOAD_IMM, Dest: in.Dest, Imm: c})
					n++
				case reg != 0 && masked:
					u.Replace(i, ir.Insn{Op: ir.MOVE, Dest: in.Dest, Src1: reg})
					n++
				default:
					reg, masked = in.Dest, true
				}
			case ir.CALL:
				known, reg, masked = false, 0, false
			}
		}

		return true
	})

	return n
}

// forwardLoads replaces a load from an address just loaded or stored
// by a MOVE of the known value, and removes a store writing back
// the value just loaded from the same address.
//
// Any store may alias any address, so it forgets everything
// but the location it writes. CALL forgets everything.
// Memory behind bound aliases is not accessed by loads and stores.
func (o *optimizer) forwardLoads(ctx context.Context) (n int) {
	u := o.u

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		if !chained(blk) {
			o.facts = o.facts[:0]
		}

		for i := blk.First; i <= blk.Last; i++ {
			in := u.Insns[i]

			switch {
			case in.Op.IsLoad():
				t := u.Reg(in.Dest).Type

				if f := o.findFact(in.Src1, in.Imm, in.Op, t); f != nil {
					u.Replace(i, ir.Insn{Op: ir.MOVE, Dest: in.Dest, Src1: f.val})
					n++

					continue
				}

				o.addFact(memFact{base: in.Src1, off: in.Imm, op: in.Op, t: t, val: in.Dest})
			case in.Op.IsStore():
				t := u.Reg(in.Src2).Type
				lop := loadFor(in.Op)

				if f := o.findFact(in.Src1, in.Imm, lop, t); lop != 0 && f != nil && f.val == in.Src2 {
					u.KillInsn(i)
					n++

					continue
				}

				o.facts = o.facts[:0]

				if lop != 0 {
					o.addFact(memFact{base: in.Src1, off: in.Imm, op: lop, t: t, val: in.Src2})
				}
			case in.Op == ir.CALL:
				o.facts = o.facts[:0]
			}
		}

		return true
	})

	return n
}

func (o *optimizer) findFact(base ir.Reg, off int64, op ir.Op, t ir.Type) *memFact {
	for i := range o.facts {
		f := &o.facts[i]

		if f.base == base && f.off == off && f.op == op && f.t == t {
			return f
		}
	}

	return nil
}

func (o *optimizer) addFact(f memFact) {
	if len(o.facts) == cap(o.facts) {
		copy(o.facts, o.facts[1:])
		o.facts = o.facts[:len(o.facts)-1]
	}

	o.facts = append(o.facts, f)
}

// loadFor returns the load reading back exactly what store op writes, or 0.
func loadFor(op ir.Op) ir.Op {
	switch op {
	case ir.STORE:
		return ir.LOAD
	case ir.STORE_BR:
		return ir.LOAD_BR
	}

	return 0
}

package ir

import (
	"github.com/slowlang/ppcrec/compiler/env"
)

const edgeChunk = 4

// AddInsn appends an instruction to the unit.
//
// Labels start a new block, branches and returns end one.
// Edges are recorded as soon as both ends are known,
// a branch to a label not yet bound is resolved when the label is bound.
//
// All memory the instruction needs is reserved before anything changes,
// so on failure the unit is exactly as it was before the call.
func (u *Unit) AddInsn(op Op, dest, src1, src2 Reg, x Extra) error {
	if err := u.constructible(); err != nil {
		return err
	}

	in := Insn{
		Op:    op,
		Dest:  dest,
		Src1:  src1,
		Src2:  src2,
		Src3:  x.Src3,
		Imm:   x.Imm,
		Label: x.Label,
		Alias: x.Alias,
		Start: x.Start,
		Count: x.Count,
	}

	if err := u.check(&in); err != nil {
		return err
	}

	return u.add(in)
}

func (u *Unit) add(in Insn) (err error) {
	idx := len(u.Insns)

	newBlock := u.cur < 0 || in.Op == LABEL

	nb := u.cur
	if newBlock {
		nb = len(u.Blocks)
	}

	from := -1 // fallthrough predecessor of a new block
	if newBlock {
		from = u.cur
		if from < 0 {
			from = u.fall
		}
	}

	target := -1
	if in.Op.IsBranch() {
		target = u.Labels[in.Label-1].Block
	}

	fwd := in.Op.IsBranch() && target < 0

	u.Insns, err = env.Reserve(u.env, u.Insns, 1, u.env.InsnChunk, "instruction")
	if err != nil {
		return err
	}

	if newBlock {
		u.Blocks, err = env.Reserve(u.env, u.Blocks, 1, u.env.BlockChunk, "block")
		if err != nil {
			return err
		}
	}

	nin := 0 // new entries of nb

	if from >= 0 {
		err = u.reserveExits(from, 1)
		if err != nil {
			return err
		}

		nin++
	}

	if in.Op == LABEL {
		for _, p := range u.pending {
			if p.label != in.Label || p.block == from {
				continue
			}

			err = u.reserveExits(p.block, 1)
			if err != nil {
				return err
			}

			nin++
		}
	}

	if target >= 0 && target == nb {
		nin++
	}

	if !newBlock && nin != 0 {
		err = u.reserveEntries(nb, nin)
		if err != nil {
			return err
		}
	}

	if !newBlock && target >= 0 {
		err = u.reserveExits(nb, 1)
		if err != nil {
			return err
		}
	}

	if target >= 0 && target != nb {
		err = u.reserveEntries(target, 1)
		if err != nil {
			return err
		}
	}

	if fwd {
		u.pending, err = env.Reserve(u.env, u.pending, 1, u.env.LabelChunk, "forward reference")
		if err != nil {
			return err
		}
	}

	var entries, exits []int

	if newBlock && nin != 0 {
		entries, err = env.Reserve(u.env, entries, nin, edgeChunk, "block entry")
		if err != nil {
			return err
		}
	}

	if newBlock && target >= 0 {
		exits, err = env.Reserve(u.env, exits, 1, edgeChunk, "block exit")
		if err != nil {
			env.Free(u.env, entries)
			return err
		}
	}

	// nothing below fails

	u.Insns = append(u.Insns, in)

	if newBlock {
		prev := len(u.Blocks) - 1

		u.Blocks = append(u.Blocks, Block{
			First:   idx,
			Last:    idx,
			Entries: entries,
			Exits:   exits,
			Next:    -1,
			Prev:    prev,
		})

		if prev >= 0 {
			u.Blocks[prev].Next = nb
		}
	} else {
		u.Blocks[nb].Last = idx
	}

	if from >= 0 {
		u.addEdge(from, nb)
	}

	if in.Op == LABEL {
		u.bindLabel(in.Label, nb)
	}

	switch {
	case target >= 0:
		u.addEdge(nb, target)
	case fwd:
		u.pending = append(u.pending, forward{label: in.Label, block: nb})
	}

	in.forSrcs(func(r Reg) {
		u.Reg(r).Death = idx
	})

	if in.Dest != 0 {
		ri := u.Reg(in.Dest)
		ri.Birth = idx
		ri.Death = idx
	}

	switch {
	case in.Op.IsTerminator():
		u.cur, u.fall = -1, -1
	case in.Op.IsCondBranch():
		u.cur, u.fall = -1, nb
	default:
		u.cur, u.fall = nb, -1
	}

	return nil
}

func (u *Unit) reserveExits(b, n int) (err error) {
	blk := &u.Blocks[b]

	blk.Exits, err = env.Reserve(u.env, blk.Exits, n, edgeChunk, "block exit")

	return err
}

func (u *Unit) reserveEntries(b, n int) (err error) {
	blk := &u.Blocks[b]

	blk.Entries, err = env.Reserve(u.env, blk.Entries, n, edgeChunk, "block entry")

	return err
}

// addEdge links blocks. Capacity must be reserved.
func (u *Unit) addEdge(from, to int) {
	for _, x := range u.Blocks[from].Exits {
		if x == to {
			return
		}
	}

	u.Blocks[from].Exits = append(u.Blocks[from].Exits, to)
	u.Blocks[to].Entries = append(u.Blocks[to].Entries, from)
}

func (u *Unit) bindLabel(l Label, b int) {
	u.Labels[l-1].Block = b

	j := 0

	for _, p := range u.pending {
		if p.label == l {
			u.addEdge(p.block, b)
			continue
		}

		u.pending[j] = p
		j++
	}

	u.pending = u.pending[:j]
}

func (in *Insn) forSrcs(f func(r Reg)) {
	if in.Src1 != 0 {
		f(in.Src1)
	}

	if in.Src2 != 0 {
		f(in.Src2)
	}

	if in.Src3 != 0 {
		f(in.Src3)
	}
}

// Srcs calls f for every source register operand.
func (in *Insn) Srcs(f func(r Reg)) { in.forSrcs(f) }

// Uses reports whether r is a source operand.
func (in *Insn) Uses(r Reg) bool {
	return r != 0 && (in.Src1 == r || in.Src2 == r || in.Src3 == r)
}

func (u *Unit) AddNop(guestAddr uint32) error {
	return u.AddInsn(NOP, 0, 0, 0, Extra{Imm: int64(guestAddr)})
}

func (u *Unit) AddIllegal() error {
	return u.AddInsn(ILLEGAL, 0, 0, 0, Extra{})
}

func (u *Unit) AddLabel(l Label) error {
	return u.AddInsn(LABEL, 0, 0, 0, Extra{Label: l})
}

func (u *Unit) AddGoto(l Label) error {
	return u.AddInsn(GOTO, 0, 0, 0, Extra{Label: l})
}

func (u *Unit) AddGotoIfZ(cond Reg, l Label) error {
	return u.AddInsn(GOTO_IF_Z, 0, cond, 0, Extra{Label: l})
}

func (u *Unit) AddGotoIfNZ(cond Reg, l Label) error {
	return u.AddInsn(GOTO_IF_NZ, 0, cond, 0, Extra{Label: l})
}

// AddReturn returns from the unit. r may be zero.
func (u *Unit) AddReturn(r Reg) error {
	return u.AddInsn(RETURN, 0, r, 0, Extra{})
}

func (u *Unit) AddMove(dest, src Reg) error {
	return u.AddInsn(MOVE, dest, src, 0, Extra{})
}

func (u *Unit) AddLoadImm(dest Reg, v int64) error {
	return u.AddInsn(LOAD_IMM, dest, 0, 0, Extra{Imm: v})
}

func (u *Unit) AddLoadArg(dest Reg, n int) error {
	return u.AddInsn(LOAD_ARG, dest, 0, 0, Extra{Imm: int64(n)})
}

// AddImm adds an operation with an immediate second operand (ADDI, SEQI, ...).
func (u *Unit) AddImm(op Op, dest, src Reg, imm int64) error {
	return u.AddInsn(op, dest, src, 0, Extra{Imm: imm})
}

func (u *Unit) AddSelect(dest, src1, src2, cond Reg) error {
	return u.AddInsn(SELECT, dest, src1, src2, Extra{Src3: cond})
}

func (u *Unit) AddBFExt(dest, src Reg, start, count uint8) error {
	return u.AddInsn(BFEXT, dest, src, 0, Extra{Start: start, Count: count})
}

func (u *Unit) AddBFIns(dest, src, ins Reg, start, count uint8) error {
	return u.AddInsn(BFINS, dest, src, ins, Extra{Start: start, Count: count})
}

// AddLoad adds a load of any LOAD* opcode from base+off.
func (u *Unit) AddLoad(op Op, dest, base Reg, off int32) error {
	return u.AddInsn(op, dest, base, 0, Extra{Imm: int64(off)})
}

// AddStore adds a store of any STORE* opcode of val to base+off.
func (u *Unit) AddStore(op Op, base, val Reg, off int32) error {
	return u.AddInsn(op, 0, base, val, Extra{Imm: int64(off)})
}

func (u *Unit) AddGetAlias(dest Reg, a Alias) error {
	return u.AddInsn(GET_ALIAS, dest, 0, 0, Extra{Alias: a})
}

func (u *Unit) AddSetAlias(a Alias, src Reg) error {
	return u.AddInsn(SET_ALIAS, 0, src, 0, Extra{Alias: a})
}

// AddCall calls the native function at fn with up to two arguments.
// dest, arg1 and arg2 may be zero.
func (u *Unit) AddCall(dest, fn, arg1, arg2 Reg) error {
	return u.AddInsn(CALL, dest, fn, arg1, Extra{Src3: arg2})
}

func (u *Unit) AddFCmp(dest, src1, src2 Reg, c Cond) error {
	return u.AddInsn(FCMP, dest, src1, src2, Extra{Imm: int64(c)})
}

func (u *Unit) AddFMAdd(dest, src1, src2, src3 Reg) error {
	return u.AddInsn(FMADD, dest, src1, src2, Extra{Src3: src3})
}

// AddChain leaves the unit through a patchable chain site.
// It adds a CHAIN_RESOLVE storing the site address into record,
// followed by the CHAIN returning ret with guestAddr as its target.
// Either both instructions are added or none.
func (u *Unit) AddChain(ret, record Reg, guestAddr uint32) (err error) {
	if err = u.constructible(); err != nil {
		return err
	}

	u.Insns, err = env.Reserve(u.env, u.Insns, 2, u.env.InsnChunk, "instruction")
	if err != nil {
		return err
	}

	resolve := Insn{Op: CHAIN_RESOLVE, Src1: record, Imm: int64(len(u.Insns) + 1)}
	chain := Insn{Op: CHAIN, Src1: ret, Imm: int64(guestAddr)}

	if err = u.check(&resolve); err != nil {
		return err
	}

	if err = u.check(&chain); err != nil {
		return err
	}

	err = u.add(resolve)
	if err != nil {
		return err
	}

	// same block, capacity reserved: cannot fail
	return u.add(chain)
}

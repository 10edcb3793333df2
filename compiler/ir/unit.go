package ir

import (
	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/env"
)

type (
	// Unit is one translation attempt: instructions, their block graph
	// and the registers, aliases and labels they reference.
	// Every array grows through the environment's allocator.
	Unit struct {
		env *env.Env

		Insns   []Insn
		Blocks  []Block
		Regs    []RegInfo   // r is at Regs[r-1]
		Aliases []AliasInfo // a is at Aliases[a-1]
		Labels  []LabelInfo // L is at Labels[L-1]

		pending []forward

		cur  int // block being filled, or -1
		fall int // block waiting for its fallthrough successor, or -1

		err       error
		finalized bool
		optimized bool
	}

	Insn struct {
		Op   Op
		Dest Reg
		Src1 Reg
		Src2 Reg

		// Src3 is the SELECT condition, the FMADD addend
		// or the second CALL argument.
		Src3 Reg

		// Imm is the immediate, memory offset, argument index,
		// guest address, FCMP condition or CHAIN index.
		Imm int64

		Label Label
		Alias Alias

		Start uint8 // bitfield shift
		Count uint8 // bitfield width
	}

	// Extra carries the opcode dependent operands of AddInsn.
	Extra struct {
		Imm   int64
		Label Label
		Alias Alias
		Src3  Reg
		Start uint8
		Count uint8
	}

	RegInfo struct {
		Type  Type
		Birth int // defining instruction or -1
		Death int // last use; equals Birth if never used
	}

	AliasInfo struct {
		Type    Type
		Storage Storage
	}

	// Storage is where an alias lives between blocks.
	// Unbound aliases have no guest-visible storage.
	Storage struct {
		Bound  bool
		Base   Reg
		Offset int32
	}

	Block struct {
		First int
		Last  int

		Entries []int
		Exits   []int

		Next int // next live block or -1
		Prev int // previous live block or -1

		Dropped bool
	}

	LabelInfo struct {
		Block int // -1 until bound
	}

	forward struct {
		label Label
		block int
	}
)

var (
	ErrFinalized    = errors.New("unit is finalized")
	ErrNotFinalized = errors.New("unit is not finalized")
	ErrUnusable     = errors.New("unit is unusable after an internal compiler error")
)

// New creates an empty unit. It does not allocate.
func New(e *env.Env) *Unit {
	return &Unit{
		env:  e,
		cur:  -1,
		fall: -1,
	}
}

// Destroy releases all arrays. It is safe at any point of the lifecycle.
func (u *Unit) Destroy() {
	if u == nil || u.env == nil {
		return
	}

	for i := range u.Blocks {
		env.Free(u.env, u.Blocks[i].Entries)
		env.Free(u.env, u.Blocks[i].Exits)
	}

	env.Free(u.env, u.Insns)
	env.Free(u.env, u.Blocks)
	env.Free(u.env, u.Regs)
	env.Free(u.env, u.Aliases)
	env.Free(u.env, u.Labels)
	env.Free(u.env, u.pending)

	*u = Unit{cur: -1, fall: -1}
}

func (u *Unit) Env() *env.Env { return u.env }

func (u *Unit) Finalized() bool { return u.finalized }
func (u *Unit) Optimized() bool { return u.optimized }

// SetOptimized records that the optimizer has run.
func (u *Unit) SetOptimized() { u.optimized = true }

// Err returns the internal compiler error the unit is stuck with, if any.
func (u *Unit) Err() error { return u.err }

func (u *Unit) Reg(r Reg) *RegInfo { return &u.Regs[r-1] }

func (u *Unit) Alias(a Alias) *AliasInfo { return &u.Aliases[a-1] }

func (u *Unit) NumRegs() int    { return len(u.Regs) }
func (u *Unit) NumAliases() int { return len(u.Aliases) }
func (u *Unit) NumLabels() int  { return len(u.Labels) }

// AllocReg allocates a new register of type t.
func (u *Unit) AllocReg(t Type) (Reg, error) {
	if err := u.constructible(); err != nil {
		return 0, err
	}

	if !t.Valid() {
		return 0, u.fatalf("register of invalid type %v", t)
	}

	var err error

	u.Regs, err = env.Reserve(u.env, u.Regs, 1, u.env.RegChunk, "register")
	if err != nil {
		return 0, err
	}

	u.Regs = append(u.Regs, RegInfo{Type: t, Birth: -1, Death: -1})

	return Reg(len(u.Regs)), nil
}

// AllocAlias allocates a new unbound alias of type t.
func (u *Unit) AllocAlias(t Type) (Alias, error) {
	if err := u.constructible(); err != nil {
		return 0, err
	}

	if !t.Valid() {
		return 0, u.fatalf("alias of invalid type %v", t)
	}

	var err error

	u.Aliases, err = env.Reserve(u.env, u.Aliases, 1, u.env.AliasChunk, "alias")
	if err != nil {
		return 0, err
	}

	u.Aliases = append(u.Aliases, AliasInfo{Type: t})

	return Alias(len(u.Aliases)), nil
}

// AllocLabel allocates a new unbound label.
func (u *Unit) AllocLabel() (Label, error) {
	if err := u.constructible(); err != nil {
		return 0, err
	}

	var err error

	u.Labels, err = env.Reserve(u.env, u.Labels, 1, u.env.LabelChunk, "label")
	if err != nil {
		return 0, err
	}

	u.Labels = append(u.Labels, LabelInfo{Block: -1})

	return Label(len(u.Labels)), nil
}

// BindAlias gives alias a storage at byte offset off from base.
// Bound aliases must not overlap.
func (u *Unit) BindAlias(a Alias, base Reg, off int32) error {
	if err := u.constructible(); err != nil {
		return err
	}

	if !u.aliasValid(a) {
		return u.fatalf("alias a%d bound but not allocated", a)
	}

	if !u.regValid(base) {
		return u.fatalf("alias a%d bound to unallocated register r%d", a, base)
	}

	if t := u.Reg(base).Type; t != Address {
		return u.fatalf("alias a%d base register r%d has type %v, expected %v", a, base, t, Address)
	}

	ai := u.Alias(a)

	if ai.Storage.Bound {
		return u.fatalf("alias a%d bound twice", a)
	}

	size := int32(ai.Type.Size())

	for i, x := range u.Aliases {
		if !x.Storage.Bound || x.Storage.Base != base {
			continue
		}

		xsize := int32(x.Type.Size())

		if off < x.Storage.Offset+xsize && x.Storage.Offset < off+size {
			return u.fatalf("alias a%d storage %d(r%d) overlaps alias a%d at %d(r%d)", a, off, base, i+1, x.Storage.Offset, base)
		}
	}

	ai.Storage = Storage{Bound: true, Base: base, Offset: off}

	return nil
}

// LiveBlocks calls f for every block which survived finalization, in order.
func (u *Unit) LiveBlocks(f func(b int, blk *Block) bool) {
	if len(u.Blocks) == 0 {
		return
	}

	for b := u.firstLive(); b >= 0; b = u.Blocks[b].Next {
		if !f(b, &u.Blocks[b]) {
			return
		}
	}
}

func (u *Unit) firstLive() int {
	for b := range u.Blocks {
		if !u.Blocks[b].Dropped {
			return b
		}
	}

	return -1
}

func (u *Unit) regValid(r Reg) bool     { return r > 0 && int(r) <= len(u.Regs) }
func (u *Unit) aliasValid(a Alias) bool { return a > 0 && int(a) <= len(u.Aliases) }
func (u *Unit) labelValid(l Label) bool { return l > 0 && int(l) <= len(u.Labels) }

func (u *Unit) constructible() error {
	if u.err != nil {
		return errors.Wrap(ErrUnusable, "%v", u.err)
	}

	if u.finalized {
		return u.fatalf("construction of a finalized unit")
	}

	return nil
}

// Usable returns an error if the unit is stuck with an internal compiler error.
func (u *Unit) Usable() error {
	if u.err != nil {
		return errors.Wrap(ErrUnusable, "%v", u.err)
	}

	return nil
}

// Fatalf reports an internal compiler error found by a later stage
// and makes the unit inert.
func (u *Unit) Fatalf(format string, args ...any) error {
	return u.fatalf(format, args...)
}

// fatalf reports an internal compiler error and makes the unit inert.
func (u *Unit) fatalf(format string, args ...any) error {
	err := u.env.Fatalf(format, args...)

	if u.err == nil {
		u.err = err
	}

	return err
}

package back

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/ppcrec/compiler/asm/x86"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	// Features are optional host instruction set extensions.
	Features uint32

	// Flags are host specific optimizations.
	Flags uint32

	Options struct {
		Features Features
		Flags    Flags

		// Chaining makes CHAIN leave through a patchable jump.
		Chaining bool

		// Args is the number of incoming arguments passed on
		// to a chained unit. LOAD_ARG raises it as needed.
		Args int
	}

	// Compiler translates finalized units to x86-64 code.
	// It keeps no state between translations.
	Compiler struct {
		env  *env.Env
		opts Options
	}

	// Code is the result of a translation.
	// Buf is owned by the caller until released with Free.
	Code struct {
		Buf    []byte
		Chains []ChainSite
	}

	// ChainSite is a patchable exit of translated code.
	ChainSite struct {
		Insn    int // CHAIN instruction
		Resolve int // CHAIN_RESOLVE storing the site address, or -1

		// PatchOffset is the offset of the rel32 field of the exit jump.
		// Initially the jump targets the ret right after it.
		PatchOffset int

		GuestAddr uint32
	}

	// state is one translation.
	state struct {
		*Compiler
		u *ir.Unit

		b []byte

		locs []loc  // per register
		ends []int  // interval ends per register
		pend []ir.Reg // pending SET_ALIAS value per alias
		home []int32  // frame slot of unbound aliases

		binds  []binding
		bindAt []int32 // binds of block b are binds[bindAt[b]:bindAt[b+1]]

		starts   []int // code offset per block
		fixes    []fixup
		resolves []fixup
		chains   []ChainSite

		gp, xmm heap.Heap[active]
		gbuf    [len(gpPool) + 1]active
		xbuf    [len(xmmPool) + 1]active

		used  uint32 // pool registers holding anything
		saved []x86.Reg
		sbuf  [len(gpPool)]x86.Reg

		nargs  int
		nslots int
		mxcsr  int32 // FP state scratch slot

		mbuf [2][maxMoves]move

		bad error // first register used without a host location
	}

	fixup struct {
		at     int // rel32 field
		target int // block, or CHAIN instruction for resolves
		from   int // CHAIN_RESOLVE instruction
	}
)

const (
	FMA Features = 1 << iota
	SSE41
	AVX
)

const (
	// EntryBindings delivers read-first aliases of merge blocks in registers.
	EntryBindings Flags = 1 << iota

	DefaultFlags = EntryBindings
)

func New(e *env.Env, opts Options) *Compiler {
	return &Compiler{
		env:  e,
		opts: opts,
	}
}

// Translate compiles u into a fresh code buffer.
// On failure nothing is left allocated and the unit is untouched.
func (c *Compiler) Translate(ctx context.Context, u *ir.Unit) (code *Code, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: translate", "insns", len(u.Insns), "regs", u.NumRegs(), "aliases", u.NumAliases())
	defer tr.Finish("err", &err)

	if err = u.Usable(); err != nil {
		return nil, err
	}

	if !u.Finalized() {
		return nil, u.Fatalf("translating a unit which is not finalized")
	}

	s := &state{
		Compiler: c,
		u:        u,
	}

	defer s.free()

	err = s.alloc()
	if err != nil {
		return nil, errors.Wrap(err, "backend state")
	}

	s.layout()

	err = s.allocRegs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "register allocation")
	}

	if c.opts.Flags&EntryBindings != 0 {
		err = s.bindEntries(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "entry bindings")
		}
	}

	s.saveSlots()
	s.frame()

	err = s.emit(ctx)
	if err != nil {
		return nil, err
	}

	code = &Code{
		Buf:    s.b,
		Chains: s.chains,
	}

	s.b, s.chains = nil, nil

	tr.Printw("translated", "bytes", len(code.Buf), "chains", len(code.Chains), "slots", s.nslots, "saved", len(s.saved))

	return code, nil
}

// Free releases the buffer and the chain sites.
func (c *Code) Free(e *env.Env) {
	if c == nil {
		return
	}

	if c.Buf != nil {
		e.Code.FreeCode(c.Buf)
	}

	env.Free(e, c.Chains)

	*c = Code{}
}

func (s *state) alloc() (err error) {
	u := s.u

	s.locs, err = env.Make[loc](s.env, u.NumRegs(), "register location")
	if err != nil {
		return err
	}

	s.ends, err = env.Make[int](s.env, u.NumRegs(), "register interval")
	if err != nil {
		return err
	}

	s.pend, err = env.Make[ir.Reg](s.env, u.NumAliases(), "pending alias")
	if err != nil {
		return err
	}

	s.home, err = env.Make[int32](s.env, u.NumAliases(), "alias home")
	if err != nil {
		return err
	}

	s.bindAt, err = env.Make[int32](s.env, len(u.Blocks)+1, "block binding")
	if err != nil {
		return err
	}

	s.starts, err = env.Make[int](s.env, len(u.Blocks), "block offset")
	if err != nil {
		return err
	}

	s.gp = heap.Heap[active]{Less: activeLess, Data: s.gbuf[:0]}
	s.xmm = heap.Heap[active]{Less: activeLess, Data: s.xbuf[:0]}
	s.saved = s.sbuf[:0]

	return nil
}

func (s *state) free() {
	env.Free(s.env, s.locs)
	env.Free(s.env, s.ends)
	env.Free(s.env, s.pend)
	env.Free(s.env, s.home)
	env.Free(s.env, s.binds)
	env.Free(s.env, s.bindAt)
	env.Free(s.env, s.starts)
	env.Free(s.env, s.fixes)
	env.Free(s.env, s.resolves)
	env.Free(s.env, s.chains)

	if s.b != nil {
		s.env.Code.FreeCode(s.b)
		s.b = nil
	}
}

func (f fixup) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt(b, "at", f.at)
	b = e.AppendKeyInt(b, "target", f.target)

	return b
}

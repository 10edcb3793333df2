package opt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type builder struct {
	t *testing.T
	u *ir.Unit
}

func newBuilder(t *testing.T, e *env.Env) *builder {
	if e == nil {
		e = env.New(nil)
	}

	return &builder{t: t, u: ir.New(e)}
}

func (b *builder) regs(tp ...ir.Type) {
	for _, tp := range tp {
		_, err := b.u.AllocReg(tp)
		require.NoError(b.t, err)
	}
}

func (b *builder) aliases(tp ...ir.Type) {
	for _, tp := range tp {
		_, err := b.u.AllocAlias(tp)
		require.NoError(b.t, err)
	}
}

func (b *builder) labels(n int) {
	for i := 0; i < n; i++ {
		_, err := b.u.AllocLabel()
		require.NoError(b.t, err)
	}
}

func (b *builder) do(errs ...error) {
	for i, err := range errs {
		require.NoError(b.t, err, "step %d", i)
	}
}

func (b *builder) finalize() *ir.Unit {
	require.NoError(b.t, b.u.Finalize(context.Background()))

	return b.u
}

func listing(u *ir.Unit) string {
	var s []byte

	for i := range u.Insns {
		s = format.AppendInsn(s, u, i)
		s = append(s, '\n')
	}

	return string(s)
}

func lines(l ...string) string {
	return strings.Join(l, "\n") + "\n"
}

func foldProgram(t *testing.T) *ir.Unit {
	b := newBuilder(t, nil)
	u := b.u

	b.regs(ir.Int32, ir.Int32, ir.Int32, ir.Int32, ir.Int32, ir.Int32)

	b.do(
		u.AddLoadImm(1, 7),
		u.AddLoadImm(2, 0),
		u.AddInsn(ir.DIVS, 3, 1, 2, ir.Extra{}),
		u.AddInsn(ir.ADD, 4, 1, 1, ir.Extra{}),
		u.AddImm(ir.SLLI, 5, 4, 33),
		u.AddSelect(6, 1, 2, 4),
		u.AddReturn(5),
	)

	return b.finalize()
}

func TestFoldConstants(t *testing.T) {
	u := foldProgram(t)
	defer u.Destroy()

	require.NoError(t, Optimize(context.Background(), u, FoldConstants))

	assert.Equal(t, lines(
		"    0: LOAD_IMM   r1, 7",
		"    1: LOAD_IMM   r2, 0",
		"    2: LOAD_IMM   r3, 0",
		"    3: LOAD_IMM   r4, 14",
		"    4: LOAD_IMM   r5, 28",
		"    5: MOVE       r6, r1",
		"    6: RETURN     r5",
	), listing(u))

	assert.True(t, u.Optimized())
	assert.Equal(t, ir.RegInfo{Type: ir.Int32, Birth: 0, Death: 5}, *u.Reg(1))
	assert.Equal(t, ir.RegInfo{Type: ir.Int32, Birth: 3, Death: 3}, *u.Reg(4), "no uses left")
}

func TestFoldAndDeadCode(t *testing.T) {
	u := foldProgram(t)
	defer u.Destroy()

	require.NoError(t, Optimize(context.Background(), u, All))

	assert.Equal(t, lines(
		"    0: NOP",
		"    1: NOP",
		"    2: NOP",
		"    3: NOP",
		"    4: LOAD_IMM   r5, 28",
		"    5: NOP",
		"    6: RETURN     r5",
	), listing(u))

	assert.Equal(t, ir.RegInfo{Type: ir.Int32, Birth: -1, Death: -1}, *u.Reg(1))
	assert.Equal(t, ir.RegInfo{Type: ir.Int32, Birth: 4, Death: 6}, *u.Reg(5))
}

func TestEval(t *testing.T) {
	for _, tc := range []struct {
		op   ir.Op
		t    ir.Type
		a, b int64
		res  int64
	}{
		{ir.DIVS, ir.Int32, -1 << 31, -1, -1 << 31},
		{ir.MODS, ir.Int32, -1 << 31, -1, 0},
		{ir.DIVU, ir.Int32, 10, 0, 0},
		{ir.DIVS, ir.Int64, -7, 2, -3},
		{ir.MODS, ir.Int64, -7, 2, -1},
		{ir.DIVU, ir.Int32, -2, 2, 0x7FFFFFFF},
		{ir.SLL, ir.Int32, 1, 33, 2},
		{ir.SRL, ir.Int32, -1, 28, 15},
		{ir.SRA, ir.Int32, -16, 2, -4},
		{ir.ROL, ir.Int32, 0x40000001, 2, 5},
		{ir.ROR, ir.Int32, 1, 1, -1 << 31},
		{ir.CLZ, ir.Int32, 0, 0, 32},
		{ir.CLZ, ir.Int64, 1, 0, 63},
		{ir.BSWAP, ir.Int32, 0x11223344, 0, 0x44332211},
		{ir.MULHU, ir.Int32, -1, -1, -2},
		{ir.MULHS, ir.Int32, -1, -1, 0},
		{ir.MULHS, ir.Int64, -2, 3, -1},
		{ir.SLTU, ir.Int32, 1, -1, 1},
		{ir.SLTS, ir.Int32, 1, -1, 0},
		{ir.SEXT8, ir.Int32, 0x80, 0, -128},
		{ir.NOT, ir.Int32, 0, 0, -1},
		{ir.ANDC, ir.Int32, 0xFF, 0x0F, 0xF0},
		{ir.ADD, ir.Int32, 0x7FFFFFFF, 1, -1 << 31},
	} {
		res, ok := Eval(tc.op, tc.t, tc.t, tc.a, tc.b, &ir.Insn{})
		if assert.True(t, ok, "%v", tc.op) {
			assert.Equal(t, tc.res, res, "%v %v %#x %#x", tc.op, tc.t, tc.a, tc.b)
		}
	}

	res, ok := Eval(ir.BFEXT, ir.Int32, ir.Int32, 0xF0, 0, &ir.Insn{Start: 4, Count: 3})
	assert.True(t, ok)
	assert.Equal(t, int64(7), res)

	res, ok = Eval(ir.BFINS, ir.Int32, ir.Int32, 0xFF, 0, &ir.Insn{Start: 4, Count: 2})
	assert.True(t, ok)
	assert.Equal(t, int64(0xCF), res)

	res, ok = Eval(ir.ZCAST, ir.Int64, ir.Int32, -1, 0, &ir.Insn{})
	assert.True(t, ok)
	assert.Equal(t, int64(0xFFFFFFFF), res)

	res, ok = Eval(ir.SCAST, ir.Int64, ir.Int32, -1, 0, &ir.Insn{})
	assert.True(t, ok)
	assert.Equal(t, int64(-1), res)
}

func TestForwardAliases(t *testing.T) {
	b := newBuilder(t, nil)
	u := b.u
	defer u.Destroy()

	b.regs(ir.Address, ir.Int32, ir.Int32, ir.Int32, ir.Int32)
	b.aliases(ir.Int32)
	b.labels(1)

	b.do(
		u.BindAlias(1, 1, 0),
		u.AddLoadArg(1, 0),
		u.AddLoadImm(2, 5),
		u.AddSetAlias(1, 2),
		u.AddGetAlias(3, 1),
		u.AddGotoIfZ(3, 1),
		u.AddGetAlias(4, 1), // single predecessor falling through
		u.AddReturn(4),
		u.AddLabel(1), // entered by a jump
		u.AddGetAlias(5, 1),
		u.AddReturn(5),
	)

	b.finalize()

	require.NoError(t, Optimize(context.Background(), u, ForwardAliases))

	assert.Equal(t, lines(
		"    0: LOAD_ARG   r1, 0",
		"    1: LOAD_IMM   r2, 5",
		"    2: SET_ALIAS  a1, r2",
		"    3: MOVE       r3, r2",
		"    4: GOTO_IF_Z  r3, L1",
		"    5: MOVE       r4, r2",
		"    6: RETURN     r4",
		"    7: LABEL      L1",
		"    8: GET_ALIAS  r5, a1",
		"    9: RETURN     r5",
	), listing(u))

	assert.Equal(t, 5, u.Reg(2).Death)
}

func TestForwardAliasesCall(t *testing.T) {
	b := newBuilder(t, nil)
	u := b.u
	defer u.Destroy()

	b.regs(ir.Address, ir.Int32, ir.Int32, ir.Int32)
	b.aliases(ir.Int32, ir.Int32)

	b.do(
		u.BindAlias(1, 1, 0),
		u.AddLoadArg(1, 0),
		u.AddLoadImm(2, 5),
		u.AddSetAlias(1, 2),
		u.AddSetAlias(2, 2),
		u.AddCall(0, 1, 0, 0),
		u.AddGetAlias(3, 1),
		u.AddGetAlias(4, 2),
		u.AddReturn(4),
	)

	b.finalize()

	require.NoError(t, Optimize(context.Background(), u, ForwardAliases))

	assert.Equal(t, "GET_ALIAS  r3, a1", string(format.AppendInsn(nil, u, 5))[7:], "bound alias may be changed by the call")
	assert.Equal(t, "MOVE       r4, r2", string(format.AppendInsn(nil, u, 6))[7:])
}

func deadStoresProgram(t *testing.T, e *env.Env) *ir.Unit {
	b := newBuilder(t, e)
	u := b.u

	b.regs(ir.Address, ir.Int32, ir.Int32, ir.Int32)
	b.aliases(ir.Int32, ir.Int32)
	b.labels(1)

	b.do(
		u.BindAlias(1, 1, 0),
		u.AddLoadArg(1, 0),
		u.AddLoadImm(2, 1),
		u.AddLoadImm(3, 2),
		u.AddSetAlias(1, 2),
		u.AddSetAlias(1, 3),
		u.AddSetAlias(2, 2),
		u.AddGoto(1),
		u.AddLabel(1),
		u.AddGetAlias(4, 1),
		u.AddSetAlias(2, 4),
		u.AddReturn(4),
	)

	return b.finalize()
}

func TestDeadAliasStores(t *testing.T) {
	u := deadStoresProgram(t, nil)
	defer u.Destroy()

	require.NoError(t, Optimize(context.Background(), u, DeadAliasStores))

	assert.Equal(t, lines(
		"    0: LOAD_ARG   r1, 0",
		"    1: LOAD_IMM   r2, 1",
		"    2: LOAD_IMM   r3, 2",
		"    3: NOP",
		"    4: SET_ALIAS  a1, r3",
		"    5: NOP",
		"    6: GOTO       L1",
		"    7: LABEL      L1",
		"    8: GET_ALIAS  r4, a1",
		"    9: NOP",
		"   10: RETURN     r4",
	), listing(u))
}

func TestDeadAliasStoresWithoutLiveness(t *testing.T) {
	var c env.Collector

	cd := alloc.NewCountdown()

	e := &env.Env{Alloc: cd, Log: c.Log}
	e.Fill()

	u := deadStoresProgram(t, e)
	defer u.Destroy()

	// optimizer scratch takes five requests, liveness is the sixth
	cd.Arm(6)

	require.NoError(t, Optimize(context.Background(), u, DeadAliasStores))

	assert.Equal(t, "[warning] Not enough memory for alias liveness, dead alias stores are removed within blocks only\n", c.String())

	assert.Equal(t, lines(
		"    0: LOAD_ARG   r1, 0",
		"    1: LOAD_IMM   r2, 1",
		"    2: LOAD_IMM   r3, 2",
		"    3: NOP",
		"    4: SET_ALIAS  a1, r3",
		"    5: SET_ALIAS  a2, r2",
		"    6: GOTO       L1",
		"    7: LABEL      L1",
		"    8: GET_ALIAS  r4, a1",
		"    9: SET_ALIAS  a2, r4",
		"   10: RETURN     r4",
	), listing(u))
}

func TestScratchOutOfMemory(t *testing.T) {
	var c env.Collector

	cd := alloc.NewCountdown()

	e := &env.Env{Alloc: cd, Log: c.Log}
	e.Fill()

	u := deadStoresProgram(t, e)
	defer u.Destroy()

	before := listing(u)
	regs := append([]ir.RegInfo{}, u.Regs...)

	for n := 1; n <= 5; n++ {
		c.Reset()
		cd.Arm(n)

		err := Optimize(context.Background(), u, All)
		require.Error(t, err, "n=%d", n)
		assert.True(t, env.IsNoMemory(err), "n=%d", n)
		assert.True(t, strings.HasPrefix(c.String(), "[error] Failed to allocate "), "n=%d: %q", n, c.String())

		assert.Equal(t, before, listing(u), "n=%d", n)
		assert.Equal(t, regs, u.Regs, "n=%d", n)
		assert.False(t, u.Optimized())
	}

	cd.Arm(0)

	require.NoError(t, Optimize(context.Background(), u, All))
	assert.True(t, u.Optimized())
}

func TestFoldFPState(t *testing.T) {
	b := newBuilder(t, nil)
	u := b.u
	defer u.Destroy()

	b.regs(ir.Int32, ir.Int32, ir.Int32, ir.Address, ir.Int32)

	b.do(
		u.AddLoadArg(4, 0),
		u.AddLoadImm(1, 0x1F80),
		u.AddInsn(ir.FSETSTATE, 0, 1, 0, ir.Extra{}),
		u.AddInsn(ir.FGETSTATE, 2, 0, 0, ir.Extra{}),
		u.AddInsn(ir.FSETSTATE, 0, 1, 0, ir.Extra{}),
		u.AddCall(0, 4, 0, 0),
		u.AddInsn(ir.FGETSTATE, 3, 0, 0, ir.Extra{}),
		u.AddInsn(ir.FGETSTATE, 5, 0, 0, ir.Extra{}),
		u.AddReturn(5),
	)

	b.finalize()

	require.NoError(t, Optimize(context.Background(), u, FoldFPState))

	assert.Equal(t, lines(
		"    0: LOAD_ARG   r4, 0",
		"    1: LOAD_IMM   r1, 8064",
		"    2: FSETSTATE  r1",
		"    3: LOAD_IMM   r2, 8064",
		"    4: NOP",
		"    5: CALL       -, r4",
		"    6: FGETSTATE  r3",
		"    7: MOVE       r5, r3",
		"    8: RETURN     r5",
	), listing(u))
}

func TestForwardLoads(t *testing.T) {
	b := newBuilder(t, nil)
	u := b.u
	defer u.Destroy()

	b.regs(ir.Address, ir.Int32, ir.Int32, ir.Int32, ir.Int32, ir.Int32)

	b.do(
		u.AddLoadArg(1, 0),
		u.AddLoad(ir.LOAD, 2, 1, 0),
		u.AddLoad(ir.LOAD, 3, 1, 0),
		u.AddStore(ir.STORE, 1, 2, 0),
		u.AddImm(ir.ADDI, 4, 2, 1),
		u.AddStore(ir.STORE, 1, 4, 4),
		u.AddLoad(ir.LOAD, 5, 1, 0),
		u.AddLoad(ir.LOAD, 6, 1, 4),
		u.AddReturn(6),
	)

	b.finalize()

	require.NoError(t, Optimize(context.Background(), u, ForwardLoads))

	assert.Equal(t, lines(
		"    0: LOAD_ARG   r1, 0",
		"    1: LOAD       r2, 0(r1)",
		"    2: MOVE       r3, r2",
		"    3: NOP",
		"    4: ADDI       r4, r2, 1",
		"    5: STORE      4(r1), r4",
		"    6: LOAD       r5, 0(r1)",
		"    7: MOVE       r6, r4",
		"    8: RETURN     r6",
	), listing(u))
}

// checkLifetimes verifies every use in a live block lies within
// the lifetime of its register.
func checkLifetimes(t *testing.T, pass string, u *ir.Unit) {
	t.Helper()

	u.LiveBlocks(func(b int, blk *ir.Block) bool {
		for i := blk.First; i <= blk.Last; i++ {
			u.Insns[i].Srcs(func(r ir.Reg) {
				ri := u.Reg(r)

				assert.True(t, ri.Birth >= 0 && ri.Birth < i && i <= ri.Death,
					"after %s: insn %d uses r%d living [%d,%d]", pass, i, r, ri.Birth, ri.Death)
			})

			if d := u.Insns[i].Dest; d != 0 {
				assert.Equal(t, i, u.Reg(d).Birth, "after %s: insn %d defines r%d", pass, i, d)
			}
		}

		return true
	})
}

func TestLifetimesAfterEveryPass(t *testing.T) {
	b := newBuilder(t, nil)
	u := b.u
	defer u.Destroy()

	b.regs(ir.Address, ir.Int32, ir.Int32, ir.Int32, ir.Int32, ir.Int32, ir.Int32)
	b.aliases(ir.Int32, ir.Int32)
	b.labels(2)

	b.do(
		u.BindAlias(1, 1, 0),
		u.AddLoadArg(1, 0),
		u.AddLoadImm(2, 3),
		u.AddSetAlias(2, 2),
		u.AddLabel(1),
		u.AddGetAlias(3, 1),
		u.AddGetAlias(4, 2),
		u.AddInsn(ir.ADD, 5, 3, 4, ir.Extra{}),
		u.AddSetAlias(1, 5),
		u.AddImm(ir.ADDI, 6, 4, -1),
		u.AddSetAlias(2, 6),
		u.AddLoadImm(7, 0),
		u.AddGotoIfNZ(6, 1),
		u.AddLabel(2),
		u.AddReturn(0),
	)

	b.finalize()

	var ran []string

	afterPass = func(name string, u *ir.Unit) {
		ran = append(ran, name)
		checkLifetimes(t, name, u)
	}

	defer func() { afterPass = nil }()

	require.NoError(t, Optimize(context.Background(), u, All))

	assert.Equal(t, []string{"fold_constants", "forward_aliases", "fold_fp_state", "forward_loads", "dead_alias_stores", "dead_code"}, ran)

	assert.Equal(t, ir.NOP, u.Insns[10].Op, "unused constant removed")
	assert.Equal(t, ir.GET_ALIAS, u.Insns[4].Op, "loop header has two predecessors")
	assert.Equal(t, ir.Reg(6), u.Insns[11].Src1)
	assert.Equal(t, 11, u.Reg(6).Death)
	assert.Equal(t, 13, u.Reg(1).Death, "alias base lives to the end")
}

func TestOptimizeContract(t *testing.T) {
	var c env.Collector

	u := ir.New(env.New(c.Log))
	defer u.Destroy()

	require.NoError(t, u.AddNop(0))

	err := Optimize(context.Background(), u, All)
	assert.True(t, env.IsFatal(err))
	assert.Equal(t, "[error] Internal compiler error: optimizing a unit which is not finalized\n", c.String())
	assert.Error(t, u.Err())

	c.Reset()

	v := ir.New(env.New(c.Log))
	defer v.Destroy()

	require.NoError(t, v.AddNop(0))
	require.NoError(t, v.Finalize(context.Background()))
	require.NoError(t, Optimize(context.Background(), v, 0))

	err = Optimize(context.Background(), v, All)
	assert.True(t, env.IsFatal(err))
	assert.Equal(t, "[error] Internal compiler error: unit optimized twice\n", c.String())
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags("fold, dce")
	require.NoError(t, err)
	assert.Equal(t, FoldConstants|DeadCode, f)

	f, err = ParseFlags("common,fp-state")
	require.NoError(t, err)
	assert.Equal(t, Common|FoldFPState, f)

	f, err = ParseFlags("none")
	require.NoError(t, err)
	assert.Equal(t, Flags(0), f)

	_, err = ParseFlags("fold,unroll")
	assert.Error(t, err)

	assert.Equal(t, "fold,dce,dead-stores,forward-aliases", Common.String())
	assert.Equal(t, "none", Flags(0).String())
}

package format_test

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type step func(u *ir.Unit) error

const loopText = `    0: LOAD_ARG   r1, 0
    1: LABEL      L1
    2: GET_ALIAS  r2, a1
    3: ADDI       r3, r2, -1
    4: SET_ALIAS  a1, r3
    5: GOTO_IF_NZ r3, L1
    6: GOTO       L2
    7: LOAD_IMM   r4, 5
    8: LABEL      L2
    9: RETURN

Alias 1: int32 @ 256(r1)
Alias 2: int32, no bound storage

Block 0: <none> --> [0,0] --> 1
Block 1: 0,1 --> [1,5] --> 1,2
Block 2: 1 --> [6,6] --> 4
Block 4: 2 --> [8,9] --> <none>
`

func allocReg(tp ir.Type) step {
	return func(u *ir.Unit) error {
		_, err := u.AllocReg(tp)
		return err
	}
}

func allocAlias(tp ir.Type) step {
	return func(u *ir.Unit) error {
		_, err := u.AllocAlias(tp)
		return err
	}
}

func allocLabel(u *ir.Unit) error {
	_, err := u.AllocLabel()
	return err
}

// loopSteps builds a counting loop with an unreachable block in between.
// Registers, aliases and labels are numbered in allocation order.
func loopSteps() []step {
	return []step{
		allocReg(ir.Address),
		allocReg(ir.Int32),
		allocReg(ir.Int32),
		allocReg(ir.Int32),
		allocAlias(ir.Int32),
		allocAlias(ir.Int32),
		allocLabel,
		allocLabel,
		func(u *ir.Unit) error { return u.BindAlias(1, 1, 256) },
		func(u *ir.Unit) error { return u.AddLoadArg(1, 0) },
		func(u *ir.Unit) error { return u.AddLabel(1) },
		func(u *ir.Unit) error { return u.AddGetAlias(2, 1) },
		func(u *ir.Unit) error { return u.AddImm(ir.ADDI, 3, 2, -1) },
		func(u *ir.Unit) error { return u.AddSetAlias(1, 3) },
		func(u *ir.Unit) error { return u.AddGotoIfNZ(3, 1) },
		func(u *ir.Unit) error { return u.AddGoto(2) },
		func(u *ir.Unit) error { return u.AddLoadImm(4, 5) },
		func(u *ir.Unit) error { return u.AddLabel(2) },
		func(u *ir.Unit) error { return u.AddReturn(0) },
		func(u *ir.Unit) error { return u.Finalize(context.Background()) },
	}
}

func TestSelfLoop(t *testing.T) {
	u := ir.New(env.New(nil))
	defer u.Destroy()

	r, err := u.AllocReg(ir.Int32)
	require.NoError(t, err)

	l, err := u.AllocLabel()
	require.NoError(t, err)

	require.NoError(t, u.AddLoadImm(r, 10))
	require.NoError(t, u.AddLabel(l))
	require.NoError(t, u.AddGoto(l))
	require.NoError(t, u.Finalize(context.Background()))

	text, err := format.Unit(context.Background(), u.Env(), u)
	require.NoError(t, err)

	assert.Equal(t, `    0: LOAD_IMM   r1, 10
    1: LABEL      L1
    2: GOTO       L1

Block 0: <none> --> [0,0] --> 1
Block 1: 0,1 --> [1,2] --> 1
`, string(text))
}

func TestLoopWithAliases(t *testing.T) {
	u := ir.New(env.New(nil))
	defer u.Destroy()

	for i, s := range loopSteps() {
		require.NoError(t, s(u), "step %d", i)
	}

	text, err := format.Unit(context.Background(), u.Env(), u)
	require.NoError(t, err)
	assert.Equal(t, loopText, string(text))

	again, err := format.Unit(context.Background(), u.Env(), u)
	require.NoError(t, err)
	assert.Equal(t, string(text), string(again), "disassembly is idempotent")
}

func TestConstructionOutOfMemory(t *testing.T) {
	for n := 1; ; n++ {
		var c env.Collector

		cd := alloc.NewCountdown()

		e := &env.Env{Alloc: cd, Log: c.Log, InsnChunk: 2, BlockChunk: 1, RegChunk: 1, AliasChunk: 1, LabelChunk: 1}
		e.Fill()

		u := ir.New(e)

		cd.Arm(n)

		for i, s := range loopSteps() {
			err := s(u)
			if err == nil {
				continue
			}

			require.True(t, env.IsNoMemory(err), "n=%d step %d: %v", n, i, err)
			require.NoError(t, u.Err(), "n=%d step %d", n, i)
			assert.True(t, strings.HasPrefix(c.String(), "[error] Failed to "), "n=%d step %d: %q", n, i, c.String())

			require.NoError(t, s(u), "n=%d step %d retry", n, i)
		}

		fails := cd.Fails()

		cd.Arm(0)

		text, err := format.Unit(context.Background(), e, u)
		require.NoError(t, err)
		assert.Equal(t, loopText, string(text), "n=%d", n)

		u.Destroy()

		if fails == 0 {
			break
		}

		if n > 200 {
			t.Fatalf("allocation count does not converge")
		}
	}
}

func TestBufferOutOfMemory(t *testing.T) {
	var c env.Collector

	cd := alloc.NewCountdown()

	e := &env.Env{Alloc: cd, Log: c.Log}
	e.Fill()

	u := ir.New(e)
	defer u.Destroy()

	for i, s := range loopSteps() {
		require.NoError(t, s(u), "step %d", i)
	}

	cd.Arm(1)

	text, err := format.Unit(context.Background(), e, u)
	assert.Error(t, err)
	assert.True(t, env.IsNoMemory(err))
	assert.Nil(t, text)
	assert.Equal(t, "[error] Failed to extend disassembly buffer to 1024 bytes\n", c.String())

	text, err = format.Unit(context.Background(), e, u)
	require.NoError(t, err)
	assert.Equal(t, loopText, string(text), "unit untouched")
}

func TestBufferGrowsThroughAllocator(t *testing.T) {
	u := ir.New(env.New(nil))
	defer u.Destroy()

	for i := 0; i < 200; i++ {
		r, err := u.AllocReg(ir.Float64)
		require.NoError(t, err)

		require.NoError(t, u.AddLoadImm(r, int64(math.Float64bits(-2.2250738585072014e-308))))
	}

	cd := alloc.NewCountdown()

	e := &env.Env{Alloc: cd}
	e.Fill()

	text, err := format.Unit(context.Background(), e, u)
	require.NoError(t, err)

	assert.Contains(t, string(text), "  199: LOAD_IMM   r200, -2.2250738585072014e-308\n")
	assert.Greater(t, len(text), 8*1024)

	assert.Zero(t, cap(text)%1024, "cap %d", cap(text))
	assert.Equal(t, cap(text)/1024, cd.Calls(), "every growth is approved")
}

func TestOperandForms(t *testing.T) {
	u := ir.New(env.New(nil))
	defer u.Destroy()

	base, _ := u.AllocReg(ir.Address)
	w, _ := u.AllocReg(ir.Int32)
	x, _ := u.AllocReg(ir.Int32)
	f1, _ := u.AllocReg(ir.Float64)
	f2, _ := u.AllocReg(ir.Float64)
	cmp, _ := u.AllocReg(ir.Int32)
	bf, _ := u.AllocReg(ir.Int32)
	res, _ := u.AllocReg(ir.Int32)
	fs, _ := u.AllocReg(ir.Float32)
	rec, _ := u.AllocReg(ir.Address)

	require.NoError(t, u.AddNop(0x80003100))
	require.NoError(t, u.AddNop(0))
	require.NoError(t, u.AddLoadArg(base, 0))
	require.NoError(t, u.AddLoad(ir.LOAD, w, base, 16))
	require.NoError(t, u.AddStore(ir.STORE_I16_BR, base, w, -8))
	require.NoError(t, u.AddLoadImm(x, -1))
	require.NoError(t, u.AddLoadImm(f1, int64(0x3FF8000000000000)))
	require.NoError(t, u.AddLoadImm(f2, int64(0x7FF8000000000001)))
	require.NoError(t, u.AddFCmp(cmp, f1, f2, ir.CondLE))
	require.NoError(t, u.AddBFExt(bf, w, 3, 5))
	require.NoError(t, u.AddCall(res, base, w, x))
	require.NoError(t, u.AddCall(0, base, 0, 0))
	require.NoError(t, u.AddLoadImm(fs, int64(0x40490FDB)))
	require.NoError(t, u.AddLoadArg(rec, 1))
	require.NoError(t, u.AddChain(res, rec, 0x80003104))

	lines := []string{
		"    0: NOP        0x80003100",
		"    1: NOP",
		"    2: LOAD_ARG   r1, 0",
		"    3: LOAD       r2, 16(r1)",
		"    4: STORE_I16_BR -8(r1), r2",
		"    5: LOAD_IMM   r3, -1",
		"    6: LOAD_IMM   r4, 1.5",
		"    7: LOAD_IMM   r5, 0x7FF8000000000001",
		"    8: FCMP       r6, r4, r5, LE",
		"    9: BFEXT      r7, r2, 3, 5",
		"   10: CALL       r8, r1, r2, r3",
		"   11: CALL       -, r1",
		"   12: LOAD_IMM   r9, 3.1415927",
		"   13: LOAD_ARG   r10, 1",
		"   14: CHAIN_RESOLVE r10, @15",
		"   15: CHAIN      r8, 0x80003104",
	}

	require.Len(t, u.Insns, len(lines))

	for i, exp := range lines {
		assert.Equal(t, exp, string(format.AppendInsn(nil, u, i)), "insn %d", i)
	}
}

func TestHost(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0x11, // mov [rcx], rdx
		0x0f, 0x0b,       // ud2
		0xc3,             // ret
	}

	text := string(format.Host(nil, code))
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	require.Len(t, lines, 3, "%s", text)

	assert.True(t, strings.HasPrefix(lines[0], "     0:  48 89 11"), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "mov qword ptr [rcx], rdx"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "     3:  0f 0b"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "ud2"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "     5:  c3"), lines[2])
	assert.True(t, strings.HasSuffix(lines[2], "ret"), lines[2])
}

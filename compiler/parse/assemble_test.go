package parse_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/parse"
)

const loopSource = `# counting loop with an unreachable block
reg r1 address
reg r2 int32
reg r3 int32
reg r4 int32

alias a1 int32 @ 256(r1)
alias a2 int32

    0: LOAD_ARG   r1, 0
    1: LABEL      L1
    2: GET_ALIAS  r2, a1
    3: ADDI       r3, r2, -1
    4: SET_ALIAS  a1, r3
    5: GOTO_IF_NZ r3, L1   # back edge
    6: GOTO       L2
    7: LOAD_IMM   r4, 5
    8: LABEL      L2
    9: RETURN
`

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

func assemble(t *testing.T, src string) *ir.Unit {
	t.Helper()

	u := ir.New(env.New(nil))

	err := parse.Assemble(context.Background(), u, "t.rtl", []byte(src))
	require.NoError(t, err)

	return u
}

func TestAssembleLoop(t *testing.T) {
	u := assemble(t, loopSource)
	defer u.Destroy()

	require.NoError(t, u.Finalize(context.Background()))

	text, err := format.Unit(context.Background(), u.Env(), u)
	require.NoError(t, err)

	assert.Equal(t, loopText, string(text))
}

func TestAssembleOperandForms(t *testing.T) {
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

	src := `reg r1 address
reg r2 int32
reg r3 int32
reg r4 float64
reg r5 float64
reg r6 int32
reg r7 int32
reg r8 int32
reg r9 float32
reg r10 address
` + strings.Join(lines, "\n") + "\n"

	u := assemble(t, src)
	defer u.Destroy()

	require.Len(t, u.Insns, len(lines))

	for i, exp := range lines {
		assert.Equal(t, exp, string(format.AppendInsn(nil, u, i)), "insn %d", i)
	}

	assert.Equal(t, int64(0x3FF8000000000000), u.Insns[6].Imm)
	assert.Equal(t, int64(0x40490FDB), u.Insns[12].Imm)
	assert.Equal(t, int64(15), u.Insns[14].Imm)
}

func TestAssembleWithoutIndexes(t *testing.T) {
	u := assemble(t, `
reg r1 int64
reg r2 int64
reg r3 int64
LOAD_IMM r1, 0x10
LOAD_IMM r2, -2
SLL r3, r1, r2
RETURN r3
`)
	defer u.Destroy()

	require.Len(t, u.Insns, 4)

	assert.Equal(t, ir.SLL, u.Insns[2].Op)
	assert.Equal(t, int64(16), u.Insns[0].Imm)
	assert.Equal(t, int64(-2), u.Insns[1].Imm)
	assert.Equal(t, ir.Reg(3), u.Insns[3].Src1)
}

func TestAssembleBitField(t *testing.T) {
	u := assemble(t, `
reg r1 int32
reg r2 int32
reg r3 int32
LOAD_ARG r1, 0
LOAD_ARG r2, 1
BFINS r3, r1, r2, 8, 4
RETURN r3
`)
	defer u.Destroy()

	in := u.Insns[2]

	assert.Equal(t, ir.BFINS, in.Op)
	assert.Equal(t, uint8(8), in.Start)
	assert.Equal(t, uint8(4), in.Count)
	assert.Equal(t, "    2: BFINS      r3, r1, r2, 8, 4", string(format.AppendInsn(nil, u, 2)))
}

func TestAssembleErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		src  string
		err  string
	}{
		{"opcode", "reg r1 int32\nFOO r1\n", "t.rtl:2:1: unknown opcode FOO"},
		{"reg order", "reg r2 int32\n", "t.rtl:1:5: register r2 declared out of order, expected r1"},
		{"alias order", "alias a3 int32\n", "t.rtl:1:7: alias a3 declared out of order, expected a1"},
		{"undeclared", "reg r1 int32\nLOAD_IMM r2, 5\n", "t.rtl:2:10: register r2 is not declared"},
		{"index", "reg r1 int32\n    3: LOAD_IMM r1, 5\n", "t.rtl:2:5: instruction index 3, expected 0"},
		{"type", "reg r1 int16\n", "t.rtl:1:8: unknown type int16"},
		{"arity", "reg r1 int32\nLOAD_IMM r1\n", "t.rtl:2:1: LOAD_IMM takes 2 operands, got 1"},
		{"eol", "reg r1 int32\nLOAD_IMM r1 5\n", "t.rtl:2:13: end of line expected"},
		{"cond", "reg r1 int32\nreg r2 float64\nLOAD_IMM r2, 1\nFCMP r1, r2, r2, XX\n", "t.rtl:4:18: unknown condition XX"},
		{"mem", "reg r1 address\nreg r2 int32\nLOAD_ARG r1, 0\nLOAD r2, r1\n", "t.rtl:4:10: off(reg) expected"},
		{"resolve", "reg r1 address\nLOAD_ARG r1, 0\nCHAIN_RESOLVE r1, 5\n", "t.rtl:3:19: @insn expected"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			u := ir.New(env.New(nil))
			defer u.Destroy()

			err := parse.Assemble(context.Background(), u, "t.rtl", []byte(tc.src))
			assert.EqualError(t, err, tc.err)
		})
	}
}

func TestAssembleFatal(t *testing.T) {
	var c env.Collector

	u := ir.New(env.New(c.Log))
	defer u.Destroy()

	err := parse.Assemble(context.Background(), u, "t.rtl", []byte(`reg r1 float64
reg r2 int32
LOAD_IMM r1, 1.5
ADD r2, r1, r1
`))

	assert.True(t, env.IsFatal(err), "%v", err)
	assert.True(t, strings.HasPrefix(err.Error(), "t.rtl:4:1: "), "%v", err)
	assert.Equal(t, "[error] Internal compiler error: ADD: r1 has type float64, expected int32\n", c.String())

	assert.Error(t, u.Usable())
}

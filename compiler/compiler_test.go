package compiler_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler"
	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/back"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/opt"
	"github.com/slowlang/ppcrec/compiler/parse"
)

const foldSource = `reg r1 int32
reg r2 int32
LOAD_IMM r1, 7
ADDI r2, r1, 1
RETURN r2
`

const loopSource = `reg r1 address
reg r2 int32
reg r3 int32
alias a1 int32 @ 256(r1)
LOAD_ARG r1, 0
LABEL L1
GET_ALIAS r2, a1
ADDI r3, r2, -1
SET_ALIAS a1, r3
GOTO_IF_NZ r3, L1
RETURN r3
`

func source(text string) compiler.Producer {
	return func(ctx context.Context, u *ir.Unit) error {
		return parse.Assemble(ctx, u, "t.rtl", []byte(text))
	}
}

func newHandle(t *testing.T, s compiler.Setup) *compiler.Handle {
	t.Helper()

	if s.Features == nil {
		var none back.Features
		s.Features = &none
	}

	h, err := compiler.New(s)
	require.NoError(t, err)

	return h
}

func TestTranslate(t *testing.T) {
	h := newHandle(t, compiler.Setup{HostOpt: back.DefaultFlags})

	code, err := h.Translate(context.Background(), source(loopSource))
	require.NoError(t, err)
	defer h.Free(code)

	require.NotEmpty(t, code.Buf)
	assert.Equal(t, byte(0xC3), code.Buf[len(code.Buf)-1])

	l := string(format.Host(nil, code.Buf))
	assert.Contains(t, l, "push rbp")
	assert.Contains(t, l, "+0x100]", "alias home")
}

func TestDisassembleOptimized(t *testing.T) {
	h := newHandle(t, compiler.Setup{CommonOpt: opt.Common})

	text, err := h.Disassemble(context.Background(), source(foldSource), true)
	require.NoError(t, err)

	assert.Equal(t, `    0: NOP
    1: LOAD_IMM   r2, 8
    2: RETURN     r2

Block 0: <none> --> [0,2] --> <none>
`, string(text))

	text, err = h.Disassemble(context.Background(), source(foldSource), false)
	require.NoError(t, err)

	assert.Contains(t, string(text), "    1: ADDI       r2, r1, 1\n")
}

const baseOnlySource = `reg r1 address
reg r2 int32
alias a1 int32 @ 16(r1)
LOAD_ARG r1, 0
LOAD_IMM r2, 5
SET_ALIAS a1, r2
RETURN
`

func TestOptimizeKeepsAliasBase(t *testing.T) {
	h := newHandle(t, compiler.Setup{CommonOpt: opt.All, HostOpt: back.DefaultFlags})

	text, err := h.Disassemble(context.Background(), source(baseOnlySource), true)
	require.NoError(t, err)
	assert.Contains(t, string(text), "    0: LOAD_ARG   r1, 0\n")

	code, err := h.Translate(context.Background(), source(baseOnlySource))
	require.NoError(t, err)
	defer h.Free(code)

	l := string(format.Host(nil, code.Buf))
	assert.Contains(t, l, "+0x10], ", "%s", l)
	assert.NotContains(t, l, "[rsp-0x8]", "%s", l)
}

const chainSource = `reg r1 address
reg r2 int32
LOAD_ARG r1, 0
LOAD_IMM r2, 0
CHAIN_RESOLVE r1, @3
CHAIN r2, 0x1000
`

func TestChainPassesArgs(t *testing.T) {
	h := newHandle(t, compiler.Setup{Chaining: true})

	code, err := h.Translate(context.Background(), source(chainSource))
	require.NoError(t, err)
	defer h.Free(code)

	require.Len(t, code.Chains, 1)

	l := string(format.Host(nil, code.Buf))
	assert.Contains(t, l, "mov rdi, qword ptr [rsp]\n", "%s", l)
	assert.Contains(t, l, "mov rsi, qword ptr [rsp+0x8]\n", "memory base is passed on unread: %s", l)
}

func TestProducerError(t *testing.T) {
	var c env.Collector

	h := newHandle(t, compiler.Setup{Log: c.Log})

	code, err := h.Translate(context.Background(), func(ctx context.Context, u *ir.Unit) error {
		return errors.New("no guest code")
	})
	assert.Error(t, err)
	assert.Nil(t, code)
	assert.Equal(t, "[error] Failed to produce unit: no guest code\n", c.String())

	c.Reset()

	_, err = h.Translate(context.Background(), source("reg r1 int32\nNOPE\n"))
	assert.Error(t, err)
	assert.Equal(t, "[error] Failed to produce unit: t.rtl:2:1: unknown opcode NOPE\n", c.String())
}

func TestFatal(t *testing.T) {
	var c env.Collector

	h := newHandle(t, compiler.Setup{Log: c.Log})

	_, err := h.Translate(context.Background(), source(`reg r1 int32
RETURN r1
`))
	assert.True(t, env.IsFatal(err), "%v", err)
	assert.Equal(t, "[error] Internal compiler error: RETURN: r1 used before definition\n", c.String())
}

func TestOutOfMemory(t *testing.T) {
	want := newHandle(t, compiler.Setup{CommonOpt: opt.All, HostOpt: back.DefaultFlags})

	ref, err := want.Translate(context.Background(), source(loopSource))
	require.NoError(t, err)
	defer want.Free(ref)

	for n := 1; ; n++ {
		var c env.Collector

		cd := alloc.NewCountdown()

		h := newHandle(t, compiler.Setup{
			CommonOpt: opt.All,
			HostOpt:   back.DefaultFlags,
			Alloc:     cd,
			Code:      cd,
			Log:       c.Log,
			Chunks:    compiler.Chunks{Insn: 2, Block: 1, Reg: 1, Alias: 1, Label: 1},
		})

		cd.Arm(n)

		require.Less(t, n, 1000, "allocation count does not converge")

		code, err := h.Translate(context.Background(), source(loopSource))
		if err != nil {
			require.True(t, env.IsNoMemory(err), "n=%d: %v", n, err)
			assert.Nil(t, code)
			assert.True(t, strings.HasPrefix(c.String(), "[error] Failed to "), "n=%d: %q", n, c.String())

			continue
		}

		// liveness scratch failures degrade to a warning
		assert.Equal(t, ref.Buf, code.Buf, "n=%d: %q", n, c.String())

		h.Free(code)

		if cd.Fails() == 0 {
			break
		}

		assert.Equal(t, "[warning] Not enough memory for alias liveness, dead alias stores are removed within blocks only\n", c.String(), "n=%d", n)
	}
}

func TestNewErrors(t *testing.T) {
	_, err := compiler.New(compiler.Setup{Guest: "m68k"})
	assert.Error(t, err)

	_, err = compiler.New(compiler.Setup{Host: "arm64"})
	assert.Error(t, err)

	s := compiler.DefaultStateOffsets
	s.LR = s.CR + 2

	_, err = compiler.New(compiler.Setup{State: s})
	assert.ErrorContains(t, err, "state fields cr at 640 and lr at 642 overlap")

	_, err = compiler.New(compiler.Setup{Scan: &compiler.Range{Start: 0x100, End: 0x80}})
	assert.Error(t, err)

	_, err = compiler.New(compiler.Setup{Args: 7})
	assert.Error(t, err)
}

func TestSetupDefaults(t *testing.T) {
	h := newHandle(t, compiler.Setup{})

	s := h.Setup()
	assert.Equal(t, compiler.GuestPPC750CL, s.Guest)
	assert.Equal(t, compiler.HostX86_64, s.Host)
	assert.Equal(t, compiler.DefaultStateOffsets, s.State)
	assert.Equal(t, compiler.DefaultArgs, s.Args)

	e := h.Env()
	assert.Equal(t, 1000, e.InsnChunk)
	assert.NotNil(t, e.Alloc)
	assert.NotNil(t, e.Code)
}

func TestLoadSetup(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "setup.yaml")

	err := os.WriteFile(name, []byte(`
guest: ppc750cl
guest_memory_base: 0x80000000
host_memory_base: 0x100000000
common_opt: common
guest_opt: fp-state,forward-loads
host_opt: bindings
features: fma,sse41
chaining: true
scan:
  start: 0x80003000
  end: 0x80004000
state:
  gpr: 16
  fpr: 144
  cr: 0
  lr: 4
  ctr: 8
  xer: 12
  fpscr: 656
  nia: 660
  chain: 664
chunks:
  insn: 64
`), 0o644)
	require.NoError(t, err)

	s, err := compiler.LoadSetup(name)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x80000000), s.GuestMemoryBase)
	assert.Equal(t, uint64(0x100000000), s.HostMemoryBase)
	assert.Equal(t, opt.Common, s.CommonOpt)
	assert.Equal(t, opt.FoldFPState|opt.ForwardLoads, s.GuestOpt)
	assert.Equal(t, back.EntryBindings, s.HostOpt)
	require.NotNil(t, s.Features)
	assert.Equal(t, back.FMA|back.SSE41, *s.Features)
	assert.True(t, s.Chaining)
	assert.Equal(t, &compiler.Range{Start: 0x80003000, End: 0x80004000}, s.Scan)
	assert.Equal(t, int32(144), s.State.FPR)
	assert.Equal(t, 64, s.Chunks.Insn)

	assert.True(t, s.Scan.Contains(0x80003ffc))
	assert.False(t, s.Scan.Contains(0x80004000))

	h, err := compiler.New(s)
	require.NoError(t, err)
	assert.Equal(t, int32(16+4*3), h.Setup().State.GPROffset(3))
}

func TestLoadSetupUnknownField(t *testing.T) {
	_, err := compiler.ParseSetup([]byte("optimise: all\n"))
	assert.Error(t, err)

	_, err = compiler.ParseSetup([]byte("features: sse5\n"))
	assert.Error(t, err)

	s, err := compiler.ParseSetup(nil)
	require.NoError(t, err)
	assert.Equal(t, compiler.Setup{}, s)
}

func TestBindState(t *testing.T) {
	u := ir.New(env.New(nil))
	defer u.Destroy()

	st := compiler.DefaultStateOffsets

	base, err := u.AllocReg(ir.Address)
	require.NoError(t, err)

	r3, err := st.BindGPR(u, base, 3)
	require.NoError(t, err)

	f1, err := st.BindFPR(u, ir.V2Float64, base, 1)
	require.NoError(t, err)

	lr, err := st.BindField(u, base, st.LR)
	require.NoError(t, err)

	assert.Equal(t, ir.Storage{Bound: true, Base: base, Offset: 12}, u.Alias(r3).Storage)
	assert.Equal(t, ir.Storage{Bound: true, Base: base, Offset: 128 + 16}, u.Alias(f1).Storage)
	assert.Equal(t, ir.Storage{Bound: true, Base: base, Offset: 644}, u.Alias(lr).Storage)

	_, err = st.BindGPR(u, base, 32)
	assert.Error(t, err)

	_, err = st.BindFPR(u, ir.Float32, base, 0)
	assert.Error(t, err)
}

func TestDetectFeatures(t *testing.T) {
	f := compiler.DetectFeatures()
	assert.Zero(t, f&^(back.FMA|back.SSE41|back.AVX))
}

package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/back"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/opt"
)

type (
	// Handle is a translation handle.
	// It owns its environment and shares nothing with other handles.
	Handle struct {
		setup Setup
		env   *env.Env
		opts  back.Options
	}

	// Producer fills a fresh unit with instructions.
	Producer func(ctx context.Context, u *ir.Unit) error
)

func New(s Setup) (*Handle, error) {
	if s.Guest == "" {
		s.Guest = GuestPPC750CL
	}

	if s.Host == "" {
		s.Host = HostX86_64
	}

	if s.Guest != GuestPPC750CL {
		return nil, errors.New("unsupported guest architecture: %q", s.Guest)
	}

	if s.Host != HostX86_64 {
		return nil, errors.New("unsupported host architecture: %q", s.Host)
	}

	if s.State == (StateOffsets{}) {
		s.State = DefaultStateOffsets
	}

	if err := s.State.check(); err != nil {
		return nil, errors.Wrap(err, "state offsets")
	}

	if s.Scan != nil && s.Scan.End < s.Scan.Start {
		return nil, errors.New("scan range %#x-%#x is empty", s.Scan.Start, s.Scan.End)
	}

	if s.Args == 0 {
		s.Args = DefaultArgs
	}

	if s.Args < 0 || s.Args > ir.MaxArgs {
		return nil, errors.New("args %d out of range 1-%d", s.Args, ir.MaxArgs)
	}

	if s.Features == nil {
		f := DetectFeatures()
		s.Features = &f
	}

	e := &env.Env{
		Alloc: s.Alloc,
		Code:  s.Code,
		Log:   s.Log,

		InsnChunk:  s.Chunks.Insn,
		BlockChunk: s.Chunks.Block,
		RegChunk:   s.Chunks.Reg,
		AliasChunk: s.Chunks.Alias,
		LabelChunk: s.Chunks.Label,
	}

	e.Fill()

	h := &Handle{
		setup: s,
		env:   e,
		opts: back.Options{
			Features: *s.Features,
			Flags:    s.HostOpt,
			Chaining: s.Chaining,
			Args:     s.Args,
		},
	}

	return h, nil
}

func (h *Handle) Env() *env.Env { return h.env }

// Setup returns the setup with defaults filled in.
func (h *Handle) Setup() Setup { return h.setup }

// Translate builds a unit with produce and compiles it to host code.
// The unit is destroyed in any case. The code is owned by the caller
// and released with Free.
func (h *Handle) Translate(ctx context.Context, produce Producer) (code *back.Code, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compiler: translate", "features", h.opts.Features, "chaining", h.opts.Chaining)
	defer tr.Finish("err", &err)

	u, err := h.build(ctx, produce, true)
	defer u.Destroy()

	if err != nil {
		return nil, err
	}

	code, err = back.New(h.env, h.opts).Translate(ctx, u)
	if err != nil {
		return nil, errors.Wrap(err, "translate")
	}

	return code, nil
}

// Disassemble builds a unit with produce and renders it as text.
func (h *Handle) Disassemble(ctx context.Context, produce Producer, optimize bool) (text []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compiler: disassemble", "optimize", optimize)
	defer tr.Finish("err", &err)

	u, err := h.build(ctx, produce, optimize)
	defer u.Destroy()

	if err != nil {
		return nil, err
	}

	return format.Unit(ctx, h.env, u)
}

func (h *Handle) Free(code *back.Code) {
	code.Free(h.env)
}

// build runs the producer, finalizes and optionally optimizes the unit.
// The unit is returned even on failure so it can be destroyed.
func (h *Handle) build(ctx context.Context, produce Producer, optimize bool) (u *ir.Unit, err error) {
	u = ir.New(h.env)

	err = produce(ctx, u)
	if err != nil {
		if !env.IsFatal(err) && !env.IsNoMemory(err) {
			h.env.Errorf("Failed to produce unit: %v", err)
		}

		return u, errors.Wrap(err, "produce")
	}

	err = u.Finalize(ctx)
	if err != nil {
		return u, errors.Wrap(err, "finalize")
	}

	flags := h.setup.CommonOpt | h.setup.GuestOpt

	if !optimize || flags == 0 {
		return u, nil
	}

	err = opt.Optimize(ctx, u, flags)
	if err != nil {
		return u, errors.Wrap(err, "optimize")
	}

	return u, nil
}

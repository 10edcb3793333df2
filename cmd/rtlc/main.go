package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler"
	"github.com/slowlang/ppcrec/compiler/back"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/format"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/opt"
	"github.com/slowlang/ppcrec/compiler/parse"
)

func main() {
	flags := []*cli.Flag{
		cli.NewFlag("config,c", "", "setup yaml file"),
		cli.NewFlag("opt,O", "", "guest independent optimizations (fold,dce,dead-stores,forward-aliases,common,none)"),
		cli.NewFlag("guest-opt", "", "guest specific optimizations (fp-state,forward-loads,guest,none)"),
	}

	disasmCmd := &cli.Command{
		Name:        "disasm",
		Description: "assemble RTL files and print the finalized units",
		Action:      disasmAct,
		Args:        cli.Args{},
		Flags: append(flags,
			cli.NewFlag("raw", false, "do not optimize"),
		),
	}

	translateCmd := &cli.Command{
		Name:        "translate",
		Description: "translate RTL files to x86-64 and print the listing",
		Action:      translateAct,
		Args:        cli.Args{},
		Flags: append(flags,
			cli.NewFlag("host-opt", "", "host optimizations (bindings,default,none)"),
			cli.NewFlag("features", "", "host extensions (fma,sse41,avx,none), detected if empty"),
			cli.NewFlag("chain", false, "leave CHAIN through patchable jumps"),
		),
	}

	app := &cli.Command{
		Name:        "rtlc",
		Description: "rtlc is a tool for inspecting the recompiler core on RTL text",
		Commands: []*cli.Command{
			disasmCmd,
			translateCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func disasmAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	var diag env.Collector

	h, err := handle(c, &diag, false)
	if err != nil {
		return err
	}

	for _, a := range c.Args {
		text, err := h.Disassemble(ctx, source(a), !c.Bool("raw"))
		flush(os.Stderr, &diag)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}

		fmt.Printf("%s:\n%s\n", a, text)
	}

	return nil
}

func translateAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	var diag env.Collector

	h, err := handle(c, &diag, true)
	if err != nil {
		return err
	}

	for _, a := range c.Args {
		code, err := h.Translate(ctx, source(a))
		flush(os.Stderr, &diag)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}

		fmt.Printf("%s: %d bytes\n%s", a, len(code.Buf), format.Host(nil, code.Buf))

		for _, ch := range code.Chains {
			fmt.Printf("chain  insn %d  guest %#08x  patch %#x\n", ch.Insn, ch.GuestAddr, ch.PatchOffset)
		}

		fmt.Printf("\n")

		h.Free(code)
	}

	return nil
}

// handle builds a handle from the config file overridden by flags.
func handle(c *cli.Command, diag *env.Collector, host bool) (h *compiler.Handle, err error) {
	var s compiler.Setup

	if q := c.String("config"); q != "" {
		s, err = compiler.LoadSetup(q)
		if err != nil {
			return nil, err
		}
	}

	if q := c.String("opt"); q != "" {
		s.CommonOpt, err = opt.ParseFlags(q)
		if err != nil {
			return nil, errors.Wrap(err, "opt")
		}
	}

	if q := c.String("guest-opt"); q != "" {
		s.GuestOpt, err = opt.ParseFlags(q)
		if err != nil {
			return nil, errors.Wrap(err, "guest-opt")
		}
	}

	if host {
		if q := c.String("host-opt"); q != "" {
			s.HostOpt, err = back.ParseFlags(q)
			if err != nil {
				return nil, errors.Wrap(err, "host-opt")
			}
		}

		if q := c.String("features"); q != "" {
			f, err := back.ParseFeatures(q)
			if err != nil {
				return nil, errors.Wrap(err, "features")
			}

			s.Features = &f
		}

		s.Chaining = s.Chaining || c.Bool("chain")
	}

	s.Log = diag.Log

	return compiler.New(s)
}

func source(name string) compiler.Producer {
	return func(ctx context.Context, u *ir.Unit) error {
		text, err := os.ReadFile(name)
		if err != nil {
			return errors.Wrap(err, "read")
		}

		return parse.Assemble(ctx, u, name, text)
	}
}

// flush prints diagnostics collected so far as they were reported.
func flush(w io.Writer, diag *env.Collector) {
	fmt.Fprint(w, diag.String())
	diag.Reset()
}

package parse

import (
	"context"

	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	// Program is a sequence of lines.
	// Empty lines and comments are skipped.
	Program struct{}

	Line struct{}

	RegDecl struct{}

	AliasDecl struct{}

	Insn struct{}
)

var line = AnyOf{
	RegDecl{},
	AliasDecl{},
	Insn{},
}

func (p Program) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	var lines []ast.Node

	i = st

	for {
		i = Lines.Skip(b, i)
		if i == len(b) {
			break
		}

		x, i, err = line.Parse(ctx, b, i)
		if err != nil {
			return nil, i, err
		}

		lines = append(lines, x)

		i = Trailer.Skip(b, i)

		if i < len(b) && b[i] != '\n' {
			return nil, i, errors.New("end of line expected")
		}
	}

	return ast.Program{Base: ast.Base{Pos: st, End: i}, Lines: lines}, i, nil
}

func (p Line) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	return line.Parse(ctx, b, st)
}

func (p RegDecl) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	r := AllOf{
		Keyword("reg"),
		Spaced(Reg{}),
		Spaced(Type{}),
	}

	x, i, err = r.Parse(ctx, b, st)
	if err != nil {
		return nil, i, err
	}

	xt := x.([]ast.Node)

	res := ast.RegDecl{
		Base: ast.Base{
			Pos: st,
			End: i,
		},
		Reg:  xt[1].(ast.Reg),
		Type: xt[2].(ast.Ident),
	}

	return res, i, nil
}

func (p AliasDecl) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	r := AllOf{
		Keyword("alias"),
		Spaced(Alias{}),
		Spaced(Type{}),
		Optional{AllOf{
			Spaced(Const("@")),
			Spaced(Mem{}),
		}},
	}

	x, i, err = r.Parse(ctx, b, st)
	if err != nil {
		return nil, i, err
	}

	xt := x.([]ast.Node)

	res := ast.AliasDecl{
		Base: ast.Base{
			Pos: st,
			End: i,
		},
		Alias: xt[1].(ast.Alias),
		Type:  xt[2].(ast.Ident),
	}

	if at, ok := xt[3].([]ast.Node); ok {
		res.Storage = at[1]
	}

	return res, i, nil
}

func (p Insn) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	r := AllOf{
		Optional{AllOf{
			Int{},
			Const(":"),
		}},
		Spaced(Ident{}),
		Optional{List{
			Of:  Spaced(Operand{}),
			Sep: Spaced(Const(",")),
		}},
	}

	x, i, err = r.Parse(ctx, b, st)
	if err != nil {
		return nil, i, err
	}

	xt := x.([]ast.Node)

	res := ast.Insn{
		Base: ast.Base{
			Pos: st,
			End: i,
		},
		Op: xt[1].(ast.Ident),
	}

	if idx, ok := xt[0].([]ast.Node); ok {
		res.Index = idx[0]
	}

	if args, ok := xt[2].([]ast.Node); ok {
		res.Args = args
	}

	return res, i, nil
}

func (p RegDecl) String() string   { return "reg declaration" }
func (p AliasDecl) String() string { return "alias declaration" }
func (p Insn) String() string      { return "instruction" }

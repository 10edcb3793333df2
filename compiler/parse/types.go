package parse

import (
	"context"
	"strconv"

	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	// Type is a value type name such as int32 or v2_float64.
	Type struct{}

	Reg struct{}

	Alias struct{}

	Label struct{}

	// InsnRef is @N.
	InsnRef struct{}

	// Mem is OFF(rN).
	Mem struct{}

	// Dash is the absent operand -.
	Dash struct{}

	// Operand is any instruction operand.
	Operand struct{}
)

var operand = AnyOf{
	Reg{},
	Alias{},
	Label{},
	InsnRef{},
	Mem{},
	Num{},
	Dash{},
	Ident{},
}

func (p Type) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	x, i, err = Ident{}.Parse(ctx, b, st)
	if err != nil {
		return nil, st, errors.New("type expected")
	}

	return
}

func (p Type) String() string { return "type" }

func (p Reg) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	n, i, err := index(ctx, b, st, 'r')
	if err != nil {
		return nil, st, err
	}

	return ast.Reg{Base: ast.Base{Pos: st, End: i}, N: n}, i, nil
}

func (p Reg) String() string { return "register" }

func (p Alias) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	n, i, err := index(ctx, b, st, 'a')
	if err != nil {
		return nil, st, err
	}

	return ast.Alias{Base: ast.Base{Pos: st, End: i}, N: n}, i, nil
}

func (p Alias) String() string { return "alias" }

func (p Label) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	n, i, err := index(ctx, b, st, 'L')
	if err != nil {
		return nil, st, err
	}

	return ast.Label{Base: ast.Base{Pos: st, End: i}, N: n}, i, nil
}

func (p Label) String() string { return "label" }

func (p InsnRef) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	n, i, err := index(ctx, b, st, '@')
	if err != nil {
		return nil, st, err
	}

	return ast.InsnRef{Base: ast.Base{Pos: st, End: i}, N: n}, i, nil
}

func (p InsnRef) String() string { return "@insn" }

func (p Mem) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	r := AllOf{
		Int{},
		Const("("),
		Spaced(Reg{}),
		Spaced(Const(")")),
	}

	x, i, err = r.Parse(ctx, b, st)
	if err != nil {
		return nil, i, err
	}

	xt := x.([]ast.Node)

	res := ast.Mem{
		Base: ast.Base{
			Pos: st,
			End: i,
		},
		Off: xt[0].(ast.Int),
		Reg: xt[2].(ast.Reg),
	}

	return res, i, nil
}

func (p Mem) String() string { return "off(reg)" }

func (Dash) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	_, i, err = Const("-").Parse(ctx, b, st)
	if err != nil {
		return nil, st, err
	}

	return ast.None{Base: ast.Base{Pos: st, End: i}}, i, nil
}

func (Operand) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	return operand.Parse(ctx, b, st)
}

func (Operand) String() string { return "operand" }

func index(ctx context.Context, b []byte, st int, prefix byte) (n, i int, err error) {
	x, i, err := Index(prefix).Parse(ctx, b, st)
	if err != nil {
		return 0, st, err
	}

	d := x.(ast.Int)

	n, err = strconv.Atoi(string(b[d.Pos:d.End]))
	if err != nil {
		return 0, st, errors.Wrap(err, "%c index", prefix)
	}

	return n, i, nil
}

package parse

import (
	"context"

	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	// Num is an Int or a Float.
	Num struct{}

	// Int is a decimal or 0x prefixed hex integer with an optional sign.
	Int struct{}

	Float struct{}

	// Index is an unsigned decimal after a prefix, as in r5 or @12.
	Index byte
)

func (p Num) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	i = st

	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}

	if j, ok := hex(b, i); ok {
		return ast.Int{Base: ast.Base{Pos: st, End: j}}, j, nil
	}

	if j := i + 3; j <= len(b) && string(b[i:j]) == "Inf" {
		return ast.Float{Base: ast.Base{Pos: st, End: j}}, j, nil
	}

	dst := i
	dot := false
	exp := false

loop:
	for ; i < len(b); i++ {
		switch {
		case b[i] >= '0' && b[i] <= '9':
		case !dot && !exp && b[i] == '.':
			dot = true
		case !exp && i != dst && (b[i] == 'e' || b[i] == 'E'):
			exp = true

			if i+1 < len(b) && (b[i+1] == '-' || b[i+1] == '+') {
				i++
			}
		default:
			break loop
		}
	}

	if i == dst || i == dst+1 && b[dst] == '.' {
		return nil, st, errors.New("number expected")
	}

	base := ast.Base{
		Pos: st,
		End: i,
	}

	if dot || exp {
		return ast.Float{Base: base}, i, nil
	}

	return ast.Int{Base: base}, i, nil
}

func (p Num) String() string { return "number" }

func (p Int) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	x, i, err = Num{}.Parse(ctx, b, st)
	if err != nil {
		return nil, st, errors.New("integer expected")
	}

	if _, ok := x.(ast.Int); !ok {
		return nil, st, errors.New("integer expected")
	}

	return
}

func (p Int) String() string { return "integer" }

func (p Float) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	x, i, err = Num{}.Parse(ctx, b, st)
	if err != nil {
		return nil, st, errors.New("float expected")
	}

	if y, ok := x.(ast.Int); ok {
		x = ast.Float(y)
	}

	return
}

// Parse returns the ast.Int of the digits after the prefix.
func (p Index) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	if st == len(b) || b[st] != byte(p) {
		return nil, st, errors.New("%c expected", p)
	}

	i = st + 1

	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}

	if i == st+1 || i < len(b) && isIdent(b[i]) {
		return nil, st, errors.New("%cN expected", p)
	}

	return ast.Int{Base: ast.Base{Pos: st + 1, End: i}}, i, nil
}

func hex(b []byte, i int) (int, bool) {
	if i+1 >= len(b) || b[i] != '0' || b[i+1] != 'x' && b[i+1] != 'X' {
		return i, false
	}

	dst := i + 2

	for i = dst; i < len(b); i++ {
		c := b[i]

		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			break
		}
	}

	return i, i != dst
}

package parse

import (
	"bytes"
	"context"
	"fmt"

	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	Const []byte

	// Keyword is a Const not followed by an identifier character.
	Keyword []byte

	Ident []byte

	// Comment is # up to the end of line.
	Comment struct{}
)

func (p Const) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	if bytes.HasPrefix(b[st:], p) {
		return ast.Token{Base: ast.Base{Pos: st, End: st + len(p)}}, st + len(p), nil
	}

	return nil, st, errors.New("%q expected", []byte(p))
}

func (p Const) String() string { return fmt.Sprintf("%q", []byte(p)) }

func (p Keyword) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	i = st + len(p)

	if !bytes.HasPrefix(b[st:], p) || i < len(b) && isIdent(b[i]) {
		return nil, st, errors.New("%s expected", []byte(p))
	}

	return ast.Token{Base: ast.Base{Pos: st, End: i}}, i, nil
}

func (p Keyword) String() string { return string(p) }

func (p Ident) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	if st == len(b) {
		return nil, st, errors.New("identifier expected")
	}

	i = st

	c := b[i]

	switch {
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
		i++
	default:
		return nil, st, errors.New("identifier expected")
	}

	for i < len(b) && isIdent(b[i]) {
		i++
	}

	return ast.Ident{Base: ast.Base{Pos: st, End: i}}, i, nil
}

func (p Ident) String() string { return "identifier" }

func (Comment) Parse(ctx context.Context, b []byte, st int) (_ ast.Node, i int, err error) {
	if st == len(b) || b[st] != '#' {
		return nil, st, errors.New("comment expected")
	}

	i = lineEnd(b, st)

	return ast.Token{Base: ast.Base{Pos: st, End: i}}, i, nil
}

func isIdent(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

package parse

import (
	"context"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	// Blank is a class of text separating RTL tokens.
	Blank uint8

	// Spacer skips inline blanks before Of.
	Spacer struct {
		Blank Blank
		Of    Parser
	}
)

const (
	// Inline is spaces and tabs.
	Inline Blank = iota

	// Trailer is what may end a line before its \n:
	// inline blanks, \r and a # comment.
	Trailer

	// Lines is any run of blanks, line breaks and comments.
	Lines
)

func (s Blank) Skip(b []byte, st int) (i int) {
	i = st

	for i < len(b) {
		switch c := b[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '\r' && s != Inline:
			i++
		case c == '\n' && s == Lines:
			i++
		case c == '#' && s != Inline:
			i = lineEnd(b, i)
		default:
			return i
		}
	}

	return i
}

func Spaced(p Parser) Spacer {
	return Spacer{Blank: Inline, Of: p}
}

// Parse skips blanks before Of.
// If Of fails without consuming anything the blanks are not consumed either.
func (p Spacer) Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error) {
	vst := p.Blank.Skip(b, st)

	x, i, err = p.Of.Parse(ctx, b, vst)
	if err != nil && i == vst {
		i = st
	}

	return
}

func (p Spacer) String() string { return name(p.Of) }

// lineEnd is the offset of the \n ending the line at i, or len(b).
func lineEnd(b []byte, i int) int {
	for i < len(b) && b[i] != '\n' {
		i++
	}

	return i
}

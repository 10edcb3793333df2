package parse

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"reflect"

	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/ast"
)

type (
	State struct {
		b []byte // all files concatenated

		Grammar Parser

		files []file
	}

	file struct {
		base int
		size int
		name string
	}

	Parser interface {
		Parse(ctx context.Context, b []byte, st int) (x ast.Node, i int, err error)
	}

	TypeExpectedError struct {
		T interface{}
	}

	PartialReadError struct {
		End int
	}

	// PosError is an error at a position of the source text.
	PosError struct {
		File string
		Line int
		Col  int

		Err error
	}

	stateCtxKey struct{}
)

func ParseFile(ctx context.Context, name string) (*State, ast.Node, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read file")
	}

	s := New()
	s.AddFile(name, data)

	x, err := s.Parse(ctx)

	return s, x, err
}

func Parse(ctx context.Context, text []byte) (x ast.Node, err error) {
	s := New()

	s.AddFile("", text)

	return s.Parse(ctx)
}

func New() *State {
	return &State{
		Grammar: Program{},
	}
}

func (s *State) Parse(ctx context.Context) (x ast.Node, err error) {
	ctx = context.WithValue(ctx, stateCtxKey{}, s)

	x, i, err := s.Grammar.Parse(ctx, s.b, 0)
	if err != nil {
		return nil, s.Errorf(i, err)
	}

	i = Lines.Skip(s.b, i)

	if i != len(s.b) {
		return x, s.Errorf(i, PartialReadError{End: i})
	}

	return x, nil
}

func (s *State) AddFile(name string, text []byte) {
	f := file{
		name: name,
		base: len(s.b),
		size: len(text),
	}

	s.b = append(s.b, text...)

	s.files = append(s.files, f)
}

func (s *State) Bytes() []byte { return s.b }

func (s *State) Text(pos, end int) []byte {
	return s.b[pos:end]
}

// Position converts an offset into file name, line and column, both 1-based.
func (s *State) Position(off int) (name string, line, col int) {
	for _, f := range s.files {
		if off < f.base || off > f.base+f.size {
			continue
		}

		text := s.b[f.base:off]

		line = 1 + bytes.Count(text, []byte{'\n'})
		col = 1 + len(text) - (bytes.LastIndexByte(text, '\n') + 1)

		return f.name, line, col
	}

	return "", 0, 0
}

func (s *State) Errorf(off int, err error) error {
	name, line, col := s.Position(off)

	return PosError{File: name, Line: line, Col: col, Err: err}
}

func NewTypeExpectedError(t interface{}) TypeExpectedError {
	return TypeExpectedError{
		T: t,
	}
}

func StateFromContext(ctx context.Context) *State {
	s, _ := ctx.Value(stateCtxKey{}).(*State)
	return s
}

func (e TypeExpectedError) Error() string {
	return fmt.Sprintf("%v expected", reflect.TypeOf(e.T))
}

func (e PartialReadError) Error() string {
	return "partial read"
}

func (e PosError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%d:%d: %v", e.Line, e.Col, e.Err)
	}

	return fmt.Sprintf("%s:%d:%d: %v", e.File, e.Line, e.Col, e.Err)
}

func (e PosError) Unwrap() error { return e.Err }

package parse

import (
	"bytes"
	"context"
	"math"
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/ast"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	// assembler adds parsed lines to a unit.
	assembler struct {
		s *State
		u *ir.Unit
	}

	spanner interface {
		Span() (pos, end int)
	}
)

// Assemble parses text and adds its declarations and instructions to u.
//
// Registers and aliases are declared in allocation order with
// reg rN TYPE and alias aN TYPE [@ OFF(rB)]. Labels are allocated
// as they are referenced. Instructions use the disassembly syntax,
// their N: index is optional and checked if present.
func Assemble(ctx context.Context, u *ir.Unit, name string, text []byte) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "parse: assemble", "name", name, "size", len(text))
	defer tr.Finish("err", &err)

	s := New()
	s.AddFile(name, text)

	x, err := s.Parse(ctx)
	if err != nil {
		return err
	}

	p := x.(ast.Program)

	a := &assembler{s: s, u: u}

	for _, l := range p.Lines {
		err = a.line(l)
		if err != nil {
			return err
		}
	}

	if tr.If("dump_unit") {
		tr.Printw("assembled", "lines", len(p.Lines), "insns", len(u.Insns), "regs", u.NumRegs(), "aliases", u.NumAliases(), "labels", u.NumLabels())
	}

	return nil
}

func (a *assembler) line(l ast.Node) error {
	switch l := l.(type) {
	case ast.RegDecl:
		return a.regDecl(l)
	case ast.AliasDecl:
		return a.aliasDecl(l)
	case ast.Insn:
		return a.insn(l)
	default:
		return a.errorf(l, "unexpected %T", l)
	}
}

func (a *assembler) regDecl(d ast.RegDecl) error {
	t, err := a.typ(d.Type)
	if err != nil {
		return err
	}

	if exp := a.u.NumRegs() + 1; d.Reg.N != exp {
		return a.errorf(d.Reg, "register r%d declared out of order, expected r%d", d.Reg.N, exp)
	}

	_, err = a.u.AllocReg(t)
	if err != nil {
		return a.wrap(d, err)
	}

	return nil
}

func (a *assembler) aliasDecl(d ast.AliasDecl) error {
	t, err := a.typ(d.Type)
	if err != nil {
		return err
	}

	if exp := a.u.NumAliases() + 1; d.Alias.N != exp {
		return a.errorf(d.Alias, "alias a%d declared out of order, expected a%d", d.Alias.N, exp)
	}

	if d.Storage != nil {
		if _, err = a.reg(d.Storage.(ast.Mem).Reg); err != nil {
			return err
		}
	}

	al, err := a.u.AllocAlias(t)
	if err != nil {
		return a.wrap(d, err)
	}

	if d.Storage == nil {
		return nil
	}

	m := d.Storage.(ast.Mem)

	off, err := a.offset(m.Off)
	if err != nil {
		return err
	}

	err = a.u.BindAlias(al, ir.Reg(m.Reg.N), off)
	if err != nil {
		return a.wrap(d, err)
	}

	return nil
}

func (a *assembler) insn(l ast.Insn) (err error) {
	u := a.u

	if l.Index != nil {
		n, err := a.integer(l.Index)
		if err != nil {
			return err
		}

		if n != int64(len(u.Insns)) {
			return a.errorf(l.Index, "instruction index %d, expected %d", n, len(u.Insns))
		}
	}

	name := string(a.text(l.Op))

	op, ok := ir.LookupOp(name)
	if !ok {
		return a.errorf(l.Op, "unknown opcode %s", name)
	}

	args := l.Args

	arity := func(min, max int) error {
		if len(args) < min || len(args) > max {
			if min == max {
				return a.errorf(l, "%v takes %d operands, got %d", op, min, len(args))
			}

			return a.errorf(l, "%v takes %d to %d operands, got %d", op, min, max, len(args))
		}

		return nil
	}

	var dest, src1, src2 ir.Reg
	var x ir.Extra

	// regs reads register operands starting at args[0]
	regs := func(rs ...*ir.Reg) error {
		for j, r := range rs {
			*r, err = a.reg(args[j])
			if err != nil {
				return err
			}
		}

		return nil
	}

	switch f := op.Form(); f {
	case ir.FormNone:
		err = arity(0, 0)
	case ir.FormNop:
		if err = arity(0, 1); err == nil && len(args) != 0 {
			x.Imm, err = a.guestAddr(args[0])
		}
	case ir.FormD:
		if err = arity(1, 1); err == nil {
			err = regs(&dest)
		}
	case ir.FormS:
		if err = arity(1, 1); err == nil {
			err = regs(&src1)
		}
	case ir.FormDS:
		if err = arity(2, 2); err == nil {
			err = regs(&dest, &src1)
		}
	case ir.FormDSS:
		if err = arity(3, 3); err == nil {
			err = regs(&dest, &src1, &src2)
		}
	case ir.FormDSSS:
		if err = arity(4, 4); err == nil {
			err = regs(&dest, &src1, &src2, &x.Src3)
		}
	case ir.FormDI:
		if err = arity(2, 2); err == nil {
			err = regs(&dest)
		}

		if err == nil && op == ir.LOAD_IMM {
			x.Imm, err = a.imm(args[1], u.Reg(dest).Type)
		} else if err == nil {
			x.Imm, err = a.integer(args[1])
		}
	case ir.FormDSI:
		if err = arity(3, 3); err == nil {
			err = regs(&dest, &src1)
		}

		if err == nil {
			x.Imm, err = a.integer(args[2])
		}
	case ir.FormDSSI:
		if err = arity(4, 4); err == nil {
			err = regs(&dest, &src1, &src2)
		}

		if err == nil {
			x.Imm, err = a.integer(args[3])
		}
	case ir.FormFCmp:
		if err = arity(4, 4); err == nil {
			err = regs(&dest, &src1, &src2)
		}

		if err == nil {
			var c ir.Cond

			c, err = a.cond(args[3])
			x.Imm = int64(c)
		}
	case ir.FormLoad:
		if err = arity(2, 2); err == nil {
			err = regs(&dest)
		}

		if err == nil {
			src1, x.Imm, err = a.mem(args[1])
		}
	case ir.FormStore:
		if err = arity(2, 2); err == nil {
			src1, x.Imm, err = a.mem(args[0])
		}

		if err == nil {
			src2, err = a.reg(args[1])
		}
	case ir.FormBFExt:
		if err = arity(4, 4); err == nil {
			err = regs(&dest, &src1)
		}

		if err == nil {
			x.Start, x.Count, err = a.field(args[2], args[3])
		}
	case ir.FormBFIns:
		if err = arity(5, 5); err == nil {
			err = regs(&dest, &src1, &src2)
		}

		if err == nil {
			x.Start, x.Count, err = a.field(args[3], args[4])
		}
	case ir.FormLabel:
		if err = arity(1, 1); err == nil {
			x.Label, err = a.label(args[0])
		}
	case ir.FormBranch:
		if err = arity(2, 2); err == nil {
			err = regs(&src1)
		}

		if err == nil {
			x.Label, err = a.label(args[1])
		}
	case ir.FormGet:
		if err = arity(2, 2); err == nil {
			err = regs(&dest)
		}

		if err == nil {
			x.Alias, err = a.alias(args[1])
		}
	case ir.FormSet:
		if err = arity(2, 2); err == nil {
			x.Alias, err = a.alias(args[0])
		}

		if err == nil {
			src1, err = a.reg(args[1])
		}
	case ir.FormCall:
		err = arity(2, 4)

		if err == nil {
			if _, none := args[0].(ast.None); !none {
				dest, err = a.reg(args[0])
			}
		}

		for j, r := range []*ir.Reg{&src1, &src2, &x.Src3} {
			if err != nil || j+1 >= len(args) {
				break
			}

			*r, err = a.reg(args[j+1])
		}
	case ir.FormReturn:
		if err = arity(0, 1); err == nil && len(args) != 0 {
			err = regs(&src1)
		}
	case ir.FormChain:
		if err = arity(2, 2); err == nil {
			err = regs(&src1)
		}

		if err == nil {
			x.Imm, err = a.guestAddr(args[1])
		}
	case ir.FormResolve:
		if err = arity(2, 2); err == nil {
			err = regs(&src1)
		}

		if err == nil {
			ref, ok := args[1].(ast.InsnRef)
			if !ok {
				err = a.errorf(args[1], "@insn expected")
			}

			x.Imm = int64(ref.N)
		}
	default:
		return a.errorf(l.Op, "%v: unsupported operand form %d", op, f)
	}

	if err != nil {
		return err
	}

	err = u.AddInsn(op, dest, src1, src2, x)
	if err != nil {
		return a.wrap(l, err)
	}

	return nil
}

func (a *assembler) typ(id ast.Ident) (ir.Type, error) {
	t, ok := ir.ParseType(string(a.text(id)))
	if !ok {
		return 0, a.errorf(id, "unknown type %s", a.text(id))
	}

	return t, nil
}

func (a *assembler) reg(n ast.Node) (ir.Reg, error) {
	r, ok := n.(ast.Reg)
	if !ok {
		return 0, a.errorf(n, "register expected")
	}

	if r.N < 1 || r.N > a.u.NumRegs() {
		return 0, a.errorf(n, "register r%d is not declared", r.N)
	}

	return ir.Reg(r.N), nil
}

func (a *assembler) alias(n ast.Node) (ir.Alias, error) {
	al, ok := n.(ast.Alias)
	if !ok {
		return 0, a.errorf(n, "alias expected")
	}

	if al.N < 1 || al.N > a.u.NumAliases() {
		return 0, a.errorf(n, "alias a%d is not declared", al.N)
	}

	return ir.Alias(al.N), nil
}

// label allocates labels up to the one referenced.
func (a *assembler) label(n ast.Node) (ir.Label, error) {
	l, ok := n.(ast.Label)
	if !ok {
		return 0, a.errorf(n, "label expected")
	}

	if l.N < 1 {
		return 0, a.errorf(n, "label L%d is out of range", l.N)
	}

	for a.u.NumLabels() < l.N {
		_, err := a.u.AllocLabel()
		if err != nil {
			return 0, a.wrap(n, err)
		}
	}

	return ir.Label(l.N), nil
}

func (a *assembler) cond(n ast.Node) (ir.Cond, error) {
	id, ok := n.(ast.Ident)
	if !ok {
		return 0, a.errorf(n, "condition expected")
	}

	c, ok := ir.ParseCond(string(a.text(id)))
	if !ok {
		return 0, a.errorf(n, "unknown condition %s", a.text(id))
	}

	return c, nil
}

func (a *assembler) mem(n ast.Node) (base ir.Reg, off int64, err error) {
	m, ok := n.(ast.Mem)
	if !ok {
		return 0, 0, a.errorf(n, "off(reg) expected")
	}

	base, err = a.reg(m.Reg)
	if err != nil {
		return 0, 0, err
	}

	o, err := a.offset(m.Off)
	if err != nil {
		return 0, 0, err
	}

	return base, int64(o), nil
}

func (a *assembler) field(start, count ast.Node) (s, c uint8, err error) {
	for _, x := range []struct {
		n ast.Node
		p *uint8
	}{{start, &s}, {count, &c}} {
		v, err := a.integer(x.n)
		if err != nil {
			return 0, 0, err
		}

		if v < 0 || v > 64 {
			return 0, 0, a.errorf(x.n, "bit field bound %d is out of range", v)
		}

		*x.p = uint8(v)
	}

	return s, c, nil
}

// integer parses a signed integer. Hex values up to 64 bits
// are taken as bit patterns.
func (a *assembler) integer(n ast.Node) (int64, error) {
	i, ok := n.(ast.Int)
	if !ok {
		return 0, a.errorf(n, "integer expected")
	}

	text := a.text(i)

	v, err := strconv.ParseInt(string(text), 0, 64)
	if err == nil {
		return v, nil
	}

	if isHex(text) {
		uv, uerr := strconv.ParseUint(string(text), 0, 64)
		if uerr == nil {
			return int64(uv), nil
		}
	}

	return 0, a.errorf(n, "bad integer %s", text)
}

func (a *assembler) offset(n ast.Node) (int32, error) {
	v, err := a.integer(n)
	if err != nil {
		return 0, err
	}

	if v != int64(int32(v)) {
		return 0, a.errorf(n, "offset %d does not fit 32 bits", v)
	}

	return int32(v), nil
}

func (a *assembler) guestAddr(n ast.Node) (int64, error) {
	v, err := a.integer(n)
	if err != nil {
		return 0, err
	}

	if v < 0 || v > math.MaxUint32 {
		return 0, a.errorf(n, "guest address %#x does not fit 32 bits", v)
	}

	return v, nil
}

// imm reads a LOAD_IMM value for a register of type t.
// Floats are written as decimals or as hex bit patterns.
func (a *assembler) imm(n ast.Node, t ir.Type) (int64, error) {
	if !t.IsFP() {
		return a.integer(n)
	}

	var text []byte

	switch n := n.(type) {
	case ast.Int:
		if isHex(a.text(n)) {
			return a.integer(n)
		}

		text = a.text(n)
	case ast.Float:
		text = a.text(n)
	default:
		return 0, a.errorf(n, "number expected")
	}

	if t == ir.Float32 {
		f, err := strconv.ParseFloat(string(text), 32)
		if err != nil {
			return 0, a.errorf(n, "bad float %s", text)
		}

		return int64(math.Float32bits(float32(f))), nil
	}

	f, err := strconv.ParseFloat(string(text), 64)
	if err != nil {
		return 0, a.errorf(n, "bad float %s", text)
	}

	return int64(math.Float64bits(f)), nil
}

func (a *assembler) text(n spanner) []byte {
	return a.s.Text(n.Span())
}

func (a *assembler) errorf(n ast.Node, format string, args ...any) error {
	return a.s.Errorf(pos(n), errors.New(format, args...))
}

// wrap attaches the position of n to an error of the unit.
func (a *assembler) wrap(n ast.Node, err error) error {
	return a.s.Errorf(pos(n), err)
}

func pos(n ast.Node) int {
	if s, ok := n.(spanner); ok {
		p, _ := s.Span()
		return p
	}

	return 0
}

func isHex(b []byte) bool {
	b = bytes.TrimLeft(b, "+-")

	return len(b) > 1 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X')
}

package format

import (
	"context"
	"math"
	"strconv"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/ir"
)

type (
	// printer accumulates text in a buffer grown through the allocator.
	printer struct {
		e   *env.Env
		b   []byte
		err error

		line []byte // rendered before it is copied into b
		lbuf [128]byte
	}
)

const bufChunk = 1024

// Unit renders u as text: instructions, aliases and the block graph.
// Rendering never changes the unit. If the text buffer cannot be grown
// no output is returned at all.
func Unit(ctx context.Context, e *env.Env, u *ir.Unit) (_ []byte, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "format: unit", "insns", len(u.Insns))
	defer tr.Finish("err", &err)

	p := &printer{e: e}
	p.line = p.lbuf[:0]

	for i := range u.Insns {
		p.line = AppendInsn(p.line[:0], u, i)

		if !p.put() {
			break
		}
	}

	if len(u.Aliases) != 0 {
		p.section()

		for i := range u.Aliases {
			p.line = AppendAlias(p.line[:0], u, ir.Alias(i+1))

			if !p.put() {
				break
			}
		}
	}

	if len(u.Blocks) != 0 {
		p.section()
	}

	for b := range u.Blocks {
		blk := &u.Blocks[b]

		if blk.Dropped {
			continue
		}

		p.line = AppendBlock(p.line[:0], b, blk)

		if !p.put() {
			break
		}
	}

	if p.err != nil {
		return nil, p.err
	}

	return p.b, nil
}

// AppendInsn renders instruction i without a trailing newline.
func AppendInsn(b []byte, u *ir.Unit, i int) []byte {
	in := &u.Insns[i]

	st := len(b)

	b = hfmt.Appendf(b, "%5d: %-10s ", i, in.Op)
	argst := len(b)

	b = appendArgs(b, u, in)

	if len(b) == argst {
		b = b[:st]
		b = hfmt.Appendf(b, "%5d: %v", i, in.Op)
	}

	return b
}

func appendArgs(b []byte, u *ir.Unit, in *ir.Insn) []byte {
	switch in.Op.Form() {
	case ir.FormNone:
	case ir.FormNop:
		if in.Imm != 0 {
			b = hfmt.Appendf(b, "0x%08X", uint64(in.Imm))
		}
	case ir.FormD:
		b = reg(b, in.Dest)
	case ir.FormS:
		b = reg(b, in.Src1)
	case ir.FormDS:
		b = regs(b, in.Dest, in.Src1)
	case ir.FormDSS:
		b = regs(b, in.Dest, in.Src1, in.Src2)
	case ir.FormDSSS:
		b = regs(b, in.Dest, in.Src1, in.Src2, in.Src3)
	case ir.FormDI:
		b = reg(b, in.Dest)
		b = append(b, ", "...)

		if in.Op == ir.LOAD_IMM {
			b = appendImm(b, u.Reg(in.Dest).Type, in.Imm)
		} else {
			b = strconv.AppendInt(b, in.Imm, 10)
		}
	case ir.FormDSI:
		b = regs(b, in.Dest, in.Src1)
		b = hfmt.Appendf(b, ", %d", in.Imm)
	case ir.FormDSSI:
		b = regs(b, in.Dest, in.Src1, in.Src2)
		b = hfmt.Appendf(b, ", %d", in.Imm)
	case ir.FormFCmp:
		b = regs(b, in.Dest, in.Src1, in.Src2)
		b = hfmt.Appendf(b, ", %v", ir.Cond(in.Imm))
	case ir.FormLoad:
		b = hfmt.Appendf(b, "r%d, %d(r%d)", in.Dest, in.Imm, in.Src1)
	case ir.FormStore:
		b = hfmt.Appendf(b, "%d(r%d), r%d", in.Imm, in.Src1, in.Src2)
	case ir.FormBFExt:
		b = regs(b, in.Dest, in.Src1)
		b = hfmt.Appendf(b, ", %d, %d", in.Start, in.Count)
	case ir.FormBFIns:
		b = regs(b, in.Dest, in.Src1, in.Src2)
		b = hfmt.Appendf(b, ", %d, %d", in.Start, in.Count)
	case ir.FormLabel:
		b = hfmt.Appendf(b, "L%d", in.Label)
	case ir.FormBranch:
		b = hfmt.Appendf(b, "r%d, L%d", in.Src1, in.Label)
	case ir.FormGet:
		b = hfmt.Appendf(b, "r%d, a%d", in.Dest, in.Alias)
	case ir.FormSet:
		b = hfmt.Appendf(b, "a%d, r%d", in.Alias, in.Src1)
	case ir.FormCall:
		if in.Dest != 0 {
			b = reg(b, in.Dest)
		} else {
			b = append(b, '-')
		}

		b = append(b, ", "...)
		b = reg(b, in.Src1)

		for _, r := range []ir.Reg{in.Src2, in.Src3} {
			if r == 0 {
				break
			}

			b = append(b, ", "...)
			b = reg(b, r)
		}
	case ir.FormReturn:
		if in.Src1 != 0 {
			b = reg(b, in.Src1)
		}
	case ir.FormChain:
		b = hfmt.Appendf(b, "r%d, 0x%08X", in.Src1, uint64(in.Imm))
	case ir.FormResolve:
		b = hfmt.Appendf(b, "r%d, @%d", in.Src1, in.Imm)
	}

	return b
}

// appendImm renders a LOAD_IMM value the way the assembler reads it back.
func appendImm(b []byte, t ir.Type, v int64) []byte {
	switch t {
	case ir.Int32:
		return strconv.AppendInt(b, int64(int32(v)), 10)
	case ir.Address:
		return hfmt.Appendf(b, "0x%X", uint64(v))
	case ir.Float32:
		f := math.Float32frombits(uint32(v))
		if math.IsNaN(float64(f)) {
			return hfmt.Appendf(b, "0x%08X", uint32(v))
		}

		return strconv.AppendFloat(b, float64(f), 'g', -1, 32)
	case ir.Float64:
		f := math.Float64frombits(uint64(v))
		if math.IsNaN(f) {
			return hfmt.Appendf(b, "0x%016X", uint64(v))
		}

		return strconv.AppendFloat(b, f, 'g', -1, 64)
	default:
		return strconv.AppendInt(b, v, 10)
	}
}

func AppendAlias(b []byte, u *ir.Unit, a ir.Alias) []byte {
	ai := u.Alias(a)

	if !ai.Storage.Bound {
		return hfmt.Appendf(b, "Alias %d: %v, no bound storage", a, ai.Type)
	}

	return hfmt.Appendf(b, "Alias %d: %v @ %d(r%d)", a, ai.Type, ai.Storage.Offset, ai.Storage.Base)
}

func AppendBlock(b []byte, n int, blk *ir.Block) []byte {
	b = hfmt.Appendf(b, "Block %d: ", n)
	b = list(b, blk.Entries)
	b = hfmt.Appendf(b, " --> [%d,%d] --> ", blk.First, blk.Last)
	b = list(b, blk.Exits)

	return b
}

func list(b []byte, l []int) []byte {
	if len(l) == 0 {
		return append(b, "<none>"...)
	}

	for i, x := range l {
		if i != 0 {
			b = append(b, ',')
		}

		b = strconv.AppendInt(b, int64(x), 10)
	}

	return b
}

func reg(b []byte, r ir.Reg) []byte {
	b = append(b, 'r')
	return strconv.AppendInt(b, int64(r), 10)
}

func regs(b []byte, rs ...ir.Reg) []byte {
	for i, r := range rs {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = reg(b, r)
	}

	return b
}

func (p *printer) section() {
	if p.ensure(1) {
		p.b = append(p.b, '\n')
	}
}

// put copies the rendered line into the buffer.
func (p *printer) put() bool {
	if !p.ensure(len(p.line) + 1) {
		return false
	}

	p.b = append(p.b, p.line...)
	p.b = append(p.b, '\n')

	return true
}

// ensure makes room for n more bytes.
func (p *printer) ensure(n int) bool {
	if p.err != nil {
		return false
	}

	need := len(p.b) + n
	if need <= cap(p.b) {
		return true
	}

	size := cap(p.b) + bufChunk
	for size < need {
		size += bufChunk
	}

	r, err := alloc.Grow(p.e.Alloc, p.b, size)
	if err != nil {
		p.e.Errorf("Failed to extend disassembly buffer to %d bytes", size)
		p.err = errors.Wrap(err, "disassembly buffer")
		alloc.Free(p.e.Alloc, p.b)
		p.b = nil

		return false
	}

	p.b = r

	return true
}

package compiler

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/sys/cpu"
	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/back"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/ir"
	"github.com/slowlang/ppcrec/compiler/opt"
)

type (
	// Setup configures a translation handle.
	Setup struct {
		Guest string `yaml:"guest"`
		Host  string `yaml:"host"`

		GuestMemoryBase uint32 `yaml:"guest_memory_base"`
		HostMemoryBase  uint64 `yaml:"host_memory_base"`

		// State locates guest processor state relative to the state base register.
		// Zero value means DefaultStateOffsets.
		State StateOffsets `yaml:"state"`

		CommonOpt opt.Flags  `yaml:"common_opt"`
		GuestOpt  opt.Flags  `yaml:"guest_opt"`
		HostOpt   back.Flags `yaml:"host_opt"`

		// Features are detected if nil.
		Features *back.Features `yaml:"features"`

		Chaining bool `yaml:"chaining"`

		// Args is the number of incoming arguments a chained exit passes on.
		// Zero means DefaultArgs: guest state and memory base.
		Args int `yaml:"args"`

		// Scan limits the guest addresses a decoder may read.
		Scan *Range `yaml:"scan"`

		Chunks Chunks `yaml:"chunks"`

		Alloc alloc.Allocator     `yaml:"-"`
		Code  alloc.CodeAllocator `yaml:"-"`
		Log   env.LogFunc         `yaml:"-"`
	}

	// StateOffsets are byte offsets of guest processor state fields.
	StateOffsets struct {
		GPR   int32 `yaml:"gpr"` // r0, 32 words
		FPR   int32 `yaml:"fpr"` // f0, 32 paired doubles
		CR    int32 `yaml:"cr"`
		LR    int32 `yaml:"lr"`
		CTR   int32 `yaml:"ctr"`
		XER   int32 `yaml:"xer"`
		FPSCR int32 `yaml:"fpscr"`
		NIA   int32 `yaml:"nia"`
		Chain int32 `yaml:"chain"` // chain record address
	}

	Range struct {
		Start uint32 `yaml:"start"`
		End   uint32 `yaml:"end"` // exclusive
	}

	// Chunks are unit array growth steps. Zero means default.
	Chunks struct {
		Insn  int `yaml:"insn"`
		Block int `yaml:"block"`
		Reg   int `yaml:"reg"`
		Alias int `yaml:"alias"`
		Label int `yaml:"label"`
	}

	field struct {
		name string
		off  int32
		size int32
	}
)

const (
	GuestPPC750CL = "ppc750cl"
	HostX86_64    = "x86_64"
)

// DefaultArgs is the translated block signature: state and memory base.
const DefaultArgs = 2

const (
	gprSize = 4
	fprSize = 16
)

var DefaultStateOffsets = StateOffsets{
	GPR:   0,
	FPR:   32 * gprSize,
	CR:    32*gprSize + 32*fprSize,
	LR:    32*gprSize + 32*fprSize + 4,
	CTR:   32*gprSize + 32*fprSize + 8,
	XER:   32*gprSize + 32*fprSize + 12,
	FPSCR: 32*gprSize + 32*fprSize + 16,
	NIA:   32*gprSize + 32*fprSize + 20,
	Chain: 32*gprSize + 32*fprSize + 24,
}

// LoadSetup reads a YAML setup. Unknown fields are errors.
func LoadSetup(name string) (s Setup, err error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return s, errors.Wrap(err, "read setup")
	}

	return ParseSetup(data)
}

func ParseSetup(data []byte) (s Setup, err error) {
	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)

	err = d.Decode(&s)
	if errors.Is(err, io.EOF) {
		return s, nil
	}
	if err != nil {
		return s, errors.Wrap(err, "decode setup")
	}

	return s, nil
}

// DetectFeatures reports the extensions of the running host.
func DetectFeatures() (f back.Features) {
	if cpu.X86.HasFMA {
		f |= back.FMA
	}

	if cpu.X86.HasSSE41 {
		f |= back.SSE41
	}

	if cpu.X86.HasAVX {
		f |= back.AVX
	}

	return f
}

func (s StateOffsets) GPROffset(n int) int32 { return s.GPR + int32(n)*gprSize }

// FPROffset is the offset of paired single ps0 of fN. ps1 follows at +8.
func (s StateOffsets) FPROffset(n int) int32 { return s.FPR + int32(n)*fprSize }

// BindGPR allocates an alias for rN stored at base.
func (s StateOffsets) BindGPR(u *ir.Unit, base ir.Reg, n int) (ir.Alias, error) {
	if n < 0 || n >= 32 {
		return 0, errors.New("gpr %d out of range", n)
	}

	return bind(u, ir.Int32, base, s.GPROffset(n))
}

// BindFPR allocates an alias for fN: Float64 for ps0, V2Float64 for the pair.
func (s StateOffsets) BindFPR(u *ir.Unit, t ir.Type, base ir.Reg, n int) (ir.Alias, error) {
	if n < 0 || n >= 32 {
		return 0, errors.New("fpr %d out of range", n)
	}

	if t != ir.Float64 && t != ir.V2Float64 {
		return 0, errors.New("fpr alias of type %v", t)
	}

	return bind(u, t, base, s.FPROffset(n))
}

// BindField allocates a 32-bit alias for a special register such as LR.
func (s StateOffsets) BindField(u *ir.Unit, base ir.Reg, off int32) (ir.Alias, error) {
	return bind(u, ir.Int32, base, off)
}

func bind(u *ir.Unit, t ir.Type, base ir.Reg, off int32) (a ir.Alias, err error) {
	a, err = u.AllocAlias(t)
	if err != nil {
		return 0, err
	}

	err = u.BindAlias(a, base, off)
	if err != nil {
		return 0, err
	}

	return a, nil
}

func (s StateOffsets) fields() []field {
	return []field{
		{"gpr", s.GPR, 32 * gprSize},
		{"fpr", s.FPR, 32 * fprSize},
		{"cr", s.CR, 4},
		{"lr", s.LR, 4},
		{"ctr", s.CTR, 4},
		{"xer", s.XER, 4},
		{"fpscr", s.FPSCR, 4},
		{"nia", s.NIA, 4},
		{"chain", s.Chain, 8},
	}
}

// check finds negative or overlapping fields.
func (s StateOffsets) check() error {
	fs := s.fields()

	for i, f := range fs {
		if f.off < 0 {
			return errors.New("state field %s at negative offset %d", f.name, f.off)
		}

		for _, g := range fs[:i] {
			if f.off < g.off+g.size && g.off < f.off+f.size {
				return errors.New("state fields %s at %d and %s at %d overlap", g.name, g.off, f.name, f.off)
			}
		}
	}

	return nil
}

// Contains reports whether addr may be scanned.
// A nil range contains everything.
func (r *Range) Contains(addr uint32) bool {
	return r == nil || addr >= r.Start && addr < r.End
}

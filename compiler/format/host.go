package format

import (
	"github.com/nikandfor/hacked/hfmt"
	"golang.org/x/arch/x86/x86asm"
)

// Host renders translated x86-64 code as an Intel syntax listing,
// one instruction per line with its offset and bytes.
func Host(b, code []byte) []byte {
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil || inst.Len == 0 {
			b = hfmt.Appendf(b, "%6x:  % -30x (bad)\n", pc, code[pc:pc+1])
			pc++

			continue
		}

		b = hfmt.Appendf(b, "%6x:  % -30x %s\n", pc, code[pc:pc+inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil))
		pc += inst.Len
	}

	return b
}

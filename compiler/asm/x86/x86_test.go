package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func dis(t *testing.T, b []byte) []string {
	t.Helper()

	var r []string

	for pc := 0; pc < len(b); {
		inst, err := x86asm.Decode(b[pc:], 64)
		require.NoError(t, err, "at %x: % x", pc, b[pc:])

		r = append(r, x86asm.IntelSyntax(inst, 0, nil))
		pc += inst.Len
	}

	return r
}

func TestInt(t *testing.T) {
	for _, tc := range []struct {
		b    []byte
		want string
	}{
		{Mov(nil, W64, RAX, RBX), "mov rax, rbx"},
		{Mov(nil, W32, R9, RSI), "mov r9d, esi"},
		{MovImm(nil, W32, RCX, 5), "mov ecx, 0x5"},
		{MovImm(nil, W64, R8, 0x123456789), "mov r8, 0x123456789"},
		{MovImm(nil, W64, RAX, -1), "mov rax, -0x1"},
		{Load(nil, W32, RAX, Mem{RSP, 8}), "mov eax, dword ptr [rsp+0x8]"},
		{Load(nil, W64, R12, Mem{R12, 0x100}), "mov r12, qword ptr [r12+0x100]"},
		{Store(nil, W64, Mem{RBP, -8}, RBX), "mov qword ptr [rbp-0x8], rbx"},
		{Store(nil, W64, Mem{R13, 0}, RDI), "mov qword ptr [r13], rdi"},
		{Store8(nil, Mem{RAX, 1}, RSI), "mov byte ptr [rax+0x1], sil"},
		{Store16(nil, Mem{RCX, 0}, RDX), "mov word ptr [rcx], dx"},
		{MovzxLoad(nil, 8, RAX, Mem{RSI, 3}), "movzx eax, byte ptr [rsi+0x3]"},
		{MovsxLoad(nil, W64, 16, RAX, Mem{RDI, 0}), "movsx rax, word ptr [rdi]"},
		{Movzx(nil, 8, RAX, RAX), "movzx eax, al"},
		{Movsx(nil, W32, 8, RBX, RDI), "movsx ebx, dil"},
		{Movsx(nil, W64, 32, RBX, RCX), "movsxd rbx, ecx"},
		{Alu(nil, ADD, W32, RCX, RDX), "add ecx, edx"},
		{Alu(nil, XOR, W64, R10, R11), "xor r10, r11"},
		{AluImm(nil, SUB, W64, R12, -1), "sub r12, -0x1"},
		{AluImm(nil, CMP, W32, RBX, 0x1000), "cmp ebx, 0x1000"},
		{AluImm(nil, AND, W32, RAX, 0xFF80), "and eax, 0xff80"},
		{Test(nil, W64, RAX, RAX), "test rax, rax"},
		{Imul(nil, W32, RBX, R14), "imul ebx, r14d"},
		{ImulImm(nil, W64, RAX, RBX, 10), "imul rax, rbx, 0xa"},
		{Unary(nil, IDIV, W32, RCX), "idiv ecx"},
		{Unary(nil, NEG, W64, R15), "neg r15"},
		{Unary(nil, NOT, W32, RAX), "not eax"},
		{Unary(nil, MUL, W64, RCX), "mul rcx"},
		{Shift(nil, SHL, W32, RAX), "shl eax, cl"},
		{ShiftImm(nil, SAR, W64, RDX, 3), "sar rdx, 0x3"},
		{ShiftImm(nil, ROR, W32, RBX, 8), "ror ebx, 0x8"},
		{Cdq(nil, W32), "cdq"},
		{Cdq(nil, W64), "cqo"},
		{Bsr(nil, W32, RAX, RCX), "bsr eax, ecx"},
		{Cmov(nil, CondE, W32, RAX, RCX), "cmovz eax, ecx"},
		{Setcc(nil, CondNE, RAX), "setnz al"},
		{Setcc(nil, CondL, RSI), "setl sil"},
		{Bswap(nil, W32, RAX), "bswap eax"},
		{Bswap(nil, W64, R9), "bswap r9"},
		{Lea(nil, RAX, Mem{RSP, 16}), "lea rax, ptr [rsp+0x10]"},
		{Push(nil, RBX), "push rbx"},
		{Push(nil, R12), "push r12"},
		{Pop(nil, R15), "pop r15"},
		{CallReg(nil, RAX), "call rax"},
		{Ret(nil), "ret"},
		{Ud2(nil), "ud2"},
	} {
		assert.Equal(t, []string{tc.want}, dis(t, tc.b), "% x", tc.b)
	}
}

func TestSSE(t *testing.T) {
	for _, tc := range []struct {
		b    []byte
		want string
	}{
		{Movaps(nil, X2, X3), "movaps xmm2, xmm3"},
		{Movaps(nil, X8, X15), "movaps xmm8, xmm15"},
		{Movsd(nil, X0, X1), "movsd xmm0, xmm1"},
		{LoadF(nil, Double, X2, Mem{RSP, 8}), "movsd xmm2, qword ptr [rsp+0x8]"},
		{LoadF(nil, Single, X3, Mem{RBX, 0}), "movss xmm3, dword ptr [rbx]"},
		{StoreF(nil, Packed, Mem{RSP, 16}, X9), "movups xmmword ptr [rsp+0x10], xmm9"},
		{Arith(nil, FADD, Double, X2, X3), "addsd xmm2, xmm3"},
		{Arith(nil, FMUL, Packed, X4, X5), "mulpd xmm4, xmm5"},
		{Arith(nil, FDIV, Single, X0, X1), "divss xmm0, xmm1"},
		{Arith(nil, SQRT, Double, X2, X2), "sqrtsd xmm2, xmm2"},
		{Xorpd(nil, X0, X1), "xorpd xmm0, xmm1"},
		{Andpd(nil, X0, X1), "andpd xmm0, xmm1"},
		{Unpcklpd(nil, X2, X3), "unpcklpd xmm2, xmm3"},
		{Unpckhpd(nil, X2, X3), "unpckhpd xmm2, xmm3"},
		{Cvtsd2ss(nil, X2, X3), "cvtsd2ss xmm2, xmm3"},
		{Cvtss2sd(nil, X2, X3), "cvtss2sd xmm2, xmm3"},
		{CvtInt(nil, Double, W64, X2, RAX), "cvtsi2sd xmm2, rax"},
		{CvtInt(nil, Single, W32, X2, RCX), "cvtsi2ss xmm2, ecx"},
		{CvtFloat(nil, Double, W32, true, RAX, X2), "cvttsd2si eax, xmm2"},
		{CvtFloat(nil, Double, W64, false, RAX, X2), "cvtsd2si rax, xmm2"},
		{Ucomi(nil, Double, X2, X3), "ucomisd xmm2, xmm3"},
		{Ucomi(nil, Single, X2, X3), "ucomiss xmm2, xmm3"},
		{MovToXmm(nil, W64, X0, RAX), "movq xmm0, rax"},
		{MovToXmm(nil, W32, X1, RCX), "movd xmm1, ecx"},
		{MovFromXmm(nil, W64, RAX, X2), "movq rax, xmm2"},
		{Stmxcsr(nil, Mem{RSP, 0}), "stmxcsr dword ptr [rsp]"},
		{Ldmxcsr(nil, Mem{RSP, 4}), "ldmxcsr dword ptr [rsp+0x4]"},
	} {
		assert.Equal(t, []string{tc.want}, dis(t, tc.b), "% x", tc.b)
	}
}

func TestBytes(t *testing.T) {
	for _, tc := range []struct {
		b    []byte
		want []byte
	}{
		{MovImm(nil, W64, RAX, 0x7FFFFFFF), []byte{0xb8, 0xff, 0xff, 0xff, 0x7f}},
		{MovImm(nil, W64, RAX, -1), []byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff}},
		{Load(nil, W64, RAX, Mem{RBP, 0}), []byte{0x48, 0x8b, 0x45, 0x00}},
		{Load(nil, W64, RAX, Mem{R12, 0}), []byte{0x49, 0x8b, 0x04, 0x24}},
		{Load(nil, W32, RAX, Mem{RBX, 0x200}), []byte{0x8b, 0x83, 0x00, 0x02, 0x00, 0x00}},
		{Vfmadd231(nil, Double, X0, X1, X2), []byte{0xc4, 0xe2, 0xf1, 0xb9, 0xc2}},
		{Vfmadd231(nil, Single, X8, X9, X10), []byte{0xc4, 0x42, 0x31, 0xb9, 0xc2}},
		{Vfmadd231(nil, Packed, X3, X4, X5), []byte{0xc4, 0xe2, 0xd9, 0xb8, 0xdd}},
		{Vfmadd231Mem(nil, Double, X0, X1, Mem{RSP, 8}), []byte{0xc4, 0xe2, 0xf1, 0xb9, 0x44, 0x24, 0x08}},
	} {
		assert.Equal(t, tc.want, tc.b)
	}
}

func TestJumps(t *testing.T) {
	b, at := Jmp(nil)
	assert.Equal(t, 1, at)
	assert.Equal(t, []string{"jmp .+0x0"}, dis(t, b))

	PatchRel32(b, at, 0)
	assert.Equal(t, int32(-5), Rel32(b, at))
	assert.Equal(t, []string{"jmp .-0x5"}, dis(t, b))

	b, at = Jcc(b[:0], CondNE)
	assert.Equal(t, 2, at)

	b = Ret(b)
	PatchRel32(b, at, len(b))

	assert.Equal(t, []string{"jnz .+0x1", "ret"}, dis(t, b))

	b, at = LeaRIP(nil, RAX, 0x10)
	assert.Equal(t, 3, at)
	assert.Equal(t, []byte{0x48, 0x8d, 0x05, 0x10, 0, 0, 0}, b)
}

func TestCond(t *testing.T) {
	assert.Equal(t, CondNE, CondE.Not())
	assert.Equal(t, CondGE, CondL.Not())
	assert.Equal(t, CondNP, CondP.Not())
	assert.Equal(t, "be", CondBE.String())
	assert.Equal(t, "r13", R13.String())
	assert.True(t, R12.IsCalleeSaved())
	assert.False(t, R11.IsCalleeSaved())
}

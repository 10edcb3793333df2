package ir

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Type is a primitive value type of a register or alias.
	Type uint8

	// Reg is a virtual register. Zero means no register.
	Reg int32

	// Alias is a guest-facing virtual register. Zero means none.
	Alias int32

	// Label is a branch target handle. Zero means none.
	Label int32

	// Cond is a floating-point comparison condition.
	Cond uint8
)

const (
	_ Type = iota
	Int32
	Int64
	Address
	Float32
	Float64
	V2Float64
)

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondUN
)

var typeNames = [...]string{
	Int32:     "int32",
	Int64:     "int64",
	Address:   "address",
	Float32:   "float32",
	Float64:   "float64",
	V2Float64: "v2_float64",
}

var condNames = [...]string{
	CondEQ: "EQ",
	CondNE: "NE",
	CondLT: "LT",
	CondLE: "LE",
	CondGT: "GT",
	CondGE: "GE",
	CondUN: "UN",
}

func (t Type) Valid() bool { return t >= Int32 && t <= V2Float64 }

// IsInt is true for integer and address types.
func (t Type) IsInt() bool { return t == Int32 || t == Int64 || t == Address }

// IsFloat is true for scalar floats.
func (t Type) IsFloat() bool { return t == Float32 || t == Float64 }

func (t Type) IsVector() bool { return t == V2Float64 }

// IsFP is true for everything living in floating-point registers.
func (t Type) IsFP() bool { return t.IsFloat() || t.IsVector() }

// Size is the size of a value in bytes on the host.
func (t Type) Size() int {
	switch t {
	case Int32, Float32:
		return 4
	case Int64, Address, Float64:
		return 8
	case V2Float64:
		return 16
	default:
		return 0
	}
}

// Bits is the integer width used for arithmetic.
func (t Type) Bits() int { return t.Size() * 8 }

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}

	return fmt.Sprintf("type(%d)", int(t))
}

func ParseType(s string) (Type, bool) {
	for t, n := range typeNames {
		if n != "" && n == s {
			return Type(t), true
		}
	}

	return 0, false
}

func (c Cond) Valid() bool { return c <= CondUN }

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}

	return fmt.Sprintf("cond(%d)", int(c))
}

func ParseCond(s string) (Cond, bool) {
	for c, n := range condNames {
		if n == s {
			return Cond(c), true
		}
	}

	return 0, false
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if r == 0 {
		return e.AppendNil(b)
	}

	return e.AppendFormat(b, "r%d", int(r))
}

func (a Alias) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if a == 0 {
		return e.AppendNil(b)
	}

	return e.AppendFormat(b, "a%d", int(a))
}

func (l Label) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if l == 0 {
		return e.AppendNil(b)
	}

	return e.AppendFormat(b, "L%d", int(l))
}

package ast

type (
	Node interface {
	}

	Base struct {
		Pos int
		End int
	}

	Program struct {
		Base `tlog:",embed"`

		Lines []Node
	}

	// Insn is one instruction line: [N:] OPCODE operands.
	Insn struct {
		Base `tlog:",embed"`

		Index Node // Int or nil
		Op    Ident
		Args  []Node
	}

	// RegDecl is reg rN TYPE.
	RegDecl struct {
		Base `tlog:",embed"`

		Reg  Reg
		Type Ident
	}

	// AliasDecl is alias aN TYPE [@ OFF(rB)].
	AliasDecl struct {
		Base `tlog:",embed"`

		Alias   Alias
		Type    Ident
		Storage Node // Mem or nil
	}

	Ident struct {
		Base `tlog:",embed"`
	}

	Token struct {
		Base `tlog:",embed"`
	}

	Int struct {
		Base `tlog:",embed"`
	}

	Float struct {
		Base `tlog:",embed"`
	}

	Reg struct {
		Base `tlog:",embed"`

		N int
	}

	Alias struct {
		Base `tlog:",embed"`

		N int
	}

	Label struct {
		Base `tlog:",embed"`

		N int
	}

	// InsnRef is @N.
	InsnRef struct {
		Base `tlog:",embed"`

		N int
	}

	// Mem is OFF(rN).
	Mem struct {
		Base `tlog:",embed"`

		Off Int
		Reg Reg
	}

	// None is an absent CALL destination written as -.
	None struct {
		Base `tlog:",embed"`
	}
)

func (b Base) Span() (pos, end int) { return b.Pos, b.End }

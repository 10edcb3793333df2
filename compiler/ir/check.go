package ir

// MaxArgs is the number of unit arguments LOAD_ARG can address.
const MaxArgs = 6

// check verifies the construction contract for one instruction.
// Every violation is an internal compiler error.
func (u *Unit) check(in *Insn) error {
	op := in.Op

	if !op.Valid() {
		return u.fatalf("invalid opcode %d", int(op))
	}

	f := op.Form()

	var needDest, needSrc1, needSrc2, needSrc3 bool

	switch f {
	case FormD:
		needDest = true
	case FormS, FormBranch, FormSet, FormChain, FormResolve:
		needSrc1 = true
	case FormDS, FormDSI, FormLoad, FormBFExt:
		needDest, needSrc1 = true, true
	case FormDSS, FormDSSI, FormFCmp, FormBFIns:
		needDest, needSrc1, needSrc2 = true, true, true
	case FormDSSS:
		needDest, needSrc1, needSrc2, needSrc3 = true, true, true, true
	case FormDI, FormGet:
		needDest = true
	case FormStore:
		needSrc1, needSrc2 = true, true
	case FormCall:
		needSrc1 = true
	}

	if needDest && in.Dest == 0 {
		return u.fatalf("%v without destination", op)
	}

	if !f.HasDest() && in.Dest != 0 {
		return u.fatalf("%v takes no destination (r%d)", op, in.Dest)
	}

	for _, x := range []struct {
		r    Reg
		need bool
	}{{in.Src1, needSrc1}, {in.Src2, needSrc2}, {in.Src3, needSrc3}} {
		if x.need && x.r == 0 {
			return u.fatalf("%v: missing source operand", op)
		}
	}

	if f == FormCall && in.Src3 != 0 && in.Src2 == 0 {
		return u.fatalf("CALL: second argument without first")
	}

	if op != SELECT && op != FMADD && op != CALL && in.Src3 != 0 {
		return u.fatalf("%v takes no third source (r%d)", op, in.Src3)
	}

	var err error

	in.forSrcs(func(r Reg) {
		if err != nil {
			return
		}

		switch {
		case !u.regValid(r):
			err = u.fatalf("%v: r%d used but not allocated", op, r)
		case u.Reg(r).Birth < 0:
			err = u.fatalf("%v: r%d used before definition", op, r)
		}
	})
	if err != nil {
		return err
	}

	if in.Dest != 0 {
		switch {
		case !u.regValid(in.Dest):
			return u.fatalf("%v: r%d defined but not allocated", op, in.Dest)
		case u.Reg(in.Dest).Birth >= 0:
			return u.fatalf("%v: r%d defined twice (first at %d)", op, in.Dest, u.Reg(in.Dest).Birth)
		}
	}

	switch f {
	case FormLabel, FormBranch:
		if !u.labelValid(in.Label) {
			return u.fatalf("%v: label L%d not allocated", op, in.Label)
		}

		if op == LABEL && u.Labels[in.Label-1].Block >= 0 {
			return u.fatalf("label L%d bound twice", in.Label)
		}
	case FormGet, FormSet:
		if !u.aliasValid(in.Alias) {
			return u.fatalf("%v: alias a%d not allocated", op, in.Alias)
		}

		if st := u.Alias(in.Alias).Storage; st.Bound && u.Reg(st.Base).Birth < 0 {
			return u.fatalf("%v: alias a%d accessed before its base register r%d is defined", op, in.Alias, st.Base)
		}
	}

	return u.checkTypes(in)
}

func (u *Unit) checkTypes(in *Insn) error {
	op := in.Op

	var td, t1, t2, t3 Type

	if in.Dest != 0 {
		td = u.Reg(in.Dest).Type
	}

	if in.Src1 != 0 {
		t1 = u.Reg(in.Src1).Type
	}

	if in.Src2 != 0 {
		t2 = u.Reg(in.Src2).Type
	}

	if in.Src3 != 0 {
		t3 = u.Reg(in.Src3).Type
	}

	bad := func(r Reg, t Type, want string) error {
		return u.fatalf("%v: r%d has type %v, expected %s", op, r, t, want)
	}

	same := func(r Reg, t, want Type) error {
		if t != want {
			return bad(r, t, want.String())
		}

		return nil
	}

	isInt := func(r Reg, t Type) error {
		if !t.IsInt() {
			return bad(r, t, "integer")
		}

		return nil
	}

	isFloat := func(r Reg, t Type) error {
		if !t.IsFloat() {
			return bad(r, t, "float")
		}

		return nil
	}

	// errors are reported lazily so only the first violation is logged
	first := func(checks ...func() error) error {
		for _, c := range checks {
			if err := c(); err != nil {
				return err
			}
		}

		return nil
	}

	switch ops[op].class {
	case cNone:
		return nil
	case cIntBin:
		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return same(in.Src1, t1, td) },
			func() error { return same(in.Src2, t2, td) },
		)
	case cIntShift:
		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return same(in.Src1, t1, td) },
			func() error { return isInt(in.Src2, t2) },
		)
	case cIntUn, cIntImm:
		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return same(in.Src1, t1, td) },
		)
	case cCmp:
		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return isInt(in.Src1, t1) },
			func() error { return same(in.Src2, t2, t1) },
		)
	case cCmpImm, cIntCast:
		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return isInt(in.Src1, t1) },
		)
	case cBitcast:
		if td.IsVector() || t1.IsVector() || td.Size() != t1.Size() {
			return bad(in.Src1, t1, "a scalar of the size of "+td.String())
		}

		return nil
	case cMove:
		return same(in.Src1, t1, td)
	case cSelect:
		return first(
			func() error { return same(in.Src1, t1, td) },
			func() error { return same(in.Src2, t2, td) },
			func() error { return isInt(in.Src3, t3) },
		)
	case cLoadImm:
		if td.IsVector() {
			return bad(in.Dest, td, "scalar")
		}

		return nil
	case cLoadArg:
		if in.Imm < 0 || in.Imm >= MaxArgs {
			return u.fatalf("LOAD_ARG: argument index %d out of range", in.Imm)
		}

		return isInt(in.Dest, td)
	case cLoadAny:
		return same(in.Src1, t1, Address)
	case cLoadInt:
		return first(
			func() error { return same(in.Src1, t1, Address) },
			func() error { return isInt(in.Dest, td) },
		)
	case cStoreAny:
		return same(in.Src1, t1, Address)
	case cStoreInt:
		return first(
			func() error { return same(in.Src1, t1, Address) },
			func() error { return isInt(in.Src2, t2) },
		)
	case cBitfield:
		err := first(
			func() error { return isInt(in.Dest, td) },
			func() error { return same(in.Src1, t1, td) },
			func() error {
				if op == BFINS {
					return same(in.Src2, t2, td)
				}

				return nil
			},
		)
		if err != nil {
			return err
		}

		if in.Count == 0 || int(in.Start)+int(in.Count) > td.Bits() {
			return u.fatalf("%v: bitfield %d,%d out of range for %v", op, in.Start, in.Count, td)
		}

		return nil
	case cBranch, cChain:
		return isInt(in.Src1, t1)
	case cGet:
		return same(in.Dest, td, u.Alias(in.Alias).Type)
	case cSet:
		return same(in.Src1, t1, u.Alias(in.Alias).Type)
	case cCall:
		return first(
			func() error { return same(in.Src1, t1, Address) },
			func() error {
				if in.Dest != 0 {
					return isInt(in.Dest, td)
				}

				return nil
			},
			func() error {
				if in.Src2 != 0 {
					return isInt(in.Src2, t2)
				}

				return nil
			},
			func() error {
				if in.Src3 != 0 {
					return isInt(in.Src3, t3)
				}

				return nil
			},
		)
	case cReturn:
		if in.Src1 != 0 {
			return isInt(in.Src1, t1)
		}

		return nil
	case cResolve:
		if in.Imm < 0 {
			return u.fatalf("CHAIN_RESOLVE: negative instruction index %d", in.Imm)
		}

		return same(in.Src1, t1, Address)
	case cFCvt:
		return first(
			func() error { return isFloat(in.Dest, td) },
			func() error { return isFloat(in.Src1, t1) },
		)
	case cFSCast:
		return first(
			func() error { return isFloat(in.Dest, td) },
			func() error { return isInt(in.Src1, t1) },
		)
	case cFToInt:
		return first(
			func() error {
				if td != Int32 && td != Int64 {
					return bad(in.Dest, td, "int32 or int64")
				}

				return nil
			},
			func() error { return isFloat(in.Src1, t1) },
		)
	case cFArith:
		if !td.IsFP() {
			return bad(in.Dest, td, "float or vector")
		}

		return first(
			func() error { return same(in.Src1, t1, td) },
			func() error {
				if in.Src2 != 0 {
					return same(in.Src2, t2, td)
				}

				return nil
			},
			func() error {
				if in.Src3 != 0 {
					return same(in.Src3, t3, td)
				}

				return nil
			},
		)
	case cFCmp:
		if c := Cond(in.Imm); in.Imm < 0 || !c.Valid() {
			return u.fatalf("FCMP: invalid condition %d", in.Imm)
		}

		return first(
			func() error { return isInt(in.Dest, td) },
			func() error { return isFloat(in.Src1, t1) },
			func() error { return same(in.Src2, t2, t1) },
		)
	case cFGetState:
		return same(in.Dest, td, Int32)
	case cFSetState:
		return same(in.Src1, t1, Int32)
	case cVBuild:
		return first(
			func() error { return same(in.Dest, td, V2Float64) },
			func() error { return same(in.Src1, t1, Float64) },
			func() error { return same(in.Src2, t2, Float64) },
		)
	case cVBroadcast:
		return first(
			func() error { return same(in.Dest, td, V2Float64) },
			func() error { return same(in.Src1, t1, Float64) },
		)
	case cVExtract:
		if in.Imm != 0 && in.Imm != 1 {
			return u.fatalf("VEXTRACT: lane %d out of range", in.Imm)
		}

		return first(
			func() error { return same(in.Dest, td, Float64) },
			func() error { return same(in.Src1, t1, V2Float64) },
		)
	case cVInsert:
		if in.Imm != 0 && in.Imm != 1 {
			return u.fatalf("VINSERT: lane %d out of range", in.Imm)
		}

		return first(
			func() error { return same(in.Dest, td, V2Float64) },
			func() error { return same(in.Src1, t1, V2Float64) },
			func() error { return same(in.Src2, t2, Float64) },
		)
	}

	return nil
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ppcrec/compiler"
	"github.com/slowlang/ppcrec/compiler/alloc"
	"github.com/slowlang/ppcrec/compiler/back"
	"github.com/slowlang/ppcrec/compiler/env"
	"github.com/slowlang/ppcrec/compiler/opt"
)

func TestFlushAfterSuccess(t *testing.T) {
	name := filepath.Join(t.TempDir(), "a.rtl")

	err := os.WriteFile(name, []byte(`reg r1 address
reg r2 int32
alias a1 int32 @ 0(r1)
LOAD_ARG r1, 0
LOAD_IMM r2, 1
SET_ALIAS a1, r2
RETURN
`), 0o644)
	require.NoError(t, err)

	var diag env.Collector

	cd := alloc.NewCountdown()
	none := back.Features(0)

	h, err := compiler.New(compiler.Setup{
		CommonOpt: opt.All,
		Features:  &none,
		Alloc:     cd,
		Log:       diag.Log,
	})
	require.NoError(t, err)

	var w bytes.Buffer

	// find the alias liveness allocation, the only one that degrades to a warning
	for n := 1; n < 1000; n++ {
		cd.Reset()
		cd.Arm(n)

		code, err := h.Translate(context.Background(), source(name))
		if err != nil {
			diag.Reset()
			continue
		}

		h.Free(code)

		if cd.Fails() == 0 {
			t.Fatalf("no allocation degrades to a warning")
		}

		break
	}

	flush(&w, &diag)

	assert.Equal(t, "[warning] Not enough memory for alias liveness, dead alias stores are removed within blocks only\n", w.String())
	assert.Empty(t, diag.String(), "reset after flush")
}

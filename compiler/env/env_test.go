package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/slowlang/ppcrec/compiler/alloc"
)

func TestFatal(t *testing.T) {
	var c Collector

	e := New(c.Log)

	err := e.Fatalf("r%d used before definition", 3)
	require.Error(t, err)

	assert.True(t, IsFatal(err))
	assert.True(t, IsFatal(errors.Wrap(err, "add insn")))
	assert.False(t, IsNoMemory(err))

	assert.Equal(t, "[error] Internal compiler error: r3 used before definition\n", c.String())
}

func TestExtendFailure(t *testing.T) {
	var c Collector

	cd := alloc.NewCountdown()

	e := New(c.Log)
	e.Alloc = cd

	s := make([]int, 1)
	cd.Arm(1)

	r, err := Reserve(e, s, 1, 4, "instruction")
	assert.True(t, IsNoMemory(err))
	assert.False(t, IsFatal(err))
	assert.Len(t, r, 1)
	assert.Equal(t, "[error] Failed to extend instruction array to 5 entries\n", c.String())

	c.Reset()

	r, err = Reserve(e, s, 1, 4, "instruction")
	require.NoError(t, err)
	assert.Equal(t, 5, cap(r))
	assert.Empty(t, c.String())
}

func TestSeverities(t *testing.T) {
	var c Collector

	e := New(c.Log)

	e.Infof("scanning terminated at 0x%X", 0x80001000)
	e.Warnf("branch to invalid address")
	e.Errorf("failed")

	assert.Equal(t, "[info] scanning terminated at 0x80001000\n[warning] branch to invalid address\n[error] failed\n", c.String())

	New(nil).Errorf("nobody listens")
}

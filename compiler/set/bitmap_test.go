package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ppcrec/compiler/alloc"
)

func TestBitmap(t *testing.T) {
	s := MakeBitmap(10)

	s.Set(1)
	s.Set(70)
	s.Set(3)

	assert.True(t, s.IsSet(70))
	assert.False(t, s.IsSet(2))
	assert.Equal(t, 3, s.Size())
	assert.Equal(t, 1, s.First())
	assert.Equal(t, 70, s.Last())

	var got []int

	s.Range(func(i int) bool {
		got = append(got, i)
		return true
	})

	assert.Equal(t, []int{1, 3, 70}, got)

	s.Clear(3)
	assert.False(t, s.IsSet(3))
}

func TestBitmapAlloc(t *testing.T) {
	c := alloc.NewCountdown()
	c.Arm(1)

	_, err := Alloc(c, 100)
	assert.Error(t, err)

	s, err := Alloc(c, 100)
	require.NoError(t, err)

	s.Set(99)
	assert.True(t, s.IsSet(99))

	s.Free(c)
	assert.False(t, s.IsSet(99))
}

func TestMatrixRows(t *testing.T) {
	m, err := AllocMatrix(alloc.Heap{}, 3, 70)
	require.NoError(t, err)

	r0 := m.Row(0)
	r1 := m.Row(1)

	r0.Set(69)
	r1.Set(5)

	r2 := m.Row(2)
	r2.Or(r0)
	r2.Or(r1)

	assert.Equal(t, 2, r2.Size())

	again := m.Row(2)
	assert.True(t, again.IsSet(69))
	assert.False(t, r1.IsSet(69))

	r2.AndNot(r1)
	assert.False(t, r2.IsSet(5))

	x := m.Row(0)
	assert.True(t, x.Equal(m.Row(2)))
}

func TestBits(t *testing.T) {
	s := MakeBits[int32](1)

	s.SetAll(1, 5, 130)

	assert.True(t, s.IsSet(130))
	assert.False(t, s.IsSet(0))
	assert.Equal(t, int32(130), s.Max())
	assert.Equal(t, 3, s.Size())

	s.Reset()
	assert.Equal(t, int32(0), s.Max())
}

package back

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeatures(t *testing.T) {
	f, err := ParseFeatures("sse41, fma")
	require.NoError(t, err)
	assert.Equal(t, FMA|SSE41, f)
	assert.Equal(t, "fma,sse41", f.String())

	f, err = ParseFeatures("")
	require.NoError(t, err)
	assert.Equal(t, Features(0), f)
	assert.Equal(t, "none", f.String())

	_, err = ParseFeatures("avx,avx512")
	assert.EqualError(t, err, `unknown host feature: "avx512"`)

	require.NoError(t, f.UnmarshalText([]byte("avx")))
	assert.Equal(t, AVX, f)
}

func TestParseHostFlags(t *testing.T) {
	f, err := ParseFlags("default")
	require.NoError(t, err)
	assert.Equal(t, DefaultFlags, f)

	f, err = ParseFlags("none")
	require.NoError(t, err)
	assert.Equal(t, Flags(0), f)

	_, err = ParseFlags("bindings,unroll")
	assert.EqualError(t, err, `unknown host optimization: "unroll"`)

	assert.Equal(t, "bindings", EntryBindings.String())
}

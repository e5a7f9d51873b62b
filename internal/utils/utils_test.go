package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
}

func TestTruncateWords(t *testing.T) {
	assert.Equal(t, "short", TruncateWords("short", 10))
	assert.Equal(t, "Quarterly Revenue", TruncateWords("Quarterly Revenue Report FY24", 20))
	assert.Equal(t, "abcdefghij", TruncateWords("abcdefghijklmnop", 10))
	assert.Equal(t, "", TruncateWords("anything", 0))
}

func TestCollapseSpaceAndUTF8(t *testing.T) {
	assert.Equal(t, "a b c", CollapseSpace("  a\n\tb   c "))
	assert.Equal(t, "ok", ToValidUTF8("o\xffk\x00"))
}

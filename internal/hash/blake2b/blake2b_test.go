package blake2b

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherSumDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	a := h.Sum([]byte("GET\x00https://example.com/\x00"))
	b := h.Sum([]byte("GET\x00https://example.com/\x00"))
	c := h.Sum([]byte("POST\x00https://example.com/\x00"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.False(t, a.IsZero())
	require.Len(t, a.String(), 32)
}

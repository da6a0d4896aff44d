package rand

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	b := Bytes(1024)
	require.Len(t, b, 1024)
	require.NotEqual(t, b, Bytes(1024))
}

func TestLetterBytes(t *testing.T) {
	b := LetterBytes(512)
	require.Len(t, b, 512)
	for _, c := range b {
		require.Contains(t, letters, string(c))
	}
	require.Len(t, LetterString(64), 64)
}

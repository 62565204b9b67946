package jobhash

import (
	"encoding/hex"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewHash(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		hash, err := gen.NewHash()
		require.NoError(t, err)
		require.Len(t, hash.String(), DefaultBytes*2)
		_, err = hex.DecodeString(hash.String())
		require.NoError(t, err)
		_, dup := seen[hash.String()]
		require.False(t, dup, "duplicate hash %s", hash)
		seen[hash.String()] = struct{}{}
	}
}

func TestGeneratorNewHash_RandomFailure(t *testing.T) {
	t.Parallel()

	gen := &Generator{size: DefaultBytes, random: iotest.ErrReader(errors.New("entropy exhausted"))}

	_, err := gen.NewHash()

	require.ErrorContains(t, err, "entropy exhausted")
}

package blocklist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocked(t *testing.T) {
	t.Parallel()

	b := New([]string{"localhost", "*.internal", ".corp.example", "  Metadata.Google.Internal  ", ""})
	require.NotNil(t, b)

	for host, want := range map[string]bool{
		"localhost":                true,
		"LOCALHOST.":               true,
		"metadata.google.internal": true,
		"internal":                 true,
		"db.internal":              true,
		"wiki.corp.example":        true,
		"corp.example":             true,
		"example.com":              false,
		"notinternal":              false,
		"":                         false,
	} {
		require.Equal(t, want, b.Blocked(host), host)
	}
}

func TestNewWithoutPatterns(t *testing.T) {
	t.Parallel()

	b := New([]string{" ", "*."})
	require.Nil(t, b)
	require.False(t, b.Blocked("anything"))
}

package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorIssuesOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.EqualValues(t, 7, first.Version())
	require.GreaterOrEqual(t, second.String(), first.String())
}

package privacy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripRemovesPrivateBlock(t *testing.T) {
	in := "before <private>secret stuff</private> after"
	out, allPrivate := Strip(in)
	require.False(t, allPrivate)
	require.Equal(t, "before  after", out)
}

func TestStripDetectsEntirelyPrivatePrompt(t *testing.T) {
	in := "  <private>\nall of this is secret\n</private>  "
	out, allPrivate := Strip(in)
	require.True(t, allPrivate)
	require.Empty(t, strings.TrimSpace(out))
}

func TestStripIsNoopWithoutMarkers(t *testing.T) {
	in := "nothing private here"
	out, allPrivate := Strip(in)
	require.False(t, allPrivate)
	require.Equal(t, in, out)
}

func TestHasPrivateMarkers(t *testing.T) {
	require.True(t, HasPrivateMarkers("x <private>y</private> z"))
	require.False(t, HasPrivateMarkers("x y z"))
}


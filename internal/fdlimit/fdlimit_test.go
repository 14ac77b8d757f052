//go:build unix

package fdlimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	soft, hard, ok := Read()

	require.True(t, ok, "limits should be known on unix")
	assert.Positive(t, soft)
	assert.GreaterOrEqual(t, hard, soft)
}

func TestLower_NoopWhenAlreadyBelow(t *testing.T) {
	soft, _, ok := Read()
	require.True(t, ok)

	// Asking for a ceiling above the current soft limit must not change it.
	got, err := Lower(soft + 1000)
	require.NoError(t, err)
	assert.Equal(t, soft, got)
}

func TestRaise_NoopWhenAlreadyAbove(t *testing.T) {
	soft, _, ok := Read()
	require.True(t, ok)

	require.NoError(t, Raise(soft))

	after, _, ok := Read()
	require.True(t, ok)
	assert.Equal(t, soft, after)
}

func TestRaise_AboveHardLimitFails(t *testing.T) {
	_, hard, ok := Read()
	require.True(t, ok)

	if hard == ^uint64(0) {
		t.Skip("hard limit is unlimited")
	}

	err := Raise(hard + 1)
	assert.Error(t, err)
}

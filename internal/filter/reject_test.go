package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRejectAccumulatorSingleLine(t *testing.T) {
	var acc rejectAccumulator
	acc.Fold([]byte("rejected: bad content\n"))
	require.Equal(t, "rejected: bad content", acc.Final())
}

func TestRejectAccumulatorLastLineWins(t *testing.T) {
	var acc rejectAccumulator
	acc.Fold([]byte("first line\n"))
	acc.Fold([]byte("second line\n"))
	require.Equal(t, "second line", acc.Final())
}

func TestRejectAccumulatorContinuation(t *testing.T) {
	var acc rejectAccumulator
	acc.Fold([]byte("partial "))
	acc.Fold([]byte("line\n"))
	require.Equal(t, "partial line", acc.Final())
}

func TestRejectAccumulatorEmpty(t *testing.T) {
	var acc rejectAccumulator
	require.Equal(t, "Content Rejected", acc.Final())
}

func TestRejectAccumulatorBounded(t *testing.T) {
	var acc rejectAccumulator
	acc.Fold([]byte(strings.Repeat("x", rejectCapacity+50) + "\n"))
	require.LessOrEqual(t, len(acc.Final()), rejectCapacity)
}

package filter

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJudgeExitClean(t *testing.T) {
	cmd := exec.Command("/bin/true")
	err := cmd.Run()
	require.NoError(t, err)

	ok, reason := judgeExit(err, nil)
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestJudgeExitNonZero(t *testing.T) {
	cmd := exec.Command("/bin/false")
	err := cmd.Run()
	require.Error(t, err)

	ok, reason := judgeExit(err, []byte("filter refused the message\n"))
	require.False(t, ok)
	require.Equal(t, "filter refused the message", reason)
}

func TestJudgeExitNoStderrUsesFallback(t *testing.T) {
	cmd := exec.Command("/bin/false")
	err := cmd.Run()
	require.Error(t, err)

	ok, reason := judgeExit(err, nil)
	require.False(t, ok)
	require.Equal(t, "Content Rejected", reason)
}

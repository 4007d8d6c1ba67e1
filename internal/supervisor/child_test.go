package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitExited(t *testing.T, c *child) {
	t.Helper()
	select {
	case <-c.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("child never exited")
	}
}

func TestChildExitCode(t *testing.T) {
	c, err := startChild("test", exec.Command("sh", "-c", "exit 3"), testLogger(t))
	require.NoError(t, err)

	waitExited(t, c)
	assert.False(t, c.Running())
	assert.Equal(t, 3, c.ExitCode())
}

func TestChildCleanExit(t *testing.T) {
	c, err := startChild("test", exec.Command("sh", "-c", "echo out; echo err >&2"), testLogger(t))
	require.NoError(t, err)

	waitExited(t, c)
	assert.Equal(t, 0, c.ExitCode())
}

func TestChildStopTerminatesGracefully(t *testing.T) {
	c, err := startChild("test", exec.Command("sleep", "30"), testLogger(t))
	require.NoError(t, err)
	assert.True(t, c.Running())

	start := time.Now()
	c.stop(5 * time.Second)

	assert.False(t, c.Running())
	assert.Less(t, time.Since(start), 3*time.Second, "SIGTERM should end sleep well before the grace period")
}

func TestChildStopEscalatesToKill(t *testing.T) {
	// Traps and ignores SIGTERM, forcing the SIGKILL path.
	c, err := startChild("test",
		exec.Command("sh", "-c", `trap "" TERM; sleep 30 & wait`), testLogger(t))
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	c.stop(500 * time.Millisecond)
	waitExited(t, c)
	assert.False(t, c.Running())
}

func TestChildStopAfterExitIsNoop(t *testing.T) {
	c, err := startChild("test", exec.Command("true"), testLogger(t))
	require.NoError(t, err)
	waitExited(t, c)

	c.stop(time.Second)
	assert.False(t, c.Running())
}

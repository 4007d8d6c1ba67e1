package supervisor

import (
	"bufio"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
)

// child is one supervised subprocess: the OpenCode server or the bridge.
// Output is piped line by line to the supervisor's logger; exit is observed
// through a channel so the monitor loop never blocks on Wait.
type child struct {
	name string
	log  *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
	stopping bool
}

// startChild spawns the command and begins forwarding its output.
//
// exec.Command rather than CommandContext: shutdown is escalated explicitly
// through stop, and context cancellation would SIGKILL immediately. Pdeathsig
// guarantees the child dies with the supervisor; Setpgid keeps terminal
// signals from reaching it directly.
func startChild(name string, cmd *exec.Cmd, log *logger.Logger) (*child, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	cmd.Stderr = cmd.Stdout

	c := &child{
		name:   name,
		log:    log.With(zap.String("child", name)),
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	c.log.Info("child started", zap.Int("pid", cmd.Process.Pid))

	go c.pipeOutput(bufio.NewScanner(stdout))
	go c.monitorExit()

	return c, nil
}

func (c *child) pipeOutput(scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.log.Info(scanner.Text())
	}
}

func (c *child) monitorExit() {
	err := c.cmd.Wait()

	c.mu.Lock()
	if exitErr, ok := err.(*exec.ExitError); ok {
		c.exitCode = exitErr.ExitCode()
	} else if err != nil {
		c.exitCode = -1
	}
	stopping := c.stopping
	c.mu.Unlock()

	if !stopping {
		c.log.Info("child exited", zap.Int("exit_code", c.ExitCode()))
	}
	close(c.exited)
}

// Exited reports process termination; the channel closes exactly once.
func (c *child) Exited() <-chan struct{} {
	return c.exited
}

// Running reports whether the process is still alive.
func (c *child) Running() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// ExitCode is valid only after Exited() is closed.
func (c *child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// stop sends SIGTERM and escalates to SIGKILL after gracePeriod.
func (c *child) stop(gracePeriod time.Duration) {
	c.mu.Lock()
	if c.cmd.Process == nil {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.exited:
		c.mu.Unlock()
		return
	default:
	}
	c.stopping = true
	pid := c.cmd.Process.Pid
	c.mu.Unlock()

	c.log.Info("stopping child", zap.Int("pid", pid))
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return
	}

	select {
	case <-c.exited:
		c.log.Info("child stopped")
	case <-time.After(gracePeriod):
		c.log.Warn("graceful stop timed out, sending SIGKILL")
		_ = syscall.Kill(pid, syscall.SIGKILL)
		<-c.exited
	}
}

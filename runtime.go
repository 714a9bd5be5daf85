package launcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// LaunchSpec describes one run of the bot.
type LaunchSpec struct {
	RunID  string
	Binary string
	Args   []string
	Dir    string
	// Env holds the variables loaded from the env file. ProcessRuntime
	// children inherit the whole process environment, which already
	// contains them; DockerRuntime passes only these plus RunIDEnvVar.
	Env    []EnvVar
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime runs the bot to completion and reports its exit code.
// A non-nil error means the bot could not be started or waited on.
type Runtime interface {
	Run(ctx context.Context, spec LaunchSpec) (int, error)
}

const RunIDEnvVar = "SENTINEL_RUN_ID"

// ProcessRuntime runs the bot binary as a child process.
type ProcessRuntime struct {
	// StopGrace is how long the child gets to exit after SIGINT before
	// it is killed.
	StopGrace time.Duration
}

func (p ProcessRuntime) Run(ctx context.Context, spec LaunchSpec) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), RunIDEnvVar+"="+spec.RunID)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = spec.stdio()
	cmd.Cancel = func() error {
		slog.Info("forwarding interrupt to bot", "pid", cmd.Process.Pid)
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = p.StopGrace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return 1, errors.Wrapf(err, "starting %s", spec.Binary)
	}
	slog.Info("bot started", "pid", cmd.Process.Pid, "run", spec.RunID)

	err := cmd.Wait()
	// after a forwarded interrupt Wait reports ctx.Err() even when the bot
	// exited on its own, so the process state decides the code
	if cmd.ProcessState != nil {
		if err != nil {
			slog.Debug("bot wait returned", "err", err)
		}
		return exitCodeOf(cmd.ProcessState), nil
	}
	return 1, errors.Wrapf(err, "waiting for %s", spec.Binary)
}

func exitCodeOf(state *os.ProcessState) int {
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return 1
}

func (s LaunchSpec) stdio() (io.Reader, io.Writer, io.Writer) {
	var (
		stdin  io.Reader = os.Stdin
		stdout io.Writer = os.Stdout
		stderr io.Writer = os.Stderr
	)
	if s.Stdin != nil {
		stdin = s.Stdin
	}
	if s.Stdout != nil {
		stdout = s.Stdout
	}
	if s.Stderr != nil {
		stderr = s.Stderr
	}
	return stdin, stdout, stderr
}

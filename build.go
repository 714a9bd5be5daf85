package launcher

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// runBuild runs the configured build command in dir with the launcher's
// stdio. Any failure, including a timeout, is ErrBuildFailed.
func runBuild(ctx context.Context, command []string, dir string, timeout time.Duration) error {
	if len(command) == 0 {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	slog.Info("building bot", "command", strings.Join(command, " "))
	start := time.Now()

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrapf(ErrBuildFailed, "%s timed out after %v", command[0], timeout)
		}
		return errors.Wrapf(ErrBuildFailed, "%s: %v", strings.Join(command, " "), err)
	}

	slog.Info("build finished", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

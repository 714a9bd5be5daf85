package launcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Launcher prepares the environment for the Frankfurt Sentinel bot and
// runs it. Zero values are usable; New only fills in defaults.
type Launcher struct {
	// WorkDirOverride replaces the directory of the launcher executable.
	WorkDirOverride string
	// Args are appended to the configured bot arguments.
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Config *Config

	// "Dependency Injection a la Golang"
	newRuntimeFunc  func(ctx context.Context, c *Config) (Runtime, error)
	newArchiverFunc func(ctx context.Context, c *Config) (*LogArchiver, error)
	clock           clockwork.Clock
}

func New(args []string) *Launcher {
	return &Launcher{
		Args:            args,
		newRuntimeFunc:  newRuntime,
		newArchiverFunc: newArchiver,
		clock:           clockwork.NewRealClock(),
	}
}

func newRuntime(ctx context.Context, c *Config) (Runtime, error) {
	if c.Runtime == RuntimeDocker {
		return NewDockerRuntime(c.DockerImage, c.DockerNetworkMode, c.DockerMounts, c.DockerPull)
	}
	return ProcessRuntime{}, nil
}

func newArchiver(ctx context.Context, c *Config) (*LogArchiver, error) {
	return NewLogArchiver(ctx, c.ArchiveBucket, c.ArchivePrefix)
}

// resolveWorkDir returns the directory relative paths are resolved against:
// the override, SENTINEL_LAUNCHER_WORKDIR, or the directory holding the
// launcher executable, in that order.
func (l *Launcher) resolveWorkDir() (string, error) {
	dir := l.WorkDirOverride
	if dir == "" {
		dir = os.Getenv(WorkDirEnv)
	}
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", errors.Wrap(err, "locating launcher executable")
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		dir = filepath.Dir(exe)
	}
	return filepath.Abs(dir)
}

func (l *Launcher) binaryPath(dir string) string {
	if filepath.IsAbs(l.Config.Binary) {
		return l.Config.Binary
	}
	return filepath.Join(dir, l.Config.Binary)
}

// Run executes the whole launch sequence and returns the exit code the
// launcher should exit with. The error, when set, explains a non-zero code
// that did not come from the bot.
func (l *Launcher) Run(ctx context.Context) (int, error) {
	if l.newRuntimeFunc == nil {
		l.newRuntimeFunc = newRuntime
	}
	if l.newArchiverFunc == nil {
		l.newArchiverFunc = newArchiver
	}

	dir, err := l.resolveWorkDir()
	if err != nil {
		return 1, err
	}
	if err := os.Chdir(dir); err != nil {
		return 1, errors.Wrapf(err, "changing into %s", dir)
	}

	if l.Config == nil {
		if l.Config, err = LoadConfig(dir); err != nil {
			return 1, err
		}
	}

	logFile, err := InitializeLogging(l.Config.LogLevel, l.Config.LogFormat, l.Config.LogDir)
	if err != nil {
		return 1, err
	}
	if logFile != nil {
		defer func() {
			// detach the default logger before closing the file under it
			InitializeLogging(l.Config.LogLevel, l.Config.LogFormat, "")
			logFile.Close()
		}()
	}
	slog.Info("starting Frankfurt Sentinel launcher", "dir", dir, "runtime", l.Config.Runtime)

	envFile, err := LoadEnvFile(l.Config.EnvFile, l.Config.EnvFileSyntax, l.Config.EnvFileRequired)
	if err != nil {
		return 1, err
	}
	written, err := envFile.Export(l.Config.EnvFileOverride)
	if err != nil {
		return 1, err
	}
	logLoadedEnv(envFile, written)
	if l.Config.Runtime == RuntimeDocker {
		vars := envFile.Map()
		describeBot(func(key string) (string, bool) {
			v, ok := vars[key]
			return v, ok
		})
	} else {
		describeBot(os.LookupEnv)
	}

	binary := l.binaryPath(dir)
	if l.Config.UpdateRepo != "" && l.Config.Runtime == RuntimeProcess {
		l.update(ctx, binary)
	}

	if err := runBuild(ctx, l.Config.BuildCommand, dir, l.Config.BuildTimeout); err != nil {
		return 1, err
	}

	if l.Config.Runtime == RuntimeProcess {
		if err := CheckBinary(binary); err != nil {
			return 1, err
		}
	}

	rt, err := l.newRuntimeFunc(ctx, l.Config)
	if err != nil {
		return 1, err
	}

	spec := LaunchSpec{
		Binary: binary,
		Args:   append(append([]string{}, l.Config.Args...), l.Args...),
		Dir:    dir,
		Env:    envFile.Vars,
		Stdin:  l.Stdin,
		Stdout: l.Stdout,
		Stderr: l.Stderr,
	}

	supervisor := &Supervisor{
		Runtime:     rt,
		Policy:      l.Config.RestartPolicy,
		Delay:       l.Config.RestartDelay,
		MaxRestarts: l.Config.RestartMax,
		Clock:       l.clock,
	}

	if l.Config.ChildLogFile != "" {
		botLog := childLog(l.Config.LogDir, l.Config.ChildLogFile)
		defer botLog.Close()
		// start every session with a fresh file so each archive holds one run
		if err := botLog.Rotate(); err != nil {
			slog.Warn("cannot rotate bot log", "err", err)
		}
		_, stdout, stderr := spec.stdio()
		spec.Stdout = io.MultiWriter(stdout, botLog)
		spec.Stderr = io.MultiWriter(stderr, botLog)
		supervisor.OnExit = l.afterRun(ctx, botLog)
	} else if l.Config.ArchiveBucket != "" {
		slog.Warn("archive-bucket is set but child-log-file is not; nothing will be archived")
	}

	return supervisor.Run(ctx, spec)
}

func (l *Launcher) update(ctx context.Context, binary string) {
	token := ""
	if l.Config.UpdateTokenEnv != "" {
		token = os.Getenv(l.Config.UpdateTokenEnv)
	}
	updater, err := NewUpdater(ctx, l.Config.UpdateRepo, l.Config.UpdateAsset, token, binary, l.Config.VersionFile)
	if err != nil {
		slog.Error("cannot check for bot updates", "err", err)
		return
	}
	if _, err := updater.Update(ctx); err != nil {
		slog.Error("bot update failed, keeping the installed binary", "err", err)
	}
}

// afterRun archives and rotates the bot log once a run is over.
func (l *Launcher) afterRun(ctx context.Context, botLog *lumberjack.Logger) func(LaunchSpec, int, error) {
	var archiver *LogArchiver
	if l.Config.ArchiveBucket != "" {
		var err error
		archiver, err = l.newArchiverFunc(ctx, l.Config)
		if err != nil {
			slog.Error("log archiving disabled", "err", err)
		}
	}

	return func(spec LaunchSpec, code int, runErr error) {
		if archiver != nil {
			if _, err := archiver.Archive(context.WithoutCancel(ctx), spec.RunID, botLog.Filename); err != nil {
				slog.Error("error archiving bot log", "run", spec.RunID, "err", err)
			}
		}
		if err := botLog.Rotate(); err != nil {
			slog.Warn("cannot rotate bot log", "err", err)
		}
	}
}

package launcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	WorkDirEnv          = "SENTINEL_LAUNCHER_WORKDIR"
	EnvFileKey          = "env-file"
	EnvFileRequiredKey  = "env-file-required"
	EnvFileSyntaxKey    = "env-file-syntax"
	EnvFileOverrideKey  = "env-file-override"
	BinaryKey           = "binary"
	ArgsKey             = "args"
	BuildCommandKey     = "build-command"
	BuildTimeoutKey     = "build-timeout"
	RuntimeKey          = "runtime"
	DockerImageKey      = "docker-image"
	DockerNetworkKey    = "docker-network-mode"
	DockerPullKey       = "docker-pull"
	DockerMountsKey     = "docker-mounts"
	RestartPolicyKey    = "restart-policy"
	RestartDelayKey     = "restart-delay"
	RestartMaxKey       = "restart-max"
	UpdateRepoKey       = "update-repo"
	UpdateAssetKey      = "update-asset"
	UpdateTokenEnvKey   = "update-token-env"
	VersionFileKey      = "version-file"
	LogLevelKey         = "log-level"
	LogFormatKey        = "log-format"
	LogDirKey           = "log-dir"
	ChildLogFileKey     = "child-log-file"
	ArchiveBucketKey    = "archive-bucket"
	ArchivePrefixKey    = "archive-prefix"
	EnvPrefix           = "SENTINEL_LAUNCHER"
	ConfigName          = "launcher"
	LauncherLogFilename = "launcher.log"

	BinaryDefault = "target/release/frankfurt_sentinel"
)

type RuntimeKind string

const (
	RuntimeProcess RuntimeKind = "process"
	RuntimeDocker  RuntimeKind = "docker"
)

// Config is the launcher's own configuration. It says nothing about the
// bot, whose settings live in the env file.
type Config struct {
	EnvFile         string
	EnvFileRequired bool
	EnvFileSyntax   EnvSyntax
	EnvFileOverride bool

	Binary       string
	Args         []string
	BuildCommand []string
	BuildTimeout time.Duration

	Runtime           RuntimeKind
	DockerImage       string
	DockerNetworkMode DockerNetworkMode
	DockerPull        bool
	DockerMounts      []mount.Mount

	RestartPolicy RestartPolicy
	RestartDelay  time.Duration
	RestartMax    int

	UpdateRepo     string
	UpdateAsset    string
	UpdateTokenEnv string
	VersionFile    string

	LogLevel     string
	LogFormat    string
	LogDir       string
	ChildLogFile string

	ArchiveBucket string
	ArchivePrefix string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(EnvFileKey, ".env")
	v.SetDefault(EnvFileRequiredKey, true)
	v.SetDefault(EnvFileSyntaxKey, string(EnvSyntaxPlain))
	v.SetDefault(EnvFileOverrideKey, true)
	v.SetDefault(BinaryKey, BinaryDefault)
	v.SetDefault(RuntimeKey, string(RuntimeProcess))
	v.SetDefault(DockerNetworkKey, string(DockerNetworkModeBridge))
	v.SetDefault(DockerPullKey, true)
	v.SetDefault(RestartPolicyKey, string(RestartNever))
	v.SetDefault(RestartDelayKey, 5*time.Second)
	v.SetDefault(UpdateAssetKey, DefaultAssetTemplate)
	v.SetDefault(UpdateTokenEnvKey, "GITHUB_TOKEN")
	v.SetDefault(VersionFileKey, ".sentinel-version")
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "text")
	v.SetDefault(LogDirKey, "logs")
	v.SetDefault(ArchivePrefixKey, "frankfurt-sentinel/")
}

// LoadConfig reads launcher.yaml from dir if there is one and applies
// SENTINEL_LAUNCHER_* environment overrides. Relative paths in the
// result are left relative to dir.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading launcher config")
		}
	} else {
		slog.Debug("read launcher config", "file", v.ConfigFileUsed())
	}

	c := &Config{
		EnvFile:         v.GetString(EnvFileKey),
		EnvFileRequired: v.GetBool(EnvFileRequiredKey),
		EnvFileOverride: v.GetBool(EnvFileOverrideKey),
		Binary:          v.GetString(BinaryKey),
		Args:            v.GetStringSlice(ArgsKey),
		BuildCommand:    v.GetStringSlice(BuildCommandKey),
		BuildTimeout:    v.GetDuration(BuildTimeoutKey),
		DockerImage:     v.GetString(DockerImageKey),
		DockerPull:      v.GetBool(DockerPullKey),
		RestartDelay:    v.GetDuration(RestartDelayKey),
		RestartMax:      v.GetInt(RestartMaxKey),
		UpdateRepo:      v.GetString(UpdateRepoKey),
		UpdateAsset:     v.GetString(UpdateAssetKey),
		UpdateTokenEnv:  v.GetString(UpdateTokenEnvKey),
		VersionFile:     v.GetString(VersionFileKey),
		LogLevel:        v.GetString(LogLevelKey),
		LogFormat:       v.GetString(LogFormatKey),
		LogDir:          v.GetString(LogDirKey),
		ChildLogFile:    v.GetString(ChildLogFileKey),
		ArchiveBucket:   v.GetString(ArchiveBucketKey),
		ArchivePrefix:   v.GetString(ArchivePrefixKey),
	}

	var err error
	if c.EnvFileSyntax, err = parseEnvSyntax(v.GetString(EnvFileSyntaxKey)); err != nil {
		return nil, err
	}
	if c.RestartPolicy, err = parseRestartPolicy(v.GetString(RestartPolicyKey)); err != nil {
		return nil, err
	}
	if c.DockerNetworkMode, err = parseNetworkMode(v.GetString(DockerNetworkKey)); err != nil {
		return nil, err
	}
	if c.DockerMounts, err = parseMounts(v.GetStringSlice(DockerMountsKey)); err != nil {
		return nil, err
	}

	switch RuntimeKind(v.GetString(RuntimeKey)) {
	case RuntimeProcess:
		c.Runtime = RuntimeProcess
	case RuntimeDocker:
		c.Runtime = RuntimeDocker
		if c.DockerImage == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s must be set for the docker runtime", DockerImageKey)
		}
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown runtime %q", v.GetString(RuntimeKey))
	}
	if c.RestartMax < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s must not be negative", RestartMaxKey)
	}
	if _, ok := parseLogLevel(c.LogLevel); !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown log level %q", c.LogLevel)
	}

	return c, nil
}

func parseLogLevel(level string) (slog.Level, bool) {
	switch level {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// InitializeLogging points the default slog logger at stderr and, when
// logDir is not empty, a rotated file inside it which the caller should
// close. The bot owns stdout.
func InitializeLogging(level, format, logDir string) (*lumberjack.Logger, error) {
	var logWriters io.Writer = os.Stderr
	var logFile *lumberjack.Logger

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating log directory")
		}
		logFileWriter := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, LauncherLogFilename),
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		logWriters = io.MultiWriter(os.Stderr, logFileWriter)
		logFile = logFileWriter
	}

	slogLevel, _ := parseLogLevel(level)
	opts := &slog.HandlerOptions{Level: slogLevel}
	var logHandler slog.Handler
	if format == "json" {
		logHandler = slog.NewJSONHandler(logWriters, opts)
	} else {
		logHandler = slog.NewTextHandler(logWriters, opts)
	}
	slog.SetDefault(slog.New(logHandler))

	return logFile, nil
}

// childLog returns a rotating writer for the bot's output.
func childLog(logDir, name string) *lumberjack.Logger {
	filename := name
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(logDir, name)
	}
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     28,
	}
}

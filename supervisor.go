package launcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

func parseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case RestartNever, RestartOnFailure, RestartAlways:
		return RestartPolicy(s), nil
	default:
		return "", errors.Wrapf(ErrInvalidConfig, "unknown restart policy %q", s)
	}
}

// Supervisor runs the bot and, depending on Policy, runs it again after
// it exits. The exit code of the last run is returned.
type Supervisor struct {
	Runtime Runtime
	Policy  RestartPolicy
	Delay   time.Duration
	// MaxRestarts bounds the number of restarts. Zero means no bound.
	MaxRestarts int
	Clock       clockwork.Clock
	// OnExit is called after every run with its spec and result.
	OnExit func(spec LaunchSpec, code int, err error)
}

func (s *Supervisor) shouldRestart(code int, err error) bool {
	switch s.Policy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return code != 0 || err != nil
	default:
		return false
	}
}

func (s *Supervisor) Run(ctx context.Context, spec LaunchSpec) (int, error) {
	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	for restarts := 0; ; restarts++ {
		spec.RunID = uuid.NewString()
		code, err := s.Runtime.Run(ctx, spec)
		if err != nil {
			slog.Error("bot run failed", "run", spec.RunID, "err", err)
		} else {
			slog.Info("bot exited", "run", spec.RunID, "code", code)
		}
		if s.OnExit != nil {
			s.OnExit(spec, code, err)
		}

		if ctx.Err() != nil || !s.shouldRestart(code, err) {
			return code, err
		}
		if s.MaxRestarts > 0 && restarts >= s.MaxRestarts {
			slog.Warn("restart limit reached", "restarts", restarts)
			return code, err
		}

		slog.Info("restarting bot", "delay", s.Delay, "attempt", restarts+1)
		select {
		case <-clock.After(s.Delay):
		case <-ctx.Done():
			return code, err
		}
	}
}

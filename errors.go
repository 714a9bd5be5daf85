package launcher

import (
	"github.com/pkg/errors"
)

var (
	ErrEnvFileMissing = errors.New("env file not found")
	ErrBuildFailed    = errors.New("build failed")
	ErrBinaryMissing  = errors.New("binary not found")
	ErrInvalidConfig  = errors.New("invalid launcher config")
)

// GuardError is returned when a precondition for launching is not met.
// Path is the file the guard expected and Hint tells the operator how to
// fix it.
type GuardError struct {
	Kind error
	Path string
	Hint string
}

func (e *GuardError) Error() string {
	if e.Hint == "" {
		return e.Kind.Error() + ": " + e.Path
	}
	return e.Kind.Error() + ": " + e.Path + " (" + e.Hint + ")"
}

func (e *GuardError) Unwrap() error { return e.Kind }

// Cause lets errors.Cause from github.com/pkg/errors see through the guard.
func (e *GuardError) Cause() error { return e.Kind }

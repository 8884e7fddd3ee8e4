package session

import (
	"errors"

	"github.com/danmuck/rdpctl/internal/config"
)

var (
	ErrInitialization = errors.New("session: initialization failed")
	ErrHandshake      = errors.New("session: handshake failed")
	ErrRuntimeIO      = errors.New("session: runtime i/o failed")
)

// Process exit statuses.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// ExitCode maps a terminal error to the process exit status. A configuration
// that asked for no connection is a success.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, config.ErrNoConnection):
		return ExitOK
	case errors.Is(err, config.ErrConfiguration):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}

// ResultLabel classifies err for logs and metrics.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, config.ErrNoConnection):
		return "no_connection"
	case errors.Is(err, config.ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInitialization):
		return "initialization"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrRuntimeIO):
		return "runtime_io"
	default:
		return "unknown"
	}
}

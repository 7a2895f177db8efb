package health

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
)

// RestartRecoverer replaces the running process with a fresh copy of itself.
// It is the blunt "reload everything" recovery: nothing from the old process
// survives, so no subscription or clock can be left inconsistent.
type RestartRecoverer struct {
	// Before runs right before the exec, e.g. to flush beacons
	Before func(ctx context.Context)

	exec func(argv0 string, argv []string, envv []string) error
	args []string
}

func NewRestartRecoverer() *RestartRecoverer {
	return &RestartRecoverer{
		exec: syscall.Exec,
		args: os.Args,
	}
}

// Recover only returns if the exec failed
func (r *RestartRecoverer) Recover(ctx context.Context) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if r.Before != nil {
		r.Before(ctx)
	}

	log.Warn().Str("binary", bin).Strs("args", r.args).Msg("restarting process to recover connection")
	if err := r.exec(bin, r.args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", bin, err)
	}
	return nil
}

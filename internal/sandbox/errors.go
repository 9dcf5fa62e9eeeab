package sandbox

import (
	"errors"
	"fmt"

	"github.com/icebox-run/icebox/internal/wireframe"
)

// ErrProtocol lives in internal/wireframe (see types.go's alias comment
// for why) and is re-exported here so callers outside this package keep
// spelling it sandbox.ErrProtocol.
var ErrProtocol = wireframe.ErrProtocol

// Sentinel error kinds from spec.md §7. Wrap one of these with fmt.Errorf's
// %w verb for context; callers classify with errors.Is.
var (
	// ErrBootstrap signals a syscall failure during IsolationBootstrap or
	// FsLayout; the forked supervisor aborted before it could serve any
	// request.
	ErrBootstrap = errors.New("sandbox: bootstrap failure")

	// ErrGone signals the supervisor is no longer reachable (socket EOF
	// observed on a request round trip, or the supervisor pid is dead).
	ErrGone = errors.New("sandbox: supervisor unreachable")

	// ErrResourceExhausted signals a cgroup-driven kill or an
	// ENOSPC/EMFILE from mkdir/mount during sandbox setup.
	ErrResourceExhausted = errors.New("sandbox: resource exhausted")
)

// PayloadSignaled reports that the payload process was terminated by a
// signal. The sandbox remains usable.
type PayloadSignaled struct {
	Signal int32
}

func (e *PayloadSignaled) Error() string {
	return fmt.Sprintf("payload signaled: %d", e.Signal)
}

// PayloadExited reports a nonzero payload exit status. Interpretation
// (compile failure vs. wrong answer) is the caller's concern.
type PayloadExited struct {
	Status int32
}

func (e *PayloadExited) Error() string {
	return fmt.Sprintf("payload exited: %d", e.Status)
}

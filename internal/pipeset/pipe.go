// Package pipeset implements the Pipe rendezvous described in spec.md
// §4.E: two independently running sandboxes discover a shared FIFO only
// through a controller-held Pipe object. The rendezvous bookkeeping
// (mutex + condition) lives on the host; the actual byte stream lives in
// the kernel FIFO both supervisors reach through their own bind-mounted
// `in/` tree, grounded in the way the teacher's own container.go wires
// up per-instance FIFOs (containerFifos) and bind-mounts them into each
// container's filesystem view.
package pipeset

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/icebox-run/icebox/internal/sandbox"
)

// Port is a named (fd, mode) binding between a Pipe endpoint and a
// payload's fd table, per spec.md §4.E.
type Port struct {
	Fd   int32
	Mode sandbox.OpenMode
}

var (
	PortStdin  = Port{Fd: 0, Mode: sandbox.ReadOnly}
	PortStdout = Port{Fd: 1, Mode: sandbox.WriteOnly}
	PortStderr = Port{Fd: 2, Mode: sandbox.WriteOnly}
	PortExtra  = Port{Fd: 3, Mode: sandbox.ReadOnly}
)

// state is the mutex+condition rendezvous shared by a Pipe's two
// Endpoints. The first endpoint to call IntoFifo creates the FIFO and
// records its path; the second hard-links it into its own sandbox's
// `in/` tree. Endpoints blocked in IntoReader/IntoWriter wake once path
// is set.
type state struct {
	mu   sync.Mutex
	cond *sync.Cond
	path string
}

// Endpoint is one side of a Pipe.
type Endpoint struct {
	s *state
}

// New returns a fresh Pipe's two endpoints. Exactly two consumers should
// ever attach to a given pair — if only one ever calls IntoFifo, the
// other's IntoReader/IntoWriter blocks forever, which is expected: callers
// avoid this by construction (spec.md §4.E).
func New() (a, b *Endpoint) {
	s := &state{}
	s.cond = sync.NewCond(&s.mu)
	return &Endpoint{s: s}, &Endpoint{s: s}
}

// IntoFifo binds this endpoint to targetPath inside a sandbox's guest
// filesystem view. The first call for a given Pipe creates the FIFO;
// the second hard-links the existing one.
func (e *Endpoint) IntoFifo(targetPath string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if e.s.path == "" {
		if err := unix.Mkfifo(targetPath, 0600); err != nil {
			return err
		}
		e.s.path = targetPath
		e.s.cond.Broadcast()
		return nil
	}

	return os.Link(e.s.path, targetPath)
}

// waitForPath blocks until some endpoint has called IntoFifo.
func (e *Endpoint) waitForPath() string {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	for e.s.path == "" {
		e.s.cond.Wait()
	}
	return e.s.path
}

// IntoReader opens the FIFO for reading, blocking until some endpoint has
// bound it. Used when the host itself, rather than a second sandbox, is
// one end of the pipe (e.g. injecting test stdin).
func (e *Endpoint) IntoReader() (*os.File, error) {
	return os.OpenFile(e.waitForPath(), os.O_RDONLY, 0)
}

// IntoWriter opens the FIFO for writing, blocking until some endpoint has
// bound it.
func (e *Endpoint) IntoWriter() (*os.File, error) {
	return os.OpenFile(e.waitForPath(), os.O_WRONLY, 0)
}

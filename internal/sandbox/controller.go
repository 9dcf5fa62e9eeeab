package sandbox

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/icebox-run/icebox/internal/wireframe"
)

// Controller is the host-side handle onto one running sandbox: the
// supervisor's process tree, the socket used to drive it, and the
// scratch directory bind-mounted into the guest as in/ and out/, per
// spec.md §4.D. A Controller is not safe for concurrent use by more
// than one goroutine at a time — Execute holds the socket exclusively
// for the duration of one round trip, matching the "one Sandbox not
// shared across threads" concurrency note in spec.md §4.D/§9. The
// socket is kept as a *net.UnixConn rather than a plain *os.File so
// ShellAttach can hand a pty fd to the guest via SCM_RIGHTS.
type Controller struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	sock *net.UnixConn
	base string // scratch dir root on the host
	dead bool
}

// New spawns a fresh sandbox rooted at a scratch directory under base,
// ready to serve Execute requests. selfPath is this binary's own path
// (os.Executable()), re-exec'd by SpawnNamespaced into the init/
// supervisor tiers.
func New(selfPath, base string) (*Controller, error) {
	scratch, err := os.MkdirTemp(base, "icebox-")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	inDir := filepath.Join(scratch, "in")
	outDir := filepath.Join(scratch, "out")
	mountDir := filepath.Join(scratch, "root")
	if err := os.MkdirAll(inDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		return nil, err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	hostSock := os.NewFile(uintptr(fds[0]), "icebox-host")
	guestSock := os.NewFile(uintptr(fds[1]), "icebox-guest")
	defer guestSock.Close()

	hostConn, err := asUnixConn(hostSock)
	if err != nil {
		hostSock.Close()
		return nil, err
	}
	hostSock.Close() // hostConn owns its own dup of the fd

	binds := append(append([]Bind{}, DefaultBinds...),
		Bind{Source: inDir, Target: "in", ReadOnly: true},
		Bind{Source: outDir, Target: "out", ReadOnly: false},
	)

	cmd, err := SpawnNamespaced(selfPath, guestSock)
	if err != nil {
		hostConn.Close()
		return nil, err
	}

	// The guest process needs to know mountDir and its bind set once it
	// reaches the supervisor tier; since RunInit's re-exec and the
	// eventual EnterSupervisor call happen in a process with its own
	// fresh argv/env inherited from this Start call, the simplest
	// channel for this one-shot configuration is the environment,
	// encoded as a delimited string — mountDir itself never changes and
	// the bind set is serialized once per sandbox lifetime.
	if err := passBootstrapConfig(cmd, mountDir, binds); err != nil {
		hostConn.Close()
		cmd.Process.Kill()
		return nil, err
	}

	return &Controller{cmd: cmd, sock: hostConn, base: scratch}, nil
}

// InDir and OutDir are the host-visible scratch paths bind-mounted
// read-only/read-write into the guest as in/ and out/.
func (c *Controller) InDir() string  { return filepath.Join(c.base, "in") }
func (c *Controller) OutDir() string { return filepath.Join(c.base, "out") }

// Execute drives one ExecuteCommand through the supervisor and returns
// its outcome, per spec.md §4.C/§4.D.
func (c *Controller) Execute(req *ExecuteCommand) (*ExecuteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return nil, ErrGone
	}

	if err := wireframe.WriteRequest(c.sock, &wireframe.Request{Tag: wireframe.TagExecute, Execute: req}); err != nil {
		c.dead = true
		return nil, fmt.Errorf("%w: %v", ErrGone, err)
	}

	resp, err := wireframe.ReadResponse(c.sock)
	if err != nil {
		c.dead = true
		return nil, fmt.Errorf("%w: %v", ErrGone, err)
	}

	switch resp.Tag {
	case wireframe.TagOk:
		return &ExecuteResult{Exited: true, Status: resp.Status}, nil
	case wireframe.TagErrSignaled:
		return &ExecuteResult{Signaled: true, Signal: resp.Signal}, nil
	default:
		c.dead = true
		return nil, fmt.Errorf("%w: unexpected response tag %d", ErrProtocol, resp.Tag)
	}
}

// Cleanup asks the supervisor to empty its /tmp scratch space so the
// sandbox can be reused for another Execute without leftover state.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return ErrGone
	}

	if err := wireframe.WriteRequest(c.sock, &wireframe.Request{Tag: wireframe.TagCleanup}); err != nil {
		c.dead = true
		return fmt.Errorf("%w: %v", ErrGone, err)
	}
	if _, err := wireframe.ReadResponse(c.sock); err != nil {
		c.dead = true
		return fmt.Errorf("%w: %v", ErrGone, err)
	}
	return nil
}

// ShellAttach asks the supervisor to start an interactive shell wired
// to tty (typically a pty slave the caller opened with kr/pty), handing
// the descriptor off over the socket via SCM_RIGHTS, and returns the
// shell's pid. Used for operator debugging; see SPEC_FULL.md §2.4. The
// caller retains its own copy of tty and is responsible for closing it.
func (c *Controller) ShellAttach(tty *os.File) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return 0, ErrGone
	}

	if err := wireframe.WriteRequest(c.sock, &wireframe.Request{Tag: wireframe.TagShellAttach}); err != nil {
		c.dead = true
		return 0, fmt.Errorf("%w: %v", ErrGone, err)
	}
	if err := sendFD(c.sock, tty); err != nil {
		c.dead = true
		return 0, fmt.Errorf("%w: %v", ErrGone, err)
	}
	resp, err := wireframe.ReadResponse(c.sock)
	if err != nil {
		c.dead = true
		return 0, fmt.Errorf("%w: %v", ErrGone, err)
	}
	if resp.Tag != wireframe.TagShellStarted {
		return 0, fmt.Errorf("%w: unexpected response tag %d", ErrProtocol, resp.Tag)
	}
	return resp.ShellPid, nil
}

// Shutdown asks the supervisor to terminate gracefully, then waits for
// its process tree to exit. It's the preferred way to retire a
// sandbox; Close is the forceful fallback.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if !c.dead {
		wireframe.WriteRequest(c.sock, &wireframe.Request{Tag: wireframe.TagShutdown})
		wireframe.ReadResponse(c.sock)
		c.dead = true
	}
	c.mu.Unlock()

	c.sock.Close()
	c.cmd.Wait()
	return os.RemoveAll(c.base)
}

// Close forcefully kills the supervisor's process tree without
// attempting a graceful Shutdown round trip, for use when the
// supervisor is suspected unresponsive.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()

	c.sock.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	return os.RemoveAll(c.base)
}

const (
	mountDirEnv = "ICEBOX_MOUNTDIR"
	bindsEnv    = "ICEBOX_BINDS"
)

// passBootstrapConfig hands the guest process the one-shot
// configuration FsLayout needs — the mount directory and bind set —
// via the environment, since the init/supervisor tiers are re-exec'd
// processes with no other channel for it until the control socket's
// request loop starts.
func passBootstrapConfig(cmd *exec.Cmd, mountDir string, binds []Bind) error {
	cmd.Env = append(cmd.Env, mountDirEnv+"="+mountDir, bindsEnv+"="+encodeBinds(binds))
	return nil
}

func encodeBinds(binds []Bind) string {
	s := ""
	for i, b := range binds {
		if i > 0 {
			s += ";"
		}
		ro := "0"
		if b.ReadOnly {
			ro = "1"
		}
		s += b.Source + "," + b.Target + "," + ro
	}
	return s
}

// DecodeBootstrapConfig reverses encodeBinds; cmd/iceboxd calls this
// once it detects Role() == RoleSupervisor to recover the mount
// directory and bind set EnterSupervisor needs.
func DecodeBootstrapConfig() (mountDir string, binds []Bind, err error) {
	mountDir = os.Getenv(mountDirEnv)
	if mountDir == "" {
		return "", nil, fmt.Errorf("%w: missing %s", ErrBootstrap, mountDirEnv)
	}

	raw := os.Getenv(bindsEnv)
	if raw == "" {
		return mountDir, nil, nil
	}

	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return "", nil, fmt.Errorf("%w: malformed bind entry %q", ErrBootstrap, entry)
		}
		binds = append(binds, Bind{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "1"})
	}
	return mountDir, binds, nil
}

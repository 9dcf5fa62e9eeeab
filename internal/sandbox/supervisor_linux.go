package sandbox

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/icebox-run/icebox/internal/cgroup"
	"github.com/icebox-run/icebox/internal/wireframe"
)

// execGuard excludes the background zombie reaper from an in-flight
// executePayload's own wait4 on its specific child: the reaper's
// indiscriminate wait4(-1, WNOHANG) could otherwise steal the payload's
// exit status before (*exec.Cmd).Wait observes it. executePayload holds
// a read lock for the fork-to-reap span; the reaper takes a write lock
// before each sweep, so the two never run concurrently. Mirrors the
// nsenterStarted/nsenterEnded vs. reaper locking pattern in the
// retrieved reference pack's own zombie reaper.
var execGuard sync.RWMutex

// EnterSupervisor is the supervisor tier's entry point, invoked by
// cmd/iceboxd's main when Role() == RoleSupervisor. It builds the
// guest filesystem (FsLayout), starts the background zombie reaper,
// then serves requests off the inherited socket (fd 3) until the
// socket closes or a Shutdown request arrives, per spec.md §4.C.
func EnterSupervisor(mountDir string, binds []Bind) error {
	if err := FsLayout(mountDir, binds); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	stopReaper := startZombieReaper()
	defer stopReaper()

	sock := os.NewFile(3, "sandbox-socket")
	conn, err := asUnixConn(sock)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}
	sock.Close()
	return Serve(conn)
}

// Serve runs the Supervisor request loop over conn. It returns nil on a
// clean EOF or an explicit Shutdown request, and a non-nil error on a
// protocol violation or a write failure — either of which should be
// treated by the caller as fatal to this sandbox.
func Serve(conn *net.UnixConn) error {
	for {
		req, err := wireframe.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return err
			}
			return nil
		}

		switch req.Tag {
		case wireframe.TagExecute:
			result, execErr := executePayload(req.Execute)
			if err := wireframe.WriteResponse(conn, executeResponse(result, execErr)); err != nil {
				return err
			}

		case wireframe.TagCleanup:
			cleanupScratch()
			if err := wireframe.WriteResponse(conn, &wireframe.Response{Tag: wireframe.TagAck}); err != nil {
				return err
			}

		case wireframe.TagShutdown:
			wireframe.WriteResponse(conn, &wireframe.Response{Tag: wireframe.TagAck})
			return nil

		case wireframe.TagShellAttach:
			pid, attachErr := attachShell(conn)
			if attachErr != nil {
				return fmt.Errorf("shell attach: %w", attachErr)
			}
			if err := wireframe.WriteResponse(conn, &wireframe.Response{Tag: wireframe.TagShellStarted, ShellPid: int32(pid)}); err != nil {
				return err
			}

		default:
			return ErrProtocol
		}
	}
}

// executePayload forks, joins the requested cgroup and rlimits, and
// execve's ExecuteCommand, then waits for it to finish. Fd wiring,
// cgroup join, and rlimit application are done via os/exec and prlimit
// on the child's pid immediately after Start rather than between a raw
// fork and exec, for the same Go-runtime-safety reason documented on
// SpawnNamespaced: this codebase never runs application code in the
// sliver between fork and exec.
func executePayload(req *ExecuteCommand) (*ExecuteResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil execute request", ErrProtocol)
	}

	cmd := &exec.Cmd{
		Path: req.ProgramPath,
		Args: req.Argv,
		Env:  req.Envp,
		Dir:  req.WorkingDir,
	}

	opened, err := wireOpenFiles(cmd, req.OpenFiles)
	if err != nil {
		for _, f := range opened {
			f.Close()
		}
		return nil, err
	}
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	execGuard.RLock()
	defer execGuard.RUnlock()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start payload: %w", err)
	}
	pid := cmd.Process.Pid

	if req.CGroupFile != "" {
		if err := cgroup.AddTaskByPath(req.CGroupFile, pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, fmt.Errorf("%w: join cgroup: %v", ErrResourceExhausted, err)
		}
	}

	if req.Rlimits != nil {
		applyRlimits(pid, req.Rlimits)
	}

	waitErr := cmd.Wait()
	return translateWaitErr(waitErr)
}

// wireOpenFiles maps each requested (path, fds, mode) tuple onto cmd's
// stdio or ExtraFiles, per the Port convention in internal/pipeset: fd 0
// is Stdin, 1 is Stdout, 2 is Stderr, and any fd >= 3 is appended to
// ExtraFiles in the order requested. os/exec assigns ExtraFiles[i] to
// fd 3+i in the child and the requested fd number itself is not
// consulted, so callers must request extra fds in ascending order,
// contiguously from 3.
//
// It returns every *os.File it opened so the caller can close them once
// the child has been waited on — os/exec dup2's these fds into the
// child but never closes the parent's own handles.
func wireOpenFiles(cmd *exec.Cmd, files []OpenFile) ([]*os.File, error) {
	var opened []*os.File
	for _, of := range files {
		flag := os.O_RDONLY
		if of.Mode == WriteOnly {
			flag = os.O_WRONLY
		}

		f, err := os.OpenFile(of.Path, flag, 0)
		if err != nil {
			return opened, fmt.Errorf("open %s: %w", of.Path, err)
		}
		opened = append(opened, f)

		for _, fd := range of.Fds {
			switch fd {
			case 0:
				cmd.Stdin = f
			case 1:
				cmd.Stdout = f
			case 2:
				cmd.Stderr = f
			default:
				cmd.ExtraFiles = append(cmd.ExtraFiles, f)
			}
		}
	}
	return opened, nil
}

// applyRlimits sets NPROC/FSIZE on an already-started process via
// prlimit(2), restoring the defense-in-depth guard the original
// (Rust) sandbox this subsystem is modeled on applies in addition to
// its cgroup limits (SPEC_FULL.md §4).
func applyRlimits(pid int, r *Rlimits) {
	if r.NProc != 0 {
		lim := unix.Rlimit{Cur: r.NProc, Max: r.NProc}
		unix.Prlimit(pid, unix.RLIMIT_NPROC, &lim, nil)
	}
	if r.FSize != 0 {
		lim := unix.Rlimit{Cur: r.FSize, Max: r.FSize}
		unix.Prlimit(pid, unix.RLIMIT_FSIZE, &lim, nil)
	}
}

// translateWaitErr converts the result of (*exec.Cmd).Wait into an
// ExecuteResult, per spec.md §4.C.
func translateWaitErr(err error) (*ExecuteResult, error) {
	if err == nil {
		return &ExecuteResult{Exited: true, Status: 0}, nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return nil, fmt.Errorf("wait payload: %w", err)
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return &ExecuteResult{Exited: true, Status: int32(exitErr.ExitCode())}, nil
	}

	if ws.Signaled() {
		return &ExecuteResult{Signaled: true, Signal: int32(ws.Signal())}, nil
	}
	return &ExecuteResult{Exited: true, Status: int32(ws.ExitStatus())}, nil
}

// executeResponse maps an (*ExecuteResult, error) pair from executePayload
// onto the wire Response union.
func executeResponse(result *ExecuteResult, err error) *wireframe.Response {
	if err != nil {
		return &wireframe.Response{Tag: wireframe.TagErrSignaled, Signal: -1}
	}
	if result.Signaled {
		return &wireframe.Response{Tag: wireframe.TagErrSignaled, Signal: result.Signal}
	}
	return &wireframe.Response{Tag: wireframe.TagOk, Status: result.Status}
}

// cleanupScratch empties /tmp between executions sharing one sandbox,
// per spec.md §5's Cleanup request — everything under /tmp is wiped but
// the mount itself (and its size limit) persists.
func cleanupScratch() {
	entries, err := os.ReadDir("/tmp")
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll("/tmp/" + e.Name())
	}
}

// startZombieReaper launches a background goroutine that reaps any
// child this supervisor didn't Wait() on directly — orphaned
// grandchildren reparented here once an intermediate payload process
// exits without reaping its own children. Grounded in the
// signal-driven WNOHANG reap loop used elsewhere in the retrieved
// reference pack for exactly this purpose; resolves spec.md §9's open
// question on reaping beyond the immediate payload. The returned func
// stops the goroutine.
func startZombieReaper() func() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGCHLD)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigc:
				execGuard.Lock()
				for {
					var ws unix.WaitStatus
					pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
					if err != nil || pid <= 0 {
						break
					}
				}
				execGuard.Unlock()
			}
		}
	}()

	return func() {
		signal.Stop(sigc)
		close(done)
	}
}

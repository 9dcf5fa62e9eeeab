package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// roleEnv names the environment variable a re-exec'd icebox binary reads
// to decide which bootstrap phase it is. Forking a multithreaded Go
// runtime with a raw fork(2) and then continuing to run arbitrary Go
// code (as FsLayout's os/* calls do) is unsafe — only the calling
// goroutine's thread survives the fork, while any lock another thread
// held at that instant stays held forever. Both bootstrap tiers are
// therefore implemented as self-re-execs via os/exec rather than a raw
// syscall.Fork, matching the self-reinvocation pattern this codebase
// already uses for its other namespace shim (see cmd/minimega's own
// container entry point in the retrieved reference pack).
const roleEnv = "ICEBOX_ROLE"

// nfilesEnv carries the count of fds (starting at 3) the init tier
// should re-pass to the supervisor tier it execs, since ExtraFiles
// itself isn't visible to the child process as anything but raw fd
// numbers.
const nfilesEnv = "ICEBOX_NFILES"

const (
	RoleInit       = "init"
	RoleSupervisor = "supervisor"
)

// Role reports which bootstrap phase this process was re-exec'd into, or
// "" for a normal (host, unnamespaced) Controller process.
func Role() string {
	return os.Getenv(roleEnv)
}

// SpawnNamespaced starts selfPath as a new process in a fresh mount,
// UTS, IPC, user, PID, and network namespace, per spec.md §4.B steps
// 1–5. extraFiles are inherited starting at fd 3, in order; by
// convention fd 3 is always the sandbox's control socket, with any
// further files following it. (Controller.New passes only the socket;
// ShellAttach's pty slave travels later via SCM_RIGHTS, see fdpass.go.)
// The returned Cmd's Wait reflects the exit of the PID-namespace init
// tier (RoleInit), which in turn reflects the exit of the supervisor
// tier it re-execs — the init tier never does anything the Controller
// cares about beyond reaping, per the invariant in spec.md §4.B.
//
// Go's exec package performs the unshare, the uid_map/gid_map writes,
// and the setgroups=deny write (UidMappings/GidMappings/
// GidMappingsEnableSetgroups) entirely inside its own fork+exec
// implementation, which — unlike arbitrary post-fork Go code — is
// written to be async-signal-safe. That lets steps 2–5 happen safely
// without this package touching raw fork(2) itself.
func SpawnNamespaced(selfPath string, extraFiles ...*os.File) (*exec.Cmd, error) {
	hostEUID := os.Geteuid()
	hostEGID := os.Getegid()

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(),
		roleEnv+"="+RoleInit,
		fmt.Sprintf("%s=%d", nfilesEnv, len(extraFiles)),
	)
	cmd.ExtraFiles = extraFiles
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: GuestUID, HostID: hostEUID, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: GuestGID, HostID: hostEGID, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn init: %v", ErrBootstrap, err)
	}
	return cmd, nil
}

// RunInit implements spec.md §4.B steps 6–8 from inside the process
// SpawnNamespaced created. It assumes the guest uid/gid the mapping
// written by the parent's exec call established, sets the sandbox
// hostname, then re-execs itself as the supervisor tier — this is the
// "fork" of step 8, done by exec rather than raw fork(2) for the reason
// documented on SpawnNamespaced. RunInit never returns: it blocks
// reaping children until the supervisor tier's own process exits, then
// calls os.Exit with its status, which is what makes it behave as the
// new PID namespace's init.
func RunInit(selfPath string) {
	if err := unix.Setresuid(GuestUID, GuestUID, GuestUID); err != nil {
		fatalBootstrap("setresuid", err)
	}
	if err := unix.Setresgid(GuestGID, GuestGID, GuestGID); err != nil {
		fatalBootstrap("setresgid", err)
	}
	if err := unix.Sethostname([]byte(GuestHostname)); err != nil {
		fatalBootstrap("sethostname", err)
	}

	inherited := inheritedFiles()

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(), roleEnv+"="+RoleSupervisor)
	cmd.ExtraFiles = inherited
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fatalBootstrap("spawn supervisor", err)
	}
	supervisorPID := cmd.Process.Pid

	os.Exit(reapUntilGone(supervisorPID))
}

// reapUntilGone wait4()s every child — the supervisor tier plus any
// payload processes reparented to this init once their own parent
// (the supervisor) exits or never reaped them — until none remain,
// returning the tracked pid's exit code translated to a shell-style
// status (128+signal for a signal death).
func reapUntilGone(tracked int) int {
	status := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.ECHILD {
			return status
		}
		if err != nil {
			continue
		}
		if pid != tracked {
			continue
		}
		if ws.Signaled() {
			status = 128 + int(ws.Signal())
		} else {
			status = ws.ExitStatus()
		}
	}
}

// inheritedFiles reopens, as *os.File, every fd SpawnNamespaced passed
// through as ExtraFiles (fd 3 upward), so they can be handed on to the
// supervisor tier's own exec.Cmd.ExtraFiles.
func inheritedFiles() []*os.File {
	n, err := strconv.Atoi(os.Getenv(nfilesEnv))
	if err != nil || n <= 0 {
		return nil
	}

	files := make([]*os.File, 0, n)
	for i := 0; i < n; i++ {
		files = append(files, os.NewFile(uintptr(3+i), fmt.Sprintf("inherited-%d", i)))
	}
	return files
}

func fatalBootstrap(step string, err error) {
	fmt.Fprintf(os.Stderr, "icebox: bootstrap %s: %v\n", step, err)
	os.Exit(1)
}

package sandbox

import (
	"fmt"
	"net"
	"os/exec"
)

// attachShell starts an interactive /bin/sh inside the sandbox wired to
// a pty slave handed off by the Controller over conn via SCM_RIGHTS
// immediately after the TagShellAttach request frame (see sendFD/recvFD
// in fdpass.go). A single pty fd serves as stdin, stdout, and stderr —
// the usual trick for wiring a child to a controlling terminal. It does
// not wait for the shell to exit; a background goroutine Waits on it
// once the operator's session ends.
func attachShell(conn *net.UnixConn) (int, error) {
	tty, err := recvFD(conn)
	if err != nil {
		return 0, fmt.Errorf("shell attach: %w", err)
	}

	cmd := exec.Command("/bin/sh")
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.Env = []string{"PS1=icebox$ ", "TERM=xterm", "HOME=/", "PATH=/bin:/usr/bin"}
	cmd.Dir = "/"

	execGuard.RLock()
	if err := cmd.Start(); err != nil {
		execGuard.RUnlock()
		tty.Close()
		return 0, fmt.Errorf("start shell: %w", err)
	}
	tty.Close() // cmd holds its own dup via Stdin/Stdout/Stderr

	// Wait (and the RUnlock that must accompany it, per the invariant
	// documented on execGuard) happens in the background: this function
	// returns as soon as the shell has started, without blocking the
	// Supervisor loop on the operator's session ending.
	go func() {
		cmd.Wait()
		execGuard.RUnlock()
	}()

	return cmd.Process.Pid, nil
}

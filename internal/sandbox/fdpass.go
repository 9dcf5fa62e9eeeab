package sandbox

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// asUnixConn wraps a socketpair endpoint so it can carry SCM_RIGHTS
// ancillary data (for ShellAttach's pty hand-off) in addition to the
// ordinary framed request/response traffic wireframe already sends over
// it as a plain io.Reader/io.Writer.
func asUnixConn(f *os.File) (*net.UnixConn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("sandbox: fileconn: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("sandbox: %s is not a unix socket", f.Name())
	}
	return uc, nil
}

// sendFD passes f's underlying descriptor to the peer over conn via
// SCM_RIGHTS, alongside a one-byte marker so the read side has
// something to Read() that pairs with the control message.
func sendFD(conn *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("sandbox: sendfd: %w", err)
	}
	return nil
}

// recvFD reads one fd handed off by sendFD.
func recvFD(conn *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("sandbox: recvfd: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("sandbox: recvfd: parse cmsg: %w", err)
	}
	if len(cmsgs) == 0 {
		return nil, fmt.Errorf("%w: recvfd: no control message", ErrProtocol)
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("%w: recvfd: no rights", ErrProtocol)
	}

	return os.NewFile(uintptr(fds[0]), "received-fd"), nil
}

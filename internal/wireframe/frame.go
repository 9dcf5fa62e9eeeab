// Package wireframe implements the length-prefixed binary codec shared by
// the Supervisor and the Controller handle (spec.md §4.H): a 16-bit
// little-endian length, followed by a gob-encoded message. gob stands in
// for spec.md's "bincode-encoded tagged union" — a compact,
// self-describing binary codec that round-trips a closed set of Go
// structs without a schema language.
//
// The wire payload types (ExecuteCommand and friends) live here rather
// than in package sandbox: sandbox's Controller and Supervisor both
// import wireframe to drive the request/response loop, so wireframe
// cannot import sandbox back without an import cycle. Package sandbox
// re-exports these as type aliases so the rest of the module still
// spells them sandbox.ExecuteCommand, sandbox.OpenFile, and so on.
package wireframe

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MaxFrame is the largest permitted frame, per spec.md §4.H. A frame
// larger than this is a protocol violation.
const MaxFrame = 4096

// ErrProtocol signals a framing violation or malformed message. It is
// fatal to the sandbox, not to the controller's process.
var ErrProtocol = errors.New("sandbox: protocol error")

// OpenMode selects how a guest-visible path is opened before being
// dup2'd into a payload's fd table.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	WriteOnly
)

// OpenFile names a path inside the sandbox's filesystem view, the mode
// to open it with, and the set of fds the opened file descriptor
// should be duplicated onto. If the opened fd number itself appears in
// Fds, it must not be closed once duplication is complete.
type OpenFile struct {
	Path string
	Fds  []int32
	Mode OpenMode
}

// Rlimits optionally hardens a payload beyond what its cgroup assigns,
// restoring a defense-in-depth guard present in the original sandbox
// this subsystem was modeled on (see SPEC_FULL.md §4). Zero fields are
// left unset.
type Rlimits struct {
	NProc uint64
	FSize uint64
}

// ExecuteCommand is the wire request that asks a Supervisor to fork,
// set up the requested fd table, and execve a payload.
type ExecuteCommand struct {
	ProgramPath string
	Argv        []string
	Envp        []string
	WorkingDir  string
	OpenFiles   []OpenFile
	CGroupFile  string // path to a cgroup tasks/cgroup.procs file, or ""
	Rlimits     *Rlimits
}

// RequestTag discriminates the Request union.
type RequestTag uint8

const (
	TagExecute RequestTag = iota
	TagCleanup
	TagShutdown
	TagShellAttach
)

// ResponseTag discriminates the Response union.
type ResponseTag uint8

const (
	TagOk ResponseTag = iota
	TagErrSignaled
	TagAck
	TagShellStarted
)

// Request is the Execute | Cleanup | Shutdown | ShellAttach tagged union.
// A TagShellAttach request carries no gob payload: the pty fd it wires
// into the guest shell travels as SCM_RIGHTS ancillary data sent
// immediately after this frame, over the same socket (see
// internal/sandbox's sendFD/recvFD), since gob has no notion of a file
// descriptor.
type Request struct {
	Tag     RequestTag
	Execute *ExecuteCommand
}

// Response is the Ok(int32) | Err(Signaled(int32)) | Ack | ShellStarted
// tagged union.
type Response struct {
	Tag      ResponseTag
	Status   int32
	Signal   int32
	ShellPid int32
}

func init() {
	gob.Register(&ExecuteCommand{})
}

// WriteFrame encodes v with gob and writes it to w as a u16-length-prefixed
// frame. It returns an error wrapping ErrProtocol if the encoded message
// would exceed MaxFrame.
func WriteFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("wireframe: encode: %w", err)
	}
	if buf.Len() > MaxFrame {
		return fmt.Errorf("wireframe: frame of %d bytes exceeds max %d: %w", buf.Len(), MaxFrame, ErrProtocol)
	}

	var lenPrefix [2]byte
	binary.LittleEndian.PutUint16(lenPrefix[:], uint16(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one u16-length-prefixed frame from r and gob-decodes it
// into v. An oversized length prefix is rejected without reading the body,
// wrapping ErrProtocol — the connection should be torn down by the caller,
// not retried.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}

	n := binary.LittleEndian.Uint16(lenPrefix[:])
	if int(n) > MaxFrame {
		return fmt.Errorf("wireframe: frame of %d bytes exceeds max %d: %w", n, MaxFrame, ErrProtocol)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

// WriteRequest/ReadRequest and WriteResponse/ReadResponse are thin,
// type-safe wrappers over WriteFrame/ReadFrame for the two message
// directions on a sandbox socket.
func WriteRequest(w io.Writer, req *Request) error  { return WriteFrame(w, req) }
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := ReadFrame(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func WriteResponse(w io.Writer, resp *Response) error { return WriteFrame(w, resp) }
func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := ReadFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

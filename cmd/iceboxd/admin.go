package main

import (
	"encoding/json"
	"net"

	"github.com/icebox-run/icebox/internal/cgroup"
	"github.com/icebox-run/icebox/internal/sandbox"
	log "github.com/icebox-run/icebox/pkg/minilog"
)

// submitRequest is one program to execve inside a fresh sandbox, plus
// the fds it should be wired to. Grounded in the teacher's own local
// command socket protocol (command_socket.go), adapted from
// minicli.Command's free-form CLI strings to a fixed execution request
// shape.
type submitRequest struct {
	ProgramPath string
	Argv        []string
	Envp        []string
	WorkingDir  string
	OpenFiles   []sandbox.OpenFile
	NProc       uint64
	FSize       uint64
}

type submitResponse struct {
	Exited   bool
	Status   int32
	Signaled bool
	Signal   int32
	Error    string `json:",omitempty"`
}

// adminRequest is the admin socket's tagged union: a plain submission,
// or a paired one running a submission against an interactive judge
// connected by a FIFO. JSON rather than wireframe's gob codec here,
// matching the teacher's own distinction between its binary RPC framing
// internally and its JSON-over-unix-socket local command protocol
// (command_socket.go uses encoding/json, exactly as this does).
type adminRequest struct {
	Paired *pairedRequest `json:",omitempty"`
	Submit *submitRequest `json:",omitempty"`
}

// adminSocketStart listens on l and serves one adminRequest/response
// round trip per accepted connection, handing each connection its own
// goroutine exactly as commandSocketStart does.
func adminSocketStart(l net.Listener, d *daemon) {
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				log.Error("admin socket accept: %v", err)
				return
			}
			go adminSocketHandle(conn, d)
		}
	}()
}

func adminSocketHandle(c net.Conn, d *daemon) {
	defer c.Close()

	dec := json.NewDecoder(c)
	enc := json.NewEncoder(c)

	var req adminRequest
	if err := dec.Decode(&req); err != nil {
		enc.Encode(submitResponse{Error: err.Error()})
		return
	}

	var resp interface{}
	switch {
	case req.Paired != nil:
		resp = submitPaired(d, req.Paired)
	case req.Submit != nil:
		id, ctrl := d.checkout()
		resp = submitOne(req.Submit, ctrl)
		d.release(id, ctrl)
	default:
		resp = submitResponse{Error: "admin request names neither Submit nor Paired"}
	}

	if err := enc.Encode(resp); err != nil {
		log.Error("admin socket: encode response: %v", err)
	}
}

// buildExecuteCommand maps a submitRequest onto the wire request
// Execute understands, leaving CGroupFile for the caller to fill in
// once it has carved out a cgroup for this specific run.
func buildExecuteCommand(req *submitRequest) *sandbox.ExecuteCommand {
	cmd := &sandbox.ExecuteCommand{
		ProgramPath: req.ProgramPath,
		Argv:        req.Argv,
		Envp:        req.Envp,
		WorkingDir:  req.WorkingDir,
		OpenFiles:   append([]sandbox.OpenFile{}, req.OpenFiles...),
	}
	if req.NProc != 0 || req.FSize != 0 {
		cmd.Rlimits = &sandbox.Rlimits{NProc: req.NProc, FSize: req.FSize}
	}
	return cmd
}

// runExecute carves out a fresh per-execution cgroup per spec.md §4.F,
// runs cmd to completion in ctrl, and drops the cgroup again.
func runExecute(ctrl *sandbox.Controller, cmd *sandbox.ExecuteCommand) submitResponse {
	h, err := cgroup.New(*f_memlimit, *f_pidsmax)
	if err != nil {
		return submitResponse{Error: err.Error()}
	}
	defer h.Drop()
	cmd.CGroupFile = h.TasksFile()

	result, err := ctrl.Execute(cmd)
	if err != nil {
		return submitResponse{Error: err.Error()}
	}
	return submitResponse{
		Exited:   result.Exited,
		Status:   result.Status,
		Signaled: result.Signaled,
		Signal:   result.Signal,
	}
}

// submitOne runs one submitRequest to completion in ctrl.
func submitOne(req *submitRequest, ctrl *sandbox.Controller) submitResponse {
	return runExecute(ctrl, buildExecuteCommand(req))
}

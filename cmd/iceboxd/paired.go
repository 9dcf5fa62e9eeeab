package main

import (
	"path/filepath"

	"github.com/icebox-run/icebox/internal/pipeset"
	"github.com/icebox-run/icebox/internal/sandbox"
)

// pairedRequest runs a submission against an interactive judge: the
// submission's stdout is connected to the judge's stdin through a FIFO
// shared between their two sandboxes, per spec.md §4.E's Pipe
// rendezvous. This is the scenario Pool.GetTwo's atomic pairwise
// acquisition (§4.G) exists for — two concurrent pairedRequests each
// holding one sandbox while blocked waiting for their second would
// deadlock waiting on each other's half if acquisition weren't atomic.
type pairedRequest struct {
	Submission submitRequest
	Judge      submitRequest
}

type pairedResponse struct {
	Submission submitResponse
	Judge      submitResponse
}

const judgePipeName = "judge-pipe"

// submitPaired checks out two sandboxes atomically, binds a FIFO into
// both of their in/ trees via pipeset, wires the submission's stdout
// and the judge's stdin to it, and runs both concurrently.
func submitPaired(d *daemon, req *pairedRequest) pairedResponse {
	subID, subCtrl, judgeID, judgeCtrl := d.checkoutPair()
	defer d.release(subID, subCtrl)
	defer d.release(judgeID, judgeCtrl)

	subEnd, judgeEnd := pipeset.New()
	if err := subEnd.IntoFifo(filepath.Join(subCtrl.InDir(), judgePipeName)); err != nil {
		return pairedResponse{Submission: submitResponse{Error: "bind judge pipe: " + err.Error()}}
	}
	if err := judgeEnd.IntoFifo(filepath.Join(judgeCtrl.InDir(), judgePipeName)); err != nil {
		return pairedResponse{Judge: submitResponse{Error: "bind judge pipe: " + err.Error()}}
	}

	guestPipePath := filepath.Join("/in", judgePipeName)

	subCmd := buildExecuteCommand(&req.Submission)
	subCmd.OpenFiles = append(subCmd.OpenFiles, sandbox.OpenFile{
		Path: guestPipePath, Fds: []int32{1}, Mode: sandbox.WriteOnly,
	})

	judgeCmd := buildExecuteCommand(&req.Judge)
	judgeCmd.OpenFiles = append(judgeCmd.OpenFiles, sandbox.OpenFile{
		Path: guestPipePath, Fds: []int32{0}, Mode: sandbox.ReadOnly,
	})

	var subResult, judgeResult submitResponse
	done := make(chan struct{}, 2)
	go func() { subResult = runExecute(subCtrl, subCmd); done <- struct{}{} }()
	go func() { judgeResult = runExecute(judgeCtrl, judgeCmd); done <- struct{}{} }()
	<-done
	<-done

	return pairedResponse{Submission: subResult, Judge: judgeResult}
}

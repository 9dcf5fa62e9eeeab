package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
)

func TestTranslateWaitErrCleanExit(t *testing.T) {
	result, err := translateWaitErr(nil)
	if err != nil {
		t.Fatalf("translateWaitErr(nil) error = %v", err)
	}
	if !result.Exited || result.Status != 0 {
		t.Errorf("translateWaitErr(nil) = %+v, want Exited Status=0", result)
	}
}

func TestTranslateWaitErrNonExitErrorPassesThrough(t *testing.T) {
	_, err := translateWaitErr(exec.ErrNotFound)
	if err == nil {
		t.Fatal("translateWaitErr(non-ExitError): want error, got nil")
	}
}

func TestTranslateWaitErrExitStatusAndSignal(t *testing.T) {
	// Run a real child to obtain a genuine *exec.ExitError with a
	// populated syscall.WaitStatus, rather than hand-constructing one
	// (exec.ExitError.Sys() is an opaque interface whose concrete type
	// we don't control).
	cmd := exec.Command("sh", "-c", "exit 3")
	err := cmd.Run()
	if err == nil {
		t.Skip("expected exit 3 to produce a non-nil error")
	}
	result, translateErr := translateWaitErr(err)
	if translateErr != nil {
		t.Fatalf("translateWaitErr: %v", translateErr)
	}
	if !result.Exited || result.Status != 3 {
		t.Errorf("translateWaitErr = %+v, want Exited Status=3", result)
	}

	cmd = exec.Command("sh", "-c", "kill -TERM $$")
	err = cmd.Run()
	if err == nil {
		t.Skip("expected SIGTERM death to produce a non-nil error")
	}
	result, translateErr = translateWaitErr(err)
	if translateErr != nil {
		t.Fatalf("translateWaitErr: %v", translateErr)
	}
	if !result.Signaled || result.Signal != int32(syscall.SIGTERM) {
		t.Errorf("translateWaitErr = %+v, want Signaled Signal=%d", result, syscall.SIGTERM)
	}
}

func TestExecuteResponseMapping(t *testing.T) {
	resp := executeResponse(&ExecuteResult{Exited: true, Status: 5}, nil)
	if resp.Status != 5 {
		t.Errorf("Status = %d, want 5", resp.Status)
	}

	resp = executeResponse(&ExecuteResult{Signaled: true, Signal: 9}, nil)
	if resp.Signal != 9 {
		t.Errorf("Signal = %d, want 9", resp.Signal)
	}

	resp = executeResponse(nil, exec.ErrNotFound)
	if resp.Signal != -1 {
		t.Errorf("Signal = %d, want -1 for a failed payload that never ran", resp.Signal)
	}
}

func TestWireOpenFilesMapsStdioAndExtra(t *testing.T) {
	dir := t.TempDir()
	stdinPath := filepath.Join(dir, "stdin")
	stdoutPath := filepath.Join(dir, "stdout")
	extraPath := filepath.Join(dir, "extra")
	for _, p := range []string{stdinPath, stdoutPath, extraPath} {
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	cmd := &exec.Cmd{}
	files := []OpenFile{
		{Path: stdinPath, Fds: []int32{0}, Mode: ReadOnly},
		{Path: stdoutPath, Fds: []int32{1, 2}, Mode: WriteOnly},
		{Path: extraPath, Fds: []int32{3}, Mode: ReadOnly},
	}
	opened, err := wireOpenFiles(cmd, files)
	if err != nil {
		t.Fatalf("wireOpenFiles: %v", err)
	}
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	if len(opened) != 3 {
		t.Fatalf("len(opened) = %d, want 3 (one per OpenFile, deduped across shared fds)", len(opened))
	}
	if cmd.Stdin == nil {
		t.Error("Stdin not wired")
	}
	if cmd.Stdout == nil || cmd.Stderr == nil {
		t.Error("Stdout/Stderr not both wired from a single OpenFile")
	}
	if cmd.Stdout != cmd.Stderr {
		t.Error("Stdout and Stderr should be the same *os.File when one OpenFile names both fds")
	}
	if len(cmd.ExtraFiles) != 1 {
		t.Fatalf("len(ExtraFiles) = %d, want 1", len(cmd.ExtraFiles))
	}
}

func TestWireOpenFilesMissingPathErrors(t *testing.T) {
	cmd := &exec.Cmd{}
	_, err := wireOpenFiles(cmd, []OpenFile{{Path: "/no/such/file/icebox-test", Fds: []int32{0}, Mode: ReadOnly}})
	if err == nil {
		t.Fatal("wireOpenFiles: want error for a missing path, got nil")
	}
}

// TestExecutePayloadRunsRealProgram exercises executePayload end to
// end with no cgroup/rlimit request, which needs no elevated
// privilege — just a real fork+exec of a program already on the test
// host.
func TestExecutePayloadRunsRealProgram(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no 'true' binary on this host")
	}

	result, err := executePayload(&ExecuteCommand{ProgramPath: path, Argv: []string{"true"}})
	if err != nil {
		t.Fatalf("executePayload: %v", err)
	}
	if !result.Exited || result.Status != 0 {
		t.Errorf("executePayload = %+v, want Exited Status=0", result)
	}
}

func TestExecutePayloadNilRequest(t *testing.T) {
	if _, err := executePayload(nil); err == nil {
		t.Fatal("executePayload(nil): want error, got nil")
	}
}

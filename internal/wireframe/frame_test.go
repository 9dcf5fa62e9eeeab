package wireframe

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteReadRequestRoundTrip(t *testing.T) {
	cases := []*Request{
		{Tag: TagShutdown},
		{Tag: TagCleanup},
		{Tag: TagShellAttach},
		{Tag: TagExecute, Execute: &ExecuteCommand{
			ProgramPath: "/usr/bin/gcc",
			Argv:        []string{"gcc", "-O2", "main.c"},
			Envp:        []string{"PATH=/usr/bin"},
			WorkingDir:  "/home/sandbox",
			OpenFiles: []OpenFile{
				{Path: "/in/stdin", Fds: []int32{0}, Mode: ReadOnly},
			},
			CGroupFile: "/sys/fs/cgroup/cpuacct/sandbox/abc/tasks",
			Rlimits:    &Rlimits{NProc: 32, FSize: 1 << 20},
		}},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteRequest(&buf, want); err != nil {
			t.Fatalf("WriteRequest: %v", err)
		}

		got, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("ReadRequest: %v", err)
		}
		if got.Tag != want.Tag {
			t.Errorf("Tag = %v, want %v", got.Tag, want.Tag)
		}
		if (got.Execute == nil) != (want.Execute == nil) {
			t.Fatalf("Execute presence mismatch: got %v, want %v", got.Execute, want.Execute)
		}
		if want.Execute != nil {
			if got.Execute.ProgramPath != want.Execute.ProgramPath {
				t.Errorf("ProgramPath = %q, want %q", got.Execute.ProgramPath, want.Execute.ProgramPath)
			}
			if len(got.Execute.Argv) != len(want.Execute.Argv) {
				t.Errorf("Argv = %v, want %v", got.Execute.Argv, want.Execute.Argv)
			}
			if got.Execute.Rlimits == nil || *got.Execute.Rlimits != *want.Execute.Rlimits {
				t.Errorf("Rlimits = %v, want %v", got.Execute.Rlimits, want.Execute.Rlimits)
			}
		}
	}
}

func TestWriteReadResponseRoundTrip(t *testing.T) {
	want := &Response{Tag: TagShellStarted, ShellPid: 4242}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, want); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if *got != *want {
		t.Errorf("Response = %+v, want %+v", got, want)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	req := &Request{Tag: TagExecute, Execute: &ExecuteCommand{
		ProgramPath: strings.Repeat("x", MaxFrame*2),
	}}

	var buf bytes.Buffer
	err := WriteFrame(&buf, req)
	if err == nil {
		t.Fatal("WriteFrame: want error for oversized payload, got nil")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("WriteFrame error = %v, want wrapping ErrProtocol", err)
	}
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var lenPrefix [2]byte
	lenPrefix[0] = 0xff
	lenPrefix[1] = 0xff // 65535, far past MaxFrame

	var req Request
	err := ReadFrame(bytes.NewReader(lenPrefix[:]), &req)
	if err == nil {
		t.Fatal("ReadFrame: want error for oversized length prefix, got nil")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("ReadFrame error = %v, want wrapping ErrProtocol", err)
	}
}

func TestReadFrameTruncatedStreamIsError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, &Request{Tag: TagShutdown}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	truncated := buf.Bytes()[:buf.Len()-1]
	var req Request
	if err := ReadFrame(bytes.NewReader(truncated), &req); err == nil {
		t.Fatal("ReadFrame: want error on truncated frame, got nil")
	}
}

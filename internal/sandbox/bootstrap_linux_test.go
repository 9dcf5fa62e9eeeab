package sandbox

import (
	"os"
	"os/exec"
	"testing"
)

func TestRoleReportsEnvVar(t *testing.T) {
	os.Unsetenv(roleEnv)
	if got := Role(); got != "" {
		t.Errorf("Role() = %q, want empty string when unset", got)
	}

	os.Setenv(roleEnv, RoleSupervisor)
	defer os.Unsetenv(roleEnv)
	if got := Role(); got != RoleSupervisor {
		t.Errorf("Role() = %q, want %q", got, RoleSupervisor)
	}
}

func TestInheritedFilesCount(t *testing.T) {
	os.Setenv(nfilesEnv, "3")
	defer os.Unsetenv(nfilesEnv)

	files := inheritedFiles()
	if len(files) != 3 {
		t.Fatalf("len(inheritedFiles()) = %d, want 3", len(files))
	}
	for i, f := range files {
		want := uintptr(3 + i)
		if f.Fd() != want {
			t.Errorf("files[%d].Fd() = %d, want %d", i, f.Fd(), want)
		}
	}
}

func TestInheritedFilesZeroOrUnset(t *testing.T) {
	os.Unsetenv(nfilesEnv)
	if files := inheritedFiles(); files != nil {
		t.Errorf("inheritedFiles() = %v, want nil when unset", files)
	}

	os.Setenv(nfilesEnv, "0")
	defer os.Unsetenv(nfilesEnv)
	if files := inheritedFiles(); files != nil {
		t.Errorf("inheritedFiles() = %v, want nil when 0", files)
	}
}

// TestReapUntilGoneReturnsTrackedExitStatus exercises reapUntilGone
// against a real child process rather than simulating wait4, since its
// whole job is correctly distinguishing the tracked pid from any other
// reparented child in the loop.
func TestReapUntilGoneReturnsTrackedExitStatus(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	status := reapUntilGone(cmd.Process.Pid)
	if status != 7 {
		t.Errorf("reapUntilGone = %d, want 7", status)
	}
}

func TestReapUntilGoneTranslatesSignalDeath(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -KILL $$")
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}

	status := reapUntilGone(cmd.Process.Pid)
	if status != 128+9 {
		t.Errorf("reapUntilGone = %d, want %d (128+SIGKILL)", status, 128+9)
	}
}

// Package cgroup implements the CGroup controller (spec.md §4.F): a
// process-wide cpuacct/memory/pids root under /sys/fs/cgroup/*/sandbox/,
// and per-execution CGroupHandles carved out of it with a random
// 16-char name. Grounded in the teacher's own containerPopulateCgroups
// (container.go), adapted from a single freezer/memory/devices tree per
// VM to three parallel v1 controller trees per sandbox execution, per
// spec.md §6.
package cgroup

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	procinfo "github.com/c9s/goprocinfo/linux"
)

const root = "/sys/fs/cgroup"

var controllers = []string{"cpuacct", "memory", "pids"}

var (
	initOnce sync.Once
	initErr  error
)

// Init ensures /sys/fs/cgroup/{cpuacct,memory,pids}/sandbox/ exist. It
// is idempotent and safe to call from multiple goroutines; only the
// first call does any work, per spec.md §4.F's "created exactly once
// per process lifetime" invariant.
func Init() error {
	initOnce.Do(func() {
		for _, c := range controllers {
			p := filepath.Join(root, c, "sandbox")
			if err := os.MkdirAll(p, 0755); err != nil {
				initErr = fmt.Errorf("cgroup: mkdir %s: %w", p, err)
				return
			}
		}
	})
	return initErr
}

// Handle is one execution's cpuacct/memory/pids sibling trio, named
// with a shared random 16-char suffix.
type Handle struct {
	name string
	dirs map[string]string
}

// New creates a fresh Handle under the sandbox cgroup roots, optionally
// applying a memory limit in bytes and a pids.max cap (zero means
// unset — the controller's default, usually unlimited).
func New(memoryLimitBytes, pidsMax int64) (*Handle, error) {
	if err := Init(); err != nil {
		return nil, err
	}

	name, err := randomName(16)
	if err != nil {
		return nil, fmt.Errorf("cgroup: name: %w", err)
	}

	h := &Handle{name: name, dirs: make(map[string]string, len(controllers))}
	for _, c := range controllers {
		dir := filepath.Join(root, c, "sandbox", name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			h.Drop()
			return nil, fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
		}
		h.dirs[c] = dir
	}

	if memoryLimitBytes > 0 {
		if err := os.WriteFile(h.path("memory", "memory.limit_in_bytes"), []byte(strconv.FormatInt(memoryLimitBytes, 10)), 0644); err != nil {
			h.Drop()
			return nil, fmt.Errorf("cgroup: memory.limit_in_bytes: %w", err)
		}
	}
	if pidsMax > 0 {
		if err := os.WriteFile(h.path("pids", "pids.max"), []byte(strconv.FormatInt(pidsMax, 10)), 0644); err != nil {
			h.Drop()
			return nil, fmt.Errorf("cgroup: pids.max: %w", err)
		}
	}

	return h, nil
}

// TasksFile returns the cpuacct tasks file path this Handle's owner
// passes as ExecuteCommand.CGroupFile. Linux cgroup v1 membership is
// per-hierarchy, so joining all three controllers takes one write to
// each controller's own tasks file; the supervisor, which only has this
// single path, does that through AddTaskByPath, deriving the memory and
// pids paths with ControllerPath.
func (h *Handle) TasksFile() string {
	return h.path("cpuacct", "tasks")
}

// AddTask attaches pid to all three controller trees.
func (h *Handle) AddTask(pid int) error {
	for _, c := range controllers {
		if err := os.WriteFile(h.path(c, "tasks"), []byte(strconv.Itoa(pid)), 0644); err != nil {
			return fmt.Errorf("cgroup: add task to %s: %w", c, err)
		}
	}
	return nil
}

// ControllerPath rewrites tasksPath, a path under one controller's tree
// (as returned by TasksFile), to the equivalent path under want's tree.
// Cgroup v1 siblings created by New share everything but the controller
// name segment, so this is a single path-component substitution.
func ControllerPath(tasksPath, want string) string {
	for _, c := range controllers {
		marker := "/" + c + "/"
		if strings.Contains(tasksPath, marker) {
			return strings.Replace(tasksPath, marker, "/"+want+"/", 1)
		}
	}
	return tasksPath
}

// AddTaskByPath attaches pid to all three controller trees given only
// one of their tasks file paths, per ControllerPath. It is AddTask's
// counterpart for callers that only have a path crossing the wire
// (ExecuteCommand.CGroupFile) rather than a live Handle.
func AddTaskByPath(tasksPath string, pid int) error {
	pidBytes := []byte(strconv.Itoa(pid))
	for _, c := range controllers {
		path := ControllerPath(tasksPath, c)
		if err := os.WriteFile(path, pidBytes, 0644); err != nil {
			return fmt.Errorf("cgroup: add task to %s: %w", c, err)
		}
	}
	return nil
}

// Procs reads cgroup.procs from each controller and returns the
// deduplicated union — the set of live pids in this execution's group,
// per spec.md §4.F.
func (h *Handle) Procs() ([]int, error) {
	seen := make(map[int]struct{})
	for _, c := range controllers {
		data, err := os.ReadFile(h.path(c, "cgroup.procs"))
		if err != nil {
			return nil, fmt.Errorf("cgroup: read %s/cgroup.procs: %w", c, err)
		}
		for _, f := range strings.Fields(string(data)) {
			pid, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			seen[pid] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	return out, nil
}

// Usage is one sample of this execution's resource consumption.
type Usage struct {
	CPUUsageNanos   uint64
	MemoryPeakBytes uint64
	PidsCurrent     int
	// ProcStatusRSSKB cross-checks the cgroup memory figure above
	// against /proc/<pid>/status (VmRSS), per SPEC_FULL.md §3 — a
	// mismatch usually means the cgroup mount silently failed to
	// attach the process.
	ProcStatusRSSKB uint64
}

// Sample reads cpuacct.usage, memory.max_usage_in_bytes, and
// pids.current, per spec.md §4.F, and cross-checks against /proc/<pid>
// for the payload's own pid. A failed /proc read (process already
// exited) is not an error — the cgroup-derived fields are still
// returned.
func (h *Handle) Sample(pid int) (Usage, error) {
	var u Usage

	if data, err := os.ReadFile(h.path("cpuacct", "cpuacct.usage")); err == nil {
		u.CPUUsageNanos, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(h.path("memory", "memory.max_usage_in_bytes")); err == nil {
		u.MemoryPeakBytes, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(h.path("pids", "pids.current")); err == nil {
		n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		u.PidsCurrent = n
	}

	if status, err := procinfo.ReadProcessStatus(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
		u.ProcStatusRSSKB = status.VmRSS
	}

	return u, nil
}

// Drop removes all three controller directories. Removal can fail with
// EBUSY if a task is still attached; callers should have already killed
// and reaped every pid in Procs() before calling Drop.
func (h *Handle) Drop() error {
	var firstErr error
	for _, dir := range h.dirs {
		if err := os.Remove(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cgroup: rmdir %s: %w", dir, err)
		}
	}
	return firstErr
}

func (h *Handle) path(controller, file string) string {
	return filepath.Join(h.dirs[controller], file)
}

func randomName(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// Package sandbox implements the confined execution subsystem: a
// long-lived supervisor process isolated by Linux namespaces, bind
// mounts, and cgroups, driven by a host-side Controller over a
// socketpair.
package sandbox

import (
	"fmt"

	"github.com/icebox-run/icebox/internal/wireframe"
)

// OpenMode, OpenFile, Rlimits, and ExecuteCommand are wire payload types
// that actually live in internal/wireframe — both the Controller and the
// Supervisor already import wireframe to drive the request/response
// loop, so defining these here and having wireframe import them back
// would be an import cycle. Aliased rather than redeclared so the rest
// of this module keeps spelling them sandbox.ExecuteCommand,
// sandbox.OpenFile, sandbox.ReadOnly, and so on.
type OpenMode = wireframe.OpenMode

const (
	ReadOnly  = wireframe.ReadOnly
	WriteOnly = wireframe.WriteOnly
)

type OpenFile = wireframe.OpenFile

type Rlimits = wireframe.Rlimits

type ExecuteCommand = wireframe.ExecuteCommand

// ExecuteResult is the outcome of one ExecuteCommand.
type ExecuteResult struct {
	Exited   bool
	Status   int32 // valid iff Exited
	Signaled bool
	Signal   int32 // valid iff Signaled
}

func (r ExecuteResult) String() string {
	switch {
	case r.Exited:
		return fmt.Sprintf("exited(%d)", r.Status)
	case r.Signaled:
		return fmt.Sprintf("signaled(%d)", r.Signal)
	default:
		return "unknown"
	}
}

// Bind mirrors a host path into the guest filesystem tree built by
// FsLayout.
type Bind struct {
	Source   string // absolute host path
	Target   string // relative guest path
	ReadOnly bool
}

// DefaultBinds is the bind set every sandbox's root filesystem is
// seeded with, per spec.md §4.A. Per-sandbox scratch binds (in/, out/)
// are appended by the Controller at bootstrap time, not listed here.
var DefaultBinds = []Bind{
	{Source: "/bin", Target: "bin", ReadOnly: true},
	{Source: "/etc/alternatives", Target: "etc/alternatives", ReadOnly: true},
	{Source: "/lib", Target: "lib", ReadOnly: true},
	{Source: "/lib64", Target: "lib64", ReadOnly: true},
	{Source: "/usr/bin", Target: "usr/bin", ReadOnly: true},
	{Source: "/usr/include", Target: "usr/include", ReadOnly: true},
	{Source: "/usr/lib", Target: "usr/lib", ReadOnly: true},
	{Source: "/usr/lib64", Target: "usr/lib64", ReadOnly: true},
	{Source: "/usr/libexec", Target: "usr/libexec", ReadOnly: true},
	{Source: "/usr/share", Target: "usr/share", ReadOnly: true},
	{Source: "/var/lib/ghc", Target: "var/lib/ghc", ReadOnly: true},
}

// GuestUID/GuestGID are the uid/gid every sandbox's guest process runs
// as, per spec.md §6.
const (
	GuestUID      = 1000
	GuestGID      = 1000
	GuestHostname = "icebox"
)

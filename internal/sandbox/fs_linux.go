package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// bindDevices are the host device nodes FsLayout exposes to the guest by
// bind-mounting onto an empty regular file, per spec.md §4.A step 4.
// Bind-mounting rather than mknod avoids needing CAP_MKNOD for a
// major/minor pair in the new user namespace.
var bindDevices = []string{"null", "urandom"}

// FsLayout builds the guest-visible root filesystem tree at mountDir and
// pivots into it, per spec.md §4.A. It runs in the unshared mount
// namespace, as the mapped guest uid, after IsolationBootstrap has
// completed its fork. binds is DefaultBinds plus the two dynamic
// per-sandbox scratch binds the Controller appends (in/, out/).
func FsLayout(mountDir string, binds []Bind) error {
	if err := unix.Mount("tmpfs", mountDir, "tmpfs", unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("mount root tmpfs: %w", err)
	}

	if err := unix.Chdir(mountDir); err != nil {
		return fmt.Errorf("chdir %s: %w", mountDir, err)
	}

	if err := os.Mkdir("proc", 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", "proc", "proc", unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}

	if err := setupDev(); err != nil {
		return err
	}

	if err := os.Mkdir("tmp", 0777); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := unix.Mount("tmpfs", "tmp", "tmpfs", unix.MS_NOSUID, "size=16m,nr_inodes=4k"); err != nil {
		return fmt.Errorf("mount tmp: %w", err)
	}

	if err := mirrorBinds(binds); err != nil {
		return err
	}

	if err := writePasswd(); err != nil {
		return err
	}

	return pivot()
}

// setupDev creates dev/, the bind-mounted device files spec.md §4.A
// names, and — a supplement restored from original_source/ (SPEC_FULL.md
// §4) — a small dev/shm tmpfs for POSIX shared-memory users.
func setupDev() error {
	if err := os.Mkdir("dev", 0755); err != nil {
		return fmt.Errorf("mkdir dev: %w", err)
	}

	for _, name := range bindDevices {
		path := filepath.Join("dev", name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("create dev/%s: %w", name, err)
		}
		f.Close()

		if err := unix.Mount(filepath.Join("/dev", name), path, "", unix.MS_BIND|unix.MS_NOSUID, ""); err != nil {
			return fmt.Errorf("bind dev/%s: %w", name, err)
		}
	}

	shm := filepath.Join("dev", "shm")
	if err := os.Mkdir(shm, 01777); err != nil {
		return fmt.Errorf("mkdir dev/shm: %w", err)
	}
	if err := unix.Mount("tmpfs", shm, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "mode=1777,size=65536k"); err != nil {
		return fmt.Errorf("mount dev/shm: %w", err)
	}

	return nil
}

// mirrorBinds implements spec.md §4.A step 6: directories are bind
// mounted then optionally remounted read-only, symlinks are recreated
// verbatim, and a missing source is skipped rather than failing.
func mirrorBinds(binds []Bind) error {
	for _, b := range binds {
		info, err := os.Lstat(b.Source)
		if err != nil {
			continue
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			dst, err := os.Readlink(b.Source)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", b.Source, err)
			}
			if err := os.MkdirAll(filepath.Dir(b.Target), 0755); err != nil {
				return fmt.Errorf("mkdir parent of %s: %w", b.Target, err)
			}
			if err := os.Symlink(dst, b.Target); err != nil {
				return fmt.Errorf("symlink %s: %w", b.Target, err)
			}

		case info.IsDir():
			if err := os.MkdirAll(b.Target, 0755); err != nil {
				return fmt.Errorf("mkdir bind target %s: %w", b.Target, err)
			}
			if err := unix.Mount(b.Source, b.Target, "", unix.MS_BIND|unix.MS_REC|unix.MS_NOSUID, ""); err != nil {
				return fmt.Errorf("bind %s: %w", b.Source, err)
			}
			if !b.ReadOnly {
				continue
			}
			flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_REC | unix.MS_NOSUID)
			if err := unix.Mount(b.Target, b.Target, "", flags, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", b.Target, err)
			}

		default:
			// a plain file source: skip, per spec.md §4.A the default
			// bind set only ever names directories and symlinks.
			continue
		}
	}
	return nil
}

// writePasswd drops a single-user /etc/passwd entry so guest code that
// shells out to getpwuid (coreutils, id, some language runtimes) doesn't
// choke on an unmapped uid.
func writePasswd() error {
	if err := os.MkdirAll("etc", 0755); err != nil {
		return err
	}
	entry := fmt.Sprintf("icebox:x:%d:%d::/:/bin/sh\n", GuestUID, GuestGID)
	return os.WriteFile(filepath.Join("etc", "passwd"), []byte(entry), 0644)
}

// pivot implements spec.md §4.A steps 8–9: pivot_root into the current
// directory (set by FsLayout's Chdir), detach and remove the old root,
// then lock the new root read-only.
func pivot() error {
	oldRoot := "old_root"
	if err := os.Mkdir(oldRoot, 0700); err != nil {
		return fmt.Errorf("mkdir old_root: %w", err)
	}

	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	if err := unix.Unmount("/"+oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old_root: %w", err)
	}
	if err := os.RemoveAll("/" + oldRoot); err != nil {
		return fmt.Errorf("rmdir old_root: %w", err)
	}

	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_REC | unix.MS_NOSUID)
	if err := unix.Mount("/", "/", "", flags, ""); err != nil {
		return fmt.Errorf("lock root read-only: %w", err)
	}

	return nil
}

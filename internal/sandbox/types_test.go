package sandbox

import (
	"path/filepath"
	"testing"
)

func TestDefaultBindsAreAbsoluteSourceRelativeTarget(t *testing.T) {
	for _, b := range DefaultBinds {
		if !filepath.IsAbs(b.Source) {
			t.Errorf("bind %+v: Source must be absolute", b)
		}
		if filepath.IsAbs(b.Target) {
			t.Errorf("bind %+v: Target must be relative (mounted under the guest root)", b)
		}
	}
}

func TestDefaultBindsAreAllReadOnly(t *testing.T) {
	for _, b := range DefaultBinds {
		if !b.ReadOnly {
			t.Errorf("bind %+v: expected every default bind to be read-only", b)
		}
	}
}

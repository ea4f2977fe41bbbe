package lockfile

import (
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Path() != path {
		t.Fatalf("Path() = %q", l.Path())
	}

	// A second open file description conflicts even within one process.
	if _, err := Acquire(path); err != ErrAlreadyLocked {
		t.Fatalf("second Acquire: got %v, want ErrAlreadyLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	if _, err := Acquire("   "); err == nil {
		t.Fatal("empty path must be rejected")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("nil release: %v", err)
	}
	if l.Path() != "" {
		t.Fatalf("nil path: %q", l.Path())
	}
}

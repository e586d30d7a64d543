package os

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vdecd.lock")
	a, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.TryLock(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file %v is missing", a.Path())
	}

	b, _ := NewFileLock(path)
	if err := b.TryLock(); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock: %v", err)
	}
	_ = a.Unlock()
	if err := b.TryLock(); err != nil {
		t.Errorf("lock after unlock: %v", err)
	}
	_ = b.Unlock()
}

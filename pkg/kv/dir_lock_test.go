//go:build unix

package kv_test

import (
	"errors"
	"testing"

	"github.com/calvinalkan/docvault/pkg/kv"
)

func Test_Dir_TryLock_Returns_ErrLocked_When_Held(t *testing.T) {
	t.Parallel()

	d, err := kv.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	first, err := d.TryLock("app")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	_, err = d.TryLock("app")
	if !errors.Is(err, kv.ErrLocked) {
		t.Fatalf("second lock err = %v, want ErrLocked", err)
	}

	other, err := d.TryLock("other")
	if err != nil {
		t.Fatalf("lock on other name: %v", err)
	}

	_ = other.Close()

	err = first.Close()
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}

	err = first.Close()
	if err != nil {
		t.Fatalf("second unlock: %v", err)
	}

	again, err := d.TryLock("app")
	if err != nil {
		t.Fatalf("relock after close: %v", err)
	}

	_ = again.Close()
}

func Test_Dir_Lock_Files_Are_Not_Listed_As_Values(t *testing.T) {
	t.Parallel()

	d, err := kv.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	lock, err := d.TryLock("app")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	defer func() { _ = lock.Close() }()

	_, err = d.Get(t.Context(), "app")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
}

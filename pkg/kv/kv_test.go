package kv_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/docvault/pkg/kv"
)

func backends(t *testing.T) map[string]kv.Store {
	t.Helper()

	dir, err := kv.NewDir(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	return map[string]kv.Store{
		"memory": kv.NewMemory(),
		"dir":    dir,
	}
}

func Test_Store_Round_Trips_Entries_When_Set_Then_Read(t *testing.T) {
	t.Parallel()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()

			err := store.SetMany(ctx, []kv.Entry{
				{Key: "db", Value: []byte("cipher")},
				{Key: "db-iv", Value: []byte("nonce")},
				{Key: "db-salt", Value: []byte("salt")},
				{Key: "weird/../key with spaces", Value: []byte("ok")},
			})
			if err != nil {
				t.Fatalf("set many: %v", err)
			}

			got, err := store.Get(ctx, "db")
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			if string(got) != "cipher" {
				t.Fatalf("get = %q, want cipher", got)
			}

			many, err := store.GetMany(ctx, []string{"db-salt", "missing", "db-iv", "weird/../key with spaces"})
			if err != nil {
				t.Fatalf("get many: %v", err)
			}

			want := [][]byte{[]byte("salt"), nil, []byte("nonce"), []byte("ok")}
			if diff := cmp.Diff(want, many); diff != "" {
				t.Fatalf("get many mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Get_Returns_ErrNotFound_When_Key_Missing(t *testing.T) {
	t.Parallel()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := store.Get(t.Context(), "nope")
			if !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func Test_Delete_Removes_Keys_And_Ignores_Missing(t *testing.T) {
	t.Parallel()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()

			err := store.SetMany(ctx, []kv.Entry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}})
			if err != nil {
				t.Fatalf("set many: %v", err)
			}

			err = store.Delete(ctx, "a", "never-existed")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}

			_, err = store.Get(ctx, "a")
			if !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("get deleted: err = %v, want ErrNotFound", err)
			}

			got, err := store.Get(ctx, "b")
			if err != nil || string(got) != "2" {
				t.Fatalf("get b = %q, %v", got, err)
			}
		})
	}
}

func Test_Memory_Does_Not_Alias_Values_When_Caller_Mutates(t *testing.T) {
	t.Parallel()

	m := kv.NewMemory()
	v := []byte("abc")

	err := m.SetMany(t.Context(), []kv.Entry{{Key: "k", Value: v}})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	v[0] = 'X'

	got, err := m.Get(t.Context(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	got[1] = 'Y'

	again, _ := m.Get(t.Context(), "k")
	if string(again) != "abc" {
		t.Fatalf("stored value changed to %q", again)
	}

	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func Test_Dir_Overwrites_Value_When_Key_Set_Twice(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	d, err := kv.NewDir(root)
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}

	for _, v := range []string{"first", "second"} {
		err = d.SetMany(t.Context(), []kv.Entry{{Key: "snap", Value: []byte(v)}})
		if err != nil {
			t.Fatalf("set %s: %v", v, err)
		}
	}

	got, err := d.Get(t.Context(), "snap")
	if err != nil || string(got) != "second" {
		t.Fatalf("get = %q, %v", got, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("files in dir = %d, want 1 (no temp files left)", len(entries))
	}
}

func Test_NewDir_Returns_Error_When_Path_Empty(t *testing.T) {
	t.Parallel()

	_, err := kv.NewDir("")
	if err == nil {
		t.Fatal("expected error")
	}
}

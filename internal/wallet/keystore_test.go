package wallet

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := NewKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	return ks
}

func TestKeystore_CreateLoad(t *testing.T) {
	ks := newTestKeystore(t)
	seed := testSeed(t)
	password := []byte("hunter2-but-longer")

	if err := ks.Create("main", seed, password, fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	loaded, err := ks.Load("main", password)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !bytes.Equal(loaded, seed) {
		t.Error("loaded seed does not match original")
	}
}

func TestKeystore_CreateDuplicate(t *testing.T) {
	ks := newTestKeystore(t)
	seed := testSeed(t)

	if err := ks.Create("main", seed, []byte("pass"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := ks.Create("main", seed, []byte("pass"), fastParams()); err == nil {
		t.Error("Create() with existing name should fail")
	}
}

func TestKeystore_LoadWrongPassword(t *testing.T) {
	ks := newTestKeystore(t)

	if err := ks.Create("main", testSeed(t), []byte("correct"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := ks.Load("main", []byte("wrong")); err == nil {
		t.Error("Load() with wrong password should fail")
	}
}

func TestKeystore_LoadMissing(t *testing.T) {
	ks := newTestKeystore(t)
	if _, err := ks.Load("nope", []byte("pass")); err == nil {
		t.Error("Load() of missing wallet should fail")
	}
}

func TestKeystore_Exists(t *testing.T) {
	ks := newTestKeystore(t)

	if ks.Exists("main") {
		t.Error("Exists() = true before Create")
	}
	if err := ks.Create("main", testSeed(t), []byte("pass"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !ks.Exists("main") {
		t.Error("Exists() = false after Create")
	}
}

func TestKeystore_List(t *testing.T) {
	ks := newTestKeystore(t)
	seed := testSeed(t)

	names, err := ks.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List() on empty keystore = %v, want empty", names)
	}

	for _, name := range []string{"alpha", "beta"} {
		if err := ks.Create(name, seed, []byte("pass"), fastParams()); err != nil {
			t.Fatalf("Create(%q) error: %v", name, err)
		}
	}

	names, err = ks.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List() returned %d names, want 2: %v", len(names), names)
	}
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	if !got["alpha"] || !got["beta"] {
		t.Errorf("List() = %v, want alpha and beta", names)
	}
}

func TestKeystore_Delete(t *testing.T) {
	ks := newTestKeystore(t)

	if err := ks.Delete("main"); err == nil {
		t.Error("Delete() of missing wallet should fail")
	}

	if err := ks.Create("main", testSeed(t), []byte("pass"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := ks.Delete("main"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ks.Exists("main") {
		t.Error("wallet still exists after Delete")
	}
}

func TestKeystore_UnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeystore(dir)
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}

	data := []byte(`{"version": 99, "created_at": "2026-01-01T00:00:00Z", "encrypted_seed": "AAAA"}`)
	if err := os.WriteFile(filepath.Join(dir, "old.wallet"), data, 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if _, err := ks.Load("old", []byte("pass")); err == nil {
		t.Error("Load() of unsupported version should fail")
	}
}

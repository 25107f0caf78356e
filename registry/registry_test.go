package registry

import (
	"os"
	"path/filepath"
	"testing"
)

// buildDir creates a fake install dir with one executable inside it.
func buildDir(t *testing.T, execName string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, execName), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestImportAndList(t *testing.T) {
	reg, err := NewFileRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir := buildDir(t, "editor")
	ed, err := reg.Import(dir, "Editor 4.2")
	if err != nil {
		t.Fatal(err)
	}
	if ed.Name != "Editor 4.2" || ed.Path != dir {
		t.Fatalf("Unexpected editor %+v", ed)
	}
	if ed.ExecPath != filepath.Join(dir, "editor") {
		t.Fatalf("Expected the executable to be located, got %q", ed.ExecPath)
	}

	editors, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(editors) != 1 || editors[0].Name != "Editor 4.2" {
		t.Fatalf("Unexpected list %+v", editors)
	}
}

func TestImportReplacesSameName(t *testing.T) {
	reg, err := NewFileRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first := buildDir(t, "editor")
	if _, err := reg.Import(first, "Editor"); err != nil {
		t.Fatal(err)
	}
	second := buildDir(t, "editor")
	if _, err := reg.Import(second, "Editor"); err != nil {
		t.Fatal(err)
	}

	editors, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(editors) != 1 {
		t.Fatalf("Expected one entry, got %d", len(editors))
	}
	if editors[0].Path != second {
		t.Fatalf("Expected the entry to point at the new dir, got %q", editors[0].Path)
	}
}

func TestImportValidation(t *testing.T) {
	reg, err := NewFileRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Import(buildDir(t, "editor"), ""); err == nil {
		t.Fatal("Expected an empty name to be rejected")
	}
	if _, err := reg.Import("/does/not/exist", "Ghost"); err == nil {
		t.Fatal("Expected a missing dir to be rejected")
	}
}

func TestRemove(t *testing.T) {
	reg, err := NewFileRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir := buildDir(t, "editor")
	if _, err := reg.Import(dir, "Editor"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove("Editor"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove("Editor"); err == nil {
		t.Fatal("Expected removing a missing entry to fail")
	}

	// the files on disk survive
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("Expected the install dir to be left alone")
	}
}

func TestPersistence(t *testing.T) {
	versions := t.TempDir()
	reg, err := NewFileRegistry(versions)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Import(buildDir(t, "editor"), "Editor"); err != nil {
		t.Fatal(err)
	}

	// a fresh registry over the same dir sees the entry
	reg2, err := NewFileRegistry(versions)
	if err != nil {
		t.Fatal(err)
	}
	editors, err := reg2.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(editors) != 1 || editors[0].Name != "Editor" {
		t.Fatalf("Unexpected list from reloaded registry: %+v", editors)
	}
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreSaveAndPath(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	path, err := store.Save(ctx, "abc123.png", []byte("pixels"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != store.Path("abc123.png") {
		t.Errorf("path = %q, want %q", path, store.Path("abc123.png"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("content = %q", data)
	}

	ok, err := store.Exists(ctx, "abc123.png")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "missing.png")
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}

func TestFileStoreSaveIsIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	first, err := store.Save(ctx, "dup.png", []byte("original"))
	if err != nil {
		t.Fatalf("first Save: %v", err)
	}

	// Content-addressed names mean a resave never rewrites the file.
	second, err := store.Save(ctx, "dup.png", []byte("should be ignored"))
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	data, _ := os.ReadFile(first)
	if string(data) != "original" {
		t.Errorf("resave overwrote content: %q", data)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := store.Save(context.Background(), "a.bin", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(root, ".tmp-*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestNewFileStoreRejectsEmptyRoot(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Fatal("empty root must be rejected")
	}
}

package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"microreg/internal/storage"
	"microreg/internal/tiffstack"
	"microreg/internal/volume"
)

func writeVolume(t *testing.T, path string) {
	t.Helper()
	img, err := volume.New([3]int{2, 3, 4}, volume.Broadcast(1), volume.ArrayOrder)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := tiffstack.Write(path, img); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestIsVolumeFile(t *testing.T) {
	cases := map[string]bool{
		"a.tif":                 true,
		"dir/b.TIFF":            true,
		"c.png":                 false,
		".transformed.tif.tmp":  false,
		"dir/.hidden_stack.tif": false,
	}
	for path, want := range cases {
		if got := IsVolumeFile(path); got != want {
			t.Fatalf("IsVolumeFile(%q): expected %v, got %v", path, want, got)
		}
	}
}

func TestCatalogRecordsStacks(t *testing.T) {
	dir := t.TempDir()
	writeVolume(t, filepath.Join(dir, "fixed.tif"))
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeVolume(t, filepath.Join(dir, "sub", "moving.tiff"))
	if err := os.WriteFile(filepath.Join(dir, "broken.tif"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "cat.db"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer store.Close()

	sum, err := Catalog(dir, store, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sum.Volumes != 2 || sum.Invalid != 1 {
		t.Fatalf("expected 2 valid and 1 invalid, got %+v", sum)
	}

	recs, err := store.Volumes(false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected three catalogued files, got %d", len(recs))
	}
	for _, r := range recs {
		if filepath.Base(r.Path) == "fixed.tif" && (r.Pages != 2 || r.Height != 3 || r.Width != 4) {
			t.Fatalf("unexpected shape for fixed.tif: %+v", r)
		}
	}
}

func TestApplyTracksRemovals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.tif")
	writeVolume(t, path)

	store, err := storage.New(filepath.Join(t.TempDir(), "cat.db"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer store.Close()

	Apply(store, VolumeEvent{Path: path, Operation: "created", Time: time.Now()}, nil)
	Apply(store, VolumeEvent{Path: path, Operation: "deleted", Time: time.Now()}, nil)

	present, _ := store.Volumes(false)
	if len(present) != 0 {
		t.Fatalf("expected no present volumes, got %+v", present)
	}
	if n, _ := store.VolumeEventCount(path); n != 2 {
		t.Fatalf("expected two events, got %d", n)
	}
}

func TestOperationFor(t *testing.T) {
	cases := map[fsnotify.Op]string{
		fsnotify.Create:                  "created",
		fsnotify.Write:                   "modified",
		fsnotify.Remove:                  "deleted",
		fsnotify.Rename:                  "renamed",
		fsnotify.Chmod:                   "",
		fsnotify.Create | fsnotify.Chmod: "created",
	}
	for op, want := range cases {
		if got := operationFor(op); got != want {
			t.Fatalf("operationFor(%v): expected %q, got %q", op, want, got)
		}
	}
}

package storage_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"orrery/internal/logging"
	"orrery/internal/storage"
	"orrery/internal/testsupport"
)

func newAdapter(t *testing.T) *storage.Adapter {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return storage.NewAdapter(cfg, logging.NewNop())
}

func TestPromoteMovesFile(t *testing.T) {
	adapter := newAdapter(t)
	src := adapter.StagingPath("mosaic-001.fits")
	testsupport.WriteFile(t, src, 2048)

	dst, err := adapter.Promote(src)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if adapter.Exists(src) {
		t.Fatal("expected staging copy to be removed")
	}
	if !adapter.Exists(dst) {
		t.Fatal("expected archive copy to exist")
	}
	if filepath.Dir(dst) != adapter.ArchiveRoot() {
		t.Fatalf("expected destination under archive root, got %s", dst)
	}
}

func TestPromoteMovesDirectory(t *testing.T) {
	adapter := newAdapter(t)
	src := adapter.StagingPath("image-g1")
	testsupport.WriteFile(t, filepath.Join(src, "primary.fits"), 512)
	testsupport.WriteFile(t, filepath.Join(src, "weights.fits"), 512)

	dst, err := adapter.Promote(src)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if adapter.Exists(src) {
		t.Fatal("expected staging directory to be removed")
	}
	for _, name := range []string{"primary.fits", "weights.fits"} {
		if !adapter.Exists(filepath.Join(dst, name)) {
			t.Fatalf("expected %s in archive copy", name)
		}
	}
}

func TestPromoteCollisionAddsSuffix(t *testing.T) {
	adapter := newAdapter(t)

	occupied := adapter.ArchivePath("mosaic-001.fits")
	testsupport.WriteFile(t, occupied, 64)

	src := adapter.StagingPath("mosaic-001.fits")
	testsupport.WriteFile(t, src, 128)

	dst, err := adapter.Promote(src)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if dst == occupied {
		t.Fatal("expected collision to produce a different destination")
	}
	if !strings.HasSuffix(dst, ".fits") {
		t.Fatalf("expected suffixed destination to keep extension, got %s", dst)
	}

	// The pre-existing archive entry is untouched.
	info, err := os.Stat(occupied)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 64 {
		t.Fatalf("expected original archive entry preserved, size %d", info.Size())
	}
}

func TestPromoteMissingSource(t *testing.T) {
	adapter := newAdapter(t)
	if _, err := adapter.Promote(adapter.StagingPath("absent.fits")); err == nil {
		t.Fatal("expected error for missing source")
	}
}

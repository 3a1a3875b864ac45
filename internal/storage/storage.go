package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"orrery/internal/config"
	"orrery/internal/fileutil"
	"orrery/internal/logging"
	"orrery/internal/services"
)

// Adapter moves products between the staging and archive tiers.
type Adapter struct {
	stagingRoot string
	archiveRoot string
	logger      *slog.Logger
	now         func() time.Time
}

// NewAdapter builds an Adapter from configuration.
func NewAdapter(cfg *config.Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		stagingRoot: cfg.Paths.StagingDir,
		archiveRoot: cfg.Paths.ArchiveDir,
		logger:      logging.NewComponentLogger(logger, "storage"),
		now:         time.Now,
	}
}

// StagingRoot returns the staging tier root directory.
func (a *Adapter) StagingRoot() string { return a.stagingRoot }

// ArchiveRoot returns the archive tier root directory.
func (a *Adapter) ArchiveRoot() string { return a.archiveRoot }

// StagingPath joins parts under the staging root.
func (a *Adapter) StagingPath(parts ...string) string {
	return filepath.Join(append([]string{a.stagingRoot}, parts...)...)
}

// ArchivePath joins parts under the archive root.
func (a *Adapter) ArchivePath(parts ...string) string {
	return filepath.Join(append([]string{a.archiveRoot}, parts...)...)
}

// Exists reports whether a path exists on either tier.
func (a *Adapter) Exists(path string) bool {
	return fileutil.Exists(path)
}

// EnsureDir creates a directory and its parents.
func (a *Adapter) EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "", "ensure directory", "Failed to create directory", err)
	}
	return nil
}

// Promote moves src from the staging tier into the archive tier and returns
// the final archive path. The source must exist; the destination is derived
// from the source base name. An existing destination is never overwritten: the
// promoted entry gets a timestamp suffix instead. After the move the source is
// gone and the destination exists, or Promote returns an error without
// claiming success.
func (a *Adapter) Promote(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "", "promote", "Staging artifact missing", err)
	}

	if err := os.MkdirAll(a.archiveRoot, 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "", "promote", "Failed to create archive directory", err)
	}

	dst := filepath.Join(a.archiveRoot, filepath.Base(src))
	if fileutil.Exists(dst) {
		dst = a.collisionPath(dst)
		a.logger.Warn("archive target exists, using suffixed path",
			logging.String("target", dst))
	}

	if err := a.move(src, dst, info.IsDir()); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "promote", "Failed to move artifact into archive", err)
	}

	if !fileutil.Exists(dst) {
		return "", services.Wrap(services.ErrTransient, "", "promote", "Archive copy not found after move", nil)
	}
	if fileutil.Exists(src) {
		return "", services.Wrap(services.ErrTransient, "", "promote", "Staging copy still present after move", nil)
	}

	return dst, nil
}

func (a *Adapter) collisionPath(dst string) string {
	stamp := a.now().UTC().Format("20060102T150405")
	ext := filepath.Ext(dst)
	base := dst[:len(dst)-len(ext)]
	candidate := fmt.Sprintf("%s.%s%s", base, stamp, ext)
	for seq := 1; fileutil.Exists(candidate); seq++ {
		candidate = fmt.Sprintf("%s.%s-%d%s", base, stamp, seq, ext)
	}
	return candidate
}

func (a *Adapter) move(src, dst string, isDir bool) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(renameErr, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return renameErr
	}

	if isDir {
		if err := copyTree(src, dst); err != nil {
			_ = os.RemoveAll(dst)
			return err
		}
		return os.RemoveAll(src)
	}

	if err := fileutil.CopyFileVerified(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return fileutil.CopyFileVerified(path, target)
	})
}

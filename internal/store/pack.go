package store

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// Packer bundles artifacts older than a retention window into a single
// .tar.zst archive and removes the originals, keeping the cache
// directory from growing without bound. It runs outside the pipeline
// hot path.
type Packer struct {
	cacheDir string
	maxAge   time.Duration
}

// NewPacker creates a packer over the given cache directory.
func NewPacker(cacheDir string, maxAge time.Duration) *Packer {
	return &Packer{cacheDir: cacheDir, maxAge: maxAge}
}

// PackOnce archives every .webp artifact older than the retention
// window into pack-{timestamp}.tar.zst under the cache root. Returns
// the number of artifacts packed; zero with nil error when nothing is
// old enough.
func (p *Packer) PackOnce(now time.Time) (int, error) {
	cutoff := now.Add(-p.maxAge)

	var aged []string
	err := filepath.WalkDir(p.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".webp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			aged = append(aged, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cache directory: %w", err)
	}
	if len(aged) == 0 {
		return 0, nil
	}

	archivePath := filepath.Join(p.cacheDir, fmt.Sprintf("pack-%s.tar.zst", now.UTC().Format("20060102-150405")))
	f, err := os.Create(archivePath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var archived []string
	for _, path := range aged {
		if err := p.appendFile(tw, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping artifact during pack")
			continue
		}
		archived = append(archived, path)
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("finalize tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	// Only artifacts that made it into the archive are removed; a
	// skipped artifact keeps its on-disk copy for the next run.
	for _, path := range archived {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove packed artifact")
		}
	}
	p.removeEmptyDirs()

	log.Info().Int("artifacts", len(archived)).Str("archive", archivePath).Msg("Cache pack complete")
	return len(archived), nil
}

// appendFile writes one artifact into the archive under its
// cache-relative path.
func (p *Packer) appendFile(tw *tar.Writer, path string) error {
	rel, err := filepath.Rel(p.cacheDir, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    filepath.ToSlash(rel),
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// removeEmptyDirs prunes now-empty dated subdirectories left behind
// after packing.
func (p *Packer) removeEmptyDirs() {
	var dirs []string
	filepath.WalkDir(p.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != p.cacheDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so parents empty out as children are removed.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
}

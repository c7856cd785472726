// Package encode compresses accepted frames to WebP and persists them
// to the local cache. Local persistence always happens before any
// upload attempt; an artifact exists on disk regardless of what the
// upload stage later does with it.
package encode

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/pipeline"
	"github.com/fpang/screenwatch/internal/store"
)

// Stage compresses frames and writes them to the cache directory.
type Stage struct {
	cacheDir string
	quality  int
	device   string
	index    *store.Index
}

// New creates the encode stage and ensures the cache directory exists.
// index may be nil when the artifact index is disabled.
func New(cfg config.CacheConfig, device string, index *store.Index) (*Stage, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Stage{
		cacheDir: cfg.Dir,
		quality:  cfg.WebpQuality,
		device:   device,
		index:    index,
	}, nil
}

// Process compresses one frame and persists it. An encode or write
// failure drops this frame only; the pipeline keeps running.
func (s *Stage) Process(frame event.Frame, emit pipeline.Emit[event.Artifact]) error {
	data, err := s.encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame for monitor %s: %w", frame.Monitor.ID, err)
	}

	// Path format: {cache}/{yyyy}/{mm}/{dd}/{hh}/{timestamp}_{monitor}.webp
	dir := filepath.Join(s.cacheDir, event.PathSubdir(frame.Timestamp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.webp", event.CompactTimestamp(frame.Timestamp), frame.Monitor.ID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}

	artifact := event.Artifact{
		ID:        uuid.NewString(),
		Monitor:   frame.Monitor,
		Device:    s.device,
		Timestamp: frame.Timestamp,
		Data:      data,
		LocalPath: path,
	}

	if err := s.index.Record(artifact); err != nil {
		// The artifact is on disk either way; a failed index insert
		// is not worth dropping it over.
		log.Warn().Err(err).Str("artifact", artifact.ID).Msg("Artifact index insert failed")
	}

	log.Debug().
		Str("monitor", frame.Monitor.ID).
		Str("path", path).
		Int("size", len(data)).
		Msg("Artifact encoded")

	emit(artifact)
	return nil
}

// encode compresses the frame to WebP. Quality 100 selects lossless
// encoding, anything lower is lossy.
func (s *Stage) encode(frame event.Frame) ([]byte, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame has no pixel buffer")
	}

	var buf bytes.Buffer
	opts := &webp.Options{Quality: float32(s.quality)}
	if s.quality >= 100 {
		opts = &webp.Options{Lossless: true}
	}
	if err := webp.Encode(&buf, frame.Image, opts); err != nil {
		return nil, fmt.Errorf("webp encode: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("webp encode produced empty output")
	}
	return buf.Bytes(), nil
}

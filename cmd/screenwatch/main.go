// Command screenwatch captures periodic screenshots of every attached
// monitor, drops visually unchanged frames, compresses and caches the
// survivors, optionally ships them to object storage, and reports
// their existence as heartbeat events to an ActivityWatch server.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/screenwatch/internal/awclient"
	"github.com/fpang/screenwatch/internal/capture"
	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/encode"
	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/filter"
	"github.com/fpang/screenwatch/internal/logging"
	"github.com/fpang/screenwatch/internal/pipeline"
	"github.com/fpang/screenwatch/internal/report"
	"github.com/fpang/screenwatch/internal/store"
	"github.com/fpang/screenwatch/internal/upload"
)

// bucketType identifies screenwatch events on the activity server.
const bucketType = "screen.screenshot"

// Queue depths between stages. Raw frames are large, so the
// capture-to-filter queue is kept short; encoded artifacts are cheap.
const (
	frameQueueDepth    = 10
	artifactQueueDepth = 30
)

// CLI flags
var (
	configFlag   string
	cacheDirFlag string
	timeoutFlag  int
)

var rootCmd = &cobra.Command{
	Use:   "screenwatch",
	Short: "Screenshot presence watcher for ActivityWatch",
	Long: `Screenwatch watches all attached monitors: it captures a frame per
monitor on a timer, skips frames whose content has not visibly changed,
compresses the rest to WebP in a local cache, optionally uploads them to
S3-compatible object storage, and reports each artifact as a heartbeat
event to an ActivityWatch server.

Examples:
  screenwatch --config screenwatch.yaml
  screenwatch --cache-dir /var/cache/screenwatch --timeout 3600`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", logging.EnvOrDefault("SCREENWATCH_CONFIG", "screenwatch.yaml"), "Path to configuration file")
	rootCmd.Flags().StringVar(&cacheDirFlag, "cache-dir", "", "Override the local artifact cache directory")
	rootCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Stop after this many seconds (0 = run until interrupted)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	start := time.Now()
	logging.Init()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("path", configFlag).Msg("Invalid configuration")
	}
	if cacheDirFlag != "" {
		cfg.Cache.Dir = cacheDirFlag
	}
	if timeoutFlag > 0 {
		cfg.Trigger.TimeoutSecs = timeoutFlag
	}

	runID := uuid.NewString()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if t := cfg.Trigger.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	var index *store.Index
	if cfg.Index.DBPath != "" {
		index, err = store.OpenIndex(cfg.Index.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Index.DBPath).Msg("Failed to open artifact index")
		}
		defer index.Close()
	}

	backend := capture.NewScreenBackend()
	monitors, err := backend.Monitors()
	if err != nil {
		log.Fatal().Err(err).Msg("No capture backend available")
	}

	encodeStage, err := encode.New(cfg.Cache, cfg.Server.Hostname, index)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encoder")
	}

	var uploadStage pipeline.Stage[event.Artifact, event.Reference]
	if cfg.S3.Enabled {
		uploadStage, err = upload.NewS3(ctx, cfg.S3, index)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize object storage client")
		}
	} else {
		uploadStage = upload.NewPassthrough()
	}

	client := awclient.New(cfg.Server.Host, cfg.Server.Port)
	registerBucket(ctx, client, cfg.Server)

	logging.NewStartupLogger("screenwatch").
		RunID(runID).
		Hostname(cfg.Server.Hostname).
		Monitors(len(monitors)).
		Feature("s3", cfg.S3.Enabled).
		Feature("index", index != nil).
		Feature("pack", cfg.Cache.PackAfterHours > 0).
		Config("interval", cfg.Trigger.Interval().String()).
		Config("forceInterval", cfg.Capture.ForceInterval().String()).
		Config("hashThreshold", strconv.Itoa(cfg.Capture.HashThreshold)).
		Config("cacheDir", cfg.Cache.Dir).
		Config("pulseTime", cfg.Server.PulseTime().String()).
		InitDuration(time.Since(start)).
		Log()

	if cfg.Cache.PackAfterHours > 0 {
		go runPacker(ctx, cfg.Cache)
	}

	p := pipeline.New(ctx)
	frames := pipeline.RunSource(p, "capture", capture.New(backend, cfg.Trigger, cfg.Capture), frameQueueDepth)
	accepted := pipeline.RunStage(p, "filter", filter.New(cfg.Capture), frames, frameQueueDepth)
	artifacts := pipeline.RunStage(p, "encode", encodeStage, accepted, artifactQueueDepth)
	refs := pipeline.RunStage(p, "upload", uploadStage, artifacts, artifactQueueDepth)
	pipeline.RunSink(p, "report", report.New(client, cfg.Server), refs)

	if err := p.Wait(); err != nil {
		log.Error().Err(err).Msg("Pipeline terminated with error")
		os.Exit(1)
	}
	log.Info().Msg("Watcher stopped")
}

// registerBucket performs the one-time idempotent bucket registration.
// An unreachable server is not fatal: the report stage buffers
// heartbeats and the server creates buckets lazily on restart anyway.
func registerBucket(ctx context.Context, client *awclient.Client, cfg config.ServerConfig) {
	err := client.CreateBucket(ctx, awclient.Bucket{
		ID:       cfg.BucketID + "_" + cfg.Hostname,
		Type:     bucketType,
		Client:   cfg.BucketID,
		Hostname: cfg.Hostname,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Bucket registration failed, continuing")
	}
}

// runPacker periodically bundles aged cache artifacts into .tar.zst
// archives. Runs outside the pipeline so packing I/O never competes
// with the capture path.
func runPacker(ctx context.Context, cfg config.CacheConfig) {
	packer := store.NewPacker(cfg.Dir, time.Duration(cfg.PackAfterHours)*time.Hour)

	pack := func() {
		if _, err := packer.PackOnce(time.Now()); err != nil {
			log.Warn().Err(err).Msg("Cache pack failed")
		}
	}
	pack()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pack()
		}
	}
}

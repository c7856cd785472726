// Package capture implements the timer-driven capture source: on each
// tick it re-enumerates the monitor topology, diffs it against the
// previous snapshot, and captures one raw frame per present monitor.
//
// Captures run on their own goroutines so a slow backend never stalls
// the timer loop; the blocking emit into the bounded output queue is
// what throttles capture cadence under downstream backpressure.
package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/pipeline"
)

// Stage is the pipeline source producing one Frame per monitor per tick.
type Stage struct {
	backend        Backend
	interval       time.Duration
	maxFailedTicks int

	topology    event.Topology
	failedTicks int

	now func() time.Time
}

// New creates the capture source. Topology is first enumerated on the
// first tick, so construction never touches the display backend.
func New(backend Backend, trigger config.TriggerConfig, cfg config.CaptureConfig) *Stage {
	return &Stage{
		backend:        backend,
		interval:       trigger.Interval(),
		maxFailedTicks: cfg.MaxFailedTicks,
		now:            time.Now,
	}
}

// Run drives the capture timer until ctx is cancelled. The only error
// it returns is systemic backend loss: every monitor failing to
// capture for the configured number of consecutive ticks.
func (s *Stage) Run(ctx context.Context, emit pipeline.Emit[event.Frame]) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Capture timer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Capture timer stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(emit); err != nil {
				return err
			}
		}
	}
}

// tick enumerates monitors, reconciles the topology, and captures each
// present monitor. Single-monitor failures are logged and skipped for
// this tick only.
func (s *Stage) tick(emit pipeline.Emit[event.Frame]) error {
	monitors, err := s.backend.Monitors()
	if err != nil {
		log.Warn().Err(err).Msg("Monitor enumeration failed")
		return s.recordFailedTick()
	}

	topo := s.reconcile(monitors)
	ts := s.now().UTC()

	type result struct {
		monitor event.Monitor
		img     *image.RGBA
		err     error
	}

	results := make([]result, len(topo.Monitors))
	var wg sync.WaitGroup
	for i, m := range topo.Monitors {
		wg.Add(1)
		go func(i int, m event.Monitor) {
			defer wg.Done()
			img, err := s.backend.Capture(m)
			results[i] = result{monitor: m, img: img, err: err}
		}(i, m)
	}
	wg.Wait()

	captured := 0
	for _, r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("monitor", r.monitor.ID).Msg("Capture failed, skipping this tick")
			continue
		}
		captured++
		emit(event.Frame{
			Monitor:   r.monitor,
			Topology:  topo,
			Timestamp: ts,
			Image:     r.img,
		})
	}

	if captured == 0 {
		return s.recordFailedTick()
	}

	s.failedTicks = 0
	log.Debug().Int("monitors", len(topo.Monitors)).Int("captured", captured).Msg("Tick complete")
	return nil
}

// reconcile diffs the enumerated monitors against the previous
// topology and bumps the generation when the set changed.
func (s *Stage) reconcile(monitors []event.Monitor) *event.Topology {
	if !topologyChanged(s.topology.Monitors, monitors) {
		snapshot := s.topology
		return &snapshot
	}

	for _, m := range monitors {
		if _, ok := s.topology.Lookup(m.ID); !ok {
			log.Info().Str("monitor", m.ID).Int("width", m.Width).Int("height", m.Height).Msg("Monitor added")
		}
	}
	for _, m := range s.topology.Monitors {
		found := false
		for _, n := range monitors {
			if n.ID == m.ID {
				found = true
				break
			}
		}
		if !found {
			log.Info().Str("monitor", m.ID).Msg("Monitor removed")
		}
	}

	s.topology = event.Topology{
		Generation: s.topology.Generation + 1,
		Monitors:   monitors,
	}
	snapshot := s.topology
	return &snapshot
}

func (s *Stage) recordFailedTick() error {
	s.failedTicks++
	if s.failedTicks >= s.maxFailedTicks {
		return fmt.Errorf("capture backend unusable: %d consecutive ticks without a single frame", s.failedTicks)
	}
	return nil
}

// topologyChanged reports whether the two monitor sets differ. Order
// is not significant; identity is the monitor ID, which already
// encodes geometry.
func topologyChanged(prev, next []event.Monitor) bool {
	if len(prev) != len(next) {
		return true
	}
	ids := make(map[string]bool, len(prev))
	for _, m := range prev {
		ids[m.ID] = true
	}
	for _, m := range next {
		if !ids[m.ID] {
			return true
		}
	}
	return false
}

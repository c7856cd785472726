// Package filter implements change detection: each incoming frame is
// fingerprinted with a perceptual hash and compared against the last
// accepted fingerprint for its monitor. Visually unchanged frames are
// dropped; a forced-capture interval guarantees a periodic frame even
// on a completely static screen.
package filter

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
	"github.com/fpang/screenwatch/internal/pipeline"
)

// debounce drops frames arriving closer than this to the last accepted
// one, tolerating bursty ticks after a stall.
const debounce = 100 * time.Millisecond

// monitorState tracks the last accepted frame for one monitor. Owned
// exclusively by the filter stage.
type monitorState struct {
	generation   uint64
	lastHash     uint64
	lastAccepted time.Time
}

// Stage filters frames by perceptual-hash distance. Not safe for
// concurrent use; the pipeline harness runs it on a single goroutine.
type Stage struct {
	threshold     int
	forceInterval time.Duration

	states        map[string]*monitorState
	maxGeneration uint64
}

// New creates the filter stage.
func New(cfg config.CaptureConfig) *Stage {
	return &Stage{
		threshold:     cfg.HashThreshold,
		forceInterval: cfg.ForceInterval(),
		states:        make(map[string]*monitorState),
	}
}

// Process accepts or drops a single frame. The first frame of a
// monitor, and the first frame after any topology change, is always
// accepted: there is no prior fingerprint it could be compared with.
func (s *Stage) Process(frame event.Frame, emit pipeline.Emit[event.Frame]) error {
	s.pruneRemoved(frame)

	id := frame.Monitor.ID
	hash := DHash(frame.Image)

	state, ok := s.states[id]
	if !ok || state.generation != frame.Generation() {
		s.states[id] = &monitorState{
			generation:   frame.Generation(),
			lastHash:     hash,
			lastAccepted: frame.Timestamp,
		}
		log.Debug().Str("monitor", id).Uint64("generation", frame.Generation()).Msg("New monitor state, frame accepted")
		emit(frame)
		return nil
	}

	elapsed := frame.Timestamp.Sub(state.lastAccepted)

	if elapsed >= s.forceInterval {
		state.lastHash = hash
		state.lastAccepted = frame.Timestamp
		log.Debug().Str("monitor", id).Dur("elapsed", elapsed).Msg("Forced capture interval reached, frame accepted")
		emit(frame)
		return nil
	}

	if elapsed < debounce {
		return nil
	}

	distance := HammingDistance(hash, state.lastHash)
	if distance < s.threshold {
		log.Debug().Str("monitor", id).Int("distance", distance).Msg("Frame unchanged, dropped")
		return nil
	}

	state.lastHash = hash
	state.lastAccepted = frame.Timestamp
	log.Debug().Str("monitor", id).Int("distance", distance).Msg("Frame changed, accepted")
	emit(frame)
	return nil
}

// pruneRemoved discards state for monitors absent from the frame's
// topology snapshot. Only a newer generation can retire state: frames
// of the current generation may still be in flight for siblings.
func (s *Stage) pruneRemoved(frame event.Frame) {
	if frame.Topology == nil || frame.Generation() <= s.maxGeneration {
		return
	}
	s.maxGeneration = frame.Generation()

	for id := range s.states {
		if _, ok := frame.Topology.Lookup(id); !ok {
			delete(s.states, id)
			log.Debug().Str("monitor", id).Msg("Monitor state discarded")
		}
	}
}

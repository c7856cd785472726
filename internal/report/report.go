// Package report is the pipeline sink: it turns artifact references
// into heartbeat events and delivers them to the activity server.
//
// Two buffers keep delivery from ever blocking the pipeline. The merge
// buffer holds the last not-yet-flushed event; an incoming event with
// identical data arriving within the pulse window extends it instead
// of becoming a separate send. The delivery queue holds flushed but
// undelivered events while the server is unreachable; it is bounded,
// and on overflow the oldest entry is dropped (drop-oldest, counted
// and logged — never an unbounded retry queue).
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/screenwatch/internal/awclient"
	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
)

const (
	initialRetryBackoff = time.Second
	maxRetryBackoff     = time.Minute
	sendTimeout         = 30 * time.Second
)

// Sender delivers heartbeats; satisfied by *awclient.Client.
type Sender interface {
	Heartbeat(ctx context.Context, bucketID string, ev awclient.Event, pulsetime float64) error
}

// Stage is the report sink. Not safe for concurrent use; the pipeline
// harness runs it on a single goroutine.
type Stage struct {
	client   Sender
	bucketID string
	pulse    time.Duration

	pending *event.Heartbeat

	queue       []event.Heartbeat
	limit       int
	dropped     int
	backoff     time.Duration
	nextAttempt time.Time

	now func() time.Time
}

// New creates the report sink.
func New(client Sender, cfg config.ServerConfig) *Stage {
	return &Stage{
		client:   client,
		bucketID: cfg.BucketID + "_" + cfg.Hostname,
		pulse:    cfg.PulseTime(),
		limit:    cfg.BufferLimit,
		now:      time.Now,
	}
}

// Consume folds one reference into the merge buffer and then attempts
// delivery of whatever has been flushed. Server unreachability is not
// an item error: events are buffered and retried with backoff.
func (s *Stage) Consume(ref event.Reference) error {
	hb := heartbeatFrom(ref)

	if s.pending != nil && s.merge(&hb) {
		s.deliver(false)
		return nil
	}

	if s.pending != nil {
		s.enqueue(*s.pending)
	}
	s.pending = &hb

	s.deliver(false)
	return nil
}

// Close flushes the merge buffer and makes a final delivery attempt so
// a graceful shutdown loses nothing that can still be sent.
func (s *Stage) Close() error {
	if s.pending != nil {
		s.enqueue(*s.pending)
		s.pending = nil
	}
	s.deliver(true)

	if n := len(s.queue); n > 0 {
		log.Warn().Int("events", n).Msg("Undelivered heartbeats remain at shutdown")
	}
	if s.dropped > 0 {
		log.Warn().Int("events", s.dropped).Msg("Heartbeats dropped under buffer pressure this run")
	}
	return nil
}

// merge extends the pending event to cover hb when the data matches
// and the gap from the pending event's end is within the pulse window.
// Returns false when hb must become its own event.
func (s *Stage) merge(hb *event.Heartbeat) bool {
	if hb.Data != s.pending.Data {
		return false
	}
	gap := hb.Timestamp.Sub(s.pending.End())
	if gap < 0 || gap > s.pulse {
		return false
	}
	s.pending.Duration = hb.End().Sub(s.pending.Timestamp)
	log.Debug().
		Str("monitor", hb.Data.MonitorID).
		Dur("duration", s.pending.Duration).
		Msg("Heartbeat merged")
	return true
}

// enqueue appends a flushed event to the delivery queue, evicting the
// oldest entry when the queue is full.
func (s *Stage) enqueue(hb event.Heartbeat) {
	if len(s.queue) >= s.limit {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.dropped++
		log.Warn().
			Time("timestamp", oldest.Timestamp).
			Int("dropped", s.dropped).
			Msg("Delivery buffer full, dropping oldest heartbeat")
	}
	s.queue = append(s.queue, hb)
}

// deliver sends queued events oldest-first, stopping at the first
// failure. Failures set an exponential backoff deadline; until it
// passes, deliver is a no-op unless forced (shutdown).
func (s *Stage) deliver(force bool) {
	if len(s.queue) == 0 {
		return
	}
	now := s.now()
	if !force && now.Before(s.nextAttempt) {
		return
	}

	for len(s.queue) > 0 {
		hb := s.queue[0]
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.client.Heartbeat(ctx, s.bucketID, awclient.Event{
			Timestamp: hb.Timestamp,
			Duration:  hb.Duration.Seconds(),
			Data:      hb.Data,
		}, s.pulse.Seconds())
		cancel()

		if err != nil {
			if s.backoff == 0 {
				s.backoff = initialRetryBackoff
			} else {
				s.backoff *= 2
				if s.backoff > maxRetryBackoff {
					s.backoff = maxRetryBackoff
				}
			}
			s.nextAttempt = now.Add(s.backoff)
			log.Warn().Err(err).
				Int("buffered", len(s.queue)).
				Dur("backoff", s.backoff).
				Msg("Heartbeat delivery failed, will retry")
			return
		}

		s.queue = s.queue[1:]
		s.backoff = 0
		log.Debug().Time("timestamp", hb.Timestamp).Msg("Heartbeat delivered")
	}
}

// heartbeatFrom builds the initial zero-duration heartbeat for a
// reference.
func heartbeatFrom(ref event.Reference) event.Heartbeat {
	return event.Heartbeat{
		Timestamp: ref.Artifact.Timestamp,
		Data: event.HeartbeatData{
			MonitorID:   ref.Artifact.Monitor.ID,
			MonitorName: ref.Artifact.Monitor.Name,
			Path:        ref.Artifact.LocalPath,
			URL:         ref.RemoteURL,
			UploadError: ref.UploadFailed,
		},
	}
}

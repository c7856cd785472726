package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fpang/screenwatch/internal/awclient"
	"github.com/fpang/screenwatch/internal/config"
	"github.com/fpang/screenwatch/internal/event"
)

type sentEvent struct {
	bucketID  string
	ev        awclient.Event
	pulsetime float64
}

// fakeSender fails its first `failures` calls, then succeeds.
type fakeSender struct {
	failures int
	calls    int
	sent     []sentEvent
}

func (f *fakeSender) Heartbeat(ctx context.Context, bucketID string, ev awclient.Event, pulsetime float64) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, sentEvent{bucketID: bucketID, ev: ev, pulsetime: pulsetime})
	return nil
}

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testStage(sender Sender, pulseSecs float64, limit int) *Stage {
	return New(sender, config.ServerConfig{
		BucketID:      "aw-watcher-screenshot",
		Hostname:      "testhost",
		PulseTimeSecs: pulseSecs,
		BufferLimit:   limit,
	})
}

func refAt(ts time.Time, monitorID string) event.Reference {
	return event.Reference{
		Artifact: event.Artifact{
			Monitor:   event.Monitor{ID: monitorID, Name: monitorID},
			Timestamp: ts,
			LocalPath: "/cache/" + monitorID + ".webp",
		},
	}
}

func TestAdjacentIdenticalEventsMerge(t *testing.T) {
	sender := &fakeSender{}
	s := testStage(sender, 8, 64)

	if err := s.Consume(refAt(t0, "m1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Consume(refAt(t0.Add(1500*time.Millisecond), "m1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected one merged event, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.bucketID != "aw-watcher-screenshot_testhost" {
		t.Errorf("unexpected bucket id %q", got.bucketID)
	}
	if !got.ev.Timestamp.Equal(t0) {
		t.Errorf("merged event should keep the first timestamp, got %v", got.ev.Timestamp)
	}
	if got.ev.Duration != 1.5 {
		t.Errorf("merged duration = %v secs, want 1.5", got.ev.Duration)
	}
	if got.pulsetime != 8 {
		t.Errorf("pulsetime = %v, want 8", got.pulsetime)
	}
}

func TestGapBeyondPulseWindowNotMerged(t *testing.T) {
	sender := &fakeSender{}
	s := testStage(sender, 1, 64)

	s.Consume(refAt(t0, "m1"))
	s.Consume(refAt(t0.Add(1500*time.Millisecond), "m1"))
	s.Close()

	if len(sender.sent) != 2 {
		t.Fatalf("expected two distinct events, got %d", len(sender.sent))
	}
	if sender.sent[0].ev.Duration != 0 {
		t.Errorf("first event duration = %v, want 0", sender.sent[0].ev.Duration)
	}
}

func TestDifferentDataNotMerged(t *testing.T) {
	sender := &fakeSender{}
	s := testStage(sender, 8, 64)

	s.Consume(refAt(t0, "m1"))
	s.Consume(refAt(t0.Add(time.Second), "m2"))
	s.Close()

	if len(sender.sent) != 2 {
		t.Fatalf("monitors must not share a merge buffer, got %d events", len(sender.sent))
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	sender := &fakeSender{failures: 1 << 30}
	s := testStage(sender, 0, 2)
	now := t0
	s.now = func() time.Time { return now }

	// Each distinct event flushes its predecessor into the queue.
	for i := 0; i < 5; i++ {
		monitor := string(rune('a' + i))
		s.Consume(refAt(t0.Add(time.Duration(i)*time.Minute), monitor))
		now = now.Add(2 * time.Minute)
	}

	if len(s.queue) != 2 {
		t.Fatalf("queue length %d, want limit 2", len(s.queue))
	}
	if s.dropped != 2 {
		t.Errorf("dropped = %d, want 2", s.dropped)
	}
	// The survivors are the two newest flushed events (a and b were
	// evicted; pending still holds e).
	if got := s.queue[0].Data.MonitorID; got != "c" {
		t.Errorf("oldest surviving event from monitor %q, want c", got)
	}
	if got := s.queue[1].Data.MonitorID; got != "d" {
		t.Errorf("newest queued event from monitor %q, want d", got)
	}
}

func TestBackoffGatesDeliveryAttempts(t *testing.T) {
	sender := &fakeSender{failures: 1 << 30}
	s := testStage(sender, 0, 64)
	now := t0
	s.now = func() time.Time { return now }

	s.Consume(refAt(t0, "a"))
	s.Consume(refAt(t0.Add(time.Minute), "b"))
	if sender.calls != 1 {
		t.Fatalf("expected one delivery attempt, got %d", sender.calls)
	}

	// Within the backoff window no further attempt is made.
	now = now.Add(500 * time.Millisecond)
	s.Consume(refAt(t0.Add(2*time.Minute), "c"))
	if sender.calls != 1 {
		t.Errorf("delivery attempted inside backoff window, calls = %d", sender.calls)
	}

	// Past the deadline the next consume retries.
	now = now.Add(2 * time.Second)
	s.Consume(refAt(t0.Add(3*time.Minute), "d"))
	if sender.calls != 2 {
		t.Errorf("expected a retry after backoff expiry, calls = %d", sender.calls)
	}
}

func TestBackoffDoublesAndResets(t *testing.T) {
	sender := &fakeSender{failures: 2}
	s := testStage(sender, 0, 64)
	now := t0
	s.now = func() time.Time { return now }

	s.Consume(refAt(t0, "a"))
	s.Consume(refAt(t0.Add(time.Minute), "b"))
	if s.backoff != initialRetryBackoff {
		t.Fatalf("backoff after first failure = %v, want %v", s.backoff, initialRetryBackoff)
	}

	now = now.Add(2 * time.Second)
	s.Consume(refAt(t0.Add(2*time.Minute), "c"))
	if s.backoff != 2*initialRetryBackoff {
		t.Fatalf("backoff after second failure = %v, want %v", s.backoff, 2*initialRetryBackoff)
	}

	// The sender has recovered; close drains everything.
	now = now.Add(5 * time.Second)
	s.Close()
	if s.backoff != 0 {
		t.Errorf("backoff should reset after success, got %v", s.backoff)
	}
	if len(s.queue) != 0 {
		t.Errorf("queue should drain after recovery, %d left", len(s.queue))
	}
	if len(sender.sent) != 3 {
		t.Errorf("expected 3 delivered events, got %d", len(sender.sent))
	}
}

func TestCloseFlushesPendingEvent(t *testing.T) {
	sender := &fakeSender{}
	s := testStage(sender, 8, 64)

	s.Consume(refAt(t0, "m1"))
	if sender.calls != 0 {
		t.Fatalf("pending event must not be delivered before flush, calls = %d", sender.calls)
	}
	s.Close()

	if len(sender.sent) != 1 {
		t.Fatalf("expected the pending event delivered on close, got %d", len(sender.sent))
	}
	if s.pending != nil {
		t.Error("pending buffer should be empty after close")
	}
}

// Package event defines the messages that flow between pipeline stages.
//
// Messages move strictly downstream (Frame → Artifact → Reference →
// Heartbeat) and are owned by the receiving stage once sent; no stage
// ever mutates a message after handing it off.
package event

import (
	"fmt"
	"image"
	"regexp"
	"time"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Monitor describes a single attached display.
type Monitor struct {
	// ID is stable across ticks for as long as the monitor keeps its
	// name and geometry. Derived from name, resolution, and position.
	ID     string
	Name   string
	X      int
	Y      int
	Width  int
	Height int
}

// NewMonitor builds a Monitor with its ID derived from the descriptor
// fields. The name is sanitised to alphanumerics so the ID is safe to
// embed in file names and object keys.
func NewMonitor(name string, x, y, width, height int) Monitor {
	safe := unsafeNameChars.ReplaceAllString(name, "")
	if safe == "" {
		safe = "Monitor"
	}
	return Monitor{
		ID:     fmt.Sprintf("%s_%d_%d_%d_%d", safe, width, height, x, y),
		Name:   name,
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}
}

// Topology is a snapshot of the attached monitors, tagged with a
// generation number that increases every time the set changes.
type Topology struct {
	Generation uint64
	Monitors   []Monitor
}

// Lookup returns the monitor with the given ID, if present.
func (t Topology) Lookup(id string) (Monitor, bool) {
	for _, m := range t.Monitors {
		if m.ID == id {
			return m, true
		}
	}
	return Monitor{}, false
}

// Frame is one raw capture of a single monitor. Immutable once produced.
// Topology is the snapshot the frame was captured under, shared between
// all frames of the same tick; the filter stage uses it to discard
// state for monitors that are no longer present.
type Frame struct {
	Monitor    Monitor
	Topology   *Topology
	Timestamp  time.Time
	Image      *image.RGBA
}

// Generation returns the topology generation the frame was captured under.
func (f Frame) Generation() uint64 {
	if f.Topology == nil {
		return 0
	}
	return f.Topology.Generation
}

// Artifact is a compressed frame persisted to the local cache.
// LocalPath is always populated before any upload is attempted.
type Artifact struct {
	ID        string
	Monitor   Monitor
	Device    string
	Timestamp time.Time
	Data      []byte
	LocalPath string
}

// Reference is the final description of an artifact after the upload
// stage: always a local path, plus the remote URL when an upload
// succeeded. UploadFailed is set when upload was attempted and
// exhausted its retries.
type Reference struct {
	Artifact     Artifact
	RemoteURL    string
	UploadFailed bool
}

// HeartbeatData is the payload attached to a heartbeat event. It is a
// comparable value type: the report stage merges adjacent events only
// when their data is identical.
type HeartbeatData struct {
	MonitorID   string `json:"monitor_id"`
	MonitorName string `json:"monitor_name"`
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	UploadError bool   `json:"upload_error,omitempty"`
}

// Heartbeat is one event destined for the activity server.
type Heartbeat struct {
	Timestamp time.Time
	Duration  time.Duration
	Data      HeartbeatData
}

// End returns the point in time the heartbeat covers up to.
func (h Heartbeat) End() time.Time {
	return h.Timestamp.Add(h.Duration)
}

// PathSubdir returns the cache/object-key subdirectory for a timestamp:
// {yyyy}/{mm}/{dd}/{hh} in UTC.
func PathSubdir(ts time.Time) string {
	return ts.UTC().Format("2006/01/02/15")
}

// CompactTimestamp formats a timestamp for file names:
// {yyyymmdd}_{hhmmss}{millis}.
func CompactTimestamp(ts time.Time) string {
	u := ts.UTC()
	return fmt.Sprintf("%s%03d", u.Format("20060102_150405"), u.Nanosecond()/1e6)
}

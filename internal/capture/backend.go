package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"github.com/fpang/screenwatch/internal/event"
)

// Backend abstracts the screen capture device so the stage can be
// exercised in tests without a display attached.
type Backend interface {
	// Monitors enumerates the currently attached displays.
	Monitors() ([]event.Monitor, error)
	// Capture grabs one raw frame of the given monitor.
	Capture(m event.Monitor) (*image.RGBA, error)
}

// ScreenBackend captures from the real displays via the platform
// screenshot API.
type ScreenBackend struct{}

// NewScreenBackend returns a Backend over the attached displays.
func NewScreenBackend() *ScreenBackend {
	return &ScreenBackend{}
}

// Monitors enumerates the active displays. Display identity is derived
// from position and resolution, so a display that moves or changes
// mode shows up as a removal plus an addition.
func (b *ScreenBackend) Monitors() ([]event.Monitor, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("no active displays found")
	}

	monitors := make([]event.Monitor, 0, n)
	for i := 0; i < n; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		monitors = append(monitors, event.NewMonitor(
			fmt.Sprintf("Display%d", i),
			bounds.Min.X, bounds.Min.Y, bounds.Dx(), bounds.Dy(),
		))
	}
	return monitors, nil
}

// Capture grabs the monitor's screen region.
func (b *ScreenBackend) Capture(m event.Monitor) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(image.Rect(m.X, m.Y, m.X+m.Width, m.Y+m.Height))
	if err != nil {
		return nil, fmt.Errorf("capture monitor %s: %w", m.ID, err)
	}
	return img, nil
}

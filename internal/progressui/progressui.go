// Package progressui renders a monitor.Snapshot as a single overwritten
// terminal line: a lipgloss-styled bar plus speed/ETA, matching the
// carriage-return-overwrite style of a plain CLI progress indicator
// rather than a full-screen TUI.
package progressui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/arnvale/meshxfer/internal/filetransfer"
	"github.com/arnvale/meshxfer/internal/monitor"
)

var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSubtext = lipgloss.Color("#A0AEC0")
	colorStalled = lipgloss.Color("#E53E3E")

	barStyle     = lipgloss.NewStyle().Foreground(colorPrimary)
	statStyle    = lipgloss.NewStyle().Foreground(colorSubtext)
	stalledStyle = lipgloss.NewStyle().Foreground(colorStalled).Bold(true)
)

// barWidth is the fixed character width of the filled/empty bar body.
const barWidth = 30

// Line renders one progress line for snap, suitable for printing with a
// leading "\r" and no trailing newline.
func Line(snap monitor.Snapshot) string {
	if snap.Warmup {
		return statStyle.Render("warming up...")
	}

	var percent float64
	if snap.TotalSize > 0 {
		percent = float64(snap.BytesTransferred) / float64(snap.TotalSize)
	}
	if percent > 1 {
		percent = 1
	}

	filled := int(percent * barWidth)
	empty := barWidth - filled
	bar := barStyle.Render(strings.Repeat("█", filled) + strings.Repeat("░", empty))

	stats := fmt.Sprintf("%3.0f%%  %s/%s  %s/s  ETA %s",
		percent*100,
		filetransfer.FormatSize(snap.BytesTransferred),
		filetransfer.FormatSize(snap.TotalSize),
		filetransfer.FormatSize(int64(snap.SpeedBytesPerSec)),
		formatETA(snap.ETA),
	)

	if snap.Stalled {
		return bar + "  " + stalledStyle.Render(fmt.Sprintf("stalled (retry %d/3)", snap.StallRetries))
	}

	return bar + "  " + statStyle.Render(stats)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return d.Round(time.Second).String()
}

// ClearLine returns a control sequence that blanks the current terminal
// line before the cursor returns to column 0, for the final summary print.
func ClearLine(width int) string {
	return "\r" + strings.Repeat(" ", width) + "\r"
}

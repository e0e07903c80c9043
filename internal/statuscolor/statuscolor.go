// Package statuscolor colorizes scan statuses, severities and scores for
// terminal output.
package statuscolor

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

var (
	green   = color.New(color.FgGreen)
	cyan    = color.New(color.FgCyan)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed)
	boldRed = color.New(color.FgRed, color.Bold)
	gray    = color.New(color.FgHiBlack)
)

func statusColor(st scan.Status) *color.Color {
	switch st {
	case scan.StatusCompleted:
		return green
	case scan.StatusRunning:
		return cyan
	case scan.StatusPending, scan.StatusQueued:
		return yellow
	case scan.StatusFailed:
		return red
	case scan.StatusCancelled:
		return gray
	default:
		return gray
	}
}

// Status returns the status label colored by lifecycle state.
func Status(st scan.Status) string {
	return statusColor(st).Sprint(string(st))
}

// Severity returns the upper-cased severity label colored by weight.
func Severity(sev scan.Severity) string {
	label := strings.ToUpper(string(sev))
	switch sev {
	case scan.SeverityCritical:
		return boldRed.Sprint(label)
	case scan.SeverityHigh:
		return red.Sprint(label)
	case scan.SeverityMedium:
		return yellow.Sprint(label)
	case scan.SeverityLow:
		return cyan.Sprint(label)
	default:
		return gray.Sprint(label)
	}
}

// Score colors a compliance score by band: 80 and above green, 50 and above
// yellow, below that red.
func Score(v float64) string {
	text := fmt.Sprintf("%.1f", v)
	switch {
	case v >= 80:
		return green.Sprint(text)
	case v >= 50:
		return yellow.Sprint(text)
	default:
		return red.Sprint(text)
	}
}

// Package estimate holds the pure progress math shared by the client session
// and the server-side reporter: remaining-time estimation from page counts
// and the display-percent policy.
package estimate

import (
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

// Remaining estimates the seconds left for a scan from the observed pace.
// It returns ok=false when no estimate is possible: before the first page has
// been scanned, or while the page total is still unknown (totalPages <= 0).
//
// The result is floored, never rounded up, so the estimate does not
// systematically overstate the time left. Integer math is exact here:
// floor(elapsed/pages * remaining) equals elapsed*remaining/pages in int64.
func Remaining(elapsedSeconds, pagesScanned, totalPages int) (int, bool) {
	if pagesScanned <= 0 || totalPages <= 0 {
		return 0, false
	}
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}

	remaining := totalPages - pagesScanned
	if remaining < 0 {
		remaining = 0
	}

	return int(int64(elapsedSeconds) * int64(remaining) / int64(pagesScanned)), true
}

// DisplayPercent resolves the percent a consumer should show for a scan.
//
// While running with a known total the value is derived from page counts and
// capped at 99: the UI never claims 100% for work that is still open. The
// cap lifts only when a completed status is actually observed. Pending and
// queued scans show 0. Failed and cancelled scans keep their last reported
// percent frozen rather than snapping to a terminal value.
func DisplayPercent(status scan.Status, percent, pagesScanned, totalPages int) int {
	switch {
	case status == scan.StatusCompleted:
		return 100
	case status == scan.StatusPending || status == scan.StatusQueued:
		return 0
	case status == scan.StatusRunning && totalPages > 0:
		pct := pagesScanned * 100 / totalPages
		if pct > 99 {
			pct = 99
		}
		if pct < 0 {
			pct = 0
		}
		return pct
	default:
		// Running with unknown total, or frozen terminal (failed/cancelled):
		// trust the last reported value.
		return clampPercent(percent)
	}
}

// ElapsedSeconds derives whole elapsed seconds from a start time. Consumers
// showing a live clock must call this on every render tick rather than cache
// the value from the last snapshot.
func ElapsedSeconds(startedAt, now time.Time) int {
	if startedAt.IsZero() || now.Before(startedAt) {
		return 0
	}
	return int(now.Sub(startedAt) / time.Second)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

package hub

import (
	"time"

	"github.com/dpdpscan/scanwatch/internal/estimate"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

// Reporter builds and broadcasts the frame sequence for one scan run: status
// transitions, page progress, findings, and the final summary. It is not
// safe for concurrent use; the executor drives it from a single goroutine.
type Reporter struct {
	hub    *Hub
	scanID string
	total  int

	startedAt time.Time
	pages     int
	findings  int
	counts    scan.SeverityCounts
}

// NewReporter creates a reporter for scanID expecting totalPages pages.
// Zero totalPages means the total is unknown.
func NewReporter(h *Hub, scanID string, totalPages int) *Reporter {
	return &Reporter{hub: h, scanID: scanID, total: totalPages}
}

// StatusChange announces a pre-run lifecycle transition such as queued.
func (r *Reporter) StatusChange(status scan.Status, message string) ws.ProgressMessage {
	m := r.progress(status)
	m.Message = message
	r.hub.Broadcast(r.scanID, m)
	return m
}

// Start marks the run start and announces the running status.
func (r *Reporter) Start(message string) ws.ProgressMessage {
	r.startedAt = time.Now()
	m := r.progress(scan.StatusRunning)
	m.Message = message
	r.hub.Broadcast(r.scanID, m)
	return m
}

// Progress records the page position and broadcasts a full snapshot.
func (r *Reporter) Progress(pagesScanned int, currentURL, message string) ws.ProgressMessage {
	r.pages = pagesScanned
	m := r.progress(scan.StatusRunning)
	m.CurrentURL = currentURL
	m.Message = message
	r.hub.Broadcast(r.scanID, m)
	return m
}

// Finding tallies and broadcasts one finding.
func (r *Reporter) Finding(f scan.Finding) ws.FindingMessage {
	r.findings++
	r.counts.Add(f.Severity)
	m := ws.FindingMessage{
		Type:      ws.TypeFinding,
		ScanID:    r.scanID,
		Finding:   f,
		Timestamp: wireTime(),
	}
	r.hub.Broadcast(r.scanID, m)
	return m
}

// Error reports a non-fatal executor problem. The scan keeps running and no
// state changes.
func (r *Reporter) Error(message string) {
	r.hub.Broadcast(r.scanID, ws.ErrorMessage{
		Type:      ws.TypeError,
		ScanID:    r.scanID,
		Error:     message,
		Timestamp: wireTime(),
	})
}

// Finish announces the terminal status: a final progress frame, then the
// summary. The score only means anything for completed scans.
func (r *Reporter) Finish(status scan.Status, message string, score float64) ws.CompletedMessage {
	final := r.progress(status)
	final.Message = message
	r.hub.Broadcast(r.scanID, final)

	m := ws.CompletedMessage{
		Type:   ws.TypeCompleted,
		ScanID: r.scanID,
		Status: status,
		Summary: scan.Summary{
			PagesScanned:  r.pages,
			FindingsCount: r.findings,
			OverallScore:  score,
			Critical:      r.counts.Critical,
			High:          r.counts.High,
			Medium:        r.counts.Medium,
			Low:           r.counts.Low,
		},
		Timestamp: wireTime(),
	}
	r.hub.Broadcast(r.scanID, m)
	return m
}

// Elapsed reports whole seconds since Start. Zero before Start.
func (r *Reporter) Elapsed() int {
	if r.startedAt.IsZero() {
		return 0
	}
	return estimate.ElapsedSeconds(r.startedAt, time.Now())
}

// Counts returns the severity tallies reported so far.
func (r *Reporter) Counts() scan.SeverityCounts {
	return r.counts
}

func (r *Reporter) progress(status scan.Status) ws.ProgressMessage {
	elapsed := r.Elapsed()
	position := estimate.DisplayPercent(scan.StatusRunning, 0, r.pages, r.total)

	m := ws.ProgressMessage{
		Type:           ws.TypeProgress,
		ScanID:         r.scanID,
		Status:         status,
		Percent:        estimate.DisplayPercent(status, position, r.pages, r.total),
		PagesScanned:   r.pages,
		TotalPages:     r.total,
		FindingsCount:  r.findings,
		CriticalCount:  r.counts.Critical,
		HighCount:      r.counts.High,
		MediumCount:    r.counts.Medium,
		LowCount:       r.counts.Low,
		ElapsedSeconds: elapsed,
		Timestamp:      wireTime(),
	}
	if status == scan.StatusRunning {
		if rem, ok := estimate.Remaining(elapsed, r.pages, r.total); ok {
			m.EstimatedRemainingSeconds = &rem
		}
	}
	return m
}

func wireTime() string {
	return time.Now().UTC().Format(time.RFC3339)
}

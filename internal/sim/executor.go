package sim

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dpdpscan/scanwatch/internal/hub"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/scheduler"
)

const (
	defaultTotalPages = 12
	defaultPageDelay  = 400 * time.Millisecond
)

// Executor drives scans through their lifecycle, one goroutine per scan.
// Every transition is broadcast through the hub and mirrored into the store
// so the websocket stream and the REST rows tell the same story.
type Executor struct {
	store      *Store
	hub        *hub.Hub
	pageDelay  time.Duration
	totalPages int

	mu          sync.Mutex
	activeScans map[string]context.CancelFunc
	wg          sync.WaitGroup
}

// NewExecutor creates an executor. Non-positive pageDelay or totalPages fall
// back to the defaults.
func NewExecutor(store *Store, h *hub.Hub, pageDelay time.Duration, totalPages int) *Executor {
	if pageDelay <= 0 {
		pageDelay = defaultPageDelay
	}
	if totalPages <= 0 {
		totalPages = defaultTotalPages
	}
	return &Executor{
		store:       store,
		hub:         h,
		pageDelay:   pageDelay,
		totalPages:  totalPages,
		activeScans: make(map[string]context.CancelFunc),
	}
}

var _ scheduler.Launcher = (*Executor)(nil)

// Launch creates a scan and starts its run in one step. The scheduler and
// the create endpoint both go through here so a scheduled scan behaves
// exactly like a hand-started one.
func (e *Executor) Launch(applicationID, applicationName string, scanType scan.Type) (*scan.ListItem, error) {
	it, err := e.store.Create(applicationID, applicationName, scanType)
	if err != nil {
		return nil, err
	}
	e.StartScan(it.ID)
	return it, nil
}

// StartScan launches the background run for a created scan.
func (e *Executor) StartScan(id string) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if _, ok := e.activeScans[id]; ok {
		e.mu.Unlock()
		cancel()
		return
	}
	e.activeScans[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runScan(ctx, id)
}

// CancelScan requests cancellation of an active run and reports whether one
// existed. The cancelled status lands asynchronously through the usual
// frames, not in this call.
func (e *Executor) CancelScan(id string) bool {
	e.mu.Lock()
	cancel, ok := e.activeScans[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether the scan currently has a run goroutine.
func (e *Executor) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.activeScans[id]
	return ok
}

// Shutdown cancels every active run and waits for the goroutines to drain.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.activeScans {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) runScan(ctx context.Context, id string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.activeScans, id)
		e.mu.Unlock()
		e.hub.CloseScan(id)
	}()

	it, err := e.store.Get(id)
	if err != nil {
		log.Printf("sim: start scan %s: %v", id, err)
		return
	}

	total := e.pagesFor(it.Type)
	r := hub.NewReporter(e.hub, id, total)

	if !e.pause(ctx) {
		e.finish(id, r, scan.StatusCancelled, "Scan cancelled by user")
		return
	}
	e.transition(id, r, scan.StatusQueued, "Scan queued")

	if !e.pause(ctx) {
		e.finish(id, r, scan.StatusCancelled, "Scan cancelled by user")
		return
	}
	if err := e.store.SetStatus(id, scan.StatusRunning, "Starting crawl"); err != nil {
		log.Printf("sim: update scan %s: %v", id, err)
	}
	r.Start("Starting crawl")

	for page := 1; page <= total; page++ {
		if !e.pause(ctx) {
			e.finish(id, r, scan.StatusCancelled, "Scan cancelled by user")
			return
		}

		m := r.Progress(page, pageURL(page), fmt.Sprintf("Scanning page %d of %d", page, total))
		if err := e.store.ApplyProgress(id, m); err != nil {
			log.Printf("sim: record progress for scan %s: %v", id, err)
		}

		if f, ok := findingAt(id, page); ok {
			r.Finding(f)
			if err := e.store.AddFinding(id, f); err != nil {
				log.Printf("sim: record finding for scan %s: %v", id, err)
			}
		}

		// A mid-run hiccup exercises the error frame path without
		// affecting the outcome.
		if page == total/2 {
			r.Error("page load timed out, retrying")
		}
	}

	e.finish(id, r, scan.StatusCompleted, "Scan completed")
}

func (e *Executor) transition(id string, r *hub.Reporter, status scan.Status, message string) {
	if err := e.store.SetStatus(id, status, message); err != nil {
		log.Printf("sim: update scan %s: %v", id, err)
	}
	r.StatusChange(status, message)
}

func (e *Executor) finish(id string, r *hub.Reporter, status scan.Status, message string) {
	var score float64
	if status == scan.StatusCompleted {
		score = scoreFrom(r.Counts())
	}
	m := r.Finish(status, message, score)
	if err := e.store.Complete(id, status, message, m.Summary, score); err != nil {
		log.Printf("sim: finalize scan %s: %v", id, err)
	}
}

// pause waits one page interval. It returns false when the run was
// cancelled or the executor is shutting down.
func (e *Executor) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.pageDelay):
		return true
	}
}

// pagesFor sizes the crawl by scan depth.
func (e *Executor) pagesFor(t scan.Type) int {
	switch t {
	case scan.TypeQuick:
		n := e.totalPages / 2
		if n < 2 {
			n = 2
		}
		return n
	case scan.TypeDeep:
		return e.totalPages * 2
	default:
		return e.totalPages
	}
}

// scoreFrom derives the compliance score from the finding tallies. Each
// severity carries a fixed penalty; the floor is zero.
func scoreFrom(c scan.SeverityCounts) float64 {
	score := 100.0 - 15.0*float64(c.Critical) - 10.0*float64(c.High) - 5.0*float64(c.Medium) - 2.0*float64(c.Low)
	if score < 0 {
		return 0
	}
	return score
}

// catalog is the pool of findings the simulated audit raises. Entries
// rotate by page so repeated demo runs stay readable.
var catalog = []scan.Finding{
	{
		Title:       "Trackers load before consent",
		Severity:    scan.SeverityCritical,
		Status:      scan.FindingFail,
		DPDPSection: "Section 6",
		Description: "Third-party analytics scripts fire before the consent banner is answered.",
		Remediation: "Gate all non-essential scripts behind an affirmative consent signal.",
	},
	{
		Title:       "Cookie banner lacks a reject option",
		Severity:    scan.SeverityHigh,
		Status:      scan.FindingFail,
		DPDPSection: "Section 6",
		Description: "The consent banner offers accept-all but no equally prominent way to refuse.",
		Remediation: "Add a reject control with the same prominence as accept.",
	},
	{
		Title:       "Grievance officer contact missing",
		Severity:    scan.SeverityHigh,
		Status:      scan.FindingFail,
		DPDPSection: "Section 13",
		Description: "No grievance officer name or contact channel is published on the site.",
		Remediation: "Publish the grievance officer's contact details in the privacy policy.",
	},
	{
		Title:       "Pre-ticked marketing checkbox",
		Severity:    scan.SeverityMedium,
		Status:      scan.FindingFail,
		DPDPSection: "Section 6",
		Description: "The signup form pre-selects consent to marketing communications.",
		Remediation: "Leave consent checkboxes unchecked by default.",
	},
	{
		Title:       "Privacy notice missing purpose list",
		Severity:    scan.SeverityMedium,
		Status:      scan.FindingPartial,
		DPDPSection: "Section 5",
		Description: "The privacy notice does not enumerate the purposes personal data is processed for.",
		Remediation: "List each processing purpose in the notice.",
	},
	{
		Title:       "Consent withdrawal path unclear",
		Severity:    scan.SeverityLow,
		Status:      scan.FindingPartial,
		DPDPSection: "Section 6(6)",
		Description: "Withdrawing consent takes more steps than granting it.",
		Remediation: "Make withdrawal as easy as the original grant.",
	},
}

// findingAt returns the finding to raise after the given page, if any.
// Every third page surfaces one.
func findingAt(scanID string, page int) (scan.Finding, bool) {
	if page%3 != 2 {
		return scan.Finding{}, false
	}
	f := catalog[(page/3)%len(catalog)]
	f.ID = fmt.Sprintf("%s-f%d", scanID, page)
	f.URL = pageURL(page)
	return f, true
}

var pagePaths = []string{"/", "/about", "/privacy-policy", "/contact", "/signup", "/careers", "/blog", "/terms"}

func pageURL(page int) string {
	return "https://demo.example.in" + pagePaths[(page-1)%len(pagePaths)]
}

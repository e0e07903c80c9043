// Package session tracks the observed state of a single scan: the lifecycle
// status, the latest progress snapshot, and the accumulated findings.
// Channel events and REST responses merge through the same rules, and every
// accepted change fans out to subscribers.
package session

import (
	"log"
	"sync"

	"github.com/dpdpscan/scanwatch/internal/estimate"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

// UpdateKind discriminates session updates.
type UpdateKind int

const (
	// UpdateProgress reports a replaced snapshot.
	UpdateProgress UpdateKind = iota
	// UpdateFinding reports one newly recorded finding.
	UpdateFinding
	// UpdateTerminal fires exactly once, when a terminal status is first
	// observed.
	UpdateTerminal
	// UpdateNotice reports an executor error that changed nothing else.
	UpdateNotice
	// UpdateConnection reports transport state flips.
	UpdateConnection
)

// Update is one observable change. Snapshot always holds the state after
// the change; the other fields are set per Kind.
type Update struct {
	Kind      UpdateKind
	Snapshot  scan.Snapshot
	Finding   *scan.Finding // UpdateFinding
	Summary   *scan.Summary // UpdateTerminal, when the executor sent one
	Notice    string        // UpdateNotice
	Connected bool          // UpdateConnection
}

type subscriber struct {
	ch        chan Update
	closeOnce sync.Once
	closed    bool
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		sub.closed = true
		close(sub.ch)
	})
}

func (sub *subscriber) send(u Update) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- u:
		return true
	default:
		return false
	}
}

// Session is the merged view of one observed scan.
type Session struct {
	scanID string

	mu        sync.RWMutex
	snapshot  scan.Snapshot
	findings  []scan.Finding
	findingID map[string]struct{}
	summary   *scan.Summary
	notice    string
	connected bool
	notified  bool

	subMu       sync.Mutex
	subscribers []*subscriber
}

// New creates a session for scanID, starting from a pending snapshot.
func New(scanID string) *Session {
	return &Session{
		scanID:    scanID,
		snapshot:  scan.Snapshot{ScanID: scanID, Status: scan.StatusPending},
		findingID: make(map[string]struct{}),
	}
}

// ScanID returns the observed scan's id.
func (s *Session) ScanID() string {
	return s.scanID
}

// Subscribe registers an update listener. Slow listeners miss updates
// rather than stall the session.
func (s *Session) Subscribe() chan Update {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub := &subscriber{ch: make(chan Update, 10)}
	s.subscribers = append(s.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *Session) Unsubscribe(ch chan Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subscribers {
		if sub.ch == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			sub.close()
			break
		}
	}
}

// Close closes all subscriber channels.
func (s *Session) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subscribers {
		sub.close()
	}
	s.subscribers = nil
}

func (s *Session) broadcast(u Update) {
	s.subMu.Lock()
	subs := make([]*subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.send(u)
	}
}

// Run consumes channel events until the stream closes, then closes all
// subscribers.
func (s *Session) Run(events <-chan ws.Event) {
	for ev := range events {
		s.Apply(ev)
	}
	s.Close()
}

// Apply merges one channel event into the session.
func (s *Session) Apply(ev ws.Event) {
	switch ev.Kind {
	case ws.EventConnected:
		s.setConnected(true)
	case ws.EventDisconnected:
		s.setConnected(false)
	case ws.EventProgress:
		s.ApplySnapshot(ev.Snapshot)
	case ws.EventFinding:
		s.addFinding(ev.Finding)
	case ws.EventCompleted:
		s.complete(ev.Status, ev.Summary)
	case ws.EventError:
		s.setNotice(ev.Err)
	}
}

// ApplySnapshot replaces the current snapshot. Snapshots are whole
// statements of progress, never patches: one received out of order after a
// reconnect still replaces the newer view, keeping the session consistent
// with the executor rather than locally monotonic. The only rejection is a
// lifecycle regression: once a terminal status is recorded, snapshots
// carrying any other status are logged and dropped.
func (s *Session) ApplySnapshot(snap scan.Snapshot) {
	s.mu.Lock()
	if cur := s.snapshot.Status; cur.IsTerminal() && snap.Status != cur {
		s.mu.Unlock()
		log.Printf("session: scan %s is already %s, dropping %s snapshot", s.scanID, cur, snap.Status)
		return
	}
	normalize(&snap)
	s.snapshot = snap
	terminalEdge := snap.Status.IsTerminal() && !s.notified
	if terminalEdge {
		s.notified = true
	}
	s.mu.Unlock()

	s.broadcast(Update{Kind: UpdateProgress, Snapshot: snap})
	if terminalEdge {
		s.broadcast(Update{Kind: UpdateTerminal, Snapshot: snap})
	}
}

// normalize applies the display rules: the shown percent follows the page
// counts and lifecycle status, and a missing remaining-time estimate is
// derived while the scan runs and the totals allow it.
func normalize(snap *scan.Snapshot) {
	snap.Percent = estimate.DisplayPercent(snap.Status, snap.Percent, snap.PagesScanned, snap.TotalPages)
	if snap.EstimatedRemainingSeconds == nil && snap.Status == scan.StatusRunning {
		if rem, ok := estimate.Remaining(snap.ElapsedSeconds, snap.PagesScanned, snap.TotalPages); ok {
			snap.EstimatedRemainingSeconds = &rem
		}
	}
}

// addFinding records a finding once. Redeliveries after a reconnect carry
// ids already seen and are skipped silently.
func (s *Session) addFinding(f scan.Finding) {
	s.mu.Lock()
	if _, seen := s.findingID[f.ID]; seen {
		s.mu.Unlock()
		return
	}
	s.findingID[f.ID] = struct{}{}
	s.findings = append(s.findings, f)
	snap := s.snapshot
	s.mu.Unlock()

	s.broadcast(Update{Kind: UpdateFinding, Snapshot: snap, Finding: &f})
}

// complete records the terminal status and merges the executor's roll-up
// into the snapshot.
func (s *Session) complete(status scan.Status, summary scan.Summary) {
	s.mu.Lock()
	if cur := s.snapshot.Status; cur.IsTerminal() && status != cur {
		s.mu.Unlock()
		log.Printf("session: scan %s is already %s, dropping completion as %s", s.scanID, cur, status)
		return
	}
	s.snapshot.Status = status
	if summary != (scan.Summary{}) {
		if summary.PagesScanned > 0 {
			s.snapshot.PagesScanned = summary.PagesScanned
		}
		s.snapshot.FindingsCount = summary.FindingsCount
		s.snapshot.Counts = scan.SeverityCounts{
			Critical: summary.Critical,
			High:     summary.High,
			Medium:   summary.Medium,
			Low:      summary.Low,
		}
	}
	normalize(&s.snapshot)
	sum := summary
	s.summary = &sum
	snap := s.snapshot
	terminalEdge := !s.notified
	s.notified = true
	s.mu.Unlock()

	if terminalEdge {
		s.broadcast(Update{Kind: UpdateTerminal, Snapshot: snap, Summary: &sum})
	} else {
		s.broadcast(Update{Kind: UpdateProgress, Snapshot: snap})
	}
}

// setNotice records an executor error. It deliberately leaves the lifecycle
// status and snapshot untouched.
func (s *Session) setNotice(msg string) {
	if msg == "" {
		return
	}
	s.mu.Lock()
	s.notice = msg
	snap := s.snapshot
	s.mu.Unlock()

	log.Printf("session: scan %s reported: %s", s.scanID, msg)
	s.broadcast(Update{Kind: UpdateNotice, Snapshot: snap, Notice: msg})
}

func (s *Session) setConnected(up bool) {
	s.mu.Lock()
	if s.connected == up {
		s.mu.Unlock()
		return
	}
	s.connected = up
	snap := s.snapshot
	s.mu.Unlock()

	s.broadcast(Update{Kind: UpdateConnection, Snapshot: snap, Connected: up})
}

// Snapshot returns the current merged view.
func (s *Session) Snapshot() scan.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snapshot
	if snap.EstimatedRemainingSeconds != nil {
		v := *snap.EstimatedRemainingSeconds
		snap.EstimatedRemainingSeconds = &v
	}
	return snap
}

// Findings returns the recorded findings in arrival order.
func (s *Session) Findings() []scan.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]scan.Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// Summary returns the executor's final roll-up, if one was received.
func (s *Session) Summary() (scan.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.summary == nil {
		return scan.Summary{}, false
	}
	return *s.summary, true
}

// Notice returns the most recent executor error message.
func (s *Session) Notice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notice
}

// Connected reports whether the transport is currently up.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Terminal reports whether the scan has reached a terminal status.
func (s *Session) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Status.IsTerminal()
}

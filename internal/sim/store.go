// Package sim is a self-contained scan service used for demos and
// integration testing: a store of scan records, an executor that walks
// simulated DPDP compliance audits, and the HTTP and websocket surface the
// client packages talk to.
package sim

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dpdpscan/scanwatch/internal/db"
	"github.com/dpdpscan/scanwatch/internal/estimate"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

var (
	ErrNotFound   = errors.New("scan not found")
	ErrScanActive = errors.New("application already has an active scan")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store holds scan records in memory, optionally mirrored to a database so
// history survives restarts. All methods are safe for concurrent use and
// return copies; rows never escape the lock.
type Store struct {
	mu       sync.RWMutex
	scans    map[string]*scan.ListItem
	findings map[string][]scan.Finding
	persist  *db.DB
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		scans:    make(map[string]*scan.ListItem),
		findings: make(map[string][]scan.Finding),
	}
}

// NewStoreWithDB creates a store backed by database. Stored rows and
// findings are loaded back into memory; every mutation afterwards is
// mirrored to the database. A scan that was mid-flight when the process
// died can never finish, so it comes back as failed rather than stuck.
func NewStoreWithDB(database *db.DB) (*Store, error) {
	s := NewStore()
	s.persist = database

	items, err := database.ListScans()
	if err != nil {
		return nil, fmt.Errorf("loading scans: %w", err)
	}

	for _, it := range items {
		if it.Status.IsActive() {
			now := time.Now().UTC()
			it.Status = scan.StatusFailed
			it.StatusMessage = "Scan interrupted by service restart"
			it.CompletedAt = &now
			if it.StartedAt != nil {
				d := int(now.Sub(*it.StartedAt).Seconds())
				if d < 0 {
					d = 0
				}
				it.DurationSeconds = &d
			}
			s.save(it)
		}
		s.scans[it.ID] = it

		findings, err := database.ListFindings(it.ID)
		if err != nil {
			return nil, fmt.Errorf("loading findings for scan %s: %w", it.ID, err)
		}
		for _, f := range findings {
			s.findings[it.ID] = append(s.findings[it.ID], *f)
		}
	}

	return s, nil
}

// Create records a new pending scan. An application may only have one scan
// in flight at a time.
func (s *Store) Create(applicationID, applicationName string, scanType scan.Type) (*scan.ListItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.scans {
		if it.ApplicationID == applicationID && it.Status.IsActive() {
			return nil, ErrScanActive
		}
	}

	it := &scan.ListItem{
		ID:              uuid.New().String(),
		ApplicationID:   applicationID,
		ApplicationName: applicationName,
		Type:            scanType,
		Status:          scan.StatusPending,
		StatusMessage:   "Scan created",
		CreatedAt:       time.Now().UTC(),
	}
	s.scans[it.ID] = it
	s.save(it)
	return copyItem(it), nil
}

// Get returns one scan row.
func (s *Store) Get(id string) (*scan.ListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(it), nil
}

// ListFilter selects and paginates rows. Zero values mean no filter and
// default pagination.
type ListFilter struct {
	Status        scan.Status
	Type          scan.Type
	ApplicationID string
	Page          int
	PageSize      int
}

// Page is one page of rows plus the envelope metadata.
type Page struct {
	Items    []scan.ListItem `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Pages    int             `json:"pages"`
}

// List returns matching scans newest first.
func (s *Store) List(f ListFilter) Page {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}

	s.mu.RLock()
	matched := make([]scan.ListItem, 0, len(s.scans))
	for _, it := range s.scans {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.Type != "" && it.Type != f.Type {
			continue
		}
		if f.ApplicationID != "" && it.ApplicationID != f.ApplicationID {
			continue
		}
		matched = append(matched, *copyItem(it))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	pages := (total + f.PageSize - 1) / f.PageSize

	start := (f.Page - 1) * f.PageSize
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	return Page{
		Items:    matched[start:end],
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
		Pages:    pages,
	}
}

// SetStatus records a pre-terminal lifecycle transition. Entering running
// stamps the start time.
func (s *Store) SetStatus(id string, status scan.Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	it.StatusMessage = message
	if status == scan.StatusRunning && it.StartedAt == nil {
		now := time.Now().UTC()
		it.StartedAt = &now
	}
	s.save(it)
	return nil
}

// ApplyProgress mirrors an executor progress frame into the row. The stored
// percent never regresses; out-of-order updates keep the furthest position.
func (s *Store) ApplyProgress(id string, m ws.ProgressMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = m.Status
	if m.Percent > it.Percent {
		it.Percent = m.Percent
	}
	it.PagesScanned = m.PagesScanned
	it.TotalPages = m.TotalPages
	it.CurrentURL = m.CurrentURL
	it.StatusMessage = m.Message
	it.FindingsCount = m.FindingsCount
	it.CriticalCount = m.CriticalCount
	it.HighCount = m.HighCount
	it.MediumCount = m.MediumCount
	it.LowCount = m.LowCount
	s.save(it)
	return nil
}

// AddFinding records one finding against the row and tallies its severity.
// A finding id seen before is a replay and changes nothing.
func (s *Store) AddFinding(id string, f scan.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}

	for _, have := range s.findings[id] {
		if have.ID == f.ID {
			return nil
		}
	}
	s.findings[id] = append(s.findings[id], f)

	it.FindingsCount++
	switch f.Severity {
	case scan.SeverityCritical:
		it.CriticalCount++
	case scan.SeverityHigh:
		it.HighCount++
	case scan.SeverityMedium:
		it.MediumCount++
	case scan.SeverityLow:
		it.LowCount++
	}
	s.save(it)
	if s.persist != nil {
		if err := s.persist.SaveFinding(id, &f); err != nil {
			log.Printf("store: persist finding %s: %v", f.ID, err)
		}
	}
	return nil
}

// Findings returns the findings recorded for a scan, in arrival order.
func (s *Store) Findings(id string) ([]scan.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scans[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]scan.Finding{}, s.findings[id]...), nil
}

// Complete finalizes a row with its terminal status. The score is only
// recorded for completed scans; failed and cancelled rows keep their frozen
// percent and no score.
func (s *Store) Complete(id string, status scan.Status, message string, summary scan.Summary, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	it.Status = status
	it.StatusMessage = message
	it.CompletedAt = &now
	if it.StartedAt != nil {
		d := int(now.Sub(*it.StartedAt).Seconds())
		if d < 0 {
			d = 0
		}
		it.DurationSeconds = &d
	}

	if summary != (scan.Summary{}) {
		if summary.PagesScanned > 0 {
			it.PagesScanned = summary.PagesScanned
		}
		it.FindingsCount = summary.FindingsCount
		it.CriticalCount = summary.Critical
		it.HighCount = summary.High
		it.MediumCount = summary.Medium
		it.LowCount = summary.Low
	}

	if status == scan.StatusCompleted {
		it.Percent = 100
		v := score
		it.OverallScore = &v
	}
	s.save(it)
	return nil
}

// Delete removes a finished scan and its findings. Active scans must be
// cancelled first.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.scans[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status.IsActive() {
		return ErrScanActive
	}
	delete(s.scans, id)
	delete(s.findings, id)
	if s.persist != nil {
		if err := s.persist.DeleteScan(id); err != nil {
			log.Printf("store: remove scan %s: %v", id, err)
		}
	}
	return nil
}

// HasActive reports whether applicationID has a scan in flight.
func (s *Store) HasActive(applicationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, it := range s.scans {
		if it.ApplicationID == applicationID && it.Status.IsActive() {
			return true
		}
	}
	return false
}

// Progress builds the synchronous progress snapshot for one scan, in the
// same schema the realtime stream uses.
func (s *Store) Progress(id string) (ws.ProgressMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.scans[id]
	if !ok {
		return ws.ProgressMessage{}, ErrNotFound
	}

	var elapsed int
	switch {
	case it.DurationSeconds != nil:
		elapsed = *it.DurationSeconds
	case it.StartedAt != nil:
		elapsed = estimate.ElapsedSeconds(*it.StartedAt, time.Now())
	}

	m := ws.ProgressMessage{
		Type:           ws.TypeProgress,
		ScanID:         it.ID,
		Status:         it.Status,
		Percent:        it.Percent,
		PagesScanned:   it.PagesScanned,
		TotalPages:     it.TotalPages,
		CurrentURL:     it.CurrentURL,
		Message:        it.StatusMessage,
		FindingsCount:  it.FindingsCount,
		CriticalCount:  it.CriticalCount,
		HighCount:      it.HighCount,
		MediumCount:    it.MediumCount,
		LowCount:       it.LowCount,
		ElapsedSeconds: elapsed,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if it.Status == scan.StatusRunning {
		if rem, ok := estimate.Remaining(elapsed, it.PagesScanned, it.TotalPages); ok {
			m.EstimatedRemainingSeconds = &rem
		}
	}
	return m, nil
}

// Overview aggregates all rows into the dashboard roll-up.
func (s *Store) Overview() scan.Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ov scan.Overview
	var scoreSum float64
	var scored int

	for _, it := range s.scans {
		ov.TotalScans++
		switch it.Status {
		case scan.StatusCompleted:
			ov.CompletedScans++
		case scan.StatusRunning:
			ov.RunningScans++
		case scan.StatusFailed:
			ov.FailedScans++
		}
		if it.OverallScore != nil {
			scoreSum += *it.OverallScore
			scored++
		}
		ov.CriticalFindings += it.CriticalCount
		ov.HighFindings += it.HighCount
		ov.MediumFindings += it.MediumCount
		ov.LowFindings += it.LowCount
	}

	if scored > 0 {
		avg := scoreSum / float64(scored)
		ov.AverageScore = &avg
	}
	return ov
}

// save mirrors a row to the database, best effort. Callers hold the lock.
func (s *Store) save(it *scan.ListItem) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveScan(it); err != nil {
		log.Printf("store: persist scan %s: %v", it.ID, err)
	}
}

func copyItem(it *scan.ListItem) *scan.ListItem {
	out := *it
	if it.StartedAt != nil {
		v := *it.StartedAt
		out.StartedAt = &v
	}
	if it.CompletedAt != nil {
		v := *it.CompletedAt
		out.CompletedAt = &v
	}
	if it.DurationSeconds != nil {
		v := *it.DurationSeconds
		out.DurationSeconds = &v
	}
	if it.OverallScore != nil {
		v := *it.OverallScore
		out.OverallScore = &v
	}
	return &out
}

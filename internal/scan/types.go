package scan

import "time"

// SeverityCounts tallies findings by severity. Info findings are counted in
// FindingsCount totals but not tracked here, matching the wire format.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Add increments the tally for sev. Unknown and info severities are ignored.
func (c *SeverityCounts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	}
}

// Total returns the sum of all tracked severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Finding is one detected compliance issue surfaced by the scan executor.
type Finding struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Severity    Severity      `json:"severity"`
	Status      FindingStatus `json:"status"`
	DPDPSection string        `json:"dpdp_section"`
	Description string        `json:"description"`
	Remediation string        `json:"remediation"`
	URL         string        `json:"url"`
}

// Snapshot is the latest known progress state of one scan. Each update
// replaces the snapshot wholesale; nothing is patched field by field.
type Snapshot struct {
	ScanID         string
	Status         Status
	Percent        int // [0,100]
	PagesScanned   int
	TotalPages     int // 0 means unknown
	CurrentURL     string
	Message        string
	FindingsCount  int
	Counts         SeverityCounts
	ElapsedSeconds int
	// EstimatedRemainingSeconds is nil when the server did not supply an
	// estimate and one cannot be derived (unknown total or zero pages).
	EstimatedRemainingSeconds *int
	// ReceivedAt is stamped client-side on arrival, for staleness detection.
	ReceivedAt time.Time
}

// TotalKnown reports whether the server has announced a page total.
func (s Snapshot) TotalKnown() bool {
	return s.TotalPages > 0
}

// Summary is the terminal roll-up delivered with a completed message.
type Summary struct {
	PagesScanned  int     `json:"pages_scanned"`
	FindingsCount int     `json:"findings_count"`
	OverallScore  float64 `json:"overall_score"`
	Critical      int     `json:"critical"`
	High          int     `json:"high"`
	Medium        int     `json:"medium"`
	Low           int     `json:"low"`
}

// ListItem is the REST summary of one scan as returned by the list endpoint.
// It carries the same status/progress/count vocabulary as Snapshot but has no
// shared state with any session; list rows and detail views are independent
// copies by design.
type ListItem struct {
	ID              string     `json:"id"`
	ApplicationID   string     `json:"application_id"`
	ApplicationName string     `json:"application_name,omitempty"`
	Type            Type       `json:"scan_type"`
	Status          Status     `json:"status"`
	StatusMessage   string     `json:"status_message,omitempty"`
	Percent         int        `json:"progress_percentage"`
	PagesScanned    int        `json:"pages_scanned"`
	TotalPages      int        `json:"total_pages,omitempty"`
	CurrentURL      string     `json:"current_url,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	OverallScore    *float64   `json:"overall_score,omitempty"`
	FindingsCount   int        `json:"findings_count"`
	CriticalCount   int        `json:"critical_count"`
	HighCount       int        `json:"high_count"`
	MediumCount     int        `json:"medium_count"`
	LowCount        int        `json:"low_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Counts returns the severity tallies as a SeverityCounts.
func (it ListItem) Counts() SeverityCounts {
	return SeverityCounts{
		Critical: it.CriticalCount,
		High:     it.HighCount,
		Medium:   it.MediumCount,
		Low:      it.LowCount,
	}
}

// Schedule is a recurring scan: a cron expression that starts a scan for an
// application each time it fires. Schedules live on the server; clients only
// create, list, pause and remove them.
type Schedule struct {
	ID              int64      `json:"id"`
	ApplicationID   string     `json:"application_id"`
	ApplicationName string     `json:"application_name,omitempty"`
	Type            Type       `json:"scan_type"`
	Cron            string     `json:"cron_expression"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Overview is the aggregate scan statistics block for dashboard views.
type Overview struct {
	TotalScans       int      `json:"total_scans"`
	CompletedScans   int      `json:"completed_scans"`
	RunningScans     int      `json:"running_scans"`
	FailedScans      int      `json:"failed_scans"`
	AverageScore     *float64 `json:"average_score,omitempty"`
	CriticalFindings int      `json:"critical_findings"`
	HighFindings     int      `json:"high_findings"`
	MediumFindings   int      `json:"medium_findings"`
	LowFindings      int      `json:"low_findings"`
}

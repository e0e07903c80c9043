package scan

// Status represents the lifecycle state of a scan. The server is the only
// status mutator; clients classify, never transition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every valid status.
var Statuses = []Status{
	StatusPending,
	StatusQueued,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the scan is still doing (or waiting to do) work.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// CanCancel reports whether a cancel request may be presented for this status.
func (s Status) CanCancel() bool {
	return s.IsActive()
}

// CanDelete reports whether the scan may be deleted in this status.
func (s Status) CanDelete() bool {
	return s.IsTerminal()
}

// CanMutateApplication reports whether the parent application may be edited
// or deleted. Editing is forbidden while any scan against it is active; the
// caller derives hasActiveScan from the most recent polled list, so the check
// is eventually consistent, bounded by the poll interval.
func CanMutateApplication(hasActiveScan bool) bool {
	return !hasActiveScan
}

// Type represents the kind of scan requested.
type Type string

const (
	TypeQuick     Type = "quick"
	TypeStandard  Type = "standard"
	TypeDeep      Type = "deep"
	TypeScheduled Type = "scheduled"
)

// Valid reports whether t is a known scan type.
func (t Type) Valid() bool {
	switch t {
	case TypeQuick, TypeStandard, TypeDeep, TypeScheduled:
		return true
	}
	return false
}

// Severity represents the severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether sev is a known severity value.
func (sev Severity) Valid() bool {
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// FindingStatus represents the outcome of a single compliance check.
type FindingStatus string

const (
	FindingPass          FindingStatus = "pass"
	FindingPartial       FindingStatus = "partial"
	FindingFail          FindingStatus = "fail"
	FindingNotApplicable FindingStatus = "not_applicable"
	FindingError         FindingStatus = "error"
)

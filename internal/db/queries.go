package db

import (
	"database/sql"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

// Scan row queries

// SaveScan inserts or replaces one scan row. The store mirrors every
// mutation through here, so the row always matches the in-memory state.
func (db *DB) SaveScan(it *scan.ListItem) error {
	_, err := db.Exec(`
		INSERT INTO scans (id, application_id, application_name, scan_type, status, status_message,
			progress_percentage, pages_scanned, total_pages, current_url,
			started_at, completed_at, duration_seconds, overall_score,
			findings_count, critical_count, high_count, medium_count, low_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			application_id = excluded.application_id,
			application_name = excluded.application_name,
			scan_type = excluded.scan_type,
			status = excluded.status,
			status_message = excluded.status_message,
			progress_percentage = excluded.progress_percentage,
			pages_scanned = excluded.pages_scanned,
			total_pages = excluded.total_pages,
			current_url = excluded.current_url,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			overall_score = excluded.overall_score,
			findings_count = excluded.findings_count,
			critical_count = excluded.critical_count,
			high_count = excluded.high_count,
			medium_count = excluded.medium_count,
			low_count = excluded.low_count`,
		it.ID, it.ApplicationID, it.ApplicationName, it.Type, it.Status, it.StatusMessage,
		it.Percent, it.PagesScanned, it.TotalPages, it.CurrentURL,
		it.StartedAt, it.CompletedAt, it.DurationSeconds, it.OverallScore,
		it.FindingsCount, it.CriticalCount, it.HighCount, it.MediumCount, it.LowCount, it.CreatedAt,
	)
	return err
}

// GetScan retrieves a scan row by ID
func (db *DB) GetScan(id string) (*scan.ListItem, error) {
	row := db.QueryRow(`
		SELECT id, application_id, application_name, scan_type, status, status_message,
			progress_percentage, pages_scanned, total_pages, current_url,
			started_at, completed_at, duration_seconds, overall_score,
			findings_count, critical_count, high_count, medium_count, low_count, created_at
		FROM scans WHERE id = ?`, id)
	return scanListItem(row)
}

// ListScans returns every stored scan row, newest first
func (db *DB) ListScans() ([]*scan.ListItem, error) {
	rows, err := db.Query(`
		SELECT id, application_id, application_name, scan_type, status, status_message,
			progress_percentage, pages_scanned, total_pages, current_url,
			started_at, completed_at, duration_seconds, overall_score,
			findings_count, critical_count, high_count, medium_count, low_count, created_at
		FROM scans ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*scan.ListItem
	for rows.Next() {
		it, err := scanListItemRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DeleteScan removes a scan row. Its findings cascade.
func (db *DB) DeleteScan(id string) error {
	_, err := db.Exec("DELETE FROM scans WHERE id = ?", id)
	return err
}

// CleanupOldScans removes finished scans (and their findings) older than the
// retention period. Rows that never finished are left alone.
func (db *DB) CleanupOldScans(retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	_, err := db.Exec("DELETE FROM scans WHERE completed_at IS NOT NULL AND completed_at < ?", cutoff)
	return err
}

func scanListItem(row *sql.Row) (*scan.ListItem, error) {
	var it scan.ListItem
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64
	var score sql.NullFloat64

	err := row.Scan(&it.ID, &it.ApplicationID, &it.ApplicationName, &it.Type, &it.Status, &it.StatusMessage,
		&it.Percent, &it.PagesScanned, &it.TotalPages, &it.CurrentURL,
		&startedAt, &completedAt, &duration, &score,
		&it.FindingsCount, &it.CriticalCount, &it.HighCount, &it.MediumCount, &it.LowCount, &it.CreatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		it.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		d := int(duration.Int64)
		it.DurationSeconds = &d
	}
	if score.Valid {
		it.OverallScore = &score.Float64
	}

	return &it, nil
}

func scanListItemRow(rows *sql.Rows) (*scan.ListItem, error) {
	var it scan.ListItem
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64
	var score sql.NullFloat64

	err := rows.Scan(&it.ID, &it.ApplicationID, &it.ApplicationName, &it.Type, &it.Status, &it.StatusMessage,
		&it.Percent, &it.PagesScanned, &it.TotalPages, &it.CurrentURL,
		&startedAt, &completedAt, &duration, &score,
		&it.FindingsCount, &it.CriticalCount, &it.HighCount, &it.MediumCount, &it.LowCount, &it.CreatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		it.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		d := int(duration.Int64)
		it.DurationSeconds = &d
	}
	if score.Valid {
		it.OverallScore = &score.Float64
	}

	return &it, nil
}

// Finding queries

// SaveFinding records one finding for a scan. Replays of the same finding id
// overwrite in place, so at-least-once delivery stays idempotent.
func (db *DB) SaveFinding(scanID string, f *scan.Finding) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO findings (id, scan_id, title, severity, status, dpdp_section, description, remediation, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, scanID, f.Title, f.Severity, f.Status, f.DPDPSection, f.Description, f.Remediation, f.URL,
	)
	return err
}

// ListFindings returns a scan's findings in arrival order
func (db *DB) ListFindings(scanID string) ([]*scan.Finding, error) {
	rows, err := db.Query(`
		SELECT id, title, severity, status, dpdp_section, description, remediation, url
		FROM findings WHERE scan_id = ? ORDER BY rowid`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*scan.Finding
	for rows.Next() {
		var f scan.Finding
		if err := rows.Scan(&f.ID, &f.Title, &f.Severity, &f.Status, &f.DPDPSection, &f.Description, &f.Remediation, &f.URL); err != nil {
			return nil, err
		}
		findings = append(findings, &f)
	}
	return findings, rows.Err()
}

// Schedule queries

// CreateSchedule creates a recurring scan entry
func (db *DB) CreateSchedule(s *scan.Schedule) (*scan.Schedule, error) {
	result, err := db.Exec(`
		INSERT INTO schedules (application_id, application_name, scan_type, cron_expression, enabled, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ApplicationID, s.ApplicationName, s.Type, s.Cron, s.Enabled, s.NextRunAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.GetSchedule(id)
}

// GetSchedule retrieves a schedule by ID
func (db *DB) GetSchedule(id int64) (*scan.Schedule, error) {
	row := db.QueryRow(`
		SELECT id, application_id, application_name, scan_type, cron_expression, enabled, last_run_at, next_run_at, created_at
		FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules ordered by application
func (db *DB) ListSchedules() ([]*scan.Schedule, error) {
	rows, err := db.Query(`
		SELECT id, application_id, application_name, scan_type, cron_expression, enabled, last_run_at, next_run_at, created_at
		FROM schedules ORDER BY application_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*scan.Schedule
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// EnabledSchedules returns the enabled schedules ordered by next run
func (db *DB) EnabledSchedules() ([]*scan.Schedule, error) {
	rows, err := db.Query(`
		SELECT id, application_id, application_name, scan_type, cron_expression, enabled, last_run_at, next_run_at, created_at
		FROM schedules WHERE enabled = 1 ORDER BY next_run_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*scan.Schedule
	for rows.Next() {
		s, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// UpdateSchedule rewrites a schedule
func (db *DB) UpdateSchedule(s *scan.Schedule) error {
	_, err := db.Exec(`
		UPDATE schedules SET
			application_id = ?, application_name = ?, scan_type = ?, cron_expression = ?,
			enabled = ?, next_run_at = ?
		WHERE id = ?`,
		s.ApplicationID, s.ApplicationName, s.Type, s.Cron, s.Enabled, s.NextRunAt, s.ID,
	)
	return err
}

// UpdateScheduleRun records a launch: the last run time and the next one
func (db *DB) UpdateScheduleRun(id int64, lastRun, nextRun time.Time) error {
	_, err := db.Exec(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?
		WHERE id = ?`,
		lastRun, nextRun, id,
	)
	return err
}

// SetScheduleEnabled pauses or resumes a schedule
func (db *DB) SetScheduleEnabled(id int64, enabled bool) error {
	_, err := db.Exec("UPDATE schedules SET enabled = ? WHERE id = ?", enabled, id)
	return err
}

// DeleteSchedule removes a schedule
func (db *DB) DeleteSchedule(id int64) error {
	_, err := db.Exec("DELETE FROM schedules WHERE id = ?", id)
	return err
}

func scanSchedule(row *sql.Row) (*scan.Schedule, error) {
	var s scan.Schedule
	var lastRun, nextRun sql.NullTime

	err := row.Scan(&s.ID, &s.ApplicationID, &s.ApplicationName, &s.Type, &s.Cron, &s.Enabled,
		&lastRun, &nextRun, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		s.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		s.NextRunAt = &nextRun.Time
	}

	return &s, nil
}

func scanScheduleRow(rows *sql.Rows) (*scan.Schedule, error) {
	var s scan.Schedule
	var lastRun, nextRun sql.NullTime

	err := rows.Scan(&s.ID, &s.ApplicationID, &s.ApplicationName, &s.Type, &s.Cron, &s.Enabled,
		&lastRun, &nextRun, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		s.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		s.NextRunAt = &nextRun.Time
	}

	return &s, nil
}

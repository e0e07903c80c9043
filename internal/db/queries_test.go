package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

// testDB creates a temporary database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// testScan returns a minimal pending scan row
func testScan(id string) *scan.ListItem {
	return &scan.ListItem{
		ID:            id,
		ApplicationID: "app-1",
		Type:          scan.TypeStandard,
		Status:        scan.StatusPending,
		StatusMessage: "Scan created",
		CreatedAt:     time.Now().UTC(),
	}
}

// ============================================================================
// Scan row tests
// ============================================================================

func TestScanRow_SaveAndGet(t *testing.T) {
	db := testDB(t)

	started := time.Now().UTC().Add(-90 * time.Second)
	completed := time.Now().UTC()
	duration := 90
	score := 78.5

	want := &scan.ListItem{
		ID:              "scan-1",
		ApplicationID:   "app-1",
		ApplicationName: "Demo App",
		Type:            scan.TypeDeep,
		Status:          scan.StatusCompleted,
		StatusMessage:   "Scan completed",
		Percent:         100,
		PagesScanned:    24,
		TotalPages:      24,
		CurrentURL:      "https://demo.example.in/privacy-policy",
		StartedAt:       &started,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		OverallScore:    &score,
		FindingsCount:   3,
		CriticalCount:   1,
		HighCount:       1,
		MediumCount:     1,
		CreatedAt:       started.Add(-time.Second),
	}

	if err := db.SaveScan(want); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	got, err := db.GetScan("scan-1")
	if err != nil {
		t.Fatalf("GetScan failed: %v", err)
	}

	if got.ID != want.ID {
		t.Errorf("ID mismatch: got %s, want %s", got.ID, want.ID)
	}
	if got.ApplicationID != want.ApplicationID {
		t.Errorf("ApplicationID mismatch: got %s, want %s", got.ApplicationID, want.ApplicationID)
	}
	if got.Type != want.Type {
		t.Errorf("Type mismatch: got %s, want %s", got.Type, want.Type)
	}
	if got.Status != want.Status {
		t.Errorf("Status mismatch: got %s, want %s", got.Status, want.Status)
	}
	if got.Percent != 100 {
		t.Errorf("Percent mismatch: got %d, want 100", got.Percent)
	}
	if got.PagesScanned != 24 || got.TotalPages != 24 {
		t.Errorf("pages mismatch: got %d/%d, want 24/24", got.PagesScanned, got.TotalPages)
	}
	if got.CurrentURL != want.CurrentURL {
		t.Errorf("CurrentURL mismatch: got %s, want %s", got.CurrentURL, want.CurrentURL)
	}
	if got.StartedAt == nil || got.StartedAt.Unix() != started.Unix() {
		t.Errorf("StartedAt mismatch: got %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil || got.CompletedAt.Unix() != completed.Unix() {
		t.Errorf("CompletedAt mismatch: got %v, want %v", got.CompletedAt, completed)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds != duration {
		t.Errorf("DurationSeconds mismatch: got %v, want %d", got.DurationSeconds, duration)
	}
	if got.OverallScore == nil || *got.OverallScore != score {
		t.Errorf("OverallScore mismatch: got %v, want %v", got.OverallScore, score)
	}
	if got.FindingsCount != 3 || got.CriticalCount != 1 || got.HighCount != 1 || got.MediumCount != 1 || got.LowCount != 0 {
		t.Errorf("count mismatch: got %d (%d/%d/%d/%d)",
			got.FindingsCount, got.CriticalCount, got.HighCount, got.MediumCount, got.LowCount)
	}
}

func TestScanRow_NullFieldsRemainNull(t *testing.T) {
	db := testDB(t)

	if err := db.SaveScan(testScan("scan-1")); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	got, err := db.GetScan("scan-1")
	if err != nil {
		t.Fatalf("GetScan failed: %v", err)
	}

	if got.StartedAt != nil {
		t.Errorf("StartedAt should be nil, got %v", got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt should be nil, got %v", got.CompletedAt)
	}
	if got.DurationSeconds != nil {
		t.Errorf("DurationSeconds should be nil, got %v", got.DurationSeconds)
	}
	if got.OverallScore != nil {
		t.Errorf("OverallScore should be nil, got %v", got.OverallScore)
	}
}

func TestScanRow_GetMissing(t *testing.T) {
	db := testDB(t)

	if _, err := db.GetScan("nope"); err == nil {
		t.Error("GetScan should fail for a missing row")
	}
}

func TestScanRow_UpsertReplaces(t *testing.T) {
	db := testDB(t)

	it := testScan("scan-1")
	if err := db.SaveScan(it); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	createdAt := it.CreatedAt

	it.Status = scan.StatusRunning
	it.Percent = 40
	it.PagesScanned = 5
	it.TotalPages = 12
	it.FindingsCount = 2
	it.HighCount = 2
	// The creation time never changes once the row exists.
	it.CreatedAt = createdAt.Add(time.Hour)
	if err := db.SaveScan(it); err != nil {
		t.Fatalf("second SaveScan failed: %v", err)
	}

	got, err := db.GetScan("scan-1")
	if err != nil {
		t.Fatalf("GetScan failed: %v", err)
	}
	if got.Status != scan.StatusRunning {
		t.Errorf("Status mismatch: got %s, want running", got.Status)
	}
	if got.Percent != 40 || got.PagesScanned != 5 {
		t.Errorf("progress mismatch: got %d%% %d pages", got.Percent, got.PagesScanned)
	}
	if got.FindingsCount != 2 || got.HighCount != 2 {
		t.Errorf("count mismatch: got %d findings, %d high", got.FindingsCount, got.HighCount)
	}
	if got.CreatedAt.Unix() != createdAt.Unix() {
		t.Errorf("CreatedAt changed on upsert: got %v, want %v", got.CreatedAt, createdAt)
	}

	items, err := db.ListScans()
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 row after upsert, got %d", len(items))
	}
}

func TestScanRow_ListNewestFirst(t *testing.T) {
	db := testDB(t)

	base := time.Now().UTC()
	for i, id := range []string{"scan-a", "scan-b", "scan-c"} {
		it := testScan(id)
		it.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := db.SaveScan(it); err != nil {
			t.Fatalf("SaveScan %s failed: %v", id, err)
		}
	}

	items, err := db.ListScans()
	if err != nil {
		t.Fatalf("ListScans failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(items))
	}
	want := []string{"scan-c", "scan-b", "scan-a"}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, items[i].ID, id)
		}
	}
}

func TestScanRow_DeleteCascadesFindings(t *testing.T) {
	db := testDB(t)

	if err := db.SaveScan(testScan("scan-1")); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	f := &scan.Finding{
		ID:       "scan-1-f2",
		Title:    "Cookie banner lacks a reject option",
		Severity: scan.SeverityHigh,
		Status:   scan.FindingFail,
	}
	if err := db.SaveFinding("scan-1", f); err != nil {
		t.Fatalf("SaveFinding failed: %v", err)
	}

	if err := db.DeleteScan("scan-1"); err != nil {
		t.Fatalf("DeleteScan failed: %v", err)
	}

	if _, err := db.GetScan("scan-1"); err == nil {
		t.Error("scan row should be gone")
	}
	findings, err := db.ListFindings("scan-1")
	if err != nil {
		t.Fatalf("ListFindings failed: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings should cascade on delete, got %d", len(findings))
	}
}

func TestCleanupOldScans(t *testing.T) {
	db := testDB(t)

	old := testScan("scan-old")
	old.Status = scan.StatusCompleted
	oldDone := time.Now().UTC().AddDate(0, 0, -40)
	old.CompletedAt = &oldDone

	recent := testScan("scan-recent")
	recent.Status = scan.StatusCompleted
	recentDone := time.Now().UTC().Add(-time.Hour)
	recent.CompletedAt = &recentDone

	active := testScan("scan-active")
	active.Status = scan.StatusRunning

	for _, it := range []*scan.ListItem{old, recent, active} {
		if err := db.SaveScan(it); err != nil {
			t.Fatalf("SaveScan %s failed: %v", it.ID, err)
		}
	}

	if err := db.CleanupOldScans(30); err != nil {
		t.Fatalf("CleanupOldScans failed: %v", err)
	}

	if _, err := db.GetScan("scan-old"); err == nil {
		t.Error("old completed scan should have been removed")
	}
	if _, err := db.GetScan("scan-recent"); err != nil {
		t.Errorf("recent scan should survive cleanup: %v", err)
	}
	if _, err := db.GetScan("scan-active"); err != nil {
		t.Errorf("unfinished scan should survive cleanup: %v", err)
	}
}

// ============================================================================
// Finding tests
// ============================================================================

func TestFindings_SaveAndList(t *testing.T) {
	db := testDB(t)

	if err := db.SaveScan(testScan("scan-1")); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	first := &scan.Finding{
		ID:          "scan-1-f2",
		Title:       "Trackers load before consent",
		Severity:    scan.SeverityCritical,
		Status:      scan.FindingFail,
		DPDPSection: "Section 6",
		Description: "Third-party analytics scripts fire before the consent banner is answered.",
		Remediation: "Gate all non-essential scripts behind an affirmative consent signal.",
		URL:         "https://demo.example.in/",
	}
	second := &scan.Finding{
		ID:       "scan-1-f5",
		Title:    "Grievance officer contact missing",
		Severity: scan.SeverityHigh,
		Status:   scan.FindingFail,
	}
	for _, f := range []*scan.Finding{first, second} {
		if err := db.SaveFinding("scan-1", f); err != nil {
			t.Fatalf("SaveFinding %s failed: %v", f.ID, err)
		}
	}

	findings, err := db.ListFindings("scan-1")
	if err != nil {
		t.Fatalf("ListFindings failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].ID != "scan-1-f2" || findings[1].ID != "scan-1-f5" {
		t.Errorf("arrival order not kept: got %s, %s", findings[0].ID, findings[1].ID)
	}
	got := findings[0]
	if got.Title != first.Title || got.Severity != first.Severity || got.Status != first.Status {
		t.Errorf("finding mismatch: got %+v", got)
	}
	if got.DPDPSection != first.DPDPSection || got.Description != first.Description ||
		got.Remediation != first.Remediation || got.URL != first.URL {
		t.Errorf("finding detail mismatch: got %+v", got)
	}
}

func TestFindings_ReplayOverwrites(t *testing.T) {
	db := testDB(t)

	if err := db.SaveScan(testScan("scan-1")); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	f := &scan.Finding{ID: "scan-1-f2", Title: "First delivery", Severity: scan.SeverityLow, Status: scan.FindingPartial}
	if err := db.SaveFinding("scan-1", f); err != nil {
		t.Fatalf("SaveFinding failed: %v", err)
	}
	f.Title = "Second delivery"
	if err := db.SaveFinding("scan-1", f); err != nil {
		t.Fatalf("replayed SaveFinding failed: %v", err)
	}

	findings, err := db.ListFindings("scan-1")
	if err != nil {
		t.Fatalf("ListFindings failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("replay should not duplicate: got %d findings", len(findings))
	}
	if findings[0].Title != "Second delivery" {
		t.Errorf("replay should overwrite: got %q", findings[0].Title)
	}
}

// ============================================================================
// Schedule tests
// ============================================================================

func TestSchedule_CreateAndGet(t *testing.T) {
	db := testDB(t)

	nextRun := time.Now().UTC().Add(time.Hour)
	created, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID:   "app-1",
		ApplicationName: "Demo App",
		Type:            scan.TypeScheduled,
		Cron:            "0 * * * *",
		Enabled:         true,
		NextRunAt:       &nextRun,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if created.ID == 0 {
		t.Error("created schedule should have an ID")
	}

	got, err := db.GetSchedule(created.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.ApplicationID != "app-1" || got.ApplicationName != "Demo App" {
		t.Errorf("application mismatch: got %s/%s", got.ApplicationID, got.ApplicationName)
	}
	if got.Type != scan.TypeScheduled {
		t.Errorf("Type mismatch: got %s", got.Type)
	}
	if got.Cron != "0 * * * *" {
		t.Errorf("Cron mismatch: got %s", got.Cron)
	}
	if !got.Enabled {
		t.Error("schedule should be enabled")
	}
	if got.NextRunAt == nil || got.NextRunAt.Unix() != nextRun.Unix() {
		t.Errorf("NextRunAt mismatch: got %v, want %v", got.NextRunAt, nextRun)
	}
	if got.LastRunAt != nil {
		t.Errorf("LastRunAt should be nil, got %v", got.LastRunAt)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
}

func TestSchedule_EnabledFiltering(t *testing.T) {
	db := testDB(t)

	past := time.Now().Add(-time.Hour)
	enabled, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID: "app-on", Type: scan.TypeScheduled, Cron: "0 * * * *", Enabled: true, NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	disabled, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID: "app-off", Type: scan.TypeScheduled, Cron: "0 * * * *", Enabled: false, NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	got, err := db.EnabledSchedules()
	if err != nil {
		t.Fatalf("EnabledSchedules failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 enabled schedule, got %d", len(got))
	}
	if got[0].ID != enabled.ID {
		t.Errorf("wrong schedule returned: got %d, want %d", got[0].ID, enabled.ID)
	}

	all, err := db.ListSchedules()
	if err != nil {
		t.Fatalf("ListSchedules failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 schedules in full list, got %d", len(all))
	}
	_ = disabled
}

func TestSchedule_UpdateRun(t *testing.T) {
	db := testDB(t)

	created, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID: "app-1", Type: scan.TypeScheduled, Cron: "* * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	lastRun := time.Now().UTC()
	nextRun := lastRun.Add(time.Minute)
	if err := db.UpdateScheduleRun(created.ID, lastRun, nextRun); err != nil {
		t.Fatalf("UpdateScheduleRun failed: %v", err)
	}

	got, err := db.GetSchedule(created.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.LastRunAt == nil || got.LastRunAt.Unix() != lastRun.Unix() {
		t.Errorf("LastRunAt mismatch: got %v, want %v", got.LastRunAt, lastRun)
	}
	if got.NextRunAt == nil || got.NextRunAt.Unix() != nextRun.Unix() {
		t.Errorf("NextRunAt mismatch: got %v, want %v", got.NextRunAt, nextRun)
	}
}

func TestSchedule_SetEnabledAndDelete(t *testing.T) {
	db := testDB(t)

	created, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID: "app-1", Type: scan.TypeScheduled, Cron: "0 0 * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	if err := db.SetScheduleEnabled(created.ID, false); err != nil {
		t.Fatalf("SetScheduleEnabled failed: %v", err)
	}
	got, err := db.GetSchedule(created.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.Enabled {
		t.Error("schedule should be disabled")
	}

	if err := db.DeleteSchedule(created.ID); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if _, err := db.GetSchedule(created.ID); err == nil {
		t.Error("schedule should be gone")
	}
}

func TestSchedule_Update(t *testing.T) {
	db := testDB(t)

	created, err := db.CreateSchedule(&scan.Schedule{
		ApplicationID: "app-1", Type: scan.TypeScheduled, Cron: "0 * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	nextRun := time.Now().UTC().Add(30 * time.Minute)
	created.Cron = "*/30 * * * *"
	created.Enabled = false
	created.NextRunAt = &nextRun
	if err := db.UpdateSchedule(created); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	got, err := db.GetSchedule(created.ID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if got.Cron != "*/30 * * * *" {
		t.Errorf("Cron mismatch: got %s", got.Cron)
	}
	if got.Enabled {
		t.Error("schedule should be disabled after update")
	}
	if got.NextRunAt == nil || got.NextRunAt.Unix() != nextRun.Unix() {
		t.Errorf("NextRunAt mismatch: got %v, want %v", got.NextRunAt, nextRun)
	}
}

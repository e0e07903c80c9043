package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

func testClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, opts)
}

func TestListScans(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.Path != "/api/v1/scans" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("page") != "2" || q.Get("page_size") != "10" || q.Get("status") != "running" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("Authorization = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [{
				"id": "s1",
				"application_id": "app-a",
				"application_name": "Payments Portal",
				"scan_type": "standard",
				"status": "running",
				"progress_percentage": 40,
				"pages_scanned": 4,
				"total_pages": 10,
				"findings_count": 2,
				"critical_count": 1,
				"created_at": "2026-08-24T10:00:00Z"
			}],
			"total": 23, "page": 2, "page_size": 10, "pages": 3
		}`))
	}

	client := testClient(t, handler, Options{Token: StaticToken("tok123")})
	page, err := client.ListScans(context.Background(), ListOptions{Page: 2, PageSize: 10, Status: scan.StatusRunning})
	if err != nil {
		t.Fatalf("ListScans() error = %v", err)
	}

	if page.Total != 23 || page.Pages != 3 {
		t.Errorf("page meta = %d/%d, want 23/3", page.Total, page.Pages)
	}
	if len(page.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(page.Items))
	}
	it := page.Items[0]
	if it.ID != "s1" || it.Status != scan.StatusRunning || it.Percent != 40 {
		t.Errorf("item = %+v", it)
	}
	if it.ApplicationName != "Payments Portal" {
		t.Errorf("ApplicationName = %q", it.ApplicationName)
	}
}

func TestGetScanNotFound(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"Scan not found"}`))
	}

	client := testClient(t, handler, Options{})
	_, err := client.GetScan(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "Scan not found") {
		t.Errorf("error text = %q, want the service detail preserved", err)
	}
}

func TestCreateScan(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/scans" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if req.ApplicationID != "app-a" || req.ScanType != scan.TypeDeep {
			t.Errorf("body = %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"s-new","application_id":"app-a","scan_type":"deep","status":"pending","created_at":"2026-08-24T10:00:00Z"}`))
	}

	client := testClient(t, handler, Options{})
	item, err := client.CreateScan(context.Background(), "app-a", scan.TypeDeep)
	if err != nil {
		t.Fatalf("CreateScan() error = %v", err)
	}
	if item.ID != "s-new" || item.Status != scan.StatusPending {
		t.Errorf("item = %+v", item)
	}
}

func TestCreateScanConflict(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "conflict status", code: http.StatusConflict, body: `{"detail":"scan s1 is still running"}`},
		{name: "active scan as bad request", code: http.StatusBadRequest, body: `{"detail":"Application already has an active scan"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}

			client := testClient(t, handler, Options{})
			_, err := client.CreateScan(context.Background(), "app-a", scan.TypeQuick)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("error = %v, want ErrConflict", err)
			}
		})
	}
}

func TestValidationErrorIsNotConflict(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"invalid scan_type"}`))
	}

	client := testClient(t, handler, Options{})
	_, err := client.CreateScan(context.Background(), "app-a", scan.Type("bogus"))
	if err == nil {
		t.Fatal("CreateScan() error = nil, want an error")
	}
	if errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want a plain error, not ErrConflict", err)
	}
}

func TestCancelScan(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/scans/s1/cancel" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"s1","application_id":"app-a","scan_type":"standard","status":"cancelled","created_at":"2026-08-24T10:00:00Z"}`))
	}

	client := testClient(t, handler, Options{})
	item, err := client.CancelScan(context.Background(), "s1")
	if err != nil {
		t.Fatalf("CancelScan() error = %v", err)
	}
	if item.Status != scan.StatusCancelled {
		t.Errorf("Status = %q, want %q", item.Status, scan.StatusCancelled)
	}
}

func TestDeleteScan(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/scans/s1" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}

	client := testClient(t, handler, Options{})
	if err := client.DeleteScan(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteScan() error = %v", err)
	}
}

func TestGetProgress(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/scans/s1/progress" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"type": "progress",
			"status": "running",
			"percent": 55,
			"pages_scanned": 11,
			"total_pages": 20,
			"current_url": "https://example.in/careers",
			"findings_count": 3,
			"high_count": 1,
			"elapsed_seconds": 60,
			"estimated_remaining_seconds": 49
		}`))
	}

	client := testClient(t, handler, Options{})
	before := time.Now()
	snap, err := client.GetProgress(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}

	if snap.ScanID != "s1" {
		t.Errorf("ScanID = %q, want filled from the request", snap.ScanID)
	}
	if snap.Status != scan.StatusRunning || snap.Percent != 55 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.PagesScanned != 11 || snap.TotalPages != 20 {
		t.Errorf("pages = %d/%d, want 11/20", snap.PagesScanned, snap.TotalPages)
	}
	if snap.EstimatedRemainingSeconds == nil || *snap.EstimatedRemainingSeconds != 49 {
		t.Errorf("EstimatedRemainingSeconds = %v, want 49", snap.EstimatedRemainingSeconds)
	}
	if snap.ReceivedAt.Before(before) {
		t.Errorf("ReceivedAt = %v, want stamped at receive time", snap.ReceivedAt)
	}
}

func TestIdempotentRequestsRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_scans":5,"completed_scans":4,"running_scans":0,"failed_scans":1,"average_score":78.5,"critical_findings":2,"high_findings":3,"medium_findings":1,"low_findings":4}`))
	}

	client := testClient(t, handler, Options{Retries: 2})
	ov, err := client.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("request count = %d, want 3", got)
	}
	if ov.TotalScans != 5 || ov.AverageScore == nil || *ov.AverageScore != 78.5 {
		t.Errorf("overview = %+v", ov)
	}
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}

	client := testClient(t, handler, Options{Retries: 2})
	_, err := client.CreateScan(context.Background(), "app-a", scan.TypeQuick)
	if err == nil {
		t.Fatal("CreateScan() error = nil, want an error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("request count = %d, want 1", got)
	}
}

func TestSummaryNullAverage(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_scans":0,"completed_scans":0,"running_scans":0,"failed_scans":0,"average_score":null,"critical_findings":0,"high_findings":0,"medium_findings":0,"low_findings":0}`))
	}

	client := testClient(t, handler, Options{})
	ov, err := client.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if ov.AverageScore != nil {
		t.Errorf("AverageScore = %v, want nil", *ov.AverageScore)
	}
}

func TestFindings(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/scans/s1/findings" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"scan_id": "s1",
			"findings": [
				{"id": "s1-f2", "title": "Cookie banner lacks a reject option", "severity": "high", "status": "fail", "dpdp_section": "Section 6", "url": "https://example.in/"},
				{"id": "s1-f5", "title": "Pre-ticked marketing checkbox", "severity": "medium", "status": "fail", "dpdp_section": "Section 6", "url": "https://example.in/signup"}
			],
			"total": 2
		}`))
	}

	client := testClient(t, handler, Options{})
	findings, err := client.Findings(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Findings() error = %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("len(findings) = %d, want 2", len(findings))
	}
	if findings[0].ID != "s1-f2" || findings[0].Severity != scan.SeverityHigh {
		t.Errorf("first finding = %+v", findings[0])
	}
	if findings[1].DPDPSection != "Section 6" {
		t.Errorf("second finding = %+v", findings[1])
	}
}

func TestListSchedules(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/scheduled-scans" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 1, "application_id": "app-a", "scan_type": "scheduled", "cron_expression": "0 2 * * *", "enabled": true, "next_run_at": "2026-08-25T02:00:00Z", "created_at": "2026-08-01T00:00:00Z"},
			{"id": 2, "application_id": "app-b", "scan_type": "deep", "cron_expression": "30 1 * * 0", "enabled": false, "created_at": "2026-08-02T00:00:00Z"}
		]`))
	}

	client := testClient(t, handler, Options{})
	schedules, err := client.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(schedules) != 2 {
		t.Fatalf("len(schedules) = %d, want 2", len(schedules))
	}
	if schedules[0].ID != 1 || !schedules[0].Enabled || schedules[0].NextRunAt == nil {
		t.Errorf("first schedule = %+v", schedules[0])
	}
	if schedules[1].Type != scan.TypeDeep || schedules[1].Enabled {
		t.Errorf("second schedule = %+v", schedules[1])
	}
}

func TestCreateSchedule(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/scheduled-scans" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["application_id"] != "app-a" || req["cron_expression"] != "0 2 * * *" {
			t.Errorf("request body = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"id": 7,
			"application_id": "app-a",
			"application_name": "Payments Portal",
			"scan_type": "scheduled",
			"cron_expression": "0 2 * * *",
			"enabled": true,
			"next_run_at": "2026-08-25T02:00:00Z",
			"created_at": "2026-08-24T10:00:00Z"
		}`))
	}

	client := testClient(t, handler, Options{})
	sched, err := client.CreateSchedule(context.Background(), "app-a", "Payments Portal", scan.TypeScheduled, "0 2 * * *")
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if sched.ID != 7 || !sched.Enabled || sched.Cron != "0 2 * * *" {
		t.Errorf("schedule = %+v", sched)
	}
	if sched.NextRunAt == nil {
		t.Error("expected NextRunAt to be set")
	}
}

func TestSetScheduleEnabled(t *testing.T) {
	var gotPath string
	handler := func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7, "application_id": "app-a", "scan_type": "scheduled", "cron_expression": "0 2 * * *", "enabled": false, "created_at": "2026-08-24T10:00:00Z"}`))
	}

	client := testClient(t, handler, Options{})
	sched, err := client.SetScheduleEnabled(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("SetScheduleEnabled() error = %v", err)
	}
	if gotPath != "/api/v1/scheduled-scans/7/disable" {
		t.Errorf("path = %q, want the disable action", gotPath)
	}
	if sched.Enabled {
		t.Error("schedule should come back disabled")
	}
}

func TestDeleteSchedule(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/scheduled-scans/7" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}

	client := testClient(t, handler, Options{})
	if err := client.DeleteSchedule(context.Background(), 7); err != nil {
		t.Fatalf("DeleteSchedule() error = %v", err)
	}
}

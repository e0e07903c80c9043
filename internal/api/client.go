// Package api is the REST client for the scan service. It covers the scan
// collection endpoints the synchronization layer needs: list, create, fetch,
// cancel, delete, progress, findings and the dashboard summary, plus the
// recurring-scan schedule endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

// Sentinel errors mapped from response status codes.
var (
	ErrNotFound = errors.New("scan not found")
	ErrConflict = errors.New("conflicting scan state")
)

// TokenProvider supplies the bearer token attached to each request.
type TokenProvider interface {
	Token() string
}

// StaticToken is a TokenProvider for a fixed token. An empty token sends no
// Authorization header.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// authRoundTripper injects the bearer token per attempt and retries
// idempotent requests on transport errors and 5xx responses.
type authRoundTripper struct {
	base    http.RoundTripper
	token   TokenProvider
	retries int
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := a.base
	if base == nil {
		base = http.DefaultTransport
	}

	retriable := req.Method == http.MethodGet || req.Method == http.MethodHead

	var resp *http.Response
	var err error

	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		if req.Body != nil && req.GetBody != nil {
			if body, berr := req.GetBody(); berr == nil {
				r.Body = body
			}
		}
		if a.token != nil {
			if tok := a.token.Token(); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
		}

		resp, err = base.RoundTrip(r)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if !retriable || attempt >= a.retries {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		if resp != nil {
			_ = resp.Body.Close()
		}
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
}

// Client calls the scan service REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Options configures a client.
type Options struct {
	// Timeout bounds each request including retries. Zero means 15s.
	Timeout time.Duration
	// Retries is how often idempotent requests are retried on transport
	// errors and 5xx responses.
	Retries int
	// Token optionally authenticates requests.
	Token TokenProvider
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &authRoundTripper{
				token:   opts.Token,
				retries: opts.Retries,
			},
		},
	}
}

// ListOptions filters and paginates ListScans. Zero values are omitted.
type ListOptions struct {
	Page          int
	PageSize      int
	Status        scan.Status
	Type          scan.Type
	ApplicationID string
}

// Page is one page of scan rows.
type Page struct {
	Items    []scan.ListItem `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Pages    int             `json:"pages"`
}

// ListScans fetches one page of scans, newest first.
func (c *Client) ListScans(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Type != "" {
		q.Set("scan_type", string(opts.Type))
	}
	if opts.ApplicationID != "" {
		q.Set("application_id", opts.ApplicationID)
	}

	path := "/api/v1/scans"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page Page
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetScan fetches one scan row.
func (c *Client) GetScan(ctx context.Context, id string) (*scan.ListItem, error) {
	var item scan.ListItem
	if err := c.get(ctx, "/api/v1/scans/"+id, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetProgress fetches the current progress snapshot, stamped with the local
// receive time. The response reuses the realtime progress schema.
func (c *Client) GetProgress(ctx context.Context, id string) (scan.Snapshot, error) {
	var m ws.ProgressMessage
	if err := c.get(ctx, "/api/v1/scans/"+id+"/progress", &m); err != nil {
		return scan.Snapshot{}, err
	}
	if !m.Status.Valid() {
		return scan.Snapshot{}, fmt.Errorf("progress for scan %s has unknown status %q", id, m.Status)
	}
	snap := m.Snapshot(time.Now())
	if snap.ScanID == "" {
		snap.ScanID = id
	}
	return snap, nil
}

type createRequest struct {
	ApplicationID string    `json:"application_id"`
	ScanType      scan.Type `json:"scan_type"`
}

// CreateScan starts a scan for an application. The service refuses to stack
// scans: an application with one already active yields ErrConflict.
func (c *Client) CreateScan(ctx context.Context, applicationID string, scanType scan.Type) (*scan.ListItem, error) {
	var item scan.ListItem
	err := c.do(ctx, http.MethodPost, "/api/v1/scans", createRequest{applicationID, scanType}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CancelScan requests cancellation. Only pending, queued or running scans
// can be cancelled; anything else yields ErrConflict.
func (c *Client) CancelScan(ctx context.Context, id string) (*scan.ListItem, error) {
	var item scan.ListItem
	err := c.do(ctx, http.MethodPost, "/api/v1/scans/"+id+"/cancel", nil, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteScan removes a finished scan's record. Active scans cannot be
// deleted; cancel first.
func (c *Client) DeleteScan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/scans/"+id, nil, nil)
}

// Summary fetches the dashboard roll-up across all recorded scans.
func (c *Client) Summary(ctx context.Context) (*scan.Overview, error) {
	var ov scan.Overview
	if err := c.get(ctx, "/api/v1/scans/summary", &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Findings fetches the findings recorded for a scan, in arrival order.
func (c *Client) Findings(ctx context.Context, id string) ([]scan.Finding, error) {
	var body struct {
		Findings []scan.Finding `json:"findings"`
	}
	if err := c.get(ctx, "/api/v1/scans/"+id+"/findings", &body); err != nil {
		return nil, err
	}
	return body.Findings, nil
}

// ListSchedules fetches all recurring-scan schedules.
func (c *Client) ListSchedules(ctx context.Context) ([]scan.Schedule, error) {
	var schedules []scan.Schedule
	if err := c.get(ctx, "/api/v1/scheduled-scans", &schedules); err != nil {
		return nil, err
	}
	return schedules, nil
}

type createScheduleRequest struct {
	ApplicationID   string    `json:"application_id"`
	ApplicationName string    `json:"application_name,omitempty"`
	ScanType        scan.Type `json:"scan_type,omitempty"`
	Cron            string    `json:"cron_expression"`
}

// CreateSchedule registers a recurring scan. The cron expression uses the
// standard five fields; the service rejects anything it cannot parse.
func (c *Client) CreateSchedule(ctx context.Context, applicationID, applicationName string, scanType scan.Type, cron string) (*scan.Schedule, error) {
	req := createScheduleRequest{
		ApplicationID:   applicationID,
		ApplicationName: applicationName,
		ScanType:        scanType,
		Cron:            cron,
	}
	var sched scan.Schedule
	if err := c.do(ctx, http.MethodPost, "/api/v1/scheduled-scans", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// SetScheduleEnabled pauses or resumes a schedule and returns its new state.
func (c *Client) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) (*scan.Schedule, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var sched scan.Schedule
	err := c.do(ctx, http.MethodPost, "/api/v1/scheduled-scans/"+strconv.FormatInt(id, 10)+"/"+action, nil, &sched)
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// DeleteSchedule removes a schedule. Scans it already started are kept.
func (c *Client) DeleteSchedule(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/scheduled-scans/"+strconv.FormatInt(id, 10), nil, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// apiError maps an error response to a sentinel where the status has a
// defined meaning, keeping the service's detail text. Some deployments
// report the active-scan conflict as 400 rather than 409; both map to
// ErrConflict.
func apiError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)

	detail := body.Detail
	if detail == "" {
		detail = body.Error
	}
	if detail == "" {
		detail = strings.TrimSpace(string(data))
	}
	if detail == "" {
		detail = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, detail)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(detail), "active scan") {
			return fmt.Errorf("%w: %s", ErrConflict, detail)
		}
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detail)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dpdpscan/scanwatch/internal/api"
	"github.com/dpdpscan/scanwatch/internal/banner"
	"github.com/dpdpscan/scanwatch/internal/config"
	"github.com/dpdpscan/scanwatch/internal/listsync"
	"github.com/dpdpscan/scanwatch/internal/scan"
	"github.com/dpdpscan/scanwatch/internal/session"
	"github.com/dpdpscan/scanwatch/internal/statuscolor"
	"github.com/dpdpscan/scanwatch/internal/ws"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	server := flag.String("server", "", "Scan API base URL (overrides SCANWATCH_SERVER)")
	token := flag.String("token", "", "Bearer token (overrides SCANWATCH_TOKEN)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfg := config.LoadWatch()
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *token != "" {
		cfg.Token = *token
	}

	if err := run(cfg, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "[-] Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Watch, command string, args []string) error {
	client := api.New(cfg.ServerURL, api.Options{
		Timeout: cfg.RequestTimeout,
		Retries: 2,
		Token:   api.StaticToken(cfg.Token),
	})

	switch command {
	case "watch":
		banner.PrintBanner()
		return runWatch(cfg, client, args)
	case "list":
		return runList(cfg, client, args)
	case "start":
		return runStart(cfg, client, args)
	case "cancel":
		return runCancel(client, args)
	case "delete":
		return runDelete(client, args)
	case "findings":
		return runFindings(client, args)
	case "summary":
		return runSummary(client)
	case "schedule":
		return runSchedule(client, args)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runWatch(cfg *config.Watch, client *api.Client, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: scanwatch watch <scan-id>")
	}
	return watchScan(cfg, client, args[0])
}

func runStart(cfg *config.Watch, client *api.Client, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	scanType := fs.String("type", string(scan.TypeStandard), "Scan depth (quick, standard, deep)")
	follow := fs.Bool("follow", true, "Watch progress after starting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: scanwatch start [-type standard] [-follow=false] <application-id>")
	}
	appID := fs.Arg(0)

	t := scan.Type(*scanType)
	if !t.Valid() {
		return fmt.Errorf("invalid scan type %q", *scanType)
	}

	item, err := client.CreateScan(context.Background(), appID, t)
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			return fmt.Errorf("application %s already has an active scan; wait for it or cancel it first", appID)
		}
		return fmt.Errorf("starting scan: %w", err)
	}

	fmt.Printf("Started %s scan %s for application %s\n", item.Type, item.ID, item.ApplicationID)
	if !*follow {
		return nil
	}
	return watchScan(cfg, client, item.ID)
}

// watchScan streams one scan's progress to the terminal until it reaches a
// terminal status or the user detaches.
func watchScan(cfg *config.Watch, client *api.Client, id string) error {
	ctx := context.Background()

	row, err := client.GetScan(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("scan %s not found", id)
		}
		return fmt.Errorf("loading scan: %w", err)
	}
	fmt.Printf("Watching scan %s (application %s, %s scan)\n\n", row.ID, row.ApplicationID, row.Type)

	if row.Status.IsTerminal() {
		printRowResult(row)
		return nil
	}

	sess := session.New(id)
	if snap, err := client.GetProgress(ctx, id); err == nil {
		sess.Apply(ws.Event{Kind: ws.EventProgress, Snapshot: snap})
	}

	updates := sess.Subscribe()
	renderProgress(sess.Snapshot())

	ch := ws.Open(ws.Config{
		BaseURL:       cfg.ServerURL,
		TokenProvider: api.StaticToken(cfg.Token),
	}, id)
	go sess.Run(ch.Events())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-sigCtx.Done():
			ch.Close()
			fmt.Println("\nDetached; the scan keeps running on the server.")
			return nil
		case u, ok := <-updates:
			if !ok {
				printFinal(sess)
				return nil
			}
			renderUpdate(u)
		}
	}
}

func renderUpdate(u session.Update) {
	switch u.Kind {
	case session.UpdateProgress:
		renderProgress(u.Snapshot)
	case session.UpdateFinding:
		f := u.Finding
		fmt.Printf("  + [%s] %s (%s)\n", statuscolor.Severity(f.Severity), f.Title, f.DPDPSection)
	case session.UpdateNotice:
		fmt.Printf("  ! %s\n", u.Notice)
	case session.UpdateConnection:
		if u.Connected {
			fmt.Println("[connection] established")
		} else {
			fmt.Println("[connection] lost, reconnecting")
		}
	}
}

func renderProgress(snap scan.Snapshot) {
	line := fmt.Sprintf("[%s] %3d%%", statuscolor.Status(snap.Status), snap.Percent)
	if snap.TotalKnown() {
		line += fmt.Sprintf(" (%d/%d pages)", snap.PagesScanned, snap.TotalPages)
	} else if snap.PagesScanned > 0 {
		line += fmt.Sprintf(" (%d pages)", snap.PagesScanned)
	}
	if snap.FindingsCount > 0 {
		line += fmt.Sprintf(" findings %d", snap.FindingsCount)
	}
	if snap.EstimatedRemainingSeconds != nil {
		line += fmt.Sprintf(" ~%s left", formatSeconds(*snap.EstimatedRemainingSeconds))
	}
	if snap.CurrentURL != "" {
		line += "  " + snap.CurrentURL
	}
	fmt.Println(line)
}

func printFinal(sess *session.Session) {
	snap := sess.Snapshot()
	fmt.Printf("\nScan %s\n", statuscolor.Status(snap.Status))

	sum, ok := sess.Summary()
	if !ok {
		sum = scan.Summary{
			PagesScanned:  snap.PagesScanned,
			FindingsCount: snap.FindingsCount,
			Critical:      snap.Counts.Critical,
			High:          snap.Counts.High,
			Medium:        snap.Counts.Medium,
			Low:           snap.Counts.Low,
		}
	}
	fmt.Printf("  Pages scanned: %d\n", sum.PagesScanned)
	fmt.Printf("  Findings: %d (critical %d, high %d, medium %d, low %d)\n",
		sum.FindingsCount, sum.Critical, sum.High, sum.Medium, sum.Low)
	if snap.Status == scan.StatusCompleted && ok {
		fmt.Printf("  Compliance score: %s\n", statuscolor.Score(sum.OverallScore))
	}
	if snap.ElapsedSeconds > 0 {
		fmt.Printf("  Elapsed: %s\n", formatSeconds(snap.ElapsedSeconds))
	}
}

// printRowResult shows the final state of a scan that had already finished
// before the watch began.
func printRowResult(row *scan.ListItem) {
	fmt.Printf("Scan %s\n", statuscolor.Status(row.Status))
	fmt.Printf("  Pages scanned: %d\n", row.PagesScanned)
	fmt.Printf("  Findings: %d (critical %d, high %d, medium %d, low %d)\n",
		row.FindingsCount, row.CriticalCount, row.HighCount, row.MediumCount, row.LowCount)
	if row.OverallScore != nil {
		fmt.Printf("  Compliance score: %s\n", statuscolor.Score(*row.OverallScore))
	}
	if row.DurationSeconds != nil {
		fmt.Printf("  Duration: %s\n", formatSeconds(*row.DurationSeconds))
	}
}

func runList(cfg *config.Watch, client *api.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "Filter by status")
	scanType := fs.String("type", "", "Filter by scan type")
	appID := fs.String("app", "", "Filter by application id")
	page := fs.Int("page", 1, "Page number")
	pageSize := fs.Int("size", 20, "Page size")
	follow := fs.Bool("follow", false, "Keep the list refreshing while scans are active")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *follow {
		return followList(cfg, client)
	}

	opts := api.ListOptions{Page: *page, PageSize: *pageSize, ApplicationID: *appID}
	if *status != "" {
		st := scan.Status(*status)
		if !st.Valid() {
			return fmt.Errorf("invalid status %q", *status)
		}
		opts.Status = st
	}
	if *scanType != "" {
		t := scan.Type(*scanType)
		if !t.Valid() {
			return fmt.Errorf("invalid scan type %q", *scanType)
		}
		opts.Type = t
	}

	result, err := client.ListScans(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("listing scans: %w", err)
	}
	printTable(result.Items)
	if result.Pages > 1 {
		fmt.Printf("\nPage %d of %d (%d scans)\n", result.Page, result.Pages, result.Total)
	}
	return nil
}

func followList(cfg *config.Watch, client *api.Client) error {
	source := listsync.SourceFunc(func(ctx context.Context) ([]scan.ListItem, error) {
		result, err := client.ListScans(ctx, api.ListOptions{PageSize: 50})
		if err != nil {
			return nil, err
		}
		return result.Items, nil
	})

	p := listsync.New(source, cfg.PollInterval)
	p.OnUpdate = func(items []scan.ListItem) {
		fmt.Printf("\n%s\n", time.Now().Format("15:04:05"))
		printTable(items)
	}

	fmt.Println("Live scan list; refreshes while scans are active. Ctrl-C to exit.")
	p.Start()
	defer p.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	fmt.Println()
	return nil
}

func printTable(items []scan.ListItem) {
	if len(items) == 0 {
		fmt.Println("No scans found.")
		return
	}

	fmt.Printf("%-36s  %-14s  %-9s  %-10s  %8s  %8s  %s\n",
		"ID", "APPLICATION", "TYPE", "STATUS", "PROGRESS", "FINDINGS", "SCORE")
	for _, it := range items {
		score := "-"
		if it.OverallScore != nil {
			score = statuscolor.Score(*it.OverallScore)
		}
		fmt.Printf("%-36s  %-14s  %-9s  %s  %8s  %8d  %s\n",
			it.ID,
			it.ApplicationID,
			it.Type,
			pad(statuscolor.Status(it.Status), string(it.Status), 10),
			fmt.Sprintf("%d%%", it.Percent),
			it.FindingsCount,
			score)
	}
}

// pad right-pads colored text by the width of its plain form, since ANSI
// escapes confuse printf column widths.
func pad(colored, plain string, width int) string {
	if n := width - len(plain); n > 0 {
		return colored + strings.Repeat(" ", n)
	}
	return colored
}

func runCancel(client *api.Client, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: scanwatch cancel <scan-id>")
	}

	item, err := client.CancelScan(context.Background(), args[0])
	if err != nil {
		switch {
		case errors.Is(err, api.ErrNotFound):
			return fmt.Errorf("scan %s not found", args[0])
		case errors.Is(err, api.ErrConflict):
			return fmt.Errorf("scan %s is already finished", args[0])
		}
		return fmt.Errorf("cancelling scan: %w", err)
	}

	fmt.Printf("Cancellation requested; scan %s is %s\n", item.ID, statuscolor.Status(item.Status))
	return nil
}

func runDelete(client *api.Client, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: scanwatch delete <scan-id>")
	}

	if err := client.DeleteScan(context.Background(), args[0]); err != nil {
		switch {
		case errors.Is(err, api.ErrNotFound):
			return fmt.Errorf("scan %s not found", args[0])
		case errors.Is(err, api.ErrConflict):
			return fmt.Errorf("scan %s is still active; cancel it first", args[0])
		}
		return fmt.Errorf("deleting scan: %w", err)
	}

	fmt.Printf("Deleted scan %s\n", args[0])
	return nil
}

func runFindings(client *api.Client, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: scanwatch findings <scan-id>")
	}

	findings, err := client.Findings(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("scan %s not found", args[0])
		}
		return fmt.Errorf("fetching findings: %w", err)
	}
	if len(findings) == 0 {
		fmt.Println("No findings recorded.")
		return nil
	}

	for i, f := range findings {
		fmt.Printf("%2d. [%s] %s (%s)\n", i+1, statuscolor.Severity(f.Severity), f.Title, f.DPDPSection)
		if f.URL != "" {
			fmt.Printf("    %s\n", f.URL)
		}
		if f.Description != "" {
			fmt.Printf("    %s\n", f.Description)
		}
		if f.Remediation != "" {
			fmt.Printf("    Fix: %s\n", f.Remediation)
		}
	}
	return nil
}

func runSchedule(client *api.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: scanwatch schedule <list|add|remove|enable|disable> [args]")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return runScheduleList(client)
	case "add":
		return runScheduleAdd(client, rest)
	case "remove":
		return runScheduleRemove(client, rest)
	case "enable":
		return runScheduleToggle(client, rest, true)
	case "disable":
		return runScheduleToggle(client, rest, false)
	default:
		return fmt.Errorf("unknown schedule command %q", sub)
	}
}

func runScheduleList(client *api.Client) error {
	schedules, err := client.ListSchedules(context.Background())
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules configured.")
		return nil
	}

	fmt.Printf("%4s  %-14s  %-9s  %-14s  %-8s  %-16s  %s\n",
		"ID", "APPLICATION", "TYPE", "CRON", "ENABLED", "NEXT RUN", "LAST RUN")
	for _, s := range schedules {
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
		}
		fmt.Printf("%4d  %-14s  %-9s  %-14s  %-8s  %-16s  %s\n",
			s.ID, s.ApplicationID, s.Type, s.Cron, enabled, formatRunTime(s.NextRunAt), formatRunTime(s.LastRunAt))
	}
	return nil
}

func runScheduleAdd(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("schedule add", flag.ContinueOnError)
	scanType := fs.String("type", string(scan.TypeScheduled), "Scan depth for the recurring scan")
	name := fs.String("name", "", "Application display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New(`usage: scanwatch schedule add [-type scheduled] <application-id> "<cron>"`)
	}

	t := scan.Type(*scanType)
	if !t.Valid() {
		return fmt.Errorf("invalid scan type %q", *scanType)
	}

	sched, err := client.CreateSchedule(context.Background(), fs.Arg(0), *name, t, fs.Arg(1))
	if err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}

	fmt.Printf("Created schedule %d: %s scan of %s at %q\n", sched.ID, sched.Type, sched.ApplicationID, sched.Cron)
	if sched.NextRunAt != nil {
		fmt.Printf("Next run: %s\n", formatRunTime(sched.NextRunAt))
	}
	return nil
}

func runScheduleRemove(client *api.Client, args []string) error {
	id, err := scheduleID(args)
	if err != nil {
		return err
	}

	if err := client.DeleteSchedule(context.Background(), id); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("schedule %d not found", id)
		}
		return fmt.Errorf("removing schedule: %w", err)
	}
	fmt.Printf("Removed schedule %d\n", id)
	return nil
}

func runScheduleToggle(client *api.Client, args []string, enabled bool) error {
	id, err := scheduleID(args)
	if err != nil {
		return err
	}

	sched, err := client.SetScheduleEnabled(context.Background(), id, enabled)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("schedule %d not found", id)
		}
		return fmt.Errorf("updating schedule: %w", err)
	}

	state := "disabled"
	if sched.Enabled {
		state = "enabled"
	}
	fmt.Printf("Schedule %d is now %s\n", sched.ID, state)
	return nil
}

func scheduleID(args []string) (int64, error) {
	if len(args) != 1 || args[0] == "" {
		return 0, errors.New("usage: scanwatch schedule <remove|enable|disable> <schedule-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule id %q", args[0])
	}
	return id, nil
}

func formatRunTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func runSummary(client *api.Client) error {
	ov, err := client.Summary(context.Background())
	if err != nil {
		return fmt.Errorf("fetching summary: %w", err)
	}

	fmt.Printf("Scans: %d total, %d completed, %d running, %d failed\n",
		ov.TotalScans, ov.CompletedScans, ov.RunningScans, ov.FailedScans)
	if ov.AverageScore != nil {
		fmt.Printf("Average compliance score: %s\n", statuscolor.Score(*ov.AverageScore))
	}
	fmt.Printf("Findings: %d critical, %d high, %d medium, %d low\n",
		ov.CriticalFindings, ov.HighFindings, ov.MediumFindings, ov.LowFindings)
	return nil
}

func formatSeconds(s int) string {
	return (time.Duration(s) * time.Second).String()
}

func usage() {
	fmt.Fprint(os.Stderr, `scanwatch - DPDP compliance scan monitor

Usage:
  scanwatch <command> [flags]

Commands:
  watch <scan-id>          Stream live progress for one scan
  list [-follow]           List scans, optionally as a live view
  start <application-id>   Start a scan and watch it
  cancel <scan-id>         Request cancellation of an active scan
  delete <scan-id>         Delete a finished scan
  findings <scan-id>       Show the findings a scan raised
  summary                  Show aggregate scan statistics
  schedule <subcommand>    Manage recurring scans (list, add, remove, enable, disable)

Environment:
  SCANWATCH_SERVER           Scan API base URL (default http://localhost:8800)
  SCANWATCH_TOKEN            Bearer token for the API
  SCANWATCH_POLL_INTERVAL    List refresh interval (default 3s)
  SCANWATCH_REQUEST_TIMEOUT  HTTP timeout (default 15s)
`)
}

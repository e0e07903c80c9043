// Package scheduler launches recurring scans from their cron schedules.
package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dpdpscan/scanwatch/internal/db"
	"github.com/dpdpscan/scanwatch/internal/scan"
)

// Launcher starts a scan for an application. The scan service's
// one-active-scan-per-application rule applies; a busy application returns
// an error and the schedule is retried on the next check.
type Launcher interface {
	Launch(applicationID, applicationName string, scanType scan.Type) (*scan.ListItem, error)
}

// Scheduler checks stored schedules once a minute and launches the due ones
type Scheduler struct {
	db       *db.DB
	launcher Launcher
	parser   cron.Parser

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new scheduler
func New(database *db.DB, launcher Launcher) *Scheduler {
	return &Scheduler{
		db:       database,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start starts the schedule loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop stops the loop and waits for an in-flight check to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	// Check immediately on start
	s.checkDue()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkDue()
		}
	}
}

// checkDue launches every enabled schedule whose next run time has passed
func (s *Scheduler) checkDue() {
	schedules, err := s.db.EnabledSchedules()
	if err != nil {
		log.Printf("scheduler: failed to load schedules: %v", err)
		return
	}

	now := time.Now()

	for _, sched := range schedules {
		if sched.NextRunAt == nil || now.Before(*sched.NextRunAt) {
			continue
		}
		s.launch(sched, now)
	}
}

// launch starts one scheduled scan and advances its next run time. On a
// launch error the schedule keeps its past-due slot, so a busy application
// is retried on the next check rather than skipped for a whole period.
func (s *Scheduler) launch(sched *scan.Schedule, now time.Time) {
	item, err := s.launcher.Launch(sched.ApplicationID, sched.ApplicationName, sched.Type)
	if err != nil {
		log.Printf("scheduler: schedule %d for application %s: %v", sched.ID, sched.ApplicationID, err)
		return
	}

	schedule, err := s.parser.Parse(sched.Cron)
	if err != nil {
		log.Printf("scheduler: invalid cron expression for schedule %d: %v", sched.ID, err)
		return
	}

	nextRun := schedule.Next(now)
	if err := s.db.UpdateScheduleRun(sched.ID, now, nextRun); err != nil {
		log.Printf("scheduler: failed to record run for schedule %d: %v", sched.ID, err)
	}

	log.Printf("scheduler: started scan %s for schedule %d, next run at %v", item.ID, sched.ID, nextRun)
}

// NextRun parses a standard five-field cron expression and returns its next
// fire time after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

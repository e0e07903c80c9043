package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dpdpscan/scanwatch/internal/config"
	"github.com/dpdpscan/scanwatch/internal/db"
	"github.com/dpdpscan/scanwatch/internal/hub"
	"github.com/dpdpscan/scanwatch/internal/scheduler"
	"github.com/dpdpscan/scanwatch/internal/sim"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg := config.LoadSim()

	log.Printf("scansim starting...")
	log.Printf("  Port: %d", cfg.Port)
	log.Printf("  Page delay: %s", cfg.PageDelay)
	log.Printf("  Pages per scan: %d", cfg.TotalPages)
	log.Printf("  Auth: %t", cfg.Token != "")

	// Without a database everything lives in memory and recurring scans
	// are unavailable.
	var database *db.DB
	var store *sim.Store
	if cfg.DBPath != "" {
		log.Printf("  Database: %s", cfg.DBPath)
		log.Printf("  Retention: %d days", cfg.RetentionDays)

		var err error
		database, err = db.Open(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()

		store, err = sim.NewStoreWithDB(database)
		if err != nil {
			log.Fatalf("Failed to load scan history: %v", err)
		}
	} else {
		store = sim.NewStore()
	}

	h := hub.New()
	executor := sim.NewExecutor(store, h, cfg.PageDelay, cfg.TotalPages)
	handler := sim.NewHandler(store, executor, h, database, cfg.Token)

	var sched *scheduler.Scheduler
	if database != nil {
		sched = scheduler.New(database, executor)
		sched.Start()
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // No timeout for websocket streams
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup goroutine
	if database != nil {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()

			for range ticker.C {
				log.Printf("Running cleanup (retention: %d days)", cfg.RetentionDays)
				if err := database.CleanupOldScans(cfg.RetentionDays); err != nil {
					log.Printf("Cleanup error: %v", err)
				}
			}
		}()
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")

		// Stop launching, then finish the runs so the progress streams
		// drain and close.
		if sched != nil {
			sched.Stop()
		}
		executor.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("Scan service listening on http://localhost:%d", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}

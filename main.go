package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/config"
	"github.com/charles1614/deepwiki-sub000/internal/handlers"
	"github.com/charles1614/deepwiki-sub000/internal/logging"
	"github.com/charles1614/deepwiki-sub000/internal/session"
	"github.com/charles1614/deepwiki-sub000/internal/store"
	"github.com/charles1614/deepwiki-sub000/internal/transport"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	snapshotTTL := parseDuration(config.Cfg.SnapshotTTL, store.DefaultSnapshotTTL)
	st, err := store.Open(config.Cfg.DatabasePath, store.Config{
		SnapshotTTL:          snapshotTTL,
		TerminalHistoryLines: config.Cfg.TerminalHistoryLines,
		StorageBudgetBytes:   config.Cfg.StorageBudgetBytes,
	})
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer st.Close()

	// Periodic sweep for snapshots that are never read again.
	scheduler := cron.New()
	if err := st.ScheduleMaintenance(scheduler, config.Cfg.MaintenanceSchedule); err != nil {
		log.Printf("WARNING: maintenance schedule: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mgr := session.NewManager(session.Config{
		ConnectTimeout:   parseDuration(config.Cfg.ConnectTimeout, session.DefaultConnectTimeout),
		HandshakeTimeout: parseDuration(config.Cfg.HandshakeTimeout, session.DefaultHandshakeTimeout),
		RestoreTimeout:   parseDuration(config.Cfg.RestoreTimeout, session.DefaultRestoreTimeout),
		MaxReconnects:    config.Cfg.MaxReconnects,
	}, st, transport.NewWSChannel)

	mgr.OnStateChange(func(from, to session.Status) {
		log.Printf("Session state: %s -> %s", from, to)
	})

	handlers.SessionMgr = mgr
	handlers.StateStore = st
	log.Printf("Session manager initialized (max_reconnects=%d, snapshot_ttl=%s, history=%d lines)",
		config.Cfg.MaxReconnects, snapshotTTL, config.Cfg.TerminalHistoryLines)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no session required)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/status", handlers.GetSessionStatus)
			r.Get("/transitions", handlers.GetSessionTransitions)
			r.Get("/events", handlers.GetSessionEvents)
			r.Get("/settings", handlers.GetSessionSettings)
			r.Post("/connect", handlers.ConnectSession)
			r.Post("/disconnect", handlers.DisconnectSession)
			r.Post("/preserve", handlers.PreserveSession)
			r.Post("/resume", handlers.ResumeSession)
			r.Post("/restore", handlers.RestoreSession)
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/terminal", handlers.GetTerminalState)
			r.Put("/terminal", handlers.PutTerminalState)
			r.Get("/browser", handlers.GetBrowserState)
			r.Put("/browser", handlers.PutBrowserState)
			r.Get("/quota", handlers.GetStorageQuota)
			r.Post("/optimize", handlers.OptimizeStorage)
			r.Delete("/session", handlers.ClearSessionState)
		})

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	mgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/daysync/internal/auth"
	"github.com/macjediwizard/daysync/internal/caldav"
	"github.com/macjediwizard/daysync/internal/config"
	"github.com/macjediwizard/daysync/internal/db"
	"github.com/macjediwizard/daysync/internal/journal"
	"github.com/macjediwizard/daysync/internal/notify"
	"github.com/macjediwizard/daysync/internal/syncer"
	"github.com/macjediwizard/daysync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting DaySync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	if err := cfg.Validate(ctx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize OIDC provider
	oidcProvider, err := auth.NewOIDCProvider(
		ctx,
		cfg.OIDC.Issuer,
		cfg.OIDC.ClientID,
		cfg.OIDC.ClientSecret,
		cfg.OIDC.RedirectURL,
	)
	if err != nil {
		log.Fatalf("Failed to initialize OIDC provider: %v", err)
	}

	// Initialize session manager
	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())

	// Initialize notifier
	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Notify.WebhookEnabled,
		WebhookURL:     cfg.Notify.WebhookURL,
		EmailEnabled:   cfg.Notify.EmailEnabled,
		SMTPHost:       cfg.Notify.SMTPHost,
		SMTPPort:       cfg.Notify.SMTPPort,
		SMTPUsername:   cfg.Notify.SMTPUsername,
		SMTPPassword:   cfg.Notify.SMTPPassword,
		SMTPFrom:       cfg.Notify.SMTPFrom,
		SMTPTo:         cfg.Notify.SMTPTo,
		SMTPTLS:        cfg.Notify.SMTPTLS,
		CooldownPeriod: cfg.Notify.Cooldown,
	}
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid notification configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Notifications enabled (webhook: %v, email: %v, cooldown: %v)",
			cfg.Notify.WebhookEnabled, cfg.Notify.EmailEnabled, cfg.Notify.Cooldown)
	}

	// Initialize the change journal and sync coordinator
	jrnl := journal.New()
	coordinator := syncer.New(database, jrnl, cfg.Sync.Interval)

	if cfg.Targets.RemoteBackend.Enabled {
		target := syncer.NewRemoteBackend(cfg.Targets.RemoteBackend.BaseURL, cfg.Targets.RemoteBackend.Token)
		coordinator.Register(target)
		log.Printf("Registered sync target %s", target.Name())
	}
	if cfg.Targets.CalDAV.Enabled {
		client, err := caldav.NewClient(cfg.Targets.CalDAV.URL, cfg.Targets.CalDAV.Username, cfg.Targets.CalDAV.Password)
		if err != nil {
			log.Fatalf("Failed to initialize CalDAV client: %v", err)
		}
		if err := client.TestConnection(ctx); err != nil {
			// The coordinator retries with backoff; a dead server at boot
			// is not fatal
			log.Printf("Warning: CalDAV connection check failed: %v", err)
		}
		target := caldav.NewTarget(client, database, cfg.Targets.CalDAV.CalendarPath)
		coordinator.Register(target)
		log.Printf("Registered sync target %s", target.Name())
	}
	if !cfg.HasTargets() {
		log.Printf("Warning: %v, records stay local", config.ErrNoTargets)
	}

	// Initialize the reminder planner
	planner := notify.NewPlanner(database, notifier)

	// Applied remote changes can move or cancel occurrences
	coordinator.SetOnApplied(planner.Replan)
	coordinator.SetOnFailure(func(target string, cause error) {
		notifier.SendSyncFailure(context.Background(), target, cause.Error())
	})
	coordinator.SetOnRecovered(func(target string) {
		notifier.SendRecovery(context.Background(), target)
	})

	// Initialize handlers
	handlers := web.NewHandlers(
		cfg,
		database,
		oidcProvider,
		sessionManager,
		coordinator,
		jrnl,
		planner,
		notifier,
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, sessionManager)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Heal the reminder plan, then start the dispatch loop and sync cycles
	if err := planner.Start(); err != nil {
		log.Fatalf("Failed to start reminder planner: %v", err)
	}
	coordinator.Start()

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	coordinator.Stop()
	planner.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

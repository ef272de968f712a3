package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PortNumber53/content-calendar/internal/eventbus"
	"github.com/PortNumber53/content-calendar/internal/handlers"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/publishsync"
	"github.com/PortNumber53/content-calendar/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

type deps struct {
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(*sql.DB) error
	listenAndServe func(*http.Server) error
	stopCh         chan os.Signal
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	connectBus     func(ctx context.Context, url string) (*eventbus.Bus, error)
}

func defaultDeps() deps {
	return deps{
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
		connectBus:     eventbus.Connect,
	}
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

func resolvePort(getenv func(string) string) string {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		return port
	}
	return "18911"
}

// parseIntervalFromEnv reads a positive number of seconds from key, falling back to def.
func parseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func parseIntFromEnv(getenv func(string) string, key string, def int) int {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(getenv(key)), "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func migrateUp(db *sql.DB) error {
	if db == nil {
		return errors.New("migrateUp: db is nil")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// startEventBusIfConfigured fans realtime events out over Redis when REDIS_URL is set.
// A failed connection leaves delivery local to this instance.
func startEventBusIfConfigured(ctx context.Context, h *handlers.Handler, d deps) *eventbus.Bus {
	url := strings.TrimSpace(d.getenv("REDIS_URL"))
	if url == "" || h == nil || d.connectBus == nil {
		log.Printf("[Realtime] event bus disabled: REDIS_URL is empty")
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	bus, err := d.connectBus(connectCtx, url)
	cancel()
	if err != nil {
		log.Printf("[Realtime] event bus unavailable, delivering locally: %v", err)
		return nil
	}
	if err := h.UseEventBus(ctx, bus); err != nil {
		log.Printf("[Realtime] event bus subscribe failed, delivering locally: %v", err)
		_ = bus.Close()
		return nil
	}
	return bus
}

func buildRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	return r
}

// startPublishingWorkersIfEnabled wires the publish lifecycle: the due-posts sweeper, the upload-status
// poller and the cancelled-post cleanup. All of it is off unless SCHEDULED_POSTS_WORKER_ENABLED=true.
func startPublishingWorkersIfEnabled(ctx context.Context, db *sql.DB, h *handlers.Handler, getenv func(string) string) {
	enabled := strings.TrimSpace(getenv("SCHEDULED_POSTS_WORKER_ENABLED"))
	if enabled != "true" {
		log.Printf("[ScheduledPosts] workers disabled via SCHEDULED_POSTS_WORKER_ENABLED=%q", enabled)
		return
	}

	runner := &publishsync.Runner{DB: db}
	var checkers map[string]publishsync.Checker
	if base := strings.TrimSpace(getenv("PUBLISH_SYNC_UPLOADER_URL")); base != "" {
		checkers = publishsync.UploaderCheckers(base, strings.TrimSpace(getenv("PUBLISH_SYNC_UPLOADER_TOKEN")))
	} else {
		log.Printf("[PublishSync] disabled: PUBLISH_SYNC_UPLOADER_URL is empty")
	}
	if h != nil {
		runner.Notify = func(userID, scheduleID string, status models.Status) {
			h.NotifyScheduleUpdated(userID, scheduleID, string(status))
		}
	}

	if h != nil {
		interval := parseIntervalFromEnv(getenv, "SCHEDULED_POSTS_INTERVAL_SECONDS", time.Minute)
		go h.StartScheduledPostsWorker(ctx, interval, func(scheduleID, userID string) {
			if checkers == nil {
				return
			}
			go func() {
				if _, err := runner.SyncScheduled(ctx, userID, scheduleID, checkers); err != nil {
					log.Printf("[PublishSync] initial_check_failed scheduleId=%s err=%v", scheduleID, err)
				}
			}()
		})
	}
	if checkers != nil {
		go runner.StartWorker(ctx, checkers, parseIntervalFromEnv(getenv, "PUBLISH_SYNC_INTERVAL_SECONDS", time.Minute))
	}

	cleanup := &workers.CancelledCleanupWorker{
		DB:            db,
		RetentionDays: parseIntFromEnv(getenv, "CANCELLED_RETENTION_DAYS", 30),
	}
	go cleanup.Start(ctx)
}

func run(d deps) error {
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	if d.openDB == nil {
		return errors.New("openDB is nil")
	}
	if d.listenAndServe == nil {
		return errors.New("listenAndServe is nil")
	}

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := d.getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db); err != nil {
			return err
		}
		log.Println("Database is up-to-date")
	}

	h := handlers.New(db)
	if bus := startEventBusIfConfigured(rootCtx, h, d); bus != nil {
		defer bus.Close()
	}
	r := buildRouter(h)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	port := resolvePort(d.getenv)
	srv := &http.Server{
		Handler:      c.Handler(r),
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	startPublishingWorkersIfEnabled(rootCtx, db, h, d.getenv)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := d.listenAndServe(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Println("Server stopped")
	return nil
}

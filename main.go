package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hotel_sweeper/auth"
	"hotel_sweeper/browser"
	"hotel_sweeper/config"
	"hotel_sweeper/destinations"
	"hotel_sweeper/httputil"
	"hotel_sweeper/logging"
	"hotel_sweeper/models"
	"hotel_sweeper/scheduler"
	"hotel_sweeper/scraper"
	"hotel_sweeper/storage"
	"hotel_sweeper/workers"
)

var (
	profilePath  = flag.String("profile", "", "YAML run profile to layer over the environment config")
	daemonMode   = flag.Bool("daemon", false, "Run on a schedule instead of a single sweep")
	headed       = flag.Bool("headed", false, "Run the browser with a visible window")
	destinationF = flag.String("destinations", "", "Comma-separated destination selectors (overrides config)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var profile *config.Profile
	if *profilePath != "" {
		profile, err = config.LoadProfile(*profilePath)
		if err != nil {
			log.Fatalf("Failed to load run profile: %v", err)
		}
		if err := profile.Apply(cfg); err != nil {
			log.Fatalf("Invalid run profile: %v", err)
		}
		log.Printf("Applied run profile %q", profile.Profile)
	}
	if *headed {
		cfg.Browser.Headless = false
	}
	if *destinationF != "" {
		cfg.Search.DestinationKeys = splitSelectors(*destinationF)
	}

	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting hotel_sweeper...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath, storage.Options{
		JournalMode:   cfg.Storage.JournalMode,
		Synchronous:   cfg.Storage.Synchronous,
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
	})
	if err != nil {
		log.Fatalf("Failed to open run store: %v", err)
	}
	defer store.Close()
	log.Printf("Run store: %s (journal=%s, synchronous=%s)",
		cfg.Storage.DBPath, cfg.Storage.JournalMode, cfg.Storage.Synchronous)

	var pgStore *storage.PostgresStore
	if cfg.Storage.PostgresURL != "" {
		pgStore, err = storage.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgStore.Close()
		log.Printf("Analytics mirror: %s", maskConnectionString(cfg.Storage.PostgresURL))
	}

	var catalog *destinations.Catalog
	if len(cfg.Search.DestinationKeys) > 0 {
		catalog, err = destinations.Load(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("Failed to load destination catalog: %v", err)
		}
		log.Printf("Destination catalog: %s (%d entries)", catalog.Source, len(catalog.Values()))
	}

	clients := httputil.NewClients()
	resolver := buildOtpResolver(cfg, clients)
	verifier := auth.NewTwoStepVerifier(resolver)
	login := auth.NewLoginFlow(cfg.Auth, cfg.DebugDir, verifier)

	runtime := browser.NewRuntime(cfg.Browser)
	defer runtime.Stop()
	session := browser.NewSweepSession(runtime, login, cfg.Auth.StorageStatePath, cfg.Search.WarmupEnabled)

	orchestrator := scraper.NewOrchestrator(cfg, store, catalog, session)

	sweepSource := func() ([]models.DateSweep, error) {
		return profile.Sweeps(cfg)
	}

	var exportWorker *workers.ExportWorker
	if pgStore != nil {
		exportWorker = workers.NewExportWorker(store, pgStore)
	}

	if !*daemonMode {
		sweeps, err := sweepSource()
		if err != nil {
			log.Fatalf("Failed to resolve date sweeps: %v", err)
		}
		if err := orchestrator.Run(ctx, sweeps); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		if exportWorker != nil {
			exportWorker.Trigger()
			go exportWorker.Run(ctx, time.Hour)
			time.Sleep(2 * time.Second)
		}
		log.Println("Sweep complete!")
		return
	}

	sched := scheduler.New(cfg, orchestrator, sweepSource)
	if exportWorker != nil {
		sched.SetExportWorker(exportWorker)
		go exportWorker.Run(ctx, 15*time.Minute)
		log.Println("Export worker started")
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

// buildOtpResolver prefers TOTP when a secret is configured; otherwise
// verification codes are pulled from the mailbox API.
func buildOtpResolver(cfg *config.Config, clients *httputil.Clients) auth.OtpResolver {
	if cfg.Auth.TOTPSecret != "" {
		return auth.NewTotpResolver(cfg.Auth.TOTPSecret)
	}
	return auth.NewMailResolver(cfg.Mail, clients)
}

func splitSelectors(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// maskConnectionString masks the password in a connection string before
// it reaches the logs.
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}

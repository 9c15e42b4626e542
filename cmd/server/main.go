package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fundscrape/fund-acquisition/internal/api"
	"github.com/fundscrape/fund-acquisition/internal/auth"
	"github.com/fundscrape/fund-acquisition/internal/config"
	"github.com/fundscrape/fund-acquisition/internal/db"
	"github.com/fundscrape/fund-acquisition/internal/ingest"
)

type store interface {
	ingest.Ledger
	ingest.Gateway
}

func main() {
	configPath := flag.String("config", os.Getenv("FUNDSCRAPE_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	adminSecret, err := auth.ResolveSecret("ADMIN_SECRET", cfg.AdminSecret)
	if err != nil {
		log.Fatalf("Failed to resolve admin secret: %v", err)
	}
	jwtSecret, err := auth.ResolveSecret("JWT_SECRET", cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to resolve JWT secret: %v", err)
	}
	tokens, err := auth.NewService(jwtSecret, 0)
	if err != nil {
		log.Fatalf("Failed to init auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store
	switch cfg.Store {
	case "memory":
		log.Println("[Server] using in-memory store; tasks are lost on restart")
		st = db.NewMemoryStore()
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		if _, err := db.ApplyMigrations(ctx, pool); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		st = db.NewStore(pool)
	}

	settings, err := ingest.LoadSourceSettings(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("Failed to load sources: %v", err)
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	fetchers := func(src ingest.SourceConfig) (ingest.Fetcher, error) {
		fc := src.FetchConfig(cfg.FetchConfig())
		if cfg.Fetcher.Kind == "colly" {
			return ingest.NewCollyFetcher(fc, cfg.Acquisition.Concurrency)
		}
		f := ingest.NewHTTPFetcher(fc)
		closers = append(closers, f)
		return f, nil
	}

	registry, err := ingest.NewDefaultRegistry(settings, fetchers)
	if err != nil {
		log.Fatalf("Failed to build source registry: %v", err)
	}
	log.Printf("[Server] registered sources: %v (fetcher=%s)", registry.Sources(), cfg.Fetcher.Kind)

	orchestrator := ingest.NewOrchestrator(registry, st, st, cfg.OrchestratorConfig())

	srv := api.NewServer(api.Options{
		Orchestrator: orchestrator,
		Ledger:       st,
		Sources:      registry,
		Auth:         tokens,
		AdminSecret:  adminSecret,
		CORSOrigins:  cfg.CORSOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on port %s...", cfg.Port)
		if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Println("[Server] shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.Printf("[Server] server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] http shutdown: %v", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] orchestrator shutdown: %v", err)
	}
	log.Println("[Server] stopped")
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hushfeed.org/internal/config"
	"hushfeed.org/internal/httpapi"
	"hushfeed.org/internal/jobs"
	"hushfeed.org/internal/keyring"
	"hushfeed.org/internal/obs"
	"hushfeed.org/internal/policy"
	"hushfeed.org/internal/recrypt"
	"hushfeed.org/internal/session"
	"hushfeed.org/internal/store/pg"
	"hushfeed.org/internal/trust"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("HUSHFEED_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Backing store: Postgres when a DSN is configured, in-memory for
	// local development.
	var (
		store   session.Store
		pgStore *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	} else {
		log.Print("no DSN configured, using in-memory store")
		store = session.NewInMemory()
	}

	rules := policy.DefaultRulesets()
	sessions := session.NewService(store, rules)

	// The recryption workflows run in-process: the queue is an in-memory
	// ring, so publisher and workers must share the process.
	queue := jobs.NewMemory()
	workflows := recrypt.New(
		store,
		trust.NewClient(cfg.TrustBaseURL),
		keyring.NewClient(cfg.KeyringBaseURL),
		keyring.Box{},
	)
	recrypt.RegisterHandlers(queue, workflows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx, cfg.Workers)

	var authn *httpapi.Authenticator
	if cfg.JWTSecret != "" {
		authn = httpapi.NewAuthenticator([]byte(cfg.JWTSecret))
	} else {
		log.Print("no JWT secret configured, authentication disabled")
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(sessions, rules, queue, authn, probe, version)
	handler := httpapi.RateLimit(api.Handler(), cfg.RateLimitBurst, cfg.RateLimitRPS)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting hushfeed-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	queue.Wait()

	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

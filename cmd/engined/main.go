// Command engined runs the container and agent execution engine: it
// acquires per-user containers on demand, streams agent CLI runs over a
// realtime websocket gateway, and sweeps idle state in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cobaltforge/agentcore/internal/agentexec"
	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/config"
	"github.com/cobaltforge/agentcore/internal/containerpool"
	"github.com/cobaltforge/agentcore/internal/dockerx"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/extension"
	"github.com/cobaltforge/agentcore/internal/janitor"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/policy"
	"github.com/cobaltforge/agentcore/internal/realtime"
	"github.com/cobaltforge/agentcore/internal/session"
	"github.com/cobaltforge/agentcore/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("agentcore " + version)
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var tlsCfg *dockerx.TLSConfig
	if cfg.DockerTLSEnabled() {
		tlsCfg = &dockerx.TLSConfig{
			CACert:     cfg.DockerTLSCACert,
			ClientCert: cfg.DockerTLSClientCert,
			ClientKey:  cfg.DockerTLSClientKey,
		}
		log.Info("docker TLS configured")
	}
	docker, err := dockerx.NewClient(cfg.DockerSock, tlsCfg)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()

	containerpool.SetDataRoot(envOr("AGENTCORE_DATA_ROOT", "/data"))

	clk := clock.Real{}
	bus := events.New()
	ext := extension.New(cfg.ExtensionSourceDir, log)
	pool := containerpool.New(docker, db, ext, bus, log, clk, cfg)

	if err := pool.RestoreFromPersistence(ctx); err != nil {
		log.Warn("failed to restore container pool from persistence", "error", err)
	}

	registry := session.New(bus, log, clk, cfg.SessionGrace)
	pool.SetInFlightChecker(registry)
	executor := agentexec.New(docker, registry, log, clk, cfg.ExecutionTimeout)

	j := janitor.New(pool, registry, pool, pool, cfg, log, clk)
	go func() {
		if err := j.Run(ctx); err != nil {
			log.Error("janitor exited with error", "error", err)
		}
	}()

	gw := realtime.New(cfg, headerAuthenticator{}, fixedTier{}, pool, registry, executor, bus, log, clk)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{Addr: ":" + cfg.WebPort, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info("engine started", "version", version, "port", cfg.WebPort)
	<-ctx.Done()
	log.Info("engine shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// headerAuthenticator is a placeholder Authenticator: it trusts an
// X-User-Id header outright. Real authentication (SSO, API keys, sessions)
// is an external collaborator deliberately out of scope here; swap this
// for a production implementation before exposing the engine publicly.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return "", errNoUser
	}
	return userID, nil
}

var errNoUser = fmt.Errorf("missing X-User-Id header")

// fixedTier is a placeholder TierLookup: every user resolves to the free
// tier with no override. Real tier/entitlement lookup lives in an external
// user-management system, also out of scope.
type fixedTier struct{}

func (fixedTier) Tier(string) (policy.Tier, policy.Override, error) {
	return policy.TierFree, policy.Override{}, nil
}

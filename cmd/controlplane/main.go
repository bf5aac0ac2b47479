// Command controlplane runs the xDS control plane: the gRPC discovery
// server, the admin REST API, and the optional Docker watcher.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xdscp/xdscp/internal/admin"
	"github.com/xdscp/xdscp/internal/bootstrap"
	"github.com/xdscp/xdscp/internal/config"
	"github.com/xdscp/xdscp/internal/docker"
	"github.com/xdscp/xdscp/internal/store"
	"github.com/xdscp/xdscp/internal/xds"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional; defaults + XDSCP_ env overrides apply otherwise)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// --- Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}))
	log.Info("config loaded",
		"rest_addr", cfg.RestAddr(),
		"xds_addr", cfg.XDSAddr(),
		"cascade_on_delete", cfg.Server.CascadeOnDelete,
	)

	// --- Store ---
	st := store.New(store.CascadePolicy(cfg.Server.CascadeOnDelete), cfg.AvailablePoliciesSet(), cfg.SupportedMethodsSet())

	// --- xDS projector + server ---
	projector := xds.NewProjector(xds.ProjectorConfig{
		ConnectTimeoutSeconds: cfg.EnvoyGeneration.ConnectTimeoutSeconds,
		RouteConfigName:       cfg.EnvoyGeneration.RouteConfigName,
		VirtualHostName:       cfg.EnvoyGeneration.VirtualHostName,
	})
	xdsServer := xds.NewServer(st, projector, log, xds.TLSConfig{
		Enabled:  cfg.TLS.Enabled,
		CertPath: cfg.TLS.CertPath,
		KeyPath:  cfg.TLS.KeyPath,
	})

	// --- Bootstrap generator ---
	gen := bootstrap.NewGenerator(cfg.EnvoyGeneration, cfg.Server.Host, cfg.Server.XDSPort)

	// --- Docker watcher (best-effort; absence of a daemon is not fatal) ---
	watcher, err := docker.NewWatcher(st, log)
	if err != nil {
		log.Warn("docker watcher unavailable, falling back to admin API only", "error", err)
	}

	// --- Admin REST API ---
	adminServer := admin.NewServer(st, gen, cfg, log)
	httpServer := &http.Server{
		Addr:    cfg.RestAddr(),
		Handler: adminServer.Router(),
	}

	// --- Startup ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error("docker watcher error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down admin API")
		_ = httpServer.Shutdown(context.Background())
	}()

	go func() {
		log.Info("admin API listening", "addr", cfg.RestAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin API failed", "error", err)
		}
	}()

	if err := xdsServer.Serve(ctx, cfg.XDSAddr()); err != nil {
		log.Error("xDS server failed", "error", err)
		os.Exit(1)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

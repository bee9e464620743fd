package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"wardrelay/internal/blob"
	"wardrelay/internal/config"
	"wardrelay/internal/core"
	"wardrelay/internal/httpapi"
	"wardrelay/internal/identity"
	"wardrelay/internal/linkpreview"
	"wardrelay/internal/metrics"
	"wardrelay/internal/persist"
	"wardrelay/internal/relay"
	"wardrelay/internal/store"
	"wardrelay/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, rest, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Dev builds log at debug unless a level was chosen explicitly.
	level := cfg.SlogLevel()
	if strings.Contains(Version, "dev") && os.Getenv("WARDRELAY_LOG_LEVEL") == "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if handled, err := RunCLI(rest, cfg, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg config.Config) error {
	slog.Info("starting relay", "version", Version, "addr", cfg.Addr, "db_driver", cfg.DBDriver)

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	blobRoot := strings.TrimSpace(cfg.BlobsDir)
	if blobRoot == "" {
		blobRoot = "blobs"
		if cfg.DBDriver == store.DriverSQLite {
			blobRoot = filepath.Join(filepath.Dir(cfg.DBDSN), "blobs")
		}
	}
	blobStore, err := blob.NewStore(blobRoot, st)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}

	resolver, err := identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("identity resolver: %w", err)
	}

	var previews relay.Previewer
	if cfg.LinkPreviews {
		previews = linkpreview.New(linkpreview.Options{AllowPrivate: cfg.LinkPreviewsPrivate})
	}

	m := metrics.New()
	reg := core.NewRegistry()
	dir := core.NewDirectory(reg)
	gateway := persist.New(st, m)
	router := relay.NewRouter(relay.Deps{
		Resolver:    resolver,
		Registry:    reg,
		Directory:   dir,
		Broadcaster: core.NewBroadcaster(dir, m),
		Persister:   gateway,
		Metrics:     m,
		Previews:    previews,
		SendBuffer:  cfg.SendBuffer,
		SendTimeout: cfg.SendTimeout,
	})

	server := httpapi.New(httpapi.Deps{
		Registry:  reg,
		Directory: dir,
		History:   st,
		Blobs:     blobStore,
		WS:        ws.NewHandler(router, m, ws.Options{ReadLimit: cfg.ReadLimit, PingInterval: cfg.PingInterval}),
		Metrics:   m,
		Resolver:  resolver,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go RunMetrics(ctx, reg, dir, m, cfg.MetricsInterval)
	go RunSweep(ctx, dir, cfg.SweepInterval)

	slog.Info("listening", "addr", cfg.Addr)
	runErr := server.Run(ctx, cfg.Addr, cfg.ShutdownTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := router.Close(drainCtx); err != nil {
		slog.Warn("router background work still running", "err", err)
	}
	_ = gateway.Close(drainCtx)
	return runErr
}

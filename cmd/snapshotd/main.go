package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wilhg/tenantsnap/internal/config"
	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/httpapi"
	"github.com/wilhg/tenantsnap/pkg/mcpserver"
	snapotel "github.com/wilhg/tenantsnap/pkg/otel"
	"github.com/wilhg/tenantsnap/pkg/providers"
	"github.com/wilhg/tenantsnap/pkg/store/entstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion, mcpMode bool
	var addr string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", "", "http listen address (overrides SNAPSHOTD_ADDR)")
	flag.BoolVar(&mcpMode, "mcp", false, "serve MCP tools on stdio instead of HTTP")
	flag.Parse()

	if showVersion {
		fmt.Printf("snapshotd %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	log := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, mcpMode, log); err != nil {
		log.Error().Err(err).Msg("snapshotd stopped")
		os.Exit(1)
	}
}

// newLogger writes to w; stdout stays free for the MCP stdio transport.
func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "snapshotd").Logger()
}

func run(ctx context.Context, cfg config.Config, mcpMode bool, log zerolog.Logger) error {
	shutdown, err := snapotel.Init(ctx, snapotel.Config{
		ServiceVersion: version,
		UseStdout:      cfg.OTelStdout && !mcpMode,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	st, err := entstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx, providers.Tables()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	o, reg, err := buildEngine(st, cfg, log)
	if err != nil {
		return err
	}

	if mcpMode {
		return mcpserver.New(o, version, mcpserver.WithLogger(log)).Serve(ctx)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           buildMux(o, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("snapshotd listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildEngine wires the providers and the orchestrator and returns the
// metrics registry they report to.
func buildEngine(st *entstore.Store, cfg config.Config, log zerolog.Logger) (*engine.Orchestrator, *prometheus.Registry, error) {
	registry, err := providers.Default(st.Driver(), providers.Config{RowCap: cfg.RowCap, MessageCap: cfg.ChatMessageCap})
	if err != nil {
		return nil, nil, fmt.Errorf("providers: %w", err)
	}

	met := engine.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		met,
	)

	o, err := engine.New(registry, st,
		engine.WithLogger(log),
		engine.WithMetrics(met),
		engine.WithTokenTTL(cfg.TokenTTL),
		engine.WithProviderTimeout(cfg.ProviderTimeout),
		engine.WithLockTTL(cfg.LockTTL),
		engine.WithCaptureConcurrency(cfg.CaptureConcurrency),
		engine.WithTruncationPolicy(cfg.TruncationPolicy),
		engine.WithSafetySnapshot(cfg.SafetySnapshot),
		engine.WithParallelRestore(cfg.ParallelRestore),
		engine.WithDisabledProviders(cfg.DisabledProviders...),
	)
	if err != nil {
		return nil, nil, err
	}
	return o, reg, nil
}

func buildMux(o *engine.Orchestrator, reg *prometheus.Registry, log zerolog.Logger) http.Handler {
	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return httpapi.New(o, httpapi.WithLogger(log), httpapi.WithMetricsHandler(metrics)).Handler()
}

// compel-agent performs one deferral controller pass per invocation. A
// platform scheduler (launchd or a systemd timer) runs it on an interval;
// every pass re-reads config, probes for pending updates, and advances the
// deferral state machine at most one transition before exiting.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/compel/pkg/config"
	"github.com/haasonsaas/compel/pkg/deferral"
	"github.com/haasonsaas/compel/pkg/enforce"
	"github.com/haasonsaas/compel/pkg/health"
	"github.com/haasonsaas/compel/pkg/inventory"
	"github.com/haasonsaas/compel/pkg/mgmt"
	"github.com/haasonsaas/compel/pkg/platform"
	"github.com/haasonsaas/compel/pkg/prompt"
	"github.com/haasonsaas/compel/pkg/store"
	"github.com/haasonsaas/compel/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/compel/agent.yaml", "Config file path")
	promptdURL = flag.String("promptd", "", "Prompt renderer URL (overrides config)")
	dbPath     = flag.String("db", "", "State database path (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Compel Agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// CLI overrides
	if *promptdURL != "" {
		cfg.Promptd.URL = *promptdURL
	}
	if *dbPath != "" {
		cfg.State.DBPath = *dbPath
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx := context.Background()
	provider, err := telemetry.Setup(ctx, "compel-agent", Version,
		cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.LogSpans, cfg.Tracing.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("Tracing setup failed")
	}

	code := run(ctx, cfg)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	cancel()
	os.Exit(code)
}

// run is split from main so spans flush before the process exits.
func run(ctx context.Context, cfg *config.Config) int {
	ctx, span := telemetry.StartInvocation(ctx, "agent.pass")
	defer span.End()

	runner := platform.ExecRunner{}

	phaseCtx, phase := telemetry.StartPhase(ctx, "preflight")
	status := health.NewChecker(runner).Check(phaseCtx, cfg.Promptd.URL, cfg.Health.CatalogURL)
	phase.End()
	if !status.Healthy {
		log.Error().
			Strs("issues", status.Issues).
			Int("retry_in_s", cfg.Mgmt.RetryIntervalS).
			Msg("Preflight failed, deferring to next scheduled run")
		return 1
	}

	st, err := store.Open(cfg.State.DBPath, cfg.State.Namespace)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.State.DBPath).Msg("Failed to open state database")
		return 1
	}

	host := platform.NewHost(runner)
	probe := inventory.NewHostProbe(runner)
	gateway := prompt.NewClient(cfg.Promptd.URL, time.Duration(cfg.Promptd.RequestTimeout)*time.Second)
	mgmtClient := mgmt.NewClient(cfg.Mgmt.URL, time.Duration(cfg.Mgmt.RequestTimeout)*time.Second,
		cfg.Mgmt.RetryInitialMs, cfg.Mgmt.RetryMaxMs, cfg.Mgmt.RetryMaxRetries)

	executor := enforce.New(cfg, st, probe, gateway, host, mgmtClient)
	controller := deferral.NewController(cfg, st, probe, gateway, executor)

	state, err := controller.Run(ctx)
	span.SetAttributes(attribute.String("pass.state", state.String()))
	if err != nil {
		log.Error().Err(err).Stringer("state", state).Msg("Controller pass failed")
		return 1
	}

	log.Info().Stringer("state", state).Msg("Controller pass complete")
	return 0
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("COMPEL_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("COMPEL_LOG_FORMAT")))

	logger := newAgentLogger(format, "")
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}

	logger := newAgentLogger(format, cfg.File)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format, file string) zerolog.Logger {
	out := os.Stdout
	if file != "" {
		if f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		} else {
			log.Warn().Err(err).Str("file", file).Msg("Diagnostic log unavailable, using stdout")
		}
	}
	if format == "json" {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
